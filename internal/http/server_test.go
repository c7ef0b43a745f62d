package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"blsm/pkg/blsm"
)

func newTestServer(t *testing.T) (*httptest.Server, *blsm.MergeScheduler) {
	t.Helper()
	engine, err := blsm.Open(blsm.Options{
		DataDir:   t.TempDir(),
		MaxC0Size: 1 << 20,
		MergeRate: -1,
	})
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	scheduler := blsm.NewMergeScheduler(engine)
	scheduler.Start()

	srv := NewServer(engine, 0)
	ts := httptest.NewServer(srv.Handler())
	return ts, scheduler
}

func TestServer_PutGetDelete(t *testing.T) {
	ts, scheduler := newTestServer(t)
	defer scheduler.Shutdown()
	defer ts.Close()

	client := ts.Client()

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/kv/greeting", bytes.NewBufferString("hello"))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("PUT failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status: %d", resp.StatusCode)
	}

	resp, err = client.Get(ts.URL + "/kv/greeting")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status: %d", resp.StatusCode)
	}
	var got map[string]string
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("failed to parse GET body: %v", err)
	}
	if got["value"] != "hello" {
		t.Fatalf("expected hello, got %q", got["value"])
	}

	req, err = http.NewRequest(http.MethodDelete, ts.URL+"/kv/greeting", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status: %d", resp.StatusCode)
	}

	resp, err = client.Get(ts.URL + "/kv/greeting")
	if err != nil {
		t.Fatalf("GET after delete failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestServer_Stats(t *testing.T) {
	ts, scheduler := newTestServer(t)
	defer scheduler.Shutdown()
	defer ts.Close()

	client := ts.Client()

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/kv/a", bytes.NewBufferString("1"))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("PUT failed: %v", err)
	}
	resp.Body.Close()

	resp, err = client.Post(ts.URL+"/flush", "", nil)
	if err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	resp.Body.Close()

	resp, err = client.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status: %d", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("failed to parse stats: %v", err)
	}
	if stats.R < 3.0 {
		t.Fatalf("expected R >= 3, got %f", stats.R)
	}
	if len(stats.Levels) != 3 {
		t.Fatalf("expected three levels, got %d", len(stats.Levels))
	}
	if stats.Levels[1].MergeCount < 1 {
		t.Fatal("flush did not record a mem merge")
	}
}
