package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"blsm/pkg/mergemgr"
)

const (
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
	maxValueBytes          = 16 << 20
)

// iStoreAPI is the slice of the engine the operational surface needs.
type iStoreAPI interface {
	Get(key []byte) ([]byte, bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	FlushTable()
	R() float64
	MeanC0RunLength() int64
	Manager() *mergemgr.Manager
}

// Server exposes the key-value API and the merge statistics over HTTP. It is
// an operational surface next to the engine, not part of it.
type Server struct {
	store      iStoreAPI
	httpServer *http.Server
}

// NewServer wires the routes for a store.
func NewServer(store iStoreAPI, port int) *Server {
	if port == 0 {
		port = defaultHTTPPort
	}
	s := &Server{store: store}

	r := chi.NewRouter()
	r.Get("/kv/{key}", s.handleGet)
	r.Put("/kv/{key}", s.handlePut)
	r.Delete("/kv/{key}", s.handleDelete)
	r.Post("/flush", s.handleFlush)
	r.Get("/stats", s.handleStats)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	slog.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, found, err := s.store.Get([]byte(key))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": string(value)})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if err := s.store.Put([]byte(key), value); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.store.Delete([]byte(key)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFlush(w http.ResponseWriter, _ *http.Request) {
	s.store.FlushTable()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	R               float64             `json:"r"`
	MeanC0RunLength int64               `json:"mean_c0_run_length"`
	Levels          []mergemgr.Snapshot `json:"levels"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	mgr := s.store.Manager()
	resp := statsResponse{
		R:               s.store.R(),
		MeanC0RunLength: s.store.MeanC0RunLength(),
		Levels: []mergemgr.Snapshot{
			mgr.Level(mergemgr.LevelC0),
			mgr.Level(mergemgr.LevelC1),
			mgr.Level(mergemgr.LevelC2),
		},
	}
	writeJSON(w, http.StatusOK, resp)
}
