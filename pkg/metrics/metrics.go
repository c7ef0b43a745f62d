package metrics

import "sync"

// Collector captures counters and gauges emitted by the merge pipeline.
type Collector interface {
	IncCounter(name string, delta float64)
	SetGauge(name string, value float64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, float64) {}
func (Nop) SetGauge(string, float64)   {}

// InMemory accumulates metrics in memory for readers such as tests.
type InMemory struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

func NewInMemory() *InMemory {
	return &InMemory{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

func (m *InMemory) IncCounter(name string, delta float64) {
	m.mu.Lock()
	m.counters[name] += delta
	m.mu.Unlock()
}

func (m *InMemory) SetGauge(name string, value float64) {
	m.mu.Lock()
	m.gauges[name] = value
	m.mu.Unlock()
}

// Counter reads a counter, zero when never incremented.
func (m *InMemory) Counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Gauge reads a gauge, zero when never set.
func (m *InMemory) Gauge(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}

// Snapshot copies every metric for serving.
func (m *InMemory) Snapshot() (counters, gauges map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counters = make(map[string]float64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	gauges = make(map[string]float64, len(m.gauges))
	for k, v := range m.gauges {
		gauges[k] = v
	}
	return counters, gauges
}
