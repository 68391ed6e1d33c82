package metrics

import (
	"sync"
	"time"
)

// Counter names recorded by the pipeline.
const (
	ItemsFetched     = "items_fetched"
	ItemsInserted    = "items_inserted"
	ItemsDuplicate   = "items_duplicate"
	ItemsRejected    = "items_rejected"
	ItemsAccepted    = "items_accepted"
	PostsGenerated   = "posts_generated"
	PostsPublished   = "posts_published"
	StageRetries     = "stage_retries"
	StageFailures    = "stage_failures"
	FetchFailures    = "fetch_failures"
	SourcesUnhealthy = "sources_unhealthy"
	HandlerErrors    = "handler_errors"
)

// Metrics keeps in-process counters; the zero value is ready to use and nil is a no-op.
type Metrics struct {
	mu        sync.RWMutex
	counters  map[string]int64
	lastTick  time.Time
	lastError string
	errorAt   time.Time
}

// New returns an empty counter set.
func New() *Metrics {
	return &Metrics{counters: map[string]int64{}}
}

// Inc adds one to the named counter.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

// Add adds delta to the named counter.
func (m *Metrics) Add(name string, delta int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = map[string]int64{}
	}
	m.counters[name] += delta
}

// Tick records the time of the last scheduler run.
func (m *Metrics) Tick(at time.Time) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTick = at
}

// RecordError remembers the most recent failure message.
func (m *Metrics) RecordError(at time.Time, err error) {
	if m == nil || err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastError = err.Error()
	m.errorAt = at
}

// Snapshot is a point-in-time copy safe to serialize.
type Snapshot struct {
	Counters    map[string]int64 `json:"counters"`
	LastTick    time.Time        `json:"last_tick"`
	LastError   string           `json:"last_error,omitempty"`
	LastErrorAt time.Time        `json:"last_error_at"`
}

// Snapshot copies the current values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{Counters: map[string]int64{}}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	return Snapshot{Counters: counters, LastTick: m.lastTick, LastError: m.lastError, LastErrorAt: m.errorAt}
}

// Healthy reports whether the scheduler ticked within maxAge of now.
func (s Snapshot) Healthy(now time.Time, maxAge time.Duration) bool {
	return !s.LastTick.IsZero() && now.Sub(s.LastTick) <= maxAge
}
