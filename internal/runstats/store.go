// Package runstats keeps a bounded history of triage runs and summarizes it.
package runstats

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of runs kept when no capacity is configured.
const DefaultCapacity = 200

// Engine names the path that served a run.
type Engine string

const (
	EngineDirect    Engine = "direct"
	EngineDelegated Engine = "delegated"
)

// Valid reports whether e is a known engine.
func (e Engine) Valid() bool {
	return e == EngineDirect || e == EngineDelegated
}

// Run is the record of one triage invocation. Pointer fields are optional.
type Run struct {
	Timestamp     time.Time `json:"ts"`
	TraceID       string    `json:"traceId"`
	Engine        Engine    `json:"engine"`
	UseRAG        bool      `json:"useRag"`
	PrimaryModel  string    `json:"primaryModel"`
	FallbackModel string    `json:"fallbackModel,omitempty"`
	UsedModel     string    `json:"usedModel,omitempty"`
	TotalMs       int64     `json:"totalMs"`
	RetrievalMs   *int64    `json:"retrievalMs,omitempty"`
	DirectMs      *int64    `json:"directMs,omitempty"`
	PipelineMs    *int64    `json:"pipelineMs,omitempty"`
	Attempts      int       `json:"attempts"`
	Retries       int       `json:"retries"`
	ValidationOK  bool      `json:"validationOk"`
	Error         string    `json:"error,omitempty"`
}

// RetriesFor derives the retry count of a run from its physical attempts. Delegated runs
// report no retries; their attempts belong to the pipeline.
func RetriesFor(engine Engine, attempts int) int {
	if engine != EngineDirect || attempts <= 1 {
		return 0
	}
	return attempts - 1
}

// Ms returns a pointer to a millisecond value, for the optional Run fields.
func Ms(d time.Duration) *int64 {
	v := d.Milliseconds()
	return &v
}

// Store is a thread-safe ring of the most recent runs.
type Store struct {
	runs []Run
	head int // index of the next write
	n    int
	mu   sync.RWMutex
}

// NewStore creates a store holding at most capacity runs.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{runs: make([]Run, capacity)}
}

// Capacity returns the maximum number of runs kept.
func (s *Store) Capacity() int {
	return len(s.runs)
}

// Len returns the number of runs currently kept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.n
}

// Record adds run as the most recent entry, evicting the oldest when full.
func (s *Store) Record(run Run) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[s.head] = run
	s.head = (s.head + 1) % len(s.runs)
	if s.n < len(s.runs) {
		s.n++
	}
}

// List returns up to limit runs, most recent first. limit is clamped to [1, Capacity].
func (s *Store) List(limit int) []Run {
	if limit < 1 {
		limit = 1
	}
	if limit > len(s.runs) {
		limit = len(s.runs)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(limit)
}

// Summarize aggregates every kept run.
func (s *Store) Summarize() Summary {
	s.mu.RLock()
	runs := s.snapshot(s.n)
	s.mu.RUnlock()

	return Summarize(runs)
}

// snapshot copies the newest limit runs; callers hold the lock.
func (s *Store) snapshot(limit int) []Run {
	if limit > s.n {
		limit = s.n
	}
	out := make([]Run, 0, limit)
	idx := s.head
	for i := 0; i < limit; i++ {
		idx = (idx - 1 + len(s.runs)) % len(s.runs)
		out = append(out, s.runs[idx])
	}
	return out
}
