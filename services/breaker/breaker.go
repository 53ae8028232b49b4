// Package breaker implements a per-backend circuit breaker registry.
//
// Each backend gets its own three-state machine (Closed, Open, HalfOpen)
// guarded by its own mutex, so unrelated backends never contend. The
// registry itself only takes a lock to create entries lazily on first use.
package breaker

import (
	"sync"
	"time"

	"github.com/upb/llm-fallback-gateway/services/equivalence"
	"go.uber.org/zap"
)

// Status is the circuit state for one backend.
type Status string

const (
	// StatusClosed allows all calls. This is the initial state.
	StatusClosed Status = "closed"

	// StatusOpen rejects calls without attempting the backend.
	StatusOpen Status = "open"

	// StatusHalfOpen admits a limited number of probe calls to test
	// whether the backend has recovered.
	StatusHalfOpen Status = "half_open"
)

// State is a read-only snapshot of one backend's circuit.
type State struct {
	Status                 Status     `json:"status"`
	ConsecutiveFailures    int        `json:"consecutive_failures"`
	ConsecutiveSuccesses   int        `json:"consecutive_successes"`
	LastFailureAt          *time.Time `json:"last_failure_at,omitempty"`
	OpenedAt               *time.Time `json:"opened_at,omitempty"`
	HalfOpenProbesInFlight int        `json:"half_open_probes_in_flight"`
}

// entry is the mutable per-backend state machine. All fields are guarded
// by mu; every transition happens inside a single critical section.
type entry struct {
	mu sync.Mutex

	// config is captured when the entry is created. Registry-level
	// Configure calls do not retroactively resize an existing window.
	config Config

	status               Status
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureAt        time.Time
	openedAt             time.Time
	probesInFlight       int
}

// TransitionHook is invoked after a circuit changes state. It must not
// block; it is called outside the entry's critical section.
type TransitionHook func(backend equivalence.BackendKey, from, to Status)

// Registry tracks one circuit per backend. The zero value is not usable;
// construct with NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	entries map[equivalence.BackendKey]*entry
	config  Config

	logger *zap.Logger
	now    func() time.Time

	// OnTransition, when set before first use, observes state changes.
	OnTransition TransitionHook
}

// NewRegistry creates a breaker registry with the given default thresholds.
func NewRegistry(config Config, logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[equivalence.BackendKey]*entry),
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// getOrCreate returns the entry for a backend, creating it lazily with the
// registry's current default config.
func (r *Registry) getOrCreate(backend equivalence.BackendKey) *entry {
	r.mu.RLock()
	e, ok := r.entries[backend]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[backend]; ok {
		return e
	}
	e = &entry{config: r.config, status: StatusClosed}
	r.entries[backend] = e
	return e
}

// CanUse reports whether a call to the backend should be attempted.
//
// It has the side effects required by the state machine: an Open circuit
// whose timeout has elapsed transitions to HalfOpen and grants the caller
// a probe slot, and a HalfOpen circuit reserves a probe slot when one is
// free. The reserved slot is released by RecordSuccess or RecordFailure.
func (r *Registry) CanUse(backend equivalence.BackendKey) bool {
	e := r.getOrCreate(backend)
	now := r.now()

	e.mu.Lock()
	var transition *[2]Status
	allowed := false

	switch e.status {
	case StatusClosed:
		allowed = true

	case StatusOpen:
		if now.Sub(e.openedAt) >= e.config.OpenTimeout {
			transition = &[2]Status{StatusOpen, StatusHalfOpen}
			e.status = StatusHalfOpen
			e.consecutiveSuccesses = 0
			e.probesInFlight = 1
			allowed = true
		}

	case StatusHalfOpen:
		if e.probesInFlight < e.config.MaxHalfOpenProbes {
			e.probesInFlight++
			allowed = true
		}
	}
	e.mu.Unlock()

	if transition != nil {
		r.observeTransition(backend, transition[0], transition[1])
	}
	return allowed
}

// StartHalfOpenProbe explicitly reserves a probe slot for the backend.
// It returns false unless the circuit is HalfOpen (or Open past its
// timeout) with a slot free. Callers that use CanUse do not need this.
func (r *Registry) StartHalfOpenProbe(backend equivalence.BackendKey) bool {
	e := r.getOrCreate(backend)
	now := r.now()

	e.mu.Lock()
	var transition *[2]Status
	granted := false

	switch e.status {
	case StatusOpen:
		if now.Sub(e.openedAt) >= e.config.OpenTimeout {
			transition = &[2]Status{StatusOpen, StatusHalfOpen}
			e.status = StatusHalfOpen
			e.consecutiveSuccesses = 0
			e.probesInFlight = 1
			granted = true
		}
	case StatusHalfOpen:
		if e.probesInFlight < e.config.MaxHalfOpenProbes {
			e.probesInFlight++
			granted = true
		}
	}
	e.mu.Unlock()

	if transition != nil {
		r.observeTransition(backend, transition[0], transition[1])
	}
	return granted
}

// ReleaseProbe frees a half-open probe slot without recording an
// outcome. Callers use it when a probe call ends with no evidence
// either way, such as a caller-side cancellation; success and failure
// counters are untouched.
func (r *Registry) ReleaseProbe(backend equivalence.BackendKey) {
	e := r.getOrCreate(backend)

	e.mu.Lock()
	if e.status == StatusHalfOpen && e.probesInFlight > 0 {
		e.probesInFlight--
	}
	e.mu.Unlock()
}

// RecordSuccess records a successful call to the backend. In HalfOpen it
// releases the caller's probe slot and closes the circuit once enough
// consecutive probes have succeeded. A success arriving after the circuit
// reopened (a late completion) is ignored.
func (r *Registry) RecordSuccess(backend equivalence.BackendKey) {
	e := r.getOrCreate(backend)

	e.mu.Lock()
	var transition *[2]Status

	switch e.status {
	case StatusClosed:
		e.consecutiveFailures = 0
		e.consecutiveSuccesses++

	case StatusHalfOpen:
		if e.probesInFlight > 0 {
			e.probesInFlight--
		}
		e.consecutiveSuccesses++
		if e.consecutiveSuccesses >= e.config.HalfOpenSuccessThreshold {
			transition = &[2]Status{StatusHalfOpen, StatusClosed}
			e.status = StatusClosed
			e.consecutiveFailures = 0
			e.consecutiveSuccesses = 0
			e.probesInFlight = 0
			e.openedAt = time.Time{}
		}

	case StatusOpen:
		// Late success from before the circuit reopened. Not evidence
		// of recovery, so it does not shortcut the open window.
	}
	e.mu.Unlock()

	if transition != nil {
		r.observeTransition(backend, transition[0], transition[1])
	}
}

// RecordFailure records a failed call to the backend. In Closed it opens
// the circuit once FailureThreshold consecutive failures accumulate; in
// HalfOpen any probe failure reopens the circuit immediately.
func (r *Registry) RecordFailure(backend equivalence.BackendKey) {
	e := r.getOrCreate(backend)
	now := r.now()

	e.mu.Lock()
	var transition *[2]Status

	switch e.status {
	case StatusClosed:
		e.consecutiveFailures++
		e.consecutiveSuccesses = 0
		e.lastFailureAt = now
		if e.consecutiveFailures >= e.config.FailureThreshold {
			transition = &[2]Status{StatusClosed, StatusOpen}
			e.status = StatusOpen
			e.openedAt = now
		}

	case StatusHalfOpen:
		transition = &[2]Status{StatusHalfOpen, StatusOpen}
		e.status = StatusOpen
		e.openedAt = now
		e.lastFailureAt = now
		e.consecutiveSuccesses = 0
		e.probesInFlight = 0

	case StatusOpen:
		// Late failure; the circuit is already open.
		e.lastFailureAt = now
	}
	e.mu.Unlock()

	if transition != nil {
		r.observeTransition(backend, transition[0], transition[1])
	}
}

// State returns a snapshot of the backend's circuit. Backends that have
// never been used report a fresh Closed state without creating an entry.
func (r *Registry) State(backend equivalence.BackendKey) State {
	r.mu.RLock()
	e, ok := r.entries[backend]
	r.mu.RUnlock()
	if !ok {
		return State{Status: StatusClosed}
	}
	return e.snapshot()
}

// AllStates returns snapshots for every backend the registry has seen.
func (r *Registry) AllStates() map[equivalence.BackendKey]State {
	r.mu.RLock()
	entries := make(map[equivalence.BackendKey]*entry, len(r.entries))
	for k, e := range r.entries {
		entries[k] = e
	}
	r.mu.RUnlock()

	states := make(map[equivalence.BackendKey]State, len(entries))
	for k, e := range entries {
		states[k] = e.snapshot()
	}
	return states
}

func (e *entry) snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := State{
		Status:                 e.status,
		ConsecutiveFailures:    e.consecutiveFailures,
		ConsecutiveSuccesses:   e.consecutiveSuccesses,
		HalfOpenProbesInFlight: e.probesInFlight,
	}
	if !e.lastFailureAt.IsZero() {
		t := e.lastFailureAt
		s.LastFailureAt = &t
	}
	if !e.openedAt.IsZero() {
		t := e.openedAt
		s.OpenedAt = &t
	}
	return s
}

// Configure merges the override into the registry's default thresholds.
// The new config applies to subsequently created per-backend entries;
// already-open windows keep the config they were created with.
func (r *Registry) Configure(override ConfigOverride) {
	r.mu.Lock()
	r.config = r.config.Merge(override)
	r.mu.Unlock()
}

// Config returns the current default thresholds.
func (r *Registry) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// Reset forces the backend's circuit back to a fresh Closed state.
func (r *Registry) Reset(backend equivalence.BackendKey) {
	r.mu.RLock()
	e, ok := r.entries[backend]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	from := e.status
	e.status = StatusClosed
	e.consecutiveFailures = 0
	e.consecutiveSuccesses = 0
	e.probesInFlight = 0
	e.lastFailureAt = time.Time{}
	e.openedAt = time.Time{}
	e.mu.Unlock()

	if from != StatusClosed {
		r.observeTransition(backend, from, StatusClosed)
	}
}

// ResetAll forces every tracked circuit back to Closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	backends := make([]equivalence.BackendKey, 0, len(r.entries))
	for k := range r.entries {
		backends = append(backends, k)
	}
	r.mu.RUnlock()

	for _, backend := range backends {
		r.Reset(backend)
	}
}

// observeTransition logs a state change and notifies the hook, if any.
func (r *Registry) observeTransition(backend equivalence.BackendKey, from, to Status) {
	switch to {
	case StatusOpen:
		r.logger.Warn("circuit opened",
			zap.String("backend", backend.String()),
			zap.String("from", string(from)))
	case StatusHalfOpen:
		r.logger.Info("circuit half-open, probing backend",
			zap.String("backend", backend.String()))
	case StatusClosed:
		r.logger.Info("circuit closed",
			zap.String("backend", backend.String()),
			zap.String("from", string(from)))
	}

	if r.OnTransition != nil {
		r.OnTransition(backend, from, to)
	}
}
