package fallback

import (
	"github.com/google/uuid"
	"github.com/upb/llm-fallback-gateway/services/equivalence"
)

// Session is the transient per-call record of one orchestrated request.
// It is created when the retry loop starts and discarded when it ends;
// it is never persisted or shared across calls.
type Session struct {
	ID              uuid.UUID
	OriginalBackend equivalence.BackendKey
	CurrentBackend  equivalence.BackendKey
	AttemptIndex    int
	LastError       error

	// attempted preserves attempt order; attemptedSet backs the
	// resolver's exclusion lookup.
	attempted    []equivalence.BackendKey
	attemptedSet map[equivalence.BackendKey]struct{}
}

func newSession(original equivalence.BackendKey) *Session {
	return &Session{
		ID:              uuid.New(),
		OriginalBackend: original,
		CurrentBackend:  original,
		attemptedSet:    make(map[equivalence.BackendKey]struct{}),
	}
}

// markAttempted records a backend as tried.
func (s *Session) markAttempted(backend equivalence.BackendKey) {
	if _, ok := s.attemptedSet[backend]; ok {
		return
	}
	s.attempted = append(s.attempted, backend)
	s.attemptedSet[backend] = struct{}{}
}

// Attempted returns the backends tried so far, in order.
func (s *Session) Attempted() []equivalence.BackendKey {
	out := make([]equivalence.BackendKey, len(s.attempted))
	copy(out, s.attempted)
	return out
}
