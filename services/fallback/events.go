package fallback

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/llm-fallback-gateway/services/equivalence"
	"go.uber.org/zap"
)

// Event names published by the orchestrator.
const (
	// EventFallbackUsed fires when a request succeeds on a substitute
	// backend after at least one failed attempt.
	EventFallbackUsed = "fallback.used"

	// EventFallbacksExhausted fires when every candidate backend has
	// been tried (or ruled out) without success.
	EventFallbacksExhausted = "fallback.exhausted"
)

// FallbackUsedEvent is the payload for EventFallbackUsed.
type FallbackUsedEvent struct {
	SessionID       uuid.UUID              `json:"session_id"`
	OriginalBackend equivalence.BackendKey `json:"original_backend"`
	FallbackBackend equivalence.BackendKey `json:"fallback_backend"`
	Reason          ErrorCategory          `json:"reason"`
	Attempt         int                    `json:"attempt"`
}

// FallbacksExhaustedEvent is the payload for EventFallbacksExhausted.
type FallbacksExhaustedEvent struct {
	SessionID       uuid.UUID                `json:"session_id"`
	OriginalBackend equivalence.BackendKey   `json:"original_backend"`
	Attempted       []equivalence.BackendKey `json:"attempted"`
	FinalReason     ErrorCategory            `json:"final_reason"`
	FinalError      string                   `json:"final_error"`
}

// Publisher delivers fallback events to interested parties. Publication
// is fire-and-forget: a failing publisher must never affect the
// orchestrator's control flow.
type Publisher interface {
	Publish(ctx context.Context, event string, payload interface{}) error
}

// LogPublisher writes events to the structured log. It is the default
// publisher when no event transport is wired.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a publisher backed by the given logger.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher
func (p *LogPublisher) Publish(_ context.Context, event string, payload interface{}) error {
	p.logger.Info("fallback event",
		zap.String("event", event),
		zap.Any("payload", payload))
	return nil
}

// PublishedEvent is one captured event, as recorded by CapturePublisher.
type PublishedEvent struct {
	Name    string
	Payload interface{}
}

// CapturePublisher records events in memory. Used by tests and by
// operator tooling that polls recent events.
type CapturePublisher struct {
	mu     sync.Mutex
	events []PublishedEvent
}

// NewCapturePublisher creates an empty capture publisher.
func NewCapturePublisher() *CapturePublisher {
	return &CapturePublisher{}
}

// Publish implements Publisher
func (p *CapturePublisher) Publish(_ context.Context, event string, payload interface{}) error {
	p.mu.Lock()
	p.events = append(p.events, PublishedEvent{Name: event, Payload: payload})
	p.mu.Unlock()
	return nil
}

// Events returns a copy of all captured events in publication order.
func (p *CapturePublisher) Events() []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublishedEvent, len(p.events))
	copy(out, p.events)
	return out
}
