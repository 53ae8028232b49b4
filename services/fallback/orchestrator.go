// Package fallback implements the resilient fallback orchestration layer:
// error classification, the fallback chain resolver, and the orchestrator
// that drives the retry loop around a single logical inference request.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/upb/llm-fallback-gateway/observability"
	"github.com/upb/llm-fallback-gateway/services"
	"github.com/upb/llm-fallback-gateway/services/breaker"
	"github.com/upb/llm-fallback-gateway/services/equivalence"
	"github.com/upb/llm-fallback-gateway/services/providers"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Invoker performs the actual inference call. It is the one external
// collaborator that suspends for unbounded time; everything else on the
// hot path is synchronous.
type Invoker interface {
	Invoke(ctx context.Context, backend equivalence.BackendKey, req *providers.ChatRequest) (*providers.ChatResponse, error)
}

// StreamRequest is one orchestrated inference request.
type StreamRequest struct {
	// Backend is the originally requested backend.
	Backend equivalence.BackendKey

	// Request is the inference payload, retargeted as backends change.
	Request *providers.ChatRequest

	// Policy optionally overrides the global fallback policy for this
	// call, field by field.
	Policy *PolicyOverride

	// SkipFallback bypasses the fallback layer entirely: the call goes
	// straight to Backend with no breaker interaction and the result
	// or error is returned unmodified.
	SkipFallback bool
}

// Orchestrator is the public entry point of the fallback layer. It checks
// the circuit breaker before each attempt, invokes the backend, and on
// failure consults the resolver for a substitute.
type Orchestrator struct {
	invoker   Invoker
	breakers  *breaker.Registry
	resolver  *Resolver
	publisher Publisher
	logger    *zap.Logger

	// policy is swapped atomically so Configure never races in-flight
	// calls; each call reads one consistent snapshot.
	policy atomic.Pointer[Policy]

	// Metrics, when set before first use, records fallback activity.
	Metrics *observability.Metrics
}

// NewOrchestrator wires the fallback layer together.
func NewOrchestrator(
	invoker Invoker,
	breakers *breaker.Registry,
	resolver *Resolver,
	publisher Publisher,
	policy Policy,
	logger *zap.Logger,
) *Orchestrator {
	o := &Orchestrator{
		invoker:   invoker,
		breakers:  breakers,
		resolver:  resolver,
		publisher: publisher,
		logger:    logger,
	}
	o.policy.Store(&policy)
	return o
}

// Stream executes one logical inference request with fallback. Attempts
// within a session are strictly sequential; the final error, when all
// candidates fail, is the last backend's error unmodified.
func (o *Orchestrator) Stream(ctx context.Context, req *StreamRequest) (*providers.ChatResponse, error) {
	policy := o.currentPolicy().Merge(req.Policy)

	if !policy.Enabled || req.SkipFallback {
		// Escape hatch: raw behavior, no breaker interaction, no
		// session bookkeeping.
		return o.invoker.Invoke(ctx, req.Backend, req.Request)
	}

	session := newSession(req.Backend)
	o.logger.Debug("fallback session started",
		zap.String("session_id", session.ID.String()),
		zap.String("backend", req.Backend.String()),
		zap.Int("max_attempts", policy.MaxAttempts))

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		session.AttemptIndex = attempt
		backend := session.CurrentBackend

		resp, err := o.attempt(ctx, session, backend, req.Request)
		if err == nil {
			if attempt > 0 && policy.NotifyOnFallback {
				o.notifyFallbackUsed(ctx, session, backend, attempt)
			}
			return resp, nil
		}

		// Cancellation is not evidence of backend unhealthiness and
		// must reach the caller without further fallback attempts.
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, err
		}

		session.LastError = err
		session.markAttempted(backend)

		next, ok := o.resolveNext(backend, err, session, policy)
		if !ok {
			break
		}

		o.logger.Info("falling back to peer backend",
			zap.String("session_id", session.ID.String()),
			zap.String("failed", backend.String()),
			zap.String("next", next.String()),
			zap.String("reason", string(Classify(err))),
			zap.Int("attempt", attempt))
		session.CurrentBackend = next
	}

	o.notifyExhausted(ctx, session)
	return nil, session.LastError
}

// attempt runs a single breaker-guarded call against one backend.
//
// A breaker denial produces a synthetic circuit_open error without
// touching the backend or the breaker's own counters. A real call
// reports its outcome to the breaker, which also releases any half-open
// probe slot the CanUse check reserved; a cancelled call releases the
// slot without recording an outcome.
func (o *Orchestrator) attempt(ctx context.Context, session *Session, backend equivalence.BackendKey, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	if !o.breakers.CanUse(backend) {
		o.logger.Debug("circuit open, skipping backend",
			zap.String("session_id", session.ID.String()),
			zap.String("backend", backend.String()))
		return nil, fmt.Errorf("%w: %s", services.ErrCircuitOpen, backend)
	}

	start := time.Now()
	resp, err := o.invoker.Invoke(ctx, backend, req)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() == nil || (!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)) {
			o.breakers.RecordFailure(backend)
		} else {
			// A cancelled call carries no health signal, but any probe
			// slot the CanUse check reserved must still be freed.
			o.breakers.ReleaseProbe(backend)
		}
		o.recordAttempt(ctx, backend, "error", elapsed)
		return nil, err
	}

	o.breakers.RecordSuccess(backend)
	o.recordAttempt(ctx, backend, "ok", elapsed)
	return resp, nil
}

// resolveNext consults the resolver, treating a resolver panic as "no
// fallback found" so a resolver bug fails closed instead of crashing the
// request path.
func (o *Orchestrator) resolveNext(failing equivalence.BackendKey, err error, session *Session, policy Policy) (next equivalence.BackendKey, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("resolver panicked, treating as exhausted",
				zap.String("session_id", session.ID.String()),
				zap.Any("panic", r))
			next, ok = "", false
		}
	}()
	return o.resolver.Resolve(failing, err, session.attemptedSet, policy)
}

// notifyFallbackUsed publishes the FallbackUsed event. Reason is the
// category of the failure that preceded this successful attempt.
func (o *Orchestrator) notifyFallbackUsed(ctx context.Context, session *Session, backend equivalence.BackendKey, attempt int) {
	o.publish(ctx, EventFallbackUsed, FallbackUsedEvent{
		SessionID:       session.ID,
		OriginalBackend: session.OriginalBackend,
		FallbackBackend: backend,
		Reason:          Classify(session.LastError),
		Attempt:         attempt,
	})
	if o.Metrics != nil {
		o.Metrics.Fallbacks.Add(ctx, 1, metric.WithAttributes(
			attribute.String("original", session.OriginalBackend.String()),
			attribute.String("fallback", backend.String())))
	}
}

// notifyExhausted publishes the FallbacksExhausted event.
func (o *Orchestrator) notifyExhausted(ctx context.Context, session *Session) {
	finalErr := ""
	if session.LastError != nil {
		finalErr = session.LastError.Error()
	}
	o.publish(ctx, EventFallbacksExhausted, FallbacksExhaustedEvent{
		SessionID:       session.ID,
		OriginalBackend: session.OriginalBackend,
		Attempted:       session.Attempted(),
		FinalReason:     Classify(session.LastError),
		FinalError:      finalErr,
	})
	if o.Metrics != nil {
		o.Metrics.Exhausted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("original", session.OriginalBackend.String())))
	}
	o.logger.Warn("all fallback backends exhausted",
		zap.String("session_id", session.ID.String()),
		zap.String("original", session.OriginalBackend.String()),
		zap.Int("attempted", len(session.Attempted())),
		zap.Error(session.LastError))
}

// publish delivers an event, swallowing publisher errors and panics:
// notification is a side effect, never a control-flow dependency.
func (o *Orchestrator) publish(ctx context.Context, event string, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("event publisher panicked", zap.Any("panic", r))
		}
	}()
	if err := o.publisher.Publish(ctx, event, payload); err != nil {
		o.logger.Warn("failed to publish fallback event",
			zap.String("event", event),
			zap.Error(err))
	}
}

// recordAttempt records per-attempt latency when metrics are wired.
func (o *Orchestrator) recordAttempt(ctx context.Context, backend equivalence.BackendKey, status string, elapsed time.Duration) {
	if o.Metrics == nil {
		return
	}
	o.Metrics.AttemptDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("backend", backend.String()),
		attribute.String("status", status)))
}

func (o *Orchestrator) currentPolicy() Policy {
	return *o.policy.Load()
}

// Administrative surface: thin pass-throughs for operators and tests,
// never on the hot path.

// IsEnabled reports whether fallback is globally enabled.
func (o *Orchestrator) IsEnabled() bool {
	return o.currentPolicy().Enabled
}

// Config returns the current global policy.
func (o *Orchestrator) Config() Policy {
	return o.currentPolicy()
}

// Configure merges the override into the global policy and forwards any
// breaker threshold changes to the breaker registry.
func (o *Orchestrator) Configure(override PolicyOverride) {
	merged := o.currentPolicy().Merge(&override)
	o.policy.Store(&merged)
	if override.Breaker != nil {
		o.breakers.Configure(*override.Breaker)
	}
}

// CircuitStates returns a snapshot of every tracked circuit.
func (o *Orchestrator) CircuitStates() map[equivalence.BackendKey]breaker.State {
	return o.breakers.AllStates()
}

// ResetCircuit forces one backend's circuit back to Closed.
func (o *Orchestrator) ResetCircuit(backend equivalence.BackendKey) {
	o.breakers.Reset(backend)
}

// ResetAllCircuits forces every circuit back to Closed.
func (o *Orchestrator) ResetAllCircuits() {
	o.breakers.ResetAll()
}
