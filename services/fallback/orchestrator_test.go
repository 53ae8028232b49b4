package fallback

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-fallback-gateway/services"
	"github.com/upb/llm-fallback-gateway/services/breaker"
	"github.com/upb/llm-fallback-gateway/services/equivalence"
	"github.com/upb/llm-fallback-gateway/services/providers"
	"go.uber.org/zap"
)

// stubInvoker replays a scripted queue of results per backend and records
// the order in which backends were invoked.
type stubInvoker struct {
	results map[equivalence.BackendKey][]stubResult
	calls   []equivalence.BackendKey

	// onInvoke, when set, runs before each scripted result is returned.
	onInvoke func(backend equivalence.BackendKey)
}

type stubResult struct {
	resp *providers.ChatResponse
	err  error
}

func newStubInvoker() *stubInvoker {
	return &stubInvoker{results: make(map[equivalence.BackendKey][]stubResult)}
}

func (s *stubInvoker) succeed(backend equivalence.BackendKey, content string) {
	s.results[backend] = append(s.results[backend], stubResult{
		resp: &providers.ChatResponse{
			Model: backend.Model(),
			Choices: []providers.Choice{
				{Message: providers.Message{Role: "assistant", Content: content}},
			},
		},
	})
}

func (s *stubInvoker) fail(backend equivalence.BackendKey, err error) {
	s.results[backend] = append(s.results[backend], stubResult{err: err})
}

func (s *stubInvoker) Invoke(_ context.Context, backend equivalence.BackendKey, _ *providers.ChatRequest) (*providers.ChatResponse, error) {
	s.calls = append(s.calls, backend)
	if s.onInvoke != nil {
		s.onInvoke(backend)
	}
	queue := s.results[backend]
	if len(queue) == 0 {
		return nil, fmt.Errorf("unscripted call to %s", backend)
	}
	next := queue[0]
	s.results[backend] = queue[1:]
	return next.resp, next.err
}

type orchestratorFixture struct {
	invoker   *stubInvoker
	breakers  *breaker.Registry
	publisher *CapturePublisher
	orch      *Orchestrator
}

func newFixture(t *testing.T, policy Policy) *orchestratorFixture {
	t.Helper()
	invoker := newStubInvoker()
	breakers := breaker.NewRegistry(policy.Breaker, zap.NewNop())
	resolver := NewResolver(testTiers(t), nil)
	publisher := NewCapturePublisher()
	orch := NewOrchestrator(invoker, breakers, resolver, publisher, policy, zap.NewNop())
	return &orchestratorFixture{
		invoker:   invoker,
		breakers:  breakers,
		publisher: publisher,
		orch:      orch,
	}
}

func chatRequest(backend equivalence.BackendKey) *StreamRequest {
	return &StreamRequest{
		Backend: backend,
		Request: &providers.ChatRequest{
			Model: backend.Model(),
			Messages: []providers.Message{
				{Role: "user", Content: "hello"},
			},
		},
	}
}

func timeoutError(provider string) error {
	return providers.NewProviderError(provider, providers.KindTimeout, "deadline exceeded", 504, nil)
}

func TestOrchestrator_Stream_FirstAttemptSucceeds(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.invoker.succeed("openai/gpt-4o", "hi")

	resp, err := f.orch.Stream(context.Background(), chatRequest("openai/gpt-4o"))

	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content)
	assert.Equal(t, []equivalence.BackendKey{"openai/gpt-4o"}, f.invoker.calls)
	assert.Empty(t, f.publisher.Events(), "no events on a clean first attempt")
	assert.Equal(t, breaker.StatusClosed, f.breakers.State("openai/gpt-4o").Status)
}

func TestOrchestrator_Stream_FallsBackToPeer(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.invoker.fail("openai/gpt-4o", serverError())
	f.invoker.succeed("anthropic/claude-sonnet-4", "from peer")

	resp, err := f.orch.Stream(context.Background(), chatRequest("openai/gpt-4o"))

	require.NoError(t, err)
	assert.Equal(t, "from peer", resp.Choices[0].Message.Content)
	assert.Equal(t, []equivalence.BackendKey{"openai/gpt-4o", "anthropic/claude-sonnet-4"}, f.invoker.calls)

	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventFallbackUsed, events[0].Name)
	payload, ok := events[0].Payload.(FallbackUsedEvent)
	require.True(t, ok)
	assert.Equal(t, equivalence.BackendKey("openai/gpt-4o"), payload.OriginalBackend)
	assert.Equal(t, equivalence.BackendKey("anthropic/claude-sonnet-4"), payload.FallbackBackend)
	assert.Equal(t, CategoryServerError, payload.Reason)
	assert.Equal(t, 1, payload.Attempt)

	assert.Equal(t, 1, f.breakers.State("openai/gpt-4o").ConsecutiveFailures)
	assert.Equal(t, breaker.StatusClosed, f.breakers.State("anthropic/claude-sonnet-4").Status)
}

func TestOrchestrator_Stream_OpenCircuitSkipsBackend(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	for i := 0; i < f.orch.Config().Breaker.FailureThreshold; i++ {
		f.breakers.RecordFailure("openai/gpt-4o")
	}
	require.Equal(t, breaker.StatusOpen, f.breakers.State("openai/gpt-4o").Status)

	f.invoker.succeed("anthropic/claude-sonnet-4", "from peer")

	resp, err := f.orch.Stream(context.Background(), chatRequest("openai/gpt-4o"))

	require.NoError(t, err)
	assert.Equal(t, "from peer", resp.Choices[0].Message.Content)
	assert.Equal(t, []equivalence.BackendKey{"anthropic/claude-sonnet-4"}, f.invoker.calls,
		"open backend must not be invoked")

	events := f.publisher.Events()
	require.Len(t, events, 1)
	payload := events[0].Payload.(FallbackUsedEvent)
	assert.Equal(t, CategoryCircuitOpen, payload.Reason)

	// Synthetic denial is not itself a recorded failure.
	assert.Equal(t, f.orch.Config().Breaker.FailureThreshold,
		f.breakers.State("openai/gpt-4o").ConsecutiveFailures)
}

func TestOrchestrator_Stream_AllFallbacksExhausted(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxAttempts = 2
	f := newFixture(t, policy)

	f.invoker.fail("openai/gpt-4o", timeoutError("openai"))
	secondErr := timeoutError("anthropic")
	f.invoker.fail("anthropic/claude-sonnet-4", secondErr)

	resp, err := f.orch.Stream(context.Background(), chatRequest("openai/gpt-4o"))

	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, secondErr, err, "final error must be the last backend's error, unmodified")

	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventFallbacksExhausted, events[0].Name)
	payload, ok := events[0].Payload.(FallbacksExhaustedEvent)
	require.True(t, ok)
	assert.Equal(t, equivalence.BackendKey("openai/gpt-4o"), payload.OriginalBackend)
	assert.Equal(t, []equivalence.BackendKey{"openai/gpt-4o", "anthropic/claude-sonnet-4"}, payload.Attempted)
	assert.Equal(t, CategoryTimeout, payload.FinalReason)
	assert.Contains(t, payload.FinalError, "deadline exceeded")
}

func TestOrchestrator_Stream_NonRetryableSurfacesImmediately(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	authErr := providers.NewProviderError("openai", providers.KindAuth, "invalid api key", 401, nil)
	f.invoker.fail("openai/gpt-4o", authErr)

	_, err := f.orch.Stream(context.Background(), chatRequest("openai/gpt-4o"))

	require.Error(t, err)
	var provErr *providers.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, providers.KindAuth, provErr.Kind)
	assert.Equal(t, []equivalence.BackendKey{"openai/gpt-4o"}, f.invoker.calls,
		"auth errors must not trigger peer attempts")

	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventFallbacksExhausted, events[0].Name)
	payload := events[0].Payload.(FallbacksExhaustedEvent)
	assert.Equal(t, CategoryAuthError, payload.FinalReason)
	assert.Equal(t, []equivalence.BackendKey{"openai/gpt-4o"}, payload.Attempted)
}

func TestOrchestrator_Stream_SkipFallbackBypassesBreaker(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	for i := 0; i < f.orch.Config().Breaker.FailureThreshold; i++ {
		f.breakers.RecordFailure("openai/gpt-4o")
	}
	require.Equal(t, breaker.StatusOpen, f.breakers.State("openai/gpt-4o").Status)

	backendErr := serverError()
	f.invoker.fail("openai/gpt-4o", backendErr)

	req := chatRequest("openai/gpt-4o")
	req.SkipFallback = true

	_, err := f.orch.Stream(context.Background(), req)

	assert.Equal(t, backendErr, err, "skip path returns the raw error")
	assert.Equal(t, []equivalence.BackendKey{"openai/gpt-4o"}, f.invoker.calls,
		"skip path invokes even an open-circuit backend")
	assert.Empty(t, f.publisher.Events())
	assert.Equal(t, f.orch.Config().Breaker.FailureThreshold,
		f.breakers.State("openai/gpt-4o").ConsecutiveFailures,
		"skip path never reports to the breaker")
}

func TestOrchestrator_Stream_DisabledPolicyGoesDirect(t *testing.T) {
	policy := DefaultPolicy()
	policy.Enabled = false
	f := newFixture(t, policy)

	backendErr := serverError()
	f.invoker.fail("openai/gpt-4o", backendErr)

	_, err := f.orch.Stream(context.Background(), chatRequest("openai/gpt-4o"))

	assert.Equal(t, backendErr, err)
	assert.Equal(t, []equivalence.BackendKey{"openai/gpt-4o"}, f.invoker.calls)
	assert.Empty(t, f.publisher.Events())
}

func TestOrchestrator_Stream_PerCallOverrideLimitsAttempts(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	f.invoker.fail("openai/gpt-4o", serverError())

	one := 1
	req := chatRequest("openai/gpt-4o")
	req.Policy = &PolicyOverride{MaxAttempts: &one}

	_, err := f.orch.Stream(context.Background(), req)

	require.Error(t, err)
	assert.Equal(t, []equivalence.BackendKey{"openai/gpt-4o"}, f.invoker.calls)

	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventFallbacksExhausted, events[0].Name)

	// The per-call override does not touch the global policy.
	assert.Equal(t, DefaultPolicy().MaxAttempts, f.orch.Config().MaxAttempts)
}

func TestOrchestrator_Stream_ZeroMaxAttemptsStillInvokesOnce(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxAttempts = 0
	f := newFixture(t, policy)
	f.invoker.succeed("openai/gpt-4o", "hi")

	resp, err := f.orch.Stream(context.Background(), chatRequest("openai/gpt-4o"))

	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, []equivalence.BackendKey{"openai/gpt-4o"}, f.invoker.calls)
}

func TestOrchestrator_Stream_CancellationNotCountedAsFailure(t *testing.T) {
	f := newFixture(t, DefaultPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	f.invoker.onInvoke = func(equivalence.BackendKey) { cancel() }
	f.invoker.fail("openai/gpt-4o", context.Canceled)

	_, err := f.orch.Stream(ctx, chatRequest("openai/gpt-4o"))

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []equivalence.BackendKey{"openai/gpt-4o"}, f.invoker.calls,
		"cancellation must stop the retry loop")
	assert.Empty(t, f.publisher.Events())
	assert.Equal(t, 0, f.breakers.State("openai/gpt-4o").ConsecutiveFailures,
		"cancellation is not evidence of backend unhealthiness")
}

func TestOrchestrator_Stream_CancelledProbeReleasesSlot(t *testing.T) {
	policy := DefaultPolicy()
	policy.Breaker = breaker.Config{
		FailureThreshold:         1,
		OpenTimeout:              time.Nanosecond,
		MaxHalfOpenProbes:        1,
		HalfOpenSuccessThreshold: 1,
	}
	f := newFixture(t, policy)

	f.invoker.fail("openai/gpt-4o", serverError())
	f.invoker.fail("anthropic/claude-sonnet-4", serverError())
	f.invoker.fail("google/gemini-2.5-pro", serverError())
	_, err := f.orch.Stream(context.Background(), chatRequest("openai/gpt-4o"))
	require.Error(t, err)
	require.Equal(t, breaker.StatusOpen, f.breakers.State("openai/gpt-4o").Status)

	// The open window has elapsed, so the next call holds the single
	// half-open probe slot when it is cancelled mid-flight.
	ctx, cancel := context.WithCancel(context.Background())
	f.invoker.onInvoke = func(equivalence.BackendKey) { cancel() }
	f.invoker.fail("openai/gpt-4o", context.Canceled)

	_, err = f.orch.Stream(ctx, chatRequest("openai/gpt-4o"))
	require.ErrorIs(t, err, context.Canceled)

	state := f.breakers.State("openai/gpt-4o")
	assert.Equal(t, breaker.StatusHalfOpen, state.Status)
	assert.Equal(t, 0, state.HalfOpenProbesInFlight,
		"a cancelled probe must give its slot back")

	// The freed slot admits the next probe, which closes the circuit.
	f.invoker.onInvoke = nil
	f.invoker.succeed("openai/gpt-4o", "recovered")

	resp, err := f.orch.Stream(context.Background(), chatRequest("openai/gpt-4o"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, breaker.StatusClosed, f.breakers.State("openai/gpt-4o").Status)
}

func TestOrchestrator_Stream_ResolverPanicFailsClosed(t *testing.T) {
	policy := DefaultPolicy()
	invoker := newStubInvoker()
	breakers := breaker.NewRegistry(policy.Breaker, zap.NewNop())
	// A nil registry makes the resolver panic on first use.
	resolver := NewResolver(nil, nil)
	publisher := NewCapturePublisher()
	orch := NewOrchestrator(invoker, breakers, resolver, publisher, policy, zap.NewNop())

	backendErr := serverError()
	invoker.fail("openai/gpt-4o", backendErr)

	_, err := orch.Stream(context.Background(), chatRequest("openai/gpt-4o"))

	assert.Equal(t, backendErr, err, "a resolver fault surfaces the original failure")
	assert.Equal(t, []equivalence.BackendKey{"openai/gpt-4o"}, invoker.calls)

	events := publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventFallbacksExhausted, events[0].Name)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, interface{}) error {
	return errors.New("broker down")
}

type panickingPublisher struct{}

func (panickingPublisher) Publish(context.Context, string, interface{}) error {
	panic("publisher bug")
}

func TestOrchestrator_Stream_PublisherFaultsAreIgnored(t *testing.T) {
	for name, publisher := range map[string]Publisher{
		"erroring":  failingPublisher{},
		"panicking": panickingPublisher{},
	} {
		t.Run(name, func(t *testing.T) {
			policy := DefaultPolicy()
			invoker := newStubInvoker()
			breakers := breaker.NewRegistry(policy.Breaker, zap.NewNop())
			resolver := NewResolver(testTiers(t), nil)
			orch := NewOrchestrator(invoker, breakers, resolver, publisher, policy, zap.NewNop())

			invoker.fail("openai/gpt-4o", serverError())
			invoker.succeed("anthropic/claude-sonnet-4", "still works")

			resp, err := orch.Stream(context.Background(), chatRequest("openai/gpt-4o"))

			require.NoError(t, err)
			assert.Equal(t, "still works", resp.Choices[0].Message.Content)
		})
	}
}

func TestOrchestrator_SyntheticCircuitOpenError(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxAttempts = 1
	f := newFixture(t, policy)
	for i := 0; i < policy.Breaker.FailureThreshold; i++ {
		f.breakers.RecordFailure("openai/gpt-4o")
	}

	_, err := f.orch.Stream(context.Background(), chatRequest("openai/gpt-4o"))

	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrCircuitOpen)
	assert.Contains(t, err.Error(), "openai/gpt-4o")
	assert.Empty(t, f.invoker.calls)
}

func TestOrchestrator_Configure(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	assert.True(t, f.orch.IsEnabled())

	enabled := false
	attempts := 5
	threshold := 2
	f.orch.Configure(PolicyOverride{
		Enabled:     &enabled,
		MaxAttempts: &attempts,
		Breaker:     &breaker.ConfigOverride{FailureThreshold: &threshold},
	})

	assert.False(t, f.orch.IsEnabled())
	config := f.orch.Config()
	assert.Equal(t, 5, config.MaxAttempts)
	assert.Equal(t, 2, config.Breaker.FailureThreshold)
	assert.Equal(t, 2, f.breakers.Config().FailureThreshold,
		"breaker overrides propagate to the registry")
}

func TestOrchestrator_CircuitAdmin(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	for i := 0; i < DefaultPolicy().Breaker.FailureThreshold; i++ {
		f.breakers.RecordFailure("openai/gpt-4o")
	}
	f.breakers.RecordFailure("anthropic/claude-sonnet-4")

	states := f.orch.CircuitStates()
	require.Len(t, states, 2)
	assert.Equal(t, breaker.StatusOpen, states["openai/gpt-4o"].Status)
	assert.Equal(t, breaker.StatusClosed, states["anthropic/claude-sonnet-4"].Status)

	f.orch.ResetCircuit("openai/gpt-4o")
	assert.Equal(t, breaker.StatusClosed, f.orch.CircuitStates()["openai/gpt-4o"].Status)

	f.orch.ResetAllCircuits()
	for backend, state := range f.orch.CircuitStates() {
		assert.Equal(t, breaker.StatusClosed, state.Status, "backend %s", backend)
		assert.Zero(t, state.ConsecutiveFailures, "backend %s", backend)
	}
}
