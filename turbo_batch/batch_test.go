package turbo_batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FrenchMajesty/turbo-batch/clients"
	"github.com/FrenchMajesty/turbo-batch/rate_limit"
	"github.com/FrenchMajesty/turbo-batch/rate_limit/backends/memory"
	"github.com/FrenchMajesty/turbo-batch/utils/logger"
	"github.com/FrenchMajesty/turbo-batch/utils/token_counter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func floatPtr(v float64) *float64 {
	return &v
}

// fakeTransport answers every request with fixed usage after an optional delay
type fakeTransport struct {
	key   string
	delay time.Duration
	fail  func(req clients.Request) error

	calls    atomic.Int64
	mu       sync.Mutex
	received []clients.Request
}

func newFakeTransport(key string) *fakeTransport {
	return &fakeTransport{key: key}
}

func (f *fakeTransport) Key() string {
	return f.key
}

func (f *fakeTransport) Execute(ctx context.Context, req clients.Request) (*clients.Response, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.received = append(f.received, req)
	f.mu.Unlock()

	start := time.Now()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		if err := f.fail(req); err != nil {
			return nil, err
		}
	}

	return &clients.Response{
		PromptTokens:     10,
		CompletionTokens: 20,
		RequestBytes:     100,
		ResponseBytes:    80,
		Duration:         time.Since(start),
	}, nil
}

func (f *fakeTransport) requests() []clients.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]clients.Request(nil), f.received...)
}

func testProviders(n int) []clients.ProviderConfig {
	providers := make([]clients.ProviderConfig, n)
	for i := range providers {
		cfg := clients.NewOpenAIConfig("key", clients.DefaultOpenAIOptions())
		cfg.BaseURL = fmt.Sprintf("http://provider-%d", i)
		providers[i] = cfg
	}
	return providers
}

func testRequests(n int) []clients.Request {
	requests := make([]clients.Request, n)
	for i := range requests {
		requests[i] = clients.Request{clients.UserMessage(fmt.Sprintf("request %d", i))}
	}
	return requests
}

// requestIndex recovers the submission index from a request built by testRequests
func requestIndex(t *testing.T, req clients.Request) int {
	t.Helper()
	var i int
	_, err := fmt.Sscanf(req[0].Content, "request %d", &i)
	require.NoError(t, err)
	return i
}

// fakeFactory returns a fake transport per provider, keyed by provider key
func fakeFactory(fakes map[string]*fakeTransport, setup func(*fakeTransport)) TransportFactory {
	var mu sync.Mutex
	return func(cfg clients.ProviderConfig, testMode bool, httpClient *http.Client) (clients.Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		f := newFakeTransport(cfg.Key())
		if setup != nil {
			setup(f)
		}
		fakes[cfg.Key()] = f
		return f, nil
	}
}

func testOptions(factory TransportFactory, extra ...Option) []Option {
	opts := []Option{
		WithTransportFactory(factory),
		WithTokenCounter(token_counter.NewEstimator()),
	}
	return append(opts, extra...)
}

// progressRecorder collects every notification
type progressRecorder struct {
	mu      sync.Mutex
	updates []Progress
	delay   time.Duration
}

func (r *progressRecorder) OnProgress(p Progress) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	r.updates = append(r.updates, p)
	r.mu.Unlock()
}

func (r *progressRecorder) snapshot() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.updates...)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) RecordSuccess(metrics RequestMetrics) {
	m.Called(metrics)
}

func (m *mockRecorder) RecordFailure(f FailedRequest) {
	m.Called(f)
}

func TestRunBatch_RoundRobinAssignment(t *testing.T) {
	providers := testProviders(3)
	fakes := map[string]*fakeTransport{}
	requests := testRequests(30)

	result, err := RunBatch(context.Background(), providers, requests, nil,
		testOptions(fakeFactory(fakes, func(f *fakeTransport) { f.delay = time.Millisecond }), WithWorkers(8))...)
	require.NoError(t, err)

	total := 0
	for p, cfg := range providers {
		fake := fakes[cfg.Key()]
		require.NotNil(t, fake)
		total += int(fake.calls.Load())

		for _, req := range fake.requests() {
			assert.Equal(t, p, requestIndex(t, req)%len(providers), "request sent to the wrong provider")
		}
	}
	assert.Equal(t, len(requests), total, "every request is dispatched exactly once")

	seen := make(map[int]bool, len(requests))
	for _, m := range result.Metrics {
		assert.False(t, seen[m.Index], "index %d reported twice", m.Index)
		seen[m.Index] = true
		assert.Equal(t, providers[m.Index%len(providers)].Key(), m.ProviderKey)
	}
	assert.Len(t, seen, len(requests))
}

func TestRunBatch_Aggregates(t *testing.T) {
	providers := testProviders(2)
	fakes := map[string]*fakeTransport{}

	result, err := RunBatch(context.Background(), providers, testRequests(10), nil, testOptions(fakeFactory(fakes, nil))...)
	require.NoError(t, err)

	assert.Equal(t, 10, result.TotalRequests)
	assert.Equal(t, 10, result.SucceededRequests)
	assert.Equal(t, 0, result.FailedRequests)
	assert.Equal(t, 100, result.PromptTokens)
	assert.Equal(t, 200, result.CompletionTokens)
	assert.Equal(t, 300, result.TotalTokens)
	assert.Equal(t, 1000, result.TotalRequestBytes)
	assert.Equal(t, 800, result.TotalResponseBytes)
	assert.Greater(t, result.TotalTime, time.Duration(0))
	assert.False(t, result.Cancelled)
	require.Len(t, result.Metrics, 10)

	for _, m := range result.Metrics {
		assert.Equal(t, m.PromptTokens+m.CompletionTokens, m.TotalTokens())
		assert.Greater(t, m.RequestTime, time.Duration(0))
		assert.NotEmpty(t, m.RequestID.String())
	}

	require.Len(t, result.ProviderMetrics, 2)
	var requests, tokens, prompt, completion, reqBytes, respBytes int
	for key, sub := range result.ProviderMetrics {
		assert.Nil(t, sub.ProviderMetrics, "provider results are not nested further")
		assert.Equal(t, result.TotalTime, sub.TotalTime)
		for _, m := range sub.Metrics {
			assert.Equal(t, key, m.ProviderKey)
		}
		requests += sub.TotalRequests
		tokens += sub.TotalTokens
		prompt += sub.PromptTokens
		completion += sub.CompletionTokens
		reqBytes += sub.TotalRequestBytes
		respBytes += sub.TotalResponseBytes
	}
	assert.Equal(t, result.TotalRequests, requests)
	assert.Equal(t, result.TotalTokens, tokens)
	assert.Equal(t, result.PromptTokens, prompt)
	assert.Equal(t, result.CompletionTokens, completion)
	assert.Equal(t, result.TotalRequestBytes, reqBytes)
	assert.Equal(t, result.TotalResponseBytes, respBytes)
	assert.Equal(t, 5, result.ProviderMetrics[providers[0].Key()].TotalRequests)
}

func TestRunBatch_AllRequestsFail(t *testing.T) {
	fakes := map[string]*fakeTransport{}
	factory := fakeFactory(fakes, func(f *fakeTransport) {
		f.fail = func(clients.Request) error {
			return &clients.TransportError{Kind: clients.KindStatus, ProviderKey: f.key, StatusCode: 500, Err: errors.New("boom")}
		}
	})

	result, err := RunBatch(context.Background(), testProviders(2), testRequests(6), nil, testOptions(factory)...)
	require.NoError(t, err, "transport failures never fail the batch")

	assert.Equal(t, 6, result.TotalRequests)
	assert.Equal(t, 0, result.SucceededRequests)
	assert.Equal(t, 6, result.FailedRequests)
	assert.Zero(t, result.TotalTokens)
	assert.Zero(t, result.PromptTokens)
	assert.Zero(t, result.CompletionTokens)
	assert.Zero(t, result.TotalRequestBytes)
	assert.Empty(t, result.Metrics)
	assert.Empty(t, result.ProviderMetrics)
	assert.Zero(t, result.RequestsPerSecond())

	require.Len(t, result.Failures, 6)
	indices := map[int]bool{}
	for _, f := range result.Failures {
		indices[f.Index] = true
		var transportErr *clients.TransportError
		require.ErrorAs(t, f.Err, &transportErr)
		assert.Equal(t, 500, transportErr.StatusCode)
	}
	assert.Len(t, indices, 6)
}

func TestRunBatch_ProviderWithOnlyFailuresHasNoEntry(t *testing.T) {
	providers := testProviders(2)
	failing := providers[1].Key()
	fakes := map[string]*fakeTransport{}
	factory := fakeFactory(fakes, func(f *fakeTransport) {
		if f.key == failing {
			f.fail = func(clients.Request) error { return errors.New("connection reset") }
		}
	})

	result, err := RunBatch(context.Background(), providers, testRequests(8), nil, testOptions(factory)...)
	require.NoError(t, err)

	assert.Equal(t, 8, result.TotalRequests)
	assert.Equal(t, 4, result.SucceededRequests)
	assert.Equal(t, 4, result.FailedRequests)
	assert.Equal(t, 120, result.TotalTokens)

	require.Len(t, result.ProviderMetrics, 1)
	assert.Contains(t, result.ProviderMetrics, providers[0].Key())
	assert.NotContains(t, result.ProviderMetrics, failing)

	for _, f := range result.Failures {
		assert.Equal(t, failing, f.ProviderKey)
		assert.Equal(t, 1, f.Index%2)
		var transportErr *clients.TransportError
		require.ErrorAs(t, f.Err, &transportErr)
		assert.Equal(t, clients.KindConnection, transportErr.Kind)
	}
}

func TestRunBatch_ProgressNotifications(t *testing.T) {
	fakes := map[string]*fakeTransport{}
	observer := &progressRecorder{delay: 2 * time.Millisecond}

	result, err := RunBatch(context.Background(), testProviders(2), testRequests(40), observer,
		testOptions(fakeFactory(fakes, nil), WithWorkers(8))...)
	require.NoError(t, err)

	updates := observer.snapshot()
	require.NotEmpty(t, updates)

	last := 0
	var prompt, completion, reqBytes, respBytes int
	for _, u := range updates {
		assert.Equal(t, 40, u.Total)
		assert.GreaterOrEqual(t, u.Completed, last, "completed must never decrease")
		assert.GreaterOrEqual(t, u.ActiveWorkers, 0)
		assert.LessOrEqual(t, u.ActiveWorkers, 8)
		last = u.Completed
		prompt += u.DeltaPromptTokens
		completion += u.DeltaCompletionTokens
		reqBytes += u.DeltaRequestBytes
		respBytes += u.DeltaResponseBytes
	}

	assert.Equal(t, 40, updates[len(updates)-1].Completed)
	assert.Equal(t, result.PromptTokens, prompt)
	assert.Equal(t, result.CompletionTokens, completion)
	assert.Equal(t, result.TotalRequestBytes, reqBytes)
	assert.Equal(t, result.TotalResponseBytes, respBytes)
}

func TestRunBatch_ProgressCountsFailures(t *testing.T) {
	fakes := map[string]*fakeTransport{}
	factory := fakeFactory(fakes, func(f *fakeTransport) {
		f.fail = func(clients.Request) error { return errors.New("nope") }
	})

	var mu sync.Mutex
	final := Progress{}
	observer := ProgressFunc(func(completed, total, deltaPrompt, deltaCompletion, deltaReq, deltaResp, active int) {
		mu.Lock()
		defer mu.Unlock()
		final = Progress{Completed: completed, Total: total}
	})

	_, err := RunBatch(context.Background(), testProviders(1), testRequests(5), observer, testOptions(factory)...)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, final.Completed)
	assert.Equal(t, 5, final.Total)
}

func TestRunBatch_SlowObserverDoesNotStallDispatch(t *testing.T) {
	fakes := map[string]*fakeTransport{}
	observer := &progressRecorder{delay: 200 * time.Millisecond}

	start := time.Now()
	result, err := RunBatch(context.Background(), testProviders(1), testRequests(50), observer,
		testOptions(fakeFactory(fakes, nil), WithWorkers(4))...)
	require.NoError(t, err)

	assert.Equal(t, 50, result.SucceededRequests)
	// A blocking observer would need 50 * 200ms
	assert.Less(t, time.Since(start), 2*time.Second)

	updates := observer.snapshot()
	assert.Equal(t, 50, updates[len(updates)-1].Completed)
}

func TestRunBatch_ConfigurationErrors(t *testing.T) {
	unknown := clients.ProviderConfig{Name: "mystery", APIKey: "k"}
	badOptions := clients.NewOpenAIConfig("k", &clients.OpenAIOptions{Temperature: floatPtr(0.5)})

	tests := []struct {
		name      string
		providers []clients.ProviderConfig
		opts      []Option
		wantIs    error
	}{
		{name: "no providers", providers: nil, wantIs: clients.ErrNoProviders},
		{name: "unknown provider", providers: []clients.ProviderConfig{testProviders(1)[0], unknown}, wantIs: clients.ErrUnsupportedProvider},
		{name: "missing model", providers: []clients.ProviderConfig{badOptions}},
		{name: "zero workers", providers: testProviders(1), opts: []Option{WithWorkers(0)}, wantIs: ErrInvalidWorkers},
		{name: "negative budget", providers: testProviders(1), opts: []Option{WithTokensPerMinute(-1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var built atomic.Int64
			factory := func(cfg clients.ProviderConfig, testMode bool, httpClient *http.Client) (clients.Transport, error) {
				built.Add(1)
				return newFakeTransport(cfg.Key()), nil
			}

			result, err := RunBatch(context.Background(), tt.providers, testRequests(3), nil, testOptions(factory, tt.opts...)...)
			require.Error(t, err)
			assert.Nil(t, result)
			assert.True(t, clients.IsConfigurationError(err), "got %T: %v", err, err)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			assert.Zero(t, built.Load(), "no transport is built for an invalid batch")
		})
	}
}

func TestRunBatch_UnknownProviderWithDefaultFactory(t *testing.T) {
	_, err := RunBatch(context.Background(), []clients.ProviderConfig{{Name: "groq"}}, testRequests(1), nil, WithTestMode(true))
	require.Error(t, err)
	assert.ErrorIs(t, err, clients.ErrUnsupportedProvider)
	assert.Contains(t, err.Error(), "Unsupported provider")
}

func TestRunBatch_TestMode(t *testing.T) {
	providers := []clients.ProviderConfig{
		clients.NewOpenAIConfig("unused", clients.DefaultOpenAIOptions()),
		clients.NewAnthropicConfig("unused", clients.DefaultAnthropicOptions()),
	}

	result, err := RunBatch(context.Background(), providers, testRequests(6), nil,
		WithTestMode(true), WithTokenCounter(token_counter.NewEstimator()))
	require.NoError(t, err)

	assert.Equal(t, 6, result.SucceededRequests)
	require.Len(t, result.ProviderMetrics, 2)
	assert.Contains(t, result.ProviderMetrics, "openai:https://api.openai.com")
	assert.Contains(t, result.ProviderMetrics, "anthropic:https://api.anthropic.com")

	for _, m := range result.Metrics {
		assert.GreaterOrEqual(t, m.CompletionTokens, 50)
		assert.Greater(t, m.RequestBytes, 0)
		assert.Equal(t, m.CompletionTokens*4, m.ResponseBytes)
	}
	assert.Greater(t, result.TokensPerSecond(), 0.0)
	assert.Greater(t, result.UplinkMbps(), 0.0)
}

func TestRunBatch_Cancellation(t *testing.T) {
	fakes := map[string]*fakeTransport{}
	factory := fakeFactory(fakes, func(f *fakeTransport) { f.delay = 100 * time.Millisecond })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(150*time.Millisecond, cancel)
	defer cancel()

	var logs bytes.Buffer
	done := make(chan struct{})
	var result *BatchRequestResult
	var err error
	go func() {
		defer close(done)
		result, err = RunBatch(ctx, testProviders(1), testRequests(20), nil,
			testOptions(factory, WithWorkers(2), WithLogger(logger.NewWriterLogger(&logs)))...)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not return after cancellation")
	}

	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.Greater(t, result.TotalRequests, 0)
	assert.Less(t, result.TotalRequests, 20)
	// In-flight requests finish instead of being cut off
	assert.Zero(t, result.FailedRequests)
	assert.Equal(t, result.TotalRequests, result.SucceededRequests)

	// The workers are mid-request at the cancel point
	assert.Contains(t, logs.String(), "requests in flight")
	assert.Contains(t, logs.String(), "finishing request")
}

func TestRunBatch_CancelledBeforeStart(t *testing.T) {
	fakes := map[string]*fakeTransport{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := RunBatch(ctx, testProviders(1), testRequests(5), nil, testOptions(fakeFactory(fakes, nil))...)
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.Zero(t, result.TotalRequests)
	for _, f := range fakes {
		assert.Zero(t, f.calls.Load())
	}
}

func TestRunBatch_RequestTimeout(t *testing.T) {
	providers := testProviders(2)
	providers[1].Timeout = 2 * time.Second

	fakes := map[string]*fakeTransport{}
	factory := fakeFactory(fakes, func(f *fakeTransport) { f.delay = 300 * time.Millisecond })

	result, err := RunBatch(context.Background(), providers, testRequests(4), nil,
		testOptions(factory, WithRequestTimeout(30*time.Millisecond), WithWorkers(4))...)
	require.NoError(t, err)

	assert.Equal(t, 4, result.TotalRequests)
	assert.Equal(t, 2, result.FailedRequests, "provider 0 uses the batch timeout")
	assert.Equal(t, 2, result.SucceededRequests, "provider 1 overrides it")

	for _, f := range result.Failures {
		assert.Equal(t, providers[0].Key(), f.ProviderKey)
		var transportErr *clients.TransportError
		require.ErrorAs(t, f.Err, &transportErr)
		assert.Equal(t, clients.KindTimeout, transportErr.Kind)
	}
}

func TestRunBatch_TokenBudgetThrottles(t *testing.T) {
	maxTokens := 20
	providers := []clients.ProviderConfig{
		clients.NewOpenAIConfig("key", &clients.OpenAIOptions{Model: "gpt-4o-mini", Temperature: floatPtr(0), MaxTokens: &maxTokens}),
	}

	counter := token_counter.NewMockTokenCounter()
	counter.On("CountRequestTokens", mock.Anything).Return(10)

	fakes := map[string]*fakeTransport{}
	events := make(chan *Event, 1000)

	// Capacity 100 refilling at 100 tokens/s. Each request reserves 30 and uses exactly 30,
	// so 10 requests need 200 tokens of refill after the initial burst.
	start := time.Now()
	result, err := RunBatch(context.Background(), providers, testRequests(10), nil,
		WithTransportFactory(fakeFactory(fakes, nil)),
		WithTokenCounter(counter),
		WithTokensPerMinute(6000),
		WithBurst(100),
		WithWorkers(10),
		WithEventChannel(events),
	)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, 10, result.SucceededRequests)
	assert.Equal(t, 300, result.TotalTokens)
	assert.GreaterOrEqual(t, elapsed, 1800*time.Millisecond)
	assert.Less(t, elapsed, 4*time.Second)

	close(events)
	blocked := 0
	for e := range events {
		if e.Type == EventBudgetBlocked {
			blocked++
		}
	}
	assert.GreaterOrEqual(t, blocked, 5)
}

func TestRunBatch_TokensPerMinuteWithinTolerance(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on a real 1000 TPM budget")
	}

	maxTokens := 100
	providers := []clients.ProviderConfig{
		clients.NewOpenAIConfig("dummy-key", &clients.OpenAIOptions{Model: "gpt-3.5-turbo", Temperature: floatPtr(0.7), MaxTokens: &maxTokens}),
	}
	requests := make([]clients.Request, 5)
	for i := range requests {
		requests[i] = clients.Request{
			clients.SystemMessage("You are a helpful assistant."),
			clients.UserMessage("Test request."),
		}
	}

	start := time.Now()
	result, err := RunBatch(context.Background(), providers, requests, nil,
		WithTestMode(true),
		WithTokenCounter(token_counter.NewEstimator()),
		WithTokensPerMinute(1000),
	)
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Equal(t, 5, result.SucceededRequests)

	tokensPerMinute := float64(result.TotalTokens) / elapsed.Minutes()
	assert.LessOrEqual(t, tokensPerMinute, 1200.0, "rate limit exceeded")
	assert.GreaterOrEqual(t, tokensPerMinute, 800.0, "rate too low")
}

func TestRunBatch_FirstProviderLimitApplies(t *testing.T) {
	tpm := 1000
	providers := testProviders(2)
	providers[0].TokensPerMinute = &tpm

	fakes := map[string]*fakeTransport{}
	processor, err := NewBatchProcessor(providers, testOptions(fakeFactory(fakes, nil))...)
	require.NoError(t, err)

	budget, ok := processor.newBudget().(*memory.Memory)
	require.True(t, ok)
	// five seconds of refill at 1000 TPM
	assert.Equal(t, 83, budget.Capacity())
	assert.Equal(t, 0, budget.Available())

	processor.opts.tokensPerMinute = new(int)
	assert.Equal(t, rate_limit.Unlimited, processor.newBudget())
}

// recordingBudget never blocks and remembers every call
type recordingBudget struct {
	mu         sync.Mutex
	reserved   []int
	reconciled map[int]int
}

func (b *recordingBudget) Reserve(ctx context.Context, tokens int) (rate_limit.Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reserved = append(b.reserved, tokens)
	return rate_limit.Reservation{Tokens: tokens}, nil
}

func (b *recordingBudget) Reconcile(res rate_limit.Reservation, actual int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconciled[actual]++
}

func (b *recordingBudget) Available() int {
	return 0
}

func TestRunBatch_ReserveAndReconcile(t *testing.T) {
	providers := testProviders(2)
	maxTokens := 100
	providers[0].OpenAI = &clients.OpenAIOptions{Model: "gpt-4o-mini", Temperature: floatPtr(0.7), MaxTokens: &maxTokens}

	fakes := map[string]*fakeTransport{}
	factory := fakeFactory(fakes, func(f *fakeTransport) {
		if f.key == providers[1].Key() {
			f.fail = func(clients.Request) error { return errors.New("down") }
		}
	})

	counter := token_counter.NewMockTokenCounter()
	counter.On("CountRequestTokens", mock.Anything).Return(7)

	budget := &recordingBudget{reconciled: map[int]int{}}
	_, err := RunBatch(context.Background(), providers, testRequests(4), nil,
		WithTransportFactory(factory), WithTokenCounter(counter), WithBudget(budget))
	require.NoError(t, err)

	budget.mu.Lock()
	defer budget.mu.Unlock()
	assert.ElementsMatch(t, []int{107, 107, 7 + defaultCompletionAllowance, 7 + defaultCompletionAllowance}, budget.reserved)
	assert.Equal(t, 2, budget.reconciled[30], "successes reconcile their actual usage")
	assert.Equal(t, 2, budget.reconciled[0], "failures return the reservation")
}

func TestRunBatch_WorkerScaling(t *testing.T) {
	run := func(workers int) time.Duration {
		fakes := map[string]*fakeTransport{}
		factory := fakeFactory(fakes, func(f *fakeTransport) { f.delay = 20 * time.Millisecond })

		start := time.Now()
		result, err := RunBatch(context.Background(), testProviders(2), testRequests(20), nil, testOptions(factory, WithWorkers(workers))...)
		require.NoError(t, err)
		require.Equal(t, 20, result.SucceededRequests)
		return time.Since(start)
	}

	slow := run(1)
	fast := run(10)

	assert.GreaterOrEqual(t, slow, 400*time.Millisecond)
	assert.Less(t, fast, slow)
}

func TestRunBatch_PanicIsRecordedAsFailure(t *testing.T) {
	fakes := map[string]*fakeTransport{}
	factory := fakeFactory(fakes, func(f *fakeTransport) {
		f.fail = func(req clients.Request) error {
			if req[0].Content == "request 2" {
				panic("transport exploded")
			}
			return nil
		}
	})

	result, err := RunBatch(context.Background(), testProviders(1), testRequests(5), nil, testOptions(factory, WithWorkers(2))...)
	require.NoError(t, err)

	assert.Equal(t, 5, result.TotalRequests)
	assert.Equal(t, 4, result.SucceededRequests)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, 2, result.Failures[0].Index)
	assert.Contains(t, result.Failures[0].Err.Error(), "transport exploded")
}

func TestRunBatch_Events(t *testing.T) {
	fakes := map[string]*fakeTransport{}
	factory := fakeFactory(fakes, func(f *fakeTransport) {
		f.fail = func(req clients.Request) error {
			if req[0].Content == "request 0" {
				return errors.New("first one fails")
			}
			return nil
		}
	})
	events := make(chan *Event, 100)

	_, err := RunBatch(context.Background(), testProviders(1), testRequests(5), nil, testOptions(factory, WithEventChannel(events))...)
	require.NoError(t, err)
	close(events)

	counts := map[EventType]int{}
	var all []*Event
	for e := range events {
		counts[e.Type]++
		all = append(all, e)
	}

	require.NotEmpty(t, all)
	assert.Equal(t, EventBatchStarted, all[0].Type)
	assert.Equal(t, EventBatchFinished, all[len(all)-1].Type)
	assert.Equal(t, 5, counts[EventRequestDispatched])
	assert.Equal(t, 4, counts[EventRequestCompleted])
	assert.Equal(t, 1, counts[EventRequestFailed])

	batchID := all[0].BatchID
	for _, e := range all {
		assert.Equal(t, batchID, e.BatchID)
		if e.Type == EventRequestDispatched {
			assert.NotEmpty(t, e.RequestID)
		}
	}
}

func TestRunBatch_CircuitBreakerOpens(t *testing.T) {
	providers := testProviders(1)
	providers[0].CircuitBreaker = true

	fakes := map[string]*fakeTransport{}
	factory := fakeFactory(fakes, func(f *fakeTransport) {
		f.fail = func(clients.Request) error { return errors.New("upstream down") }
	})

	var logs bytes.Buffer
	result, err := RunBatch(context.Background(), providers, testRequests(6), nil,
		testOptions(factory, WithWorkers(1), WithLogger(logger.NewWriterLogger(&logs)))...)
	require.NoError(t, err)

	assert.Equal(t, 6, result.FailedRequests)
	assert.Contains(t, logs.String(), "circuit breaker for "+providers[0].Key()+" is open")
	assert.Equal(t, int64(3), fakes[providers[0].Key()].calls.Load(), "the breaker stops calls after 3 failures")

	open := 0
	for _, f := range result.Failures {
		var transportErr *clients.TransportError
		require.ErrorAs(t, f.Err, &transportErr)
		if transportErr.Kind == clients.KindCircuitOpen {
			open++
		}
	}
	assert.Equal(t, 3, open)
}

func TestRunBatch_ClosedBreakerIsNotLogged(t *testing.T) {
	providers := testProviders(1)
	providers[0].CircuitBreaker = true

	var logs bytes.Buffer
	result, err := RunBatch(context.Background(), providers, testRequests(3), nil,
		testOptions(fakeFactory(map[string]*fakeTransport{}, nil), WithLogger(logger.NewWriterLogger(&logs)))...)
	require.NoError(t, err)

	assert.Equal(t, 3, result.SucceededRequests)
	assert.NotContains(t, logs.String(), "circuit breaker")
	assert.NotContains(t, logs.String(), "in flight")
}

func TestNewBatchProcessor_LogsUnlimitedProviders(t *testing.T) {
	providers := testProviders(2)
	tpm := 1000
	providers[1].TokensPerMinute = &tpm

	var logs bytes.Buffer
	_, err := NewBatchProcessor(providers, testOptions(fakeFactory(map[string]*fakeTransport{}, nil), WithLogger(logger.NewWriterLogger(&logs)))...)
	require.NoError(t, err)

	assert.Contains(t, logs.String(), "provider "+providers[0].Key()+" has no request or token limit")
	assert.NotContains(t, logs.String(), providers[1].Key())
}

func TestRunBatch_Recorder(t *testing.T) {
	fakes := map[string]*fakeTransport{}
	factory := fakeFactory(fakes, func(f *fakeTransport) {
		f.fail = func(req clients.Request) error {
			if strings.HasSuffix(req[0].Content, "3") {
				return errors.New("bad luck")
			}
			return nil
		}
	})

	recorder := &mockRecorder{}
	recorder.On("RecordSuccess", mock.Anything).Return()
	recorder.On("RecordFailure", mock.Anything).Return()

	_, err := RunBatch(context.Background(), testProviders(2), testRequests(5), nil, testOptions(factory, WithRecorder(recorder))...)
	require.NoError(t, err)

	recorder.AssertNumberOfCalls(t, "RecordSuccess", 4)
	recorder.AssertNumberOfCalls(t, "RecordFailure", 1)
}

func TestRunBatch_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	fakes := map[string]*fakeTransport{}
	_, err := RunBatch(context.Background(), testProviders(2), testRequests(4), nil,
		testOptions(fakeFactory(fakes, nil), WithTracerProvider(tp))...)
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 4)
	for _, span := range spans {
		assert.Equal(t, "turbo_batch.request", span.Name())
	}
}

func TestRunBatch_EmptyBatch(t *testing.T) {
	fakes := map[string]*fakeTransport{}
	result, err := RunBatch(context.Background(), testProviders(1), nil, nil, testOptions(fakeFactory(fakes, nil))...)
	require.NoError(t, err)

	assert.Zero(t, result.TotalRequests)
	assert.Empty(t, result.ProviderMetrics)
	assert.False(t, result.Cancelled)
}

func TestBatchProcessor_ReusedAcrossBatches(t *testing.T) {
	fakes := map[string]*fakeTransport{}
	processor, err := NewBatchProcessor(testProviders(2), testOptions(fakeFactory(fakes, nil))...)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		result, err := processor.Process(context.Background(), testRequests(4), nil)
		require.NoError(t, err)
		assert.Equal(t, 4, result.SucceededRequests)
	}

	total := int64(0)
	for _, f := range fakes {
		total += f.calls.Load()
	}
	assert.Equal(t, int64(12), total)
}

func TestRunBatch_MockTransportAndHTTPClient(t *testing.T) {
	client := &http.Client{Timeout: time.Second}
	transport := clients.NewMockTransport("openai:mock")
	transport.On("Execute", mock.Anything, mock.Anything).
		Return(&clients.Response{PromptTokens: 3, CompletionTokens: 4, RequestBytes: 10, ResponseBytes: 20, Duration: time.Millisecond}, nil).
		Times(2)
	transport.On("Execute", mock.Anything, mock.Anything).
		Return(nil, &clients.TransportError{Kind: clients.KindStatus, StatusCode: 500, Err: errors.New("boom")}).
		Once()

	factory := func(cfg clients.ProviderConfig, testMode bool, httpClient *http.Client) (clients.Transport, error) {
		assert.Same(t, client, httpClient)
		return transport, nil
	}

	result, err := RunBatch(context.Background(), testProviders(1), testRequests(3), nil,
		testOptions(factory, WithHTTPClient(client), WithWorkers(1))...)
	require.NoError(t, err)

	assert.Equal(t, 3, result.TotalRequests)
	assert.Equal(t, 2, result.SucceededRequests)
	assert.Equal(t, 1, result.FailedRequests)
	assert.Equal(t, 14, result.TotalTokens)
	require.Len(t, result.Failures, 1)
	assert.True(t, clients.IsTransportError(result.Failures[0].Err))
	transport.AssertExpectations(t)
}
