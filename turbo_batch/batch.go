package turbo_batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/FrenchMajesty/turbo-batch/clients"
	"github.com/FrenchMajesty/turbo-batch/rate_limit"
	"github.com/FrenchMajesty/turbo-batch/rate_limit/backends/memory"
	"github.com/FrenchMajesty/turbo-batch/utils/logger"
	"github.com/FrenchMajesty/turbo-batch/utils/token_counter"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var ErrInvalidWorkers = errors.New("worker count must be positive")

type options struct {
	testMode         bool
	tokensPerMinute  *int
	burst            int
	workers          int
	requestTimeout   time.Duration
	logger           logger.Logger
	recorder         Recorder
	events           chan<- *Event
	transportFactory TransportFactory
	tokenCounter     token_counter.TokenCounterInterface
	httpClient       *http.Client
	budget           rate_limit.Budget
	tracerProvider   trace.TracerProvider
}

type Option func(*options)

// WithTestMode routes every provider to the simulated transport
func WithTestMode(enabled bool) Option {
	return func(o *options) {
		o.testMode = enabled
	}
}

// WithTokensPerMinute sets the batch token budget, overriding the first provider's limit. 0 means unlimited.
func WithTokensPerMinute(tpm int) Option {
	return func(o *options) {
		o.tokensPerMinute = &tpm
	}
}

// WithBurst sets the token bucket capacity and lets a batch start with a full bucket.
// Without it the bucket starts empty and holds a few seconds of refill.
func WithBurst(burst int) Option {
	return func(o *options) {
		o.burst = burst
	}
}

// WithWorkers sets the worker count. Defaults to the number of CPUs.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithRequestTimeout bounds each transport call unless the provider sets its own timeout
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		o.requestTimeout = d
	}
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRecorder registers a hook called for every request outcome
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// WithEventChannel receives lifecycle events. Events are dropped when the channel is full.
func WithEventChannel(ch chan<- *Event) Option {
	return func(o *options) {
		o.events = ch
	}
}

// WithTransportFactory replaces BuildTransport
func WithTransportFactory(f TransportFactory) Option {
	return func(o *options) {
		o.transportFactory = f
	}
}

// WithTokenCounter sets the counter used for reservation estimates
func WithTokenCounter(tc token_counter.TokenCounterInterface) Option {
	return func(o *options) {
		o.tokenCounter = tc
	}
}

// WithHTTPClient shares an http client between all real transports
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithBudget uses b instead of creating a token bucket per batch
func WithBudget(b rate_limit.Budget) Option {
	return func(o *options) {
		o.budget = b
	}
}

// WithTracerProvider sets where request spans go. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// BatchProcessor runs batches against a fixed, validated set of providers
type BatchProcessor struct {
	providers []clients.ProviderConfig
	slots     []*providerSlot
	opts      options
}

// NewBatchProcessor validates the providers and builds their transports.
// Every error it returns is a configuration error.
func NewBatchProcessor(providers []clients.ProviderConfig, opts ...Option) (*BatchProcessor, error) {
	o := options{
		workers:        runtime.NumCPU(),
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.workers <= 0 {
		return nil, &clients.ConfigurationError{Field: "workers", Reason: ErrInvalidWorkers.Error(), Err: ErrInvalidWorkers}
	}
	if o.tokensPerMinute != nil && *o.tokensPerMinute < 0 {
		return nil, &clients.ConfigurationError{Field: "tokens_per_minute", Reason: "must not be negative"}
	}
	if o.requestTimeout <= 0 {
		o.requestTimeout = DefaultRequestTimeout
	}
	if o.logger == nil {
		o.logger = logger.NewNoopLogger()
	}
	if o.transportFactory == nil {
		o.transportFactory = BuildTransport
	}
	if o.tokenCounter == nil {
		o.tokenCounter = token_counter.Default()
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}

	if err := clients.ValidateAll(providers); err != nil {
		return nil, err
	}

	slots := make([]*providerSlot, 0, len(providers))
	for i, cfg := range providers {
		transport, err := o.transportFactory(cfg, o.testMode, o.httpClient)
		if err != nil {
			return nil, fmt.Errorf("provider %d: %w", i, err)
		}
		if cfg.CircuitBreaker {
			transport = withCircuitBreaker(transport, o.logger)
		}

		if cfg.Limits().Unbounded() {
			o.logger.Printf("TurboBatch: provider %s has no request or token limit", cfg.Key())
		}

		timeout := o.requestTimeout
		if cfg.Timeout > 0 {
			timeout = cfg.Timeout
		}

		slots = append(slots, &providerSlot{
			key:       cfg.Key(),
			cfg:       cfg,
			transport: transport,
			timeout:   timeout,
		})
	}

	return &BatchProcessor{
		providers: providers,
		slots:     slots,
		opts:      o,
	}, nil
}

// RunBatch validates the providers and processes requests in one call.
// It only fails on configuration errors; per-request failures are reported in the result.
func RunBatch(ctx context.Context, providers []clients.ProviderConfig, requests []clients.Request, observer ProgressObserver, opts ...Option) (*BatchRequestResult, error) {
	processor, err := NewBatchProcessor(providers, opts...)
	if err != nil {
		return nil, err
	}
	return processor.Process(ctx, requests, observer)
}

// Process dispatches every request and returns once each one reached a terminal state,
// or with a partial result when ctx is cancelled. observer may be nil.
func (p *BatchProcessor) Process(ctx context.Context, requests []clients.Request, observer ProgressObserver) (*BatchRequestResult, error) {
	start := time.Now()

	workers := p.opts.workers
	if workers > len(requests) {
		workers = len(requests)
	}

	d := &dispatcher{
		batchID:      uuid.New().String()[:6],
		requests:     requests,
		providers:    p.batchSlots(),
		budget:       p.newBudget(),
		tokenCounter: p.opts.tokenCounter,
		tracer:       p.opts.tracerProvider.Tracer("github.com/FrenchMajesty/turbo-batch/turbo_batch"),
		events:       p.opts.events,
		logger:       p.opts.logger,
	}

	d.logger.Printf("TurboBatch %s: Starting %d requests across %d providers with %d workers", d.batchID, len(requests), len(d.providers), workers)
	d.emitEvent(EventBatchStarted, uuid.Nil, map[string]any{
		"requests":  len(requests),
		"providers": len(d.providers),
		"workers":   workers,
	})

	relay := newProgressRelay(observer, len(requests))
	go relay.run()

	outcomes := make(chan outcome, workers+1)
	workerState := make(chan int, workers*2+1)
	agg := newAggregator(len(requests), relay, p.opts.recorder)

	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		agg.run(outcomes, workerState)
	}()

	pool := newWorkerPool(workers, len(requests), d, outcomes, workerState)
	pool.start(ctx)
	stopWatch := d.watchCancellation(ctx, pool)
	pool.wait()
	stopWatch()

	close(outcomes)
	<-aggDone

	relay.setActiveWorkers(pool.GetBusyWorkers())
	relay.close()

	cancelled := ctx.Err() != nil && agg.completed < len(requests)
	result := agg.finish(time.Since(start), cancelled)

	d.logStats(result, workers)
	d.emitEvent(EventBatchFinished, uuid.Nil, map[string]any{
		"succeeded": result.SucceededRequests,
		"failed":    result.FailedRequests,
		"cancelled": result.Cancelled,
	})

	return result, nil
}

// batchSlots gives each batch its own request gates, the transports are shared
func (p *BatchProcessor) batchSlots() []*providerSlot {
	slots := make([]*providerSlot, len(p.slots))
	for i, slot := range p.slots {
		s := *slot
		s.gate = rate_limit.NewRequestGate(slot.cfg.Limits().RPM)
		slots[i] = &s
	}
	return slots
}

// newBudget creates the token bucket owned by one batch.
// The explicit limit wins, otherwise the first provider's limit applies to all providers.
func (p *BatchProcessor) newBudget() rate_limit.Budget {
	if p.opts.budget != nil {
		return p.opts.budget
	}

	tpm := p.providers[0].Limits().TPM
	if p.opts.tokensPerMinute != nil {
		tpm = *p.opts.tokensPerMinute
	}

	return memory.NewBackend(memory.Options{
		TokensPerMinute: tpm,
		Burst:           p.opts.burst,
	})
}
