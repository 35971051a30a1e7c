package turbo_batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FrenchMajesty/turbo-batch/clients"
	"github.com/FrenchMajesty/turbo-batch/rate_limit"
	"github.com/FrenchMajesty/turbo-batch/utils/logger"
	"github.com/FrenchMajesty/turbo-batch/utils/token_counter"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// defaultCompletionAllowance is reserved for the completion when the provider sets no max tokens
const defaultCompletionAllowance = 512

// requestJob is one request of a batch, bound to its round-robin provider
type requestJob struct {
	index    int
	id       uuid.UUID
	request  clients.Request
	provider *providerSlot
}

// providerSlot is everything a worker needs to call one provider
type providerSlot struct {
	key       string
	cfg       clients.ProviderConfig
	transport clients.Transport
	gate      *rate_limit.RequestGate
	timeout   time.Duration
}

// dispatcher runs the jobs of a single batch. It implements jobRunner.
type dispatcher struct {
	batchID      string
	requests     []clients.Request
	providers    []*providerSlot
	budget       rate_limit.Budget
	tokenCounter token_counter.TokenCounterInterface
	tracer       trace.Tracer
	events       chan<- *Event
	logger       logger.Logger
}

var _ jobRunner = (*dispatcher)(nil)

// job assigns provider i mod P to the request at index i
func (d *dispatcher) job(index int) *requestJob {
	return &requestJob{
		index:    index,
		id:       uuid.New(),
		request:  d.requests[index],
		provider: d.providers[index%len(d.providers)],
	}
}

// estimate is the reservation taken before dispatch: the prompt size plus the completion allowance
func (d *dispatcher) estimate(job *requestJob) int {
	completion := job.provider.cfg.MaxOutputTokens()
	if completion <= 0 {
		completion = defaultCompletionAllowance
	}
	return d.tokenCounter.CountRequestTokens(job.request) + completion
}

func (d *dispatcher) execute(ctx context.Context, workerID int, job *requestJob) (outcome, bool) {
	slot := job.provider

	res, err := d.budget.Reserve(ctx, d.estimate(job))
	if err != nil {
		return outcome{}, false
	}
	if res.Waited > 0 {
		d.emitEvent(EventBudgetBlocked, job.id, map[string]any{
			"provider": slot.key,
			"tokens":   res.Tokens,
			"waited":   res.Waited.String(),
		})
	}

	// Anything that leaves before the call settles returns the whole reservation
	settled := false
	defer func() {
		if !settled {
			d.budget.Reconcile(res, 0)
		}
	}()

	if err := slot.gate.Wait(ctx); err != nil {
		return outcome{}, false
	}

	d.emitEvent(EventRequestDispatched, job.id, map[string]any{
		"provider":  slot.key,
		"index":     job.index,
		"worker_id": workerID,
	})

	// In-flight calls are not cut short by batch cancellation, only by the request timeout
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), slot.timeout)
	defer cancel()

	callCtx, span := d.tracer.Start(callCtx, "turbo_batch.request", trace.WithAttributes(
		attribute.String("batch.id", d.batchID),
		attribute.String("request.id", job.id.String()),
		attribute.Int("request.index", job.index),
		attribute.String("provider.key", slot.key),
		attribute.Int("ratelimit.reserved_tokens", res.Tokens),
	))
	defer span.End()

	start := time.Now()
	resp, err := slot.transport.Execute(callCtx, job.request)
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}

	if err == nil {
		err = validateResponse(slot.key, resp)
	}
	if err != nil {
		err = clients.ClassifyNetworkError(slot.key, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		d.emitEvent(EventRequestFailed, job.id, map[string]any{
			"provider": slot.key,
			"error":    err.Error(),
		})
		return outcome{failure: &FailedRequest{
			Index:       job.index,
			RequestID:   job.id,
			ProviderKey: slot.key,
			Err:         err,
			RequestTime: elapsed,
		}}, true
	}

	d.budget.Reconcile(res, resp.TotalTokens())
	settled = true

	span.SetAttributes(
		attribute.Int("tokens.prompt", resp.PromptTokens),
		attribute.Int("tokens.completion", resp.CompletionTokens),
	)
	d.emitEvent(EventRequestCompleted, job.id, map[string]any{
		"provider": slot.key,
		"tokens":   resp.TotalTokens(),
		"duration": elapsed.String(),
	})

	return outcome{metrics: &RequestMetrics{
		Index:            job.index,
		RequestID:        job.id,
		ProviderKey:      slot.key,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		RequestBytes:     resp.RequestBytes,
		ResponseBytes:    resp.ResponseBytes,
		RequestTime:      elapsed,
	}}, true
}

func (d *dispatcher) recovered(job *requestJob, r any) outcome {
	failure := &FailedRequest{
		Index: -1,
		Err:   fmt.Errorf("panic in request execution: %v", r),
	}
	if job != nil {
		failure.Index = job.index
		failure.RequestID = job.id
		failure.ProviderKey = job.provider.key
	}

	d.logger.Printf("TurboBatch %s: recovered from panic on request %d: %v", d.batchID, failure.Index, r)
	d.emitEvent(EventRequestFailed, failure.RequestID, map[string]any{
		"provider": failure.ProviderKey,
		"error":    failure.Err.Error(),
	})
	return outcome{failure: failure}
}

// validateResponse rejects responses that would break the token and byte accounting
func validateResponse(providerKey string, resp *clients.Response) error {
	if resp == nil {
		return &clients.TransportError{Kind: clients.KindMalformed, ProviderKey: providerKey, Err: errors.New("empty response")}
	}
	if resp.PromptTokens < 0 || resp.CompletionTokens < 0 || resp.RequestBytes < 0 || resp.ResponseBytes < 0 {
		return &clients.TransportError{Kind: clients.KindMalformed, ProviderKey: providerKey, Err: errors.New("negative usage in response")}
	}
	return nil
}
