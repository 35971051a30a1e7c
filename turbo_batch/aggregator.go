package turbo_batch

import "time"

// Recorder is notified of every terminal request outcome, from the aggregator goroutine
type Recorder interface {
	RecordSuccess(m RequestMetrics)
	RecordFailure(f FailedRequest)
}

// outcome is what a worker sends for each attempted request. Exactly one field is set.
type outcome struct {
	metrics *RequestMetrics
	failure *FailedRequest
}

// aggregator is the single consumer of request outcomes.
// It owns the running totals, so none of its state needs a lock.
type aggregator struct {
	total     int
	completed int

	result    *BatchRequestResult
	providers map[string]*BatchRequestResult

	relay    *progressRelay
	recorder Recorder
}

func newAggregator(total int, relay *progressRelay, recorder Recorder) *aggregator {
	return &aggregator{
		total:     total,
		result:    &BatchRequestResult{},
		providers: make(map[string]*BatchRequestResult),
		relay:     relay,
		recorder:  recorder,
	}
}

// run consumes outcomes until the channel is closed, relaying worker state changes as they arrive
func (a *aggregator) run(outcomes <-chan outcome, workerState <-chan int) {
	for {
		select {
		case o, ok := <-outcomes:
			if !ok {
				return
			}
			a.record(o)
		case busy := <-workerState:
			a.relay.setActiveWorkers(busy)
		}
	}
}

// record folds one outcome into the totals and publishes progress
func (a *aggregator) record(o outcome) {
	a.completed++

	switch {
	case o.metrics != nil:
		m := *o.metrics
		a.result.addSuccess(m)
		a.provider(m.ProviderKey).addSuccess(m)

		a.relay.publish(a.completed, Progress{
			DeltaPromptTokens:     m.PromptTokens,
			DeltaCompletionTokens: m.CompletionTokens,
			DeltaRequestBytes:     m.RequestBytes,
			DeltaResponseBytes:    m.ResponseBytes,
		})
		if a.recorder != nil {
			a.recorder.RecordSuccess(m)
		}

	case o.failure != nil:
		f := *o.failure
		a.result.addFailure(f)
		a.provider(f.ProviderKey).addFailure(f)

		a.relay.publish(a.completed, Progress{})
		if a.recorder != nil {
			a.recorder.RecordFailure(f)
		}
	}
}

func (a *aggregator) provider(key string) *BatchRequestResult {
	r, ok := a.providers[key]
	if !ok {
		r = &BatchRequestResult{}
		a.providers[key] = r
	}
	return r
}

// finish stamps the batch wall time and attaches the providers that had at least one success
func (a *aggregator) finish(totalTime time.Duration, cancelled bool) *BatchRequestResult {
	a.result.TotalTime = totalTime
	a.result.Cancelled = cancelled
	a.result.ProviderMetrics = make(map[string]*BatchRequestResult)

	for key, r := range a.providers {
		if r.SucceededRequests == 0 {
			continue
		}
		r.TotalTime = totalTime
		r.Cancelled = cancelled
		a.result.ProviderMetrics[key] = r
	}

	return a.result
}
