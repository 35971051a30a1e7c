package turbo_batch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

type EventType string

const (
	// Batch lifecycle events
	EventBatchStarted  EventType = "batch_started"
	EventBatchFinished EventType = "batch_finished"

	// Request lifecycle events
	EventRequestDispatched EventType = "request_dispatched"
	EventRequestCompleted  EventType = "request_completed"
	EventRequestFailed     EventType = "request_failed"

	// Rate limit budget events
	EventBudgetBlocked EventType = "budget_blocked"
)

type Event struct {
	Type      EventType      `json:"type"`
	BatchID   string         `json:"batch_id"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// emitEvent sends an event to the event channel (non-blocking)
func (d *dispatcher) emitEvent(eventType EventType, requestID uuid.UUID, data map[string]any) {
	if d.events == nil {
		return
	}

	event := &Event{
		Type:      eventType,
		BatchID:   d.batchID,
		Timestamp: time.Now(),
		Data:      data,
	}
	if requestID != uuid.Nil {
		event.RequestID = requestID.String()
	}

	select {
	case d.events <- event:
		// Event sent successfully
	default:
		// Channel full, drop event to avoid blocking
	}
}

// logStats logs the summary of a finished batch
func (d *dispatcher) logStats(result *BatchRequestResult, workers int) {
	status := "Finished"
	if result.Cancelled {
		status = "Cancelled"
	}

	d.logger.Printf(
		"TurboBatch %s: %s. Requests(%d/%d) Failed(%d) Workers(%d) Tokens(prompt:%s completion:%s total:%s) Time taken: %s",
		d.batchID,
		status,
		result.SucceededRequests,
		len(d.requests),
		result.FailedRequests,
		workers,
		formatTokens(result.PromptTokens),
		formatTokens(result.CompletionTokens),
		formatTokens(result.TotalTokens),
		result.TotalTime,
	)

	for _, slot := range d.providers {
		breaker, ok := slot.transport.(*breakerTransport)
		if !ok {
			continue
		}
		if state := breaker.State(); state != gobreaker.StateClosed {
			d.logger.Printf("TurboBatch %s: circuit breaker for %s is %s", d.batchID, slot.key, state)
		}
	}

	for key, provider := range result.ProviderMetrics {
		d.logger.Printf("TurboBatch %s: %s Requests(%d) Failed(%d) Tokens(%s) %.1f tok/s",
			d.batchID,
			key,
			provider.SucceededRequests,
			provider.FailedRequests,
			formatTokens(provider.TotalTokens),
			provider.TokensPerSecond(),
		)
	}
}

// watchCancellation logs the requests still in flight when ctx is cancelled mid-batch.
// The returned func stops the watcher and waits for it.
func (d *dispatcher) watchCancellation(ctx context.Context, pool *workerPool) func() {
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			d.logInFlight(pool.GetWorkerStates())
		case <-done:
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}

// logInFlight logs which request each busy worker is finishing
func (d *dispatcher) logInFlight(states map[int]string) {
	workers := make([]int, 0, len(states))
	for id, requestID := range states {
		if requestID != "" {
			workers = append(workers, id)
		}
	}
	sort.Ints(workers)

	d.logger.Printf("TurboBatch %s: Cancelling, %d requests in flight", d.batchID, len(workers))
	for _, id := range workers {
		d.logger.Printf("TurboBatch %s: worker %d finishing request %s", d.batchID, id, states[id])
	}
}

// formatTokens formats token counts in a human-readable way
func formatTokens(tokens int) string {
	if tokens >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(tokens)/1_000_000)
	} else if tokens >= 1000 {
		return fmt.Sprintf("%.1fK", float64(tokens)/1_000)
	}
	return fmt.Sprintf("%d", tokens)
}
