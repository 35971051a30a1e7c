package turbo_batch

import (
	"time"

	"github.com/google/uuid"
)

// RequestMetrics describes one successfully completed request
type RequestMetrics struct {
	Index            int           `json:"index"`
	RequestID        uuid.UUID     `json:"request_id"`
	ProviderKey      string        `json:"provider_key"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	RequestBytes     int           `json:"request_bytes"`
	ResponseBytes    int           `json:"response_bytes"`
	RequestTime      time.Duration `json:"request_time"`
}

func (m RequestMetrics) TotalTokens() int {
	return m.PromptTokens + m.CompletionTokens
}

// FailedRequest identifies a request whose transport call failed
type FailedRequest struct {
	Index       int           `json:"index"`
	RequestID   uuid.UUID     `json:"request_id"`
	ProviderKey string        `json:"provider_key"`
	Err         error         `json:"-"`
	RequestTime time.Duration `json:"request_time"`
}

// BatchRequestResult aggregates a batch, or the slice of it that ran against a single provider.
// Token and byte sums cover successful requests only; failures are counted and listed separately.
type BatchRequestResult struct {
	TotalRequests     int `json:"total_requests"`
	SucceededRequests int `json:"succeeded_requests"`
	FailedRequests    int `json:"failed_requests"`

	TotalTokens      int `json:"total_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`

	TotalRequestBytes  int `json:"total_request_bytes"`
	TotalResponseBytes int `json:"total_response_bytes"`

	TotalTime time.Duration `json:"total_time"`

	// Metrics are in completion order
	Metrics  []RequestMetrics `json:"metrics"`
	Failures []FailedRequest  `json:"failures"`

	// ProviderMetrics is keyed by provider key and only holds providers with at least one success.
	// Nested results never have ProviderMetrics of their own.
	ProviderMetrics map[string]*BatchRequestResult `json:"provider_metrics,omitempty"`

	// Cancelled is set when the batch stopped before every request was attempted
	Cancelled bool `json:"cancelled"`
}

func (r *BatchRequestResult) addSuccess(m RequestMetrics) {
	r.TotalRequests++
	r.SucceededRequests++
	r.PromptTokens += m.PromptTokens
	r.CompletionTokens += m.CompletionTokens
	r.TotalTokens += m.TotalTokens()
	r.TotalRequestBytes += m.RequestBytes
	r.TotalResponseBytes += m.ResponseBytes
	r.Metrics = append(r.Metrics, m)
}

func (r *BatchRequestResult) addFailure(f FailedRequest) {
	r.TotalRequests++
	r.FailedRequests++
	r.Failures = append(r.Failures, f)
}

func (r *BatchRequestResult) perSecond(v int) float64 {
	seconds := r.TotalTime.Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(v) / seconds
}

func (r *BatchRequestResult) mbps(bytes int) float64 {
	seconds := r.TotalTime.Seconds()
	if seconds <= 0 {
		return 0
	}
	return float64(bytes) * 8 / (seconds * 1e6)
}

// RequestsPerSecond is the rate of successful requests
func (r *BatchRequestResult) RequestsPerSecond() float64 {
	return r.perSecond(r.SucceededRequests)
}

func (r *BatchRequestResult) TokensPerSecond() float64 {
	return r.perSecond(r.TotalTokens)
}

func (r *BatchRequestResult) PromptTokensPerSecond() float64 {
	return r.perSecond(r.PromptTokens)
}

func (r *BatchRequestResult) CompletionTokensPerSecond() float64 {
	return r.perSecond(r.CompletionTokens)
}

// UplinkMbps is the request bandwidth in megabits per second
func (r *BatchRequestResult) UplinkMbps() float64 {
	return r.mbps(r.TotalRequestBytes)
}

// DownlinkMbps is the response bandwidth in megabits per second
func (r *BatchRequestResult) DownlinkMbps() float64 {
	return r.mbps(r.TotalResponseBytes)
}
