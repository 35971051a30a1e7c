package simulated

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/FrenchMajesty/turbo-batch/clients"
)

const (
	baseLatency        = 50 * time.Millisecond
	perTokenLatency    = 100 * time.Microsecond
	minCompletion      = 50
	completionRatio    = 1.5
	completionJitter   = 0.2
	bytesPerCompletion = 4
)

// Transport synthesizes responses without any network access.
// Token, byte and latency accounting follow the same contract as a real provider.
type Transport struct {
	key string

	mu  sync.Mutex
	rng *rand.Rand

	// latencyScale shrinks the simulated latency, used by tests
	latencyScale float64
}

var _ clients.Transport = (*Transport)(nil)

type Option func(*Transport)

// WithSeed makes completion sizes reproducible
func WithSeed(seed int64) Option {
	return func(t *Transport) {
		t.rng = rand.New(rand.NewSource(seed))
	}
}

// WithLatencyScale multiplies the simulated latency (1 = realistic, 0 = no sleep)
func WithLatencyScale(scale float64) Option {
	return func(t *Transport) {
		t.latencyScale = scale
	}
}

// New creates a simulated transport reporting under the given provider key
func New(key string, opts ...Option) *Transport {
	t := &Transport{
		key:          key,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		latencyScale: 1,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Key() string {
	return t.key
}

// Execute fabricates a completion sized from the prompt and sleeps for the simulated latency
func (t *Transport) Execute(ctx context.Context, req clients.Request) (*clients.Response, error) {
	start := time.Now()

	promptTokens := PromptTokens(req)
	completionTokens := t.completionTokens(promptTokens)
	total := promptTokens + completionTokens

	latency := baseLatency + time.Duration(total)*perTokenLatency
	latency = time.Duration(float64(latency) * t.latencyScale)

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, clients.ClassifyNetworkError(t.key, ctx.Err())
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, clients.ClassifyNetworkError(t.key, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &clients.TransportError{Kind: clients.KindMalformed, ProviderKey: t.key, Err: err}
	}

	duration := time.Since(start)
	if duration <= 0 {
		duration = time.Nanosecond
	}

	return &clients.Response{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		RequestBytes:     len(body),
		ResponseBytes:    completionTokens * bytesPerCompletion,
		Duration:         duration,
	}, nil
}

// PromptTokens approximates prompt size as a quarter of the content length of each message
func PromptTokens(req clients.Request) int {
	total := 0
	for _, msg := range req {
		total += len(msg.Content) / 4
	}
	return total
}

// completionTokens returns prompt*1.5 varied by up to ±20%, never below 50
func (t *Transport) completionTokens(promptTokens int) int {
	t.mu.Lock()
	variation := (t.rng.Float64()*2 - 1) * completionJitter
	t.mu.Unlock()

	completion := int(float64(promptTokens) * completionRatio * (1 + variation))
	if completion < minCompletion {
		completion = minCompletion
	}
	return completion
}
