package turbo_batch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/FrenchMajesty/turbo-batch/clients"
	"github.com/FrenchMajesty/turbo-batch/clients/anthropic"
	"github.com/FrenchMajesty/turbo-batch/clients/openai"
	"github.com/FrenchMajesty/turbo-batch/clients/simulated"
	"github.com/FrenchMajesty/turbo-batch/utils/logger"
	"github.com/sony/gobreaker"
)

const (
	DefaultRequestTimeout = 60 * time.Second

	breakerMaxRequests         = 3
	breakerInterval            = 5 * time.Second
	breakerTimeout             = 30 * time.Second
	breakerConsecutiveFailures = 3
)

// TransportFactory creates the transport for one provider config
type TransportFactory func(cfg clients.ProviderConfig, testMode bool, httpClient *http.Client) (clients.Transport, error)

// BuildTransport validates cfg and returns the transport for its provider name.
// Test mode, on the batch or on the config, always selects the simulated transport.
func BuildTransport(cfg clients.ProviderConfig, testMode bool, httpClient *http.Client) (clients.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if testMode || cfg.TestMode {
		return simulated.New(cfg.Key()), nil
	}

	switch cfg.Name {
	case clients.ProviderOpenAI:
		return openai.New(cfg, httpClient), nil
	case clients.ProviderAnthropic:
		return anthropic.New(cfg, httpClient), nil
	}

	return nil, &clients.ConfigurationError{Provider: cfg.Name, Reason: "Unsupported provider", Err: clients.ErrUnsupportedProvider}
}

// breakerTransport stops calling a provider after consecutive failures
type breakerTransport struct {
	clients.Transport
	cb *gobreaker.CircuitBreaker
}

var _ clients.Transport = (*breakerTransport)(nil)

func withCircuitBreaker(t clients.Transport, log logger.Logger) *breakerTransport {
	settings := gobreaker.Settings{
		Name:        t.Key(),
		MaxRequests: breakerMaxRequests,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("TurboBatch: circuit breaker for %s changed from %s to %s", name, from, to)
		},
	}

	return &breakerTransport{
		Transport: t,
		cb:        gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *breakerTransport) Execute(ctx context.Context, req clients.Request) (*clients.Response, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.Transport.Execute(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &clients.TransportError{Kind: clients.KindCircuitOpen, ProviderKey: b.Key(), Err: err}
	}
	if err != nil {
		return nil, err
	}
	resp, _ := res.(*clients.Response)
	return resp, nil
}

// State reports the breaker state
func (b *breakerTransport) State() gobreaker.State {
	return b.cb.State()
}
