// Package metrics exports batch request outcomes as Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"

	"github.com/FrenchMajesty/turbo-batch/clients"
	"github.com/FrenchMajesty/turbo-batch/turbo_batch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector implements turbo_batch.Recorder on its own registry
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec
	failuresTotal   *prometheus.CounterVec

	logger *zap.Logger
}

var _ turbo_batch.Recorder = (*Collector)(nil)

// NewCollector registers the batch metrics under namespace
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.requestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of batch requests by outcome",
		},
		[]string{"provider", "status"},
	)

	c.requestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Provider request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	c.tokensTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "type"}, // type: prompt, completion
	)

	c.bytesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total request and response payload bytes",
		},
		[]string{"provider", "direction"}, // direction: up, down
	)

	c.failuresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failed requests by transport error kind",
		},
		[]string{"provider", "kind"},
	)

	return c
}

// RecordSuccess records a completed request
func (c *Collector) RecordSuccess(m turbo_batch.RequestMetrics) {
	c.requestsTotal.WithLabelValues(m.ProviderKey, "success").Inc()
	c.requestDuration.WithLabelValues(m.ProviderKey).Observe(m.RequestTime.Seconds())
	c.tokensTotal.WithLabelValues(m.ProviderKey, "prompt").Add(float64(m.PromptTokens))
	c.tokensTotal.WithLabelValues(m.ProviderKey, "completion").Add(float64(m.CompletionTokens))
	c.bytesTotal.WithLabelValues(m.ProviderKey, "up").Add(float64(m.RequestBytes))
	c.bytesTotal.WithLabelValues(m.ProviderKey, "down").Add(float64(m.ResponseBytes))
}

// RecordFailure records a failed request
func (c *Collector) RecordFailure(f turbo_batch.FailedRequest) {
	kind := "unknown"
	var transportErr *clients.TransportError
	if errors.As(f.Err, &transportErr) {
		kind = string(transportErr.Kind)
	}

	c.requestsTotal.WithLabelValues(f.ProviderKey, "failure").Inc()
	c.failuresTotal.WithLabelValues(f.ProviderKey, kind).Inc()
	c.logger.Debug("request failed",
		zap.String("provider", f.ProviderKey),
		zap.Int("index", f.Index),
		zap.String("kind", kind),
		zap.Error(f.Err),
	)
}

// Registry returns the registry holding the batch metrics
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
