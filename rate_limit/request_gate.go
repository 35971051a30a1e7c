package rate_limit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RequestGate paces requests to a single provider at a requests-per-minute rate
type RequestGate struct {
	limiter *rate.Limiter
}

// NewRequestGate returns a gate for rpm requests per minute, or nil when rpm <= 0
func NewRequestGate(rpm int) *RequestGate {
	if rpm <= 0 {
		return nil
	}
	return &RequestGate{
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
	}
}

// Wait blocks until the next request may start. A nil gate never blocks.
func (g *RequestGate) Wait(ctx context.Context) error {
	if g == nil {
		return ctx.Err()
	}
	return g.limiter.Wait(ctx)
}
