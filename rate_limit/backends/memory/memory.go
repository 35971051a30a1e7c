package memory

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/FrenchMajesty/turbo-batch/rate_limit"
)

// DefaultBurstWindow is how much refill the bucket may hold when no explicit burst is set
const DefaultBurstWindow = 5 * time.Second

// Options configure a token bucket
type Options struct {
	// TokensPerMinute is the refill rate
	TokensPerMinute int
	// Burst is the capacity of a bucket that starts full. When 0 the bucket starts empty
	// and holds at most DefaultBurstWindow of refill, so no batch gets a free minute up front.
	Burst int
	// Now and Sleep are injectable for tests
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Memory is an in-memory token bucket shared by all workers of a batch.
// Tokens refill continuously at TokensPerMinute/60 per second. The level may go negative
// when a request used more than it reserved; later reservations wait until the debt is repaid.
type Memory struct {
	capacity     float64
	refillPerSec float64
	tokens       float64
	lastRefill   time.Time
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	mu           sync.Mutex
}

var _ rate_limit.Budget = (*Memory)(nil)

// NewBackend creates a token bucket. A non-positive TokensPerMinute returns rate_limit.Unlimited.
func NewBackend(opts Options) rate_limit.Budget {
	if opts.TokensPerMinute <= 0 {
		return rate_limit.Unlimited
	}
	return newBucket(opts)
}

func newBucket(opts Options) *Memory {
	capacity := opts.TokensPerMinute * int(DefaultBurstWindow/time.Second) / 60
	if capacity < 1 {
		capacity = 1
	}
	initial := 0
	if opts.Burst > 0 {
		capacity = min(opts.Burst, opts.TokensPerMinute)
		initial = capacity
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	return &Memory{
		capacity:     float64(capacity),
		refillPerSec: float64(opts.TokensPerMinute) / 60,
		tokens:       float64(initial),
		lastRefill:   now(),
		now:          now,
		sleep:        sleep,
	}
}

// Reserve blocks until tokens are available, then debits them.
// Requests larger than the capacity are clamped to the capacity so they can always be served.
func (m *Memory) Reserve(ctx context.Context, tokens int) (rate_limit.Reservation, error) {
	if tokens < 0 {
		tokens = 0
	}
	if err := ctx.Err(); err != nil {
		return rate_limit.Reservation{}, err
	}
	want := math.Min(float64(tokens), m.capacity)
	start := m.now()
	slept := false

	for {
		m.mu.Lock()
		m.refill()
		if m.tokens >= want {
			m.tokens -= want
			m.mu.Unlock()

			res := rate_limit.Reservation{Tokens: int(want)}
			if slept {
				res.Waited = m.now().Sub(start)
			}
			return res, nil
		}
		wait := m.timeToRefill(want - m.tokens)
		m.mu.Unlock()

		// Other workers may take the refilled tokens first, so re-check after sleeping
		if err := m.sleep(ctx, wait); err != nil {
			return rate_limit.Reservation{}, err
		}
		slept = true
	}
}

// Reconcile settles a reservation against the actual token usage
func (m *Memory) Reconcile(res rate_limit.Reservation, actual int) {
	if actual < 0 {
		actual = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.refill()
	m.tokens += float64(res.Tokens - actual)
	if m.tokens > m.capacity {
		m.tokens = m.capacity
	}
}

// Available returns the whole tokens currently in the bucket, 0 while in debt
func (m *Memory) Available() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refill()
	if m.tokens < 0 {
		return 0
	}
	return int(m.tokens)
}

// Capacity returns the bucket size
func (m *Memory) Capacity() int {
	return int(m.capacity)
}

// refill adds the tokens accrued since the last refill
// Note: caller must hold the lock
func (m *Memory) refill() {
	now := m.now()
	elapsed := now.Sub(m.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	m.tokens = math.Min(m.tokens+elapsed*m.refillPerSec, m.capacity)
	m.lastRefill = now
}

// timeToRefill returns how long until deficit tokens have accrued
func (m *Memory) timeToRefill(deficit float64) time.Duration {
	wait := time.Duration(deficit / m.refillPerSec * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
