package rate_limit

import (
	"context"
	"time"
)

// Reservation is the amount debited by Reserve, to be settled with Reconcile
type Reservation struct {
	Tokens int
	// Waited is how long Reserve blocked before the debit
	Waited time.Duration
}

// Budget is a shared token budget using a two-phase protocol: an estimate is reserved
// before dispatch and reconciled against the actual usage once it is known.
// Implementations must be safe for concurrent use.
type Budget interface {
	// Reserve blocks until the estimated tokens can be debited or ctx is done.
	// Nothing is debited when an error is returned.
	Reserve(ctx context.Context, tokens int) (Reservation, error)

	// Reconcile credits back an over-reservation or debits a shortfall.
	// Reconciling with 0 returns the whole reservation.
	Reconcile(res Reservation, actual int)

	// Available returns the tokens that could be reserved right now
	Available() int
}

// Unlimited is a Budget that never blocks
var Unlimited Budget = unlimitedBudget{}

type unlimitedBudget struct{}

func (unlimitedBudget) Reserve(ctx context.Context, tokens int) (Reservation, error) {
	if err := ctx.Err(); err != nil {
		return Reservation{}, err
	}
	return Reservation{Tokens: tokens}, nil
}

func (unlimitedBudget) Reconcile(Reservation, int) {}

func (unlimitedBudget) Available() int {
	return int(^uint(0) >> 1)
}
