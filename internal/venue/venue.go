// Package venue models the execution providers the router shops
// against. Real connectivity is out of scope (spec Non-goals); each
// Venue here is a simulator with bounded latency and price variance,
// grounded on the teacher's internal/exchange mock exchange table.
package venue

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrTimeout is returned when a venue call is cancelled by its
// context deadline before completing.
var ErrTimeout = errors.New("venue: deadline exceeded")

// Quote is a venue's offered price and fee for a hypothetical trade.
type Quote struct {
	VenueID string
	Price   decimal.Decimal
	Fee     decimal.Decimal
}

// NetPrice returns price*(1-fee), the value the router ranks venues by.
func (q Quote) NetPrice() decimal.Decimal {
	return q.Price.Mul(decimal.NewFromInt(1).Sub(q.Fee))
}

// ExecutionResult is what a venue returns after actually filling.
type ExecutionResult struct {
	VenueID       string
	TxHash        string
	ExecutedPrice decimal.Decimal
}

// Venue is the interface consumed by the router (spec §6). Every
// implementation must respect the caller's context deadline: 5s for
// GetQuote, 10s for Execute, enforced by the router, not the venue,
// but a well-behaved venue still stops working once ctx is done.
type Venue interface {
	ID() string
	GetQuote(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (Quote, error)
	Execute(ctx context.Context, tokenIn, tokenOut string, amount, expectedPrice, slippage decimal.Decimal) (ExecutionResult, error)
}
