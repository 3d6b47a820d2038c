// Package router fetches quotes from every configured venue in
// parallel, picks the best net-of-fee price, drives execution, and
// validates slippage. Grounded on the teacher's
// exchange.ExecuteOrderAcrossExchanges / GetBestExchange, generalized
// from weighted-random selection to spec's deterministic
// highest-net-price rule with lexicographic tie-break.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/order-execution-engine/internal/venue"
)

const (
	// QuoteDeadline bounds getQuotes (spec §4.1, §5).
	QuoteDeadline = 5 * time.Second
	// ExecuteDeadline bounds execute (spec §4.1, §5).
	ExecuteDeadline = 10 * time.Second
)

// ErrNoQuotes is returned when every venue failed or timed out.
var ErrNoQuotes = errors.New("quote_unavailable")

// ErrSlippage marks a non-retriable slippage violation.
var ErrSlippage = errors.New("slippage_exceeded")

// Router coordinates quote fan-out, selection, execution and slippage
// checks across a fixed set of venues. It never touches persistence
// or the event bus (spec §4.1).
type Router struct {
	venues []venue.Venue
}

// New builds a router over the given venues.
func New(venues ...venue.Venue) *Router {
	return &Router{venues: venues}
}

// GetQuotes invokes every venue concurrently under a hard 5s
// deadline. Venues that error or time out are omitted from the
// result; ErrNoQuotes is returned only when none responded.
func (r *Router) GetQuotes(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (map[string]venue.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, QuoteDeadline)
	defer cancel()

	logger := log.With().Str("component", "router").Str("token_in", tokenIn).Str("token_out", tokenOut).Logger()

	quotes := make(map[string]venue.Quote)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, v := range r.venues {
		wg.Add(1)
		go func(v venue.Venue) {
			defer wg.Done()
			q, err := v.GetQuote(ctx, tokenIn, tokenOut, amount)
			if err != nil {
				logger.Warn().Str("venue_id", v.ID()).Err(err).Msg("quote unavailable")
				return
			}
			mu.Lock()
			quotes[v.ID()] = q
			mu.Unlock()
		}(v)
	}
	wg.Wait()

	if len(quotes) == 0 {
		return nil, ErrNoQuotes
	}
	return quotes, nil
}

// SelectBest returns the venue id with the highest net-of-fee price,
// tie-broken by lexicographic venue id. Requires at least one quote.
func (r *Router) SelectBest(quotes map[string]venue.Quote) (venueID string, rationale string, err error) {
	if len(quotes) == 0 {
		return "", "", ErrNoQuotes
	}

	ids := make([]string, 0, len(quotes))
	for id := range quotes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	bestID := ids[0]
	bestNet := quotes[bestID].NetPrice()
	for _, id := range ids[1:] {
		net := quotes[id].NetPrice()
		if net.GreaterThan(bestNet) {
			bestID, bestNet = id, net
		}
	}

	rationale = fmt.Sprintf("selected %s at net price %s among %d quotes", bestID, bestNet.String(), len(quotes))
	return bestID, rationale, nil
}

// Execute invokes the chosen venue under a hard 10s deadline.
func (r *Router) Execute(ctx context.Context, venueID string, tokenIn, tokenOut string, amount, expectedPrice, slippage decimal.Decimal) (venue.ExecutionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, ExecuteDeadline)
	defer cancel()

	v, ok := r.byID(venueID)
	if !ok {
		return venue.ExecutionResult{}, fmt.Errorf("router: unknown venue %s", venueID)
	}
	return v.Execute(ctx, tokenIn, tokenOut, amount, expectedPrice, slippage)
}

// CheckSlippage passes iff |expected-actual|/expected <= maxSlippage,
// computed entirely in decimal arithmetic (spec §4.1).
func CheckSlippage(expected, actual, maxSlippage decimal.Decimal) bool {
	if expected.IsZero() {
		return actual.IsZero()
	}
	diff := expected.Sub(actual).Abs()
	ratio := diff.Div(expected)
	return ratio.LessThanOrEqual(maxSlippage)
}

func (r *Router) byID(id string) (venue.Venue, bool) {
	for _, v := range r.venues {
		if v.ID() == id {
			return v, true
		}
	}
	return nil, false
}
