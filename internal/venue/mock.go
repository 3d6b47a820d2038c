package venue

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/order-execution-engine/internal/clock"
)

// MockConfig configures a simulated venue, grounded on the teacher's
// mockExchanges table (internal/exchange/exchange.go): per-venue
// latency bounds, a success rate, a flat fee, and a price variance
// band applied on execution.
type MockConfig struct {
	ID              string
	BasePrice       decimal.Decimal
	Fee             decimal.Decimal
	MinLatency      time.Duration
	MaxLatency      time.Duration
	SuccessRate     float64 // 0-1, probability GetQuote/Execute succeeds
	PriceVariance   float64 // e.g. 0.02 for +-2%
	AlwaysFail      bool    // test hook: force every call to error
	FailUntilAttempt int    // test hook: fail the first N Execute calls
}

// Mock is a simulated venue used in place of real blockchain/exchange
// connectivity (spec §1 Non-goals).
type Mock struct {
	cfg      MockConfig
	clock    clock.Clock
	rng      *clock.RNG
	attempts int
}

// NewMock builds a simulated venue.
func NewMock(cfg MockConfig, c clock.Clock, rng *clock.RNG) *Mock {
	return &Mock{cfg: cfg, clock: c, rng: rng}
}

// ID returns the venue's identifier.
func (m *Mock) ID() string { return m.cfg.ID }

func (m *Mock) latency() time.Duration {
	span := m.cfg.MaxLatency - m.cfg.MinLatency
	if span <= 0 {
		return m.cfg.MinLatency
	}
	jitter := time.Duration(m.rng.Float64() * float64(span))
	return m.cfg.MinLatency + jitter
}

func (m *Mock) wait(ctx context.Context) error {
	timer := time.NewTimer(m.latency())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ErrTimeout
	case <-timer.C:
		return nil
	}
}

// GetQuote returns a simulated price/fee pair, or an error if the
// venue is configured to fail or the context deadline fires first.
func (m *Mock) GetQuote(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (Quote, error) {
	if err := m.wait(ctx); err != nil {
		return Quote{}, err
	}
	if m.cfg.AlwaysFail {
		return Quote{}, fmt.Errorf("venue %s: quote unavailable", m.cfg.ID)
	}
	if m.rng.Float64() > m.cfg.SuccessRate {
		return Quote{}, fmt.Errorf("venue %s: transient quote error", m.cfg.ID)
	}
	variance := 1 + (m.rng.Float64()*2*m.cfg.PriceVariance - m.cfg.PriceVariance)
	price := m.cfg.BasePrice.Mul(decimal.NewFromFloat(variance))
	return Quote{VenueID: m.cfg.ID, Price: price, Fee: m.cfg.Fee}, nil
}

// Execute simulates a fill at expectedPrice, subject to price
// variance, and returns a synthetic tx hash.
func (m *Mock) Execute(ctx context.Context, tokenIn, tokenOut string, amount, expectedPrice, slippage decimal.Decimal) (ExecutionResult, error) {
	m.attempts++
	if err := m.wait(ctx); err != nil {
		return ExecutionResult{}, err
	}
	if m.cfg.AlwaysFail || m.attempts <= m.cfg.FailUntilAttempt {
		return ExecutionResult{}, fmt.Errorf("venue %s: execution failed", m.cfg.ID)
	}
	if m.rng.Float64() > m.cfg.SuccessRate {
		return ExecutionResult{}, fmt.Errorf("venue %s: transient execution error", m.cfg.ID)
	}
	variance := 1 + (m.rng.Float64()*2*m.cfg.PriceVariance - m.cfg.PriceVariance)
	executed := expectedPrice.Mul(decimal.NewFromFloat(variance))
	txHash := fmt.Sprintf("0x%s%d", m.cfg.ID, m.clock.Now().UnixNano())
	return ExecutionResult{VenueID: m.cfg.ID, TxHash: txHash, ExecutedPrice: executed}, nil
}
