package venue

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/order-execution-engine/internal/clock"
)

// DefaultVenues builds the fixed set of simulated venues this system
// routes against, directly grounded on the teacher's mockExchanges
// table (four exchanges spanning latency/success-rate/fee tiers),
// generalized to decimal fields and a shared base price with each
// venue applying its own variance band.
func DefaultVenues(c clock.Clock, rng *clock.RNG) []Venue {
	configs := []MockConfig{
		{
			ID:            "EXCH1",
			BasePrice:     decimal.NewFromInt(100),
			Fee:           decimal.NewFromFloat(0.001),
			MinLatency:    5 * time.Millisecond,
			MaxLatency:    30 * time.Millisecond,
			SuccessRate:   0.95,
			PriceVariance: 0.01,
		},
		{
			ID:            "EXCH2",
			BasePrice:     decimal.NewFromInt(100),
			Fee:           decimal.NewFromFloat(0.0008),
			MinLatency:    10 * time.Millisecond,
			MaxLatency:    50 * time.Millisecond,
			SuccessRate:   0.90,
			PriceVariance: 0.015,
		},
		{
			ID:            "EXCH3",
			BasePrice:     decimal.NewFromInt(100),
			Fee:           decimal.NewFromFloat(0.0005),
			MinLatency:    15 * time.Millisecond,
			MaxLatency:    70 * time.Millisecond,
			SuccessRate:   0.85,
			PriceVariance: 0.02,
		},
		{
			ID:            "EXCH4",
			BasePrice:     decimal.NewFromInt(100),
			Fee:           decimal.NewFromFloat(0.0003),
			MinLatency:    20 * time.Millisecond,
			MaxLatency:    90 * time.Millisecond,
			SuccessRate:   0.80,
			PriceVariance: 0.03,
		},
	}

	venues := make([]Venue, 0, len(configs))
	for _, cfg := range configs {
		venues = append(venues, NewMock(cfg, c, rng))
	}
	return venues
}
