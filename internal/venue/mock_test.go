package venue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/order-execution-engine/internal/clock"
)

func TestMockGetQuoteWithinVarianceBand(t *testing.T) {
	cfg := MockConfig{
		ID: "EXCH1", BasePrice: decimal.NewFromInt(100),
		Fee:           decimal.NewFromFloat(0.001),
		MinLatency:    time.Millisecond, MaxLatency: 2 * time.Millisecond,
		SuccessRate:   1,
		PriceVariance: 0.02,
	}
	m := NewMock(cfg, clock.NewFake(time.Now()), clock.NewRNG(42))

	for i := 0; i < 20; i++ {
		q, err := m.GetQuote(context.Background(), "BTC", "ETH", decimal.NewFromInt(1))
		if err != nil {
			t.Fatalf("GetQuote: %v", err)
		}
		lower := decimal.NewFromFloat(98)
		upper := decimal.NewFromFloat(102)
		if q.Price.LessThan(lower) || q.Price.GreaterThan(upper) {
			t.Fatalf("GetQuote() price %s outside +-2%% variance band [%s, %s]", q.Price, lower, upper)
		}
		if q.Fee.Cmp(cfg.Fee) != 0 {
			t.Fatalf("GetQuote() fee = %s, want %s", q.Fee, cfg.Fee)
		}
	}
}

func TestMockAlwaysFail(t *testing.T) {
	cfg := MockConfig{
		ID: "EXCH1", BasePrice: decimal.NewFromInt(100),
		MinLatency: time.Millisecond, MaxLatency: 2 * time.Millisecond,
		AlwaysFail: true,
	}
	m := NewMock(cfg, clock.NewFake(time.Now()), clock.NewRNG(1))

	if _, err := m.GetQuote(context.Background(), "BTC", "ETH", decimal.NewFromInt(1)); err == nil {
		t.Fatalf("GetQuote() succeeded on an AlwaysFail venue")
	}
	if _, err := m.Execute(context.Background(), "BTC", "ETH", decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromFloat(0.01)); err == nil {
		t.Fatalf("Execute() succeeded on an AlwaysFail venue")
	}
}

func TestMockFailUntilAttempt(t *testing.T) {
	cfg := MockConfig{
		ID: "EXCH1", BasePrice: decimal.NewFromInt(100),
		MinLatency: time.Millisecond, MaxLatency: 2 * time.Millisecond,
		SuccessRate: 1, FailUntilAttempt: 2,
	}
	m := NewMock(cfg, clock.NewFake(time.Now()), clock.NewRNG(1))

	for i := 1; i <= 2; i++ {
		if _, err := m.Execute(context.Background(), "BTC", "ETH", decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromFloat(0.01)); err == nil {
			t.Fatalf("Execute() attempt %d succeeded, want failure while attempts <= FailUntilAttempt", i)
		}
	}
	if _, err := m.Execute(context.Background(), "BTC", "ETH", decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromFloat(0.01)); err != nil {
		t.Fatalf("Execute() attempt 3 = %v, want success once past FailUntilAttempt", err)
	}
}

func TestMockRespectsContextDeadline(t *testing.T) {
	cfg := MockConfig{
		ID: "EXCH1", BasePrice: decimal.NewFromInt(100),
		MinLatency: 50 * time.Millisecond, MaxLatency: 100 * time.Millisecond,
		SuccessRate: 1,
	}
	m := NewMock(cfg, clock.NewFake(time.Now()), clock.NewRNG(1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := m.GetQuote(ctx, "BTC", "ETH", decimal.NewFromInt(1))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("GetQuote() err = %v, want ErrTimeout when latency exceeds the context deadline", err)
	}
}

func TestQuoteNetPrice(t *testing.T) {
	q := Quote{Price: decimal.NewFromInt(100), Fee: decimal.NewFromFloat(0.01)}
	want := decimal.NewFromInt(99)
	if got := q.NetPrice(); !got.Equal(want) {
		t.Fatalf("NetPrice() = %s, want %s", got, want)
	}
}
