// Package worker drives the order lifecycle DAG
// (pending->routing->building->submitted->confirmed|failed) off the
// durable queue. Grounded on yanun0323-go-hft/internal/og/state_machine.go's
// terminal-state guard and duplicate-transition rejection, and
// og/gateway.go's resume-on-reconnect idempotency, retargeted from a
// FIX order gateway onto this system's order DAG: a worker that picks
// up a job always re-reads the order's current status first and skips
// straight to whatever stage comes next, so redelivery of an
// already-applied job is a safe no-op rather than a duplicate side
// effect.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/order-execution-engine/internal/clock"
	"github.com/ksred/order-execution-engine/internal/eventbus"
	"github.com/ksred/order-execution-engine/internal/metrics"
	"github.com/ksred/order-execution-engine/internal/orders"
	"github.com/ksred/order-execution-engine/internal/queue"
	"github.com/ksred/order-execution-engine/internal/router"
)

// JobDeadline bounds one job's total processing wall-clock time
// (spec §4.3 invariant: a stuck venue can't hold a worker forever).
const JobDeadline = 30 * time.Second

// Pool runs N goroutines leasing jobs from the queue and driving them
// through the order state machine.
type Pool struct {
	queue    *queue.Queue
	orderDB  *orders.Database
	router   *router.Router
	bus      *eventbus.Bus
	clock    clock.Clock
	metrics  *metrics.Metrics
	workerID func(n int) string
}

// New builds a worker pool. m may be nil in tests that don't care about
// observability.
func New(q *queue.Queue, db *orders.Database, r *router.Router, bus *eventbus.Bus, c clock.Clock, m *metrics.Metrics) *Pool {
	return &Pool{
		queue:   q,
		orderDB: db,
		router:  r,
		bus:     bus,
		clock:   c,
		metrics: m,
		workerID: func(n int) string { return fmt.Sprintf("worker-%d", n) },
	}
}

func (p *Pool) recordOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.JobsProcessedTotal.WithLabelValues(outcome).Inc()
	}
}

// Run starts n worker goroutines and blocks until ctx is cancelled
// and every worker's current process call has returned. Each job's
// context derives from ctx, so cancelling it also cancels any venue
// call still in flight; that attempt fails and the job is nacked for
// the queue to retry.
func (p *Pool) Run(ctx context.Context, n int) {
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(id string) {
			p.loop(ctx, id)
			done <- struct{}{}
		}(p.workerID(i))
	}
	for i := 0; i < n; i++ {
		<-done
	}
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	logger := log.With().Str("component", "worker").Str("worker_id", workerID).Logger()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.queue.Doorbell():
		case <-ticker.C:
		}

		for {
			job, err := p.queue.Lease(ctx, workerID)
			if err != nil {
				logger.Error().Err(err).Msg("lease failed")
				break
			}
			if job == nil {
				break
			}
			p.process(ctx, workerID, job)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID string, job *queue.Job) {
	logger := log.With().Str("component", "worker").Str("worker_id", workerID).Str("order_id", job.OrderID).Logger()

	jobCtx, cancel := context.WithTimeout(ctx, JobDeadline)
	defer cancel()

	if err := p.advance(jobCtx, job.OrderID); err != nil {
		if errors.Is(err, orders.ErrStaleTransition) {
			// Another delivery of this job already advanced the order;
			// treat as success, spec §4.3/§9 resume semantics.
			if ackErr := p.queue.Ack(job.ID); ackErr != nil {
				logger.Error().Err(ackErr).Msg("ack after stale transition failed")
			}
			p.recordOutcome("stale")
			return
		}

		// Everything advance() returns an error for here is retriable
		// (venue timeout/transport/unknown failure, spec §4.3 rules 5-6,
		// §7) — validation errors and slippage violations are handled
		// inside advance() itself via p.fail and never reach this path.
		logger.Warn().Err(err).Msg("advance failed, nacking")
		_ = p.orderDB.AppendRetryLog(job.OrderID, p.clock.Now(), map[string]string{"error": err.Error()})
		terminal, nackErr := p.queue.Nack(job.ID, err)
		if nackErr != nil {
			logger.Error().Err(nackErr).Msg("nack failed")
			return
		}
		if terminal {
			// Retries exhausted: the job is dead-lettered, so the order
			// itself must now be failed rather than left stranded at
			// whatever non-terminal status it last reached.
			if failErr := p.failExhausted(job.OrderID, err); failErr != nil {
				logger.Error().Err(failErr).Msg("failing order after retry exhaustion failed")
			}
			p.recordOutcome("exhausted")
			return
		}
		p.recordOutcome("retried")
		return
	}

	if err := p.queue.Ack(job.ID); err != nil {
		logger.Error().Err(err).Msg("ack failed")
	}
	p.recordOutcome("succeeded")
}

// failExhausted fails an order whose backing job just dead-lettered
// after exhausting retries (spec §4.3 rule 6: "a job that exhausts
// retries dead-letters; the order it drives is failed"). It re-reads
// the order's current status since that may have moved on from
// whatever stage the last failed attempt started at.
func (p *Pool) failExhausted(orderID string, cause error) error {
	o, err := p.orderDB.Get(orderID)
	if err != nil {
		return err
	}
	if orders.IsTerminal(orders.Status(o.Status)) {
		return nil
	}
	return p.fail(o, orders.Status(o.Status), fmt.Sprintf("retries exhausted: %v", cause))
}

// advance reads the order's current status and drives it forward by
// exactly one full pipeline pass — routing, building, submission —
// publishing a bus event after each persisted transition. Re-entry on
// a status already past a stage is a no-op for that stage (spec §4.3
// resume rule).
func (p *Pool) advance(ctx context.Context, orderID string) error {
	o, err := p.orderDB.Get(orderID)
	if err != nil {
		return err
	}

	switch orders.Status(o.Status) {
	case orders.StatusPending:
		if err := p.toRouting(o); err != nil {
			return err
		}
		o, err = p.orderDB.Get(orderID)
		if err != nil {
			return err
		}
		fallthrough
	case orders.StatusRouting:
		if orders.Status(o.Status) == orders.StatusRouting {
			if err := p.route(ctx, o); err != nil {
				return err
			}
			o, err = p.orderDB.Get(orderID)
			if err != nil {
				return err
			}
		}
		fallthrough
	case orders.StatusBuilding:
		if orders.Status(o.Status) == orders.StatusBuilding {
			if err := p.submit(ctx, o); err != nil {
				return err
			}
			o, err = p.orderDB.Get(orderID)
			if err != nil {
				return err
			}
		}
		fallthrough
	case orders.StatusSubmitted:
		if orders.Status(o.Status) == orders.StatusSubmitted {
			return p.confirm(o)
		}
	}

	return nil
}

func (p *Pool) toRouting(o *orders.Order) error {
	return p.transition(o, orders.StatusPending, orders.StatusRouting, nil)
}

func (p *Pool) route(ctx context.Context, o *orders.Order) error {
	amount, err := decimal.NewFromString(o.AmountIn)
	if err != nil {
		return p.fail(o, orders.StatusRouting, fmt.Sprintf("invalid amount: %v", err))
	}

	// Every venue timing out or erroring is retriable (spec §4.3 rules
	// 5-6, §7): propagate so process() nacks the job for backoff
	// instead of failing the order on the first bad attempt.
	quotes, err := p.router.GetQuotes(ctx, o.TokenIn, o.TokenOut, amount)
	if err != nil {
		return err
	}
	bestID, _, err := p.router.SelectBest(quotes)
	if err != nil {
		return err
	}

	netPrices := make(map[string]string, len(quotes))
	for id, q := range quotes {
		netPrices[id] = q.NetPrice().String()
	}
	dexUsed := bestID
	fields := map[string]string{"selected_venue": bestID}
	if err := p.orderDB.Transition(orders.TransitionParams{
		ID:        o.ID,
		From:      orders.StatusRouting,
		To:        orders.StatusBuilding,
		Now:       p.clock.Now(),
		DexUsed:   &dexUsed,
		Quotes:    netPrices,
		LogFields: fields,
	}); err != nil {
		return err
	}
	p.publish(o.ID, string(orders.StatusBuilding), fields)
	return nil
}

// submit calls the chosen venue and, only once it returns a fill, moves
// the order Building->Submitted carrying that fill's txHash (spec §3
// invariant: txHash is set iff status is submitted or confirmed). A
// crash between Execute returning and this transition landing just
// costs a re-execution on redelivery, which is safe: nothing has been
// persisted yet for this attempt.
func (p *Pool) submit(ctx context.Context, o *orders.Order) error {
	amount, err := decimal.NewFromString(o.AmountIn)
	if err != nil {
		return p.fail(o, orders.StatusBuilding, fmt.Sprintf("invalid amount: %v", err))
	}
	slippage, err := decimal.NewFromString(o.Slippage)
	if err != nil {
		return p.fail(o, orders.StatusBuilding, fmt.Sprintf("invalid slippage: %v", err))
	}
	quotes := o.Quotes()
	expected, parseErr := decimal.NewFromString(quotes[o.DexUsed])
	if parseErr != nil {
		expected = decimal.Zero
	}

	// Retriable, same as route()'s venue errors: propagate rather than
	// fail outright.
	result, err := p.router.Execute(ctx, o.DexUsed, o.TokenIn, o.TokenOut, amount, expected, slippage)
	if err != nil {
		return err
	}

	txHash := result.TxHash
	executedPrice := result.ExecutedPrice.String()
	if err := p.orderDB.Transition(orders.TransitionParams{
		ID:            o.ID,
		From:          orders.StatusBuilding,
		To:            orders.StatusSubmitted,
		Now:           p.clock.Now(),
		TxHash:        &txHash,
		ExecutedPrice: &executedPrice,
	}); err != nil {
		return err
	}
	p.publish(o.ID, string(orders.StatusSubmitted), map[string]string{"tx_hash": txHash})
	return nil
}

// confirm judges the fill already persisted by submit against the
// order's slippage bound and, if it passes, closes the order out. It
// never calls the venue again, so redelivery of a job whose order is
// already submitted resumes here instead of silently no-opping (spec
// §4.3 rule 3, §9 resume semantics).
func (p *Pool) confirm(o *orders.Order) error {
	amount, err := decimal.NewFromString(o.AmountIn)
	if err != nil {
		return p.fail(o, orders.StatusSubmitted, fmt.Sprintf("invalid amount: %v", err))
	}
	slippage, err := decimal.NewFromString(o.Slippage)
	if err != nil {
		return p.fail(o, orders.StatusSubmitted, fmt.Sprintf("invalid slippage: %v", err))
	}
	executedPrice, err := decimal.NewFromString(o.ExecutedPrice)
	if err != nil {
		return p.fail(o, orders.StatusSubmitted, fmt.Sprintf("invalid executed price: %v", err))
	}
	quotes := o.Quotes()
	expected, parseErr := decimal.NewFromString(quotes[o.DexUsed])
	if parseErr != nil {
		expected = decimal.Zero
	}

	if !router.CheckSlippage(expected, executedPrice, slippage) {
		return p.fail(o, orders.StatusSubmitted, router.ErrSlippage.Error())
	}

	amountOut := executedPrice.Mul(amount).String()
	if err := p.orderDB.Transition(orders.TransitionParams{
		ID:        o.ID,
		From:      orders.StatusSubmitted,
		To:        orders.StatusConfirmed,
		Now:       p.clock.Now(),
		AmountOut: &amountOut,
	}); err != nil {
		return err
	}
	p.publish(o.ID, string(orders.StatusConfirmed), nil)
	return nil
}

func (p *Pool) transition(o *orders.Order, from, to orders.Status, fields map[string]string) error {
	err := p.orderDB.Transition(orders.TransitionParams{
		ID: o.ID, From: from, To: to, Now: p.clock.Now(), LogFields: fields,
	})
	if err != nil {
		return err
	}
	p.publish(o.ID, string(to), fields)
	return nil
}

func (p *Pool) fail(o *orders.Order, from orders.Status, reason string) error {
	err := p.orderDB.Transition(orders.TransitionParams{
		ID: o.ID, From: from, To: orders.StatusFailed, Now: p.clock.Now(), FailureReason: &reason,
	})
	if err != nil {
		return err
	}
	p.publish(o.ID, string(orders.StatusFailed), map[string]string{"reason": reason})
	// A failure is a terminal, successfully-applied transition: the
	// queue job should not be retried, only the underlying attempt failed.
	return nil
}

func (p *Pool) publish(orderID, status string, fields map[string]string) {
	p.bus.Publish(eventbus.Event{
		OrderID:   orderID,
		Status:    status,
		Timestamp: p.clock.Now().Format(time.RFC3339Nano),
		Fields:    fields,
	})
}
