// Package submission implements the admission pipeline (spec §4.4):
// validate, rate limit (mounted separately as gin middleware), check
// backpressure, resolve idempotency, then persist and enqueue. Grounded
// on the teacher's trading.Service.CreateOrder idempotency-then-order
// flow, reordered to spec's row-first-enqueue-second sequencing and
// with the extra backpressure/idempotency-conflict steps the teacher
// never had to consider (its orders were client-request/response, not
// queued for asynchronous processing).
package submission

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/order-execution-engine/internal/clock"
	"github.com/ksred/order-execution-engine/internal/idempotency"
	"github.com/ksred/order-execution-engine/internal/metrics"
	"github.com/ksred/order-execution-engine/internal/orders"
	"github.com/ksred/order-execution-engine/internal/queue"
	"github.com/ksred/order-execution-engine/pkg/response"
)

// BackpressureThreshold is the waiting-queue depth above which new
// submissions are rejected with QUEUE_FULL (spec §4.4 step 3).
const BackpressureThreshold = 100

// BackpressureRetryAfterSeconds is the Retry-After hint sent on a
// QUEUE_FULL rejection (spec §6).
const BackpressureRetryAfterSeconds = 5

// StalePendingGrace is how long a row may sit at status pending with
// no backing job before the janitor assumes its enqueue crashed and
// re-enqueues it (spec §4.4 step 5). Set comfortably above normal
// request latency so in-flight submissions are never mistaken for
// stuck ones.
const StalePendingGrace = 30 * time.Second

// Service orchestrates the admission pipeline.
type Service struct {
	orderDB      *orders.Database
	idempotency  *idempotency.Store
	queue        *queue.Queue
	clock        clock.Clock
	metrics      *metrics.Metrics
	backpressure int
}

// New builds the submission service.
func New(orderDB *orders.Database, idem *idempotency.Store, q *queue.Queue, c clock.Clock, m *metrics.Metrics) *Service {
	return &Service{orderDB: orderDB, idempotency: idem, queue: q, clock: c, metrics: m, backpressure: BackpressureThreshold}
}

// Submit runs steps 3-5 of the admission pipeline (validation and rate
// limiting happen before this is called, in the HTTP layer, mirroring
// the teacher's CreateOrderHandler short-circuit-on-header-error
// pattern generalized one step earlier).
//
// Idempotency-key reservation and order-row creation happen inside a
// single transaction (Store.ReserveAndCreate), so two concurrent
// submissions sharing a key can never both create a row: the loser
// observes the winner's already-committed order id instead of racing
// past a plain read (spec §5, §8 property 1).
func (s *Service) Submit(req orders.ExecuteRequest, idempotencyKey string) (orderID string, err error) {
	now := s.clock.Now()

	depth, err := s.queue.Depth()
	if err != nil {
		return "", fmt.Errorf("submission: check depth: %w", err)
	}
	if depth.Waiting > int64(s.backpressure) {
		return "", ErrBackpressure
	}

	fingerprint := req.Fingerprint()
	candidateID := uuid.NewString()
	order := &orders.Order{
		ID:       candidateID,
		Type:     req.Type,
		TokenIn:  req.TokenIn,
		TokenOut: req.TokenOut,
		AmountIn: req.Amount,
		Slippage: req.Slippage,
	}

	winnerID, isWinner, err := s.idempotency.ReserveAndCreate(idempotencyKey, fingerprint, candidateID, now, func(tx *gorm.DB) error {
		return s.orderDB.CreateTx(tx, order, now)
	})
	if err != nil {
		if errors.Is(err, idempotency.ErrConflict) {
			return "", idempotency.ErrConflict
		}
		return "", fmt.Errorf("submission: reserve order: %w", err)
	}
	if !isWinner {
		return winnerID, nil
	}

	if _, err := s.queue.Enqueue(order.ID, order.ID, uuid.NewString()); err != nil {
		return "", fmt.Errorf("submission: enqueue: %w", err)
	}

	if s.metrics != nil {
		s.metrics.OrdersSubmitted.Inc()
	}
	return order.ID, nil
}

// ErrBackpressure signals admission pipeline step 3 (spec §4.4).
var ErrBackpressure = errors.New("submission: queue backpressure")

// GetOrder retrieves an order's current state for GET /orders/:id.
// The stream's backfill reads the repository directly.
func (s *Service) GetOrder(id string) (*orders.Order, error) {
	return s.orderDB.Get(id)
}

// ReclaimStalePending re-enqueues pending orders whose creation
// predates cutoff — the janitor for orders persisted but never
// successfully enqueued because the process crashed between the two
// writes (spec §4.4 step 5).
func (s *Service) ReclaimStalePending(cutoff time.Time) (int, error) {
	stale, err := s.orderDB.PendingOlderThan(cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range stale {
		if _, err := s.queue.Enqueue(o.ID, o.ID, uuid.NewString()); err != nil {
			log.Error().Err(err).Str("order_id", o.ID).Msg("janitor re-enqueue failed")
			continue
		}
		n++
	}
	return n, nil
}

// Handlers wraps Service for gin route registration (spec §6),
// grounded on the teacher's trading.GinHandlers shape.
type Handlers struct {
	svc *Service
}

// NewHandlers builds the HTTP handler set.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// ExecuteHandler implements POST /orders/execute (spec §4.4, §6).
// Validation (step 1) happens here; rate limiting (step 2) is applied
// upstream as gin middleware so its 429 short-circuits before binding.
func (h *Handlers) ExecuteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req orders.ExecuteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.InvalidBody(c, "malformed request body: "+err.Error())
			return
		}

		_, _, fieldErrs := req.Validate()
		if len(fieldErrs) > 0 {
			c.JSON(400, gin.H{"success": false, "error": gin.H{"code": "INVALID_BODY", "fields": fieldErrs}})
			return
		}

		idempotencyKey := c.GetHeader("Idempotency-Key")
		orderID, err := h.svc.Submit(req, idempotencyKey)
		switch {
		case err == nil:
			c.JSON(200, orders.ExecuteResponse{Success: true, OrderID: orderID})
		case errors.Is(err, ErrBackpressure):
			response.QueueFull(c, "system at capacity, retry later", BackpressureRetryAfterSeconds)
		case errors.Is(err, idempotency.ErrConflict):
			response.IdempotencyConflict(c, "idempotency key reused with a different request body")
		default:
			response.InternalError(c, err.Error())
		}
	}
}

// GetOrderHandler implements GET /orders/:id (spec §4.4 polling fallback, §6).
func (h *Handlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		o, err := h.svc.GetOrder(id)
		if err != nil {
			if errors.Is(err, orders.ErrNotFound) {
				response.NotFound(c, "order not found")
				return
			}
			response.InternalError(c, err.Error())
			return
		}
		c.JSON(200, gin.H{"success": true, "data": o.ToView()})
	}
}
