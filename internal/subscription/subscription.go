// Package subscription implements the long-lived order status push
// channel (spec §4.5). Grounded on gorilla/websocket, present in the
// pack only as a client Dialer
// (navid-fn-radar/internal/scraper/websocket.go,
// chycee-CryptoGo/internal/infra/websocket_worker.go) — applied here
// in its canonical server-side Upgrader form, since a status stream is
// inherently server-push. The ping/pong heartbeat and write-mutex
// discipline mirror BaseWebSocketWorker's client-side handling,
// mirrored onto the server role.
package subscription

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ksred/order-execution-engine/internal/eventbus"
	"github.com/ksred/order-execution-engine/internal/metrics"
	"github.com/ksred/order-execution-engine/internal/orders"
)

// MaxConnectionsPerOrderIP caps concurrent stream connections for a
// single (orderId, clientIP) pair (spec §4.5 invariant).
const MaxConnectionsPerOrderIP = 3

// StatusMessage is the wire shape pushed for every live-tail event
// (spec §4.5, §6).
type StatusMessage struct {
	Type      string            `json:"type"`
	OrderID   string            `json:"orderId"`
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// OrderAttributes is the key order state carried on the one-time
// backfill message (spec §4.5 step 1, §6).
type OrderAttributes struct {
	TokenIn       string `json:"tokenIn"`
	TokenOut      string `json:"tokenOut"`
	AmountIn      string `json:"amountIn"`
	AmountOut     string `json:"amountOut,omitempty"`
	DexUsed       string `json:"dexUsed,omitempty"`
	TxHash        string `json:"txHash,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
}

// BackfillMessage is sent exactly once, before the live tail begins,
// carrying everything a client needs to catch up on connect (spec
// §4.5 step 1, §6).
type BackfillMessage struct {
	Type    string            `json:"type"`
	OrderID string            `json:"orderId"`
	Status  string            `json:"status"`
	Logs    []orders.LogEntry `json:"logs"`
	Order   OrderAttributes   `json:"order"`
}

// Close codes for GET /orders/stream (spec §6).
const (
	closeMissingOrderID = 4000
	closeNotFound       = 4004
	closeTooManyConns   = 4029
	closeServerError    = 1011
)

// Service upgrades HTTP connections to the streaming protocol.
type Service struct {
	orderDB      *orders.Database
	bus          *eventbus.Bus
	metrics      *metrics.Metrics
	pingInterval time.Duration
	pongTimeout  time.Duration
	upgrader     websocket.Upgrader

	mu    sync.Mutex
	conns map[string]int // "orderId:ip" -> active connection count
}

// New builds the subscription service.
func New(orderDB *orders.Database, bus *eventbus.Bus, m *metrics.Metrics, pingInterval, pongTimeout time.Duration) *Service {
	return &Service{
		orderDB:      orderDB,
		bus:          bus,
		metrics:      m,
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]int),
	}
}

func connKey(orderID, ip string) string { return orderID + ":" + ip }

func (s *Service) acquire(orderID, ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := connKey(orderID, ip)
	if s.conns[key] >= MaxConnectionsPerOrderIP {
		return false
	}
	s.conns[key]++
	return true
}

func (s *Service) release(orderID, ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := connKey(orderID, ip)
	s.conns[key]--
	if s.conns[key] <= 0 {
		delete(s.conns, key)
	}
}

// closeWithCode writes a close frame carrying code and closes the
// connection, following the codes spec §6 assigns to each stream
// rejection reason.
func closeWithCode(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(2*time.Second))
}

// StreamHandler implements GET /orders/stream?orderId=... (spec §4.5,
// §6). Every rejection reason spec §6 lists carries its own close
// code, so the connection is always upgraded first — a close code is
// meaningless on a plain HTTP error response.
func (s *Service) StreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Query("orderId")
		clientIP := c.ClientIP()

		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("order_id", orderID).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		if orderID == "" {
			closeWithCode(conn, closeMissingOrderID, "missing_orderId")
			return
		}

		if !s.acquire(orderID, clientIP) {
			closeWithCode(conn, closeTooManyConns, "too_many_connections")
			return
		}
		defer s.release(orderID, clientIP)

		if s.metrics != nil {
			s.metrics.ActiveSubscriptions.Inc()
			defer s.metrics.ActiveSubscriptions.Dec()
		}

		s.serve(c, conn, orderID)
	}
}

// serve implements backfill-then-replay-buffered-then-tail (spec §4.5
// step 2): subscribe to the bus BEFORE reading the backfill snapshot
// so no event lands in the gap, buffer anything that arrives during
// the backfill read, replay it, then hand control to the live tail
// loop.
func (s *Service) serve(c *gin.Context, conn *websocket.Conn, orderID string) {
	var writeMu sync.Mutex
	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	events, unsubscribe := s.bus.Subscribe(orderID)
	defer unsubscribe()

	o, err := s.orderDB.Get(orderID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			closeWithCode(conn, closeNotFound, "not_found")
			return
		}
		log.Error().Err(err).Str("order_id", orderID).Msg("stream: order lookup failed")
		closeWithCode(conn, closeServerError, "server_error")
		return
	}

	var buffered []eventbus.Event
drain:
	for {
		select {
		case e := <-events:
			buffered = append(buffered, e)
		default:
			break drain
		}
	}

	if err := writeJSON(BackfillMessage{
		Type:    "backfill",
		OrderID: orderID,
		Status:  o.Status,
		Logs:    o.Logs(),
		Order: OrderAttributes{
			TokenIn:       o.TokenIn,
			TokenOut:      o.TokenOut,
			AmountIn:      o.AmountIn,
			AmountOut:     o.AmountOut,
			DexUsed:       o.DexUsed,
			TxHash:        o.TxHash,
			FailureReason: o.FailureReason,
		},
	}); err != nil {
		return
	}
	for _, e := range buffered {
		if err := writeJSON(StatusMessage{Type: "status_update", OrderID: e.OrderID, Status: e.Status, Timestamp: e.Timestamp, Fields: e.Fields}); err != nil {
			return
		}
	}

	if orders.IsTerminal(orders.Status(o.Status)) {
		// A brief linger lets the client receive the final backfilled
		// state before the server closes; there is nothing further to
		// tail once the order is terminal (spec §4.5 step 4).
		time.Sleep(200 * time.Millisecond)
		return
	}

	s.tail(c, conn, orderID, events, writeJSON)
}

// tail pings the client every pingInterval and tolerates two
// consecutive ping cycles without an answering pong before giving up
// (spec §4.5 step 4) — a client that misses one pong and recovers on
// the next is kept, not dropped. The read deadline extended by
// SetPongHandler is a backstop well beyond that two-cycle budget, so
// the explicit missedPongs counter is what actually decides when to
// disconnect.
func (s *Service) tail(c *gin.Context, conn *websocket.Conn, orderID string, events <-chan eventbus.Event, writeJSON func(interface{}) error) {
	pongCh := make(chan struct{}, 1)
	readDeadline := 2*s.pingInterval + s.pongTimeout
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		select {
		case pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	// Drain client reads (close frames, unexpected client traffic) in
	// the background so the connection's read side stays serviced.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
		return
	}

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	missedPongs := 0
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-closed:
			return
		case <-ticker.C:
			select {
			case <-pongCh:
				missedPongs = 0
			default:
				missedPongs++
				if missedPongs >= 2 {
					return
				}
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeJSON(StatusMessage{Type: "status_update", OrderID: e.OrderID, Status: e.Status, Timestamp: e.Timestamp, Fields: e.Fields}); err != nil {
				return
			}
			if orders.Status(e.Status) == orders.StatusConfirmed || orders.Status(e.Status) == orders.StatusFailed {
				return
			}
		}
	}
}
