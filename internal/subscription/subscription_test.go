package subscription

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/order-execution-engine/internal/clock"
	"github.com/ksred/order-execution-engine/internal/eventbus"
	"github.com/ksred/order-execution-engine/internal/orders"
)

func newTestSubscriptionService(t *testing.T) (*Service, *orders.Database) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(&orders.Order{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	orderDB := orders.NewDatabase(gdb)
	bus := eventbus.New()
	return New(orderDB, bus, nil, 50*time.Millisecond, 200*time.Millisecond), orderDB
}

func TestAcquireEnforcesPerOrderIPCap(t *testing.T) {
	svc, _ := newTestSubscriptionService(t)

	for i := 0; i < MaxConnectionsPerOrderIP; i++ {
		if !svc.acquire("order-1", "1.2.3.4") {
			t.Fatalf("acquire() call %d denied before hitting the cap", i)
		}
	}
	if svc.acquire("order-1", "1.2.3.4") {
		t.Fatalf("acquire() allowed a connection beyond MaxConnectionsPerOrderIP")
	}

	// A different IP has its own budget.
	if !svc.acquire("order-1", "5.6.7.8") {
		t.Fatalf("acquire() denied a different client IP unnecessarily")
	}
}

func TestReleaseFreesASlot(t *testing.T) {
	svc, _ := newTestSubscriptionService(t)

	for i := 0; i < MaxConnectionsPerOrderIP; i++ {
		if !svc.acquire("order-1", "1.2.3.4") {
			t.Fatalf("acquire() call %d denied", i)
		}
	}
	svc.release("order-1", "1.2.3.4")
	if !svc.acquire("order-1", "1.2.3.4") {
		t.Fatalf("acquire() denied after release freed a slot")
	}
}

func TestStreamHandlerBackfillsThenClosesTerminalOrders(t *testing.T) {
	svc, orderDB := newTestSubscriptionService(t)
	c := clock.NewFake(time.Now())

	o := &orders.Order{ID: "order-1", Type: "market", TokenIn: "BTC", TokenOut: "ETH", AmountIn: "1", Slippage: "0.01"}
	if err := orderDB.Create(o, c.Now()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	reason := "slippage_exceeded"
	if err := orderDB.Transition(orders.TransitionParams{
		ID: o.ID, From: orders.StatusPending, To: orders.StatusFailed, Now: c.Now(), FailureReason: &reason,
	}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	engine := gin.New()
	engine.GET("/orders/stream", svc.StreamHandler())
	srv := httptest.NewServer(engine)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/orders/stream?orderId=order-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var backfill BackfillMessage
	if err := conn.ReadJSON(&backfill); err != nil {
		t.Fatalf("ReadJSON backfill: %v", err)
	}
	if backfill.Type != "backfill" {
		t.Fatalf("Type = %q, want %q", backfill.Type, "backfill")
	}
	if backfill.Status != string(orders.StatusFailed) {
		t.Fatalf("backfill.Status = %q, want %q", backfill.Status, orders.StatusFailed)
	}
	if len(backfill.Logs) < 2 {
		t.Fatalf("backfill.Logs has %d entries, want at least 2 (pending, failed): %+v", len(backfill.Logs), backfill.Logs)
	}
	if backfill.Order.FailureReason != reason {
		t.Fatalf("backfill.Order.FailureReason = %q, want %q", backfill.Order.FailureReason, reason)
	}
}

func TestStreamHandlerClosesWithMissingOrderIDCode(t *testing.T) {
	svc, _ := newTestSubscriptionService(t)
	engine := gin.New()
	engine.GET("/orders/stream", svc.StreamHandler())
	srv := httptest.NewServer(engine)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/orders/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != closeMissingOrderID {
		t.Fatalf("close code = %d, want %d", closeErr.Code, closeMissingOrderID)
	}
}

func TestStreamHandlerClosesWithNotFoundCode(t *testing.T) {
	svc, _ := newTestSubscriptionService(t)
	engine := gin.New()
	engine.GET("/orders/stream", svc.StreamHandler())
	srv := httptest.NewServer(engine)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/orders/stream?orderId=does-not-exist"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != closeNotFound {
		t.Fatalf("close code = %d, want %d", closeErr.Code, closeNotFound)
	}
}

func TestTailToleratesASingleMissedPong(t *testing.T) {
	svc, orderDB := newTestSubscriptionService(t)
	c := clock.NewFake(time.Now())
	o := &orders.Order{ID: "order-3", Type: "market", TokenIn: "BTC", TokenOut: "ETH", AmountIn: "1", Slippage: "0.01"}
	if err := orderDB.Create(o, c.Now()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	engine := gin.New()
	engine.GET("/orders/stream", svc.StreamHandler())
	srv := httptest.NewServer(engine)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/orders/stream?orderId=order-3"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Swallow only the first ping's pong; answer every ping after that.
	missedFirst := true
	conn.SetPingHandler(func(appData string) error {
		if missedFirst {
			missedFirst = false
			return nil
		}
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	var backfill BackfillMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&backfill); err != nil {
		t.Fatalf("ReadJSON backfill: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// pingInterval is 50ms here, so 300ms covers 6 cycles — several
	// times the two-consecutive-miss budget this is meant to stay
	// under, since only the very first pong was ever missed.
	select {
	case <-done:
		t.Fatalf("connection closed despite only a single non-consecutive missed pong")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestTailClosesAfterTwoConsecutiveMissedPongs(t *testing.T) {
	svc, orderDB := newTestSubscriptionService(t)
	c := clock.NewFake(time.Now())
	o := &orders.Order{ID: "order-4", Type: "market", TokenIn: "BTC", TokenOut: "ETH", AmountIn: "1", Slippage: "0.01"}
	if err := orderDB.Create(o, c.Now()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	engine := gin.New()
	engine.GET("/orders/stream", svc.StreamHandler())
	srv := httptest.NewServer(engine)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/orders/stream?orderId=order-4"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetPingHandler(func(string) error { return nil }) // never pong back

	var backfill BackfillMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&backfill); err != nil {
		t.Fatalf("ReadJSON backfill: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the connection to be dropped after two consecutive missed pongs")
	}
}

func TestStreamHandlerClosesWithTooManyConnectionsCode(t *testing.T) {
	svc, orderDB := newTestSubscriptionService(t)
	c := clock.NewFake(time.Now())
	o := &orders.Order{ID: "order-2", Type: "market", TokenIn: "BTC", TokenOut: "ETH", AmountIn: "1", Slippage: "0.01"}
	if err := orderDB.Create(o, c.Now()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	engine := gin.New()
	engine.GET("/orders/stream", svc.StreamHandler())
	srv := httptest.NewServer(engine)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/orders/stream?orderId=order-2"

	var conns []*websocket.Conn
	defer func() {
		for _, conn := range conns {
			conn.Close()
		}
	}()
	for i := 0; i < MaxConnectionsPerOrderIP; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("Dial %d: %v", i, err)
		}
		conns = append(conns, conn)
	}

	rejected, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial (over cap): %v", err)
	}
	defer rejected.Close()

	rejected.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = rejected.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != closeTooManyConns {
		t.Fatalf("close code = %d, want %d", closeErr.Code, closeTooManyConns)
	}
}
