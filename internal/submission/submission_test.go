package submission

import (
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/order-execution-engine/internal/clock"
	"github.com/ksred/order-execution-engine/internal/idempotency"
	"github.com/ksred/order-execution-engine/internal/orders"
	"github.com/ksred/order-execution-engine/internal/queue"
)

func newTestServiceDB(t *testing.T, c clock.Clock) (*Service, *gorm.DB) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(&orders.Order{}, &queue.Job{}, &idempotency.Record{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	// A single shared connection keeps concurrent Submit calls against
	// the same in-memory sqlite database from silently seeing separate
	// databases (":memory:" without cache=shared is per-connection).
	if sqlDB, err := gdb.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	orderDB := orders.NewDatabase(gdb)
	idem := idempotency.NewStore(gdb)
	q := queue.New(gdb, c, 3, 10, 100)
	return New(orderDB, idem, q, c, nil), gdb
}

func newTestService(t *testing.T, c clock.Clock) *Service {
	t.Helper()
	svc, _ := newTestServiceDB(t, c)
	return svc
}

func validRequest() orders.ExecuteRequest {
	return orders.ExecuteRequest{Type: "market", TokenIn: "BTC", TokenOut: "ETH", Amount: "1", Slippage: "0.01"}
}

func TestSubmitCreatesAndEnqueues(t *testing.T) {
	c := clock.NewFake(time.Now())
	svc := newTestService(t, c)

	orderID, err := svc.Submit(validRequest(), "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if orderID == "" {
		t.Fatalf("Submit() returned empty orderID")
	}

	o, err := svc.GetOrder(orderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if o.Status != string(orders.StatusPending) {
		t.Fatalf("Status = %q, want %q", o.Status, orders.StatusPending)
	}
}

func TestSubmitWithSameIdempotencyKeyReturnsSameOrder(t *testing.T) {
	c := clock.NewFake(time.Now())
	svc := newTestService(t, c)
	req := validRequest()

	id1, err := svc.Submit(req, "key-1")
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	id2, err := svc.Submit(req, "key-1")
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("Submit() with the same idempotency key created two orders: %s != %s", id1, id2)
	}
}

func TestSubmitConcurrentSameKeyYieldsExactlyOneOrderAndJob(t *testing.T) {
	c := clock.NewFake(time.Now())
	svc, gdb := newTestServiceDB(t, c)
	req := validRequest()

	const n = 5
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = svc.Submit(req, "concurrent-key")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Submit[%d]: %v", i, err)
		}
	}
	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("Submit() returned distinct order ids under a shared key: %v", ids)
		}
	}

	var orderCount int64
	if err := gdb.Model(&orders.Order{}).Count(&orderCount).Error; err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if orderCount != 1 {
		t.Fatalf("order row count = %d, want exactly 1", orderCount)
	}

	depth, err := svc.queue.Depth()
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth.Waiting != 1 {
		t.Fatalf("Depth().Waiting = %d, want exactly 1 enqueued job", depth.Waiting)
	}
}

func TestSubmitWithReusedKeyDifferentBodyConflicts(t *testing.T) {
	c := clock.NewFake(time.Now())
	svc := newTestService(t, c)

	if _, err := svc.Submit(validRequest(), "key-1"); err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	other := validRequest()
	other.Amount = "2"
	_, err := svc.Submit(other, "key-1")
	if !errors.Is(err, idempotency.ErrConflict) {
		t.Fatalf("Submit() err = %v, want ErrConflict", err)
	}
}

func TestSubmitRejectsWhenQueueIsBackpressured(t *testing.T) {
	c := clock.NewFake(time.Now())
	svc := newTestService(t, c)
	svc.backpressure = 0

	if _, err := svc.Submit(validRequest(), ""); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	_, err := svc.Submit(validRequest(), "")
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("Submit() err = %v, want ErrBackpressure", err)
	}
}

func TestReclaimStalePendingReenqueuesOldOrders(t *testing.T) {
	c := clock.NewFake(time.Now())
	svc := newTestService(t, c)

	old := c.Now().Add(-time.Hour)
	o := &orders.Order{ID: "stuck-order", Type: "market", TokenIn: "BTC", TokenOut: "ETH", AmountIn: "1", Slippage: "0.01"}
	if err := svc.orderDB.Create(o, old); err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := svc.ReclaimStalePending(c.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStalePending: %v", err)
	}
	if n != 1 {
		t.Fatalf("ReclaimStalePending() = %d, want 1", n)
	}

	depth, err := svc.queue.Depth()
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth.Waiting != 1 {
		t.Fatalf("Depth().Waiting = %d, want 1 after reclaim", depth.Waiting)
	}
}
