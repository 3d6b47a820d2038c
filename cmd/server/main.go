package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ksred/order-execution-engine/internal/clock"
	"github.com/ksred/order-execution-engine/internal/config"
	"github.com/ksred/order-execution-engine/internal/eventbus"
	"github.com/ksred/order-execution-engine/internal/idempotency"
	"github.com/ksred/order-execution-engine/internal/metrics"
	"github.com/ksred/order-execution-engine/internal/orders"
	"github.com/ksred/order-execution-engine/internal/queue"
	"github.com/ksred/order-execution-engine/internal/ratelimit"
	"github.com/ksred/order-execution-engine/internal/router"
	"github.com/ksred/order-execution-engine/internal/submission"
	"github.com/ksred/order-execution-engine/internal/subscription"
	"github.com/ksred/order-execution-engine/internal/venue"
	"github.com/ksred/order-execution-engine/internal/worker"
	"github.com/ksred/order-execution-engine/pkg/middleware"
)

// init configures logging exactly the way the teacher's cmd/server
// did: pretty console writer outside production, DEBUG env var raises
// the level. LOG_LEVEL (spec §6), when set, overrides both after
// config.Load runs.
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func main() {
	cfg := config.Load()
	if _, ok := os.LookupEnv("LOG_LEVEL"); ok {
		applyLogLevel(cfg.LogLevel)
	}

	db, err := gorm.Open(sqlite.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to open database")
	}
	if err := db.AutoMigrate(&orders.Order{}, &queue.Job{}, &idempotency.Record{}); err != nil {
		zlog.Fatal().Err(err).Msg("failed to migrate database")
	}

	realClock := clock.Real()
	var seed int64 = time.Now().UnixNano()
	if cfg.HasMockSeed {
		seed = cfg.MockSeed
	}
	rng := clock.NewRNG(seed)

	venues := venue.DefaultVenues(realClock, rng)
	rt := router.New(venues...)

	orderDB := orders.NewDatabase(db)
	idemStore := idempotency.NewStore(db)
	q := queue.New(db, realClock, cfg.MaxRetries, cfg.QueueConcurrency, 100)
	bus := eventbus.New()
	m := metrics.New()

	pool := worker.New(q, orderDB, rt, bus, realClock, m)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		pool.Run(workerCtx, cfg.QueueConcurrency)
		close(workerDone)
	}()

	submissionSvc := submission.New(orderDB, idemStore, q, realClock, m)
	submissionHandlers := submission.NewHandlers(submissionSvc)

	go runJanitor(workerCtx, q, idemStore, submissionSvc, realClock, m)

	subscriptionSvc := subscription.New(orderDB, bus, m, cfg.PingInterval, cfg.PongTimeout)

	limiter := ratelimit.New(cfg.RateLimit)

	engine := gin.Default()
	setupRoutes(engine, submissionHandlers, subscriptionSvc, limiter, m, db, cfg)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: engine}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("shutting down: no longer accepting new submissions")

	// Graceful shutdown order per spec §9: stop accepting HTTP work
	// first, then stop the workers (a job still in flight has its
	// context cancelled and is nacked for retry), then close the bus
	// and the database.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("http shutdown error")
	}

	zlog.Info().Msg("waiting for in-flight jobs to finish")
	workerCancel()
	<-workerDone
	bus.CloseAll()

	sqlDB, err := db.DB()
	if err == nil {
		_ = sqlDB.Close()
	}
	zlog.Info().Msg("server exiting")
}

func applyLogLevel(level string) {
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
}

// runJanitor periodically recovers crashed-worker leases, re-enqueues
// pending orders whose creation crashed before the enqueue half of
// step 5 landed, and sweeps expired idempotency records (spec §4.2,
// §4.4 step 5, §3). Grounded on settlement.Processor.Start's ticker
// loop shape.
func runJanitor(ctx context.Context, q *queue.Queue, idem *idempotency.Store, sub *submission.Service, c clock.Clock, m *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := c.Now()
			if n, err := q.RecoverExpiredLeases(); err != nil {
				zlog.Error().Err(err).Msg("janitor: recover expired leases failed")
			} else if n > 0 {
				zlog.Info().Int64("count", n).Msg("janitor: recovered expired leases")
			}
			if n, err := sub.ReclaimStalePending(now.Add(-submission.StalePendingGrace)); err != nil {
				zlog.Error().Err(err).Msg("janitor: reclaim stale pending orders failed")
			} else if n > 0 {
				zlog.Info().Int("count", n).Msg("janitor: reclaimed stale pending orders")
			}
			if err := idem.Sweep(now); err != nil {
				zlog.Error().Err(err).Msg("janitor: idempotency sweep failed")
			}
			if depth, err := q.Depth(); err != nil {
				zlog.Error().Err(err).Msg("janitor: depth snapshot failed")
			} else {
				m.RecordDepth(depth.Waiting, depth.Active, depth.Retrying, depth.FailedTerminal)
			}
		}
	}
}

func setupRoutes(
	engine *gin.Engine,
	orderHandlers *submission.Handlers,
	streamSvc *subscription.Service,
	limiter *ratelimit.Limiter,
	m *metrics.Metrics,
	db *gorm.DB,
	cfg *config.Config,
) {
	ordersGroup := engine.Group("/orders")
	if cfg.RequireAuth {
		ordersGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
	}
	{
		ordersGroup.POST("/execute", middleware.RateLimit(limiter), orderHandlers.ExecuteHandler())
		ordersGroup.GET("/:id", orderHandlers.GetOrderHandler())
		ordersGroup.GET("/stream", streamSvc.StreamHandler())
	}

	engine.GET("/health", healthHandler(db, cfg))
	engine.GET("/metrics", gin.WrapH(m.Handler()))
}

func healthHandler(db *gorm.DB, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		services := gin.H{"db": "ok", "queue": "ok"}
		httpStatus := http.StatusOK
		statusText := "ok"

		sqlDB, err := db.DB()
		if err != nil || sqlDB.Ping() != nil {
			services["db"] = "down"
			httpStatus = http.StatusServiceUnavailable
			statusText = "degraded"
		}

		c.JSON(httpStatus, gin.H{"status": statusText, "services": services})
	}
}
