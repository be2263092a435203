package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront-checkout/internal/cache"
	"github.com/xenking/storefront-checkout/internal/domain/auth"
	"github.com/xenking/storefront-checkout/internal/domain/cart"
	"github.com/xenking/storefront-checkout/internal/domain/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/discount"
	"github.com/xenking/storefront-checkout/internal/domain/notify"
	"github.com/xenking/storefront-checkout/internal/domain/outbox"
	"github.com/xenking/storefront-checkout/internal/domain/stock"
	"github.com/xenking/storefront-checkout/internal/event"
	"github.com/xenking/storefront-checkout/internal/handler"
	"github.com/xenking/storefront-checkout/internal/repository"
	"github.com/xenking/storefront-checkout/pkg/health"
	"github.com/xenking/storefront-checkout/pkg/httpmiddleware"
)

const serviceName = "storefront-checkout"

// Run creates all dependencies, starts the HTTP server and the outbox
// dispatcher, and handles graceful shutdown. It is the single wiring point
// for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.Strings("kafka_brokers", cfg.Kafka.Brokers),
	)

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Redis holds carts and open checkout sessions.
	rdb, err := cache.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		return errors.Wrap(err, "create redis client")
	}
	defer func() { _ = rdb.Close() }()

	// Repositories.
	catalogRepo := repository.NewCatalogRepository(pool)
	discountRepo := repository.NewDiscountRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	outboxRepo := repository.NewOutboxRepository(pool)
	apikeyRepo := repository.NewAPIKeyRepository(pool)
	tenantRepo := repository.NewTenantRepository(pool)
	addressRepo := repository.NewAddressRepository(pool)
	slotRepo := repository.NewSlotRepository(pool)

	// Messaging.
	confirmations, dlq, closeKafka := newPublishers(cfg, lg)
	defer closeKafka()

	sender := event.NewBreakerSender(confirmations, event.BreakerConfig{
		MaxRequests:  cfg.Breaker.MaxRequests,
		Interval:     cfg.Breaker.Interval,
		Timeout:      cfg.Breaker.Timeout,
		FailureRatio: cfg.Breaker.FailureRatio,
		MinRequests:  cfg.Breaker.MinRequests,
	}, lg.Named("breaker"))

	// Domain services.
	carts := cart.NewService(cache.NewCartStore(rdb, cfg.Checkout.CartTTL), catalogRepo)
	discounts := discount.NewValidator(discountRepo)
	gate := stock.NewGate(catalogRepo)
	notifier := notify.NewNotifier(sender, cfg.Checkout.NotifyTimeout, lg.Named("notify"))
	authenticator := auth.NewAuthenticator(apikeyRepo, []byte(cfg.APIKeyPepper))

	proc, err := outbox.NewProcessor(outboxRepo, dlq, outbox.Config{
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BaseBackoff: cfg.Outbox.BaseBackoff,
		MaxBackoff:  cfg.Outbox.MaxBackoff,
	}, lg.Named("outbox"), m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create outbox processor")
	}
	checkout.RegisterSettlement(proc, gate, discounts, orderRepo, notifier)

	orchestrator, err := checkout.NewOrchestrator(checkout.Deps{
		Sessions:  cache.NewSessionStore(rdb, cfg.Checkout.SessionTTL),
		Carts:     carts,
		Addresses: addressRepo,
		Slots:     slotRepo,
		Discounts: discounts,
		Stock:     gate,
		Pricing:   tenantRepo,
		Orders:    orderRepo,
		Tasks:     proc,
	}, checkout.Config{
		Timeouts: checkout.Timeouts{
			Catalog: cfg.Checkout.CatalogTimeout,
			Persist: cfg.Checkout.PersistTimeout,
			Settle:  cfg.Checkout.SettleTimeout,
		},
		TaskLease: cfg.Outbox.Lease,
	}, lg.Named("checkout"), m.TracerProvider(), m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create checkout orchestrator")
	}

	dispatcher := outbox.NewDispatcher(proc, outboxRepo, outbox.DispatcherConfig{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		Lease:        cfg.Outbox.Lease,
		TaskTimeout:  cfg.Outbox.TaskTimeout,
	}, lg.Named("dispatcher"))

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddReadinessCheck("redis", 2*time.Second, health.RedisCheck(rdb))
	if len(cfg.Kafka.Brokers) > 0 {
		brokers := cfg.Kafka.Brokers
		healthSvc.Register(health.Check{
			Name:             "kafka",
			Kind:             health.Readiness,
			Timeout:          5 * time.Second,
			FailureThreshold: 5,
			Func: func(ctx context.Context) error {
				return event.Ping(ctx, brokers)
			},
		})
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// HTTP handlers.
	h := handler.New(carts, orchestrator, orderRepo, authenticator, lg.Named("http"))

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", h.Routes())

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Checkout.WriteTimeout(),
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:  cfg.CORS.Origins,
				AllowHeaders:  []string{"Content-Type", handler.HeaderAPIKey, handler.HeaderCustomerID, "Idempotency-Key", httpmiddleware.HeaderRequestID},
				ExposeHeaders: []string{httpmiddleware.HeaderRequestID, "Retry-After"},
				MaxAge:        86400,
			}),
			httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
				RPS:     cfg.RateLimit.RPS,
				Burst:   cfg.RateLimit.Burst,
				KeyFunc: httpmiddleware.HeaderKey(handler.HeaderAPIKey),
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.Instrument(serviceName, m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.LogRequests(),
		),
	}

	g, gCtx := errgroup.WithContext(ctx)

	// The dispatcher gets its own context so it keeps settling orders while
	// in-flight requests drain.
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()
	g.Go(func() error {
		if err := dispatcher.Run(dispatchCtx); err != nil && !errors.Is(err, context.Canceled) {
			return errors.Wrap(err, "outbox dispatcher")
		}
		return nil
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	// Graceful shutdown: wait for cancellation or a failed component, drain,
	// then stop.
	g.Go(func() error {
		<-gCtx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		if ctx.Err() != nil {
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		stopDispatch()
		healthSvc.Stop()
		return nil
	})

	return g.Wait()
}

// newPublishers returns the confirmation sender and dead letter publisher.
// Without brokers confirmations go to the log and dead letters stay in the
// outbox table only.
func newPublishers(cfg *Config, lg *zap.Logger) (notify.Sender, outbox.DeadLetterPublisher, func()) {
	if len(cfg.Kafka.Brokers) == 0 {
		lg.Warn("No Kafka brokers configured, confirmations are logged only")
		return event.NewLogSender(lg.Named("confirmation")), nil, func() {}
	}
	w := event.NewWriter(cfg.Kafka.Brokers)
	closeWriter := func() {
		if err := w.Close(); err != nil {
			lg.Warn("Close kafka writer", zap.Error(err))
		}
	}
	return event.NewConfirmationSender(w, cfg.Kafka.ConfirmationTopic),
		event.NewDeadLetterPublisher(w, cfg.Kafka.DeadLetterTopic),
		closeWriter
}
