package app

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/gift-voucher/internal/artifact"
	"github.com/xenking/gift-voucher/internal/domain/catalog"
	"github.com/xenking/gift-voucher/internal/domain/order"
	"github.com/xenking/gift-voucher/internal/domain/voucher"
	"github.com/xenking/gift-voucher/internal/fulfillment"
	"github.com/xenking/gift-voucher/internal/handler"
	"github.com/xenking/gift-voucher/internal/notify"
	"github.com/xenking/gift-voucher/internal/payment"
	"github.com/xenking/gift-voucher/internal/storage/memory"
	"github.com/xenking/gift-voucher/internal/storage/postgres"
	"github.com/xenking/gift-voucher/pkg/health"
	"github.com/xenking/gift-voucher/pkg/httpmiddleware"
)

// Telemetry provides the tracing and metrics backends. It is satisfied by
// *app.Telemetry from go-faster/sdk.
type Telemetry interface {
	TracerProvider() trace.TracerProvider
	MeterProvider() metric.MeterProvider
}

// Run creates all dependencies, starts the HTTP server and the fulfillment
// queue, and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
	)
	ctx = zctx.Base(ctx, lg)

	st, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	// Health check service.
	healthSvc := health.New()
	if st.ping != nil {
		healthSvc.Add(health.Readiness, health.Check{Name: "postgres", Timeout: 5 * time.Second, Func: health.PingCheck(st.ping)})
	}
	// A missing binary does not recover on its own.
	healthSvc.Add(health.Readiness, health.Check{Name: "renderer", FailureThreshold: 1, Func: health.BinaryCheck(cfg.Renderer.Binary)})
	healthSvc.Add(health.Liveness, health.Check{Name: "goroutines", Func: health.GoroutineCountCheck(10000)})
	healthSvc.Start(ctx, 10*time.Second)

	// Domain services.
	orders := order.NewService(order.ServiceConfig{
		Currency: cfg.Voucher.Currency,
		Validity: cfg.Voucher.Validity,
		Codes: voucher.AllocateConfig{
			MaxAttempts: cfg.Voucher.CodeAttempts,
			Backoff:     cfg.Voucher.CodeBackoff,
		},
	}, st.catalog, st.orders, voucher.NewGenerator(cfg.RedeemURLTemplate()))

	renderer, err := artifact.NewRenderer(artifact.Config{
		Page:        artifact.Page{Width: cfg.Renderer.PageWidth, Height: cfg.Renderer.PageHeight},
		Timeout:     cfg.Renderer.Timeout,
		TemplateDir: cfg.Renderer.TemplateDir,
	}, st.vouchers, st.catalog, &artifact.Chrome{Binary: cfg.Renderer.Binary})
	if err != nil {
		return errors.Wrap(err, "create renderer")
	}

	smtp, err := notify.NewSMTP(cfg.SMTP)
	if err != nil {
		return errors.Wrap(err, "create smtp sender")
	}
	dispatcher, err := notify.NewDispatcher(smtp,
		notify.WithSendTimeout(cfg.SMTP.Timeout),
		notify.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create dispatcher")
	}

	orch := fulfillment.NewOrchestrator(cfg.Fulfillment, st.orders, st.artifacts, renderer, dispatcher,
		fulfillment.WithTracerProvider(m.TracerProvider()),
		fulfillment.WithMeterProvider(m.MeterProvider()),
	)
	queue := fulfillment.NewQueue(cfg.Fulfillment, orch)
	orch.Attach(queue)

	gateway := payment.NewClient(cfg.Payment, &http.Client{
		Timeout: cfg.Payment.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		),
	})

	// HTTP handlers.
	h := handler.NewHandler(handler.Config{
		WebhookSecret: cfg.Payment.WebhookSecret,
		RedeemLimit: httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:    cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
		}),
	},
		orders,
		payment.NewCheckout(gateway, st.orders, cfg.Payment.Return),
		orch,
		gateway,
		voucher.NewRedeemer(st.vouchers, voucher.WithMeterProvider(m.MeterProvider())),
	)

	router := h.Router()
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Artifact downloads may render on demand.
		WriteTimeout:   cfg.Renderer.Timeout + 10*time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.RequestID(),
			httpmiddleware.Instrument("voucher-api", m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.LogRequests(),
			httpmiddleware.Recovery(),
		),
	}

	// The queue outlives the request context so cascades enqueued by the
	// last webhooks still start; it stops after the server has drained.
	queueCtx, stopQueue := context.WithCancel(context.WithoutCancel(ctx))
	defer stopQueue()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Run(queueCtx)
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		stopQueue()
		healthSvc.Stop()
		return nil
	})

	healthSvc.SetReady(true)
	return g.Wait()
}

// storage bundles the repositories of the selected driver.
type storage struct {
	catalog   catalog.Repository
	vouchers  voucher.Repository
	orders    order.Repository
	artifacts artifact.Store
	ping      health.Pinger
	close     func()
}

func openStorage(ctx context.Context, cfg *Config) (*storage, error) {
	switch cfg.Storage {
	case StorageMemory:
		db := memory.New()
		if cfg.SeedFile != "" {
			if err := seedCatalog(ctx, cfg.SeedFile, db.Catalog()); err != nil {
				return nil, err
			}
		}
		zctx.From(ctx).Warn("Using in-memory storage, data is lost on restart")
		return &storage{
			catalog:   db.Catalog(),
			vouchers:  db.Vouchers(),
			orders:    db.Orders(),
			artifacts: db.Artifacts(),
			close:     func() {},
		}, nil
	default:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "create db pool")
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "run migrations")
		}
		return &storage{
			catalog:   postgres.NewCatalogRepository(pool),
			vouchers:  postgres.NewVoucherRepository(pool),
			orders:    postgres.NewOrderRepository(pool),
			artifacts: postgres.NewArtifactRepository(pool),
			ping:      pool,
			close:     pool.Close,
		}, nil
	}
}

// seedCatalog loads a catalog seed file into w.
func seedCatalog(ctx context.Context, path string, w catalog.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read seed file")
	}
	seed, err := catalog.ParseSeed(data)
	if err != nil {
		return err
	}
	if err := seed.Apply(ctx, w); err != nil {
		return errors.Wrap(err, "apply seed")
	}
	zctx.From(ctx).Info("Catalog seeded",
		zap.String("path", path),
		zap.Int("stores", len(seed.Stores)),
		zap.Int("products", len(seed.Products)),
	)
	return nil
}
