package bundler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/bundlepay/server/internal/admission"
	"github.com/bundlepay/server/internal/arweave"
	"github.com/bundlepay/server/internal/bundlepacker"
	"github.com/bundlepay/server/internal/config"
	"github.com/bundlepay/server/internal/dbpool"
	"github.com/bundlepay/server/internal/httpserver"
	"github.com/bundlepay/server/internal/inflight"
	"github.com/bundlepay/server/internal/lifecycle"
	"github.com/bundlepay/server/internal/logger"
	"github.com/bundlepay/server/internal/metadata"
	"github.com/bundlepay/server/internal/metrics"
	"github.com/bundlepay/server/internal/monitoring"
	"github.com/bundlepay/server/internal/objectstore"
	"github.com/bundlepay/server/internal/optical"
	"github.com/bundlepay/server/internal/payment"
	"github.com/bundlepay/server/internal/pipeline"
	"github.com/bundlepay/server/internal/pricing"
	"github.com/bundlepay/server/internal/queue"
)

// App wires the full bundler: admission, payments, the bundle pipeline, the
// job runner, and the HTTP surface. Construct it with NewApp, call Start to
// launch the background workers, and Close to release everything in reverse
// order.
type App struct {
	Config    *config.Config
	Store     *metadata.PostgresStore
	Queue     *queue.PostgresQueue
	Payments  *payment.Service
	Admission *admission.Service
	Wallet    *arweave.Wallet

	router    chi.Router
	runner    *queue.Runner
	scheduler *queue.Scheduler
	monitor   *monitoring.BalanceMonitor
	resources *lifecycle.Manager
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	started   bool
}

// Option configures App construction.
type Option func(*options)

type options struct {
	router   chi.Router
	registry prometheus.Registerer
}

// WithRouter registers the bundler routes onto an existing chi.Router
// instead of a fresh one.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithRegistry sets the Prometheus registerer. Embedders with their own
// registry use this to avoid colliding with the default one.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// NewApp assembles the bundler services. The returned App is not serving
// yet: wire a.Handler() into an HTTP server and call a.Start.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("bundler: config required")
	}

	optState := options{registry: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:    cfg,
		resources: lifecycle.NewManager(),
	}

	app.logger = logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "bundlepay-server",
		Version:     httpserver.ServiceVersion,
		Environment: cfg.Logging.Environment,
	})

	app.metrics = metrics.New(optState.registry)

	pool, err := dbpool.NewSharedPool(cfg.Database.URL, cfg.Database.ReaderURL, cfg.Database.Pool)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	app.resources.Register("database", pool)

	app.Store, err = metadata.NewPostgresStore(pool)
	if err != nil {
		return nil, app.closeOn(fmt.Errorf("init metadata store: %w", err))
	}

	app.Queue, err = queue.NewPostgresQueue(pool, cfg.Queue.MaxAttempts)
	if err != nil {
		return nil, app.closeOn(fmt.Errorf("init job queue: %w", err))
	}

	// Item bytes land in up to two sinks: a local directory and an
	// S3-compatible bucket. Either may be absent; admission refuses
	// uploads when both are.
	var backup objectstore.Store
	if cfg.Filesystem.BackupDir != "" {
		fsStore, err := objectstore.NewFSStore(cfg.Filesystem.BackupDir)
		if err != nil {
			return nil, app.closeOn(fmt.Errorf("init filesystem store: %w", err))
		}
		backup = fsStore
	}

	var object objectstore.Store
	if cfg.ObjectStore.Endpoint != "" {
		minioClient, err := objectstore.NewMinioClient(cfg.ObjectStore)
		if err != nil {
			return nil, app.closeOn(fmt.Errorf("init object store client: %w", err))
		}
		object = objectstore.NewMinioStore(minioClient, cfg.ObjectStore.RawBucket, app.logger)
	}

	app.Wallet, err = arweave.LoadWallet(cfg.Chain.WalletPath)
	if err != nil {
		return nil, app.closeOn(fmt.Errorf("load service wallet: %w", err))
	}

	chainClient := arweave.NewClient(cfg.Chain, app.logger)

	oracle := pricing.NewOracle(chainClient, cfg.Pricing, cfg.Chain.PriceCacheTTL.Duration, app.logger)

	verifier := payment.NewVerifier(cfg.X402.PaymentTimeout.Duration, app.logger)
	facilitator := payment.NewFacilitatorClient(app.metrics, app.logger)
	app.Payments = payment.NewService(
		cfg.X402,
		quoteResource(cfg.Server),
		oracle,
		verifier,
		facilitator,
		app.Store,
		app.logger,
	).WithMetrics(app.metrics)

	set := inflight.NewMemorySet()
	app.resources.RegisterFunc("inflight-set", func() error {
		set.Stop()
		return nil
	})

	app.Admission, err = admission.NewService(
		cfg.Upload,
		cfg.Chain,
		set,
		backup, object,
		app.Store,
		app.Queue,
		app.Payments,
		chainClient,
		app.Wallet,
		cfg.Optical.Enabled,
		app.logger,
	)
	if err != nil {
		return nil, app.closeOn(fmt.Errorf("init admission: %w", err))
	}
	app.Admission.WithMetrics(app.metrics)

	packer := bundlepacker.NewPacker(cfg.Packing, app.Store, app.Queue, app.logger).WithMetrics(app.metrics)

	pipe, err := pipeline.NewPipeline(
		cfg.Chain,
		cfg.Cleanup,
		cfg.Filesystem.SpoolDir,
		app.Store,
		backup, object,
		chainClient,
		app.Wallet,
		app.Payments,
		app.Queue,
		app.Admission,
		app.logger,
	)
	if err != nil {
		return nil, app.closeOn(fmt.Errorf("init pipeline: %w", err))
	}
	pipe.WithMetrics(app.metrics)

	app.runner = queue.NewRunner(app.Queue, cfg.Queue, app.logger, app.metrics)
	pipe.Register(app.runner)
	app.runner.Handle(queue.LabelPlanBundle, packer.HandlePlanBundle)
	if cfg.Optical.Enabled {
		bridge := optical.NewBridge(cfg.Optical, app.logger).WithMetrics(app.metrics)
		app.runner.Handle(queue.LabelOpticalPost, bridge.HandlePost)
	}

	app.scheduler = queue.NewScheduler(app.Queue, app.logger)
	app.scheduler.Every(cfg.Packing.PlanInterval.Duration, queue.LabelPlanBundle)
	if err := app.scheduler.Cron(cfg.Cleanup.Cron, queue.LabelCleanupFS); err != nil {
		return nil, app.closeOn(fmt.Errorf("schedule cleanup %q: %w", cfg.Cleanup.Cron, err))
	}

	app.monitor = monitoring.NewBalanceMonitor(cfg.Monitoring, chainClient, app.Wallet.Address(), app.metrics, app.logger)

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}
	httpserver.ConfigureRouter(app.router, cfg, app.Admission, app.Payments, app.Store, chainClient, app.Wallet.Address(), app.metrics, app.logger)

	return app, nil
}

// quoteResource is the absolute upload URL advertised in payment quotes.
func quoteResource(cfg config.ServerConfig) string {
	base := strings.TrimRight(cfg.PublicURL, "/")
	return base + cfg.RoutePrefix + "/v1/tx"
}

// Start launches the job runner, the schedule, and the balance monitor.
// Their stops are registered with the lifecycle manager, so Close shuts
// them down before the stores they use.
func (a *App) Start(ctx context.Context) {
	if a.started {
		return
	}
	a.started = true

	a.runner.Start(ctx)
	a.resources.RegisterFunc("job-runner", func() error {
		a.runner.Stop()
		return nil
	})

	a.scheduler.Start()
	a.resources.RegisterFunc("scheduler", func() error {
		a.scheduler.Stop()
		return nil
	})

	a.monitor.Start(ctx)
	a.resources.RegisterFunc("balance-monitor", func() error {
		a.monitor.Stop()
		return nil
	})

	a.logger.Info().
		Str("wallet", a.Wallet.Address()).
		Bool("payments_enabled", a.Payments.Enabled()).
		Msg("app.workers_started")
}

// Router returns the chi router with bundler routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Logger returns the app's base logger for callers that serve the router
// themselves.
func (a *App) Logger() zerolog.Logger {
	return a.logger
}

// Close stops the workers and releases every resource in reverse order of
// creation.
func (a *App) Close() error {
	return a.resources.Close()
}

// closeOn releases already-registered resources after a construction
// failure, keeping the original error.
func (a *App) closeOn(err error) error {
	if closeErr := a.resources.Close(); closeErr != nil {
		a.logger.Error().Err(closeErr).Msg("app.partial_close_failed")
	}
	return err
}

// Config is an exported alias of the internal configuration struct for
// embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the bundler.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
