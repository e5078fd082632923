package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/clock"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/dispatch"
	"github.com/platinummonkey/tollgate/pkg/documents"
	"github.com/platinummonkey/tollgate/pkg/lock"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/retry"
	"github.com/platinummonkey/tollgate/pkg/settlement"
	"github.com/platinummonkey/tollgate/pkg/storage/memory"
	"github.com/platinummonkey/tollgate/pkg/storage/postgres"
)

// Store is everything the components need from a persistence backend
type Store interface {
	billing.Store
	billing.ReportStore
	dispatch.Store
	settlement.Store
}

var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

// App holds the wired components shared by the binaries
type App struct {
	Config  *config.Config
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Clock   clock.Clock

	Store Store
	// Conns is nil for the memory backend
	Conns *postgres.ConnectionManager
	// Redis is nil when no redis URL is configured
	Redis   *redis.Client
	Locker  lock.Locker
	Objects documents.ObjectStore

	Queue       *dispatch.Queue
	Publisher   *documents.Publisher
	Scheduler   *billing.Scheduler
	Diagnostics *billing.Diagnostics
	Dispatcher  *dispatch.Worker
	Settlement  *settlement.Worker
	Health      *observability.HealthChecker

	closers []func() error
}

// Option customizes New
type Option func(*App)

// WithClock replaces the system clock
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.Clock = c }
}

// WithMetrics replaces the metrics registry
func WithMetrics(m *observability.Metrics) Option {
	return func(a *App) { a.Metrics = m }
}

// New connects the configured backends and wires every component. Call
// Close when done, also after a partial failure.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	a := &App{Config: cfg, Logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	loc := cfg.Billing.Location()
	if a.Clock == nil {
		a.Clock = clock.NewSystem(loc)
	}
	if a.Metrics == nil && cfg.Observability.MetricsEnabled {
		a.Metrics = observability.NewMetrics(nil)
	}

	if err := a.openStore(ctx); err != nil {
		return a, err
	}
	if err := a.openLocker(ctx); err != nil {
		return a, err
	}
	if err := a.openObjects(ctx); err != nil {
		return a, err
	}

	renderer, err := documents.NewRenderer(cfg.Billing.CompanyName, cfg.Billing.Currency)
	if err != nil {
		return a, fmt.Errorf("failed to create renderer: %w", err)
	}

	a.Queue = dispatch.NewQueue(a.Store, a.Clock, cfg.Dispatch.MaxAttempts)
	a.Publisher = documents.NewPublisher(renderer, a.Objects, a.Queue, logger.WithField("component", "publisher"))

	a.Scheduler = billing.NewScheduler(a.Store, billing.SchedulerConfig{
		VATRate:          cfg.Billing.Rate(),
		DueDays:          cfg.Billing.DueDays,
		ClampShortMonths: cfg.Billing.ClampShortMonths,
		LeaseTTL:         cfg.Billing.LeaseTTL,
		Location:         loc,
	},
		billing.WithLocker(a.Locker),
		billing.WithPublisher(a.Publisher),
		billing.WithMetrics(a.Metrics),
		billing.WithLogger(logger.WithField("component", "scheduler")),
		billing.WithClock(a.Clock),
	)
	a.Diagnostics = billing.NewDiagnostics(a.Store, a.Clock, loc, cfg.Billing.ClampShortMonths)

	a.Dispatcher = dispatch.NewWorker(
		a.Store,
		dispatch.NewHTTPMailer(cfg.Dispatch.RelayURL, cfg.Dispatch.RelaySecret, cfg.Dispatch.Timeout),
		a.Objects,
		retry.NewPolicy(retry.Config{
			MaxAttempts:  cfg.Dispatch.MaxAttempts,
			InitialDelay: cfg.Dispatch.RetryInitialDelay,
			MaxDelay:     cfg.Dispatch.RetryMaxDelay,
		}),
		dispatch.WorkerConfig{
			From:        cfg.Dispatch.From,
			BatchSize:   cfg.Dispatch.BatchSize,
			Concurrency: cfg.Dispatch.Concurrency,
			Timeout:     cfg.Dispatch.Timeout,
		},
		a.Clock,
		a.Metrics,
		logger.WithField("component", "dispatch"),
	)

	se := cfg.Settlement
	a.Settlement = settlement.NewWorker(
		a.Store,
		settlement.NewHTTPGateway(se.GatewayURL, se.GatewayAPIKey, cfg.Billing.Currency, se.GatewayTimeout),
		a.Locker,
		settlement.Config{
			BatchSize:           se.BatchSize,
			MaxAttempts:         se.MaxAttempts,
			StaleAfter:          se.StaleAfter,
			LeaseTTL:            se.LeaseTTL,
			ContentionThreshold: se.ContentionThreshold,
			RetryInitialDelay:   se.RetryInitialDelay,
			RetryMaxDelay:       se.RetryMaxDelay,
		},
		a.Clock,
		a.Metrics,
		logger.WithField("component", "settlement"),
	)

	var db *sql.DB
	if a.Conns != nil {
		db = a.Conns.Primary()
	}
	a.Health = observability.NewHealthChecker(db, a.Redis, cfg.Server.Version)
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.Database.Backend {
	case "memory":
		a.Logger.Warn("using in-memory store, data is lost on exit")
		a.Store = memory.New()
		return nil
	case "postgres":
		conns, err := postgres.NewConnectionManager(ctx, a.Config.Database, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		a.Conns = conns
		a.closers = append(a.closers, conns.Close)

		if a.Config.Database.Migrate {
			applied, err := postgres.Migrate(ctx, conns.Primary())
			if err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			if len(applied) > 0 {
				a.Logger.WithField("migrations", applied).Info("applied database migrations")
			}
		}
		a.Store = postgres.New(conns, a.Logger.WithField("component", "postgres"))
		return nil
	default:
		return fmt.Errorf("unknown database backend %q", a.Config.Database.Backend)
	}
}

func (a *App) openLocker(ctx context.Context) error {
	if a.Config.Redis.URL == "" {
		a.Logger.Warn("no redis URL configured, leases only protect this process")
		a.Locker = lock.NewMemoryLocker(a.Clock)
		return nil
	}
	client, err := postgres.NewRedisClient(ctx, a.Config.Redis)
	if err != nil {
		return err
	}
	a.Redis = client
	a.closers = append(a.closers, client.Close)
	a.Locker = lock.NewRedisLocker(client, a.Config.Redis.KeyPrefix)
	return nil
}

func (a *App) openObjects(ctx context.Context) error {
	st := a.Config.Storage
	switch st.Type {
	case "filesystem":
		fs, err := documents.NewFilesystemStore(st.FilesystemRoot)
		if err != nil {
			return fmt.Errorf("failed to open document directory: %w", err)
		}
		a.Objects = fs
	case "s3":
		s3, err := documents.NewS3Store(ctx, documents.S3Config{
			Endpoint:     st.S3Endpoint,
			Region:       st.S3Region,
			Bucket:       st.S3Bucket,
			Prefix:       st.S3Prefix,
			AccessKey:    st.S3AccessKey,
			SecretKey:    st.S3SecretKey,
			UsePathStyle: st.S3UsePathStyle,
		})
		if err != nil {
			return fmt.Errorf("failed to open document bucket: %w", err)
		}
		a.Objects = s3
	default:
		return fmt.Errorf("unknown storage type %q", st.Type)
	}
	return nil
}

// Close releases connections in reverse order of opening
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
