package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tollgate/pkg/api"
	"github.com/platinummonkey/tollgate/pkg/app"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "billing-server: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).WithField("service", "billing-server")

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		logger.WithError(err).Warn("failed to initialize OpenTelemetry, continuing without tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = observability.ShutdownOTel(shutdownCtx, providers, logger)
	}()

	a, err := app.New(ctx, cfg, logger)
	defer func() {
		if err := a.Close(); err != nil {
			logger.WithError(err).Warn("failed to close connections")
		}
	}()
	if err != nil {
		return err
	}

	if a.Conns != nil {
		a.Conns.StartHealthCheckRoutine(ctx, 30*time.Second, a.Metrics)
	}

	server := api.NewServer(api.Config{
		Runner:      a.Scheduler,
		Diagnostics: a.Diagnostics,
		Queue:       a.Queue,
		Health:      a.Health,
		Metrics:     a.Metrics,
		Logger:      logger,
		Location:    cfg.Billing.Location(),
	})

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(server, "billing-server"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	scheduler := cron.New(
		cron.WithLocation(cfg.Billing.Location()),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	g, gctx := errgroup.WithContext(ctx)
	j := &jobs{
		ctx:        gctx,
		dispatcher: a.Dispatcher,
		scheduler:  a.Scheduler,
		settlement: a.Settlement,
		timeout:    cfg.Billing.LeaseTTL,
		logger:     logger.WithField("component", "cron"),
	}
	if _, err := j.schedule(scheduler, cfg); err != nil {
		return err
	}

	g.Go(func() error {
		logger.Infof("billing server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		logger.Info("shutting down gracefully")

		<-scheduler.Stop().Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("billing server stopped")
	return err
}
