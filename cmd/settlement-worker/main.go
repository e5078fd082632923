package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/platinummonkey/tollgate/pkg/app"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/settlement"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// formatCounts renders counts in settlement.States order
func formatCounts(c settlement.Counts) string {
	parts := make([]string, 0, len(settlement.States))
	for _, s := range settlement.States {
		parts = append(parts, fmt.Sprintf("%s=%d", strings.ToLower(string(s)), c[s]))
	}
	return strings.Join(parts, " ")
}

func run(ctx context.Context, stdout, stderr io.Writer) int {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	logger := observability.NewLogger(cfg.Observability.Level(), stderr).WithField("service", "settlement-worker")

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
		logger.WithError(err).Error("failed to initialize")
		return 1
	}

	return tick(ctx, a.Settlement, stdout, stderr, logger)
}

// ticker is the part of settlement.Worker the entry point drives
type ticker interface {
	Tick(ctx context.Context) (*settlement.TickReport, error)
}

func tick(ctx context.Context, w ticker, stdout, stderr io.Writer, logger *observability.Logger) int {
	report, err := w.Tick(ctx)
	if errors.Is(err, settlement.ErrLockHeld) {
		fmt.Fprintln(stderr, "another instance is running")
		return 1
	}
	if err != nil {
		logger.WithError(err).Error("settlement tick failed")
		if report != nil {
			fmt.Fprintf(stdout, "before: %s\n", formatCounts(report.Before))
		}
		return 1
	}

	fmt.Fprintf(stdout, "before: %s\n", formatCounts(report.Before))
	fmt.Fprintf(stdout, "after:  %s\n", formatCounts(report.After))
	fmt.Fprintf(stdout, "requeued=%d promoted=%d retried=%d claimed=%d paid=%d failed=%d retrying=%d\n",
		report.Requeued, report.Promoted, report.Retried, report.Claimed, report.Paid, report.Failed, report.Retrying)
	return 0
}
