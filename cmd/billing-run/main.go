package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/platinummonkey/tollgate/pkg/app"
	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type options struct {
	date     string
	day      string
	operator string
	mode     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("billing-run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.date, "date", "", "Run date (YYYY-MM-DD). Defaults to today in the billing timezone")
	fs.StringVar(&opts.day, "day", "", "Billing day override (0 selects month-end accounts)")
	fs.StringVar(&opts.operator, "operator", "", "Operator identifier recorded on the run (required to generate)")
	fs.StringVar(&opts.mode, "mode", string(billing.RunModeGenerate), "Run mode: preview or generate")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func (o options) request(loc *time.Location) (billing.RunRequest, error) {
	req := billing.RunRequest{
		Operator: o.operator,
		Mode:     billing.RunMode(o.mode),
	}
	if !req.Mode.Valid() {
		return req, fmt.Errorf("invalid mode %q (must be preview or generate)", o.mode)
	}
	if req.Mode == billing.RunModeGenerate && req.Operator == "" {
		return req, billing.ErrOperatorRequired
	}
	if o.date != "" {
		date, err := time.ParseInLocation("2006-01-02", o.date, loc)
		if err != nil {
			return req, fmt.Errorf("invalid date %q (expected YYYY-MM-DD)", o.date)
		}
		req.Date = date
	}
	if o.day != "" {
		day, err := strconv.Atoi(o.day)
		if err != nil {
			return req, fmt.Errorf("invalid day %q", o.day)
		}
		req.DayOverride = &day
	}
	return req, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return exitFailure
	}
	logger := observability.NewLogger(cfg.Observability.Level(), stderr).WithField("service", "billing-run")

	req, err := opts.request(cfg.Billing.Location())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

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
		return exitFailure
	}

	report, err := a.Scheduler.Run(ctx, req)
	if errors.Is(err, billing.ErrRunInProgress) {
		fmt.Fprintln(stderr, "another billing run is in progress")
		return exitFailure
	}
	if err != nil && report == nil {
		logger.WithError(err).Error("billing run failed")
		return exitFailure
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(report); encErr != nil {
		logger.WithError(encErr).Error("failed to write report")
		return exitFailure
	}

	if err != nil {
		logger.WithError(err).Warn("billing run interrupted")
		return exitFailure
	}
	if report.Run.Failed > 0 {
		return exitFailure
	}
	return exitOK
}
