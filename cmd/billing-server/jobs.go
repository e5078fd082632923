package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/dispatch"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/settlement"
)

// cronOperator is recorded on generate runs started by the in-process schedule
const cronOperator = "billing-server:cron"

type (
	dispatcher interface {
		RunOnce(ctx context.Context) (dispatch.Result, error)
	}
	runner interface {
		Run(ctx context.Context, req billing.RunRequest) (*billing.RunReport, error)
	}
	ticker interface {
		Tick(ctx context.Context) (*settlement.TickReport, error)
	}
)

// jobs are the scheduled entry points. Each job logs its own failures.
type jobs struct {
	ctx        context.Context
	dispatcher dispatcher
	scheduler  runner
	settlement ticker
	timeout    time.Duration
	logger     *observability.Logger
}

func (j *jobs) guard(name string, fn func(ctx context.Context)) func() {
	return func() {
		defer observability.RecoverPanic(j.logger, name)
		ctx, cancel := context.WithTimeout(j.ctx, j.timeout)
		defer cancel()
		fn(ctx)
	}
}

func (j *jobs) deliver(ctx context.Context) {
	result, err := j.dispatcher.RunOnce(ctx)
	if err != nil {
		j.logger.WithError(err).Error("dispatch pass failed")
		return
	}
	if result.Attempted > 0 {
		j.logger.WithFields(map[string]interface{}{
			"sent":   result.Sent,
			"failed": result.Failed,
		}).Debug("dispatch pass done")
	}
}

func (j *jobs) bill(ctx context.Context) {
	report, err := j.scheduler.Run(ctx, billing.RunRequest{Operator: cronOperator, Mode: billing.RunModeGenerate})
	switch {
	case errors.Is(err, billing.ErrRunInProgress):
		j.logger.Info("skipping scheduled billing run, another run holds the lease")
	case err != nil:
		j.logger.WithError(err).Error("scheduled billing run failed")
	default:
		j.logger.WithField("generated", report.Run.Generated).Info("scheduled billing run done")
	}
}

func (j *jobs) settle(ctx context.Context) {
	report, err := j.settlement.Tick(ctx)
	switch {
	case errors.Is(err, settlement.ErrLockHeld):
		j.logger.Info("skipping settlement tick, another instance is running")
	case err != nil:
		j.logger.WithError(err).Error("settlement tick failed")
	default:
		j.logger.WithFields(map[string]interface{}{
			"claimed": report.Claimed,
			"paid":    report.Paid,
			"failed":  report.Failed,
		}).Info("settlement tick done")
	}
}

// schedule registers the configured jobs. Dispatch always runs; billing and
// settlement only when their schedules are set.
func (j *jobs) schedule(c *cron.Cron, cfg *config.Config) ([]string, error) {
	entries := []struct {
		name string
		spec string
		fn   func(ctx context.Context)
	}{
		{"dispatch", cfg.Dispatch.Schedule, j.deliver},
		{"billing", cfg.Billing.Schedule, j.bill},
		{"settlement", cfg.Settlement.Schedule, j.settle},
	}

	var scheduled []string
	for _, e := range entries {
		spec := e.spec
		if spec == "" {
			if e.name != "dispatch" {
				continue
			}
			spec = "@every 1m"
		}
		if _, err := c.AddFunc(spec, j.guard(e.name+" job", e.fn)); err != nil {
			return nil, fmt.Errorf("failed to schedule %s job: %w", e.name, err)
		}
		scheduled = append(scheduled, e.name)
		j.logger.WithField("schedule", spec).Infof("scheduled %s job", e.name)
	}
	return scheduled, nil
}
