package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// SafeGo executes fn in a goroutine with a timeout-bound context and panic
// recovery. Errors and panics are logged, never propagated.
//
// Example:
//
//	async.SafeGo(ctx, logger, 30*time.Second, "document publish", func(ctx context.Context) error {
//	    return publisher.Publish(ctx, composition)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Warn("background task failed")
		}
	}()
}

// Batch runs fn over items with at most workers concurrent calls, each under
// its own timeout. It waits for every item and returns the collected errors
// in no particular order. A panicking item is reported as an error.
//
// Example:
//
//	errs := async.Batch(ctx, entries, 4, 15*time.Second, func(ctx context.Context, e dispatch.Entry) error {
//	    return worker.deliver(ctx, e)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration, fn func(context.Context, T) error) []error {
	if workers < 1 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(workers)

	for _, item := range items {
		if ctx.Err() != nil {
			record(ctx.Err())
			break
		}
		g.Go(func() error {
			itemCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					record(fmt.Errorf("panic: %v", r))
				}
			}()
			if err := fn(itemCtx, item); err != nil {
				record(err)
			}
			return nil
		})
	}

	_ = g.Wait()
	return errs
}
