// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing and health probes for the tollgate binaries.
//
// # Structured Logging
//
// Loggers emit JSON through logrus and travel on the context:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	ctx = observability.WithLogger(ctx, logger)
//	observability.FromContext(ctx).WithField("account_id", id).Info("invoice generated")
//
// FromContext decorates the logger with run ID, operator, request ID and,
// when a span is recording, trace and span IDs.
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordBillingAccount("generated")
//	router.Handle("/metrics", metrics.Handler())
//
// All recorder methods accept a nil *Metrics so components can run uninstrumented.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//	ctx, span := observability.StartSpan(ctx, "billing.run")
//	defer span.End()
package observability
