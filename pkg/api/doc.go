// Package api serves the billing server's operator HTTP API.
//
// Routes:
//
//	GET  /api/v1/diagnostics/billing      today's counts, scheduled accounts and run history
//	GET  /api/v1/billing/preview          dry run for ?date=YYYY-MM-DD&day=N
//	POST /api/v1/billing/runs             start a run, body {"date","day","operator","mode"}
//	GET  /api/v1/dispatch/stats           email queue counts
//	POST /api/v1/dispatch/{id}/reset      return one entry to pending
//	POST /api/v1/dispatch/reset-failed    return every failed entry to pending
//
// The diagnostics report is cached for DiagnosticsTTL. Health probes and
// /metrics are mounted on the same router when configured.
package api
