// Package httputil holds the JSON reply helpers, request parsing and
// middleware shared by the billing server's handlers.
//
// Every error reply has the shape
//
//	{"error": "...", "request_id": "..."}
//
// and WriteInternalError logs the underlying error instead of returning it.
//
// A typical handler chain:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//	)(router)
package httputil
