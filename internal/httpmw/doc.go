// Package httpmw provides HTTP middleware for the API server.
//
// Middleware is composed in a fixed order in httpserver.NewHandler: security
// headers, recovery, request ID, client IP extraction, flood guard, tracing,
// metrics, request-scoped logging, then the chi router where per-route rate
// limit policies apply.
//
// Each middleware is an independent function that can be tested, reordered,
// or removed individually. User-supplied data (query params, user-agent,
// arbitrary headers) stays out of logs to prevent PII leaks and log
// injection.
package httpmw
