// Package ratelimit is the admission-control layer every API request passes
// through before reaching a handler.
//
// It implements fixed-window counting: each (client, policy) pair owns a
// counter that resets when its window elapses. The store is process-local by
// default; a Redis-backed store is available for multi-instance deployments
// where an approximate global view beats an exact local one.
//
// What this does protect against:
//   - a single client exhausting an expensive endpoint class (predictions,
//     imports) while cheap reads stay available
//   - quota leaking between endpoint classes or between clients
//   - log/metric blindness about who is being throttled and how often
//
// What this does NOT protect against:
//   - distributed abuse across many client addresses
//   - requests that are expensive but stay under every limit
//
// Denial is not an error. Check returns a Decision value on the hot path and
// the middleware translates it into 429 + Retry-After; callers that bypass
// HTTP read the Decision directly.
package ratelimit
