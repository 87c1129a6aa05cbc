package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission check. It is returned by value and
// never persisted; callers turn it into response headers and, on denial, a
// 429.
type Decision struct {
	Allowed   bool
	Limit     int
	Used      int
	Remaining int

	// ResetAt is when the current window ends and the counter restarts.
	ResetAt time.Time

	// RetryAfter is the time until ResetAt, only meaningful when denied.
	RetryAfter time.Duration
}

// RetryAfterSeconds is RetryAfter rounded up to whole seconds for the
// Retry-After header. Never less than 1 on a denial.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter applies a Policy to a request key using the store's atomic
// increment. One Limiter instance is shared by every route; the policy is
// passed per check.
type Limiter struct {
	store Store
	now   func() time.Time

	// onDecision is called after every check, used for prometheus counters.
	onDecision func(policy string, allowed bool)
}

type Option func(*Limiter)

// WithOnDecision sets a callback invoked after every check with the policy
// name and outcome. Must be fast; it runs on the request path.
func WithOnDecision(fn func(policy string, allowed bool)) Option {
	return func(l *Limiter) { l.onDecision = fn }
}

func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Check counts this request against key's window under p and reports the
// verdict. A denied request still counts toward the window: flooding past the
// limit never extends or resets the window early.
//
// The error is non-nil only when a remote store failed; the Decision is still
// populated fail-open in that case so callers can choose to admit.
func (l *Limiter) Check(ctx context.Context, key string, p Policy) (Decision, error) {
	rec, err := l.store.Increment(ctx, key, p.Window)
	if err != nil {
		// Store trouble must not take the API down. Admit, surface the error
		// for the caller to log and count.
		d := Decision{
			Allowed:   true,
			Limit:     p.MaxRequests,
			Used:      0,
			Remaining: p.MaxRequests,
			ResetAt:   l.now().Add(p.Window),
		}
		if l.onDecision != nil {
			l.onDecision(p.Name, true)
		}
		return d, err
	}

	used := int(rec.Count)
	remaining := p.MaxRequests - used
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed:   used <= p.MaxRequests,
		Limit:     p.MaxRequests,
		Used:      used,
		Remaining: remaining,
		ResetAt:   rec.WindowStart.Add(p.Window),
	}
	if !d.Allowed {
		d.RetryAfter = d.ResetAt.Sub(l.now())
	}

	if l.onDecision != nil {
		l.onDecision(p.Name, d.Allowed)
	}
	return d, nil
}

// Peek reads key's current counter without consuming quota.
func (l *Limiter) Peek(ctx context.Context, key string) (Record, bool, error) {
	return l.store.Peek(ctx, key)
}

// ClientKey builds the composite quota key. Including the policy name keeps
// one route class's quota pool separate from another's for the same client.
func ClientKey(clientIP, policy string) string {
	if clientIP == "" {
		clientIP = "unknown"
	}
	return clientIP + "|" + policy
}
