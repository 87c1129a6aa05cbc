package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kordahl/insight-server/internal/httpmw"
)

// FloodGuard is a coarse per-IP token bucket that runs in front of the policy
// limiter. The policy limiter protects endpoint classes; this protects the
// process itself (connection/goroutine exhaustion) before any route is even
// resolved, and caps how many distinct addresses we will track at once.
type FloodGuard struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond rate.Limit
	burst     int

	// ttl is how long an idle address stays tracked before the janitor
	// evicts it
	ttl time.Duration

	// maxVisitors caps the tracking map; 0 disables the cap. New addresses
	// are rejected while the map is full, existing ones keep their buckets.
	maxVisitors int
	capWarned   bool

	// OnFirstDenied fires once per tracked visitor on their first denial,
	// resets when the entry is evicted. Used for one log line per offender.
	OnFirstDenied func(ip string)

	// OnDenied fires on every denial, used for counters.
	OnDenied func(ip string)

	// OnCapacity fires once when the visitor cap is first hit, resets after
	// eviction frees room.
	OnCapacity func()
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	denied   bool
}

type GuardOption func(*FloodGuard)

// WithGuardRate sets the refill rate and bucket size. WithGuardRate(10, 50)
// admits a burst of 50, then 10 per second.
func WithGuardRate(perSecond float64, burst int) GuardOption {
	return func(g *FloodGuard) {
		g.perSecond = rate.Limit(perSecond)
		g.burst = burst
	}
}

// WithGuardTTL controls how long an idle address stays in the map.
func WithGuardTTL(d time.Duration) GuardOption {
	return func(g *FloodGuard) { g.ttl = d }
}

// WithMaxVisitors caps the number of tracked addresses. 0 means no cap.
func WithMaxVisitors(n int) GuardOption {
	return func(g *FloodGuard) { g.maxVisitors = n }
}

func WithOnFirstDenied(fn func(ip string)) GuardOption {
	return func(g *FloodGuard) { g.OnFirstDenied = fn }
}

func WithOnDenied(fn func(ip string)) GuardOption {
	return func(g *FloodGuard) { g.OnDenied = fn }
}

func WithOnCapacity(fn func()) GuardOption {
	return func(g *FloodGuard) { g.OnCapacity = fn }
}

// NewFloodGuard creates the guard and starts its eviction goroutine, which
// stops when ctx is cancelled.
func NewFloodGuard(ctx context.Context, opts ...GuardOption) *FloodGuard {
	g := &FloodGuard{
		visitors:    make(map[string]*visitor),
		perSecond:   25,
		burst:       75,
		ttl:         5 * time.Minute,
		maxVisitors: 100000,
	}
	for _, o := range opts {
		o(g)
	}
	go g.evictLoop(ctx)
	return g
}

// allow reports whether ip may proceed, creating its bucket on first sight.
func (g *FloodGuard) allow(ip string) bool {
	g.mu.Lock()

	v, exists := g.visitors[ip]
	if !exists {
		if g.maxVisitors > 0 && len(g.visitors) >= g.maxVisitors {
			fireCap := !g.capWarned
			g.capWarned = true
			g.mu.Unlock()
			if fireCap && g.OnCapacity != nil {
				g.OnCapacity()
			}
			if g.OnDenied != nil {
				g.OnDenied(ip)
			}
			return false
		}
		v = &visitor{limiter: rate.NewLimiter(g.perSecond, g.burst)}
		g.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()

	if !allowed && !v.denied {
		v.denied = true
		// drop the lock before hooks: they may log or do other slow work
		g.mu.Unlock()
		if g.OnFirstDenied != nil {
			g.OnFirstDenied(ip)
		}
		if g.OnDenied != nil {
			g.OnDenied(ip)
		}
		return false
	}

	g.mu.Unlock()

	if !allowed && g.OnDenied != nil {
		g.OnDenied(ip)
	}
	return allowed
}

// Visitors returns how many addresses are currently tracked.
func (g *FloodGuard) Visitors() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.visitors)
}

// evictLoop drops addresses idle past the TTL. Runs every TTL/2 so stale
// entries never outlive the TTL by much.
func (g *FloodGuard) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(g.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.mu.Lock()
			for ip, v := range g.visitors {
				if now.Sub(v.lastSeen) > g.ttl {
					delete(g.visitors, ip)
				}
			}
			if g.maxVisitors == 0 || len(g.visitors) < g.maxVisitors {
				g.capWarned = false
			}
			g.mu.Unlock()
		}
	}
}

// Middleware rejects over-rate addresses with a bare 429. No quota headers
// here: this is abuse protection, not the per-policy contract, and telling a
// flooder precisely when to come back helps nobody.
func (g *FloodGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpmw.ClientIPFromContext(r.Context())

		if !g.allow(ip) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"too_many_requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
