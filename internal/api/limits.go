// Package api serves the read-only limit introspection endpoints consumed by
// the dashboard frontend.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kordahl/insight-server/internal/httpmw"
	"github.com/kordahl/insight-server/internal/log"
	"github.com/kordahl/insight-server/internal/ratelimit"
)

type LimitsHandler struct {
	registry *ratelimit.Registry
	limiter  *ratelimit.Limiter
}

func NewLimitsHandler(reg *ratelimit.Registry, lim *ratelimit.Limiter) *LimitsHandler {
	return &LimitsHandler{registry: reg, limiter: lim}
}

// Routes mounts the introspection endpoints on the given router.
func (h *LimitsHandler) Routes(r chi.Router) {
	r.Get("/api/limits", h.listPolicies)
	r.Get("/api/limits/self", h.selfStatus)
}

type policyJSON struct {
	Name          string `json:"name"`
	WindowSeconds int    `json:"window_seconds"`
	MaxRequests   int    `json:"max_requests"`
}

func (h *LimitsHandler) listPolicies(w http.ResponseWriter, r *http.Request) {
	policies := h.registry.Policies()
	out := make([]policyJSON, 0, len(policies))
	for _, p := range policies {
		out = append(out, policyJSON{
			Name:          p.Name,
			WindowSeconds: int(p.Window / time.Second),
			MaxRequests:   p.MaxRequests,
		})
	}
	writeJSON(r, w, http.StatusOK, map[string]any{"policies": out})
}

type selfStatusJSON struct {
	Policy    string `json:"policy"`
	Limit     int    `json:"limit"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
	ResetAt   int64  `json:"reset_at,omitempty"`
}

// selfStatus reports the caller's current counters across all policies
// without consuming quota. A policy the caller has not touched this window
// reports zero used and no reset time.
func (h *LimitsHandler) selfStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := httpmw.ClientIPFromContext(ctx)

	statuses := make([]selfStatusJSON, 0)
	for _, p := range h.registry.Policies() {
		key := ratelimit.ClientKey(ip, p.Name)
		rec, ok, err := h.limiter.Peek(ctx, key)
		if err != nil {
			log.FromContext(ctx).Warn(ctx, "limit peek failed", "policy", p.Name, "err", err)
			ok = false
		}

		s := selfStatusJSON{
			Policy:    p.Name,
			Limit:     p.MaxRequests,
			Remaining: p.MaxRequests,
		}
		if ok {
			s.Used = int(rec.Count)
			s.Remaining = p.MaxRequests - s.Used
			if s.Remaining < 0 {
				s.Remaining = 0
			}
			s.ResetAt = rec.WindowStart.Add(p.Window).Unix()
		}
		statuses = append(statuses, s)
	}

	writeJSON(r, w, http.StatusOK, map[string]any{
		"client": ip,
		"limits": statuses,
	})
}

func writeJSON(r *http.Request, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.FromContext(r.Context()).Warn(r.Context(), "response encode failed", "err", err)
	}
}
