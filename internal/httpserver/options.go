package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kordahl/insight-server/internal/health"
	"github.com/kordahl/insight-server/internal/httpmw"
	"github.com/kordahl/insight-server/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	FloodGuardMW func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe
	ClientIPOpts httpmw.ClientIPOptions

	// APIRoutes mounts the application routes (rate-limited endpoints and
	// the introspection API) on the router.
	APIRoutes func(chi.Router)
}
