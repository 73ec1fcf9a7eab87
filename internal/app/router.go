package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/ae-utbm/comptoir/internal/apiclient"
	"github.com/ae-utbm/comptoir/internal/auth"
	"github.com/ae-utbm/comptoir/internal/catalog"
	"github.com/ae-utbm/comptoir/internal/counter"
	"github.com/ae-utbm/comptoir/internal/eboutic"
	"github.com/ae-utbm/comptoir/internal/notification"
	"github.com/ae-utbm/comptoir/internal/observability"
	"github.com/ae-utbm/comptoir/internal/shared"
	"github.com/ae-utbm/comptoir/jobs"
)

// RouterParams carries everything the HTTP router needs.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Callers        CallerResolver
	Metrics        *observability.Metrics

	Auth          *auth.Handler
	Counter       *counter.Handler
	Eboutic       *eboutic.Handler
	Catalog       *catalog.Handler
	Notifications *notification.Handler
	APIClients    *apiclient.Handler
	Jobs          *jobs.Handler
}

// NewRouter builds the chi router. Browser routes carry the session and
// CSRF stack; counter tills authenticate with the rotating counter token,
// the payment callback is gateway-initiated and the /api/v1 surface is
// API-key authenticated, so those skip it.
func NewRouter(params RouterParams) http.Handler {
	cfg := MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Callers:        params.Callers,
		Metrics:        params.Metrics,
	}

	r := chi.NewRouter()
	r.Use(BaseStack(cfg)...)
	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	sessionStack := SessionStack(cfg)

	// Browser-facing routes.
	r.Group(func(r chi.Router) {
		r.Use(sessionStack...)
		r.Use(CSRFMiddleware(cfg))

		r.Route("/auth", params.Auth.MountRoutes)
		r.Route("/catalog", params.Catalog.MountRoutes)
		params.Eboutic.MountRoutes(r)
		params.Notifications.MountRoutes(r)
		params.APIClients.MountRoutes(r)
	})

	// Counter tills send the rotating counter token instead of a CSRF
	// token, but statements and deletions still rely on the session caller.
	r.Group(func(r chi.Router) {
		r.Use(sessionStack...)
		params.Counter.MountRoutes(r)
	})

	// Gateway callback, sessionless with a tighter rate limit.
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(30, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		params.Eboutic.MountCallback(r)
	})

	// Key-authenticated machine API.
	params.APIClients.MountAPI(r)

	if params.Jobs != nil {
		r.Route("/jobs", params.Jobs.MountRoutes)
	}

	return r
}
