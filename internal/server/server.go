// Package server is the HTTP gateway: OAuth login callbacks, provider
// status, cashflow reports and monitoring endpoints.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pysugar/finlink/internal/auth/statestore"
	"github.com/pysugar/finlink/internal/clock"
	"github.com/pysugar/finlink/internal/integration"
	"github.com/pysugar/finlink/internal/logging"
	"github.com/pysugar/finlink/internal/metrics"
	"github.com/pysugar/finlink/internal/monitor"
)

// Deps are the collaborators of the router. Monitor and Metrics may be nil.
type Deps struct {
	Registry *integration.Registry
	States   statestore.Store
	Monitor  *monitor.AttemptMonitor
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Clock    clock.Clock
	// AdminPassword enables basic auth on /api and /oauth/{id}/login.
	AdminPassword string
	// PublicURL is the externally visible base for callback URLs. When empty
	// it is derived from each request.
	PublicURL string
}

// NewRouter builds the gateway routes.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.States == nil {
		d.States = statestore.NewMemory(d.Clock)
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(accessLog(d.Logger, d.Metrics))

	adminAuth := optionalAdminAuth(d.AdminPassword)

	// Public routes
	r.Get("/healthz", HealthHandler())
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	r.Get("/oauth/{id}/callback", OAuthCallbackHandler(d))

	r.With(adminAuth).Get("/oauth/{id}/login", OAuthLoginHandler(d))

	r.Route("/api", func(r chi.Router) {
		r.Use(adminAuth)
		r.Get("/providers", ProvidersHandler(d.Registry))
		r.Get("/providers/{id}/status", ProviderStatusHandler(d.Registry))
		r.Post("/providers/{id}/logout", LogoutHandler(d.Registry))
		r.Get("/providers/{id}/cashflow", CashflowHandler(d.Registry))
		r.Get("/providers/{id}/reports/{reportID}/cashflow", CashflowHandler(d.Registry))

		if d.Monitor != nil {
			r.Get("/monitor/attempts", AttemptLogsHandler(d.Monitor))
			r.Get("/monitor/stats", AttemptStatsHandler(d.Monitor))
			r.Post("/monitor/toggle", ToggleMonitorHandler(d.Monitor))
			r.Delete("/monitor/attempts", ClearAttemptLogsHandler(d.Monitor))
		}
	})

	return r
}

func optionalAdminAuth(adminPassword string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminPassword == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || !constantTimeEqual(pass, adminPassword) {
				w.Header().Set("WWW-Authenticate", `Basic realm="finlink admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-Request-ID"); id != "" {
			ctx = logging.WithRequestID(ctx, id)
		}
		ctx, id := logging.EnsureRequestID(ctx)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accessLog(logger *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			m.ObserveHTTPRequest(r.Method, route, status, elapsed)
			logging.FromContext(r.Context(), logger).Debug("http request",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("duration", elapsed))
		})
	}
}
