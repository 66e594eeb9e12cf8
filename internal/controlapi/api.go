// Package controlapi implements the administrative REST API of Bifrost.
package controlapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rafaeljc/bifrost/internal/recorder"
	"github.com/rafaeljc/bifrost/internal/rollback"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/service"
)

// FlagService is the part of the engine the API exposes.
type FlagService interface {
	ListFlags(ctx context.Context) []*ruleengine.Flag
	GetFlagDefinition(ctx context.Context, flagID string) (*ruleengine.Flag, error)
	UpsertFlag(ctx context.Context, flag *ruleengine.Flag) (*ruleengine.Flag, error)
	RollbackFlag(ctx context.Context, flagID, reason, language string) (rollback.Event, error)
	GetRollbackHistory(ctx context.Context, flagID string) []rollback.Event
	RecordMetric(ctx context.Context, flagID, metric string, value float64, language string) error
	GetFlagMetrics(ctx context.Context, flagID string) (map[string][]recorder.Sample, error)
	Evaluate(ctx context.Context, flagID string, evalCtx ruleengine.Context, fallback ruleengine.Value) service.Evaluation
}

var _ FlagService = (*service.Service)(nil)

// API holds the router and its dependencies.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	flags  FlagService
	logger *slog.Logger

	// apiKeyHash is the hex SHA-256 of the accepted X-API-Key value.
	apiKeyHash string

	// skipAuth disables authentication (development and tests only).
	skipAuth bool
}

// NewAPI creates an API with authentication enabled.
// Panics if apiKeyHash is empty.
func NewAPI(logger *slog.Logger, flags FlagService, apiKeyHash string) *API {
	return NewAPIWithConfig(logger, flags, apiKeyHash, false)
}

// NewAPIWithConfig creates an API with explicit control over authentication.
//
// Panics if:
//   - flags is nil
//   - apiKeyHash is empty when skipAuth is false
func NewAPIWithConfig(logger *slog.Logger, flags FlagService, apiKeyHash string, skipAuth bool) *API {
	if flags == nil {
		panic("controlapi: flag service cannot be nil")
	}
	if !skipAuth && apiKeyHash == "" {
		panic("controlapi: apiKeyHash cannot be empty when authentication is enabled")
	}
	if logger == nil {
		logger = slog.Default()
	}

	api := &API{
		Router:     chi.NewRouter(),
		flags:      flags,
		logger:     logger,
		apiKeyHash: apiKeyHash,
		skipAuth:   skipAuth,
	}

	api.configureRoutes()
	return api
}

// Handler returns the router wrapped in OpenTelemetry HTTP instrumentation.
func (a *API) Handler() http.Handler {
	return otelhttp.NewHandler(a.Router, "control-plane",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// configureRoutes registers the global middleware stack and API endpoints.
func (a *API) configureRoutes() {
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(a.injectLogger)
	a.Router.Use(RequestLogger)
	a.Router.Use(RequestMetrics)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	a.Router.Get("/health", a.handleHealthCheck)

	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticateAPIKey)

		r.Get("/rollbacks", a.handleRollbackHistory)

		r.Route("/flags", func(r chi.Router) {
			r.Get("/", a.handleListFlags)

			r.Route("/{id}", func(r chi.Router) {
				r.Use(tagFlag)
				r.Get("/", a.handleGetFlag)
				r.Put("/", a.handleUpsertFlag)
				r.Post("/rollback", a.handleRollback)
				r.Get("/metrics", a.handleGetMetrics)
				r.Post("/metrics", a.handleRecordMetric)
				r.Post("/evaluate", a.handleEvaluate)
			})
		})
	})
}

// handleHealthCheck reports that the API is serving. Dependency checks live on
// the observability server's readiness probe.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}
