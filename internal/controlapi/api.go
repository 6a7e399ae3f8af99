// Package controlapi implements the REST API for the Bifrost control plane.
// It handles HTTP routing, request decoding, validation and response
// formatting; domain rules live in registry, experiment and rollout.
package controlapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/rcavalcanti/bifrost/internal/experiment"
	"github.com/rcavalcanti/bifrost/internal/registry"
	"github.com/rcavalcanti/bifrost/internal/rollout"
	"github.com/rcavalcanti/bifrost/internal/store"
)

// Repository is the slice of the store the control plane writes.
type Repository interface {
	store.FlagRepository
	store.SegmentRepository
	store.ExperimentRepository
}

// Deps bundles the API's collaborators for injection.
type Deps struct {
	// Registry is the in-memory authoritative definition set for this
	// control plane instance. Handlers keep it in step with the store.
	Registry *registry.Registry

	// Experiments owns experiment definitions and variant resolution.
	Experiments *experiment.Controller

	// Rollouts drives staged rollout state; nil disables rollout routes'
	// mutations (they answer 503).
	Rollouts *rollout.Controller

	// Store persists definitions; the syncer propagates them to Redis.
	Store Repository

	// Logger is the base logger; request-scoped children are derived per call.
	Logger *slog.Logger
}

// API holds the router and dependencies for the control plane.
type API struct {
	Router *chi.Mux

	registry    *registry.Registry
	experiments *experiment.Controller
	rollouts    *rollout.Controller
	store       Repository
	logger      *slog.Logger

	// apiKeyHash is the SHA-256 hash of the valid API key.
	apiKeyHash string

	// skipAuth disables authentication (test/dev environments only).
	skipAuth bool
}

// NewAPI creates an API with authentication enabled. apiKeyHash must be the
// SHA-256 hex of the API key.
func NewAPI(deps Deps, apiKeyHash string) *API {
	return NewAPIWithConfig(deps, apiKeyHash, false)
}

// NewAPIWithConfig creates an API with explicit control over authentication.
// skipAuth exists for tests; production always authenticates. Panics on nil
// mandatory dependencies or an empty hash with auth enabled.
func NewAPIWithConfig(deps Deps, apiKeyHash string, skipAuth bool) *API {
	if deps.Registry == nil {
		panic("controlapi: registry cannot be nil")
	}
	if deps.Experiments == nil {
		panic("controlapi: experiment controller cannot be nil")
	}
	if deps.Store == nil {
		panic("controlapi: store cannot be nil")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if !skipAuth && apiKeyHash == "" {
		panic("controlapi: apiKeyHash cannot be empty when authentication is enabled")
	}

	api := &API{
		Router:      chi.NewRouter(),
		registry:    deps.Registry,
		experiments: deps.Experiments,
		rollouts:    deps.Rollouts,
		store:       deps.Store,
		logger:      deps.Logger,
		apiKeyHash:  apiKeyHash,
		skipAuth:    skipAuth,
	}

	api.configureRoutes()
	return api
}

// configureRoutes registers the global middleware stack and API endpoints.
func (a *API) configureRoutes() {
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(a.requestLogger)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(metricsMiddleware)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	// Public routes
	a.Router.Get("/health", a.handleHealthCheck)

	// Protected API v1 routes
	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticateAPIKey)

		r.Route("/flags", func(r chi.Router) {
			r.Post("/", a.handleCreateFlag)
			r.Get("/", a.handleListFlags)

			r.Route("/{key}", func(r chi.Router) {
				r.Get("/", a.handleGetFlag)
				r.Patch("/", a.handleUpdateFlag)
				r.Delete("/", a.handleDeleteFlag)
			})
		})

		r.Route("/segments", func(r chi.Router) {
			r.Put("/", a.handleUpsertSegment)
			r.Get("/", a.handleListSegments)

			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", a.handleGetSegment)
				r.Delete("/", a.handleDeleteSegment)
			})
		})

		r.Route("/experiments", func(r chi.Router) {
			r.Post("/", a.handleCreateExperiment)
			r.Get("/", a.handleListExperiments)

			r.Route("/{key}", func(r chi.Router) {
				r.Get("/", a.handleGetExperiment)
				r.Delete("/", a.handleDeleteExperiment)
			})
		})

		r.Route("/rollouts", func(r chi.Router) {
			r.Post("/", a.handleStartRollout)
			r.Get("/", a.handleListRollouts)

			r.Route("/{key}", func(r chi.Router) {
				r.Get("/", a.handleRolloutStatus)
				r.Post("/pause", a.handlePauseRollout)
				r.Post("/resume", a.handleResumeRollout)
				r.Post("/rollback", a.handleRollbackRollout)
			})
		})
	})
}

// handleHealthCheck reports basic serving capability. Deep dependency checks
// live on the observability server's readiness probe.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}
