package evalapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/rcavalcanti/bifrost/internal/analytics"
	"github.com/rcavalcanti/bifrost/internal/engine"
	"github.com/rcavalcanti/bifrost/internal/experiment"
	"github.com/rcavalcanti/bifrost/internal/logger"
	"github.com/rcavalcanti/bifrost/internal/observability"
	"github.com/rcavalcanti/bifrost/internal/registry"
)

// Deps carries the API's collaborators.
type Deps struct {
	// Source backs both flag evaluation and experiment lookups.
	Source *CachedSource

	// Emitter receives conversion events. Nil disables emission; the
	// conversion endpoint still answers 202 so clients need no special casing
	// in environments without an analytics pipeline.
	Emitter analytics.Emitter

	Logger *slog.Logger
}

// API is the evaluation-plane HTTP server surface. Endpoints are unauthenticated
// by design: they expose only boolean decisions and variant ids, and sit behind
// the service mesh on the hot path where per-request auth would dominate the
// latency budget.
type API struct {
	Router *chi.Mux

	engine  *engine.Engine
	source  *CachedSource
	emitter analytics.Emitter
	logger  *slog.Logger

	// now is injectable so tests can pin variant window checks.
	now func() time.Time
}

// Option configures an API.
type Option func(*API)

// WithClock overrides the time source used for experiment window checks.
func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

// NewAPI wires the evaluation server.
func NewAPI(deps Deps, opts ...Option) *API {
	if deps.Source == nil {
		panic("evalapi: source cannot be nil")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	a := &API{
		Router:  chi.NewRouter(),
		engine:  engine.New(deps.Source, deps.Logger),
		source:  deps.Source,
		emitter: deps.Emitter,
		logger:  deps.Logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.configureRoutes()
	return a
}

func (a *API) configureRoutes() {
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(a.requestLogger)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(metricsMiddleware)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	a.Router.Get("/health", a.handleHealth)

	a.Router.Route("/v1", func(r chi.Router) {
		r.Post("/evaluate", a.handleEvaluate)
		r.Post("/variant", a.handleVariant)
		r.Post("/conversions", a.handleRecordConversion)
	})
}

// handleHealth reports readiness, including the L2 backend. A degraded L2
// still serves (L1 entries remain valid until TTL), so the check reports but
// the process keeps answering.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.source.HealthCheck(r.Context()); err != nil {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// handleEvaluate processes POST /v1/evaluate. The engine never errors: unknown
// flags come back as enabled=false with reason NOT_FOUND and a 200, because a
// missing flag is a legitimate decision on the read path, not a client fault.
func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderBadJSON(w, r, err)
		return
	}
	if req.FlagKey == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "flag_key is required"})
		return
	}

	result := a.engine.Evaluate(r.Context(), req.FlagKey, req.Subject.toDomain())
	observability.Evaluations.WithLabelValues(string(result.Reason)).Inc()

	render.Status(r, http.StatusOK)
	render.JSON(w, r, EvaluateResponse{
		FlagKey: req.FlagKey,
		Enabled: result.Enabled,
		Reason:  result.Reason,
	})
}

// handleVariant processes POST /v1/variant. Unlike flag evaluation, an unknown
// experiment is a 404: there is no safe default arm to hand out for an
// experiment that does not exist.
func (a *API) handleVariant(w http.ResponseWriter, r *http.Request) {
	var req VariantRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderBadJSON(w, r, err)
		return
	}
	if req.ExperimentKey == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "experiment_key is required"})
		return
	}

	e, err := a.source.Experiment(r.Context(), req.ExperimentKey)
	if err != nil {
		renderLookupError(w, r, err)
		return
	}

	variant := experiment.Resolve(e, a.source, req.Subject.toDomain(), a.now())
	observability.VariantAssignments.WithLabelValues(req.ExperimentKey).Inc()

	render.Status(r, http.StatusOK)
	render.JSON(w, r, VariantResponse{ExperimentKey: req.ExperimentKey, Variant: variant})
}

// handleRecordConversion processes POST /v1/conversions. The variant is
// recomputed server-side from the subject, never trusted from the client, so
// a buggy SDK cannot skew arm attribution. Emission is fire-and-forget.
func (a *API) handleRecordConversion(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req ConversionRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderBadJSON(w, r, err)
		return
	}
	if req.ExperimentKey == "" || req.Subject.ID == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "experiment_key and subject.id are required",
		})
		return
	}

	e, err := a.source.Experiment(r.Context(), req.ExperimentKey)
	if err != nil {
		renderLookupError(w, r, err)
		return
	}

	variant := experiment.Resolve(e, a.source, req.Subject.toDomain(), a.now())

	eventName := req.EventName
	if eventName == "" {
		eventName = "conversion"
	}

	if a.emitter != nil {
		event := analytics.NewEvent(eventName, map[string]any{
			"experiment_key": req.ExperimentKey,
			"subject_id":     req.Subject.ID,
			"variant":        variant,
			"value":          req.Value,
		})
		if err := a.emitter.Emit(r.Context(), event); err != nil {
			log.Warn("conversion emit failed",
				slog.String("experiment_key", req.ExperimentKey),
				slog.String("error", err.Error()),
			)
		}
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"status": "accepted", "variant": variant})
}

// renderLookupError maps definition lookup failures: unknown key is a 404,
// anything else (L2 down past the L1) is a 503 so load balancers retry
// elsewhere.
func renderLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Code: "ERR_NOT_FOUND", Message: "Experiment not found"})
		return
	}

	logger.FromContext(r.Context()).Error("definition lookup failed", slog.String("error", err.Error()))
	render.Status(r, http.StatusServiceUnavailable)
	render.JSON(w, r, ErrorResponse{Code: "ERR_UNAVAILABLE", Message: "Definition store unavailable"})
}

func renderBadJSON(w http.ResponseWriter, r *http.Request, err error) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_JSON", Message: "Malformed request body: " + err.Error()})
}
