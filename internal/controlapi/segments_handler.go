package controlapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rcavalcanti/bifrost/internal/logger"
)

// handleUpsertSegment processes PUT /api/v1/segments. Segments are upserted:
// redefining a rule re-targets every flag and experiment referencing it,
// which is the point of named segments.
func (a *API) handleUpsertSegment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req SegmentRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderBadJSON(w, r, err)
		return
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	rule := req.toDomain()

	// RegisterSegment compiles the predicate and rejects unknown kinds or
	// missing params before anything is persisted.
	if err := a.registry.RegisterSegment(*rule); err != nil {
		renderDomainError(w, r, err)
		return
	}

	if err := a.store.UpsertSegment(r.Context(), rule); err != nil {
		renderDomainError(w, r, err)
		return
	}

	log.Info("segment upserted", slog.String("segment", rule.Name), slog.String("kind", rule.Kind))
	render.Status(r, http.StatusOK)
	render.JSON(w, r, segmentFromDomain(rule))
}

// handleListSegments processes GET /api/v1/segments.
func (a *API) handleListSegments(w http.ResponseWriter, r *http.Request) {
	rules, err := a.store.ListSegments(r.Context())
	if err != nil {
		renderDomainError(w, r, err)
		return
	}

	dtos := make([]SegmentDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = segmentFromDomain(rule)
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, ListResponse{Data: dtos, Total: len(dtos)})
}

// handleGetSegment processes GET /api/v1/segments/{name}.
func (a *API) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	rule, ok := a.registry.Segment(name)
	if !ok {
		var err error
		rule, err = a.store.GetSegment(r.Context(), name)
		if err != nil {
			renderDomainError(w, r, err)
			return
		}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, segmentFromDomain(rule))
}

// handleDeleteSegment processes DELETE /api/v1/segments/{name}. Flags still
// referencing the segment keep working: unknown references are skipped at
// evaluation time.
func (a *API) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	name := chi.URLParam(r, "name")

	if err := a.store.DeleteSegment(r.Context(), name); err != nil {
		renderDomainError(w, r, err)
		return
	}

	log.Info("segment deleted", slog.String("segment", name))
	render.NoContent(w, r)
}
