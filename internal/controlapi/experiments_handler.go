package controlapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rcavalcanti/bifrost/internal/logger"
)

// handleCreateExperiment processes POST /api/v1/experiments. The controller
// enforces weight conservation and rejects variant changes on a live key, so
// reshuffles can only happen under a fresh key.
func (a *API) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req ExperimentRequest
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

	e := req.toDomain()

	_, existed := a.lookupExperiment(r, e.Key)

	if err := a.experiments.Define(e); err != nil {
		renderDomainError(w, r, err)
		return
	}

	if existed {
		if err := a.store.UpdateExperiment(r.Context(), e); err != nil {
			renderDomainError(w, r, err)
			return
		}
		log.Info("experiment updated", slog.String("experiment_key", e.Key))
		render.Status(r, http.StatusOK)
		render.JSON(w, r, e)
		return
	}

	if err := a.store.CreateExperiment(r.Context(), e); err != nil {
		_ = a.experiments.Delete(e.Key)
		renderDomainError(w, r, err)
		return
	}

	log.Info("experiment created", slog.String("experiment_key", e.Key))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, e)
}

// lookupExperiment reports whether the key is already defined, preferring
// the in-memory controller.
func (a *API) lookupExperiment(r *http.Request, key string) (any, bool) {
	if e, err := a.experiments.Get(key); err == nil {
		return e, true
	}
	if e, err := a.store.GetExperiment(r.Context(), key); err == nil {
		return e, true
	}
	return nil, false
}

// handleListExperiments processes GET /api/v1/experiments.
func (a *API) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	experiments, err := a.store.ListExperiments(r.Context())
	if err != nil {
		renderDomainError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, ListResponse{Data: experiments, Total: len(experiments)})
}

// handleGetExperiment processes GET /api/v1/experiments/{key}.
func (a *API) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	e, err := a.experiments.Get(key)
	if err != nil {
		e, err = a.store.GetExperiment(r.Context(), key)
		if err != nil {
			renderDomainError(w, r, err)
			return
		}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, e)
}

// handleDeleteExperiment processes DELETE /api/v1/experiments/{key}.
func (a *API) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	key := chi.URLParam(r, "key")

	if err := a.store.DeleteExperiment(r.Context(), key); err != nil {
		renderDomainError(w, r, err)
		return
	}
	_ = a.experiments.Delete(key)

	log.Info("experiment deleted", slog.String("experiment_key", key))
	render.NoContent(w, r)
}
