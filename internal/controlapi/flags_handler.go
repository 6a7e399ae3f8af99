package controlapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rcavalcanti/bifrost/internal/logger"
)

// handleCreateFlag processes POST /api/v1/flags.
//
// The flow is decode -> sanitize -> validate -> registry.Define (domain
// invariants, cycle detection) -> persist. The registry is updated first: a
// definition the registry rejects must never reach the database.
func (a *API) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req CreateFlagRequest
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

	def := req.toDomain()

	if _, err := a.registry.Get(def.Key); err == nil {
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_CONFLICT",
			Message: "A flag with this key already exists",
		})
		return
	}

	if err := a.registry.Define(*def); err != nil {
		renderDomainError(w, r, err)
		return
	}

	if err := a.store.CreateFlag(r.Context(), def); err != nil {
		// Keep memory and storage consistent on failure.
		a.registry.Delete(def.Key)
		renderDomainError(w, r, err)
		return
	}

	log.Info("flag created", slog.String("flag_key", def.Key))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, flagFromDomain(def))
}

// handleListFlags processes GET /api/v1/flags.
func (a *API) handleListFlags(w http.ResponseWriter, r *http.Request) {
	defs, err := a.store.ListFlags(r.Context())
	if err != nil {
		renderDomainError(w, r, err)
		return
	}

	dtos := make([]FlagDTO, len(defs))
	for i, def := range defs {
		dtos[i] = flagFromDomain(def)
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, ListResponse{Data: dtos, Total: len(dtos)})
}

// handleGetFlag processes GET /api/v1/flags/{key}. Reads come from the
// in-memory registry, falling back to the store for definitions created by
// another control plane instance.
func (a *API) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	def, err := a.registry.Get(key)
	if err != nil {
		def, err = a.store.GetFlag(r.Context(), key)
		if err != nil {
			renderDomainError(w, r, err)
			return
		}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, flagFromDomain(def))
}

// handleUpdateFlag processes PATCH /api/v1/flags/{key}.
//
// Percentage changes are routed through registry.SetRolloutPercentage, the
// single authorized percentage write path; every other field goes through a
// full Define so the domain invariants re-run.
func (a *API) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	key := chi.URLParam(r, "key")

	var req UpdateFlagRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderBadJSON(w, r, err)
		return
	}

	current, err := a.registry.Get(key)
	if err != nil {
		current, err = a.store.GetFlag(r.Context(), key)
		if err != nil {
			renderDomainError(w, r, err)
			return
		}
	}

	next := req.apply(current)
	next.Key = key // the natural key is immutable

	// Redefine with the previous percentage first so structural changes and
	// the percentage write stay on their separate authorized paths.
	pct := next.RolloutPercentage
	next.RolloutPercentage = current.RolloutPercentage
	if err := a.registry.Define(*next); err != nil {
		renderDomainError(w, r, err)
		return
	}

	if req.RolloutPercentage != nil {
		if err := a.registry.SetRolloutPercentage(key, pct); err != nil {
			renderDomainError(w, r, err)
			return
		}
	}

	stored, err := a.registry.Get(key)
	if err != nil {
		renderDomainError(w, r, err)
		return
	}

	if err := a.store.UpdateFlag(r.Context(), stored); err != nil {
		renderDomainError(w, r, err)
		return
	}

	log.Info("flag updated", slog.String("flag_key", key))
	render.Status(r, http.StatusOK)
	render.JSON(w, r, flagFromDomain(stored))
}

// handleDeleteFlag processes DELETE /api/v1/flags/{key}.
func (a *API) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	key := chi.URLParam(r, "key")

	if err := a.store.DeleteFlag(r.Context(), key); err != nil {
		renderDomainError(w, r, err)
		return
	}
	a.registry.Delete(key)

	log.Info("flag deleted", slog.String("flag_key", key))
	render.NoContent(w, r)
}
