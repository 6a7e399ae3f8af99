package controlapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rcavalcanti/bifrost/internal/logger"
)

// rolloutsEnabled guards the rollout routes when the controller was not
// wired (rollout runner disabled by config).
func (a *API) rolloutsEnabled(w http.ResponseWriter, r *http.Request) bool {
	if a.rollouts != nil {
		return true
	}
	render.Status(r, http.StatusServiceUnavailable)
	render.JSON(w, r, ErrorResponse{
		Code:    "ERR_ROLLOUTS_DISABLED",
		Message: "Rollout controller is disabled on this instance",
	})
	return false
}

// handleStartRollout processes POST /api/v1/rollouts.
func (a *API) handleStartRollout(w http.ResponseWriter, r *http.Request) {
	if !a.rolloutsEnabled(w, r) {
		return
	}
	log := logger.FromContext(r.Context())

	var req StartRolloutRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderBadJSON(w, r, err)
		return
	}

	req.Sanitize()
	schedule, errResp := req.toDomain()
	if errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	if err := a.rollouts.Start(r.Context(), schedule, time.Now()); err != nil {
		renderDomainError(w, r, err)
		return
	}

	status, err := a.rollouts.Status(schedule.FlagKey)
	if err != nil {
		renderDomainError(w, r, err)
		return
	}

	log.Info("rollout started",
		slog.String("flag_key", schedule.FlagKey),
		slog.Any("stages", schedule.Stages),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, status)
}

// handleListRollouts processes GET /api/v1/rollouts, listing active keys.
func (a *API) handleListRollouts(w http.ResponseWriter, r *http.Request) {
	if !a.rolloutsEnabled(w, r) {
		return
	}

	keys := a.rollouts.Active()
	render.Status(r, http.StatusOK)
	render.JSON(w, r, ListResponse{Data: keys, Total: len(keys)})
}

// handleRolloutStatus processes GET /api/v1/rollouts/{key}.
func (a *API) handleRolloutStatus(w http.ResponseWriter, r *http.Request) {
	if !a.rolloutsEnabled(w, r) {
		return
	}

	status, err := a.rollouts.Status(chi.URLParam(r, "key"))
	if err != nil {
		renderDomainError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, status)
}

// handlePauseRollout processes POST /api/v1/rollouts/{key}/pause.
func (a *API) handlePauseRollout(w http.ResponseWriter, r *http.Request) {
	if !a.rolloutsEnabled(w, r) {
		return
	}
	key := chi.URLParam(r, "key")

	if err := a.rollouts.Pause(key); err != nil {
		renderDomainError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("rollout paused", slog.String("flag_key", key))
	a.renderRolloutStatus(w, r, key)
}

// handleResumeRollout processes POST /api/v1/rollouts/{key}/resume. Resuming
// restarts the current stage's dwell timer.
func (a *API) handleResumeRollout(w http.ResponseWriter, r *http.Request) {
	if !a.rolloutsEnabled(w, r) {
		return
	}
	key := chi.URLParam(r, "key")

	if err := a.rollouts.Resume(key, time.Now()); err != nil {
		renderDomainError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("rollout resumed", slog.String("flag_key", key))
	a.renderRolloutStatus(w, r, key)
}

// handleRollbackRollout processes POST /api/v1/rollouts/{key}/rollback.
func (a *API) handleRollbackRollout(w http.ResponseWriter, r *http.Request) {
	if !a.rolloutsEnabled(w, r) {
		return
	}
	key := chi.URLParam(r, "key")

	if err := a.rollouts.ManualRollback(r.Context(), key); err != nil {
		renderDomainError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Info("rollout rolled back manually", slog.String("flag_key", key))
	a.renderRolloutStatus(w, r, key)
}

func (a *API) renderRolloutStatus(w http.ResponseWriter, r *http.Request, key string) {
	status, err := a.rollouts.Status(key)
	if err != nil {
		renderDomainError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, status)
}
