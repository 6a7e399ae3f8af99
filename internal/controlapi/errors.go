package controlapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/rcavalcanti/bifrost/internal/experiment"
	"github.com/rcavalcanti/bifrost/internal/logger"
	"github.com/rcavalcanti/bifrost/internal/registry"
	"github.com/rcavalcanti/bifrost/internal/store"
)

// renderDomainError maps domain sentinels onto HTTP statuses with the
// standard error body. Unknown errors become opaque 500s; the detail goes to
// the log, not the client.
func renderDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrValidation):
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_INPUT", Message: err.Error()})

	case errors.Is(err, registry.ErrNotFound):
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Code: "ERR_NOT_FOUND", Message: err.Error()})

	case errors.Is(err, store.ErrDuplicate):
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, ErrorResponse{Code: "ERR_CONFLICT", Message: err.Error()})

	case errors.Is(err, experiment.ErrVariantsChanged):
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, ErrorResponse{Code: "ERR_CONFLICT", Message: err.Error()})

	default:
		logger.FromContext(r.Context()).Error("request failed", "error", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: "Internal server error"})
	}
}

// renderBadJSON answers a malformed request body.
func renderBadJSON(w http.ResponseWriter, r *http.Request, err error) {
	logger.FromContext(r.Context()).Warn("invalid json payload", "error", err)
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{
		Code:    "ERR_INVALID_JSON",
		Message: "Invalid JSON payload: " + err.Error(),
	})
}
