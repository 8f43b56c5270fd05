package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/haukened/fleeting/internal/app"
	"github.com/haukened/fleeting/internal/domain"
)

// writeJSON writes v as a JSON body with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body with given status code.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, struct {
		Error string `json:"error"`
	}{Error: msg})
	if cid, ok := GetCorrelationID(ctx); ok {
		h.logger().Debug("wrote error response", "cid", cid, "status", code, "msg", msg)
	}
}

// mapServiceError maps domain and service errors to HTTP responses.
func (h *Handler) mapServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	cid, _ := GetCorrelationID(ctx)
	log := h.logger()
	switch {
	case errors.Is(err, domain.ErrValidation):
		log.Info("service error", "cid", cid, "code", "validation")
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrTooLarge):
		log.Warn("service error", "cid", cid, "code", "too_large")
		h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "text too large")
	case errors.Is(err, app.ErrNotFound), errors.Is(err, domain.ErrInvalidID):
		log.Info("service error", "cid", cid, "code", "not_found")
		h.writeError(ctx, w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrGone):
		log.Info("service error", "cid", cid, "code", "gone")
		h.writeError(ctx, w, http.StatusGone, "gone")
	default:
		// Backend errors can carry ids or paths; log only the class.
		code := "unhandled"
		if errors.Is(err, app.ErrStorageUnavailable) {
			code = "storage_unavailable"
		}
		log.Error("service error", "cid", cid, "code", code)
		h.writeError(ctx, w, http.StatusInternalServerError, "internal")
	}
}
