package api

import (
	"errors"
	"fmt"
	"net/http"

	"classcast/internal/broadcast"
	"classcast/internal/orchestrator"
	"classcast/internal/storage"
)

// writeDomainError maps the storage/orchestrator error taxonomy onto HTTP
// statuses. Pool exhaustion is an expected 409, distinct from the 503 a
// provider outage produces, so callers can tell "try again later" apart from
// "the platform is degraded".
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNoFreeChannels):
		writeError(w, http.StatusConflict, fmt.Errorf("no broadcast channels are free right now, try again shortly: %w", err))
	case errors.Is(err, storage.ErrNotReserved),
		errors.Is(err, storage.ErrSessionNotScheduled),
		errors.Is(err, storage.ErrChannelActive),
		errors.Is(err, storage.ErrChannelAssigned),
		errors.Is(err, orchestrator.ErrSessionLive):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, storage.ErrChannelNotFound),
		errors.Is(err, storage.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, orchestrator.ErrNotSessionOwner):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, orchestrator.ErrMentorProfileMissing):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, broadcast.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("streaming provider unavailable: %w", err))
	case errors.Is(err, storage.ErrInvariantViolation):
		h.logger().Error("pool invariant violation surfaced to API", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
