package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"classcast/internal/auth"
	"classcast/internal/broadcast"
	"classcast/internal/observability/metrics"
	"classcast/internal/orchestrator"
	"classcast/internal/storage"
)

type Handler struct {
	Store        storage.Repository
	Orchestrator *orchestrator.Orchestrator
	Tokens       *auth.Manager
	Provider     broadcast.Provider
	Logger       *slog.Logger
}

func NewHandler(store storage.Repository, orch *orchestrator.Orchestrator, tokens *auth.Manager) *Handler {
	if tokens == nil {
		tokens = auth.NewManager(24 * time.Hour)
	}
	return &Handler{Store: store, Orchestrator: orch, Tokens: tokens}
}

func (h *Handler) tokenManager() *auth.Manager {
	if h.Tokens == nil {
		h.Tokens = auth.NewManager(24 * time.Hour)
	}
	return h.Tokens
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, overallStatus, statusCode := h.componentHealth(r.Context())
	writeJSON(w, statusCode, map[string]interface{}{
		"status":   overallStatus,
		"services": components,
	})
}

// ExtractToken pulls the bearer token from the Authorization header, falling
// back to the session cookie set by the platform frontend.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := r.Cookie("classcast_session"); err == nil {
		return cookie.Value
	}
	return ""
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
}

func (h *Handler) setProviderHealthMetrics(checks []broadcast.HealthStatus) {
	for _, check := range checks {
		metrics.SetProviderHealth(check.Component, check.Status)
	}
}
