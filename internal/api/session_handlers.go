package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"classcast/internal/auth"
	"classcast/internal/models"
	"classcast/internal/storage"
)

type createSessionRequest struct {
	Title           string `json:"title"`
	ScheduledAt     string `json:"scheduledAt"`
	DurationMinutes int    `json:"durationMinutes"`
	MentorID        string `json:"mentorId,omitempty"`
}

type viewResponse struct {
	SessionID   string `json:"sessionId"`
	Status      string `json:"status"`
	Live        bool   `json:"live"`
	PlaybackURL string `json:"playbackUrl,omitempty"`
}

// Sessions handles the /api/sessions collection.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		actor, ok := h.requireRole(w, r, auth.RoleMentor, auth.RoleAdmin)
		if !ok {
			return
		}
		mentorID := strings.TrimSpace(r.URL.Query().Get("mentorId"))
		if actor.Role != auth.RoleAdmin {
			if mentorID != "" && mentorID != actor.MentorID {
				writeError(w, http.StatusForbidden, fmt.Errorf("forbidden"))
				return
			}
			mentorID = actor.MentorID
		}
		sessions, err := h.Store.ListSessions(r.Context(), mentorID)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessions)
	case http.MethodPost:
		actor, ok := h.requireRole(w, r, auth.RoleMentor, auth.RoleAdmin)
		if !ok {
			return
		}
		var req createSessionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		session, err := h.createSession(r, actor, req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, session)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (h *Handler) createSession(r *http.Request, actor auth.Identity, req createSessionRequest) (models.Session, error) {
	if strings.TrimSpace(req.Title) == "" {
		return models.Session{}, fmt.Errorf("title is required")
	}
	scheduledAt, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		return models.Session{}, fmt.Errorf("scheduledAt must be RFC 3339: %w", err)
	}
	if req.DurationMinutes <= 0 {
		return models.Session{}, fmt.Errorf("durationMinutes must be positive")
	}

	mentorID := strings.TrimSpace(req.MentorID)
	if actor.Role != auth.RoleAdmin {
		if actor.MentorID == "" {
			return models.Session{}, fmt.Errorf("account has no mentor profile")
		}
		if mentorID != "" && mentorID != actor.MentorID {
			return models.Session{}, fmt.Errorf("cannot schedule sessions for another mentor")
		}
		mentorID = actor.MentorID
	}
	if mentorID == "" {
		return models.Session{}, fmt.Errorf("mentorId is required")
	}

	return h.Store.CreateSession(r.Context(), storage.CreateSessionParams{
		MentorID:        mentorID,
		Title:           strings.TrimSpace(req.Title),
		ScheduledAt:     scheduledAt,
		DurationMinutes: req.DurationMinutes,
	})
}

// SessionByID routes /api/sessions/{id} and its subresources, plus the
// /api/sessions/active listing.
func (h *Handler) SessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("session id missing"))
		return
	}

	if parts[0] == "active" && len(parts) == 1 {
		h.handleActiveSessions(w, r)
		return
	}

	sessionID := parts[0]
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, "GET")
			return
		}
		if _, ok := h.requireAuthenticatedIdentity(w, r); !ok {
			return
		}
		session, err := h.Store.GetSession(r.Context(), sessionID)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	case len(parts) == 2 && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		actor, ok := h.requireRole(w, r, auth.RoleMentor, auth.RoleAdmin)
		if !ok {
			return
		}
		session, err := h.Orchestrator.Cancel(r.Context(), actor, sessionID)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	case len(parts) == 2 && parts[1] == "view":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, "GET")
			return
		}
		if _, ok := h.requireAuthenticatedIdentity(w, r); !ok {
			return
		}
		h.handleSessionView(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown session action"))
	}
}

// StudentSessions routes /api/student/sessions/{id}/join, the read-only
// playback lookup. It never mutates pool state.
func (h *Handler) StudentSessions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/student/sessions/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "join" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown student session action"))
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	if _, ok := h.requireAuthenticatedIdentity(w, r); !ok {
		return
	}
	h.handleSessionView(w, r, parts[0])
}

func (h *Handler) handleSessionView(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := h.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	response := viewResponse{
		SessionID: session.ID,
		Status:    string(session.Status),
		Live:      session.Status == models.SessionStatusLive,
	}
	if session.Status == models.SessionStatusLive && session.ChannelID != nil {
		channel, err := h.Store.GetChannel(r.Context(), *session.ChannelID)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		response.PlaybackURL = channel.PlaybackEndpoint
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	if _, ok := h.requireAuthenticatedIdentity(w, r); !ok {
		return
	}
	sessions, err := h.Orchestrator.ListActive(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}
