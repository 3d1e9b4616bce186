package api

import (
	"fmt"
	"net/http"
	"strings"

	"classcast/internal/auth"
	"classcast/internal/models"
)

type credentialsResponse struct {
	IngestServer string `json:"ingestServer"`
	StreamKey    string `json:"streamKey"`
	PlaybackURL  string `json:"playbackUrl"`
	ChannelID    string `json:"channelId"`
	SessionID    string `json:"sessionId"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
}

func newCredentialsResponse(creds models.Credentials, session models.Session, message string) credentialsResponse {
	status := string(session.Status)
	if session.Reserved() {
		status = "reserved"
	}
	return credentialsResponse{
		IngestServer: creds.IngestEndpoint,
		StreamKey:    creds.StreamKey,
		PlaybackURL:  creds.PlaybackURL,
		ChannelID:    creds.ChannelID,
		SessionID:    creds.SessionID,
		Status:       status,
		Message:      message,
	}
}

type startResponse struct {
	IngestEndpoint string `json:"ingestEndpoint"`
	StreamKey      string `json:"streamKey"`
	PlaybackURL    string `json:"playbackUrl"`
	ChannelID      string `json:"channelId"`
}

// MentorSessions routes /api/mentor/sessions/{id}/{action}.
func (h *Handler) MentorSessions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/mentor/sessions/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("session id missing"))
		return
	}
	sessionID := parts[0]

	actor, ok := h.requireRole(w, r, auth.RoleMentor, auth.RoleAdmin)
	if !ok {
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "credentials":
		h.handleMentorCredentials(w, r, actor, sessionID)
	case len(parts) == 3 && parts[1] == "credentials" && parts[2] == "rotate":
		h.handleMentorRotate(w, r, actor, sessionID)
	case len(parts) == 2 && parts[1] == "start":
		h.handleMentorStart(w, r, actor, sessionID)
	case len(parts) == 2 && parts[1] == "stop":
		h.handleMentorStop(w, r, actor, sessionID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown mentor session action"))
	}
}

func (h *Handler) handleMentorCredentials(w http.ResponseWriter, r *http.Request, actor auth.Identity, sessionID string) {
	switch r.Method {
	case http.MethodGet:
		creds, err := h.Orchestrator.GetCredentials(r.Context(), actor, sessionID)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		session, err := h.Store.GetSession(r.Context(), sessionID)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		message := "configure your broadcast software with the ingest server and stream key"
		writeJSON(w, http.StatusOK, newCredentialsResponse(creds, session, message))
	case http.MethodDelete:
		if _, err := h.Orchestrator.ReleaseCredentials(r.Context(), actor, sessionID); err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":      true,
			"message": "channel released back to the pool",
		})
	default:
		methodNotAllowed(w, r, "GET, DELETE")
	}
}

func (h *Handler) handleMentorRotate(w http.ResponseWriter, r *http.Request, actor auth.Identity, sessionID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	creds, err := h.Orchestrator.Regenerate(r.Context(), actor, sessionID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	session, err := h.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCredentialsResponse(creds, session, "previous stream key is no longer valid"))
}

func (h *Handler) handleMentorStart(w http.ResponseWriter, r *http.Request, actor auth.Identity, sessionID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	_, creds, err := h.Orchestrator.Start(r.Context(), actor, sessionID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		IngestEndpoint: creds.IngestEndpoint,
		StreamKey:      creds.StreamKey,
		PlaybackURL:    creds.PlaybackURL,
		ChannelID:      creds.ChannelID,
	})
}

func (h *Handler) handleMentorStop(w http.ResponseWriter, r *http.Request, actor auth.Identity, sessionID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	if _, err := h.Orchestrator.Stop(r.Context(), actor, sessionID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
