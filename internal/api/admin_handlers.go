package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"classcast/internal/auth"
	"classcast/internal/broadcast"
	"classcast/internal/models"
	"classcast/internal/observability/metrics"
	"classcast/internal/storage"
)

type createChannelRequest struct {
	Name              string `json:"name"`
	ProviderChannelID string `json:"providerChannelId"`
	IngestEndpoint    string `json:"ingestEndpoint"`
	PlaybackEndpoint  string `json:"playbackEndpoint"`
	Enabled           *bool  `json:"enabled"`
}

type toggleChannelRequest struct {
	Enabled bool `json:"enabled"`
}

// AdminChannels handles the /api/admin/channels collection.
func (h *Handler) AdminChannels(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, auth.RoleAdmin); !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		channels, err := h.Store.ListChannels(r.Context())
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, channels)
	case http.MethodPost:
		var req createChannelRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("channel name is required"))
			return
		}

		params := storage.CreateChannelParams{
			ProviderChannelID: strings.TrimSpace(req.ProviderChannelID),
			Name:              strings.TrimSpace(req.Name),
			IngestEndpoint:    strings.TrimSpace(req.IngestEndpoint),
			PlaybackEndpoint:  strings.TrimSpace(req.PlaybackEndpoint),
			Enabled:           true,
		}
		if req.Enabled != nil {
			params.Enabled = *req.Enabled
		}

		// Without provider identity we provision a fresh channel on the
		// streaming control plane and record the endpoints it hands back.
		if params.ProviderChannelID == "" {
			if h.Provider == nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("providerChannelId is required when no provider is configured"))
				return
			}
			result, err := h.Provider.ProvisionChannel(r.Context(), broadcast.ProvisionParams{Name: params.Name})
			if err != nil {
				h.writeDomainError(w, err)
				return
			}
			params.ProviderChannelID = result.ProviderChannelID
			params.IngestEndpoint = result.IngestEndpoint
			params.PlaybackEndpoint = result.PlaybackEndpoint
		}

		channel, err := h.Store.CreateChannel(r.Context(), params)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		h.recordPoolStats(r.Context())
		writeJSON(w, http.StatusCreated, channel)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

// AdminChannelByID routes /api/admin/channels/{id} and its subresources.
func (h *Handler) AdminChannelByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/admin/channels/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("channel id missing"))
		return
	}

	if _, ok := h.requireRole(w, r, auth.RoleAdmin); !ok {
		return
	}

	if parts[0] == "stats" && len(parts) == 1 {
		h.handleChannelStats(w, r)
		return
	}

	channelID := parts[0]
	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			channel, err := h.Store.GetChannel(r.Context(), channelID)
			if err != nil {
				h.writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, channel)
		case http.MethodDelete:
			if err := h.Store.DeleteChannel(r.Context(), channelID); err != nil {
				h.writeDomainError(w, err)
				return
			}
			h.recordPoolStats(r.Context())
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, "GET, DELETE")
		}
	case len(parts) == 2 && parts[1] == "toggle":
		if r.Method != http.MethodPatch {
			methodNotAllowed(w, r, "PATCH")
			return
		}
		var req toggleChannelRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		channel, err := h.Store.SetChannelEnabled(r.Context(), channelID, req.Enabled)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		h.recordPoolStats(r.Context())
		writeJSON(w, http.StatusOK, channel)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown channel action"))
	}
}

func (h *Handler) handleChannelStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	stats, err := h.Store.ChannelStats(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	recordPoolGauges(stats)
	writeJSON(w, http.StatusOK, stats)
}

// recordPoolStats refreshes the pool occupancy gauges after a mutation. Metric
// staleness is tolerable, so failures are dropped.
func (h *Handler) recordPoolStats(ctx context.Context) {
	stats, err := h.Store.ChannelStats(ctx)
	if err != nil {
		return
	}
	recordPoolGauges(stats)
}

func recordPoolGauges(stats models.ChannelStats) {
	metrics.SetPoolChannels("free", stats.Free)
	metrics.SetPoolChannels("reserved", stats.Reserved)
	metrics.SetPoolChannels("active", stats.Active)
	metrics.SetPoolChannels("disabled", stats.Disabled)
}
