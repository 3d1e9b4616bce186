package api

import (
	"context"
	"net/http"
	"strings"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 4)
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(ctx)))
	}

	components = append(components, recordComponent("tokens", h.tokenManager().Ping(ctx)))

	if h.Provider != nil {
		checks := h.Provider.HealthChecks(ctx)
		h.setProviderHealthMetrics(checks)
		for _, check := range checks {
			status := componentStatus{Component: check.Component, Status: check.Status, Error: check.Detail}
			switch strings.ToLower(check.Status) {
			case "ok", "healthy", "disabled":
			default:
				overallStatus = "degraded"
				statusCode = http.StatusServiceUnavailable
			}
			components = append(components, status)
		}
	}

	return components, overallStatus, statusCode
}
