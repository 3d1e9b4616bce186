package api

import (
	"context"
	"fmt"
	"net/http"

	"classcast/internal/auth"
)

type contextKey string

const identityContextKey contextKey = "authenticatedIdentity"

// ContextWithIdentity stores the authenticated identity in the provided context.
func ContextWithIdentity(ctx context.Context, identity auth.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the authenticated identity from context if present.
func IdentityFromContext(ctx context.Context) (auth.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(auth.Identity)
	return identity, ok
}

// AuthenticateRequest validates the bearer token on the request and returns the identity.
func (h *Handler) AuthenticateRequest(r *http.Request) (auth.Identity, error) {
	token := ExtractToken(r)
	if token == "" {
		return auth.Identity{}, fmt.Errorf("missing bearer token")
	}
	identity, ok, err := h.tokenManager().Validate(r.Context(), token)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("validate token: %w", err)
	}
	if !ok {
		return auth.Identity{}, fmt.Errorf("invalid or expired token")
	}
	return identity, nil
}

func (h *Handler) requireAuthenticatedIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return auth.Identity{}, false
	}
	return identity, true
}

func (h *Handler) requireRole(w http.ResponseWriter, r *http.Request, roles ...auth.Role) (auth.Identity, bool) {
	identity, ok := h.requireAuthenticatedIdentity(w, r)
	if !ok {
		return auth.Identity{}, false
	}
	if len(roles) == 0 {
		return identity, true
	}
	for _, required := range roles {
		if identity.Role == required {
			return identity, true
		}
	}
	WriteError(w, http.StatusForbidden, fmt.Errorf("forbidden"))
	return auth.Identity{}, false
}
