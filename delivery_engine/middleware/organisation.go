package middleware

import (
	"context"
	"fmt"
	"net/http"
)

// ContextKey is a dedicated type for context keys to prevent collisions.
type ContextKey string

const (
	// OrganisationKey is the context key for the organisation id.
	OrganisationKey ContextKey = "organisation_id"
	// OrganisationHeader is the HTTP header carrying the organisation id
	// when JWT auth is disabled (development profile).
	OrganisationHeader = "X-Organisation-Id"
)

// OrganisationMiddleware extracts the organisation id from the request
// header and injects it into the context. Requests without it are rejected;
// every resource access downstream is scoped by this value.
func OrganisationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := r.Header.Get(OrganisationHeader)
		if orgID == "" {
			http.Error(w, fmt.Sprintf("Missing required header: %s", OrganisationHeader), http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), OrganisationKey, orgID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetOrganisationFromContext safely retrieves the organisation id.
func GetOrganisationFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(OrganisationKey)
	if val == nil {
		return "", fmt.Errorf("organisation_id not found in context")
	}
	orgID, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("organisation_id in context is not a string")
	}
	return orgID, nil
}
