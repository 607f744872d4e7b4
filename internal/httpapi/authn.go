package httpapi

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"lexdesk.app/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "bearer "
)

var tracer = otel.Tracer("lexdesk.app/internal/httpapi")

// guard authenticates the bearer token and stores the claims in the request
// context. A request without a token is refused with 403; a token that fails
// verification gets 401.
func (a *API) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "auth.guard")
		defer span.End()

		token, present := extractBearerToken(r.Header.Get(authHeader))
		if !present {
			span.SetStatus(codes.Error, "missing token")
			writeError(w, r, http.StatusForbidden, "authentication required")
			return
		}

		claims, err := a.sessions.Authenticate(ctx, token)
		if err != nil {
			reason := auth.TokenErrorReason(err)
			span.SetAttributes(attribute.String("auth.reject_reason", reason))
			span.SetStatus(codes.Error, reason)
			a.metrics.TokenRejected(reason)
			a.logger.InfoContext(ctx, "token rejected", "reason", reason, "path", r.URL.Path)
			a.writeServiceError(w, r, err)
			return
		}

		span.SetAttributes(
			attribute.String("lexdesk.account_id", claims.AccountID()),
			attribute.String("lexdesk.organization_id", claims.OrganizationID),
			attribute.String("lexdesk.role", claims.Role.String()),
		)
		ctx = auth.ContextWithClaims(ctx, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// teamOnly lets through callers whose role may manage the team roster.
func (a *API) teamOnly(fn func(http.ResponseWriter, *http.Request, *auth.Claims)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := auth.RequireRole(r.Context())
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		if !claims.Role.CanManageTeam() {
			a.writeServiceError(w, r, auth.ErrForbidden)
			return
		}
		fn(w, r, claims)
	})
}

// extractBearerToken returns the token of a Bearer authorization header.
// present is false only when no credentials were sent at all. A header with
// another scheme is returned whole and fails verification.
func extractBearerToken(header string) (token string, present bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		if strings.EqualFold(header, strings.TrimSpace(bearer)) {
			return "", false
		}
		return header, true
	}
	token = strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", false
	}
	return token, true
}
