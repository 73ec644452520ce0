package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"custodian.org/internal/audit"
	"custodian.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
	realm      = `Bearer realm="custodian"`
)

// withAuth resolves the bearer token to a live account and stores it in the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		acct, err := a.svc.Authenticate(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrTokenExpired):
				unauthorized(w, r, "token expired")
			case errors.Is(err, auth.ErrTokenInvalid):
				unauthorized(w, r, "invalid token")
			default:
				handleServiceError(w, r, err)
			}
			return
		}
		ctx := auth.ContextWithAccount(r.Context(), acct)
		ctx = audit.WithActor(ctx, acct.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects requests whose authenticated account lacks role.
func RequireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acct, ok := auth.AccountFromContext(r.Context())
			if !ok {
				unauthorized(w, r, "authentication required")
				return
			}
			if err := auth.RequireRole(acct, role); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
				writeError(w, r, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", realm)
	writeError(w, r, http.StatusUnauthorized, msg)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
