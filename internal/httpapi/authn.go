package httpapi

import (
	"net/http"
	"strings"

	"cmsgate.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// accessToken reads the accessToken cookie, falling back to a bearer header
// for non-browser clients.
func accessToken(r *http.Request) string {
	if v := cookieValue(r, accessCookie); v != "" {
		return v
	}
	header := strings.TrimSpace(r.Header.Get(authHeader))
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return ""
	}
	return strings.TrimSpace(header[len(bearer):])
}

// RequireAuth authenticates the request and attaches the principal to its
// context. With roles given the principal must hold at least one of them.
func (a *API) RequireAuth(roles ...auth.RoleKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := a.authn.Authenticate(r.Context(), accessToken(r), roles...)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// RequirePermission gates an authenticated route on any of perms.
func RequirePermission(perms ...auth.PermissionKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeServiceError(w, r, auth.ErrMissingToken)
				return
			}
			if err := auth.RequirePermission(principal, perms...); err != nil {
				writeServiceError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
