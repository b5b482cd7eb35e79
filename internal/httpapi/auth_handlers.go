package httpapi

import (
	"errors"
	"net/http"
	"time"

	"cmsgate.org/internal/audit"
	"cmsgate.org/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	User             auth.Principal `json:"user"`
	AccessExpiresAt  time.Time      `json:"access_expires_at"`
	RefreshExpiresAt time.Time      `json:"refresh_expires_at"`
}

type csrfResponse struct {
	CSRFToken string `json:"csrf_token"`
}

func (a *API) routeSessions() {
	limited := func(h http.HandlerFunc) http.Handler {
		return a.limiter.wrap(a.csrf.Protect(h))
	}
	a.handle("POST /auth/csrf", http.HandlerFunc(a.handleCSRF))
	a.handle("POST /auth/login", limited(a.handleLogin))
	a.handle("POST /auth/refresh", limited(a.handleRefresh))
	a.handle("POST /auth/logout", a.csrf.Protect(http.HandlerFunc(a.handleLogout)))
	a.handle("GET /auth/me", a.RequireAuth()(http.HandlerFunc(a.handleMe)))
}

func (a *API) handleCSRF(w http.ResponseWriter, r *http.Request) {
	token, err := newCSRFToken()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	a.cookies.setCSRF(w, token)
	writeJSON(w, http.StatusOK, csrfResponse{CSRFToken: token})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	sess, err := a.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{
			"reason":    auth.Outcome(err),
			"remote_ip": clientIP(r),
		})
		writeServiceError(w, r, err)
		return
	}
	ctx := auth.ContextWithPrincipal(r.Context(), sess.Principal)
	_ = audit.LogEvent(ctx, "auth.login.succeeded", map[string]any{
		"remote_ip":  clientIP(r),
		"user_agent": r.UserAgent(),
	})
	a.cookies.setSession(w, sess)
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sess, err := a.sessions.Refresh(r.Context(), cookieValue(r, refreshCookie))
	if err != nil {
		var reuse *auth.ReuseError
		if errors.As(err, &reuse) {
			_ = audit.LogEvent(r.Context(), "auth.refresh.reuse_detected", map[string]any{
				"user_id":   reuse.UserID,
				"remote_ip": clientIP(r),
			})
		}
		a.cookies.clearSession(w)
		writeServiceError(w, r, err)
		return
	}
	a.cookies.setSession(w, sess)
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// handleLogout always succeeds once the CSRF check has passed.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.sessions.Logout(r.Context(), cookieValue(r, refreshCookie))
	a.cookies.clearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeServiceError(w, r, auth.ErrMissingToken)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": principal})
}

func toSessionResponse(s auth.Session) sessionResponse {
	return sessionResponse{
		User:             s.Principal,
		AccessExpiresAt:  s.AccessExpiresAt.UTC(),
		RefreshExpiresAt: s.RefreshExpiresAt.UTC(),
	}
}
