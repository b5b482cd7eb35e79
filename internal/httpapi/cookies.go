package httpapi

import (
	"net/http"
	"strings"
	"time"

	"cmsgate.org/internal/auth"
)

const (
	accessCookie  = "accessToken"
	refreshCookie = "refreshToken"
	csrfCookie    = "csrfToken"

	refreshCookiePath = "/auth"
)

// CookieConfig controls the attributes shared by every session cookie.
type CookieConfig struct {
	Secure bool
	Domain string
}

func (c CookieConfig) set(w http.ResponseWriter, name, value, path string, exp time.Time, httpOnly bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   c.Domain,
		Expires:  exp,
		HttpOnly: httpOnly,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (c CookieConfig) expire(w http.ResponseWriter, name, path string, httpOnly bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   c.Domain,
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: httpOnly,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (c CookieConfig) setSession(w http.ResponseWriter, s auth.Session) {
	c.set(w, accessCookie, s.AccessToken, "/", s.AccessExpiresAt, true)
	c.set(w, refreshCookie, s.RefreshToken, refreshCookiePath, s.RefreshExpiresAt, true)
}

func (c CookieConfig) clearSession(w http.ResponseWriter) {
	c.expire(w, accessCookie, "/", true)
	c.expire(w, refreshCookie, refreshCookiePath, true)
}

// setCSRF issues the double-submit cookie. It is readable by client script.
func (c CookieConfig) setCSRF(w http.ResponseWriter, token string) {
	c.set(w, csrfCookie, token, "/", time.Time{}, false)
}

func cookieValue(r *http.Request, name string) string {
	ck, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(ck.Value)
}
