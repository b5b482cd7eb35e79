package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"cmsgate.org/internal/auth"
)

const csrfHeader = "X-CSRF-Token"

// CSRFGuard implements double-submit verification: the csrfToken cookie must
// be echoed in the X-CSRF-Token header.
type CSRFGuard struct{}

// Verify fails with auth.ErrCsrfInvalid if either value is missing or they differ.
func (CSRFGuard) Verify(r *http.Request) error {
	cv := cookieValue(r, csrfCookie)
	hv := strings.TrimSpace(r.Header.Get(csrfHeader))
	if cv == "" || hv == "" || len(cv) != len(hv) {
		return auth.ErrCsrfInvalid
	}
	if subtle.ConstantTimeCompare([]byte(cv), []byte(hv)) != 1 {
		return auth.ErrCsrfInvalid
	}
	return nil
}

// Protect verifies state-changing requests. Safe methods pass through.
func (g CSRFGuard) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if err := g.Verify(r); err != nil {
			writeServiceError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
