package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"cmsgate.org/internal/auth"
)

func TestCSRFGuardVerify(t *testing.T) {
	cases := []struct {
		name   string
		cookie string
		header string
		ok     bool
	}{
		{"match", "tok-123", "tok-123", true},
		{"missing cookie", "", "tok-123", false},
		{"missing header", "tok-123", "", false},
		{"mismatch", "tok-123", "tok-124", false},
		{"length mismatch", "tok-123", "tok-1234", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		if tc.cookie != "" {
			req.AddCookie(&http.Cookie{Name: csrfCookie, Value: tc.cookie})
		}
		if tc.header != "" {
			req.Header.Set(csrfHeader, tc.header)
		}
		err := CSRFGuard{}.Verify(req)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, auth.ErrCsrfInvalid) {
			t.Fatalf("%s: expected ErrCsrfInvalid, got %v", tc.name, err)
		}
	}
}

func TestCSRFProtectSkipsSafeMethods(t *testing.T) {
	h := CSRFGuard{}.Protect(okHandler())

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(method, "/auth/me", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", method, rr.Code)
		}
	}
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(method, "/admin/users", nil))
		if rr.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403, got %d", method, rr.Code)
		}
	}
}

func TestNewCSRFTokenIsRandom(t *testing.T) {
	a, err := newCSRFToken()
	if err != nil {
		t.Fatalf("newCSRFToken: %v", err)
	}
	b, _ := newCSRFToken()
	if a == b || len(a) != 43 {
		t.Fatalf("unexpected tokens %q %q", a, b)
	}
}
