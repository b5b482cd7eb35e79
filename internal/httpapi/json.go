package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"cmsgate.org/internal/auth"
	"cmsgate.org/internal/obs"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error     apiError `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     apiError{Code: code, Message: msg},
		RequestID: RequestIDFromContext(r.Context()),
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
}

// errorClass maps a domain error to its HTTP status, code and public message.
type errorClass struct {
	status  int
	code    string
	message string
}

func classify(err error) errorClass {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return errorClass{http.StatusUnauthorized, "unauthorized", "authentication required"}
	case errors.Is(err, auth.ErrInvalidCredentials):
		return errorClass{http.StatusUnauthorized, "invalid_credentials", "invalid email or password"}
	case errors.Is(err, auth.ErrInvalidTokenVersion):
		return errorClass{http.StatusUnauthorized, "token_revoked", "session has been revoked"}
	case errors.Is(err, auth.ErrTokenRevoked):
		return errorClass{http.StatusUnauthorized, "refresh_revoked", "refresh token revoked"}
	case errors.Is(err, auth.ErrTokenExpired):
		return errorClass{http.StatusUnauthorized, "refresh_expired", "refresh token expired"}
	case errors.Is(err, auth.ErrTokenNotFound):
		return errorClass{http.StatusUnauthorized, "refresh_not_found", "refresh token not recognised"}
	case errors.Is(err, auth.ErrUnauthorized):
		return errorClass{http.StatusUnauthorized, "unauthorized", "authentication required"}
	case errors.Is(err, auth.ErrUserInactive):
		return errorClass{http.StatusForbidden, "user_inactive", "account is not active"}
	case errors.Is(err, auth.ErrCsrfInvalid):
		return errorClass{http.StatusForbidden, "csrf_invalid", "missing or invalid csrf token"}
	case errors.Is(err, auth.ErrForbiddenPermission):
		return errorClass{http.StatusForbidden, "forbidden_permission", "missing required permission"}
	case errors.Is(err, auth.ErrForbidden):
		return errorClass{http.StatusForbidden, "forbidden", "access denied"}
	case errors.Is(err, auth.ErrInvalidInput):
		return errorClass{http.StatusBadRequest, "invalid_request", ""}
	case errors.Is(err, auth.ErrNotFound):
		return errorClass{http.StatusNotFound, "not_found", "resource not found"}
	case errors.Is(err, auth.ErrConflict):
		return errorClass{http.StatusConflict, "conflict", "resource already exists"}
	default:
		return errorClass{http.StatusInternalServerError, "server_error", "internal error"}
	}
}

// writeServiceError converts err into the uniform envelope. 5xx failures are
// logged at error level, 4xx at warn, and a missing token is not logged.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	c := classify(err)
	msg := c.message
	if c.status == http.StatusBadRequest {
		msg = err.Error()
	}

	ctx := r.Context()
	attrs := []slog.Attr{
		slog.String("request_id", RequestIDFromContext(ctx)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", c.status),
		slog.String("code", c.code),
	}
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		suppressAccessLog(r)
	case c.status >= http.StatusInternalServerError:
		obs.Logger().LogAttrs(ctx, slog.LevelError, "request_failed", append(attrs, slog.String("error", err.Error()))...)
	default:
		obs.Logger().LogAttrs(ctx, slog.LevelWarn, "request_rejected", attrs...)
	}
	if c.status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="cmsgate"`)
	}
	writeError(w, r, c.status, c.code, msg)
}
