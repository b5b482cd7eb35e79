package auth

import (
	"errors"
	"fmt"
)

// Authentication and session errors.
var (
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrUserInactive        = errors.New("auth: user inactive")
	ErrUnauthorized        = errors.New("auth: unauthorized")
	ErrMissingToken        = fmt.Errorf("%w: missing access token", ErrUnauthorized)
	ErrInvalidTokenVersion = errors.New("auth: token version mismatch")
	ErrInvalidToken        = errors.New("auth: invalid token")
	ErrExpiredToken        = errors.New("auth: token expired")
	ErrCsrfInvalid         = errors.New("auth: csrf token invalid")
	ErrConfig              = errors.New("auth: invalid configuration")
)

// Authorization errors.
var (
	ErrForbidden           = errors.New("auth: forbidden")
	ErrForbiddenPermission = fmt.Errorf("%w: missing permission", ErrForbidden)
)

// Refresh token errors.
var (
	ErrTokenNotFound = errors.New("auth: refresh token not found")
	ErrTokenRevoked  = errors.New("auth: refresh token revoked")
	ErrTokenExpired  = errors.New("auth: refresh token expired")
)

// Persistence errors shared by store implementations.
var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: resource conflict")
	ErrInvalidInput = errors.New("auth: invalid input")
)

// ReuseError reports a refresh token presented again after it was rotated.
type ReuseError struct {
	UserID string
}

func (e *ReuseError) Error() string {
	return fmt.Sprintf("%s: reuse of rotated token", ErrTokenRevoked.Error())
}

func (e *ReuseError) Unwrap() error { return ErrTokenRevoked }
