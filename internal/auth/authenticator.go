package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Authenticator turns a presented access token into a live principal.
type Authenticator struct {
	codec TokenCodec
	users UserStore
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(codec TokenCodec, users UserStore) (*Authenticator, error) {
	if codec == nil || users == nil {
		return nil, errors.New("auth: authenticator requires codec and user store")
	}
	return &Authenticator{codec: codec, users: users}, nil
}

// Authenticate verifies the token, checks it against the live token version
// and status, and enforces requiredRoles (any-of, superadmin bypasses).
func (a *Authenticator) Authenticate(ctx context.Context, token string, requiredRoles ...RoleKey) (Principal, error) {
	if strings.TrimSpace(token) == "" {
		return Principal{}, ErrMissingToken
	}
	claims, err := a.codec.Verify(token)
	if err != nil {
		if errors.Is(err, ErrConfig) {
			return Principal{}, err
		}
		return Principal{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	user, err := a.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, fmt.Errorf("%w: unknown subject", ErrUnauthorized)
		}
		return Principal{}, failClosed(ctx, fmt.Errorf("load user: %w", err))
	}
	if user.TokenVersion != claims.TokenVersion {
		return Principal{}, ErrInvalidTokenVersion
	}
	if user.Status != StatusActive {
		return Principal{}, fmt.Errorf("%w: user is %s", ErrForbidden, strings.ToLower(string(user.Status)))
	}

	p := claims.Principal()
	p.Status = user.Status
	if !HasAnyRole(p, requiredRoles...) {
		return Principal{}, fmt.Errorf("%w: requires one of roles %v", ErrForbidden, requiredRoles)
	}
	return p, nil
}
