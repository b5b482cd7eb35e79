package auth

import (
	"context"
	"time"
)

// UserStore is the read/write surface of the user record needed per request.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByID(ctx context.Context, id string) (User, error)
	RecordLogin(ctx context.Context, userID string, at time.Time) error
	// BumpTokenVersion increments the revocation epoch and returns the new value.
	BumpTokenVersion(ctx context.Context, userID string) (int64, error)
}

// StatusChange describes a status transition recorded in the history log.
type StatusChange struct {
	UserID  string
	Status  UserStatus
	Reason  string
	ActorID string
	At      time.Time
}

// AdminStore covers administrative mutations. Every mutation that changes
// what a user may do bumps the user's token version in the same transaction.
type AdminStore interface {
	UserStore
	RoleSource

	// CreateUser inserts the user with token version 0, opens its first
	// status history entry and grants roles, all or nothing. Duplicate emails
	// fail with ErrConflict and unknown roles with ErrNotFound.
	CreateUser(ctx context.Context, u User, roles []RoleKey) (User, error)
	// ChangeStatus closes the open history record, opens a new one, updates
	// the status and bumps the token version atomically.
	ChangeStatus(ctx context.Context, change StatusChange) (StatusHistory, error)
	StatusHistory(ctx context.Context, userID string) ([]StatusHistory, error)

	AssignRole(ctx context.Context, userID string, role RoleKey) error
	RemoveRole(ctx context.Context, userID string, role RoleKey) error
	// SetRolePermissions replaces the permissions of a role and bumps the
	// token version of every holder.
	SetRolePermissions(ctx context.Context, role RoleKey, perms []PermissionKey) error

	// EnsureCatalog inserts missing permissions and roles. Existing role
	// permissions are left untouched.
	EnsureCatalog(ctx context.Context, perms []Permission, roles []Role) error
}

// IssuedRefreshToken is a raw refresh token handed to the client exactly once.
type IssuedRefreshToken struct {
	Token     string
	ExpiresAt time.Time
}

// Rotation is the outcome of a successful refresh token exchange.
type Rotation struct {
	UserID string
	Token  IssuedRefreshToken
}

// RefreshTokenStore exclusively owns refresh token persistence.
type RefreshTokenStore interface {
	Issue(ctx context.Context, userID string) (IssuedRefreshToken, error)
	// Rotate revokes the presented token and creates its successor atomically.
	// It fails with ErrTokenNotFound, ErrTokenRevoked (possibly as *ReuseError)
	// or ErrTokenExpired.
	Rotate(ctx context.Context, rawToken string) (Rotation, error)
	// Revoke and RevokeAll are idempotent.
	Revoke(ctx context.Context, rawToken string) error
	RevokeAll(ctx context.Context, userID string) error
}
