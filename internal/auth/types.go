package auth

import (
	"strings"
	"time"
)

// UserStatus is the account status key stored on the user record.
type UserStatus string

const (
	StatusActive    UserStatus = "ACTIVE"
	StatusInactive  UserStatus = "INACTIVE"
	StatusSuspended UserStatus = "SUSPENDED"
)

// ParseUserStatus normalizes s and reports whether it names a known status.
func ParseUserStatus(s string) (UserStatus, bool) {
	switch st := UserStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusActive, StatusInactive, StatusSuspended:
		return st, true
	default:
		return "", false
	}
}

// User is a back-office account.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	PasswordHash string     `json:"-"`
	Status       UserStatus `json:"status"`
	TokenVersion int64      `json:"token_version"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Role groups permissions. Permissions are loaded together with the role.
type Role struct {
	ID          string          `json:"id"`
	Key         RoleKey         `json:"key"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Permissions []PermissionKey `json:"permissions"`
}

// Permission is a catalog entry.
type Permission struct {
	ID          string        `json:"id"`
	Key         PermissionKey `json:"key"`
	Description string        `json:"description"`
}

// RefreshToken mirrors a persisted refresh token row. Only the hash is stored.
type RefreshToken struct {
	ID                  string
	UserID              string
	TokenHash           string
	ExpiresAt           time.Time
	RevokedAt           *time.Time
	ReplacedByTokenHash *string
	CreatedAt           time.Time
}

// StatusHistory is one entry of the append-only status log.
type StatusHistory struct {
	ID      string     `json:"id"`
	UserID  string     `json:"user_id"`
	Status  UserStatus `json:"status"`
	Reason  string     `json:"reason"`
	ActorID string     `json:"actor_id,omitempty"`
	StartAt time.Time  `json:"start_at"`
	EndAt   *time.Time `json:"end_at,omitempty"`
}

// Principal is the authenticated caller with resolved roles and permissions.
type Principal struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	Name         string          `json:"name"`
	Status       UserStatus      `json:"status"`
	TokenVersion int64           `json:"token_version"`
	Roles        []RoleKey       `json:"roles"`
	Permissions  []PermissionKey `json:"permissions"`
}

// IsSuperadmin reports whether the principal holds the SUPERADMIN role.
func (p Principal) IsSuperadmin() bool {
	for _, r := range p.Roles {
		if r == RoleSuperadmin {
			return true
		}
	}
	return false
}

// Session is the result of a successful login or refresh.
type Session struct {
	Principal        Principal
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
