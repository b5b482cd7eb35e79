package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AdminService validates and applies back-office user and role mutations.
type AdminService struct {
	store   AdminStore
	refresh RefreshTokenStore
	now     func() time.Time
}

func NewAdminService(store AdminStore, refresh RefreshTokenStore) (*AdminService, error) {
	if store == nil {
		return nil, errors.New("admin store is required")
	}
	if refresh == nil {
		return nil, errors.New("refresh token store is required")
	}
	return &AdminService{store: store, refresh: refresh, now: time.Now}, nil
}

// NewUserInput carries the fields of a user created by an administrator.
type NewUserInput struct {
	Email    string     `json:"email"`
	Name     string     `json:"name"`
	Password string     `json:"password"`
	Status   UserStatus `json:"status"`
	Roles    []RoleKey  `json:"roles"`
}

func (s *AdminService) CreateUser(ctx context.Context, in NewUserInput) (User, error) {
	email := normalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return User{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Password) == "" {
		return User{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	status := StatusActive
	if in.Status != "" {
		st, ok := ParseUserStatus(string(in.Status))
		if !ok {
			return User{}, fmt.Errorf("%w: unsupported status %s", ErrInvalidInput, in.Status)
		}
		status = st
	}
	roles, err := parseRoles(in.Roles)
	if err != nil {
		return User{}, err
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return User{}, err
	}

	return s.store.CreateUser(ctx, User{Email: email, Name: name, PasswordHash: hash, Status: status}, roles)
}

func (s *AdminService) GetUser(ctx context.Context, userID string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.FindByID(ctx, userID)
}

// ChangeStatus records the transition and, when the user leaves ACTIVE,
// revokes every refresh token.
func (s *AdminService) ChangeStatus(ctx context.Context, actorID, userID, status, reason string) (StatusHistory, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return StatusHistory{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	st, ok := ParseUserStatus(status)
	if !ok {
		return StatusHistory{}, fmt.Errorf("%w: unsupported status %s", ErrInvalidInput, status)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return StatusHistory{}, fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}
	entry, err := s.store.ChangeStatus(ctx, StatusChange{
		UserID:  userID,
		Status:  st,
		Reason:  reason,
		ActorID: actorID,
		At:      s.now().UTC(),
	})
	if err != nil {
		return StatusHistory{}, err
	}
	if st != StatusActive {
		if err := s.refresh.RevokeAll(ctx, userID); err != nil {
			return StatusHistory{}, err
		}
	}
	return entry, nil
}

func (s *AdminService) StatusHistory(ctx context.Context, userID string) ([]StatusHistory, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.StatusHistory(ctx, userID)
}

func (s *AdminService) AssignRole(ctx context.Context, userID, role string) error {
	userID = strings.TrimSpace(userID)
	key := ParseRoleKey(role)
	if userID == "" || key == "" {
		return fmt.Errorf("%w: user_id and role are required", ErrInvalidInput)
	}
	return s.store.AssignRole(ctx, userID, key)
}

func (s *AdminService) RemoveRole(ctx context.Context, userID, role string) error {
	userID = strings.TrimSpace(userID)
	key := ParseRoleKey(role)
	if userID == "" || key == "" {
		return fmt.Errorf("%w: user_id and role are required", ErrInvalidInput)
	}
	return s.store.RemoveRole(ctx, userID, key)
}

// SetRolePermissions replaces a role's permissions. Unknown keys are rejected
// and SUPERADMIN cannot be edited.
func (s *AdminService) SetRolePermissions(ctx context.Context, role string, permissions []string) error {
	key := ParseRoleKey(role)
	if key == "" {
		return fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	if key == RoleSuperadmin {
		return fmt.Errorf("%w: %s permissions are implicit", ErrInvalidInput, RoleSuperadmin)
	}
	keys := make([]PermissionKey, 0, len(permissions))
	for _, p := range dedupeStrings(permissions) {
		pk := PermissionKey(p)
		if !IsKnownPermission(pk) {
			return fmt.Errorf("%w: unknown permission %s", ErrInvalidInput, p)
		}
		keys = append(keys, pk)
	}
	return s.store.SetRolePermissions(ctx, key, keys)
}

// UserPermissions returns the roles and effective permissions of a user.
func (s *AdminService) UserPermissions(ctx context.Context, userID string) ([]RoleKey, []PermissionKey, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	p, err := (&Resolver{roles: s.store}).Principal(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return p.Roles, p.Permissions, nil
}

// ForceLogout revokes every session of a user: outstanding access tokens via
// the token version and refresh tokens via the refresh store.
func (s *AdminService) ForceLogout(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if _, err := s.store.BumpTokenVersion(ctx, userID); err != nil {
		return err
	}
	return s.refresh.RevokeAll(ctx, userID)
}

// EnsureBuiltins seeds the permission catalog and builtin roles.
func (s *AdminService) EnsureBuiltins(ctx context.Context) error {
	return s.store.EnsureCatalog(ctx, BuiltinPermissions, BuiltinRoles)
}

// BootstrapSuperadmin creates a SUPERADMIN with the given credentials unless
// a user with that email already exists. created reports which case applied.
func (s *AdminService) BootstrapSuperadmin(ctx context.Context, email, password string) (u User, created bool, err error) {
	existing, err := s.store.FindByEmail(ctx, normalizeEmail(email))
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, ErrNotFound):
		return User{}, false, err
	}
	u, err = s.CreateUser(ctx, NewUserInput{
		Email:    email,
		Name:     "Administrator",
		Password: password,
		Roles:    []RoleKey{RoleSuperadmin},
	})
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

func parseRoles(in []RoleKey) ([]RoleKey, error) {
	out := make([]RoleKey, 0, len(in))
	seen := make(map[RoleKey]struct{}, len(in))
	for _, r := range in {
		key := ParseRoleKey(string(r))
		if key == "" {
			return nil, fmt.Errorf("%w: empty role", ErrInvalidInput)
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out, nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
