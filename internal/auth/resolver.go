package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// PermissionSet is the flattened set of permissions reachable through roles.
type PermissionSet map[PermissionKey]struct{}

// Has reports whether key is in the set.
func (s PermissionSet) Has(key PermissionKey) bool {
	_, ok := s[key]
	return ok
}

// Sorted returns the keys in lexical order.
func (s PermissionSet) Sorted() []PermissionKey {
	out := make([]PermissionKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EffectivePermissions returns the union of permissions of all roles.
func EffectivePermissions(roles []Role) PermissionSet {
	set := make(PermissionSet)
	for _, r := range roles {
		for _, p := range r.Permissions {
			set[p] = struct{}{}
		}
	}
	return set
}

// RequirePermission succeeds when the principal is a superadmin or holds at
// least one of the required permissions.
func RequirePermission(p Principal, required ...PermissionKey) error {
	if len(required) == 0 || p.IsSuperadmin() {
		return nil
	}
	for _, have := range p.Permissions {
		for _, want := range required {
			if have == want {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: requires one of %v", ErrForbiddenPermission, required)
}

// HasAnyRole reports whether the principal is a superadmin or holds one of roles.
// An empty role list always matches.
func HasAnyRole(p Principal, roles ...RoleKey) bool {
	if len(roles) == 0 || p.IsSuperadmin() {
		return true
	}
	for _, have := range p.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// RoleSource loads a user's roles with their permissions attached.
type RoleSource interface {
	RolesForUser(ctx context.Context, userID string) ([]Role, error)
}

// Resolver materializes principals. It is the only place roles are flattened
// into permissions.
type Resolver struct {
	roles RoleSource
}

// NewResolver constructs a Resolver over the given role source.
func NewResolver(roles RoleSource) (*Resolver, error) {
	if roles == nil {
		return nil, errors.New("auth: role source is required")
	}
	return &Resolver{roles: roles}, nil
}

// Principal loads the user's roles once and computes the effective permission set.
func (r *Resolver) Principal(ctx context.Context, u User) (Principal, error) {
	roles, err := r.roles.RolesForUser(ctx, u.ID)
	if err != nil {
		return Principal{}, fmt.Errorf("load roles: %w", err)
	}
	keys := make([]RoleKey, 0, len(roles))
	for _, role := range roles {
		keys = append(keys, role.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return Principal{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		Status:       u.Status,
		TokenVersion: u.TokenVersion,
		Roles:        keys,
		Permissions:  EffectivePermissions(roles).Sorted(),
	}, nil
}
