package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestAdminCreateUserValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []NewUserInput{
		{Email: "not-an-email", Name: "x", Password: "p"},
		{Email: "a@x.com", Name: " ", Password: "p"},
		{Email: "a@x.com", Name: "x", Password: ""},
		{Email: "a@x.com", Name: "x", Password: "p", Status: "retired"},
	}
	for _, in := range cases {
		if _, err := f.admin.CreateUser(ctx, in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("CreateUser(%+v): expected ErrInvalidInput, got %v", in, err)
		}
	}

	f.createUser(t, "a@x.com")
	if _, err := f.admin.CreateUser(ctx, NewUserInput{Email: "A@x.com", Name: "dup", Password: "p"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := f.admin.CreateUser(ctx, NewUserInput{Email: "b@x.com", Name: "b", Password: "p", Roles: []RoleKey{"janitor"}}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown role, got %v", err)
	}
}

func TestAdminCreateUserUnknownRoleLeavesNoUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := NewUserInput{Email: "o@x.com", Name: "o", Password: "p", Roles: []RoleKey{RoleEditor, "NOPE"}}
	if _, err := f.admin.CreateUser(ctx, in); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown role, got %v", err)
	}
	if _, err := f.store.FindByEmail(ctx, "o@x.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("user must not persist after a failed create, got %v", err)
	}

	in.Roles = []RoleKey{RoleEditor}
	u, err := f.admin.CreateUser(ctx, in)
	if err != nil {
		t.Fatalf("retry CreateUser: %v", err)
	}
	if u.TokenVersion != 0 {
		t.Fatalf("initial roles must not bump the token version, got %d", u.TokenVersion)
	}
	roles, _, err := f.admin.UserPermissions(ctx, u.ID)
	if err != nil {
		t.Fatalf("UserPermissions: %v", err)
	}
	if !slices.Equal(roles, []RoleKey{RoleEditor}) {
		t.Fatalf("unexpected roles: %v", roles)
	}
}

func TestAdminChangeStatusKeepsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "a@x.com")
	sess, err := f.sessions.Login(ctx, "a@x.com", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	f.clock.Advance(time.Hour)
	entry, err := f.admin.ChangeStatus(ctx, "admin-1", u.ID, "suspended", "policy violation")
	if err != nil {
		t.Fatalf("ChangeStatus: %v", err)
	}
	if entry.Status != StatusSuspended || entry.ActorID != "admin-1" || entry.EndAt != nil {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	hist, err := f.admin.StatusHistory(ctx, u.ID)
	if err != nil {
		t.Fatalf("StatusHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(hist))
	}
	if hist[0].Status != StatusActive || hist[0].EndAt == nil || !hist[0].EndAt.Equal(f.clock.t) {
		t.Fatalf("previous entry not closed: %+v", hist[0])
	}

	if _, err := f.sessions.Refresh(ctx, sess.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("refresh token survived suspension: %v", err)
	}
	if _, err := f.authn.Authenticate(ctx, sess.AccessToken); !errors.Is(err, ErrInvalidTokenVersion) {
		t.Fatalf("access token survived suspension: %v", err)
	}

	if _, err := f.admin.ChangeStatus(ctx, "admin-1", u.ID, "ACTIVE", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without reason, got %v", err)
	}
	if _, err := f.admin.ChangeStatus(ctx, "admin-1", "missing", "ACTIVE", "back"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdminRoleAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "a@x.com")

	if err := f.admin.AssignRole(ctx, u.ID, "author"); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	roles, perms, err := f.admin.UserPermissions(ctx, u.ID)
	if err != nil {
		t.Fatalf("UserPermissions: %v", err)
	}
	if !slices.Equal(roles, []RoleKey{RoleAuthor}) || !slices.Contains(perms, PermMediaUpload) {
		t.Fatalf("unexpected roles=%v perms=%v", roles, perms)
	}
	before, _ := f.store.FindByID(ctx, u.ID)

	if err := f.admin.AssignRole(ctx, u.ID, "AUTHOR"); err != nil {
		t.Fatalf("re-assign should be a no-op: %v", err)
	}
	if err := f.admin.RemoveRole(ctx, u.ID, "AUTHOR"); err != nil {
		t.Fatalf("RemoveRole: %v", err)
	}
	after, _ := f.store.FindByID(ctx, u.ID)
	if after.TokenVersion != before.TokenVersion+1 {
		t.Fatalf("tokenVersion %d -> %d, want one bump", before.TokenVersion, after.TokenVersion)
	}
	if err := f.admin.RemoveRole(ctx, u.ID, "AUTHOR"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdminSetRolePermissionsValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.admin.SetRolePermissions(ctx, "EDITOR", []string{"articles.read", "coffee.brew"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown permission, got %v", err)
	}
	if err := f.admin.SetRolePermissions(ctx, "SUPERADMIN", []string{"articles.read"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for superadmin, got %v", err)
	}
	if err := f.admin.SetRolePermissions(ctx, "GHOST", []string{"articles.read"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown role, got %v", err)
	}
}

func TestEnsureBuiltinsIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.admin.SetRolePermissions(ctx, "AUTHOR", []string{"articles.read"}); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	if err := f.admin.EnsureBuiltins(ctx); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	u := f.createUser(t, "a@x.com", RoleAuthor)
	_, perms, err := f.admin.UserPermissions(ctx, u.ID)
	if err != nil {
		t.Fatalf("UserPermissions: %v", err)
	}
	if !slices.Equal(perms, []PermissionKey{PermArticlesRead}) {
		t.Fatalf("EnsureBuiltins overwrote role permissions: %v", perms)
	}
}

func TestBootstrapSuperadmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, created, err := f.admin.BootstrapSuperadmin(ctx, "Root@X.com", "secret")
	if err != nil || !created {
		t.Fatalf("first bootstrap: created=%v err=%v", created, err)
	}
	again, created, err := f.admin.BootstrapSuperadmin(ctx, "root@x.com", "other")
	if err != nil || created || again.ID != u.ID {
		t.Fatalf("second bootstrap: created=%v id=%s err=%v", created, again.ID, err)
	}

	sess, err := f.sessions.Login(ctx, "root@x.com", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !sess.Principal.IsSuperadmin() {
		t.Fatalf("expected superadmin roles, got %v", sess.Principal.Roles)
	}
}
