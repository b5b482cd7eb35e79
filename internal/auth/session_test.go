package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"
)

type fixture struct {
	clock    *fakeClock
	store    *MemoryStore
	refresh  *MemoryRefreshStore
	codec    *JWTCodec
	sessions *SessionService
	authn    *Authenticator
	admin    *AdminService
}

func newFixture(t *testing.T, opts ...SessionOption) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.now = clock.Now
	refresh := NewMemoryRefreshStore(RefreshConfig{TTL: time.Hour, Now: clock.Now})
	codec := newTestCodec(clock)

	resolver, err := NewResolver(store)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	base := []SessionOption{
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	sessions, err := NewSessionService(store, resolver, codec, refresh, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewSessionService: %v", err)
	}
	authn, err := NewAuthenticator(codec, store)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	admin, err := NewAdminService(store, refresh)
	if err != nil {
		t.Fatalf("NewAdminService: %v", err)
	}
	admin.now = clock.Now
	if err := admin.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	return &fixture{clock: clock, store: store, refresh: refresh, codec: codec, sessions: sessions, authn: authn, admin: admin}
}

func (f *fixture) createUser(t *testing.T, email string, roles ...RoleKey) User {
	t.Helper()
	u, err := f.admin.CreateUser(context.Background(), NewUserInput{
		Email:    email,
		Name:     "Test " + email,
		Password: "secret",
		Roles:    roles,
	})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", email, err)
	}
	return u
}

func TestSessionLoginRefreshLogoutScenario(t *testing.T) {
	f := newFixture(t, WithReuseRevocation(false))
	ctx := context.Background()
	f.createUser(t, "a@x.com")

	sess, err := f.sessions.Login(ctx, "a@x.com", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := f.codec.Verify(sess.AccessToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.TokenVersion != 0 {
		t.Fatalf("tokenVersion=%d, want 0", claims.TokenVersion)
	}
	r1 := sess.RefreshToken

	next, err := f.sessions.Refresh(ctx, r1)
	if err != nil {
		t.Fatalf("Refresh(r1): %v", err)
	}
	r2 := next.RefreshToken
	if r2 == "" || r2 == r1 {
		t.Fatalf("expected a new refresh token")
	}

	if _, err := f.sessions.Refresh(ctx, r1); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("second Refresh(r1): expected ErrTokenRevoked, got %v", err)
	}

	f.sessions.Logout(ctx, r2)
	if _, err := f.sessions.Refresh(ctx, r2); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("Refresh(r2) after logout: expected ErrTokenRevoked, got %v", err)
	}
}

func TestLoginDoesNotRevealUnknownEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createUser(t, "a@x.com")

	_, errUnknown := f.sessions.Login(ctx, "nobody@x.com", "secret")
	_, errWrong := f.sessions.Login(ctx, "a@x.com", "wrong")
	if !errors.Is(errUnknown, ErrInvalidCredentials) || !errors.Is(errWrong, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for both, got %v and %v", errUnknown, errWrong)
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Fatalf("error messages differ: %q vs %q", errUnknown, errWrong)
	}
}

func TestLoginNormalizesEmailAndRecordsLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "a@x.com")

	if _, err := f.sessions.Login(ctx, "  A@X.com ", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	got, _ := f.store.FindByID(ctx, u.ID)
	if got.LastLoginAt == nil || !got.LastLoginAt.Equal(f.clock.t) {
		t.Fatalf("last login not recorded: %v", got.LastLoginAt)
	}
}

func TestLoginRejectsInactiveUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "a@x.com")
	if _, err := f.admin.ChangeStatus(ctx, "", u.ID, "INACTIVE", "left"); err != nil {
		t.Fatalf("ChangeStatus: %v", err)
	}
	if _, err := f.sessions.Login(ctx, "a@x.com", "secret"); !errors.Is(err, ErrUserInactive) {
		t.Fatalf("expected ErrUserInactive, got %v", err)
	}
}

func TestRefreshFailsForInactiveUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "a@x.com")
	sess, err := f.sessions.Login(ctx, "a@x.com", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Status change straight in the store leaves refresh tokens alive.
	if _, err := f.store.ChangeStatus(ctx, StatusChange{UserID: u.ID, Status: StatusSuspended, Reason: "abuse", At: f.clock.t}); err != nil {
		t.Fatalf("ChangeStatus: %v", err)
	}
	if _, err := f.sessions.Refresh(ctx, sess.RefreshToken); !errors.Is(err, ErrUserInactive) {
		t.Fatalf("expected ErrUserInactive, got %v", err)
	}
	for _, rec := range f.refresh.Records(u.ID) {
		if rec.RevokedAt == nil {
			t.Fatalf("refresh token %s left active", rec.ID)
		}
	}
}

func TestRefreshExpiredToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createUser(t, "a@x.com")
	sess, err := f.sessions.Login(ctx, "a@x.com", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	f.clock.Advance(2 * time.Hour)
	if _, err := f.sessions.Refresh(ctx, sess.RefreshToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if _, err := f.sessions.Refresh(ctx, "unknown"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
	if _, err := f.sessions.Refresh(ctx, "  "); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for blank token, got %v", err)
	}
}

func TestConcurrentRotationHasSingleWinner(t *testing.T) {
	f := newFixture(t, WithReuseRevocation(false))
	ctx := context.Background()
	f.createUser(t, "a@x.com")
	sess, err := f.sessions.Login(ctx, "a@x.com", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		revoked   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.refresh.Rotate(ctx, sess.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrTokenRevoked):
				revoked++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if successes != 1 || revoked != workers-1 {
		t.Fatalf("successes=%d revoked=%d", successes, revoked)
	}
}

func TestRotationChainIsAuditable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "a@x.com")
	sess, _ := f.sessions.Login(ctx, "a@x.com", "secret")
	next, err := f.sessions.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	recs := f.refresh.Records(u.ID)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	first, second := recs[0], recs[1]
	if first.TokenHash != HashRefreshToken(sess.RefreshToken) {
		t.Fatalf("records out of order")
	}
	if first.RevokedAt == nil || first.ReplacedByTokenHash == nil || *first.ReplacedByTokenHash != second.TokenHash {
		t.Fatalf("rotation link missing: %+v", first)
	}
	if second.TokenHash != HashRefreshToken(next.RefreshToken) || second.RevokedAt != nil {
		t.Fatalf("successor not active: %+v", second)
	}
}

func TestReuseRevokesEverySession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createUser(t, "a@x.com")

	laptop, _ := f.sessions.Login(ctx, "a@x.com", "secret")
	phone, _ := f.sessions.Login(ctx, "a@x.com", "secret")
	if _, err := f.sessions.Refresh(ctx, laptop.RefreshToken); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	_, err := f.sessions.Refresh(ctx, laptop.RefreshToken)
	var reuse *ReuseError
	if !errors.As(err, &reuse) || !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected reuse error, got %v", err)
	}
	if _, err := f.sessions.Refresh(ctx, phone.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("other session survived reuse: %v", err)
	}
	if _, err := f.authn.Authenticate(ctx, phone.AccessToken); !errors.Is(err, ErrInvalidTokenVersion) {
		t.Fatalf("access token survived reuse: %v", err)
	}
}

func TestRefreshPicksUpPermissionChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createUser(t, "ed@x.com", RoleEditor)

	sess, err := f.sessions.Login(ctx, "ed@x.com", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !slices.Contains(sess.Principal.Permissions, PermArticlesPublish) {
		t.Fatalf("editor lacks publish: %v", sess.Principal.Permissions)
	}

	if err := f.admin.SetRolePermissions(ctx, "editor", []string{"articles.read"}); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	if _, err := f.authn.Authenticate(ctx, sess.AccessToken); !errors.Is(err, ErrInvalidTokenVersion) {
		t.Fatalf("stale token accepted: %v", err)
	}

	next, err := f.sessions.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	p, err := f.authn.Authenticate(ctx, next.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !slices.Equal(p.Permissions, []PermissionKey{PermArticlesRead}) {
		t.Fatalf("permissions not recomputed: %v", p.Permissions)
	}
}

func TestSessionFailsClosedOnCancelledContext(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "a@x.com")
	sess, err := f.sessions.Login(context.Background(), "a@x.com", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.sessions.Login(ctx, "a@x.com", "secret"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Login: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.sessions.Refresh(ctx, sess.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Refresh: expected ErrUnauthorized, got %v", err)
	}
}

func TestLogoutNeverFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sessions.Logout(ctx, "")
	f.sessions.Logout(ctx, "does-not-exist")
	f.createUser(t, "a@x.com")
	sess, _ := f.sessions.Login(ctx, "a@x.com", "secret")
	f.sessions.Logout(ctx, sess.RefreshToken)
	f.sessions.Logout(ctx, sess.RefreshToken)
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ed := f.createUser(t, "ed@x.com", RoleEditor)
	f.createUser(t, "root@x.com", RoleSuperadmin)

	edSess, _ := f.sessions.Login(ctx, "ed@x.com", "secret")
	rootSess, _ := f.sessions.Login(ctx, "root@x.com", "secret")

	if _, err := f.authn.Authenticate(ctx, ""); !errors.Is(err, ErrMissingToken) || !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if _, err := f.authn.Authenticate(ctx, "garbage"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	p, err := f.authn.Authenticate(ctx, edSess.AccessToken, RoleEditor, RoleAdmin)
	if err != nil || p.ID != ed.ID {
		t.Fatalf("Authenticate editor: %v", err)
	}
	if _, err := f.authn.Authenticate(ctx, edSess.AccessToken, RoleAdmin); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for missing role, got %v", err)
	}
	if _, err := f.authn.Authenticate(ctx, rootSess.AccessToken, RoleAdmin); err != nil {
		t.Fatalf("superadmin bypass failed: %v", err)
	}

	f.store.mu.Lock()
	f.store.users[ed.ID].Status = StatusSuspended
	f.store.mu.Unlock()
	if _, err := f.authn.Authenticate(ctx, edSess.AccessToken); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for suspended user, got %v", err)
	}

	if err := f.admin.ForceLogout(ctx, ed.ID); err != nil {
		t.Fatalf("ForceLogout: %v", err)
	}
	if _, err := f.authn.Authenticate(ctx, edSess.AccessToken); !errors.Is(err, ErrInvalidTokenVersion) {
		t.Fatalf("expected ErrInvalidTokenVersion, got %v", err)
	}
}

func TestOutcome(t *testing.T) {
	cases := map[string]error{
		"ok":                  nil,
		"invalid_credentials": ErrInvalidCredentials,
		"reused":              &ReuseError{UserID: "u"},
		"revoked":             ErrTokenRevoked,
		"unauthorized":        ErrMissingToken,
		"error":               errors.New("boom"),
	}
	for want, err := range cases {
		if got := Outcome(err); got != want {
			t.Fatalf("Outcome(%v)=%s, want %s", err, got, want)
		}
	}
}
