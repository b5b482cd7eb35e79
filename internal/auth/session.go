package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cmsgate.org/internal/obs"
)

const defaultAccessTTL = 15 * time.Minute

// SessionService orchestrates login, refresh and logout across the user
// store, the resolver, the token codec and the refresh token store.
type SessionService struct {
	users         UserStore
	resolver      *Resolver
	codec         TokenCodec
	refresh       RefreshTokenStore
	accessTTL     time.Duration
	revokeOnReuse bool
	now           func() time.Time
	log           *slog.Logger
	tracer        trace.Tracer
}

// SessionOption configures SessionService behavior.
type SessionOption func(*SessionService)

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) SessionOption {
	return func(s *SessionService) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithReuseRevocation controls whether presenting a rotated refresh token
// revokes every session of its owner.
func WithReuseRevocation(enabled bool) SessionOption {
	return func(s *SessionService) { s.revokeOnReuse = enabled }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) SessionOption {
	return func(s *SessionService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *SessionService) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSessionService wires the session collaborators.
func NewSessionService(users UserStore, resolver *Resolver, codec TokenCodec, refresh RefreshTokenStore, opts ...SessionOption) (*SessionService, error) {
	if users == nil || resolver == nil || codec == nil || refresh == nil {
		return nil, errors.New("auth: session service requires users, resolver, codec and refresh store")
	}
	s := &SessionService{
		users:         users,
		resolver:      resolver,
		codec:         codec,
		refresh:       refresh,
		accessTTL:     defaultAccessTTL,
		revokeOnReuse: true,
		now:           time.Now,
		log:           obs.Logger(),
		tracer:        otel.Tracer("cmsgate.org/internal/auth"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Login verifies credentials and opens a new session.
func (s *SessionService) Login(ctx context.Context, email, password string) (Session, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Login")
	defer span.End()

	sess, err := s.login(ctx, email, password)
	s.observe(span, "login", err)
	return sess, err
}

func (s *SessionService) login(ctx context.Context, email, password string) (Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, ErrInvalidCredentials
	}
	user, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		_ = VerifyPassword(dummyHash, password)
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, failClosed(ctx, fmt.Errorf("find user: %w", err))
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	if user.Status != StatusActive {
		return Session{}, ErrUserInactive
	}

	principal, err := s.resolver.Principal(ctx, user)
	if err != nil {
		return Session{}, failClosed(ctx, err)
	}
	if err := s.users.RecordLogin(ctx, user.ID, s.now().UTC()); err != nil {
		return Session{}, failClosed(ctx, fmt.Errorf("record login: %w", err))
	}

	access, accessExp, err := s.codec.Issue(ClaimsFor(principal), s.accessTTL)
	if err != nil {
		return Session{}, fmt.Errorf("issue access token: %w", err)
	}
	rt, err := s.refresh.Issue(ctx, user.ID)
	if err != nil {
		return Session{}, failClosed(ctx, fmt.Errorf("issue refresh token: %w", err))
	}
	return Session{
		Principal:        principal,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     rt.Token,
		RefreshExpiresAt: rt.ExpiresAt,
	}, nil
}

// Refresh rotates the refresh token and issues a fresh access token with
// permissions recomputed from current role assignments.
func (s *SessionService) Refresh(ctx context.Context, rawRefresh string) (Session, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Refresh")
	defer span.End()

	sess, err := s.refreshSession(ctx, rawRefresh)
	s.observe(span, "refresh", err)
	return sess, err
}

func (s *SessionService) refreshSession(ctx context.Context, rawRefresh string) (Session, error) {
	raw, ok := NormalizeRefreshToken(rawRefresh)
	if !ok {
		return Session{}, ErrTokenNotFound
	}
	rot, err := s.refresh.Rotate(ctx, raw)
	if err != nil {
		var reuse *ReuseError
		if errors.As(err, &reuse) && s.revokeOnReuse {
			s.revokeEverywhere(ctx, reuse.UserID)
		}
		return Session{}, failClosed(ctx, err)
	}

	user, err := s.users.FindByID(ctx, rot.UserID)
	if err != nil {
		s.discard(ctx, rot.Token.Token)
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrTokenNotFound
		}
		return Session{}, failClosed(ctx, fmt.Errorf("load user: %w", err))
	}
	if user.Status != StatusActive {
		s.discard(ctx, rot.Token.Token)
		return Session{}, ErrUserInactive
	}

	principal, err := s.resolver.Principal(ctx, user)
	if err != nil {
		s.discard(ctx, rot.Token.Token)
		return Session{}, failClosed(ctx, err)
	}
	access, accessExp, err := s.codec.Issue(ClaimsFor(principal), s.accessTTL)
	if err != nil {
		s.discard(ctx, rot.Token.Token)
		return Session{}, fmt.Errorf("issue access token: %w", err)
	}
	return Session{
		Principal:        principal,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     rot.Token.Token,
		RefreshExpiresAt: rot.Token.ExpiresAt,
	}, nil
}

// Logout revokes the presented refresh token. It never fails: missing or
// unknown tokens are ignored and storage errors are logged.
func (s *SessionService) Logout(ctx context.Context, rawRefresh string) {
	ctx, span := s.tracer.Start(ctx, "auth.Logout")
	defer span.End()

	raw, ok := NormalizeRefreshToken(rawRefresh)
	if !ok {
		s.observe(span, "logout", nil)
		return
	}
	err := s.refresh.Revoke(ctx, raw)
	if err != nil {
		s.log.ErrorContext(ctx, "refresh token revoke failed", "error", err)
	}
	s.observe(span, "logout", err)
}

// LogoutEverywhere revokes all refresh tokens of a user and invalidates
// outstanding access tokens.
func (s *SessionService) LogoutEverywhere(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if _, err := s.users.BumpTokenVersion(ctx, userID); err != nil {
		return err
	}
	return s.refresh.RevokeAll(ctx, userID)
}

func (s *SessionService) revokeEverywhere(ctx context.Context, userID string) {
	s.log.WarnContext(ctx, "refresh token reuse detected", "user_id", userID)
	if userID == "" {
		return
	}
	if err := s.LogoutEverywhere(ctx, userID); err != nil {
		s.log.ErrorContext(ctx, "revoke sessions after reuse failed", "user_id", userID, "error", err)
	}
}

// discard revokes a freshly rotated successor that will not be handed out.
func (s *SessionService) discard(ctx context.Context, raw string) {
	if err := s.refresh.Revoke(ctx, raw); err != nil {
		s.log.ErrorContext(ctx, "discard rotated refresh token failed", "error", err)
	}
}

func (s *SessionService) observe(span trace.Span, operation string, err error) {
	outcome := Outcome(err)
	obs.AuthEvent(operation, outcome)
	span.SetAttributes(attribute.String("auth.outcome", outcome))
	if err != nil && outcome == "error" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Outcome maps a session error onto a bounded metric label.
func Outcome(err error) string {
	var reuse *ReuseError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrUserInactive):
		return "inactive"
	case errors.As(err, &reuse):
		return "reused"
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "error"
	}
}

// failClosed turns a cancelled or timed-out storage call into an
// authentication failure.
func failClosed(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, ctxErr)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return err
}
