package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cmsgate.org/internal/auth"
	"cmsgate.org/internal/ids"
)

// RefreshStore persists refresh tokens by SHA-256 hash.
type RefreshStore struct {
	db  *sql.DB
	cfg auth.RefreshConfig
}

var _ auth.RefreshTokenStore = (*RefreshStore)(nil)

// NewRefreshStore builds a refresh token store over db.
func NewRefreshStore(db *sql.DB, cfg auth.RefreshConfig) *RefreshStore {
	return &RefreshStore{db: db, cfg: cfg.Normalize()}
}

// RefreshTokens shares the store's connection pool.
func (s *Store) RefreshTokens(cfg auth.RefreshConfig) *RefreshStore {
	return NewRefreshStore(s.db, cfg)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *RefreshStore) insert(ctx context.Context, q execer, userID string) (auth.IssuedRefreshToken, string, error) {
	plain, hash, err := auth.NewRefreshSecret(s.cfg.TokenBytes)
	if err != nil {
		return auth.IssuedRefreshToken{}, "", fmt.Errorf("generate refresh token: %w", err)
	}
	now := s.cfg.Now().UTC()
	expires := now.Add(s.cfg.TTL)
	_, err = q.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, ids.New(), userID, hash, expires, now)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return auth.IssuedRefreshToken{}, "", fmt.Errorf("%w: user %s", auth.ErrNotFound, userID)
		}
		return auth.IssuedRefreshToken{}, "", err
	}
	return auth.IssuedRefreshToken{Token: plain, ExpiresAt: expires}, hash, nil
}

func (s *RefreshStore) Issue(ctx context.Context, userID string) (auth.IssuedRefreshToken, error) {
	if s.db == nil {
		return auth.IssuedRefreshToken{}, errNoDB
	}
	tok, _, err := s.insert(ctx, s.db, userID)
	return tok, err
}

// Rotate locks the presented record, revokes it only if it is still active
// and inserts the successor in the same transaction. Of two concurrent
// rotations of one token exactly one succeeds.
func (s *RefreshStore) Rotate(ctx context.Context, raw string) (auth.Rotation, error) {
	if s.db == nil {
		return auth.Rotation{}, errNoDB
	}
	raw, ok := auth.NormalizeRefreshToken(raw)
	if !ok {
		return auth.Rotation{}, auth.ErrTokenNotFound
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Rotation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		rec      auth.RefreshToken
		revoked  sql.NullTime
		replaced sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, revoked_at, replaced_by_token_hash, created_at
		from refresh_tokens
		where token_hash = $1
		for update
	`, auth.HashRefreshToken(raw)).Scan(&rec.ID, &rec.UserID, &rec.TokenHash, &rec.ExpiresAt, &revoked, &replaced, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Rotation{}, auth.ErrTokenNotFound
	}
	if err != nil {
		return auth.Rotation{}, err
	}
	if revoked.Valid {
		rec.RevokedAt = &revoked.Time
	}
	if replaced.Valid {
		rec.ReplacedByTokenHash = &replaced.String
	}

	now := s.cfg.Now().UTC()
	if err := auth.CheckRotatable(rec, now); err != nil {
		return auth.Rotation{}, err
	}

	next, nextHash, err := s.insert(ctx, tx, rec.UserID)
	if err != nil {
		return auth.Rotation{}, err
	}
	res, err := tx.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2, replaced_by_token_hash = $3
		where id = $1 and revoked_at is null
	`, rec.ID, now, nextHash)
	if err != nil {
		return auth.Rotation{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return auth.Rotation{}, err
	} else if n == 0 {
		return auth.Rotation{}, auth.ErrTokenRevoked
	}
	if err := tx.Commit(); err != nil {
		return auth.Rotation{}, err
	}
	return auth.Rotation{UserID: rec.UserID, Token: next}, nil
}

func (s *RefreshStore) Revoke(ctx context.Context, raw string) error {
	if s.db == nil {
		return errNoDB
	}
	raw, ok := auth.NormalizeRefreshToken(raw)
	if !ok {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2
		where token_hash = $1 and revoked_at is null
	`, auth.HashRefreshToken(raw), s.cfg.Now().UTC())
	return err
}

func (s *RefreshStore) RevokeAll(ctx context.Context, userID string) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2
		where user_id = $1 and revoked_at is null
	`, userID, s.cfg.Now().UTC())
	return err
}

// PurgeExpired deletes records that expired, or were revoked outright, before
// the retention cutoff. Rotated records stay until they expire so a replayed
// token is still reported as revoked.
func (s *RefreshStore) PurgeExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from refresh_tokens
		where expires_at < $1
		   or (revoked_at < $1 and replaced_by_token_hash is null)
	`, s.cfg.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
