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

const userColumns = `id, email, name, password_hash, status, token_version, last_login_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var (
		u         auth.User
		status    string
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &status, &u.TokenVersion, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	u.Status = auth.UserStatus(status)
	if lastLogin.Valid {
		t := lastLogin.Time.UTC()
		u.LastLoginAt = &t
	}
	return u, nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, email))
}

func (s *Store) FindByID(ctx context.Context, id string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (s *Store) RecordLogin(ctx context.Context, userID string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update users set last_login_at = $2 where id = $1`, userID, at.UTC())
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *Store) BumpTokenVersion(ctx context.Context, userID string) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	return bumpTokenVersion(ctx, s.db, userID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func bumpTokenVersion(ctx context.Context, q queryer, userID string) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx, `
		update users set token_version = token_version + 1, updated_at = now()
		where id = $1
		returning token_version
	`, userID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: user %s", auth.ErrNotFound, userID)
	}
	return version, err
}

func (s *Store) CreateUser(ctx context.Context, in auth.User, roles []auth.RoleKey) (auth.User, error) {
	u := in
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = auth.StatusActive
	}
	u.TokenVersion = 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			insert into users (id, email, name, password_hash, status)
			values ($1, $2, $3, $4, $5)
			returning created_at, updated_at
		`, u.ID, u.Email, u.Name, u.PasswordHash, string(u.Status)).Scan(&u.CreatedAt, &u.UpdatedAt)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return fmt.Errorf("%w: email already registered", auth.ErrConflict)
			}
			return err
		}
		_, err = tx.ExecContext(ctx, `
			insert into user_status_history (id, user_id, status, reason, start_at)
			values ($1, $2, $3, 'created', $4)
		`, ids.New(), u.ID, string(u.Status), u.CreatedAt)
		if err != nil {
			return err
		}
		for _, role := range roles {
			roleID, err := roleIDByKey(ctx, tx, role)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				insert into user_roles (user_id, role_id)
				values ($1, $2)
				on conflict (user_id, role_id) do nothing
			`, u.ID, roleID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return auth.User{}, err
	}
	return u, nil
}

func (s *Store) ChangeStatus(ctx context.Context, c auth.StatusChange) (auth.StatusHistory, error) {
	entry := auth.StatusHistory{
		ID:      ids.New(),
		UserID:  c.UserID,
		Status:  c.Status,
		Reason:  c.Reason,
		ActorID: c.ActorID,
		StartAt: c.At.UTC(),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update users
			set status = $2, token_version = token_version + 1, updated_at = $3
			where id = $1
		`, c.UserID, string(c.Status), entry.StartAt)
		if err != nil {
			return err
		}
		if err := expectOneRow(res); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			update user_status_history set end_at = $2
			where user_id = $1 and end_at is null
		`, c.UserID, entry.StartAt); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			insert into user_status_history (id, user_id, status, reason, actor_id, start_at)
			values ($1, $2, $3, $4, $5, $6)
		`, entry.ID, entry.UserID, string(entry.Status), entry.Reason, nullIfEmpty(entry.ActorID), entry.StartAt)
		return err
	})
	if err != nil {
		return auth.StatusHistory{}, err
	}
	return entry, nil
}

func (s *Store) StatusHistory(ctx context.Context, userID string) ([]auth.StatusHistory, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if _, err := s.FindByID(ctx, userID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, status, reason, actor_id, start_at, end_at
		from user_status_history
		where user_id = $1
		order by start_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.StatusHistory
	for rows.Next() {
		var (
			h      auth.StatusHistory
			status string
			actor  sql.NullString
			end    sql.NullTime
		)
		if err := rows.Scan(&h.ID, &h.UserID, &status, &h.Reason, &actor, &h.StartAt, &end); err != nil {
			return nil, err
		}
		h.Status = auth.UserStatus(status)
		h.ActorID = actor.String
		if end.Valid {
			t := end.Time.UTC()
			h.EndAt = &t
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
