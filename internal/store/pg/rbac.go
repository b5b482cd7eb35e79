package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cmsgate.org/internal/auth"
	"cmsgate.org/internal/ids"
)

// RolesForUser loads the user's roles with their permissions in one query.
func (s *Store) RolesForUser(ctx context.Context, userID string) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.key, r.name, r.description, p.key
		from user_roles ur
		join roles r on r.id = ur.role_id
		left join role_permissions rp on rp.role_id = r.id
		left join permissions p on p.id = rp.permission_id
		where ur.user_id = $1
		order by r.key, p.key
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		result []auth.Role
		cur    *auth.Role
	)
	for rows.Next() {
		var (
			id, key, name, desc string
			perm                sql.NullString
		)
		if err := rows.Scan(&id, &key, &name, &desc, &perm); err != nil {
			return nil, err
		}
		if cur == nil || cur.ID != id {
			result = append(result, auth.Role{ID: id, Key: auth.RoleKey(key), Name: name, Description: desc})
			cur = &result[len(result)-1]
		}
		if perm.Valid {
			cur.Permissions = append(cur.Permissions, auth.PermissionKey(perm.String))
		}
	}
	return result, rows.Err()
}

func roleIDByKey(ctx context.Context, tx *sql.Tx, role auth.RoleKey) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `select id from roles where key = $1`, string(role)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: role %s", auth.ErrNotFound, role)
	}
	return id, err
}

// AssignRole is a no-op when the role is already held; otherwise the token
// version is bumped in the same transaction.
func (s *Store) AssignRole(ctx context.Context, userID string, role auth.RoleKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		roleID, err := roleIDByKey(ctx, tx, role)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			insert into user_roles (user_id, role_id)
			values ($1, $2)
			on conflict (user_id, role_id) do nothing
		`, userID, roleID)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return fmt.Errorf("%w: user %s", auth.ErrNotFound, userID)
			}
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		_, err = bumpTokenVersion(ctx, tx, userID)
		return err
	})
}

func (s *Store) RemoveRole(ctx context.Context, userID string, role auth.RoleKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			delete from user_roles
			where user_id = $1 and role_id = (select id from roles where key = $2)
		`, userID, string(role))
		if err != nil {
			return err
		}
		if err := expectOneRow(res); err != nil {
			return fmt.Errorf("%w: role %s not assigned", err, role)
		}
		_, err = bumpTokenVersion(ctx, tx, userID)
		return err
	})
}

// SetRolePermissions replaces the role's permission set and bumps the token
// version of every holder.
func (s *Store) SetRolePermissions(ctx context.Context, role auth.RoleKey, perms []auth.PermissionKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		roleID, err := roleIDByKey(ctx, tx, role)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
			return err
		}
		for _, key := range perms {
			var permID string
			err := tx.QueryRowContext(ctx, `select id from permissions where key = $1`, string(key)).Scan(&permID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("%w: permission %s", auth.ErrNotFound, key)
				}
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				insert into role_permissions (role_id, permission_id)
				values ($1, $2)
			`, roleID, permID); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `
			update users set token_version = token_version + 1, updated_at = now()
			where id in (select user_id from user_roles where role_id = $1)
		`, roleID)
		return err
	})
}

// EnsureCatalog inserts missing permissions and roles. Permissions of a role
// are only written when the role itself is created.
func (s *Store) EnsureCatalog(ctx context.Context, perms []auth.Permission, roles []auth.Role) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range perms {
			if _, err := tx.ExecContext(ctx, `
				insert into permissions (id, key, description)
				values ($1, $2, $3)
				on conflict (key) do nothing
			`, ids.New(), string(p.Key), p.Description); err != nil {
				return err
			}
		}
		for _, r := range roles {
			var roleID string
			err := tx.QueryRowContext(ctx, `
				insert into roles (id, key, name, description)
				values ($1, $2, $3, $4)
				on conflict (key) do nothing
				returning id
			`, ids.New(), string(r.Key), r.Name, r.Description).Scan(&roleID)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			for _, key := range r.Permissions {
				if _, err := tx.ExecContext(ctx, `
					insert into role_permissions (role_id, permission_id)
					select $1, id from permissions where key = $2
					on conflict do nothing
				`, roleID, string(key)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
