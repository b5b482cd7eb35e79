package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	// lockKey is the pg_advisory_lock key held while a Manager runs, so two
	// deploys starting at once apply each file exactly once.
	lockKey int64 = 0x636d7367617465
)

var ErrNothingApplied = errors.New("no migrations applied")

// Manager executes SQL migrations and seed files read from file systems,
// usually the embedded migrations package.
type Manager struct {
	db              *sql.DB
	migrations      fs.FS
	seeds           fs.FS
	migrationsTable string
	seedsTable      string
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		seeds:           seeds,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record is one applied migration or seed.
type Record struct {
	Name      string
	AppliedAt time.Time
}

// Up applies all pending migrations in name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		return m.applyPending(ctx, conn, m.migrations, ".up.sql", m.migrationsTable)
	})
}

// Seed applies seed files that have not run yet. Seeds must be idempotent.
func (m *Manager) Seed(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		return m.applyPending(ctx, conn, m.seeds, ".sql", m.seedsTable)
	})
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if m.migrations == nil {
		return errors.New("no migrations source configured")
	}
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.history(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			return ErrNothingApplied
		}
		last := applied[len(applied)-1].Name
		downPath := last + ".down.sql"
		if _, err := fs.Stat(m.migrations, downPath); err != nil {
			return fmt.Errorf("missing down migration for %s", last)
		}
		script, err := fs.ReadFile(m.migrations, downPath)
		if err != nil {
			return err
		}
		forget := fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable)
		if err := m.runScript(ctx, conn, string(script), forget, last); err != nil {
			return fmt.Errorf("rollback migration %s: %w", last, err)
		}
		return nil
	})
}

// Status returns applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]Record, error) {
	var out []Record
	err := m.locked(ctx, func(conn *sql.Conn) error {
		var err error
		out, err = m.history(ctx, conn, m.migrationsTable)
		return err
	})
	return out, err
}

// locked runs fn on a dedicated connection holding the advisory lock, after
// making sure the bookkeeping tables exist.
func (m *Manager) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, lockKey)
	}()

	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, table)
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return fn(conn)
}

func (m *Manager) applyPending(ctx context.Context, conn *sql.Conn, fsys fs.FS, suffix, table string) error {
	files, err := collectSQL(fsys, suffix)
	if err != nil {
		return err
	}
	applied, err := m.history(ctx, conn, table)
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(applied))
	for _, r := range applied {
		done[r.Name] = true
	}
	record := fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, table)
	for _, f := range files {
		if done[f.Name] {
			continue
		}
		script, err := fs.ReadFile(fsys, f.Path)
		if err != nil {
			return err
		}
		if err := m.runScript(ctx, conn, string(script), record, f.Name, m.now().UTC()); err != nil {
			return fmt.Errorf("apply %s: %w", f.Name, err)
		}
	}
	return nil
}

// runScript executes every statement of script followed by the bookkeeping
// statement in one transaction.
func (m *Manager) runScript(ctx context.Context, conn *sql.Conn, script, bookkeeping string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) history(ctx context.Context, conn *sql.Conn, table string) ([]Record, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s order by name`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Name, &r.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// sqlFile is a script on disk; Name drops the directory and the suffix, so
// "sql/0001_users.up.sql" is recorded as "0001_users".
type sqlFile struct {
	Name string
	Path string
}

func collectSQL(fsys fs.FS, suffix string) ([]sqlFile, error) {
	if fsys == nil {
		return nil, nil
	}
	var files []sqlFile
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		if suffix == ".sql" && (strings.HasSuffix(d.Name(), ".up.sql") || strings.HasSuffix(d.Name(), ".down.sql")) {
			return nil
		}
		files = append(files, sqlFile{Name: strings.TrimSuffix(path.Base(p), suffix), Path: p})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// splitStatements splits a script on top-level semicolons. Quoted strings
// (with '' escapes), dollar-quoted bodies and -- comments are kept intact.
func splitStatements(script string) []string {
	var (
		stmts []string
		cur   strings.Builder
		quote bool
		tag   string
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" && s != ";" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case tag != "":
			if strings.HasPrefix(script[i:], tag) {
				cur.WriteString(tag)
				i += len(tag) - 1
				tag = ""
				continue
			}
		case quote:
			if c == '\'' {
				quote = false
			}
		case c == '\'':
			quote = true
		case c == '-' && strings.HasPrefix(script[i:], "--"):
			end := strings.IndexByte(script[i:], '\n')
			if end < 0 {
				i = len(script)
			} else {
				i += end
				cur.WriteByte('\n')
			}
			continue
		case c == '$':
			if end := strings.IndexByte(script[i+1:], '$'); end >= 0 && isTagBody(script[i+1:i+1+end]) {
				tag = script[i : i+end+2]
				cur.WriteString(tag)
				i += len(tag) - 1
				continue
			}
		case c == ';':
			cur.WriteByte(c)
			flush()
			continue
		}
		cur.WriteByte(c)
	}
	flush()
	return stmts
}

func isTagBody(s string) bool {
	for _, r := range s {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
