package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"todoapi.org/internal/obs"
)

const defaultMigrationsTable = "schema_migrations"

//go:embed sql/*.sql
var embedded embed.FS

// ErrNothingApplied is returned by Down when there is nothing to roll back.
var ErrNothingApplied = errors.New("no migrations applied")

// Embedded returns the migrations compiled into the binary.
func Embedded() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Manager applies *.up.sql / *.down.sql pairs from a file system in name order.
type Manager struct {
	db              *sql.DB
	files           fs.FS
	migrationsTable string
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

// NewManager constructs a Manager. A nil files uses the embedded migrations.
func NewManager(db *sql.DB, files fs.FS, opts ...Option) *Manager {
	if files == nil {
		files = Embedded()
	}
	m := &Manager{
		db:              db,
		files:           files,
		migrationsTable: defaultMigrationsTable,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations and returns the names it applied.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	pending, err := m.Pending(ctx)
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, name := range pending {
		if err := m.exec(ctx, name); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		if err := m.insertRecord(ctx, name); err != nil {
			return applied, err
		}
		obs.Info("migration_applied", map[string]any{"name": name})
		applied = append(applied, name)
	}
	return applied, nil
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) (string, error) {
	executed, err := m.Status(ctx)
	if err != nil {
		return "", err
	}
	if len(executed) == 0 {
		return "", ErrNothingApplied
	}
	last := executed[len(executed)-1]
	down := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	if _, err := fs.Stat(m.files, down); err != nil {
		return "", fmt.Errorf("missing down migration for %s", last)
	}
	if err := m.exec(ctx, down); err != nil {
		return "", fmt.Errorf("rollback migration %s: %w", last, err)
	}
	if _, err := m.db.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last); err != nil {
		return "", err
	}
	obs.Info("migration_rolled_back", map[string]any{"name": last})
	return last, nil
}

// Status returns applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

// Pending returns migrations not yet applied, in the order Up would run them.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	executed, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(executed))
	for _, name := range executed {
		done[name] = true
	}
	files, err := collectSQL(m.files, ".up.sql")
	if err != nil {
		return nil, err
	}
	var res []string
	for _, name := range files {
		if !done[name] {
			res = append(res, name)
		}
	}
	return res, nil
}

func (m *Manager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, m.migrationsTable))
	return err
}

func (m *Manager) exec(ctx context.Context, name string) error {
	sqlBytes, err := fs.ReadFile(m.files, name)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(sqlBytes)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *Manager) insertRecord(ctx context.Context, name string) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, m.migrationsTable),
		name, m.now().UTC())
	return err
}

// collectSQL lists top-level files with suffix, sorted by name.
func collectSQL(files fs.FS, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		names = append(names, path.Base(e.Name()))
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements splits on semicolons outside single-quoted strings.
func splitStatements(sql string) []string {
	var stmts []string
	var current strings.Builder
	var inString bool
	for _, r := range sql {
		current.WriteRune(r)
		switch r {
		case '\'':
			inString = !inString
		case ';':
			if !inString {
				stmts = append(stmts, current.String())
				current.Reset()
			}
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
