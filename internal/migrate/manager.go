package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	// advisoryLockKey serializes concurrent migrators against the same
	// database. Two API replicas starting at once must not both apply
	// migration 0003.
	advisoryLockKey = 7_201_944_312
)

// migrationName matches NNNN_description.up.sql and captures the version.
var migrationName = regexp.MustCompile(`^(\d{4})_[a-z0-9_]+\.up\.sql$`)

// Migration is one versioned schema step.
type Migration struct {
	Version int
	Name    string
	up      string
	down    string
}

// Applied describes a migration recorded in the bookkeeping table.
type Applied struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

// Manager applies versioned SQL migrations and idempotent seed files from an
// fs.FS, so the SQL can ship embedded in the binary or live on disk. All
// mutating commands take a session advisory lock first.
type Manager struct {
	db              *sql.DB
	migrations      fs.FS
	seeds           fs.FS
	migrationsTable string
	seedsTable      string
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

// WithSeeds attaches a seed-file source.
func WithSeeds(seeds fs.FS) Option {
	return func(m *Manager) {
		m.seeds = seeds
	}
}

// NewManager constructs a Manager over a migration source.
func NewManager(db *sql.DB, migrations fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every pending migration in version order.
func (m *Manager) Up(ctx context.Context) error {
	return m.withLock(ctx, func(conn *sql.Conn) error {
		if err := m.ensureTables(ctx, conn); err != nil {
			return err
		}
		applied, err := m.appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		migrations, err := m.load()
		if err != nil {
			return err
		}
		for _, mig := range migrations {
			if applied[mig.Version] {
				continue
			}
			if err := m.execFile(ctx, conn, m.migrations, mig.up); err != nil {
				return fmt.Errorf("apply migration %s: %w", mig.up, err)
			}
			if _, err := conn.ExecContext(ctx,
				fmt.Sprintf(`insert into %s(version, name, applied_at) values ($1, $2, $3)`, m.migrationsTable),
				mig.Version, mig.Name, time.Now().UTC()); err != nil {
				return err
			}
		}
		return nil
	})
}

// Down rolls back the highest applied migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.withLock(ctx, func(conn *sql.Conn) error {
		if err := m.ensureTables(ctx, conn); err != nil {
			return err
		}
		var version int
		var name string
		row := conn.QueryRowContext(ctx,
			fmt.Sprintf(`select version, name from %s order by version desc limit 1`, m.migrationsTable))
		if err := row.Scan(&version, &name); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errors.New("no migrations applied")
			}
			return err
		}
		migrations, err := m.load()
		if err != nil {
			return err
		}
		var target *Migration
		for i := range migrations {
			if migrations[i].Version == version {
				target = &migrations[i]
				break
			}
		}
		if target == nil || target.down == "" {
			return fmt.Errorf("missing down migration for version %04d", version)
		}
		if err := m.execFile(ctx, conn, m.migrations, target.down); err != nil {
			return fmt.Errorf("rollback migration %s: %w", target.down, err)
		}
		_, err = conn.ExecContext(ctx,
			fmt.Sprintf(`delete from %s where version = $1`, m.migrationsTable), version)
		return err
	})
}

// Status returns applied migrations in version order.
func (m *Manager) Status(ctx context.Context) ([]Applied, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := m.ensureTables(ctx, conn); err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx,
		fmt.Sprintf(`select version, name, applied_at from %s order by version asc`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var history []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Version, &a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		history = append(history, a)
	}
	return history, rows.Err()
}

// Seed applies seed files once each, tracked by file name.
func (m *Manager) Seed(ctx context.Context) error {
	if m.seeds == nil {
		return nil
	}
	return m.withLock(ctx, func(conn *sql.Conn) error {
		if err := m.ensureTables(ctx, conn); err != nil {
			return err
		}
		names, err := listSQL(m.seeds)
		if err != nil {
			return err
		}
		for _, name := range names {
			var done bool
			row := conn.QueryRowContext(ctx,
				fmt.Sprintf(`select exists(select 1 from %s where name = $1)`, m.seedsTable), name)
			if err := row.Scan(&done); err != nil {
				return err
			}
			if done {
				continue
			}
			if err := m.execFile(ctx, conn, m.seeds, name); err != nil {
				return fmt.Errorf("apply seed %s: %w", name, err)
			}
			if _, err := conn.ExecContext(ctx,
				fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, m.seedsTable),
				name, time.Now().UTC()); err != nil {
				return err
			}
		}
		return nil
	})
}

// withLock pins a single connection, takes the advisory lock on it, and
// releases both when fn returns.
func (m *Manager) withLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, advisoryLockKey)
	}()
	return fn(conn)
}

func (m *Manager) appliedVersions(ctx context.Context, conn *sql.Conn) (map[int]bool, error) {
	rows, err := conn.QueryContext(ctx,
		fmt.Sprintf(`select version from %s`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (m *Manager) ensureTables(ctx context.Context, conn *sql.Conn) error {
	ddl := fmt.Sprintf(`
		create table if not exists %s (
			version integer primary key,
			name text not null,
			applied_at timestamptz not null default now()
		);`, m.migrationsTable)
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return err
	}
	seedDDL := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, m.seedsTable)
	_, err := conn.ExecContext(ctx, seedDDL)
	return err
}

// load discovers migrations, pairing each up file with its down counterpart.
func (m *Manager) load() ([]Migration, error) {
	entries, err := fs.ReadDir(m.migrations, ".")
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, err
		}
		if prev, dup := byVersion[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %04d: %s and %s", version, prev.up, e.Name())
		}
		mig := &Migration{
			Version: version,
			Name:    strings.TrimSuffix(e.Name(), ".up.sql"),
			up:      e.Name(),
		}
		down := strings.TrimSuffix(e.Name(), ".up.sql") + ".down.sql"
		if _, err := fs.Stat(m.migrations, down); err == nil {
			mig.down = down
		}
		byVersion[version] = mig
	}
	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// execFile runs one SQL file inside its own transaction on the locked
// connection.
func (m *Manager) execFile(ctx context.Context, conn *sql.Conn, fsys fs.FS, name string) error {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func listSQL(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements splits a file into statements on semicolons, honoring
// single-quoted strings and line comments. Dollar-quoted bodies are not
// supported; the migrations here do not use them.
func splitStatements(src string) []string {
	var stmts []string
	var current strings.Builder
	inString := false
	inComment := false
	for i := 0; i < len(src); i++ {
		ch := src[i]
		switch {
		case inComment:
			current.WriteByte(ch)
			if ch == '\n' {
				inComment = false
			}
		case inString:
			current.WriteByte(ch)
			if ch == '\'' {
				inString = false
			}
		case ch == '\'':
			current.WriteByte(ch)
			inString = true
		case ch == '-' && i+1 < len(src) && src[i+1] == '-':
			current.WriteString("--")
			i++
			inComment = true
		case ch == ';':
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				stmts = append(stmts, stmt)
			}
			current.Reset()
		default:
			current.WriteByte(ch)
		}
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		stmts = append(stmts, stmt)
	}
	return stmts
}
