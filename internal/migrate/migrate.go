// Package migrate applies the embedded SQL migrations to PostgreSQL.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"time"

	_ "github.com/lib/pq"
)

const lockID int64 = 73110421

var (
	ErrNoMigrations  = errors.New("no migrations found")
	ErrMissingDown   = errors.New("missing down migration")
	ErrInvalidSteps  = errors.New("steps must be positive")
	ErrDirtyDatabase = errors.New("applied version not found in migration set")
)

var fileRegex = regexp.MustCompile(`^(\d{6})_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Status describes a migration and whether it has been applied.
type Status struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator runs migrations against a database/sql handle.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	logger     *slog.Logger
}

// Open connects with the lib/pq driver and loads migrations from fsys.
func Open(ctx context.Context, databaseURL string, fsys fs.FS, logger *slog.Logger) (*Migrator, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	m, err := New(db, fsys, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// New builds a Migrator over an existing handle.
func New(db *sql.DB, fsys fs.FS, logger *slog.Logger) (*Migrator, error) {
	migrations, err := Load(fsys)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{db: db, migrations: migrations, logger: logger}, nil
}

// Close releases the underlying handle.
func (m *Migrator) Close() error {
	return m.db.Close()
}

// Load parses the migration files in fsys, sorted by version.
func Load(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := fileRegex.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}

		version, _ := strconv.Atoi(match[1])
		body, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: match[2]}
			byVersion[version] = mig
		}
		if match[3] == "up" {
			mig.Up = string(body)
		} else {
			mig.Down = string(body)
		}
	}

	if len(byVersion) == 0 {
		return nil, ErrNoMigrations
	}

	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.Down == "" {
			return nil, fmt.Errorf("%w: %06d_%s", ErrMissingDown, mig.Version, mig.Name)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Up applies every pending migration and returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	applied := 0
	err := m.withLock(ctx, func(conn *sql.Conn) error {
		done, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range m.migrations {
			if _, ok := done[mig.Version]; ok {
				continue
			}
			if err := m.apply(ctx, conn, mig, true); err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	return applied, err
}

// Down rolls back the latest steps migrations.
func (m *Migrator) Down(ctx context.Context, steps int) (int, error) {
	if steps <= 0 {
		return 0, ErrInvalidSteps
	}

	reverted := 0
	err := m.withLock(ctx, func(conn *sql.Conn) error {
		done, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for i := len(m.migrations) - 1; i >= 0 && reverted < steps; i-- {
			mig := m.migrations[i]
			if _, ok := done[mig.Version]; !ok {
				continue
			}
			if err := m.apply(ctx, conn, mig, false); err != nil {
				return err
			}
			reverted++
		}
		return nil
	})
	return reverted, err
}

// Status reports every known migration.
func (m *Migrator) Status(ctx context.Context) ([]Status, error) {
	var out []Status
	err := m.withLock(ctx, func(conn *sql.Conn) error {
		done, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range m.migrations {
			st := Status{Version: mig.Version, Name: mig.Name}
			if at, ok := done[mig.Version]; ok {
				at := at
				st.Applied = true
				st.AppliedAt = &at
				delete(done, mig.Version)
			}
			out = append(out, st)
		}
		if len(done) > 0 {
			return ErrDirtyDatabase
		}
		return nil
	})
	return out, err
}

func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, mig Migration, up bool) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %06d: %w", mig.Version, err)
	}
	defer tx.Rollback()

	body := mig.Down
	direction := "down"
	if up {
		body = mig.Up
		direction = "up"
	}

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("migration %06d_%s %s: %w", mig.Version, mig.Name, direction, err)
	}

	if up {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.Version, mig.Name)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, mig.Version)
	}
	if err != nil {
		return fmt.Errorf("record migration %06d: %w", mig.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %06d: %w", mig.Version, err)
	}

	m.logger.Info("migration applied",
		slog.Int("version", mig.Version),
		slog.String("name", mig.Name),
		slog.String("direction", direction),
	)
	return nil
}

func (m *Migrator) withLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockID); err != nil {
			m.logger.Warn("failed to release migration lock", slog.String("error", err.Error()))
		}
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	return fn(conn)
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int]time.Time, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	done := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		done[version] = at
	}
	return done, rows.Err()
}
