// Package sqlite provides the default embedded persistence backend.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config controls where the database lives and how many connections it may use.
type Config struct {
	Path     string
	MaxConns int
}

// Option customizes a Store.
type Option func(*Store)

// WithClock sets the clock used for row timestamps.
func WithClock(c watch.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store implements watch.Repository on a SQLite file.
type Store struct {
	queries
	db      *sql.DB
	logger  *zap.Logger
	version int64
}

var _ watch.Repository = (*Store)(nil)

// Open connects to the database at cfg.Path and applies pending migrations.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir %q: %w", dir, err)
		}
	}
	dsn := "file:" + cfg.Path +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.Path, err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	s := &Store{
		queries: queries{q: db, clock: system.New()},
		db:      db,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("sqlite")

	version, err := Migrate(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.version = version
	s.logger.Info("database ready", zap.String("path", cfg.Path), zap.Int64("schema_version", version))
	return s, nil
}

// SchemaVersion reports the migration version applied by Open.
func (s *Store) SchemaVersion() int64 {
	return s.version
}

// Migrate applies the embedded migrations and returns the resulting schema version.
func Migrate(ctx context.Context, db *sql.DB) (int64, error) {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return 0, fmt.Errorf("sqlite: migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return 0, fmt.Errorf("sqlite: migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return 0, fmt.Errorf("sqlite: migrate up: %w", err)
	}
	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("sqlite: schema version: %w", err)
	}
	return version, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite: close: %w", err)
	}
	return nil
}

// Session is a worker-owned handle pinned to one connection.
type Session struct {
	queries
	conn *sql.Conn
}

// OpenSession pins a dedicated connection for one worker.
func (s *Store) OpenSession(ctx context.Context) (watch.Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open session: %w", err)
	}
	return &Session{queries: queries{q: conn, clock: s.clock}, conn: conn}, nil
}

// Close returns the connection to the pool.
func (s *Session) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("sqlite: close session: %w", err)
	}
	return nil
}

// UpsertRunStart records a running check. Restarting an id resets its status.
func (s *Store) UpsertRunStart(ctx context.Context, id uuid.UUID, startedAt time.Time, total int) error {
	const query = `
INSERT INTO check_runs (id, started_at, status, sources_total)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET status = excluded.status, sources_total = excluded.sources_total`
	if _, err := s.q.ExecContext(ctx, query, id.String(), startedAt.UTC(), watch.RunRunning, total); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// AddRunProgress increments the counters of a run.
func (s *Store) AddRunProgress(ctx context.Context, id uuid.UUID, delta watch.RunDelta) error {
	const query = `
UPDATE check_runs
SET sources_checked = sources_checked + ?, sources_failed = sources_failed + ?, items_found = items_found + ?
WHERE id = ?`
	res, err := s.q.ExecContext(ctx, query, delta.Checked, delta.Failed, delta.Items, id.String())
	if err != nil {
		return fmt.Errorf("add run progress: %w", err)
	}
	return expectRow(res)
}

// CompleteRun stamps a run with its final status.
func (s *Store) CompleteRun(
	ctx context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status watch.RunStatus,
	errMsg *string,
) error {
	const query = `UPDATE check_runs SET finished_at = ?, status = ?, error_message = ? WHERE id = ?`
	res, err := s.q.ExecContext(ctx, query, finishedAt.UTC(), status, errMsg, id.String())
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return expectRow(res)
}

const runColumns = `id, started_at, finished_at, status, sources_total, sources_checked, sources_failed, items_found, error_message`

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (watch.CheckRun, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM check_runs WHERE id = ?`, id.String())
	run, err := scanRun(row)
	if err != nil {
		return watch.CheckRun{}, notFound(err, "get run")
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]watch.CheckRun, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+runColumns+` FROM check_runs ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		sqlLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []watch.CheckRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func scanRun(row scanner) (watch.CheckRun, error) {
	var (
		run      watch.CheckRun
		id       string
		finished sql.NullTime
		errMsg   sql.NullString
	)
	if err := row.Scan(
		&id,
		&run.StartedAt,
		&finished,
		&run.Status,
		&run.SourcesTotal,
		&run.SourcesChecked,
		&run.SourcesFailed,
		&run.ItemsFound,
		&errMsg,
	); err != nil {
		return watch.CheckRun{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return watch.CheckRun{}, fmt.Errorf("parse run id %q: %w", id, err)
	}
	run.ID = parsed
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = nullTime(finished)
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return run, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
