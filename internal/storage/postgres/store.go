// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type poolCloser interface {
	querier
	Ping(ctx context.Context) error
	Close()
}

// acquireFunc hands out a dedicated querier and its release func.
type acquireFunc func(ctx context.Context) (querier, func(), error)

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

// Store implements watch.Repository on a pgx pool.
type Store struct {
	queries
	pool    poolCloser
	acquire acquireFunc
	logger  *zap.Logger
	version int64
}

var _ watch.Repository = (*Store)(nil)

// New connects to Postgres, applies migrations and returns a Store.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	version, err := Migrate(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}

	acquire := func(ctx context.Context) (querier, func(), error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("acquire postgres conn: %w", err)
		}
		return conn, conn.Release, nil
	}
	s := newStore(pool, acquire, opts...)
	s.version = version
	s.logger.Info("database ready", zap.Int64("schema_version", version))
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
// Sessions share the pool instead of pinning connections.
func NewWithPool(pool poolCloser, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	shared := func(context.Context) (querier, func(), error) {
		return pool, func() {}, nil
	}
	return newStore(pool, shared, opts...), nil
}

func newStore(pool poolCloser, acquire acquireFunc, opts ...Option) *Store {
	s := &Store{
		queries: queries{q: pool, clock: system.New()},
		pool:    pool,
		acquire: acquire,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("postgres")
	return s
}

// Migrate applies the embedded migrations through a database/sql view of the pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return 0, fmt.Errorf("postgres: migrations fs: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return 0, fmt.Errorf("postgres: migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return 0, fmt.Errorf("postgres: migrate up: %w", err)
	}
	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: schema version: %w", err)
	}
	return version, nil
}

// SchemaVersion reports the migration version applied by New. Stores built
// with NewWithPool report 0.
func (s *Store) SchemaVersion() int64 {
	return s.version
}

// Ping reports whether the pool can reach the server.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Session is a worker-owned handle on one pooled connection.
type Session struct {
	queries
	release func()
}

// OpenSession acquires a connection for one worker.
func (s *Store) OpenSession(ctx context.Context) (watch.Session, error) {
	q, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Session{queries: queries{q: q, clock: s.clock}, release: release}, nil
}

// Close releases the connection back to the pool.
func (s *Session) Close() error {
	if s.release != nil {
		s.release()
		s.release = nil
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, watch.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func expectRow(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return watch.ErrNotFound
	}
	return nil
}

// pgLimit maps a non-positive limit to NULL, which Postgres treats as no limit.
func pgLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
