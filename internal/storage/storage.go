// Package storage owns the relational schema (messages, usage_logs,
// memories + tag join, with an embedding vector column and a GIN full-text
// index), migrations, and the pure-SQL
// usage/cost aggregations.
package storage

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema/*.sql
var embeddedMigrations embed.FS

// Store wraps the Postgres connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to dsn with the pool settings parsed from it, pings the
// database, and applies migrations. It sets no connect or statement
// timeout of its own; any such limit comes from dsn.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	s := &Store{pool: pool, logger: logger}
	if err := s.migrate(dsn); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies all embedded migrations idempotently.
func (s *Store) migrate(dsn string) error {
	src, err := iofs.New(embeddedMigrations, "schema")
	if err != nil {
		return fmt.Errorf("storage: load migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("storage: init migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("storage: apply migrations: %w", err)
	}
	return nil
}

// Pool exposes the raw pool for packages (memory engine) that need
// transactional multi-statement writes not worth wrapping individually.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
