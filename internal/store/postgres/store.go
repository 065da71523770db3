// Package postgres provides the PostgreSQL implementation of the store interfaces.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger

	projects *ProjectStore
	jobsets  *JobsetStore
	builds   *BuildStore
	evals    *EvalStore
}

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// NewPostgresStore creates a new PostgreSQL store with the given configuration.
func NewPostgresStore(cfg *Config, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{
		db:     db,
		logger: logger,
	}

	s.projects = &ProjectStore{db: db, logger: logger}
	s.jobsets = &JobsetStore{db: db, logger: logger}
	s.builds = &BuildStore{db: db, logger: logger}
	s.evals = &EvalStore{db: db, logger: logger}

	logger.Info("connected to PostgreSQL database")
	return s, nil
}

// Projects returns the ProjectStore.
func (s *PostgresStore) Projects() store.ProjectStore {
	return s.projects
}

// Jobsets returns the JobsetStore.
func (s *PostgresStore) Jobsets() store.JobsetStore {
	return s.jobsets
}

// Builds returns the BuildStore.
func (s *PostgresStore) Builds() store.BuildStore {
	return s.builds
}

// Evals returns the EvalStore.
func (s *PostgresStore) Evals() store.EvalStore {
	return s.evals
}

// Notify publishes a message on a pub/sub channel via pg_notify. Fields are
// joined with tabs to form the payload.
func (s *PostgresStore) Notify(ctx context.Context, channel string, fields ...string) error {
	return notify(ctx, s.db, channel, fields)
}

// WithTx executes the given function within a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	txs := &txStore{
		tx:     tx,
		logger: s.logger,
	}

	if err := fn(txs); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL connection")
	return s.db.Close()
}

// DB returns the underlying database connection.
// This is useful for components that need direct database access.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// txStore wraps a transaction and implements the Store interface.
type txStore struct {
	tx     *sql.Tx
	logger *slog.Logger

	projects *ProjectStore
	jobsets  *JobsetStore
	builds   *BuildStore
	evals    *EvalStore
}

func (s *txStore) Projects() store.ProjectStore {
	if s.projects == nil {
		s.projects = &ProjectStore{tx: s.tx, logger: s.logger}
	}
	return s.projects
}

func (s *txStore) Jobsets() store.JobsetStore {
	if s.jobsets == nil {
		s.jobsets = &JobsetStore{tx: s.tx, logger: s.logger}
	}
	return s.jobsets
}

func (s *txStore) Builds() store.BuildStore {
	if s.builds == nil {
		s.builds = &BuildStore{tx: s.tx, logger: s.logger}
	}
	return s.builds
}

func (s *txStore) Evals() store.EvalStore {
	if s.evals == nil {
		s.evals = &EvalStore{tx: s.tx, logger: s.logger}
	}
	return s.evals
}

func (s *txStore) Notify(ctx context.Context, channel string, fields ...string) error {
	return notify(ctx, s.tx, channel, fields)
}

func (s *txStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	// Already in a transaction, just execute the function
	return fn(s)
}

func (s *txStore) Close() error {
	// No-op for transaction store
	return nil
}

// queryable is an interface that both *sql.DB and *sql.Tx implement.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// notify publishes on a channel via pg_notify so it works on both *sql.DB
// and *sql.Tx; NOTIFY itself does not take bind parameters.
func notify(ctx context.Context, q queryable, channel string, fields []string) error {
	payload := strings.Join(fields, "\t")
	if _, err := q.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("notifying channel %s: %w", channel, err)
	}
	return nil
}
