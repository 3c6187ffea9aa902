package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultListLimit bounds history listings when the caller does not.
const DefaultListLimit = 50

// Store manages the PostgreSQL pool holding the analysis history.
type Store struct {
	pool *pgxpool.Pool
}

// Entry is one history line: what was analysed, how, and the outcome.
type Entry struct {
	ID           int64
	AnalysisType string
	Result       string
	Source       string
	CreatedAt    time.Time
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// initSchema creates the history table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS analysis_history (
			id BIGSERIAL PRIMARY KEY,
			analysis_type TEXT NOT NULL,
			result TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS analysis_history_source_idx ON analysis_history (source);
		CREATE INDEX IF NOT EXISTS analysis_history_created_at_idx ON analysis_history (created_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AddEntry appends a history line.
func (s *Store) AddEntry(ctx context.Context, analysisType, result, source string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analysis_history (analysis_type, result, source)
		VALUES ($1, $2, $3)
	`, analysisType, result, source)
	return err
}

// List returns the most recent entries, newest first. An empty source lists every source.
func (s *Store) List(ctx context.Context, source string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := `SELECT id, analysis_type, result, source, created_at FROM analysis_history`
	args := []any{}
	if source != "" {
		query += ` WHERE source = $1`
		args = append(args, source)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.ID, &e.AnalysisType, &e.Result, &e.Source, &e.CreatedAt)
		return e, err
	})
}

// Reset drops the history table. The schema is recreated on the next New.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS analysis_history CASCADE")
	return err
}
