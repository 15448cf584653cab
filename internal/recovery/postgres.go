package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists snapshots in Postgres so they survive a process
// restart within the freshness window.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewPostgresStore(ctx context.Context, databaseURL string, ttl time.Duration) (*PostgresStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSnapshotSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, ttl: ttl}, nil
}

func initSnapshotSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS task_snapshots (
			task_id TEXT PRIMARY KEY,
			partial_content TEXT NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL
		);`)
	if err != nil {
		return fmt.Errorf("init snapshot schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, taskID, partialContent string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_snapshots (task_id, partial_content, captured_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (task_id) DO UPDATE SET
			partial_content=EXCLUDED.partial_content,
			captured_at=EXCLUDED.captured_at`,
		taskID, partialContent, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, taskID string) (string, bool, error) {
	var (
		content    string
		capturedAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT partial_content, captured_at FROM task_snapshots WHERE task_id=$1`,
		taskID,
	).Scan(&content, &capturedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("load snapshot: %w", err)
	}
	if time.Now().UTC().Sub(capturedAt) > s.ttl {
		// Stale rows read as absent; delete lazily.
		_, _ = s.pool.Exec(ctx, `DELETE FROM task_snapshots WHERE task_id=$1`, taskID)
		return "", false, nil
	}
	return content, true, nil
}

func (s *PostgresStore) Clear(ctx context.Context, taskID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM task_snapshots WHERE task_id=$1`, taskID); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
