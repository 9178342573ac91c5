package scoring

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/finomaly/finomaly/internal/pagination"
)

// PostgresRunStore persists analysis runs in PostgreSQL.
type PostgresRunStore struct {
	db *sql.DB
}

// NewPostgresRunStore creates a PostgreSQL-backed run history.
func NewPostgresRunStore(db *sql.DB) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

func (s *PostgresRunStore) Record(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_runs (id, mode, submitted, returned, flagged, degraded, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		run.ID,
		string(run.Mode),
		run.Submitted,
		run.Returned,
		run.Flagged,
		run.Degraded,
		run.Error,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record analysis run: %w", err)
	}
	return nil
}

func (s *PostgresRunStore) ListRecent(ctx context.Context, limit int, after *pagination.Cursor) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		afterAt any
		afterID string
	)
	if after != nil {
		afterAt, afterID = after.At, after.ID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, submitted, returned, flagged, degraded, error, started_at, finished_at
		FROM analysis_runs
		WHERE $2::timestamptz IS NULL OR (started_at, id) < ($2::timestamptz, $3)
		ORDER BY started_at DESC, id DESC
		LIMIT $1
	`, limit, afterAt, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list analysis runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Run
	for rows.Next() {
		var r Run
		var mode string
		if err := rows.Scan(&r.ID, &mode, &r.Submitted, &r.Returned, &r.Flagged, &r.Degraded, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			continue
		}
		r.Mode = Mode(mode)
		r.DurationMsec = r.FinishedAt.Sub(r.StartedAt).Milliseconds()
		result = append(result, &r)
	}
	return result, rows.Err()
}
