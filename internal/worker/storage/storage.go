package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// Storage persists finished job artifacts for the worker.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// SaveResult upserts the job's analysis artifact. The upsert keeps the write
// idempotent when a redelivered job replays the persist stage.
func (s *Storage) SaveResult(ctx context.Context, jobID string, result json.RawMessage) error {
	query := `
		INSERT INTO job_results (job_id, payload, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (job_id) DO UPDATE
		SET payload = EXCLUDED.payload,
		    updated_at = NOW()
	`

	if _, err := s.db.ExecContext(ctx, query, jobID, []byte(result)); err != nil {
		return fmt.Errorf("failed to save job result: %w", err)
	}

	s.logger.Info("Job result persisted",
		slog.String("job_id", jobID),
		slog.Int("payload_bytes", len(result)),
	)
	return nil
}
