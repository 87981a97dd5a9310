package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/scenely/media-jobs/internal/api/model"
)

// ErrJobNotFound is returned when a metadata row does not exist.
var ErrJobNotFound = errors.New("job not found")

// JobCursor marks a position in the created_at/job_id ordering for
// keyset pagination.
type JobCursor struct {
	CreatedAt time.Time `json:"created_at"`
	JobID     string    `json:"job_id"`
}

// JobFilter narrows and pages a job listing.
type JobFilter struct {
	SourceType string
	PageSize   int
	Cursor     *JobCursor
}

// Storage handles job metadata persistence for the API service.
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

// CreateJob inserts the metadata row for a submitted job.
func (s *Storage) CreateJob(ctx context.Context, job *model.Job) error {
	query := `
		INSERT INTO jobs (job_id, task_name, source_type, media_ref, target_lang, created_at, updated_at)
		VALUES (:job_id, :task_name, :source_type, :media_ref, :target_lang, :created_at, :updated_at)
	`

	if _, err := s.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job metadata created",
		slog.String("job_id", job.JobID),
		slog.String("source_type", job.SourceType),
	)
	return nil
}

// GetJobByID retrieves one metadata row.
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	query := `
		SELECT job_id, task_name, source_type, media_ref, target_lang, created_at, updated_at
		FROM jobs
		WHERE job_id = $1
	`

	var job model.Job
	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ListJobs returns up to PageSize+1 rows after the cursor, newest first. The
// extra row tells the caller whether another page exists.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `
		SELECT job_id, task_name, source_type, media_ref, target_lang, created_at, updated_at
		FROM jobs
	`

	var conditions []string
	var args []interface{}

	if filter.SourceType != "" {
		args = append(args, filter.SourceType)
		conditions = append(conditions, fmt.Sprintf("source_type = $%d", len(args)))
	}
	if filter.Cursor != nil {
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		conditions = append(conditions, fmt.Sprintf("(created_at, job_id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}

	args = append(args, filter.PageSize+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, job_id DESC LIMIT $%d", len(args))

	var jobs []model.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes the metadata row and any persisted result.
func (s *Storage) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_results WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete job result: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrJobNotFound
	}

	s.logger.Info("Job metadata deleted",
		slog.String("job_id", jobID),
	)
	return nil
}
