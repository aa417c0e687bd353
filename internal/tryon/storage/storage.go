package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/tryon-be/internal/tryon/domain"
)

// Storage handles all database operations on try-on jobs. Both the API
// service and the worker service go through this type, so every status
// mutation lives in one place.
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

const jobColumns = `
	id, user_id, inputs, settings, status, output_ref, error_message,
	retry_count, max_retries, validation, worker_id,
	started_at, last_heartbeat_at, completed_at, created_at, updated_at
`

// CreateJob inserts a new job in pending status.
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO tryon_jobs (
			id, user_id, inputs, settings, status,
			retry_count, max_retries, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.UserID,
		job.Inputs,
		job.Settings,
		job.Status,
		job.RetryCount,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJobByID retrieves a job by its identifier.
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM tryon_jobs WHERE id = $1`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// ClaimJob attempts to claim a job using an optimistic conditional transition
// (pending -> processing). Exactly one worker wins for a given job; losers get
// ErrJobAlreadyClaimed even when the broker redelivers the same message.
func (s *Storage) ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	query := `
		UPDATE tryon_jobs
		SET status = $1,
		    worker_id = $2,
		    started_at = NOW(),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $3
		  AND status = $4
		RETURNING id, user_id, inputs, settings, retry_count, max_retries
	`

	var job domain.Job
	err := s.db.QueryRowContext(ctx, query, domain.JobStatusProcessing, workerID, jobID, domain.JobStatusPending).Scan(
		&job.ID,
		&job.UserID,
		&job.Inputs,
		&job.Settings,
		&job.RetryCount,
		&job.MaxRetries,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			s.logger.Warn("Failed to claim job - already claimed or not found",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job.Status = domain.JobStatusProcessing
	job.WorkerID = &workerID

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
	)

	return &job, nil
}

// MarkCompleted finishes a job with its output reference. errorMessage may
// carry a non-fatal warning (for example when the inline fallback was used).
func (s *Storage) MarkCompleted(ctx context.Context, jobID, outputRef, errorMessage string, validation json.RawMessage) error {
	query := `
		UPDATE tryon_jobs
		SET status = $2,
		    output_ref = $3,
		    error_message = $4,
		    validation = COALESCE($5, validation),
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = $6
	`

	res, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusCompleted, outputRef, errorMessage, nullableJSON(validation), domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return s.requireRow(res, jobID, domain.JobStatusCompleted)
}

// MarkFailed finishes a job with an error message. No output reference is
// ever written on this path.
func (s *Storage) MarkFailed(ctx context.Context, jobID, errorMessage string, validation json.RawMessage) error {
	query := `
		UPDATE tryon_jobs
		SET status = $2,
		    error_message = $3,
		    validation = COALESCE($4, validation),
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status IN ($5, $6)
	`

	res, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusFailed, errorMessage, nullableJSON(validation), domain.JobStatusPending, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return s.requireRow(res, jobID, domain.JobStatusFailed)
}

// RevertToPending hands a processing job back to the queue after a provider
// rate-limit signal. The retry count is left untouched: the provider being
// throttled is not this job's fault.
func (s *Storage) RevertToPending(ctx context.Context, jobID, reason string) error {
	query := `
		UPDATE tryon_jobs
		SET status = $2,
		    worker_id = NULL,
		    error_message = $3,
		    updated_at = NOW()
		WHERE id = $1 AND status = $4
	`

	res, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusPending, reason, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to revert job to pending: %w", err)
	}
	return s.requireRow(res, jobID, domain.JobStatusPending)
}

// SetRetryCount persists the regeneration counter before the next attempt
// starts, so a crash mid-pipeline never loses consumed budget.
func (s *Storage) SetRetryCount(ctx context.Context, jobID string, retryCount int) error {
	query := `
		UPDATE tryon_jobs
		SET retry_count = $2,
		    updated_at = NOW()
		WHERE id = $1 AND status = $3
	`

	_, err := s.db.ExecContext(ctx, query, jobID, retryCount, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to set retry count: %w", err)
	}
	return nil
}

// SaveValidation persists the latest scoring result while the job is still
// processing. The terminal update overwrites it with the final attempt.
func (s *Storage) SaveValidation(ctx context.Context, jobID string, validation json.RawMessage) error {
	query := `
		UPDATE tryon_jobs
		SET validation = $2,
		    updated_at = NOW()
		WHERE id = $1 AND status = $3
	`

	_, err := s.db.ExecContext(ctx, query, jobID, validation, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to save validation: %w", err)
	}
	return nil
}

// UpdateHeartbeat refreshes last_heartbeat_at for a processing job
func (s *Storage) UpdateHeartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE tryon_jobs
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
	`

	res, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be processing)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// JobFilter narrows ListJobs results. UserID is always required: the listing
// is scoped to the owner.
type JobFilter struct {
	UserID   string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is an opaque (created_at, id) position for keyset pagination.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns up to PageSize+1 jobs for a user, newest first. The caller
// trims the extra row and uses it to decide whether more pages exist.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM tryon_jobs WHERE user_id = $1`
	args := []interface{}{filter.UserID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// requireRow guards monotonicity: terminal updates are conditional on the
// current status, and a zero-row update means a competing writer already
// moved the job on.
func (s *Storage) requireRow(res sql.Result, jobID, target string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("Job status update skipped - job not in expected state",
			slog.String("job_id", jobID),
			slog.String("target_status", target),
		)
		return domain.ErrJobAlreadyClaimed
	}
	return nil
}

func nullableJSON(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return b
}
