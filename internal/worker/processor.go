package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/tryon-be/internal/pipeline"
	"github.com/cuongbtq/tryon-be/internal/tryon/domain"
)

// processJob claims the job, runs it through the pipeline under a timeout,
// and releases the admission lock on terminal outcomes. The returned error
// feeds the requeue decision in the pool loop.
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	w.logger.Info("Processing job",
		slog.String("job_id", msg.JobID),
		slog.String("worker_id", w.workerID),
	)

	// Claim is a conditional pending -> processing update; exactly one
	// worker wins when the same message is delivered twice.
	job, err := w.storage.ClaimJob(ctx, msg.JobID, w.workerID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			w.logger.Warn("Job already claimed, skipping",
				slog.String("job_id", msg.JobID),
			)
			return fmt.Errorf("claim job %s: %w", msg.JobID, err)
		}
		if errors.Is(err, domain.ErrJobNotFound) {
			w.logger.Warn("Job row missing for queue message, dropping",
				slog.String("job_id", msg.JobID),
			)
			return fmt.Errorf("claim job %s: %w", msg.JobID, err)
		}
		return domain.NewRetryableError(fmt.Errorf("claim job %s: %w", msg.JobID, err))
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.ID, heartbeatDone)
	defer close(heartbeatDone)

	outcome, runErr := w.pipeline.Run(jobCtx, job)

	switch outcome {
	case pipeline.OutcomeRateLimited:
		// Job is pending again and the lock stays held; the TTL bounds the
		// wait if redelivery never lands.
		return runErr

	case pipeline.OutcomeCompleted, pipeline.OutcomeFailed:
		if runErr != nil {
			// Status write failed; the job may be stuck in processing.
			// Requeue and let the claim guard sort out the duplicate.
			return runErr
		}
		w.releaseAdmission(ctx, job)
		w.logger.Info("Job settled",
			slog.String("job_id", job.ID),
			slog.String("outcome", outcome.String()),
		)
		return nil

	default:
		return fmt.Errorf("unexpected pipeline outcome %q for job %s", outcome, job.ID)
	}
}

// releaseAdmission frees the user's in-flight slot. Failure is logged only:
// the lock TTL guarantees eventual release and the job itself is settled.
func (w *Worker) releaseAdmission(ctx context.Context, job *domain.Job) {
	if err := w.gate.Release(ctx, job.UserID, job.Feature()); err != nil {
		w.logger.Error("Failed to release admission lock",
			slog.String("job_id", job.ID),
			slog.String("user_id", job.UserID),
			slog.String("error", err.Error()),
		)
	}
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp so
// operators can tell a live long-running job from an abandoned one.
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.storage.UpdateHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
