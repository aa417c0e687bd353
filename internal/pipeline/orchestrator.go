package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/tryon-be/internal/prompt"
	"github.com/cuongbtq/tryon-be/internal/providers/generation"
	"github.com/cuongbtq/tryon-be/internal/providers/oracle"
	"github.com/cuongbtq/tryon-be/internal/tryon/domain"
)

// JobStore is the slice of job persistence the orchestrator mutates. Every
// stage transition goes through here and is written before the next stage
// begins, so a crash mid-pipeline leaves an inspectable record.
type JobStore interface {
	MarkCompleted(ctx context.Context, jobID, outputRef, errorMessage string, validation json.RawMessage) error
	MarkFailed(ctx context.Context, jobID, errorMessage string, validation json.RawMessage) error
	RevertToPending(ctx context.Context, jobID, reason string) error
	SetRetryCount(ctx context.Context, jobID string, retryCount int) error
	SaveValidation(ctx context.Context, jobID string, validation json.RawMessage) error
}

// OutputStore persists the produced image. Failures are non-fatal: the
// orchestrator degrades to an inline-encoded reference.
type OutputStore interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// Outcome tells the worker how to settle the queue message.
type Outcome int

const (
	// OutcomeCompleted and OutcomeFailed are terminal; the message is acked.
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	// OutcomeRateLimited means the job went back to pending and the message
	// should be requeued for the broker's own redelivery backoff.
	OutcomeRateLimited
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Config holds the transient-retry budget for external calls. The
// quality-gated regeneration budget is carried per job (max_retries).
type Config struct {
	GenerateAttempts  int
	GenerateBaseDelay time.Duration
	BackoffMultiplier float64
}

// Orchestrator runs one claimed job through the generate -> validate ->
// decide loop, applying both retry layers and persisting every transition.
type Orchestrator struct {
	store     JobStore
	generator generation.Generator
	oracle    oracle.Oracle
	outputs   OutputStore
	cfg       Config
	logger    *slog.Logger
}

// NewOrchestrator creates a pipeline orchestrator
func NewOrchestrator(store JobStore, gen generation.Generator, orc oracle.Oracle, outputs OutputStore, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.GenerateAttempts <= 0 {
		cfg.GenerateAttempts = 3
	}
	if cfg.GenerateBaseDelay <= 0 {
		cfg.GenerateBaseDelay = time.Second
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2.0
	}
	return &Orchestrator{
		store:     store,
		generator: gen,
		oracle:    orc,
		outputs:   outputs,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run executes the pipeline for a job already claimed into processing.
// The returned error is non-nil only for rate-limit signals and
// infrastructure failures; quality failures settle the job and return
// OutcomeFailed with a nil error.
func (o *Orchestrator) Run(ctx context.Context, job *domain.Job) (Outcome, error) {
	var inputs domain.JobInputs
	if err := json.Unmarshal(job.Inputs, &inputs); err != nil {
		return o.failJob(ctx, job.ID, fmt.Sprintf("invalid job inputs: %v", err), nil)
	}
	var settings domain.JobSettings
	if len(job.Settings) > 0 {
		if err := json.Unmarshal(job.Settings, &settings); err != nil {
			return o.failJob(ctx, job.ID, fmt.Sprintf("invalid job settings: %v", err), nil)
		}
	}
	if inputs.SubjectImageRef == "" || inputs.GarmentImageRef == "" {
		return o.failJob(ctx, job.ID, "subject and garment images are required", nil)
	}

	instruction := prompt.Compose(inputs, settings)
	retryCount := job.RetryCount

	var trace []domain.StageTrace
	for {
		img, outcome, err, done := o.generate(ctx, job.ID, instruction, inputs, settings, &trace)
		if done {
			return outcome, err
		}

		scores, outcome, err, done := o.validate(ctx, job.ID, inputs, img, &trace)
		if done {
			return outcome, err
		}

		result := Decide(*scores, retryCount < job.MaxRetries)
		result.Stages = trace
		validationJSON, _ := json.Marshal(result)

		if err := o.store.SaveValidation(ctx, job.ID, validationJSON); err != nil {
			return OutcomeFailed, domain.NewRetryableError(fmt.Errorf("save validation: %w", err))
		}

		o.logger.Info("Job validation decided",
			slog.String("job_id", job.ID),
			slog.String("decision", string(result.Decision)),
			slog.Float64("face_similarity", result.FaceSimilarity),
			slog.Int("retry_count", retryCount),
		)

		switch result.Decision {
		case domain.DecisionPass:
			return o.completeJob(ctx, job, img, result, validationJSON)

		case domain.DecisionSoftFail:
			retryCount++
			// Persist the consumed budget before regenerating so a crash
			// cannot grant extra attempts.
			if err := o.store.SetRetryCount(ctx, job.ID, retryCount); err != nil {
				return OutcomeFailed, domain.NewRetryableError(fmt.Errorf("set retry count: %w", err))
			}

		default:
			return o.failJob(ctx, job.ID, strings.Join(result.Reasons, "; "), validationJSON)
		}
	}
}

// generate runs one generation attempt under the transient-retry policy
// (layer A). done=true means the pipeline is finished and outcome/err stand.
func (o *Orchestrator) generate(ctx context.Context, jobID, instruction string, inputs domain.JobInputs, settings domain.JobSettings, trace *[]domain.StageTrace) (*generation.Image, Outcome, error, bool) {
	start := time.Now()

	var img *generation.Image
	genErr := o.transientPolicy().Do(ctx, func() error {
		var err error
		img, err = o.generator.Generate(ctx, generation.GenerateRequest{
			Prompt:        instruction,
			SubjectRef:    inputs.SubjectImageRef,
			GarmentRef:    inputs.GarmentImageRef,
			BackgroundRef: inputs.BackgroundImageRef,
			AspectRatio:   settings.AspectRatio,
			Quality:       settings.Quality,
			RequestID:     jobID,
		})
		return err
	})

	if genErr != nil {
		*trace = appendStage(*trace, "Generate", "FAIL", start)

		if errors.Is(genErr, domain.ErrProviderRateLimited) {
			// Not our fault and not this job's budget: hand the job back to
			// the queue and let redelivery pace the provider.
			if err := o.store.RevertToPending(ctx, jobID, "generation provider is rate limited; queued for retry"); err != nil {
				return nil, OutcomeFailed, domain.NewRetryableError(fmt.Errorf("revert to pending: %w", err)), true
			}
			o.logger.Warn("Generation provider rate limited, job returned to queue",
				slog.String("job_id", jobID),
			)
			return nil, OutcomeRateLimited, genErr, true
		}

		outcome, err := o.failJob(ctx, jobID, fmt.Sprintf("generation failed: %v", genErr), nil)
		return nil, outcome, err, true
	}

	*trace = appendStage(*trace, "Generate", "PASS", start)
	return img, 0, nil, false
}

// validate scores the generated image with the quality oracle, retrying
// transient scoring failures under the same layer-A policy.
func (o *Orchestrator) validate(ctx context.Context, jobID string, inputs domain.JobInputs, img *generation.Image, trace *[]domain.StageTrace) (*oracle.Scores, Outcome, error, bool) {
	start := time.Now()

	var scores *oracle.Scores
	scoreErr := o.transientPolicy().Do(ctx, func() error {
		var err error
		scores, err = o.oracle.Score(ctx, oracle.ScoreRequest{
			OriginalRef:   inputs.SubjectImageRef,
			Generated:     img.Data,
			GeneratedMIME: img.MIME,
			RequestID:     jobID,
		})
		return err
	})

	if scoreErr != nil {
		*trace = appendStage(*trace, "Validate", "FAIL", start)
		outcome, err := o.failJob(ctx, jobID, fmt.Sprintf("quality validation failed: %v", scoreErr), nil)
		return nil, outcome, err, true
	}

	*trace = appendStage(*trace, "Validate", "PASS", start)
	return scores, 0, nil, false
}

// completeJob persists the output and finishes the job. Storage failure is
// non-fatal: the image is kept inline and a warning rides along.
func (o *Orchestrator) completeJob(ctx context.Context, job *domain.Job, img *generation.Image, result domain.ValidationResult, validationJSON json.RawMessage) (Outcome, error) {
	key := fmt.Sprintf("generated/tryon/%s/result%s", job.ID, extensionForMIME(img.MIME))

	warning := ""
	outputRef, err := o.outputs.Write(ctx, key, img.Data)
	if err != nil {
		o.logger.Warn("Output store write failed, falling back to inline encoding",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		outputRef = inlineRef(img)
		warning = "output storage unavailable; image delivered inline"
	}

	if err := o.store.MarkCompleted(ctx, job.ID, outputRef, warning, validationJSON); err != nil {
		return OutcomeFailed, domain.NewRetryableError(fmt.Errorf("mark completed: %w", err))
	}

	o.logger.Info("Job completed",
		slog.String("job_id", job.ID),
		slog.Float64("face_similarity", result.FaceSimilarity),
		slog.Bool("inline_fallback", warning != ""),
	)
	return OutcomeCompleted, nil
}

func (o *Orchestrator) failJob(ctx context.Context, jobID, message string, validation json.RawMessage) (Outcome, error) {
	if message == "" {
		message = "generation failed"
	}
	if err := o.store.MarkFailed(ctx, jobID, message, validation); err != nil {
		return OutcomeFailed, domain.NewRetryableError(fmt.Errorf("mark failed: %w", err))
	}
	o.logger.Info("Job failed",
		slog.String("job_id", jobID),
		slog.String("reason", message),
	)
	return OutcomeFailed, nil
}

func (o *Orchestrator) transientPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: o.cfg.GenerateAttempts,
		BaseDelay:   o.cfg.GenerateBaseDelay,
		Multiplier:  o.cfg.BackoffMultiplier,
		Retryable: func(err error) bool {
			return !errors.Is(err, domain.ErrInvalidInput) &&
				!errors.Is(err, domain.ErrUnauthorized) &&
				!errors.Is(err, domain.ErrProviderRateLimited)
		},
	}
}

func appendStage(trace []domain.StageTrace, name, status string, start time.Time) []domain.StageTrace {
	return append(trace, domain.StageTrace{
		Stage:      len(trace) + 1,
		Name:       name,
		Status:     status,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

func inlineRef(img *generation.Image) string {
	mime := img.MIME
	if mime == "" {
		mime = "image/png"
	}
	return domain.InlineRefPrefix + "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

func extensionForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
