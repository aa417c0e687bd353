package handler

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cuongbtq/tryon-be/internal/admission"
	"github.com/cuongbtq/tryon-be/internal/tryon/domain"
	"github.com/cuongbtq/tryon-be/internal/tryon/storage"
)

// JobStore is the slice of persistence the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	MarkFailed(ctx context.Context, jobID, errorMessage string, validation json.RawMessage) error
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
}

// Publisher enqueues job messages for the worker service.
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// AdmissionGate runs the pre-submission checks and frees slots on failure paths.
type AdmissionGate interface {
	Allow(ctx context.Context, userID, feature string) (admission.Result, error)
	Release(ctx context.Context, userID, feature string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Store      JobStore
	Publisher  Publisher
	Gate       AdmissionGate
	MaxRetries int
}

// TryOnHandler handles try-on job HTTP requests
type TryOnHandler struct {
	logger     *slog.Logger
	store      JobStore
	publisher  Publisher
	gate       AdmissionGate
	maxRetries int
}

// NewTryOnHandler creates a new TryOnHandler instance
func NewTryOnHandler(deps *Dependencies) *TryOnHandler {
	maxRetries := deps.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &TryOnHandler{
		logger:     deps.Logger,
		store:      deps.Store,
		publisher:  deps.Publisher,
		gate:       deps.Gate,
		maxRetries: maxRetries,
	}
}
