package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/tryon-be/internal/api/dto"
	"github.com/cuongbtq/tryon-be/internal/tryon/domain"
	"github.com/cuongbtq/tryon-be/internal/tryon/storage"
)

// userIDHeader identifies the polling caller. Authentication itself happens
// at the edge; this service only checks ownership.
const userIDHeader = "X-User-ID"

// SubmitTryOn handles POST /api/v1/tryon
// Admits the request, persists a pending job, and enqueues it for a worker.
func (h *TryOnHandler) SubmitTryOn(c *gin.Context) {
	var req dto.SubmitTryOnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	editType := req.EditType
	if editType == "" {
		editType = domain.EditTypeTryOn
	}
	if editType != domain.EditTypeTryOn && editType != domain.EditTypeBackground {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "edit_type must be tryon or background",
		})
		return
	}
	if editType == domain.EditTypeBackground && req.BackgroundImageRef == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "background_image_ref is required for background edits",
		})
		return
	}

	// Identity preservation is on unless the caller opts out.
	identitySafe := true
	if req.IdentitySafe != nil {
		identitySafe = *req.IdentitySafe
	}

	result, err := h.gate.Allow(c.Request.Context(), req.UserID, editType)
	if err != nil {
		h.logger.Error("Admission check failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to admit request",
		})
		return
	}
	if !result.Allowed {
		retryAfter := int(result.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":               "Too many requests",
			"retry_after_seconds": retryAfter,
		})
		return
	}

	inputs, err := json.Marshal(domain.JobInputs{
		SubjectImageRef:    req.SubjectImageRef,
		GarmentImageRef:    req.GarmentImageRef,
		BackgroundImageRef: req.BackgroundImageRef,
		EditType:           editType,
	})
	if err != nil {
		h.releaseGate(c, req.UserID, editType)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}
	settings, err := json.Marshal(domain.JobSettings{
		Preset:       req.Preset,
		AspectRatio:  req.AspectRatio,
		Quality:      req.Quality,
		Instruction:  req.Instruction,
		IdentitySafe: identitySafe,
	})
	if err != nil {
		h.releaseGate(c, req.UserID, editType)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		Inputs:     inputs,
		Settings:   settings,
		Status:     domain.JobStatusPending,
		MaxRetries: h.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := h.store.CreateJob(c.Request.Context(), &job); err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		h.releaseGate(c, req.UserID, editType)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	body, _ := json.Marshal(domain.JobMessage{JobID: job.ID})
	if err := h.publisher.PublishWithRetry(c.Request.Context(), body, "application/json"); err != nil {
		h.logger.Error("Failed to publish job message",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		// No worker will ever see this job; fail it now so the client is not
		// left polling a row that cannot progress.
		if failErr := h.store.MarkFailed(c.Request.Context(), job.ID, "failed to enqueue job for processing", nil); failErr != nil {
			h.logger.Error("Failed to mark unpublished job as failed",
				slog.String("job_id", job.ID),
				slog.String("error", failErr.Error()),
			)
		}
		h.releaseGate(c, req.UserID, editType)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	h.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.UserID),
		slog.String("edit_type", editType),
	)

	c.JSON(http.StatusAccepted, dto.SubmitTryOnResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
	})
}

// GetTryOnJob handles GET /api/v1/tryon/:job_id
// Returns the status projection for a job owned by the calling user.
func (h *TryOnHandler) GetTryOnJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "X-User-ID header is required",
		})
		return
	}

	job, err := h.store.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	// Same response as a missing row so job ids cannot be probed.
	if job.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListTryOnJobs handles GET /api/v1/tryon
// Lists the calling user's jobs, newest first, with keyset pagination.
func (h *TryOnHandler) ListTryOnJobs(c *gin.Context) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "X-User-ID header is required",
		})
		return
	}

	var req dto.ListTryOnJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), storage.JobFilter{
		UserID:   userID,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobDTOs := make([]dto.TryOnJobDTO, len(jobs))
	for i := range jobs {
		jobDTOs[i] = toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor, err = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListTryOnJobsResponse{
		Jobs:       jobDTOs,
		NextCursor: nextCursor,
	})
}

func (h *TryOnHandler) releaseGate(c *gin.Context, userID, feature string) {
	if err := h.gate.Release(c.Request.Context(), userID, feature); err != nil {
		h.logger.Error("Failed to release admission lock",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

func toJobDTO(job *domain.Job) dto.TryOnJobDTO {
	d := dto.TryOnJobDTO{
		JobID:        job.ID,
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
		Settings:     job.Settings,
		RetryCount:   job.RetryCount,
		MaxRetries:   job.MaxRetries,
		Validation:   job.Validation,
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339),
	}
	if job.OutputRef != nil {
		d.OutputRef = *job.OutputRef
	}
	if job.CompletedAt != nil {
		d.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return d
}
