package dto

import "encoding/json"

// SubmitTryOnRequest is the submission payload for a generation job.
// user_id identifies the caller; authentication itself happens upstream.
type SubmitTryOnRequest struct {
	UserID             string `json:"user_id" binding:"required"`
	SubjectImageRef    string `json:"subject_image_ref" binding:"required"`
	GarmentImageRef    string `json:"garment_image_ref" binding:"required"`
	BackgroundImageRef string `json:"background_image_ref"`
	EditType           string `json:"edit_type"`
	Preset             string `json:"preset"`
	AspectRatio        string `json:"aspect_ratio"`
	Quality            string `json:"quality"`
	Instruction        string `json:"instruction"`
	IdentitySafe       *bool  `json:"identity_safe"`
}

type SubmitTryOnResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// TryOnJobDTO is the status projection returned to polling clients.
// output_ref is present only on completed jobs; error_message carries the
// failure reason on failed jobs and a non-fatal warning on completed ones.
type TryOnJobDTO struct {
	JobID        string          `json:"job_id"`
	Status       string          `json:"status"`
	OutputRef    string          `json:"output_ref,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Settings     json.RawMessage `json:"settings,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	Validation   json.RawMessage `json:"validation,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	CompletedAt  string          `json:"completed_at,omitempty"`
}

type ListTryOnJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListTryOnJobsResponse struct {
	Jobs       []TryOnJobDTO `json:"jobs"`
	NextCursor string        `json:"next_cursor,omitempty"`
}
