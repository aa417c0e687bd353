package domain

import (
	"encoding/json"
	"time"
)

// Job status constants. Transitions are monotonic:
// pending -> processing -> completed | failed.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// InlineRefPrefix marks an output_ref that carries the encoded image itself
// instead of a storage key. Written when the output store is unavailable.
const InlineRefPrefix = "inline:"

// EditType enumerates supported try-on edit modes.
const (
	EditTypeTryOn      = "tryon"
	EditTypeBackground = "background"
)

// Job is one try-on generation request tracked through the persisted state
// machine. Inputs and Settings are stored as raw JSON; the pipeline decodes
// them into JobInputs/JobSettings when it picks the job up.
type Job struct {
	ID            string          `db:"id"`
	UserID        string          `db:"user_id"`
	Inputs        json.RawMessage `db:"inputs"`
	Settings      json.RawMessage `db:"settings"`
	Status        string          `db:"status"`
	OutputRef     *string         `db:"output_ref"`
	ErrorMessage  string          `db:"error_message"`
	RetryCount    int             `db:"retry_count"`
	MaxRetries    int             `db:"max_retries"`
	Validation    json.RawMessage `db:"validation"`
	WorkerID      *string         `db:"worker_id"`
	StartedAt     *time.Time      `db:"started_at"`
	LastHeartbeat *time.Time      `db:"last_heartbeat_at"`
	CompletedAt   *time.Time      `db:"completed_at"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// IsTerminal reports whether the job has reached a final state.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// Feature returns the admission-gate feature key for the job, derived from
// the edit type captured at submission. Falls back to try-on when the inputs
// snapshot cannot be decoded.
func (j *Job) Feature() string {
	var inputs JobInputs
	if err := json.Unmarshal(j.Inputs, &inputs); err != nil || inputs.EditType == "" {
		return EditTypeTryOn
	}
	return inputs.EditType
}

// JobInputs is the immutable snapshot of image references captured at
// submission time.
type JobInputs struct {
	SubjectImageRef    string `json:"subject_image_ref"`
	GarmentImageRef    string `json:"garment_image_ref"`
	BackgroundImageRef string `json:"background_image_ref,omitempty"`
	EditType           string `json:"edit_type"`
}

// JobSettings holds the style and quality choices applied to generation.
type JobSettings struct {
	Preset       string `json:"preset"`
	AspectRatio  string `json:"aspect_ratio"`
	Quality      string `json:"quality"`
	Instruction  string `json:"instruction,omitempty"`
	IdentitySafe bool   `json:"identity_safe"`
}

// JobMessage is the queue payload. It carries only the job id; workers
// re-read the full job state from the database to avoid stale payloads.
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}
