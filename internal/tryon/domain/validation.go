package domain

// Decision is the outcome of scoring one generated image.
type Decision string

const (
	DecisionPass     Decision = "PASS"
	DecisionSoftFail Decision = "SOFT_FAIL"
	DecisionHardFail Decision = "HARD_FAIL"
)

// ValidationResult captures one scoring pass over a generated image. The
// result of the final attempt is persisted on the job for audit.
type ValidationResult struct {
	OverallScore   float64      `json:"overall_score"`
	FaceSimilarity float64      `json:"face_similarity"`
	BodyStable     bool         `json:"body_stable"`
	GarmentApplied bool         `json:"garment_applied"`
	Decision       Decision     `json:"decision"`
	Reasons        []string     `json:"reasons,omitempty"`
	ShouldRetry    bool         `json:"should_retry"`
	Stages         []StageTrace `json:"stages,omitempty"`
}

// StageTrace records one pipeline stage for debugging a finished job.
type StageTrace struct {
	Stage      int    `json:"stage"`
	Name       string `json:"name"`
	Status     string `json:"status"` // PASS, FAIL or SKIP
	DurationMS int64  `json:"duration_ms"`
}
