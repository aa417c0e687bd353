package oracle

import "context"

// Scores is the raw output of the vision-scoring model. Decision mapping is
// deliberately not done here: the oracle reports, the pipeline decides.
type Scores struct {
	FaceSimilarity float64  `json:"face_similarity"`
	BodyStable     bool     `json:"body_stable"`
	GarmentApplied bool     `json:"garment_applied"`
	OverallScore   float64  `json:"overall_score"`
	Issues         []string `json:"issues,omitempty"`
}

// ScoreRequest pairs the original subject image with one generated result.
type ScoreRequest struct {
	OriginalRef   string
	Generated     []byte
	GeneratedMIME string
	RequestID     string
}

// Oracle is the contract for the external vision-scoring collaborator. The
// orchestration logic stays deterministic and unit-testable against a stub
// returning fixed scores.
type Oracle interface {
	Score(ctx context.Context, req ScoreRequest) (*Scores, error)
}
