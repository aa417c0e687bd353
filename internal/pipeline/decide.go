package pipeline

import (
	"fmt"

	"github.com/cuongbtq/tryon-be/internal/providers/oracle"
	"github.com/cuongbtq/tryon-be/internal/tryon/domain"
)

// Score thresholds for the quality gate. Face similarity is the primary
// decision score: preserving the person's identity is what the whole
// pipeline is judged on.
const (
	PassThreshold  = 85.0
	RetryThreshold = 70.0
)

// Decide maps raw oracle scores onto a deterministic decision. retriesLeft
// tells the mapping whether a borderline result may still trigger a
// regeneration; with the budget gone, a borderline result is a hard failure.
func Decide(scores oracle.Scores, retriesLeft bool) domain.ValidationResult {
	result := domain.ValidationResult{
		OverallScore:   scores.OverallScore,
		FaceSimilarity: scores.FaceSimilarity,
		BodyStable:     scores.BodyStable,
		GarmentApplied: scores.GarmentApplied,
		Reasons:        append([]string(nil), scores.Issues...),
	}

	switch {
	case scores.FaceSimilarity >= PassThreshold && scores.BodyStable && scores.GarmentApplied:
		result.Decision = domain.DecisionPass

	case scores.FaceSimilarity < RetryThreshold:
		result.Decision = domain.DecisionHardFail
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("face similarity %.0f is below the minimum of %.0f", scores.FaceSimilarity, RetryThreshold))

	case !scores.BodyStable:
		result.Decision = domain.DecisionHardFail
		result.Reasons = append(result.Reasons, "body proportions are not stable")

	case !scores.GarmentApplied:
		result.Decision = domain.DecisionHardFail
		result.Reasons = append(result.Reasons, "garment was not applied to the subject")

	case retriesLeft:
		result.Decision = domain.DecisionSoftFail
		result.ShouldRetry = true
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("face similarity %.0f is below the pass threshold of %.0f", scores.FaceSimilarity, PassThreshold))

	default:
		result.Decision = domain.DecisionHardFail
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("face similarity %.0f stayed below the pass threshold of %.0f after all retries", scores.FaceSimilarity, PassThreshold))
	}

	return result
}
