package oracle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const scoringInstruction = `Compare the two photos. The first is the original subject, the second is a generated try-on result.
Score how faithfully the generated image preserves the person while applying the new garment.
Pay particular attention to the face region at %s.
Respond with JSON only, no prose, using exactly these fields:
{"face_similarity": 0-100, "body_stable": bool, "garment_applied": bool, "overall_score": 0-100, "issues": ["..."]}
face_similarity: how closely the generated face matches the original person.
body_stable: whether body proportions are anatomically consistent with the original.
garment_applied: whether the target garment is actually worn in the result.
issues: short human-readable problems, empty when none.`

// Options controls how the vision oracle is configured.
type Options struct {
	APIKey    string
	BaseURL   string
	Model     string
	Landmarks LandmarkEstimator
	Logger    *slog.Logger
}

// VisionOracle scores generated images with an OpenAI-compatible vision
// model.
type VisionOracle struct {
	client    *openai.Client
	model     string
	landmarks LandmarkEstimator
	logger    *slog.Logger
}

// NewVisionOracle creates a vision-scoring oracle
func NewVisionOracle(opts Options) *VisionOracle {
	clientConfig := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		clientConfig.BaseURL = opts.BaseURL
	}
	landmarks := opts.Landmarks
	if landmarks == nil {
		landmarks = RatioEstimator{}
	}
	return &VisionOracle{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     opts.Model,
		landmarks: landmarks,
		logger:    opts.Logger,
	}
}

// Score asks the vision model to compare the original subject with the
// generated result and parses the structured reply.
func (o *VisionOracle) Score(ctx context.Context, req ScoreRequest) (*Scores, error) {
	faceHint := "the upper-center of the frame"
	if box, err := o.landmarks.FaceBox(ctx, req.Generated); err == nil {
		faceHint = fmt.Sprintf("pixel box x=%d y=%d w=%d h=%d", box.X, box.Y, box.W, box.H)
	} else if o.logger != nil {
		o.logger.Warn("Landmark estimation failed, scoring without face box",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()),
		)
	}

	mime := req.GeneratedMIME
	if mime == "" {
		mime = "image/png"
	}
	generatedURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(req.Generated))

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: fmt.Sprintf(scoringInstruction, faceHint)},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: req.OriginalRef}},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: generatedURL}},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("oracle: scoring call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("oracle: no response choices returned")
	}

	scores, err := parseScores(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	if o.logger != nil {
		o.logger.Debug("Oracle scored generated image",
			slog.String("request_id", req.RequestID),
			slog.Float64("face_similarity", scores.FaceSimilarity),
			slog.Float64("overall_score", scores.OverallScore),
			slog.Bool("body_stable", scores.BodyStable),
			slog.Bool("garment_applied", scores.GarmentApplied),
		)
	}

	return scores, nil
}

// parseScores extracts the JSON object from a model reply that may be
// wrapped in markdown code fences or surrounding prose.
func parseScores(content string) (*Scores, error) {
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("oracle: no JSON object in response: %q", truncate(content, 120))
	}

	var scores Scores
	if err := json.Unmarshal([]byte(content[start:end+1]), &scores); err != nil {
		return nil, fmt.Errorf("oracle: decode scores: %w", err)
	}

	if scores.FaceSimilarity < 0 || scores.FaceSimilarity > 100 {
		return nil, fmt.Errorf("oracle: face_similarity %.1f out of range", scores.FaceSimilarity)
	}
	if scores.OverallScore < 0 || scores.OverallScore > 100 {
		return nil, fmt.Errorf("oracle: overall_score %.1f out of range", scores.OverallScore)
	}

	return &scores, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
