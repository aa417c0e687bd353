package oracle

import (
	"bytes"
	"context"
	"fmt"
	"image"

	// Register decoders for DecodeConfig.
	_ "image/jpeg"
	_ "image/png"
)

// Box is a pixel-space face region within an image.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// LandmarkEstimator locates the face region used to focus the similarity
// check. A real detector can be substituted without touching the scoring
// client.
type LandmarkEstimator interface {
	FaceBox(ctx context.Context, img []byte) (Box, error)
}

// RatioEstimator derives the face region from fixed ratios of the image
// bounds: a portrait subject's face sits in the upper-center of the frame.
type RatioEstimator struct{}

// FaceBox estimates the face region for an upright portrait.
func (RatioEstimator) FaceBox(_ context.Context, img []byte) (Box, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return Box{}, fmt.Errorf("landmarks: decode image bounds: %w", err)
	}

	return Box{
		X: int(float64(cfg.Width) * 0.30),
		Y: int(float64(cfg.Height) * 0.05),
		W: int(float64(cfg.Width) * 0.40),
		H: int(float64(cfg.Height) * 0.25),
	}, nil
}
