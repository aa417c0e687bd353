package oracle

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestRatioEstimatorFaceBox(t *testing.T) {
	box, err := RatioEstimator{}.FaceBox(context.Background(), encodePNG(t, 1000, 2000))

	require.NoError(t, err)
	assert.Equal(t, Box{X: 300, Y: 100, W: 400, H: 500}, box)
}

func TestRatioEstimatorRejectsGarbage(t *testing.T) {
	_, err := RatioEstimator{}.FaceBox(context.Background(), []byte("not an image"))

	assert.Error(t, err)
}
