package annotate

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand/v2"
	"testing"

	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grayJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))
	return buf.Bytes()
}

type countingDetector struct {
	dets  []types.FaceDetection
	err   error
	calls int
}

func (c *countingDetector) DetectFaces(context.Context, []byte) ([]types.FaceDetection, error) {
	c.calls++
	return c.dets, c.err
}

func TestPickRange(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	tests := []struct {
		n      int
		lo, hi int // inclusive bounds
	}{
		{1, 0, 0},
		{10, 0, 9},
		{11, 2, 7},
		{12, 3, 8},
		{100, 25, 74},
	}
	for _, tt := range tests {
		seen := map[int]bool{}
		for i := 0; i < 2000; i++ {
			idx := Pick(tt.n, rng)
			if idx < tt.lo || idx > tt.hi {
				t.Fatalf("Pick(%d) = %d, want in [%d,%d]", tt.n, idx, tt.lo, tt.hi)
			}
			seen[idx] = true
		}
		assert.Len(t, seen, tt.hi-tt.lo+1, "n=%d should reach every candidate", tt.n)
	}
}

func TestLabel(t *testing.T) {
	text, c := Label(0.8712)
	assert.Equal(t, "FAKE: 87.12%", text)
	assert.Equal(t, fakeColor, c)

	text, c = Label(0.5)
	assert.Equal(t, "REAL: 50.00%", text)
	assert.Equal(t, realColor, c)
}

func TestAnnotateEmpty(t *testing.T) {
	det := &countingDetector{}
	out, err := New(det, nil).Annotate(context.Background(), nil, 0.9)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Zero(t, det.calls)
}

func TestAnnotateDrawsConfidentBoxes(t *testing.T) {
	det := &countingDetector{dets: []types.FaceDetection{
		{Box: [4]float64{0.25, 0.25, 0.75, 0.75}, Confidence: 0.95},
		{Box: [4]float64{0, 0, 0.1, 0.1}, Confidence: 0.3}, // ignored
	}}
	frames := []types.FaceFrame{{Frame: types.SampledFrame{Index: 7, Data: grayJPEG(t, 80, 80)}}}

	out, err := New(det, rand.New(rand.NewPCG(1, 1))).Annotate(context.Background(), frames, 0.9)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, 1, det.calls, "faces are re-detected on the chosen frame")

	raw, err := base64.StdEncoding.DecodeString(*out)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)

	// Box edge at (20, 40) should be red-ish; the ignored detection's corner stays gray.
	r, g, _, _ := img.At(20, 40).RGBA()
	assert.Greater(t, r>>8, uint32(150))
	assert.Less(t, g>>8, uint32(120))

	gr, gg, gb, _ := img.At(3, 3).RGBA()
	assert.InDelta(t, 128, float64(gr>>8), 12)
	assert.InDelta(t, 128, float64(gg>>8), 12)
	assert.InDelta(t, 128, float64(gb>>8), 12)
}

func TestAnnotateDetectorFailure(t *testing.T) {
	det := &countingDetector{err: errors.New("worker died")}
	frames := []types.FaceFrame{{Frame: types.SampledFrame{Data: grayJPEG(t, 8, 8)}}}
	_, err := New(det, nil).Annotate(context.Background(), frames, 0.1)
	assert.ErrorIs(t, err, types.ErrInference)
}

func TestDrawBoxClipsToImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	// Must not panic on a box hanging off the edge.
	drawBox(img, image.Rect(5, 5, 20, 20), color.RGBA{G: 255, A: 255})
	assert.Equal(t, uint8(255), img.RGBAAt(5, 5).G)
}

func TestRenderRejectsGarbage(t *testing.T) {
	_, err := Render([]byte("not a jpeg"), nil, 0.2)
	assert.Error(t, err)
}
