package annotate

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand/v2"
	"sync"

	"github.com/andresmejia3/deepscan/internal/faces"
	"github.com/andresmejia3/deepscan/internal/models"
	"github.com/andresmejia3/deepscan/internal/types"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	fakeColor = color.RGBA{R: 255, A: 255}
	realColor = color.RGBA{G: 255, A: 255}
)

const (
	lineWidth   = 2
	jpegQuality = 90
)

// Annotator renders the user-facing evidence image: one representative face frame with a box
// and verdict label on every confident detection.
type Annotator struct {
	detector models.FaceDetector
	mu       sync.Mutex
	rng      *rand.Rand
}

// New returns an Annotator. A nil rng uses a randomly seeded source.
func New(detector models.FaceDetector, rng *rand.Rand) *Annotator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Annotator{detector: detector, rng: rng}
}

// Pick returns the index of the representative frame among n face frames. With more than 10,
// the first and last quartiles are skipped.
func Pick(n int, rng *rand.Rand) int {
	if n > 10 {
		lo := n / 4
		hi := n - (n+3)/4 // exclusive, drops ceil(n/4) frames at the end
		return lo + rng.IntN(hi-lo)
	}
	return rng.IntN(n)
}

// Annotate picks a representative frame, re-detects its faces and returns the base64 JPEG.
// It returns nil for an empty frame set.
func (a *Annotator) Annotate(ctx context.Context, frames []types.FaceFrame, score float64) (*string, error) {
	if len(frames) == 0 {
		return nil, nil
	}
	a.mu.Lock()
	chosen := frames[Pick(len(frames), a.rng)]
	a.mu.Unlock()

	dets, err := a.detector.DetectFaces(ctx, chosen.Frame.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: re-detect faces: %v", types.ErrInference, err)
	}
	out, err := Render(chosen.Frame.Data, dets, score)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Label formats the overlay text, e.g. "FAKE: 87.12%".
func Label(score float64) (string, color.RGBA) {
	if score > 0.5 {
		return fmt.Sprintf("FAKE: %.2f%%", score*100), fakeColor
	}
	return fmt.Sprintf("REAL: %.2f%%", score*100), realColor
}

// Render draws every confident detection onto the JPEG and returns it base64 encoded.
func Render(jpegData []byte, dets []types.FaceDetection, score float64) (string, error) {
	src, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return "", fmt.Errorf("decode frame: %w", err)
	}
	b := src.Bounds()
	img := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(img, img.Bounds(), src, b.Min, draw.Src)

	label, c := Label(score)
	for _, d := range faces.Confident(dets) {
		rect := d.Rect(b.Dx(), b.Dy()).Intersect(img.Bounds())
		if rect.Empty() {
			continue
		}
		drawBox(img, rect, c)
		drawLabel(img, rect, label, c)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return "", fmt.Errorf("encode frame: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// drawBox writes the rectangle outline straight into the Pix buffer.
func drawBox(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	stride := img.Stride
	pix := img.Pix
	set := func(x, y int) {
		if !image.Pt(x, y).In(img.Rect) {
			return
		}
		off := (y-img.Rect.Min.Y)*stride + (x-img.Rect.Min.X)*4
		pix[off] = c.R
		pix[off+1] = c.G
		pix[off+2] = c.B
		pix[off+3] = 255
	}
	for w := 0; w < lineWidth; w++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			set(x, rect.Min.Y+w)
			set(x, rect.Max.Y-1-w)
		}
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			set(rect.Min.X+w, y)
			set(rect.Max.X-1-w, y)
		}
	}
}

// drawLabel places the text just above the box, or just inside it when the box touches the top edge.
func drawLabel(img *image.RGBA, rect image.Rectangle, text string, c color.RGBA) {
	face := basicfont.Face7x13
	y := rect.Min.Y - 10
	if y <= 10 {
		y = rect.Min.Y + 10
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(rect.Min.X, y),
	}
	d.DrawString(text)
}
