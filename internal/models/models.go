// Package models exposes the face detector, the frame classifier and the audio classifier
// behind small interfaces. The concrete Registry routes every call to the Python model worker
// pool; tests substitute their own implementations.
package models

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/worker"
)

// FaceDetector returns every detection in a JPEG frame, regardless of confidence.
type FaceDetector interface {
	DetectFaces(ctx context.Context, jpeg []byte) ([]types.FaceDetection, error)
}

// FrameClassifier returns the softmax probability vector for a JPEG frame.
type FrameClassifier interface {
	ClassifyFrame(ctx context.Context, jpeg []byte) ([]float64, error)
}

// AudioClassifier classifies an already scaled feature vector: class 0 is FAKE, 1 is REAL.
type AudioClassifier interface {
	ClassifyAudio(ctx context.Context, features []float64) (class int, probs []float64, err error)
}

// Doer is the part of worker.Pool the registry needs.
type Doer interface {
	Do(ctx context.Context, op worker.Op, payload []byte) ([]byte, error)
}

// Registry is constructed once at startup and shared by every analysis.
type Registry struct {
	pool Doer
}

func NewRegistry(pool Doer) *Registry {
	return &Registry{pool: pool}
}

func (r *Registry) DetectFaces(ctx context.Context, jpeg []byte) ([]types.FaceDetection, error) {
	resp, err := r.pool.Do(ctx, worker.OpDetectFaces, jpeg)
	if err != nil {
		return nil, err
	}
	var dets []types.FaceDetection
	if err := json.Unmarshal(resp, &dets); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}
	return dets, nil
}

type frameResponse struct {
	Probs []float64 `json:"probs"`
}

func (r *Registry) ClassifyFrame(ctx context.Context, jpeg []byte) ([]float64, error) {
	resp, err := r.pool.Do(ctx, worker.OpClassifyFrame, jpeg)
	if err != nil {
		return nil, err
	}
	var out frameResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("decode frame probabilities: %w", err)
	}
	if len(out.Probs) < 2 {
		return nil, fmt.Errorf("expected 2 class probabilities, got %d", len(out.Probs))
	}
	return out.Probs, nil
}

type audioResponse struct {
	Class int       `json:"class"`
	Probs []float64 `json:"probs"`
}

func (r *Registry) ClassifyAudio(ctx context.Context, features []float64) (int, []float64, error) {
	buf := new(bytes.Buffer)
	for _, f := range features {
		binary.Write(buf, binary.BigEndian, float32(f))
	}
	resp, err := r.pool.Do(ctx, worker.OpClassifyAudio, buf.Bytes())
	if err != nil {
		return 0, nil, err
	}
	var out audioResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return 0, nil, fmt.Errorf("decode audio prediction: %w", err)
	}
	if out.Class < 0 || out.Class >= len(out.Probs) {
		return 0, nil, fmt.Errorf("predicted class %d outside %d probabilities", out.Class, len(out.Probs))
	}
	return out.Class, out.Probs, nil
}
