package faces

import (
	"context"
	"fmt"

	"github.com/andresmejia3/deepscan/internal/models"
	"github.com/andresmejia3/deepscan/internal/types"
)

// DetectionThreshold is the minimum detector confidence (exclusive) for a face to count.
const DetectionThreshold = 0.5

// HasFace reports whether any detection clears DetectionThreshold.
func HasFace(dets []types.FaceDetection) bool {
	for _, d := range dets {
		if d.Confidence > DetectionThreshold {
			return true
		}
	}
	return false
}

// Confident returns the detections that clear DetectionThreshold.
func Confident(dets []types.FaceDetection) []types.FaceDetection {
	out := dets[:0:0]
	for _, d := range dets {
		if d.Confidence > DetectionThreshold {
			out = append(out, d)
		}
	}
	return out
}

// Scorer runs the face presence filter and the frame classifier on one frame at a time.
type Scorer struct {
	detector       models.FaceDetector
	classifier     models.FrameClassifier
	fakeClassIndex int
}

// NewScorer builds a Scorer. fakeClassIndex selects the FAKE probability in the classifier output.
func NewScorer(detector models.FaceDetector, classifier models.FrameClassifier, fakeClassIndex int) *Scorer {
	return &Scorer{detector: detector, classifier: classifier, fakeClassIndex: fakeClassIndex}
}

// Score detects faces in frame and, when one is present, classifies it.
// ok is false for frames without a face. Any model failure is returned wrapped in ErrInference.
func (s *Scorer) Score(ctx context.Context, frame types.SampledFrame) (ff types.FaceFrame, score float64, ok bool, err error) {
	dets, err := s.detector.DetectFaces(ctx, frame.Data)
	if err != nil {
		return ff, 0, false, fmt.Errorf("%w: face detection on frame %d: %v", types.ErrInference, frame.Index, err)
	}
	if !HasFace(dets) {
		return ff, 0, false, nil
	}

	score, err = s.FakeConfidence(ctx, frame.Data)
	if err != nil {
		return ff, 0, false, fmt.Errorf("%w: frame %d: %v", types.ErrInference, frame.Index, err)
	}
	return types.FaceFrame{Frame: frame, Detections: dets}, score, true, nil
}

// FakeConfidence classifies a single image and returns the FAKE class probability.
func (s *Scorer) FakeConfidence(ctx context.Context, jpeg []byte) (float64, error) {
	probs, err := s.classifier.ClassifyFrame(ctx, jpeg)
	if err != nil {
		return 0, err
	}
	if s.fakeClassIndex >= len(probs) {
		return 0, fmt.Errorf("fake class index %d outside %d probabilities", s.fakeClassIndex, len(probs))
	}
	return probs[s.fakeClassIndex], nil
}
