package types

import (
	"encoding/json"
	"image"
)

// SampledFrame is a single decoded frame pulled out of the container by the sampler.
type SampledFrame struct {
	Index int
	Data  []byte // JPEG bytes
}

// FaceDetection matches the JSON structure coming back from the model worker.
// Box corners are normalised to [0,1]: [x1, y1, x2, y2].
type FaceDetection struct {
	Box        [4]float64 `json:"box"`
	Confidence float64    `json:"confidence"`
}

// Rect converts the normalised box into pixel coordinates for a w x h frame.
func (d FaceDetection) Rect(w, h int) image.Rectangle {
	return image.Rect(
		int(d.Box[0]*float64(w)),
		int(d.Box[1]*float64(h)),
		int(d.Box[2]*float64(w)),
		int(d.Box[3]*float64(h)),
	)
}

// FaceFrame is a sampled frame that passed the face presence filter.
type FaceFrame struct {
	Frame      SampledFrame
	Detections []FaceDetection
}

// AudioLabel is the wire label of an audio verdict.
type AudioLabel string

const (
	AudioFake          AudioLabel = "FAKE"
	AudioReal          AudioLabel = "REAL"
	AudioNoTrack       AudioLabel = "No Audio Track"
	AudioAnalysisError AudioLabel = "Analysis Error"
)

// AudioVerdict is the outcome of the audio track analyzer.
type AudioVerdict struct {
	Label      AudioLabel `json:"verdict"`
	Confidence float64    `json:"confidence"`
}

const (
	VerdictFake = "FAKE"
	VerdictReal = "REAL"
)

// AnalysisResult is the terminal output of a successful analysis. It is never mutated once built.
type AnalysisResult struct {
	Verdict           string     `json:"verdict"`
	AverageConfidence float64    `json:"average_confidence"`
	FrameScores       []float64  `json:"frame_scores"`
	ResultImage       *string    `json:"result_image"`
	AudioVerdict      AudioLabel `json:"audio_verdict"`
	AudioConfidence   float64    `json:"audio_confidence"`
	Message           string     `json:"message,omitempty"`

	StdDev             float64 `json:"std_dev"`
	SuspiciousFraction float64 `json:"suspicious_fraction"`
	SampledFrames      int     `json:"sampled_frames"`
	FaceFrames         int     `json:"face_frames"`
}

// PromptData returns the result as a flat map without the annotated image,
// suitable for embedding in an explanation prompt.
func (r AnalysisResult) PromptData() map[string]any {
	return map[string]any{
		"verdict":            r.Verdict,
		"average_confidence": r.AverageConfidence,
		"frame_scores":       r.FrameScores,
		"audio_verdict":      r.AudioVerdict,
		"audio_confidence":   r.AudioConfidence,
	}
}

// EventType tags a StreamEvent.
type EventType string

const (
	EventProgress         EventType = "progress"
	EventResult           EventType = "result"
	EventError            EventType = "error"
	EventVideoExplanation EventType = "video_explanation"
	EventAudioExplanation EventType = "audio_explanation"
)

// Stage is an orchestrator state, reported on progress events.
type Stage string

const (
	StageExtractingAudio Stage = "EXTRACTING_AUDIO"
	StageSamplingFrames  Stage = "SAMPLING_FRAMES"
	StageScoring         Stage = "DETECTING_FACES_AND_SCORING"
	StageAggregating     Stage = "AGGREGATING"
	StageExplaining      Stage = "FETCHING_EXPLANATIONS"
	StageError           Stage = "ERROR"
)

// StreamEvent is one message of an analysis stream. Only the fields relevant to Type are encoded.
type StreamEvent struct {
	Type        EventType
	Stage       Stage
	Processed   int
	Total       int
	Counted     bool // Processed/Total are meaningful
	Message     string
	Result      *AnalysisResult
	Explanation string
	Degraded    bool
}

// Progress builds a stage progress event.
func Progress(stage Stage, msg string) StreamEvent {
	return StreamEvent{Type: EventProgress, Stage: stage, Message: msg}
}

// Counter builds a progress event carrying processed/total counts.
func Counter(stage Stage, processed, total int, msg string) StreamEvent {
	return StreamEvent{Type: EventProgress, Stage: stage, Processed: processed, Total: total, Counted: true, Message: msg}
}

// Failure builds the terminal error event for err.
func Failure(err error) StreamEvent {
	return StreamEvent{Type: EventError, Stage: StageError, Message: "A critical error occurred: " + err.Error()}
}

// Terminal reports whether the event ends the local analysis (result or error).
func (e StreamEvent) Terminal() bool {
	return e.Type == EventResult || e.Type == EventError
}

func (e StreamEvent) MarshalJSON() ([]byte, error) {
	m := map[string]any{"type": e.Type}
	switch e.Type {
	case EventProgress:
		m["message"] = e.Message
		if e.Stage != "" {
			m["state"] = e.Stage
		}
		if e.Counted {
			m["processed"] = e.Processed
			m["total"] = e.Total
		}
	case EventResult:
		if e.Result == nil {
			break
		}
		// Flatten the result into the event, the way clients read it.
		raw, err := json.Marshal(e.Result)
		if err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			m[k] = v
		}
	case EventError:
		m["message"] = e.Message
	case EventVideoExplanation, EventAudioExplanation:
		m["explanation"] = e.Explanation
		if e.Degraded {
			m["degraded"] = true
		}
	}
	return json.Marshal(m)
}
