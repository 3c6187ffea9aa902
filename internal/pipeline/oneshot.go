package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"time"

	_ "image/gif"
	_ "image/png"

	"github.com/andresmejia3/deepscan/internal/explain"
	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/utils"
	_ "golang.org/x/image/webp"
)

// ImageResult is the outcome of a single-image analysis.
type ImageResult struct {
	Verdict           string  `json:"verdict"`
	AverageConfidence float64 `json:"average_confidence"`
	ResultImage       *string `json:"result_image"`
	Explanation       string  `json:"explanation"`
}

// AudioResult is the outcome of a standalone audio analysis.
type AudioResult struct {
	Verdict     types.AudioLabel `json:"verdict"`
	Confidence  float64          `json:"confidence"`
	Explanation string           `json:"explanation"`
}

// AnalyzeImage classifies one still image. The verdict is FAKE when the fake confidence
// exceeds 0.5. The file at req.Path is removed afterwards unless req.Keep is set.
func (o *Orchestrator) AnalyzeImage(ctx context.Context, req Request) (*ImageResult, error) {
	defer o.removeOne(req)

	frame, err := toJPEG(req.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrFramesUnavailable, err)
	}
	score, err := o.deps.Scorer.FakeConfidence(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInference, err)
	}
	v := types.VerdictReal
	if score > 0.5 {
		v = types.VerdictFake
	}
	img, err := o.deps.Annotator.Annotate(ctx, []types.FaceFrame{{Frame: types.SampledFrame{Data: frame}}}, score)
	if err != nil {
		o.deps.Log.Warn().Err(err).Msg("failed to annotate image")
	}

	out := &ImageResult{Verdict: v, AverageConfidence: score, ResultImage: img}
	o.addOneShotHistory(ctx, "Deepfake Image", v, req.Source, score)
	out.Explanation = o.explainOnce(ctx, req, explain.Request{
		AnalysisType: "Deepfake Image",
		Verdict:      v,
		Data:         map[string]any{"average_confidence": score},
		SourceURL:    req.SourceURL,
	})
	return out, nil
}

// AnalyzeAudio classifies a standalone audio file. Unlike the audio track of a video, a file
// that cannot be decoded or classified is an error here.
func (o *Orchestrator) AnalyzeAudio(ctx context.Context, req Request) (*AudioResult, error) {
	defer o.removeOne(req)

	wav, err := o.deps.Audio.Extract(ctx, req.Path)
	if err != nil {
		return nil, err
	}
	v, err := o.deps.Audio.ClassifyWav(ctx, wav)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInference, err)
	}

	out := &AudioResult{Verdict: v.Label, Confidence: v.Confidence}
	o.addOneShotHistory(ctx, "Deepfake Audio", string(v.Label), req.Source, v.Confidence)
	out.Explanation = o.explainOnce(ctx, req, explain.Request{
		AnalysisType: "Deepfake Audio",
		Verdict:      string(v.Label),
		Data:         map[string]any{"prediction": v.Label, "confidence": v.Confidence},
		SourceURL:    req.SourceURL,
	})
	return out, nil
}

func (o *Orchestrator) addOneShotHistory(ctx context.Context, analysisType, verdict, source string, conf float64) {
	if o.deps.History == nil {
		return
	}
	entry := fmt.Sprintf("%s (%.2f%%)", source, conf*100)
	if err := o.deps.History.AddEntry(context.WithoutCancel(ctx), analysisType, verdict, entry); err != nil {
		o.deps.Log.Warn().Err(err).Msg("failed to write history entry")
	}
}

// explainOnce uploads, explains and releases synchronously. Failures become the message text.
func (o *Orchestrator) explainOnce(ctx context.Context, req Request, er explain.Request) string {
	if o.deps.Explainer == nil {
		return NotConfiguredMessage
	}
	uctx, cancel := context.WithTimeout(ctx, o.opts.UploadTimeout)
	file, err := o.deps.Explainer.Upload(uctx, req.Path)
	cancel()
	if err != nil {
		o.deps.Log.Warn().Err(err).Msg("media upload for explanation failed")
		return UploadFailedMessage
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := o.deps.Explainer.Release(rctx, file); err != nil {
			o.deps.Log.Warn().Err(err).Msg("failed to release remote file")
		}
	}()

	er.File = file
	ectx, cancel := context.WithTimeout(ctx, o.opts.ExplanationTimeout)
	defer cancel()
	text, err := o.deps.Explainer.Explain(ectx, er)
	if err != nil {
		return fmt.Sprintf(apiFailedFormat, err)
	}
	return text
}

func (o *Orchestrator) removeOne(req Request) {
	n := o.removeLocal(req, o.deps.Log)
	o.deps.Metrics.TempFilesRemoved(n)
}

// toJPEG loads any supported still image and re-encodes it as the JPEG the model worker expects.
func toJPEG(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(raw, utils.JpegSOI) {
		return raw, nil
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
