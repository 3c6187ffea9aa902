// Package pipeline drives one analysis from a media file on disk to a stream of events:
// audio verdict, frame sampling, face scoring, the aggregate verdict and, when a provider
// is configured, two AI explanations. Every stream owns its media file and removes it when
// the stream ends, whatever the outcome.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/andresmejia3/deepscan/internal/audio"
	"github.com/andresmejia3/deepscan/internal/explain"
	dlog "github.com/andresmejia3/deepscan/internal/log"
	"github.com/andresmejia3/deepscan/internal/sampler"
	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/utils"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/andresmejia3/deepscan/internal/pipeline"

// FrameSource probes a video and decodes a planned subset of its frames.
type FrameSource interface {
	Plan(ctx context.Context, path string) (sampler.Plan, utils.VideoInfo, error)
	Extract(ctx context.Context, path string, plan sampler.Plan) ([]types.SampledFrame, error)
}

// FrameScorer filters a frame on face presence and scores it.
type FrameScorer interface {
	Score(ctx context.Context, frame types.SampledFrame) (types.FaceFrame, float64, bool, error)
	FakeConfidence(ctx context.Context, jpeg []byte) (float64, error)
}

// AudioAnalyzer produces the audio verdict of a media file.
type AudioAnalyzer interface {
	Analyze(ctx context.Context, mediaPath string) types.AudioVerdict
	Extract(ctx context.Context, mediaPath string) (string, error)
	ClassifyWav(ctx context.Context, wavPath string) (types.AudioVerdict, error)
}

// Annotator renders the evidence image.
type Annotator interface {
	Annotate(ctx context.Context, frames []types.FaceFrame, score float64) (*string, error)
}

// Explainer is the AI explanation service.
type Explainer interface {
	Upload(ctx context.Context, path string) (*explain.RemoteFile, error)
	Explain(ctx context.Context, req explain.Request) (string, error)
	Release(ctx context.Context, f *explain.RemoteFile) error
}

// History records analysis outcomes per source.
type History interface {
	AddEntry(ctx context.Context, analysisType, result, source string) error
}

// ResultCache stores finished results by media content hash. Get returns nil on a miss.
type ResultCache interface {
	Get(ctx context.Context, key string) (*types.AnalysisResult, error)
	Set(ctx context.Context, key string, res *types.AnalysisResult) error
}

// Recorder receives pipeline measurements; metrics.Collector implements it.
type Recorder interface {
	StageDuration(stage types.Stage, d time.Duration)
	AnalysisFinished(outcome, verdict string)
	TempFilesRemoved(n int)
	CacheLookup(hit bool)
}

type nopRecorder struct{}

func (nopRecorder) StageDuration(types.Stage, time.Duration) {}
func (nopRecorder) AnalysisFinished(string, string)          {}
func (nopRecorder) TempFilesRemoved(int)                     {}
func (nopRecorder) CacheLookup(bool)                         {}

// Deps are the collaborators of an Orchestrator. Explainer, History, Cache and Metrics are optional.
type Deps struct {
	Frames    FrameSource
	Scorer    FrameScorer
	Audio     AudioAnalyzer
	Annotator Annotator
	Explainer Explainer
	History   History
	Cache     ResultCache
	Metrics   Recorder
	Log       zerolog.Logger
}

// Options tunes the explanation phase.
type Options struct {
	UploadTimeout      time.Duration // default 60s
	ExplanationTimeout time.Duration // default 3m
}

// Request is one analysis. The orchestrator takes ownership of Path unless Keep is set.
type Request struct {
	TaskID    string
	Path      string
	Source    string // shown in history: file name or URL
	SourceURL string // passed to the explanation prompt
	Keep      bool   // leave Path on disk (CLI scans of user files)
}

// Orchestrator runs analysis streams. It is safe for concurrent use; each stream is independent.
type Orchestrator struct {
	deps   Deps
	opts   Options
	tracer trace.Tracer
	wg     sync.WaitGroup // background release/cleanup
}

func New(deps Deps, opts Options) *Orchestrator {
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 60 * time.Second
	}
	if opts.ExplanationTimeout <= 0 {
		opts.ExplanationTimeout = 3 * time.Minute
	}
	return &Orchestrator{deps: deps, opts: opts, tracer: otel.Tracer(tracerName)}
}

// Wait blocks until every background cleanup started by finished streams is done.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Stream starts the analysis and returns its events. The channel is closed once the stream is
// over. Consumers that stop reading must cancel ctx; the producer never blocks on a departed reader.
func (o *Orchestrator) Stream(ctx context.Context, req Request) <-chan types.StreamEvent {
	out := make(chan types.StreamEvent, 4)
	go o.run(ctx, req, out)
	return out
}

func (o *Orchestrator) run(ctx context.Context, req Request, out chan<- types.StreamEvent) {
	defer close(out)

	ctx, span := o.tracer.Start(ctx, "pipeline.stream", trace.WithAttributes(
		attribute.String("task.id", req.TaskID),
		attribute.String("media.name", filepath.Base(req.Path)),
	))
	defer span.End()
	ctx = dlog.ContextWithTaskID(ctx, req.TaskID)
	log := *dlog.FromContext(ctx, o.deps.Log)

	emit := func(ev types.StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	o.recordHistory(ctx, log, "Analysis Started", req.Source)

	var up *upload
	if o.deps.Explainer != nil {
		up = o.startUpload(ctx, req.Path)
	}
	defer o.finish(req, up, log)

	res, err := o.analyze(ctx, req, emit, log)
	if err != nil {
		if up != nil {
			// No explanation will be asked for.
			up.cancel()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "local analysis failed")
		o.deps.Metrics.AnalysisFinished("error", "")
		log.Error().Err(err).Msg("analysis failed")
		if ctx.Err() == nil {
			emit(types.Failure(err))
		}
		return
	}
	o.deps.Metrics.AnalysisFinished("ok", res.Verdict)
	span.SetAttributes(attribute.String("verdict", res.Verdict), attribute.String("audio.verdict", string(res.AudioVerdict)))

	combined := fmt.Sprintf("Video: %s, Audio: %s", res.Verdict, res.AudioVerdict)
	log.Info().Str("verdict", combined).Msg("analysis verdict")
	o.recordHistory(ctx, log, combined, req.Source)

	if !emit(types.StreamEvent{Type: types.EventResult, Stage: types.StageAggregating, Result: res}) {
		return
	}
	o.explanations(ctx, req, res, up, emit, log)
}

func (o *Orchestrator) recordHistory(ctx context.Context, log zerolog.Logger, result, source string) {
	if o.deps.History == nil {
		return
	}
	if err := o.deps.History.AddEntry(context.WithoutCancel(ctx), "Video Analysis", result, source); err != nil {
		log.Warn().Err(err).Msg("failed to write history entry")
	}
}

// finish removes local files before the stream closes. Unlinking does not disturb an upload
// still reading the file. The remote copy is released in the background once the upload ends,
// so a late upload is still released.
func (o *Orchestrator) finish(req Request, up *upload, log zerolog.Logger) {
	n := o.removeLocal(req, log)
	o.deps.Metrics.TempFilesRemoved(n)
	if up == nil {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		<-up.done
		if up.file == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.deps.Explainer.Release(ctx, up.file); err != nil {
			log.Warn().Err(err).Str("file", up.file.Name).Msg("failed to release remote file")
			return
		}
		log.Debug().Str("file", up.file.Name).Msg("released remote file")
	}()
}

func (o *Orchestrator) removeLocal(req Request, log zerolog.Logger) int {
	paths := []string{audio.WavPath(req.Path)}
	if !req.Keep {
		paths = append(paths, req.Path)
	}
	n := 0
	for _, p := range paths {
		removed, err := utils.RemoveFile(p)
		if err != nil {
			log.Warn().Err(err).Str("path", p).Msg("failed to remove temp file")
			continue
		}
		if removed {
			n++
			log.Debug().Str("path", p).Msg("cleaned up local media file")
		}
	}
	return n
}
