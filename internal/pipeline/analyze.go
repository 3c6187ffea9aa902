package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/andresmejia3/deepscan/internal/sampler"
	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/utils"
	"github.com/andresmejia3/deepscan/internal/verdict"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type emitFunc func(types.StreamEvent) bool

// stage opens a span for one pipeline state and returns the function that closes it.
func (o *Orchestrator) stage(ctx context.Context, s types.Stage) (context.Context, func()) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "pipeline."+string(s))
	return ctx, func() {
		o.deps.Metrics.StageDuration(s, time.Since(start))
		span.End()
	}
}

// analyze runs the local inference part of a stream and returns the result to emit.
// Progress events are sent through emit; a false return means the reader is gone.
func (o *Orchestrator) analyze(ctx context.Context, req Request, emit emitFunc, log zerolog.Logger) (*types.AnalysisResult, error) {
	var key string
	if o.deps.Cache != nil {
		var res *types.AnalysisResult
		if res, key = o.cached(ctx, req.Path, log); res != nil {
			emit(types.Progress(types.StageAggregating, "Found a previous analysis of identical media."))
			return res, nil
		}
	}

	// Audio first; its verdict is only merged at the end.
	actx, end := o.stage(ctx, types.StageExtractingAudio)
	if !emit(types.Progress(types.StageExtractingAudio, fmt.Sprintf("Extracting audio from %s...", filepath.Base(req.Path)))) {
		end()
		return nil, ctx.Err()
	}
	av := o.deps.Audio.Analyze(actx, req.Path)
	end()
	if av.Label == types.AudioNoTrack {
		emit(types.Progress(types.StageExtractingAudio, "No audio track found or extraction failed."))
	} else {
		emit(types.Progress(types.StageExtractingAudio, "Audio extracted successfully."))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sctx, end := o.stage(ctx, types.StageSamplingFrames)
	plan, info, err := o.deps.Frames.Plan(sctx, req.Path)
	if err != nil {
		end()
		return nil, err
	}
	log.Debug().Float64("fps", info.FPS).Int("total_frames", info.TotalFrames).Int("planned", len(plan.Indices)).Msg("sampling plan")
	emit(types.Progress(types.StageSamplingFrames, plan.Message))
	frames, err := o.deps.Frames.Extract(sctx, req.Path, plan)
	end()
	if err != nil {
		return nil, err
	}
	defer sampler.Release(frames)

	scores, faceFrames, err := o.score(ctx, frames, emit)
	if err != nil {
		return nil, err
	}

	_, end = o.stage(ctx, types.StageAggregating)
	if !emit(types.Progress(types.StageAggregating, "Aggregating frame scores...")) {
		end()
		return nil, ctx.Err()
	}
	sum := verdict.Aggregate(scores)
	res := &types.AnalysisResult{
		Verdict:            sum.Verdict,
		AverageConfidence:  sum.Average,
		FrameScores:        scores,
		AudioVerdict:       av.Label,
		AudioConfidence:    av.Confidence,
		Message:            sum.Message,
		StdDev:             sum.StdDev,
		SuspiciousFraction: sum.SuspiciousFraction,
		SampledFrames:      len(frames),
		FaceFrames:         len(faceFrames),
	}
	if len(faceFrames) > 0 {
		img, err := o.deps.Annotator.Annotate(ctx, faceFrames, sum.Average)
		if err != nil {
			// The evidence image is cosmetic; the verdict stands without it.
			log.Warn().Err(err).Msg("failed to annotate result frame")
		}
		res.ResultImage = img
	}
	end()

	if key != "" {
		if err := o.deps.Cache.Set(ctx, key, res); err != nil {
			log.Warn().Err(err).Msg("failed to cache result")
		}
	}
	return res, nil
}

// cached returns a stored result for the media, or nil and the key to store under.
func (o *Orchestrator) cached(ctx context.Context, path string, log zerolog.Logger) (*types.AnalysisResult, string) {
	key, err := utils.HashFile(path)
	if err != nil {
		log.Warn().Err(err).Msg("failed to hash media, skipping cache")
		return nil, ""
	}
	res, err := o.deps.Cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("cache lookup failed")
	}
	o.deps.Metrics.CacheLookup(res != nil)
	return res, key
}

// score filters frames on face presence and scores the rest, in order.
func (o *Orchestrator) score(ctx context.Context, frames []types.SampledFrame, emit emitFunc) ([]float64, []types.FaceFrame, error) {
	ctx, end := o.stage(ctx, types.StageScoring)
	defer end()

	total := len(frames)
	if !emit(types.Counter(types.StageScoring, 0, total, "Detecting faces in frames...")) {
		return nil, nil, ctx.Err()
	}
	step := max(1, total/10)

	scores := make([]float64, 0, total)
	faceFrames := make([]types.FaceFrame, 0, total)
	for i, f := range frames {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		ff, s, ok, err := o.deps.Scorer.Score(ctx, f)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			scores = append(scores, s)
			faceFrames = append(faceFrames, ff)
		}
		if (i+1)%step == 0 || i+1 == total {
			msg := fmt.Sprintf("Analyzed %d frames with faces...", len(scores))
			if !emit(types.Counter(types.StageScoring, i+1, total, msg)) {
				return nil, nil, ctx.Err()
			}
		}
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("frames.sampled", total),
		attribute.Int("frames.with_faces", len(scores)),
	)
	return scores, faceFrames, nil
}
