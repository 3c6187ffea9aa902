package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/deepscan/internal/explain"
	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	NotConfiguredMessage = "AI explanations are unavailable. The explanation service is not configured."
	UploadFailedMessage  = "Could not generate AI explanation. This is likely due to a network issue on the server preventing it from connecting to Google's API. Please check the server's internet connection and firewall settings."
	apiFailedFormat      = "Could not generate AI explanation. The API call failed, likely due to a server network/DNS issue or rate limiting. (Error: %v)"
)

// upload is the media copy being sent to the explanation provider in the background.
type upload struct {
	done     chan struct{}
	deadline time.Time
	cancel   context.CancelFunc
	file     *explain.RemoteFile
	err      error
}

// startUpload sends the media to the provider while local inference runs. The upload outlives
// the request context so that a departed client cannot leave a half-written remote file behind;
// it is bounded by the upload timeout, or stopped early with up.cancel when local analysis fails.
func (o *Orchestrator) startUpload(ctx context.Context, path string) *upload {
	up := &upload{done: make(chan struct{}), deadline: time.Now().Add(o.opts.UploadTimeout)}
	uctx, cancel := context.WithDeadline(context.WithoutCancel(ctx), up.deadline)
	up.cancel = cancel
	go func() {
		defer close(up.done)
		defer cancel()
		up.file, up.err = o.deps.Explainer.Upload(uctx, path)
	}()
	return up
}

// wait returns the uploaded file, or ErrUploadTimeout once the upload deadline passes.
// A nil file with a nil error means the media is explained from data only.
func (u *upload) wait(ctx context.Context) (*explain.RemoteFile, error) {
	t := time.NewTimer(time.Until(u.deadline))
	defer t.Stop()
	select {
	case <-u.done:
		if errors.Is(u.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", types.ErrUploadTimeout, u.err)
		}
		return u.file, u.err
	case <-t.C:
		return nil, types.ErrUploadTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// explanations runs the explanation phase after the result has been delivered. Nothing here can
// change the result; failures become degraded explanation events.
func (o *Orchestrator) explanations(ctx context.Context, req Request, res *types.AnalysisResult, up *upload, emit emitFunc, log zerolog.Logger) {
	ctx, end := o.stage(ctx, types.StageExplaining)
	defer end()

	if !emit(types.Progress(types.StageExplaining, "Fetching AI explanations...")) {
		return
	}
	if o.deps.Explainer == nil {
		emitBoth(emit, NotConfiguredMessage, NotConfiguredMessage, true, true)
		return
	}

	file, err := up.wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("media upload for explanations failed")
		emitBoth(emit, UploadFailedMessage, UploadFailedMessage, true, true)
		return
	}

	ectx, cancel := context.WithTimeout(ctx, o.opts.ExplanationTimeout)
	defer cancel()

	videoReq := explain.Request{
		AnalysisType: "Video Analysis",
		Verdict:      res.Verdict,
		Data:         res.PromptData(),
		SourceURL:    req.SourceURL,
		File:         file,
	}
	audioReq := explain.Request{
		AnalysisType: "Audio Analysis",
		Verdict:      string(res.AudioVerdict),
		Data:         map[string]any{"verdict": res.AudioVerdict, "confidence": res.AudioConfidence},
		Context:      fmt.Sprintf("The visual analysis concluded: '%s'.", res.Verdict),
		SourceURL:    req.SourceURL,
		File:         file,
	}

	// The two requests are independent: one failing must not cancel the other.
	var videoText, audioText string
	var videoErr, audioErr error
	var g errgroup.Group
	g.Go(func() error {
		videoText, videoErr = o.deps.Explainer.Explain(ectx, videoReq)
		return nil
	})
	g.Go(func() error {
		audioText, audioErr = o.deps.Explainer.Explain(ectx, audioReq)
		return nil
	})
	_ = g.Wait()

	videoDegraded, audioDegraded := videoErr != nil, audioErr != nil
	if videoDegraded {
		log.Warn().Err(videoErr).Msg("video explanation failed")
		videoText = fmt.Sprintf(apiFailedFormat, videoErr)
	}
	if audioDegraded {
		log.Warn().Err(audioErr).Msg("audio explanation failed")
		audioText = fmt.Sprintf(apiFailedFormat, audioErr)
	}
	emitBoth(emit, videoText, audioText, videoDegraded, audioDegraded)
}

// emitBoth sends the video explanation and then the audio one.
func emitBoth(emit emitFunc, video, audio string, videoDegraded, audioDegraded bool) {
	if !emit(types.StreamEvent{Type: types.EventVideoExplanation, Stage: types.StageExplaining, Explanation: video, Degraded: videoDegraded}) {
		return
	}
	emit(types.StreamEvent{Type: types.EventAudioExplanation, Stage: types.StageExplaining, Explanation: audio, Degraded: audioDegraded})
}
