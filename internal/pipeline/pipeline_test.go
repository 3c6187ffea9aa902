package pipeline

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/deepscan/internal/audio"
	"github.com/andresmejia3/deepscan/internal/explain"
	"github.com/andresmejia3/deepscan/internal/sampler"
	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/utils"
	"github.com/andresmejia3/deepscan/internal/verdict"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeFrames struct {
	n       int
	planErr error
}

func (f *fakeFrames) Plan(context.Context, string) (sampler.Plan, utils.VideoInfo, error) {
	if f.planErr != nil {
		return sampler.Plan{}, utils.VideoInfo{}, f.planErr
	}
	idx := make([]int, f.n)
	for i := range idx {
		idx[i] = i
	}
	return sampler.Plan{Indices: idx, Full: true, Message: "Video is short (1.00s). Processing all frames."},
		utils.VideoInfo{FPS: 30, TotalFrames: f.n}, nil
}

func (f *fakeFrames) Extract(_ context.Context, _ string, p sampler.Plan) ([]types.SampledFrame, error) {
	out := make([]types.SampledFrame, len(p.Indices))
	for i, idx := range p.Indices {
		out[i] = types.SampledFrame{Index: idx, Data: []byte{0xFF, 0xD8, byte(idx), 0xFF, 0xD9}}
	}
	return out, nil
}

// fakeScorer returns scores[i] for frame i; negative means no face.
type fakeScorer struct {
	scores []float64
	failAt int
	calls  atomic.Int32
}

func (s *fakeScorer) Score(_ context.Context, f types.SampledFrame) (types.FaceFrame, float64, bool, error) {
	s.calls.Add(1)
	if s.failAt >= 0 && f.Index == s.failAt {
		return types.FaceFrame{}, 0, false, types.ErrInference
	}
	sc := s.scores[f.Index]
	if sc < 0 {
		return types.FaceFrame{}, 0, false, nil
	}
	return types.FaceFrame{Frame: f}, sc, true, nil
}

func (s *fakeScorer) FakeConfidence(context.Context, []byte) (float64, error) { return 0.9, nil }

type fakeAudio struct{ v types.AudioVerdict }

func (a *fakeAudio) Analyze(context.Context, string) types.AudioVerdict { return a.v }
func (a *fakeAudio) Extract(_ context.Context, p string) (string, error) {
	return audio.WavPath(p), os.WriteFile(audio.WavPath(p), []byte("RIFF"), 0o644)
}
func (a *fakeAudio) ClassifyWav(_ context.Context, wav string) (types.AudioVerdict, error) {
	os.Remove(wav)
	return a.v, nil
}

type fakeAnnotator struct{}

func (fakeAnnotator) Annotate(_ context.Context, frames []types.FaceFrame, _ float64) (*string, error) {
	s := "aW1n"
	return &s, nil
}

type fakeExplainer struct {
	uploadDelay time.Duration
	uploadErr   error
	explainErr  map[string]error

	mu       sync.Mutex
	requests []explain.Request
	released []string
}

func (e *fakeExplainer) Upload(ctx context.Context, _ string) (*explain.RemoteFile, error) {
	if e.uploadDelay > 0 {
		select {
		case <-time.After(e.uploadDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.uploadErr != nil {
		return nil, e.uploadErr
	}
	return &explain.RemoteFile{Name: "files/abc", URI: "u", MIMEType: "video/mp4"}, nil
}

func (e *fakeExplainer) Explain(_ context.Context, r explain.Request) (string, error) {
	e.mu.Lock()
	e.requests = append(e.requests, r)
	e.mu.Unlock()
	if err := e.explainErr[r.AnalysisType]; err != nil {
		return "", err
	}
	return "* " + r.AnalysisType, nil
}

func (e *fakeExplainer) Release(_ context.Context, f *explain.RemoteFile) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released = append(e.released, f.Name)
	return nil
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []string
}

func (h *fakeHistory) AddEntry(_ context.Context, _, result, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, result)
	return nil
}

type countingRecorder struct {
	nopRecorder
	removed atomic.Int32
}

func (c *countingRecorder) TempFilesRemoved(n int) { c.removed.Add(int32(n)) }

func mediaFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(p, []byte("not really a video"), 0o644))
	return p
}

func collectEvents(ch <-chan types.StreamEvent) []types.StreamEvent {
	var out []types.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func ofType(evs []types.StreamEvent, t types.EventType) []types.StreamEvent {
	var out []types.StreamEvent
	for _, e := range evs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func baseDeps(scores []float64) Deps {
	return Deps{
		Frames:    &fakeFrames{n: len(scores)},
		Scorer:    &fakeScorer{scores: scores, failAt: -1},
		Audio:     &fakeAudio{v: types.AudioVerdict{Label: types.AudioReal, Confidence: 0.91}},
		Annotator: fakeAnnotator{},
		Log:       zerolog.Nop(),
	}
}

func TestStreamHappyPath(t *testing.T) {
	scores := []float64{0.9, 0.8, -1, 0.85, 0.95}
	deps := baseDeps(scores)
	ex := &fakeExplainer{}
	hist := &fakeHistory{}
	rec := &countingRecorder{}
	deps.Explainer, deps.History, deps.Metrics = ex, hist, rec
	o := New(deps, Options{})

	path := mediaFile(t)
	evs := collectEvents(o.Stream(context.Background(), Request{TaskID: "t1", Path: path, Source: "clip.mp4"}))
	assert.NoFileExists(t, path, "media is gone once the stream closes")
	o.Wait()

	results := ofType(evs, types.EventResult)
	require.Len(t, results, 1)
	res := results[0].Result
	assert.Equal(t, types.VerdictFake, res.Verdict)
	assert.Equal(t, []float64{0.9, 0.8, 0.85, 0.95}, res.FrameScores)
	assert.Equal(t, types.AudioReal, res.AudioVerdict)
	assert.Equal(t, 5, res.SampledFrames)
	assert.Equal(t, 4, res.FaceFrames)
	require.NotNil(t, res.ResultImage)

	// Explanations arrive after the result, video before audio.
	last := evs[len(evs)-2:]
	assert.Equal(t, types.EventVideoExplanation, last[0].Type)
	assert.Equal(t, types.EventAudioExplanation, last[1].Type)
	assert.False(t, last[0].Degraded)
	assert.Equal(t, "* Video Analysis", last[0].Explanation)

	require.Len(t, ex.requests, 2)
	for _, r := range ex.requests {
		require.NotNil(t, r.File)
		if r.AnalysisType == "Audio Analysis" {
			assert.Equal(t, "The visual analysis concluded: 'FAKE'.", r.Context)
		}
	}

	assert.Equal(t, []string{"Analysis Started", "Video: FAKE, Audio: REAL"}, hist.entries)
	assert.Equal(t, []string{"files/abc"}, ex.released)
	assert.NoFileExists(t, path)
	assert.Equal(t, int32(1), rec.removed.Load())
}

func TestStreamStateOrder(t *testing.T) {
	o := New(baseDeps([]float64{0.1, 0.2}), Options{})
	evs := collectEvents(o.Stream(context.Background(), Request{Path: mediaFile(t)}))

	var stages []types.Stage
	for _, e := range ofType(evs, types.EventProgress) {
		if len(stages) == 0 || stages[len(stages)-1] != e.Stage {
			stages = append(stages, e.Stage)
		}
	}
	assert.Equal(t, []types.Stage{
		types.StageExtractingAudio,
		types.StageSamplingFrames,
		types.StageScoring,
		types.StageAggregating,
		types.StageExplaining,
	}, stages)
}

func TestStreamProgressCadence(t *testing.T) {
	scores := make([]float64, 25)
	o := New(baseDeps(scores), Options{})
	evs := collectEvents(o.Stream(context.Background(), Request{Path: mediaFile(t)}))

	var processed []int
	for _, e := range evs {
		if e.Counted {
			processed = append(processed, e.Processed)
			assert.Equal(t, 25, e.Total)
		}
	}
	// total/10 = 2: every second frame plus the last one, after the initial 0.
	assert.Equal(t, []int{0, 2, 4, 6, 8, 10, 12, 14, 16, 18, 20, 22, 24, 25}, processed)
}

func TestStreamNoFaces(t *testing.T) {
	o := New(baseDeps([]float64{-1, -1, -1}), Options{})
	evs := collectEvents(o.Stream(context.Background(), Request{Path: mediaFile(t)}))

	res := ofType(evs, types.EventResult)[0].Result
	assert.Equal(t, types.VerdictReal, res.Verdict)
	assert.Equal(t, verdict.NoFacesMessage, res.Message)
	assert.Nil(t, res.ResultImage)
	assert.Zero(t, res.AverageConfidence)
}

func TestStreamInferenceErrorIsTerminal(t *testing.T) {
	deps := baseDeps([]float64{0.1, 0.2, 0.3})
	deps.Scorer = &fakeScorer{scores: []float64{0.1, 0.2, 0.3}, failAt: 1}
	ex := &fakeExplainer{}
	deps.Explainer = ex
	o := New(deps, Options{})

	path := mediaFile(t)
	evs := collectEvents(o.Stream(context.Background(), Request{Path: path}))
	o.Wait()

	errs := ofType(evs, types.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, evs[len(evs)-1], errs[0], "error is the last event")
	assert.Contains(t, errs[0].Message, "A critical error occurred")
	assert.Empty(t, ofType(evs, types.EventResult))
	assert.Empty(t, ex.requests)
	assert.Equal(t, []string{"files/abc"}, ex.released, "remote file released on the error path")
	assert.NoFileExists(t, path)
}

func TestStreamErrorRemovesMediaBeforeClose(t *testing.T) {
	deps := baseDeps([]float64{0.1, 0.2, 0.3})
	deps.Scorer = &fakeScorer{scores: []float64{0.1, 0.2, 0.3}, failAt: 1}
	ex := &fakeExplainer{uploadDelay: 2 * time.Second}
	deps.Explainer = ex
	o := New(deps, Options{})

	path := mediaFile(t)
	evs := collectEvents(o.Stream(context.Background(), Request{Path: path}))
	require.Equal(t, types.EventError, evs[len(evs)-1].Type)
	assert.NoFileExists(t, path)

	// The pending upload is abandoned rather than awaited.
	start := time.Now()
	o.Wait()
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, ex.released)
}

func TestStreamUnreadableMedia(t *testing.T) {
	deps := baseDeps(nil)
	deps.Frames = &fakeFrames{planErr: types.ErrFramesUnavailable}
	o := New(deps, Options{})

	path := mediaFile(t)
	evs := collectEvents(o.Stream(context.Background(), Request{Path: path}))
	require.Len(t, ofType(evs, types.EventError), 1)
	assert.NoFileExists(t, path)
}

func TestStreamKeepLeavesMedia(t *testing.T) {
	o := New(baseDeps([]float64{0.2}), Options{})
	path := mediaFile(t)
	collectEvents(o.Stream(context.Background(), Request{Path: path, Keep: true}))
	assert.FileExists(t, path)
}

func TestStreamUploadTimeoutDegradesExplanations(t *testing.T) {
	deps := baseDeps([]float64{0.2, 0.3})
	ex := &fakeExplainer{uploadDelay: time.Second}
	deps.Explainer = ex
	o := New(deps, Options{UploadTimeout: 30 * time.Millisecond})

	path := mediaFile(t)
	evs := collectEvents(o.Stream(context.Background(), Request{Path: path}))
	o.Wait()

	require.Len(t, ofType(evs, types.EventResult), 1)
	last := evs[len(evs)-2:]
	assert.Equal(t, types.EventVideoExplanation, last[0].Type)
	assert.Equal(t, types.EventAudioExplanation, last[1].Type)
	for _, e := range last {
		assert.True(t, e.Degraded)
		assert.Equal(t, UploadFailedMessage, e.Explanation)
	}
	assert.Empty(t, ex.requests)
	assert.NoFileExists(t, path)
}

func TestStreamExplanationFailureIsIndependent(t *testing.T) {
	deps := baseDeps([]float64{0.2})
	ex := &fakeExplainer{explainErr: map[string]error{"Audio Analysis": &net.DNSError{Err: "no such host"}}}
	deps.Explainer = ex
	o := New(deps, Options{})

	evs := collectEvents(o.Stream(context.Background(), Request{Path: mediaFile(t)}))
	o.Wait()

	video := ofType(evs, types.EventVideoExplanation)[0]
	audioEv := ofType(evs, types.EventAudioExplanation)[0]
	assert.False(t, video.Degraded)
	assert.True(t, audioEv.Degraded)
	assert.Contains(t, audioEv.Explanation, "The API call failed")
	require.Len(t, ofType(evs, types.EventResult), 1)
}

func TestStreamWithoutExplainer(t *testing.T) {
	o := New(baseDeps([]float64{0.2}), Options{})
	evs := collectEvents(o.Stream(context.Background(), Request{Path: mediaFile(t)}))
	for _, e := range ofType(evs, types.EventVideoExplanation) {
		assert.Equal(t, NotConfiguredMessage, e.Explanation)
	}
	assert.Len(t, ofType(evs, types.EventAudioExplanation), 1)
}

func TestStreamClientGoneStillCleansUp(t *testing.T) {
	deps := baseDeps(make([]float64, 50))
	ex := &fakeExplainer{uploadDelay: 20 * time.Millisecond}
	deps.Explainer = ex
	o := New(deps, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	path := mediaFile(t)
	ch := o.Stream(ctx, Request{Path: path})
	<-ch // first progress event, then the reader leaves
	cancel()
	for range ch {
	}
	o.Wait()

	assert.NoFileExists(t, path)
	assert.Equal(t, []string{"files/abc"}, ex.released, "late upload is still released")
}

type memCache struct {
	mu sync.Mutex
	m  map[string]*types.AnalysisResult
}

func (c *memCache) Get(_ context.Context, k string) (*types.AnalysisResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[k], nil
}

func (c *memCache) Set(_ context.Context, k string, r *types.AnalysisResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[k] = r
	return nil
}

func TestStreamCacheHitSkipsInference(t *testing.T) {
	cache := &memCache{m: map[string]*types.AnalysisResult{}}
	scorer := &fakeScorer{scores: []float64{0.9, 0.9}, failAt: -1}
	deps := baseDeps(nil)
	deps.Frames = &fakeFrames{n: 2}
	deps.Scorer = scorer
	deps.Cache = cache
	o := New(deps, Options{})

	dir := t.TempDir()
	write := func(name string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("same bytes"), 0o644))
		return p
	}

	first := ofType(collectEvents(o.Stream(context.Background(), Request{Path: write("a.mp4")})), types.EventResult)
	require.Len(t, first, 1)
	assert.Equal(t, int32(2), scorer.calls.Load())

	second := ofType(collectEvents(o.Stream(context.Background(), Request{Path: write("b.mp4")})), types.EventResult)
	require.Len(t, second, 1)
	assert.Equal(t, int32(2), scorer.calls.Load(), "cache hit must not run the scorer")
	assert.Equal(t, first[0].Result.Verdict, second[0].Result.Verdict)
}

func TestAnalyzeImage(t *testing.T) {
	deps := baseDeps(nil)
	hist := &fakeHistory{}
	deps.History = hist
	o := New(deps, Options{})

	path := filepath.Join(t.TempDir(), "face.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9}, 0o644))

	res, err := o.AnalyzeImage(context.Background(), Request{Path: path, Source: "face.jpg"})
	require.NoError(t, err)
	assert.Equal(t, types.VerdictFake, res.Verdict)
	assert.Equal(t, 0.9, res.AverageConfidence)
	assert.Equal(t, NotConfiguredMessage, res.Explanation)
	assert.Equal(t, []string{types.VerdictFake}, hist.entries)
	assert.NoFileExists(t, path)
}

func TestAnalyzeImageRejectsGarbage(t *testing.T) {
	o := New(baseDeps(nil), Options{})
	path := filepath.Join(t.TempDir(), "x.png")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o644))

	_, err := o.AnalyzeImage(context.Background(), Request{Path: path})
	assert.True(t, errors.Is(err, types.ErrFramesUnavailable))
	assert.NoFileExists(t, path)
}

func TestAnalyzeAudio(t *testing.T) {
	deps := baseDeps(nil)
	deps.Audio = &fakeAudio{v: types.AudioVerdict{Label: types.AudioFake, Confidence: 0.77}}
	deps.Explainer = &fakeExplainer{}
	o := New(deps, Options{})

	path := filepath.Join(t.TempDir(), "voice.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o644))

	res, err := o.AnalyzeAudio(context.Background(), Request{Path: path})
	require.NoError(t, err)
	assert.Equal(t, types.AudioFake, res.Verdict)
	assert.Equal(t, 0.77, res.Confidence)
	assert.Equal(t, "* Deepfake Audio", res.Explanation)
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, audio.WavPath(path))
}
