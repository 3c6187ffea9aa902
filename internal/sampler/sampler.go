package sampler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/utils"
	"github.com/rs/zerolog"
)

const megabyte = 1024 * 1024

// Config bounds how many frames are decoded per video.
type Config struct {
	FramesPerSecond float64 // sampling density, default 5
	MaxFrames       int     // hard cap, default 500
}

// Plan is the set of frame indices to decode, ascending.
type Plan struct {
	Indices  []int
	Full     bool // every frame is scanned
	Duration float64
	Total    int
	Message  string
}

// NewPlan decides which frames to decode for a video of totalFrames frames at fps.
// Short videos are scanned in full; longer ones get a uniform random sample without replacement.
func NewPlan(fps float64, totalFrames int, cfg Config, rng *rand.Rand) (Plan, error) {
	if fps <= 0 || totalFrames <= 0 {
		return Plan{}, fmt.Errorf("%w: fps=%v frames=%d", types.ErrFramesUnavailable, fps, totalFrames)
	}
	duration := float64(totalFrames) / fps
	target := int(math.Floor(duration * cfg.FramesPerSecond))
	if target > cfg.MaxFrames {
		target = cfg.MaxFrames
	}

	p := Plan{Duration: duration, Total: totalFrames}
	if totalFrames <= target {
		p.Full = true
		p.Indices = make([]int, totalFrames)
		for i := range p.Indices {
			p.Indices[i] = i
		}
		p.Message = fmt.Sprintf("Video is short (%.2fs). Processing all %d frames.", duration, totalFrames)
		return p, nil
	}

	p.Indices = sampleSorted(totalFrames, target, rng)
	p.Message = fmt.Sprintf("Video is %.2fs long. Subsampling %d random frames.", duration, target)
	return p, nil
}

// sampleSorted picks k distinct values from [0,n) uniformly (Floyd's algorithm) and sorts them.
func sampleSorted(n, k int, rng *rand.Rand) []int {
	chosen := make(map[int]struct{}, k)
	out := make([]int, 0, k)
	for j := n - k; j < n; j++ {
		t := rng.IntN(j + 1)
		if _, dup := chosen[t]; dup {
			t = j
		}
		chosen[t] = struct{}{}
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Buffer pool to reduce GC pressure while splitting the MJPEG stream
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// Sampler probes and decodes videos.
type Sampler struct {
	cfg Config
	rng *rand.Rand
	mu  sync.Mutex
	log zerolog.Logger
}

// New returns a Sampler. A nil rng uses a randomly seeded source.
func New(cfg Config, rng *rand.Rand, log zerolog.Logger) *Sampler {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.FramesPerSecond <= 0 {
		cfg.FramesPerSecond = 5
	}
	if cfg.MaxFrames < 1 {
		cfg.MaxFrames = 500
	}
	return &Sampler{cfg: cfg, rng: rng, log: log}
}

// Plan probes path and builds its sampling plan.
func (s *Sampler) Plan(ctx context.Context, path string) (Plan, utils.VideoInfo, error) {
	info, err := utils.ProbeVideo(ctx, path)
	if err != nil {
		return Plan{}, info, fmt.Errorf("%w: %v", types.ErrFramesUnavailable, err)
	}
	// rand.Rand is not safe for concurrent use.
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, err := NewPlan(info.FPS, info.TotalFrames, s.cfg, s.rng)
	return plan, info, err
}

// Extract decodes the planned frames of path in a single ffmpeg pass.
func (s *Sampler) Extract(ctx context.Context, path string, plan Plan) ([]types.SampledFrame, error) {
	if len(plan.Indices) == 0 {
		return nil, fmt.Errorf("%w: no frames selected", types.ErrFramesUnavailable)
	}

	// Decoding stops as soon as the last planned index is read.
	decodeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ffmpeg := utils.NewFrameDecoderCmd(decodeCtx, path)
	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", types.ErrFramesUnavailable, err)
	}

	frames, complete, scanErr := collect(out, plan.Indices)
	if !complete {
		// Drain so ffmpeg can exit on its own before Wait.
		io.Copy(io.Discard, out)
	}
	cancel()
	waitErr := ffmpeg.Wait()

	if err := ctx.Err(); err != nil {
		Release(frames)
		return nil, err
	}
	if scanErr != nil {
		Release(frames)
		return nil, fmt.Errorf("frame scanner failed: %w", scanErr)
	}
	if waitErr != nil && !complete {
		s.log.Warn().Err(waitErr).Str("logs", ffmpeg.Logs()).Msg("ffmpeg exited with error")
	}
	if len(frames) < len(plan.Indices) {
		s.log.Warn().Int("wanted", len(plan.Indices)).Int("decoded", len(frames)).Msg("some planned frames could not be read")
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no frames could be extracted from the video", types.ErrFramesUnavailable)
	}
	return frames, nil
}

// collect splits an MJPEG stream and keeps the frames whose position is in indices (ascending).
// complete reports whether every wanted index was found.
func collect(r io.Reader, indices []int) (frames []types.SampledFrame, complete bool, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	frames = make([]types.SampledFrame, 0, len(indices))
	next := 0
	for idx := 0; scanner.Scan(); idx++ {
		if idx != indices[next] {
			continue
		}
		buf := frameBufferPool.Get().([]byte)
		buf = append(buf[:0], scanner.Bytes()...)
		frames = append(frames, types.SampledFrame{Index: idx, Data: buf})
		next++
		if next == len(indices) {
			return frames, true, nil
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return frames, false, err
	}
	return frames, false, nil
}

// Release returns frame buffers to the pool once the analysis no longer needs them.
func Release(frames []types.SampledFrame) {
	for _, f := range frames {
		frameBufferPool.Put(f.Data[:0])
	}
}
