// Package explain asks a generative model for a human-readable justification of a verdict.
// Providers are opaque and may be unavailable; callers always get a string back through
// the Explainer and decide how to surface failures.
package explain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// RemoteFile is media held by a provider on our behalf.
type RemoteFile struct {
	Name     string
	URI      string
	MIMEType string
}

// Provider is a generative-AI backend.
type Provider interface {
	Name() string
	// Upload stores media for later prompts. Providers without media support return nil, nil.
	Upload(ctx context.Context, path string) (*RemoteFile, error)
	Generate(ctx context.Context, prompt string, file *RemoteFile) (string, error)
	Release(ctx context.Context, file *RemoteFile) error
}

// Request describes one explanation.
type Request struct {
	AnalysisType string // "Video Analysis", "Audio Analysis", ...
	Verdict      string
	Data         map[string]any // result data, images already stripped
	Context      string
	SourceURL    string
	File         *RemoteFile
}

// Options tunes retries and limits.
type Options struct {
	MaxAttempts int           // total attempts per request, default 3
	RetryDelay  time.Duration // fixed backoff between attempts, default 2s
	MaxFileSize int64         // larger media is not uploaded, default 25 MB
}

// Recorder receives explanation outcomes; metrics.Collector implements it.
type Recorder interface {
	ExplanationAttempt(provider, outcome string)
	SemaphoreWait(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ExplanationAttempt(string, string) {}
func (nopRecorder) SemaphoreWait(time.Duration)       {}

// Explainer wraps a Provider with the process-wide concurrency limit and the retry policy.
// The semaphore is shared by every request in the process and held for one attempt at a time.
type Explainer struct {
	provider Provider
	sem      *semaphore.Weighted
	opts     Options
	log      zerolog.Logger
	rec      Recorder
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewExplainer(p Provider, sem *semaphore.Weighted, opts Options, log zerolog.Logger, rec Recorder) *Explainer {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 25 << 20
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Explainer{provider: p, sem: sem, opts: opts, log: log, rec: rec, sleep: sleepCtx}
}

func (e *Explainer) ProviderName() string { return e.provider.Name() }

// Upload sends the media file to the provider unless it exceeds the size limit, in which case
// it returns nil and the explanation falls back to text only.
func (e *Explainer) Upload(ctx context.Context, path string) (*RemoteFile, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if st.Size() >= e.opts.MaxFileSize {
		e.log.Info().Int64("size", st.Size()).Msg("media too large to attach, explaining from data only")
		return nil, nil
	}
	f, err := e.provider.Upload(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: upload: %v", types.ErrExplanationService, err)
	}
	return f, nil
}

// Release frees a remote file. A nil file is a no-op.
func (e *Explainer) Release(ctx context.Context, f *RemoteFile) error {
	if f == nil {
		return nil
	}
	return e.provider.Release(ctx, f)
}

// Explain generates the explanation for req. Transient network failures are retried with a
// fixed delay; anything else fails immediately.
func (e *Explainer) Explain(ctx context.Context, req Request) (string, error) {
	prompt := BuildPrompt(req)

	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		text, err := e.attempt(ctx, prompt, req.File)
		if err == nil {
			e.rec.ExplanationAttempt(e.provider.Name(), "ok")
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if !IsTransient(err) || attempt == e.opts.MaxAttempts {
			e.rec.ExplanationAttempt(e.provider.Name(), "failed")
			break
		}
		e.rec.ExplanationAttempt(e.provider.Name(), "retry")
		e.log.Warn().Err(err).Int("attempt", attempt).Int("max", e.opts.MaxAttempts).
			Dur("delay", e.opts.RetryDelay).Msg("explanation service unreachable, retrying")
		if err := e.sleep(ctx, e.opts.RetryDelay); err != nil {
			lastErr = err
			break
		}
	}
	return "", fmt.Errorf("%w: %v", types.ErrExplanationService, lastErr)
}

func (e *Explainer) attempt(ctx context.Context, prompt string, f *RemoteFile) (string, error) {
	start := time.Now()
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer e.sem.Release(1)
	e.rec.SemaphoreWait(time.Since(start))

	return e.provider.Generate(ctx, prompt, f)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StatusError is an HTTP failure from a provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// IsTransient reports whether err is a connectivity problem worth retrying:
// DNS failures, refused or reset connections, network timeouts and gateway errors.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return isGatewayStatus(statusErr.Code)
	}
	if code, ok := apiErrorCode(err); ok {
		return isGatewayStatus(code)
	}
	return false
}

func isGatewayStatus(code int) bool {
	return code == 502 || code == 503 || code == 504
}

const promptTemplate = `You are an AI assistant specializing in digital media analysis. Your goal is to explain a verdict from a local model.

Your task is to generate a bullet-point list explaining the verdict.
- Base your explanation ONLY on the contents of the provided media/text.
- Reference specific, observable details (e.g., "unnatural lighting on the face," "robotic tone in the voice").
- Do not repeat the confidence scores or percentages.
- Do not add any introductory or concluding sentences.
- Your final output must be ONLY the bullet points, with each point on a new line starting with a '*' character.

--- EXAMPLES of desired output style ---
- For a FAKE image, you might say:
* The lighting on the face does not match the reflections in the background.
* There are blurring artifacts around the jawline.
- For a FAKE audio, you might say:
* A slight metallic or robotic tone can be heard.
* The speaker's breathing patterns sound unnatural.
- For a REAL video, you might say:
* The lip movements sync naturally with the audio.
* Shadows and lighting appear consistent across the scene.
--- END OF EXAMPLES ---

Now, provide your analysis for the following:

Analysis Type: %s
Local Model Verdict: "%s"
Local Model Data: %s
`

// BuildPrompt renders the explanation prompt. Image payloads never reach the prompt.
func BuildPrompt(req Request) string {
	data := make(map[string]any, len(req.Data))
	for k, v := range req.Data {
		if k == "result_image" || k == "waveform_image" {
			continue
		}
		data[k] = v
	}
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte("{}")
	}

	var b strings.Builder
	fmt.Fprintf(&b, promptTemplate, req.AnalysisType, strings.ToUpper(req.Verdict), raw)
	if req.Context != "" {
		fmt.Fprintf(&b, "\nAdditional Context: %s", req.Context)
	}
	if req.SourceURL != "" {
		fmt.Fprintf(&b, "\nOriginal Source URL: %s", req.SourceURL)
	}
	return b.String()
}
