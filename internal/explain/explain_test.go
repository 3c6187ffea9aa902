package explain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
	"google.golang.org/genai"
)

type fakeProvider struct {
	mu       sync.Mutex
	errs     []error // returned in order, then success
	calls    int
	inFlight int32
	maxSeen  int32
	hold     time.Duration
	prompts  []string
	uploaded []string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Upload(_ context.Context, path string) (*RemoteFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, path)
	return &RemoteFile{Name: "files/1", URI: "uri", MIMEType: "video/mp4"}, nil
}

func (f *fakeProvider) Release(context.Context, *RemoteFile) error { return nil }

func (f *fakeProvider) Generate(_ context.Context, prompt string, _ *RemoteFile) (string, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		m := atomic.LoadInt32(&f.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxSeen, m, n) {
			break
		}
	}
	time.Sleep(f.hold)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	i := f.calls
	f.calls++
	if i < len(f.errs) {
		return "", f.errs[i]
	}
	return "* looks fine", nil
}

func newTestExplainer(p Provider, limit int64) *Explainer {
	e := NewExplainer(p, semaphore.NewWeighted(limit), Options{MaxAttempts: 3, RetryDelay: time.Millisecond}, zerolog.Nop(), nil)
	return e
}

func TestExplainRetriesTransient(t *testing.T) {
	dns := &net.DNSError{Err: "no such host", Name: "generativelanguage.googleapis.com"}
	p := &fakeProvider{errs: []error{dns, dns}}

	text, err := newTestExplainer(p, 5).Explain(context.Background(), Request{AnalysisType: "Video Analysis", Verdict: "fake"})
	require.NoError(t, err)
	assert.Equal(t, "* looks fine", text)
	assert.Equal(t, 3, p.calls)
}

func TestExplainGivesUpAfterMaxAttempts(t *testing.T) {
	dns := &net.DNSError{Err: "no such host"}
	p := &fakeProvider{errs: []error{dns, dns, dns, dns}}

	_, err := newTestExplainer(p, 5).Explain(context.Background(), Request{})
	assert.ErrorIs(t, err, types.ErrExplanationService)
	assert.Equal(t, 3, p.calls)
}

func TestExplainDoesNotRetryPermanent(t *testing.T) {
	p := &fakeProvider{errs: []error{genai.APIError{Code: 400, Message: "bad request"}}}

	_, err := newTestExplainer(p, 5).Explain(context.Background(), Request{})
	assert.ErrorIs(t, err, types.ErrExplanationService)
	assert.Equal(t, 1, p.calls)
}

func TestExplainSemaphoreBoundsConcurrency(t *testing.T) {
	p := &fakeProvider{hold: 20 * time.Millisecond}
	e := newTestExplainer(p, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Explain(context.Background(), Request{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&p.maxSeen), int32(2))
	assert.Equal(t, 8, p.calls)
}

func TestExplainStopsOnCancel(t *testing.T) {
	p := &fakeProvider{errs: []error{&net.DNSError{Err: "x"}}}
	e := NewExplainer(p, semaphore.NewWeighted(1), Options{MaxAttempts: 3, RetryDelay: time.Hour}, zerolog.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Explain(ctx, Request{})
	assert.Error(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"dns", fmt.Errorf("wrap: %w", &net.DNSError{Err: "no such host"}), true},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"read", &net.OpError{Op: "read", Err: errors.New("eof")}, false},
		{"gateway value", genai.APIError{Code: 503}, true},
		{"gateway pointer", &genai.APIError{Code: 502}, true},
		{"quota", genai.APIError{Code: 429}, false},
		{"status 504", &StatusError{Code: 504}, true},
		{"status 500", &StatusError{Code: 500}, false},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	img := "aGVsbG8="
	p := BuildPrompt(Request{
		AnalysisType: "Video Analysis",
		Verdict:      "likely fake",
		Data:         map[string]any{"verdict": "likely fake", "result_image": img, "average_confidence": 0.81},
		Context:      "The visual analysis concluded: 'Likely Fake'.",
		SourceURL:    "https://example.com/v",
	})
	assert.Contains(t, p, "Analysis Type: Video Analysis")
	assert.Contains(t, p, `Local Model Verdict: "LIKELY FAKE"`)
	assert.Contains(t, p, `"average_confidence":0.81`)
	assert.NotContains(t, p, img)
	assert.NotContains(t, p, "result_image")
	assert.True(t, strings.HasSuffix(p, "\nOriginal Source URL: https://example.com/v"))
	assert.Contains(t, p, "\nAdditional Context: The visual analysis concluded")
}

func TestBuildPromptOmitsEmptyExtras(t *testing.T) {
	p := BuildPrompt(Request{AnalysisType: "Audio Analysis", Verdict: "REAL"})
	assert.NotContains(t, p, "Additional Context")
	assert.NotContains(t, p, "Original Source URL")
	assert.Contains(t, p, "Local Model Data: {}")
}

func TestUploadSkipsLargeFiles(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small.mp4")
	big := filepath.Join(dir, "big.mp4")
	require.NoError(t, os.WriteFile(small, make([]byte, 10), 0o644))
	require.NoError(t, os.WriteFile(big, make([]byte, 100), 0o644))

	p := &fakeProvider{}
	e := NewExplainer(p, semaphore.NewWeighted(1), Options{MaxFileSize: 50}, zerolog.Nop(), nil)

	f, err := e.Upload(context.Background(), small)
	require.NoError(t, err)
	assert.NotNil(t, f)

	f, err = e.Upload(context.Background(), big)
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.Equal(t, []string{small}, p.uploaded)
	assert.NoError(t, e.Release(context.Background(), nil))
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"m","message":{"role":"assistant","content":"  * eyes blink oddly\n"},"done":true}`)
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{BaseURL: srv.URL, Model: "m"})
	text, err := o.Generate(context.Background(), "prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, "* eyes blink oddly", text)

	f, err := o.Upload(context.Background(), "x.mp4")
	assert.NoError(t, err)
	assert.Nil(t, f)
}

func TestOllamaGatewayErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewOllama(OllamaConfig{BaseURL: srv.URL}).Generate(context.Background(), "p", nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestOllamaPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer srv.Close()
	assert.NoError(t, NewOllama(OllamaConfig{BaseURL: srv.URL}).Ping(context.Background()))
}
