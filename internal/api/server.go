// Package api serves the analysis pipeline over HTTP. Video analyses are streamed as
// server-sent events; image and audio analyses answer with a single JSON document.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/andresmejia3/deepscan/internal/media"
	"github.com/andresmejia3/deepscan/internal/pipeline"
	"github.com/andresmejia3/deepscan/internal/store"
	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Analyzer is the part of pipeline.Orchestrator the API drives.
type Analyzer interface {
	Stream(ctx context.Context, req pipeline.Request) <-chan types.StreamEvent
	AnalyzeImage(ctx context.Context, req pipeline.Request) (*pipeline.ImageResult, error)
	AnalyzeAudio(ctx context.Context, req pipeline.Request) (*pipeline.AudioResult, error)
}

type Downloader interface {
	Download(ctx context.Context, url string, kind media.Kind) (path, filename string, err error)
}

type ObjectFetcher interface {
	Fetch(ctx context.Context, key string, maxBytes int64) (path, filename string, err error)
}

type HistoryLister interface {
	List(ctx context.Context, source string, limit int) ([]store.Entry, error)
}

// Recorder receives HTTP measurements; metrics.Collector implements it.
type Recorder interface {
	HTTPRequest(route string, code int)
	StreamOpened()
	StreamClosed()
}

type nopRecorder struct{}

func (nopRecorder) HTTPRequest(string, int) {}
func (nopRecorder) StreamOpened()           {}
func (nopRecorder) StreamClosed()           {}

// HealthCheck is a named dependency probe for /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps wires the server. Downloader, Objects, History, Metrics and MetricsHandler are optional.
type Deps struct {
	Analyzer       Analyzer
	Local          *media.Local
	Downloader     Downloader
	Objects        ObjectFetcher
	History        HistoryLister
	Metrics        Recorder
	MetricsHandler http.Handler
	Health         []HealthCheck
	Log            zerolog.Logger
}

type Options struct {
	MaxUploadBytes int64
	RateLimit      int // upload requests per minute per IP, 0 disables
	HistoryLimit   int
}

type Server struct {
	deps Deps
	opts Options
	log  zerolog.Logger
}

func New(deps Deps, opts Options) *Server {
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if deps.MetricsHandler == nil {
		deps.MetricsHandler = promhttp.Handler()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = store.DefaultListLimit
	}
	return &Server{deps: deps, opts: opts, log: deps.Log}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.deps.MetricsHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/history", s.handleHistory)
		r.Get("/videos/{taskID}/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			if s.opts.RateLimit > 0 {
				r.Use(rateLimit(s.opts.RateLimit, time.Minute))
			}
			r.Post("/videos", s.handleUpload)
			r.Post("/videos/url", s.handleURL)
			r.Post("/videos/object", s.handleObject)
			r.Post("/videos/recorded", s.handleRecorded)
			r.Post("/images", s.handleImage)
			r.Post("/audio", s.handleAudio)
		})
	})
	return r
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
		}),
	)
}

// accessLog logs every request and counts it by route pattern.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.deps.Metrics.HTTPRequest(route, status)
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.deps.Health))
	for _, hc := range s.deps.Health {
		if err := hc.Check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[hc.Name] = err.Error()
			continue
		}
		checks[hc.Name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
