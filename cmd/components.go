package cmd

import (
	"context"
	"fmt"

	"github.com/andresmejia3/deepscan/internal/annotate"
	"github.com/andresmejia3/deepscan/internal/audio"
	"github.com/andresmejia3/deepscan/internal/cache"
	"github.com/andresmejia3/deepscan/internal/config"
	"github.com/andresmejia3/deepscan/internal/explain"
	"github.com/andresmejia3/deepscan/internal/faces"
	dlog "github.com/andresmejia3/deepscan/internal/log"
	"github.com/andresmejia3/deepscan/internal/metrics"
	"github.com/andresmejia3/deepscan/internal/models"
	"github.com/andresmejia3/deepscan/internal/pipeline"
	"github.com/andresmejia3/deepscan/internal/sampler"
	"github.com/andresmejia3/deepscan/internal/worker"
	"golang.org/x/sync/semaphore"
)

// components is the analysis stack shared by scan and serve. Models and the explanation
// semaphore are created once here and injected everywhere.
type components struct {
	Orchestrator *pipeline.Orchestrator
	Explainer    *explain.Explainer
	Cache        *cache.ResultCache
	pool         *worker.Pool
}

// buildComponents starts the model workers and wires the pipeline. m may be nil.
func buildComponents(ctx context.Context, cfg *config.Config, m *metrics.Collector, useCache bool) (*components, error) {
	log := dlog.WithComponent("setup")

	pool, err := worker.NewProcessPool(ctx, cfg.Models.PoolSize, worker.Options{
		Python:  cfg.Models.Python,
		Script:  cfg.Models.WorkerScript,
		Timeout: cfg.Models.WorkerTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start model workers: %w", err)
	}
	c := &components{pool: pool}
	registry := models.NewRegistry(pool)

	scaler, err := models.LoadScaler(cfg.Models.ScalerPath)
	if err != nil {
		log.Warn().Err(err).Msg("audio scaler unavailable, audio verdicts will be Analysis Error")
		scaler = nil
	}

	deps := pipeline.Deps{
		Frames: sampler.New(sampler.Config{
			FramesPerSecond: cfg.Sampler.FramesPerSecond,
			MaxFrames:       cfg.Sampler.MaxFrames,
		}, nil, dlog.WithComponent("sampler")),
		Scorer:    faces.NewScorer(registry, registry, cfg.Models.FakeClassIndex),
		Audio:     audio.NewAnalyzer(registry, scaler, cfg.Models.AudioFakeClassIndex, dlog.WithComponent("audio")),
		Annotator: annotate.New(registry, nil),
		Log:       dlog.WithComponent("pipeline"),
	}
	if m != nil {
		deps.Metrics = m
	}
	if DB != nil {
		deps.History = DB
	}

	var rec explain.Recorder
	if m != nil {
		rec = m
	}
	ex, err := newExplainer(ctx, cfg, rec)
	if err != nil {
		c.Close()
		return nil, err
	}
	if ex != nil {
		c.Explainer = ex
		deps.Explainer = ex
		log.Info().Str("provider", ex.ProviderName()).Int64("concurrency", cfg.Explain.Concurrency).Msg("explanations enabled")
	}

	if useCache && cfg.Redis.Addr != "" {
		rc, err := cache.New(ctx, cache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}, dlog.WithComponent("cache"))
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("result cache unavailable, continuing without it")
		} else {
			c.Cache = rc
			deps.Cache = rc
		}
	}

	c.Orchestrator = pipeline.New(deps, pipeline.Options{
		UploadTimeout:      cfg.Explain.UploadTimeout,
		ExplanationTimeout: cfg.Explain.Timeout,
	})
	return c, nil
}

// newExplainer returns nil when no provider is configured.
func newExplainer(ctx context.Context, cfg *config.Config, rec explain.Recorder) (*explain.Explainer, error) {
	var p explain.Provider
	switch cfg.Explain.Provider {
	case "":
		return nil, nil
	case "gemini":
		g, err := explain.NewGemini(ctx, explain.GeminiConfig{
			APIKey:       cfg.Explain.APIKey,
			Model:        cfg.Explain.Model,
			PollInterval: cfg.Explain.PollInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure Gemini: %w", err)
		}
		p = g
	case "ollama":
		p = explain.NewOllama(explain.OllamaConfig{
			BaseURL: cfg.Explain.BaseURL,
			Model:   cfg.Explain.Model,
			Timeout: cfg.Explain.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown explanation provider %q (want gemini or ollama)", cfg.Explain.Provider)
	}

	// One semaphore for the whole process: every stream and one-shot analysis shares it.
	sem := semaphore.NewWeighted(cfg.Explain.Concurrency)
	return explain.NewExplainer(p, sem, explain.Options{
		MaxAttempts: cfg.Explain.MaxAttempts,
		RetryDelay:  cfg.Explain.RetryDelay,
		MaxFileSize: cfg.Explain.MaxFileMB << 20,
	}, dlog.WithComponent("explain"), rec), nil
}

// Close waits for background cleanups and stops the workers.
func (c *components) Close() {
	if c.Orchestrator != nil {
		c.Orchestrator.Wait()
	}
	if c.Cache != nil {
		c.Cache.Close()
	}
	c.pool.Close()
}
