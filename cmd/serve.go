package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/andresmejia3/deepscan/internal/api"
	dlog "github.com/andresmejia3/deepscan/internal/log"
	"github.com/andresmejia3/deepscan/internal/media"
	"github.com/andresmejia3/deepscan/internal/metrics"
	"github.com/andresmejia3/deepscan/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the analysis API (SSE video streams, image and audio checks)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveAddr != "" {
			Cfg.Server.Addr = serveAddr
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address (overrides config, default :8080)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	cfg := Cfg
	log := dlog.WithComponent("server")

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("failed to flush traces")
		}
	}()

	m := metrics.New(prometheus.DefaultRegisterer)

	comps, err := buildComponents(ctx, cfg, m, true)
	if err != nil {
		return err
	}
	defer comps.Close()

	local, err := media.NewLocal(cfg.Server.UploadDir)
	if err != nil {
		return err
	}

	deps := api.Deps{
		Analyzer: comps.Orchestrator,
		Local:    local,
		Downloader: media.NewDownloader(media.DownloaderConfig{
			Binary:        cfg.Download.YtDlp,
			MaxFileMB:     cfg.Download.MaxFileMB,
			SocketTimeout: cfg.Download.SocketTimeout,
		}, local),
		Metrics: m,
		Log:     log,
	}
	if DB != nil {
		deps.History = DB
		deps.Health = append(deps.Health, api.HealthCheck{Name: "postgres", Check: DB.Ping})
	}
	if comps.Cache != nil {
		deps.Health = append(deps.Health, api.HealthCheck{Name: "redis", Check: comps.Cache.HealthCheck})
	}
	if cfg.MinIO.Endpoint != "" {
		objects, err := media.NewObjectStore(media.ObjectConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
			Region:    "us-east-1",
		}, local)
		if err != nil {
			return err
		}
		deps.Objects = objects
		deps.Health = append(deps.Health, api.HealthCheck{Name: "minio", Check: objects.Ping})
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.New(deps, api.Options{
			MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
			RateLimit:      cfg.Server.RateLimit,
			HistoryLimit:   cfg.Server.HistoryEntries,
		}).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Dur("grace", cfg.Server.ShutdownGrace).Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("forced shutdown, open streams were cut")
		srv.Close()
	}
	return nil
}
