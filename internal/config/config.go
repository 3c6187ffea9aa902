package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. Values come from defaults, then the YAML file,
// then DEEPSCAN_* environment variables; cobra flags are applied last by the caller.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	MinIO     MinIOConfig     `yaml:"minio"`
	Models    ModelsConfig    `yaml:"models"`
	Sampler   SamplerConfig   `yaml:"sampler"`
	Explain   ExplainConfig   `yaml:"explain"`
	Download  DownloadConfig  `yaml:"download"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	UploadDir      string        `yaml:"upload_dir"`
	MaxUploadMB    int64         `yaml:"max_upload_mb"`
	RateLimit      int           `yaml:"rate_limit"` // upload requests per minute per IP, 0 disables
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	HistoryEntries int           `yaml:"history_entries"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type ModelsConfig struct {
	Python         string        `yaml:"python"`
	WorkerScript   string        `yaml:"worker_script"`
	PoolSize       int           `yaml:"pool_size"`
	WorkerTimeout  time.Duration `yaml:"worker_timeout"`
	ScalerPath     string        `yaml:"scaler_path"`
	FakeClassIndex int           `yaml:"fake_class_index"`
	// AudioFakeClassIndex is the class the audio model reports for synthetic speech.
	AudioFakeClassIndex int `yaml:"audio_fake_class_index"`
}

type SamplerConfig struct {
	FramesPerSecond float64 `yaml:"frames_per_second"`
	MaxFrames       int     `yaml:"max_frames"`
}

type ExplainConfig struct {
	Provider      string        `yaml:"provider"` // "gemini", "ollama" or empty
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	BaseURL       string        `yaml:"base_url"`
	Concurrency   int64         `yaml:"concurrency"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`
	Timeout       time.Duration `yaml:"timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxFileMB     int64         `yaml:"max_file_mb"`
}

type DownloadConfig struct {
	YtDlp         string        `yaml:"yt_dlp"`
	MaxFileMB     int64         `yaml:"max_file_mb"`
	SocketTimeout time.Duration `yaml:"socket_timeout"`
}

type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Default returns the configuration used when no file or environment overrides are present.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Service: "deepscan"},
		Server: ServerConfig{
			Addr:           ":8080",
			UploadDir:      "uploads",
			MaxUploadMB:    200,
			RateLimit:      30,
			ShutdownGrace:  10 * time.Second,
			HistoryEntries: 50,
		},
		Redis: RedisConfig{TTL: 24 * time.Hour},
		Models: ModelsConfig{
			Python:        "python3",
			WorkerScript:  "python/worker.py",
			PoolSize:      1,
			WorkerTimeout: 30 * time.Second,
			ScalerPath:    "models/audio_scaler.json",
		},
		Sampler: SamplerConfig{FramesPerSecond: 5, MaxFrames: 500},
		Explain: ExplainConfig{
			Model:         "gemini-2.5-flash",
			Concurrency:   5,
			MaxAttempts:   3,
			RetryDelay:    2 * time.Second,
			UploadTimeout: 60 * time.Second,
			Timeout:       3 * time.Minute,
			PollInterval:  5 * time.Second,
			MaxFileMB:     25,
		},
		Download: DownloadConfig{
			YtDlp:         "yt-dlp",
			MaxFileMB:     100,
			SocketTimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{ServiceName: "deepscan", SampleRate: 1.0},
	}
}

// Load reads the YAML file at path (optional, "" skips it) over the defaults and applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("DEEPSCAN_LOG_LEVEL", &cfg.Log.Level)
	str("DEEPSCAN_ADDR", &cfg.Server.Addr)
	str("DEEPSCAN_UPLOAD_DIR", &cfg.Server.UploadDir)
	str("DEEPSCAN_DATABASE_URL", &cfg.Database.URL)
	str("DEEPSCAN_REDIS_ADDR", &cfg.Redis.Addr)
	str("DEEPSCAN_REDIS_PASSWORD", &cfg.Redis.Password)
	str("DEEPSCAN_MINIO_ENDPOINT", &cfg.MinIO.Endpoint)
	str("DEEPSCAN_MINIO_ACCESS_KEY", &cfg.MinIO.AccessKey)
	str("DEEPSCAN_MINIO_SECRET_KEY", &cfg.MinIO.SecretKey)
	str("DEEPSCAN_MINIO_BUCKET", &cfg.MinIO.Bucket)
	str("DEEPSCAN_PYTHON", &cfg.Models.Python)
	str("DEEPSCAN_WORKER_SCRIPT", &cfg.Models.WorkerScript)
	str("DEEPSCAN_SCALER_PATH", &cfg.Models.ScalerPath)
	str("DEEPSCAN_EXPLAIN_PROVIDER", &cfg.Explain.Provider)
	str("DEEPSCAN_EXPLAIN_MODEL", &cfg.Explain.Model)
	str("DEEPSCAN_EXPLAIN_BASE_URL", &cfg.Explain.BaseURL)
	str("GEMINI_API_KEY", &cfg.Explain.APIKey)
	str("DEEPSCAN_EXPLAIN_API_KEY", &cfg.Explain.APIKey)
	str("DEEPSCAN_OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)

	if v := os.Getenv("DEEPSCAN_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DEEPSCAN_POOL_SIZE: %w", err)
		}
		cfg.Models.PoolSize = n
	}
	if v := os.Getenv("DEEPSCAN_FAKE_CLASS_INDEX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DEEPSCAN_FAKE_CLASS_INDEX: %w", err)
		}
		cfg.Models.FakeClassIndex = n
	}
	if v := os.Getenv("DEEPSCAN_AUDIO_FAKE_CLASS_INDEX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DEEPSCAN_AUDIO_FAKE_CLASS_INDEX: %w", err)
		}
		cfg.Models.AudioFakeClassIndex = n
	}

	// Same fallback the CLI always had: assemble a DSN from the POSTGRES_* variables.
	if cfg.Database.URL == "" {
		if host := os.Getenv("POSTGRES_HOST"); host != "" {
			port := os.Getenv("POSTGRES_PORT")
			if port == "" {
				port = "5432"
			}
			cfg.Database.URL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
				os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
		}
	}
	return nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Sampler.FramesPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("sampler.frames_per_second must be > 0, got %v", c.Sampler.FramesPerSecond))
	}
	if c.Sampler.MaxFrames < 1 {
		errs = append(errs, fmt.Errorf("sampler.max_frames must be >= 1, got %d", c.Sampler.MaxFrames))
	}
	if c.Models.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("models.pool_size must be >= 1, got %d", c.Models.PoolSize))
	}
	if c.Models.FakeClassIndex < 0 || c.Models.FakeClassIndex > 1 {
		errs = append(errs, fmt.Errorf("models.fake_class_index must be 0 or 1, got %d", c.Models.FakeClassIndex))
	}
	if c.Models.AudioFakeClassIndex < 0 || c.Models.AudioFakeClassIndex > 1 {
		errs = append(errs, fmt.Errorf("models.audio_fake_class_index must be 0 or 1, got %d", c.Models.AudioFakeClassIndex))
	}
	if c.Explain.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("explain.concurrency must be >= 1, got %d", c.Explain.Concurrency))
	}
	if c.Explain.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("explain.max_attempts must be >= 1, got %d", c.Explain.MaxAttempts))
	}
	if c.Explain.UploadTimeout <= 0 || c.Explain.Timeout <= 0 {
		errs = append(errs, errors.New("explain.upload_timeout and explain.timeout must be positive"))
	}
	switch c.Explain.Provider {
	case "", "gemini", "ollama":
	default:
		errs = append(errs, fmt.Errorf("explain.provider %q is not supported", c.Explain.Provider))
	}
	return errors.Join(errs...)
}
