package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Store drivers.
const (
	StoreSupabase = "supabase"
	StoreSQLite   = "sqlite"
)

// Server configures the webhook listener.
type Server struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Worker configures the invoking layer.
type Worker struct {
	MaxWorkers        int `toml:"max_workers"`
	QueueSize         int `toml:"queue_size"`
	JobTimeoutSeconds int `toml:"job_timeout_seconds"`
	MaxAttempts       int `toml:"max_attempts"`
	RetryDelaySeconds int `toml:"retry_delay_seconds"`
}

// Store selects where job records and transcripts are kept.
type Store struct {
	Driver            string `toml:"driver"`
	SQLitePath        string `toml:"sqlite_path"`
	UpsertTranscripts bool   `toml:"upsert_transcripts"`
}

// Supabase holds the project URL, service key and table names.
type Supabase struct {
	URL              string `toml:"url"`
	ServiceKey       string `toml:"service_key"`
	JobsTable        string `toml:"jobs_table"`
	TranscriptsTable string `toml:"transcripts_table"`
}

// ModelWorker configures the model worker connection and model settings.
type ModelWorker struct {
	Address     string `toml:"address"`
	Model       string `toml:"model"`
	Device      string `toml:"device"`
	ComputeType string `toml:"compute_type"`
	BatchSize   int    `toml:"batch_size"`
}

// Diarization holds the credential gating speaker attribution.
type Diarization struct {
	HuggingFaceToken string `toml:"huggingface_token"`
}

// Download configures the audio fetcher.
type Download struct {
	TimeoutSeconds int    `toml:"timeout_seconds"`
	UserAgent      string `toml:"user_agent"`
	TempDir        string `toml:"temp_dir"`
}

// Notify configures the summary trigger.
type Notify struct {
	Enabled        bool   `toml:"enabled"`
	URL            string `toml:"url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Log configures logrus output and file rotation.
type Log struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// FFprobe locates the probe binary.
type FFprobe struct {
	Binary string `toml:"binary"`
}

// Config is the full service configuration.
type Config struct {
	Server      Server      `toml:"server"`
	Worker      Worker      `toml:"worker"`
	Store       Store       `toml:"store"`
	Supabase    Supabase    `toml:"supabase"`
	ModelWorker ModelWorker `toml:"model_worker"`
	Diarization Diarization `toml:"diarization"`
	Download    Download    `toml:"download"`
	Notify      Notify      `toml:"notify"`
	Log         Log         `toml:"log"`
	FFprobe     FFprobe     `toml:"ffprobe"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	return Config{
		Server: Server{Host: "0.0.0.0", Port: 8080},
		Worker: Worker{
			MaxWorkers:        1,
			QueueSize:         32,
			JobTimeoutSeconds: 3600,
			MaxAttempts:       2,
			RetryDelaySeconds: 5,
		},
		Store: Store{Driver: StoreSupabase, SQLitePath: "transcriber.db"},
		Supabase: Supabase{
			JobsTable:        "transcription_jobs",
			TranscriptsTable: "transcripts",
		},
		ModelWorker: ModelWorker{
			Address:     "localhost:50051",
			Model:       "large-v3",
			Device:      "cuda",
			ComputeType: "float16",
			BatchSize:   16,
		},
		Download: Download{TimeoutSeconds: 120, UserAgent: "podscribe-transcriber/1.0"},
		Notify:   Notify{Enabled: true, TimeoutSeconds: 10},
		Log:      Log{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
		FFprobe:  FFprobe{Binary: "ffprobe"},
	}
}

// Load reads an optional TOML file at path, applies environment overrides and validates
// the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("open config: %w", err)
		default:
			defer file.Close()
			decoder := toml.NewDecoder(file)
			decoder.DisallowUnknownFields()
			if err := decoder.Decode(&cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("SUPABASE_URL", &c.Supabase.URL)
	str("SUPABASE_SERVICE_KEY", &c.Supabase.ServiceKey)
	str("HUGGINGFACE_TOKEN", &c.Diarization.HuggingFaceToken)
	str("MODEL_WORKER_ADDR", &c.ModelWorker.Address)
	str("TRANSCRIBER_STORE", &c.Store.Driver)
	str("TRANSCRIBER_SQLITE_PATH", &c.Store.SQLitePath)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	if err := num("PORT", &c.Server.Port); err != nil {
		return err
	}
	return num("WORKER_MAX_WORKERS", &c.Worker.MaxWorkers)
}

func (c *Config) normalize() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Supabase.URL = strings.TrimRight(strings.TrimSpace(c.Supabase.URL), "/")
	c.Diarization.HuggingFaceToken = strings.TrimSpace(c.Diarization.HuggingFaceToken)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port must be between 1 and 65535")
	}
	if c.Worker.MaxWorkers <= 0 {
		add("worker.max_workers must be positive")
	}
	if c.Worker.QueueSize < 0 {
		add("worker.queue_size must not be negative")
	}
	if c.Worker.JobTimeoutSeconds <= 0 {
		add("worker.job_timeout_seconds must be positive")
	}
	if c.Worker.MaxAttempts <= 0 {
		add("worker.max_attempts must be positive")
	}

	switch c.Store.Driver {
	case StoreSupabase:
		if c.Supabase.URL == "" {
			add("supabase.url (SUPABASE_URL) is required for the supabase store")
		}
		if c.Supabase.ServiceKey == "" {
			add("supabase.service_key (SUPABASE_SERVICE_KEY) is required for the supabase store")
		}
	case StoreSQLite:
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			add("store.sqlite_path is required for the sqlite store")
		}
	default:
		add("store.driver must be %q or %q, got %q", StoreSupabase, StoreSQLite, c.Store.Driver)
	}

	if c.ModelWorker.Address == "" {
		add("model_worker.address is required")
	}
	if c.ModelWorker.Model == "" {
		add("model_worker.model is required")
	}
	if c.ModelWorker.BatchSize <= 0 {
		add("model_worker.batch_size must be positive")
	}
	if c.Download.TimeoutSeconds <= 0 {
		add("download.timeout_seconds must be positive")
	}
	if c.Notify.Enabled && c.Notify.URL == "" && c.Supabase.URL == "" {
		add("notify.url or supabase.url is required when notify is enabled")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		add("log.format must be json or text")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Address returns the listen address for the webhook server.
func (s Server) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// JobTimeout returns the per-attempt timeout.
func (w Worker) JobTimeout() time.Duration {
	return time.Duration(w.JobTimeoutSeconds) * time.Second
}

// RetryDelay returns the pause between attempts.
func (w Worker) RetryDelay() time.Duration {
	return time.Duration(w.RetryDelaySeconds) * time.Second
}

// Timeout returns the download bound.
func (d Download) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Timeout returns the summary trigger bound.
func (n Notify) Timeout() time.Duration {
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// DiarizationEnabled reports whether a diarization credential is configured.
func (c *Config) DiarizationEnabled() bool {
	return c.Diarization.HuggingFaceToken != ""
}
