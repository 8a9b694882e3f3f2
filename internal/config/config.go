// Package config loads the runner configuration.
//
// Layers, later ones winning: built-in defaults, the YAML file, a .env file,
// CAPTIONER_* environment variables, then flags the user set explicitly.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/aceteam-ai/captioner/internal/sink"
)

const (
	// DefaultFile is read when --config is not given and the file exists
	DefaultFile = "captioner.yaml"

	// EnvPrefix prefixes every environment variable
	EnvPrefix = "CAPTIONER_"
)

// Config is the complete runner configuration.
type Config struct {
	// DatasetRoot holds jsons/ and json_detail/
	DatasetRoot string `yaml:"dataset_root" env:"DATASET_ROOT"`

	// ImageRoot is where image ids resolve (default: DatasetRoot)
	ImageRoot string `yaml:"image_root" env:"IMAGE_ROOT"`

	// Output is a directory or an s3://bucket/prefix URI
	Output string `yaml:"output" env:"OUTPUT"`

	Checkpoint string `yaml:"checkpoint" env:"CHECKPOINT"`

	// Ledger is the SQLite result ledger; empty disables it
	Ledger string `yaml:"ledger" env:"LEDGER"`

	// Workers is the device count; 0 detects GPUs
	Workers            int           `yaml:"workers" env:"WORKERS"`
	BatchSize          int           `yaml:"batch_size" env:"BATCH_SIZE"`
	MaxRetries         int           `yaml:"max_retries" env:"MAX_RETRIES"`
	CheckpointInterval int           `yaml:"checkpoint_interval" env:"CHECKPOINT_INTERVAL"`
	QueueCapacity      int           `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	JoinTimeout        time.Duration `yaml:"join_timeout" env:"JOIN_TIMEOUT"`
	MonitorInterval    time.Duration `yaml:"monitor_interval" env:"MONITOR_INTERVAL"`

	LogLevel   string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat  string `yaml:"log_format" env:"LOG_FORMAT"`
	NoProgress bool   `yaml:"no_progress" env:"NO_PROGRESS"`

	Annotator AnnotatorConfig `yaml:"annotator" envPrefix:"ANNOTATOR_"`
	S3        sink.S3Config   `yaml:"s3" envPrefix:"S3_"`
	Redis     RedisConfig     `yaml:"redis" envPrefix:"REDIS_"`
}

// AnnotatorConfig configures the Ollama annotator.
type AnnotatorConfig struct {
	Endpoints []string      `yaml:"endpoints" env:"ENDPOINTS" envSeparator:","`
	Model     string        `yaml:"model" env:"MODEL"`
	Prompt    string        `yaml:"prompt" env:"PROMPT"`
	MaxTokens int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	KeepAlive string        `yaml:"keep_alive" env:"KEEP_ALIVE"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RedisConfig configures progress publishing. An empty URL disables it.
type RedisConfig struct {
	URL              string        `yaml:"url" env:"URL"`
	Password         string        `yaml:"password" env:"PASSWORD"`
	Channel          string        `yaml:"channel" env:"CHANNEL"`
	ProgressInterval time.Duration `yaml:"progress_interval" env:"PROGRESS_INTERVAL"`
	SyncInterval     time.Duration `yaml:"sync_interval" env:"SYNC_INTERVAL"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DatasetRoot:        ".",
		Output:             "captions",
		Checkpoint:         "checkpoint.json",
		Ledger:             "captioner.db",
		BatchSize:          8,
		MaxRetries:         3,
		CheckpointInterval: 1000,
		QueueCapacity:      1000,
		JoinTimeout:        10 * time.Second,
		MonitorInterval:    30 * time.Second,
		LogLevel:           "info",
		LogFormat:          "text",
		Annotator: AnnotatorConfig{
			Endpoints: []string{"http://localhost:11434"},
			Model:     "llava:7b",
			MaxTokens: 100,
			KeepAlive: "30m",
			Timeout:   5 * time.Minute,
		},
		Redis: RedisConfig{
			ProgressInterval: time.Second,
			SyncInterval:     60 * time.Second,
		},
	}
}

// Load builds the configuration from the file, .env and environment layers.
// path may be empty, in which case DefaultFile is used if present.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	// .env never overrides variables already in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// RegisterFlags defines the run flags on fs with the built-in defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("dataset", d.DatasetRoot, "Dataset root holding jsons/ and json_detail/")
	fs.String("images", "", "Image root (default: dataset root)")
	fs.String("output", d.Output, "Caption output directory or s3://bucket/prefix")
	fs.String("checkpoint", d.Checkpoint, "Checkpoint file")
	fs.String("ledger", d.Ledger, "SQLite result ledger (empty disables)")
	fs.IntP("workers", "w", d.Workers, "Number of devices (0 detects GPUs)")
	fs.IntP("batch-size", "b", d.BatchSize, "Images per batch")
	fs.Int("max-retries", d.MaxRetries, "Attempts per image")
	fs.Int("checkpoint-interval", d.CheckpointInterval, "Results between checkpoints")
	fs.Duration("join-timeout", d.JoinTimeout, "How long to wait for workers after stop")
	fs.StringSlice("endpoint", d.Annotator.Endpoints, "Ollama endpoint(s), assigned to devices round-robin")
	fs.String("model", d.Annotator.Model, "Vision model name")
	fs.String("redis-url", "", "Publish progress to this Redis URL")
	fs.Bool("no-progress", false, "Disable the progress bar")
}

// ApplyFlags copies flags the user set explicitly onto c.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var errs []error
	fs.Visit(func(f *pflag.Flag) {
		var err error
		switch f.Name {
		case "dataset":
			c.DatasetRoot = f.Value.String()
		case "images":
			c.ImageRoot = f.Value.String()
		case "output":
			c.Output = f.Value.String()
		case "checkpoint":
			c.Checkpoint = f.Value.String()
		case "ledger":
			c.Ledger = f.Value.String()
		case "workers":
			c.Workers, err = fs.GetInt(f.Name)
		case "batch-size":
			c.BatchSize, err = fs.GetInt(f.Name)
		case "max-retries":
			c.MaxRetries, err = fs.GetInt(f.Name)
		case "checkpoint-interval":
			c.CheckpointInterval, err = fs.GetInt(f.Name)
		case "join-timeout":
			c.JoinTimeout, err = fs.GetDuration(f.Name)
		case "endpoint":
			c.Annotator.Endpoints, err = fs.GetStringSlice(f.Name)
		case "model":
			c.Annotator.Model = f.Value.String()
		case "redis-url":
			c.Redis.URL = f.Value.String()
		case "no-progress":
			c.NoProgress, err = fs.GetBool(f.Name)
		case "log-level":
			c.LogLevel = f.Value.String()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("flag --%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// Validate rejects configurations the runner cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatasetRoot) == "" {
		errs = append(errs, errors.New("dataset_root must be set"))
	}
	if strings.TrimSpace(c.Output) == "" {
		errs = append(errs, errors.New("output must be set"))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must be >= 0 (0 detects GPUs), got %d", c.Workers))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be > 0, got %d", c.BatchSize))
	}
	if c.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("max_retries must be > 0, got %d", c.MaxRetries))
	}
	if c.CheckpointInterval <= 0 {
		errs = append(errs, fmt.Errorf("checkpoint_interval must be > 0, got %d", c.CheckpointInterval))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("queue_capacity must be > 0, got %d", c.QueueCapacity))
	}
	if len(c.Annotator.Endpoints) == 0 {
		errs = append(errs, errors.New("annotator.endpoints must list at least one endpoint"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ResolvedImageRoot returns ImageRoot, falling back to DatasetRoot.
func (c *Config) ResolvedImageRoot() string {
	if c.ImageRoot != "" {
		return c.ImageRoot
	}
	return c.DatasetRoot
}
