package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the mlpipe server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Pipeline PipelineConfig
	Jobs     JobsConfig
	Auth     AuthConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// PipelineConfig describes the external pipeline CLI jobs shell out to.
type PipelineConfig struct {
	// Command is the pipeline executable, e.g. "kedro".
	Command string
	// ProjectDir is the working directory the command runs in.
	ProjectDir string
	// ExecTimeout bounds a single pipeline run.
	ExecTimeout time.Duration
	// Catalog is the set of runnable pipeline names. Empty means submissions
	// may name any pipeline.
	Catalog []string
}

// JobsConfig tunes the worker pool and the dispatch queue.
type JobsConfig struct {
	Workers       int
	QueueCapacity int
	// Backpressure is "block" or "reject".
	Backpressure string
	// EnqueueTimeout bounds how long a blocked submission waits for queue
	// space; non-positive means no deadline.
	EnqueueTimeout time.Duration
}

type AuthConfig struct {
	RateLimitPerMinute int
	// BootstrapAPIKey seeds the first admin key when the api_keys table is
	// empty. Optional.
	BootstrapAPIKey string
}

// Load reads configuration from environment variables and returns a validated Config.
// A .env file in the working directory is loaded first if present.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("MLPIPE_PORT", 8080),
			Env:  envString("MLPIPE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Pipeline: PipelineConfig{
			Command:     envString("PIPELINE_COMMAND", "kedro"),
			ProjectDir:  os.Getenv("PIPELINE_PROJECT_DIR"),
			ExecTimeout: envDuration("PIPELINE_EXEC_TIMEOUT", 30*time.Minute),
			Catalog:     envList("PIPELINE_CATALOG"),
		},
		Jobs: JobsConfig{
			Workers:        envInt("JOBS_WORKERS", 2),
			QueueCapacity:  envInt("JOBS_QUEUE_CAPACITY", 64),
			Backpressure:   envString("JOBS_BACKPRESSURE", "block"),
			EnqueueTimeout: envDuration("JOBS_ENQUEUE_TIMEOUT", 5*time.Second),
		},
		Auth: AuthConfig{
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
			BootstrapAPIKey:    os.Getenv("BOOTSTRAP_API_KEY"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Pipeline.Command == "" {
		return fmt.Errorf("PIPELINE_COMMAND must not be empty")
	}
	if c.Pipeline.ProjectDir == "" {
		return fmt.Errorf("PIPELINE_PROJECT_DIR is required")
	}
	if c.Pipeline.ExecTimeout <= 0 {
		return fmt.Errorf("PIPELINE_EXEC_TIMEOUT must be positive")
	}

	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("JOBS_WORKERS must be positive, got %d", c.Jobs.Workers)
	}
	if c.Jobs.QueueCapacity <= 0 {
		return fmt.Errorf("JOBS_QUEUE_CAPACITY must be positive, got %d", c.Jobs.QueueCapacity)
	}
	if c.Jobs.Backpressure != "block" && c.Jobs.Backpressure != "reject" {
		return fmt.Errorf("JOBS_BACKPRESSURE must be block or reject, got %q", c.Jobs.Backpressure)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envList splits a comma-separated variable, trimming whitespace and dropping
// empty entries.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
