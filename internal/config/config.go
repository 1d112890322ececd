// Package config loads cronquiles settings from a YAML file, .env files and
// environment variables, in increasing order of precedence.
//
// .env files are loaded before environment overrides are applied:
//
//  1. ENV_FILE (if set, only this file is loaded)
//  2. .env.local
//  3. .env
//
// Variables already present in the process environment are never replaced.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/cronquiles/cronquiles/internal/aggregate"
	"github.com/cronquiles/cronquiles/internal/enrich/gemini"
	"github.com/cronquiles/cronquiles/internal/feed"
	"github.com/cronquiles/cronquiles/internal/logging"
	"github.com/cronquiles/cronquiles/internal/publish"
	"github.com/cronquiles/cronquiles/pkg/pipeline/ratelimit"
	"github.com/cronquiles/cronquiles/pkg/pipeline/worker"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid config")

const (
	DefaultMinInterval       = 300 * time.Millisecond
	DefaultGeminiModel       = "gemini-2.5-flash"
	DefaultGeminiMinInterval = time.Second
	DefaultSchedule          = "@every 6h"
	DefaultMetricsAddr       = ":9090"
)

type Config struct {
	Feeds      []feed.Feed        `yaml:"feeds"`
	Selector   aggregate.Selector `yaml:"selector"`
	Enrichment Enrichment         `yaml:"enrichment"`
	Gemini     Gemini             `yaml:"gemini"`
	Publish    Publish            `yaml:"publish"`
	Serve      Serve              `yaml:"serve"`
	LogLevel   string             `yaml:"log_level"`
}

// Enrichment configures the scheduler, retrier and limiter.
type Enrichment struct {
	Workers        int           `yaml:"workers"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`

	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	BackoffJitter  float64       `yaml:"backoff_jitter"`

	// MinInterval spaces requests to the same host.
	MinInterval time.Duration `yaml:"min_interval"`
	// Intervals overrides MinInterval per host.
	Intervals map[string]time.Duration `yaml:"intervals"`
}

// Gemini configures the optional model fallback. It only runs when APIKey is
// set; the key is read from the environment only.
type Gemini struct {
	APIKey      string        `yaml:"-"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// Enabled reports whether the Gemini pass should run.
func (g Gemini) Enabled() bool {
	return strings.TrimSpace(g.APIKey) != ""
}

type Publish struct {
	Format       string `yaml:"format"`
	Path         string `yaml:"path"`
	CalendarName string `yaml:"calendar_name"`
	// ReportPath, if set, receives a CSV line per record after each run.
	ReportPath string `yaml:"report_path"`
}

type Serve struct {
	Schedule    string `yaml:"schedule"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Selector: aggregate.DefaultSelector(),
		Enrichment: Enrichment{
			Workers:        worker.DefaultWorkers,
			MaxAttempts:    worker.DefaultMaxAttempts,
			RequestTimeout: worker.DefaultRequestTimeout,
			BackoffInitial: worker.DefaultBackoffInitial,
			BackoffMax:     worker.DefaultBackoffMax,
			MinInterval:    DefaultMinInterval,
		},
		Gemini: Gemini{
			Model:       DefaultGeminiModel,
			MinInterval: DefaultGeminiMinInterval,
		},
		Publish: Publish{
			Format:       string(publish.FormatDryRun),
			CalendarName: "Cronquiles",
		},
		Serve: Serve{
			Schedule:    DefaultSchedule,
			MetricsAddr: DefaultMetricsAddr,
		},
		LogLevel: logging.DefaultLevel,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then .env files and environment overrides. The result
// is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := loadEnvFiles(); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env.local: %w", err)
	}
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	e := &cfg.Enrichment
	return errors.Join(
		envInt("WORKERS", &e.Workers),
		envInt("MAX_ATTEMPTS", &e.MaxAttempts),
		envDuration("REQUEST_TIMEOUT", &e.RequestTimeout),
		envDuration("MIN_INTERVAL", &e.MinInterval),
		envFloat("RATE_LIMIT_RPS", &e.RateLimitRPS),
		envString("LOG_LEVEL", &cfg.LogLevel),
		envString("GEMINI_API_KEY", &cfg.Gemini.APIKey),
		envString("GEMINI_MODEL", &cfg.Gemini.Model),
		envString("GEMINI_BASE_URL", &cfg.Gemini.BaseURL),
		envString("PUBLISH_FORMAT", &cfg.Publish.Format),
		envString("PUBLISH_PATH", &cfg.Publish.Path),
		envString("REPORT_PATH", &cfg.Publish.ReportPath),
		envString("SCHEDULE", &cfg.Serve.Schedule),
		envString("METRICS_ADDR", &cfg.Serve.MetricsAddr),
	)
}

// Validate rejects settings that would fail only after work has started.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	for i, f := range c.Feeds {
		if strings.TrimSpace(f.URL) == "" {
			add("feeds[%d] (%s): url is required", i, f.Name)
		}
	}
	if strings.TrimSpace(c.Selector.Domain) == "" {
		add("selector.domain is required")
	}
	if c.Selector.MinLocationLength <= 0 {
		add("selector.min_location_length must be positive, got %d", c.Selector.MinLocationLength)
	}
	seen := make(map[string]string, len(c.Enrichment.Intervals))
	for _, k := range slices.Sorted(maps.Keys(c.Enrichment.Intervals)) {
		norm := intervalKey(k)
		if prev, ok := seen[norm]; ok {
			add("enrichment.intervals: keys %q and %q name the same host", prev, k)
		}
		seen[norm] = k
	}
	if err := c.Enrichment.WorkerOptions().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: enrichment: %w", ErrInvalid, err))
	}
	if _, err := ratelimit.New(c.LimiterOptions()); err != nil {
		errs = append(errs, fmt.Errorf("%w: enrichment: %w", ErrInvalid, err))
	}
	if c.Gemini.Enabled() && strings.TrimSpace(c.Gemini.Model) == "" {
		add("gemini.model is required when GEMINI_API_KEY is set")
	}
	format, err := publish.ParseFormat(c.Publish.Format)
	if err != nil {
		add("publish.format: %v", err)
	} else if format == publish.FormatICS && strings.TrimSpace(c.Publish.Path) == "" {
		add("publish.path is required for format %q", format)
	}
	if _, err := cron.ParseStandard(c.Serve.Schedule); err != nil {
		add("serve.schedule %q: %v", c.Serve.Schedule, err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		add("log_level: %v", err)
	}
	return errors.Join(errs...)
}

// WorkerOptions converts the enrichment settings for the scheduler.
func (e Enrichment) WorkerOptions() worker.Options {
	return worker.Options{
		Workers:           e.Workers,
		MaxAttempts:       e.MaxAttempts,
		RequestTimeout:    e.RequestTimeout,
		RateLimitRPS:      e.RateLimitRPS,
		BackoffInitial:    e.BackoffInitial,
		BackoffMax:        e.BackoffMax,
		BackoffJitterFrac: e.BackoffJitter,
	}
}

// LimiterOptions builds the shared limiter settings, including the Gemini key.
func (c Config) LimiterOptions() ratelimit.Options {
	intervals := make(map[string]time.Duration, len(c.Enrichment.Intervals)+1)
	for k, v := range c.Enrichment.Intervals {
		intervals[intervalKey(k)] = v
	}
	if _, ok := intervals[gemini.TargetKey]; !ok {
		intervals[gemini.TargetKey] = c.Gemini.MinInterval
	}
	return ratelimit.Options{
		Interval:  c.Enrichment.MinInterval,
		Intervals: intervals,
	}
}

// intervalKey matches the limiter's own key normalization.
func intervalKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

// PublishConfig converts the publish settings. Validate must have passed.
func (c Config) PublishConfig() publish.Config {
	format, _ := publish.ParseFormat(c.Publish.Format)
	return publish.Config{
		Format:       format,
		Path:         c.Publish.Path,
		CalendarName: c.Publish.CalendarName,
	}
}
