package main

import (
	"fmt"
	"time"

	"github.com/cronquiles/cronquiles/internal/config"
	"github.com/cronquiles/cronquiles/internal/logging"
	"github.com/cronquiles/cronquiles/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// flags holds command-line overrides. A flag only applies when set explicitly.
type flags struct {
	configPath     string
	logLevel       string
	workers        int
	maxAttempts    int
	requestTimeout time.Duration
	minInterval    time.Duration
	rateLimitRPS   float64
	publishFormat  string
	output         string
	report         string
	dryRun         bool
}

func newRootCommand() *cobra.Command {
	return buildRoot(&flags{})
}

func buildRoot(f *flags) *cobra.Command {
	root := &cobra.Command{
		Use:           "cronquiles",
		Short:         "Aggregate tech community calendars and fill in missing venues",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "YAML config file")
	pf.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error (env: LOG_LEVEL)")
	pf.IntVar(&f.workers, "workers", 0, "Concurrent enrichment workers (env: WORKERS)")
	pf.IntVar(&f.maxAttempts, "max-attempts", 0, "Attempts per record, first included (env: MAX_ATTEMPTS)")
	pf.DurationVar(&f.requestTimeout, "request-timeout", 0, "Per-attempt timeout (env: REQUEST_TIMEOUT)")
	pf.DurationVar(&f.minInterval, "min-interval", 0, "Minimum spacing between requests to one host (env: MIN_INTERVAL)")
	pf.Float64Var(&f.rateLimitRPS, "rate-limit-rps", 0, "Global request rate limit, 0 disables (env: RATE_LIMIT_RPS)")
	pf.StringVar(&f.publishFormat, "format", "", "Publish format: dry-run or ics (env: PUBLISH_FORMAT)")
	pf.StringVarP(&f.output, "output", "o", "", "Output path for the ics format (env: PUBLISH_PATH)")
	pf.StringVar(&f.report, "report", "", "Write a per-record CSV report to this path (env: REPORT_PATH)")
	pf.BoolVar(&f.dryRun, "dry-run", false, "Log what would be published instead of writing it")

	root.AddCommand(newSyncCommand(f), newServeCommand(f), newVersionCommand())
	return root
}

// load builds the effective config: file, env, then explicit flags.
func (f *flags) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}

	changed := cmd.Flags().Changed
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("workers") {
		cfg.Enrichment.Workers = f.workers
	}
	if changed("max-attempts") {
		cfg.Enrichment.MaxAttempts = f.maxAttempts
	}
	if changed("request-timeout") {
		cfg.Enrichment.RequestTimeout = f.requestTimeout
	}
	if changed("min-interval") {
		cfg.Enrichment.MinInterval = f.minInterval
	}
	if changed("rate-limit-rps") {
		cfg.Enrichment.RateLimitRPS = f.rateLimitRPS
	}
	if changed("format") {
		cfg.Publish.Format = f.publishFormat
	}
	if changed("output") {
		cfg.Publish.Path = f.output
	}
	if changed("report") {
		cfg.Publish.ReportPath = f.report
	}
	if f.dryRun {
		cfg.Publish.Format = "dry-run"
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return logger.With(zap.String("version", version.Current)), nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cronquiles %s (%s)\n", version.Current, version.Commit)
		},
	}
}
