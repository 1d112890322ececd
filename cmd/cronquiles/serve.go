package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cronquiles/cronquiles/internal/app"
	"github.com/cronquiles/cronquiles/internal/config"
	"github.com/cronquiles/cronquiles/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(f *flags) *cobra.Command {
	var runNow bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run sync on a cron schedule and expose /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()
			return serve(cmd.Context(), cfg, logger, runNow)
		},
	}
	cmd.Flags().BoolVar(&runNow, "run-now", true, "Run one sync immediately on startup")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger, runNow bool) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	runOnce := func() {
		if _, err := app.Run(ctx, cfg, app.Deps{Logger: logger, Metrics: m}); err != nil {
			logger.Error("sync run failed", zap.Error(err))
		}
	}

	// One wrapped job shared by the schedule and the startup run, so the two
	// never overlap.
	cronLog := cronLogger{logger.Sugar()}
	job := cron.NewChain(
		cron.Recover(cronLog),
		cron.SkipIfStillRunning(cronLog),
	).Then(cron.FuncJob(runOnce))

	c := cron.New(cron.WithLogger(cronLog))
	if _, err := c.AddJob(cfg.Serve.Schedule, job); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	srv := &http.Server{
		Addr:              cfg.Serve.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	c.Start()
	logger.Info("scheduler started", zap.String("schedule", cfg.Serve.Schedule))
	var startup sync.WaitGroup
	if runNow {
		startup.Add(1)
		go func() {
			defer startup.Done()
			job.Run()
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("metrics server failed", zap.Error(runErr))
	}

	// Wait for a running sync; it sees the cancelled ctx and stops early.
	<-c.Stop().Done()
	startup.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
