// Package app wires feed ingestion, enrichment and publishing into one sync run.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cronquiles/cronquiles/internal/aggregate"
	"github.com/cronquiles/cronquiles/internal/config"
	"github.com/cronquiles/cronquiles/internal/enrich/gemini"
	"github.com/cronquiles/cronquiles/internal/enrich/meetup"
	"github.com/cronquiles/cronquiles/internal/feed"
	"github.com/cronquiles/cronquiles/internal/httpx"
	"github.com/cronquiles/cronquiles/internal/metrics"
	"github.com/cronquiles/cronquiles/internal/publish"
	"github.com/cronquiles/cronquiles/pkg/event"
	"github.com/cronquiles/cronquiles/pkg/pipeline/core"
	"github.com/cronquiles/cronquiles/pkg/pipeline/ratelimit"
	"github.com/cronquiles/cronquiles/pkg/pipeline/redact"
	"github.com/cronquiles/cronquiles/pkg/pipeline/worker"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	SourceMeetup = "meetup"
	SourceGemini = "gemini"
)

// Deps are the collaborators of a run. Zero fields are built from the config.
type Deps struct {
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	HTTPClient *http.Client

	// Meetup performs one page scrape attempt.
	Meetup core.EnrichFunc[*event.Record]
	// Gemini performs one model lookup attempt. When nil, the pass runs only
	// if the config carries an API key.
	Gemini core.EnrichFunc[*gemini.Lookup]

	Publisher publish.Publisher
}

// PassSummary counts the outcomes of one enrichment pass.
type PassSummary struct {
	Source    string
	Items     int
	Succeeded int
	Failed    int
	Skipped   int
	Elapsed   time.Duration
}

func passSummary[T core.Subject](source string, res worker.BatchResult[T]) PassSummary {
	return PassSummary{
		Source:    source,
		Items:     res.Total(),
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
		Elapsed:   res.Elapsed,
	}
}

// Summary describes a finished run.
type Summary struct {
	RunID      string
	Events     int
	Candidates int
	Passes     []PassSummary
	Published  publish.Stats
	Elapsed    time.Duration
}

// Run performs one sync: fetch every feed, select candidates, enrich them
// from Meetup pages, optionally ask Gemini about what is still missing, then
// publish all records. Per-record failures never fail the run.
//
// If ctx is cancelled during enrichment, in-flight attempts finish, nothing is
// published, and the context error is returned with the partial summary.
func Run(ctx context.Context, cfg config.Config, deps Deps) (sum Summary, err error) {
	start := time.Now()
	sum = Summary{RunID: uuid.NewString()}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("run_id", sum.RunID))
	m := deps.Metrics
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	client := deps.HTTPClient
	if client == nil {
		client = httpx.NewClient(httpx.ClientConfig{Timeout: cfg.Enrichment.RequestTimeout})
	}

	status := "error"
	defer func() {
		sum.Elapsed = time.Since(start)
		m.ObserveRun(status, sum.Elapsed, time.Now())
	}()

	limOpts := cfg.LimiterOptions()
	limOpts.OnWait = m.ObserveWait
	limiter, err := ratelimit.New(limOpts)
	if err != nil {
		return sum, err
	}
	workerOpts := cfg.Enrichment.WorkerOptions()

	logger.Info("sync run start",
		zap.Int("feeds", len(cfg.Feeds)),
		zap.Int("workers", workerOpts.Workers),
		zap.Int("max_attempts", workerOpts.MaxAttempts),
		zap.Duration("request_timeout", workerOpts.RequestTimeout),
		zap.Duration("min_interval", limOpts.Interval),
		zap.Float64("rate_limit_rps", workerOpts.RateLimitRPS),
	)

	records := feed.NewFetcher(client, limiter, logger).FetchAll(ctx, cfg.Feeds)
	sum.Events = len(records)
	for _, r := range records {
		m.FeedEvents.WithLabelValues(r.FeedName).Inc()
	}

	meetupFn := deps.Meetup
	if meetupFn == nil {
		meetupFn = meetup.New(client).Enrich
	}
	candidates := cfg.Selector.Select(records)
	sum.Candidates = len(candidates)
	logger.Info("enrichment candidates selected",
		zap.Int("events", len(records)),
		zap.Int("candidates", len(candidates)),
		zap.String("domain", cfg.Selector.Domain),
		zap.Int("min_location_length", cfg.Selector.MinLocationLength),
	)

	scrapeRes, err := aggregate.Enrich(ctx, records, cfg.Selector,
		traced(SourceMeetup, meetupFn, logger, m, workerOpts.MaxAttempts),
		aggregate.Options{
			Worker:    workerOpts,
			Limiter:   limiter,
			OnOutcome: outcomeLogger[*event.Record](SourceMeetup, logger, m),
		})
	if err != nil {
		return sum, err
	}
	sum.Passes = append(sum.Passes, passSummary(SourceMeetup, scrapeRes))
	passes := []aggregate.Pass{aggregate.PassOf(SourceMeetup, scrapeRes)}

	geminiFn, err := geminiFunc(ctx, cfg, deps, client)
	if err != nil {
		return sum, err
	}
	if geminiFn != nil && ctx.Err() == nil {
		pending := unresolved(scrapeRes)
		if len(pending) > 0 {
			s, err := worker.NewScheduler[*gemini.Lookup](limiter, workerOpts)
			if err != nil {
				return sum, err
			}
			s.OnOutcome(outcomeLogger[*gemini.Lookup](SourceGemini, logger, m))
			modelRes, err := s.Run(ctx, gemini.Lookups(pending),
				traced(SourceGemini, geminiFn, logger, m, workerOpts.MaxAttempts))
			if err != nil {
				return sum, err
			}
			sum.Passes = append(sum.Passes, passSummary(SourceGemini, modelRes))
			passes = append(passes, aggregate.PassOf(SourceGemini, modelRes))
		}
	}

	for _, p := range sum.Passes {
		logger.Info("enrichment pass complete",
			zap.String("source", p.Source),
			zap.Int("items", p.Items),
			zap.Int("succeeded", p.Succeeded),
			zap.Int("failed", p.Failed),
			zap.Int("skipped", p.Skipped),
			zap.Duration("duration", p.Elapsed.Round(time.Millisecond)),
		)
	}

	if err := context.Cause(ctx); err != nil {
		status = "cancelled"
		logger.Warn("sync run cancelled before publish", zap.Error(err))
		return sum, err
	}

	if path := cfg.Publish.ReportPath; path != "" {
		if err := publish.WriteReportFile(path, aggregate.Rows(records, passes...)); err != nil {
			logger.Error("write report failed", zap.String("path", path), zap.Error(err))
		}
	}

	pub := deps.Publisher
	if pub == nil {
		pub, err = publish.New(cfg.PublishConfig(), logger)
		if err != nil {
			return sum, err
		}
	}
	sum.Published, err = pub.Publish(ctx, records)
	m.ObservePublished(sum.Published.Success, sum.Published.Failed, sum.Published.Skipped)
	if err != nil {
		return sum, fmt.Errorf("publish: %w", err)
	}

	status = "ok"
	logger.Info("sync run complete",
		zap.Int("events", sum.Events),
		zap.Int("candidates", sum.Candidates),
		zap.Int("published", sum.Published.Success),
		zap.Int("publish_failed", sum.Published.Failed),
		zap.Int("publish_skipped", sum.Published.Skipped),
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)),
	)
	return sum, nil
}

// unresolved returns the records the scrape pass did not enrich. Skipped
// records are left alone; the run is shutting down.
func unresolved(res worker.BatchResult[*event.Record]) []*event.Record {
	var out []*event.Record
	for _, o := range res.Outcomes {
		if o.Kind == core.KindRetryable || o.Kind == core.KindPermanent {
			out = append(out, o.Item)
		}
	}
	return out
}

func geminiFunc(ctx context.Context, cfg config.Config, deps Deps, client *http.Client) (core.EnrichFunc[*gemini.Lookup], error) {
	if deps.Gemini != nil {
		return deps.Gemini, nil
	}
	if !cfg.Gemini.Enabled() {
		return nil, nil
	}
	e, err := gemini.New(ctx, gemini.Config{
		APIKey:     cfg.Gemini.APIKey,
		Model:      cfg.Gemini.Model,
		BaseURL:    cfg.Gemini.BaseURL,
		HTTPClient: client,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %s", redact.Secrets(err.Error()))
	}
	return e.Enrich, nil
}
