package app

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cronquiles/cronquiles/internal/metrics"
	"github.com/cronquiles/cronquiles/pkg/pipeline/core"
	"github.com/cronquiles/cronquiles/pkg/pipeline/redact"
	"github.com/cronquiles/cronquiles/pkg/pipeline/worker"
	"go.uber.org/zap"
)

// attemptTracer wraps an enrichment function with per-attempt debug logs and
// attempt metrics.
type attemptTracer[T core.Subject] struct {
	source      string
	next        core.EnrichFunc[T]
	logger      *zap.Logger
	metrics     *metrics.Metrics
	maxAttempts int

	mu       sync.Mutex
	attempts map[string]int
}

func traced[T core.Subject](source string, next core.EnrichFunc[T], logger *zap.Logger, m *metrics.Metrics, maxAttempts int) core.EnrichFunc[T] {
	if maxAttempts <= 0 {
		maxAttempts = worker.DefaultMaxAttempts
	}
	t := &attemptTracer[T]{
		source:      source,
		next:        next,
		logger:      logger,
		metrics:     m,
		maxAttempts: maxAttempts,
		attempts:    make(map[string]int),
	}
	return t.enrich
}

func (t *attemptTracer[T]) enrich(ctx context.Context, item T) error {
	id := item.Identity()
	attempt := t.nextAttempt(id)

	deadlineIn := "none"
	if d, ok := ctx.Deadline(); ok {
		deadlineIn = time.Until(d).Round(time.Millisecond).String()
	}
	t.logger.Debug("enrich request",
		zap.String("source", t.source),
		zap.String("record", id),
		zap.String("target", item.TargetKey()),
		zap.Int("attempt", attempt),
		zap.String("deadline_in", deadlineIn),
	)

	done := t.metrics.StartAttempt(t.source)
	start := time.Now()
	err := t.next(ctx, item)
	elapsed := time.Since(start).Round(time.Millisecond)
	done()

	if err != nil {
		retryable := isRetryable(err)
		t.logger.Debug("enrich response",
			zap.String("source", t.source),
			zap.String("record", id),
			zap.Int("attempt", attempt),
			zap.Duration("duration", elapsed),
			zap.String("status", "error"),
			zap.Bool("retryable", retryable),
			zap.Bool("will_retry", retryable && attempt < t.maxAttempts),
			zap.String("error", redact.Secrets(err.Error())),
		)
		return err
	}
	t.logger.Debug("enrich response",
		zap.String("source", t.source),
		zap.String("record", id),
		zap.Int("attempt", attempt),
		zap.Duration("duration", elapsed),
		zap.String("status", "ok"),
	)
	return nil
}

func (t *attemptTracer[T]) nextAttempt(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[id]++
	return t.attempts[id]
}

// isRetryable mirrors the retrier's classification for logging purposes.
func isRetryable(err error) bool {
	if core.IsTransient(err) {
		return true
	}
	var pe *core.PermanentError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// outcomeLogger reports each finished item: failures at WARN, the rest at DEBUG.
func outcomeLogger[T core.Subject](source string, logger *zap.Logger, m *metrics.Metrics) func(worker.Outcome[T]) {
	return func(o worker.Outcome[T]) {
		m.ObserveOutcome(source, o.Kind)
		fields := []zap.Field{
			zap.String("source", source),
			zap.String("record", o.Item.Identity()),
			zap.String("kind", o.Kind.String()),
			zap.Int("attempts", o.Attempts),
			zap.Duration("elapsed", o.Elapsed.Round(time.Millisecond)),
		}
		switch o.Kind {
		case core.KindSuccess:
			logger.Debug("record enriched", fields...)
		case core.KindSkipped:
			logger.Debug("record skipped", fields...)
		default:
			if o.Err != nil {
				fields = append(fields, zap.String("error", redact.Secrets(o.Err.Error())))
			}
			logger.Warn("record enrichment failed", fields...)
		}
	}
}
