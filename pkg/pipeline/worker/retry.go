package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/cronquiles/cronquiles/pkg/pipeline/core"
	"github.com/cronquiles/cronquiles/pkg/pipeline/ratelimit"
	"golang.org/x/time/rate"
)

// ErrExhausted is wrapped into the error of an outcome whose every attempt
// failed with a transient cause.
var ErrExhausted = errors.New("retries exhausted")

// Outcome is the result of enriching one item.
type Outcome[T core.Subject] struct {
	Item     T
	Kind     core.Kind
	Err      error
	Attempts int
	Elapsed  time.Duration
}

// Retrier runs one item through rate-limited attempts with exponential backoff.
// A Retrier is safe for concurrent use; every goroutine shares its limiters.
type Retrier[T core.Subject] struct {
	limiter *ratelimit.Limiter
	global  *rate.Limiter
	opts    Options
}

// NewRetrier validates opts and returns a Retrier gated by limiter.
func NewRetrier[T core.Subject](limiter *ratelimit.Limiter, opts Options) (*Retrier[T], error) {
	if limiter == nil {
		return nil, fmt.Errorf("%w: nil rate limiter", ErrInvalidOptions)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	var global *rate.Limiter
	if opts.RateLimitRPS > 0 {
		global = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}
	return &Retrier[T]{limiter: limiter, global: global, opts: opts}, nil
}

// Do enriches item with up to MaxAttempts calls to fn and reports the outcome.
//
// Every attempt, retries included, acquires the per-target limiter right before
// calling fn, so backoff never lets a retry jump the spacing queue. Failures come back as data:
// Do never panics on behalf of fn and never returns an error.
//
// Once ctx is done no further attempt is started. An attempt already running is
// allowed to finish; it sees a context detached from ctx, bounded only by
// RequestTimeout.
func (r *Retrier[T]) Do(ctx context.Context, item T, fn core.EnrichFunc[T]) Outcome[T] {
	start := time.Now()
	out := Outcome[T]{Item: item}
	finish := func(kind core.Kind, err error) Outcome[T] {
		out.Kind = kind
		out.Err = err
		out.Elapsed = time.Since(start)
		return out
	}
	stopped := func(lastErr error, cause error) Outcome[T] {
		if out.Attempts == 0 {
			return finish(core.KindSkipped, cause)
		}
		return finish(core.KindRetryable, fmt.Errorf("stopped after %d attempts: %w", out.Attempts, errors.Join(lastErr, cause)))
	}

	key := item.TargetKey()
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return stopped(lastErr, err)
		}
		if r.global != nil {
			if err := r.global.Wait(ctx); err != nil {
				return stopped(lastErr, err)
			}
		}
		// The per-key slot must be the last wait before the call; any wait after
		// it would push the call past the slot the next caller is spaced against.
		if err := r.limiter.Acquire(ctx, key); err != nil {
			return stopped(lastErr, err)
		}

		out.Attempts++
		err := r.attempt(ctx, item, fn)
		if err == nil {
			return finish(core.KindSuccess, nil)
		}
		lastErr = err

		if !isTransient(err) {
			return finish(core.KindPermanent, err)
		}
		if attempt+1 >= maxAttempts(r.opts.MaxAttempts, err) {
			return finish(core.KindRetryable, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, out.Attempts, err))
		}

		sleep := backoffSleep(r.opts.BackoffInitial, r.opts.BackoffMax, r.opts.BackoffJitterFrac, attempt)
		if hint := core.RetryAfter(err); hint > sleep {
			sleep = min(hint, r.opts.BackoffMax)
		}
		t := time.NewTimer(sleep)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return stopped(lastErr, ctx.Err())
		}
	}
}

func (r *Retrier[T]) attempt(ctx context.Context, item T, fn core.EnrichFunc[T]) (err error) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.RequestTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			err = core.Permanent(fmt.Errorf("enrichment panicked: %v", p))
		}
	}()
	return fn(reqCtx, item)
}

type retryCap interface {
	MaxExtraRetries() int
}

// maxAttempts returns the attempt budget for err: the configured attempts, or
// fewer when err carries its own retry cap.
func maxAttempts(configured int, err error) int {
	var capErr retryCap
	if errors.As(err, &capErr) {
		limited := capErr.MaxExtraRetries() + 1
		if limited < configured {
			return limited
		}
	}
	return configured
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *core.PermanentError
	if errors.As(err, &pe) {
		return false
	}
	if core.IsTransient(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

func backoffSleep(initial, max time.Duration, jitterFrac float64, attempt int) time.Duration {
	sleep := initial
	for i := 0; i < attempt && sleep < max; i++ {
		sleep *= 2
		if sleep > max {
			sleep = max
			break
		}
	}
	if sleep > max {
		sleep = max
	}
	if jitterFrac <= 0 {
		return sleep
	}
	// Apply +/- jitterFrac.
	j := 1 + (rand.Float64()*2-1)*jitterFrac
	return time.Duration(float64(sleep) * j)
}
