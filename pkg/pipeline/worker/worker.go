package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cronquiles/cronquiles/pkg/pipeline/core"
	"github.com/cronquiles/cronquiles/pkg/pipeline/ratelimit"
)

// ErrInvalidOptions is wrapped by every configuration error reported before a run starts.
var ErrInvalidOptions = errors.New("invalid worker options")

const (
	DefaultWorkers        = 5
	DefaultMaxAttempts    = 3
	DefaultRequestTimeout = 30 * time.Second
	DefaultBackoffInitial = 200 * time.Millisecond
	DefaultBackoffMax     = 2 * time.Second
)

type Options struct {
	// Workers bounds the number of items in flight at once. Zero means DefaultWorkers.
	Workers int
	// MaxAttempts bounds calls to the enrichment function per item, the first
	// attempt included. Zero means DefaultMaxAttempts.
	MaxAttempts    int
	RequestTimeout time.Duration

	// RateLimitRPS is a global limit across all workers and targets, applied on
	// top of per-target spacing. Set to <=0 to disable.
	RateLimitRPS float64

	// BackoffInitial is the initial sleep before retrying a transient failure.
	BackoffInitial time.Duration
	// BackoffMax caps exponential backoff.
	BackoffMax time.Duration
	// BackoffJitterFrac applies +/- jitter to backoff sleeps (0.2 = +/-20%). Zero disables jitter.
	BackoffJitterFrac float64
}

// Validate rejects options that cannot describe a run. Zero values are valid and
// select defaults.
func (o Options) Validate() error {
	switch {
	case o.Workers < 0:
		return fmt.Errorf("%w: workers=%d", ErrInvalidOptions, o.Workers)
	case o.MaxAttempts < 0:
		return fmt.Errorf("%w: max attempts=%d", ErrInvalidOptions, o.MaxAttempts)
	case o.RequestTimeout < 0:
		return fmt.Errorf("%w: request timeout=%s", ErrInvalidOptions, o.RequestTimeout)
	case o.BackoffInitial < 0 || o.BackoffMax < 0:
		return fmt.Errorf("%w: backoff=%s..%s", ErrInvalidOptions, o.BackoffInitial, o.BackoffMax)
	case o.BackoffJitterFrac < 0 || o.BackoffJitterFrac >= 1:
		return fmt.Errorf("%w: jitter=%g", ErrInvalidOptions, o.BackoffJitterFrac)
	case o.RateLimitRPS < 0:
		return fmt.Errorf("%w: rate limit=%g", ErrInvalidOptions, o.RateLimitRPS)
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = DefaultBackoffInitial
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	return o
}

// Failure identifies one item that could not be enriched.
type Failure struct {
	Identity string
	Kind     core.Kind
	Err      error
}

// BatchResult aggregates the outcomes of one Run.
type BatchResult[T core.Subject] struct {
	Succeeded int
	Failed    int
	Skipped   int

	// Failures holds one entry per failed item, in input order.
	Failures []Failure
	// Outcomes holds one entry per input item, in input order.
	Outcomes []Outcome[T]

	Elapsed time.Duration
}

// Total is the number of items accounted for; it always equals the input length.
func (b BatchResult[T]) Total() int {
	return b.Succeeded + b.Failed + b.Skipped
}

func (b *BatchResult[T]) add(o Outcome[T]) {
	b.Outcomes = append(b.Outcomes, o)
	switch o.Kind {
	case core.KindSuccess:
		b.Succeeded++
	case core.KindSkipped:
		b.Skipped++
	default:
		b.Failed++
		b.Failures = append(b.Failures, Failure{
			Identity: o.Item.Identity(),
			Kind:     o.Kind,
			Err:      o.Err,
		})
	}
}

// Scheduler drives enrichment over a batch with a fixed number of workers, one
// shared limiter and one retry policy. It performs no I/O of its own.
type Scheduler[T core.Subject] struct {
	retrier   *Retrier[T]
	workers   int
	onOutcome func(Outcome[T])
}

// NewScheduler validates opts and returns a Scheduler gated by limiter.
func NewScheduler[T core.Subject](limiter *ratelimit.Limiter, opts Options) (*Scheduler[T], error) {
	retrier, err := NewRetrier[T](limiter, opts)
	if err != nil {
		return nil, err
	}
	return &Scheduler[T]{
		retrier: retrier,
		workers: retrier.opts.Workers,
	}, nil
}

// OnOutcome registers fn to be called once per item as it completes, skipped
// items included. Calls are serialized and arrive in completion order.
func (s *Scheduler[T]) OnOutcome(fn func(Outcome[T])) {
	s.onOutcome = fn
}

// Run enriches every item exactly once and waits for all dispatched work.
//
// A failing item never stops the others. When ctx is done, items not yet
// dispatched are reported as skipped and in-flight items finish their current
// attempt. The returned error is non-nil only for invalid arguments, before any
// work starts.
func (s *Scheduler[T]) Run(ctx context.Context, items []T, fn core.EnrichFunc[T]) (BatchResult[T], error) {
	if fn == nil {
		return BatchResult[T]{}, fmt.Errorf("%w: nil enrichment function", ErrInvalidOptions)
	}
	start := time.Now()

	type job struct {
		idx  int
		item T
	}
	type completion struct {
		idx int
		out Outcome[T]
	}

	jobs := make(chan job)
	done := make(chan completion, s.workers)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				done <- completion{idx: j.idx, out: s.retrier.Do(ctx, j.item, fn)}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, item := range items {
			if ctx.Err() != nil {
				return
			}
			select {
			case jobs <- job{idx: i, item: item}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(done)
	}()

	outcomes := make([]Outcome[T], len(items))
	seen := make([]bool, len(items))
	for c := range done {
		outcomes[c.idx] = c.out
		seen[c.idx] = true
		if s.onOutcome != nil {
			s.onOutcome(c.out)
		}
	}

	res := BatchResult[T]{Outcomes: make([]Outcome[T], 0, len(items))}
	for i, item := range items {
		if !seen[i] {
			outcomes[i] = Outcome[T]{Item: item, Kind: core.KindSkipped, Err: context.Cause(ctx)}
			if s.onOutcome != nil {
				s.onOutcome(outcomes[i])
			}
		}
		res.add(outcomes[i])
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

// EnrichAll is a convenience wrapper that builds a Scheduler and runs it once.
func EnrichAll[T core.Subject](
	ctx context.Context,
	items []T,
	fn core.EnrichFunc[T],
	limiter *ratelimit.Limiter,
	opts Options,
) (BatchResult[T], error) {
	s, err := NewScheduler[T](limiter, opts)
	if err != nil {
		return BatchResult[T]{}, err
	}
	return s.Run(ctx, items, fn)
}
