package core

import (
	"context"
	"errors"
	"time"
)

// Subject is anything the enrichment pipeline can schedule.
//
// TargetKey names the external target the item is fetched from (usually a
// hostname); rate limiting is applied per key. Identity is a stable value used
// when reporting failures.
type Subject interface {
	TargetKey() string
	Identity() string
}

// EnrichFunc performs exactly one enrichment attempt for item, mutating it in
// place on success. Failures should be wrapped with Transient or Permanent so
// workers know whether a retry can help.
type EnrichFunc[T Subject] func(ctx context.Context, item T) error

// Enricher is the interface form of EnrichFunc.
type Enricher[T Subject] interface {
	Enrich(ctx context.Context, item T) error
}

// Func adapts an Enricher to an EnrichFunc.
func Func[T Subject](e Enricher[T]) EnrichFunc[T] {
	return e.Enrich
}

// Kind classifies the outcome of enriching one item.
type Kind int

const (
	KindSuccess Kind = iota
	// KindRetryable means every attempt failed with a transient cause.
	KindRetryable
	// KindPermanent means the item cannot be enriched; it was not retried.
	KindPermanent
	// KindSkipped means no attempt was made, usually because the run was cancelled.
	KindSkipped
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryable:
		return "retryable"
	case KindPermanent:
		return "permanent"
	case KindSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// TransientError marks an error as retryable by worker implementations.
type TransientError struct {
	Err error

	// RetryAfter is an optional server hint for the minimum delay before the next attempt.
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// LimitedTransientError is a transient error that allows at most ExtraRetries
// retries, even when the worker is configured for more.
type LimitedTransientError struct {
	Err          error
	ExtraRetries int
}

func (e *LimitedTransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *LimitedTransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// MaxExtraRetries reports the retry budget for this error.
func (e *LimitedTransientError) MaxExtraRetries() int {
	if e == nil || e.ExtraRetries < 0 {
		return 0
	}
	return e.ExtraRetries
}

// PermanentError marks an error as not worth retrying.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err was explicitly marked retryable.
//
// An explicit PermanentError anywhere in the chain wins over a transient marker
// further down, so enrichers can downgrade a wrapped transient cause.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var lte *LimitedTransientError
	return errors.As(err, &lte)
}

// RetryAfter returns the server-provided retry hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter
	}
	return 0
}

// Classify maps a single attempt error to the kind an outcome would carry if
// no retry followed. It only looks at explicit markers.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindSuccess
	case IsTransient(err):
		return KindRetryable
	default:
		return KindPermanent
	}
}
