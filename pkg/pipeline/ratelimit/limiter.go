// Package ratelimit enforces a minimum interval between actions against the
// same target within one process.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Options configures a Limiter.
type Options struct {
	// Interval is the minimum spacing between permitted actions on any key
	// without an entry in Intervals. Zero disables spacing for those keys.
	Interval time.Duration

	// Intervals overrides Interval per target key (case-insensitive).
	Intervals map[string]time.Duration

	// OnWait, if set, is called after every successful Acquire with the time the
	// caller spent blocked. It must be safe for concurrent use.
	OnWait func(key string, waited time.Duration)
}

// Limiter is a minimum-interval gate keyed by target. It has no burst
// allowance: two consecutive permitted actions on one key are always at least
// the key's interval apart, regardless of how many goroutines call Acquire.
//
// The zero value is not usable; construct with New.
type Limiter struct {
	mu        sync.Mutex
	interval  time.Duration
	intervals map[string]time.Duration
	last      map[string]time.Time
	onWait    func(string, time.Duration)
	now       func() time.Time
}

// New validates opts and returns a Limiter.
func New(opts Options) (*Limiter, error) {
	if opts.Interval < 0 {
		return nil, fmt.Errorf("ratelimit: negative interval %s", opts.Interval)
	}
	intervals := make(map[string]time.Duration, len(opts.Intervals))
	for k, v := range opts.Intervals {
		if v < 0 {
			return nil, fmt.Errorf("ratelimit: negative interval %s for %q", v, k)
		}
		intervals[normalizeKey(k)] = v
	}
	return &Limiter{
		interval:  opts.Interval,
		intervals: intervals,
		last:      make(map[string]time.Time),
		onWait:    opts.OnWait,
		now:       time.Now,
	}, nil
}

// Interval returns the spacing enforced for key.
func (l *Limiter) Interval(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.intervalLocked(normalizeKey(key))
}

// SetInterval changes the spacing for key. It applies to the next reservation;
// callers already waiting keep their slot.
func (l *Limiter) SetInterval(key string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intervals[normalizeKey(key)] = d
}

// Acquire blocks until the caller may act against key, then returns nil.
//
// The first call for an unseen key is admitted immediately. Waiting uses a
// timer, never a spin. The slot is reserved under the lock before sleeping, so
// later callers queue behind it. The only error is ctx's; a cancelled caller
// gives its slot back when nobody has queued behind it yet.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key = normalizeKey(key)

	l.mu.Lock()
	now := l.now()
	prev, hadPrev := l.last[key]
	slot := now
	if hadPrev {
		if earliest := prev.Add(l.intervalLocked(key)); earliest.After(slot) {
			slot = earliest
		}
	}
	l.last[key] = slot
	l.mu.Unlock()

	wait := slot.Sub(now)
	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			l.release(key, slot, prev, hadPrev)
			return ctx.Err()
		}
	}
	if l.onWait != nil {
		l.onWait(key, wait)
	}
	return nil
}

func (l *Limiter) release(key string, slot, prev time.Time, hadPrev bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.last[key]; !ok || !cur.Equal(slot) {
		// Someone reserved after us and was spaced against our slot.
		return
	}
	if hadPrev {
		l.last[key] = prev
		return
	}
	delete(l.last, key)
}

func (l *Limiter) intervalLocked(key string) time.Duration {
	if d, ok := l.intervals[key]; ok {
		return d
	}
	return l.interval
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
