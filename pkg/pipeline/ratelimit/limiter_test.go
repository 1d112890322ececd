package ratelimit_test

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/cronquiles/cronquiles/pkg/pipeline/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// schedulingSlack absorbs timer and goroutine wake-up jitter when comparing
// wall-clock timestamps taken after Acquire returns.
const schedulingSlack = 15 * time.Millisecond

func TestAcquire_SpacesConcurrentCallersOnSameKey(t *testing.T) {
	t.Parallel()

	const (
		workers  = 20
		interval = 100 * time.Millisecond
	)
	lim, err := ratelimit.New(ratelimit.Options{Interval: interval})
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		stamp []time.Time
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, lim.Acquire(context.Background(), "www.meetup.com"))
			now := time.Now()
			mu.Lock()
			stamp = append(stamp, now)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, stamp, workers)
	slices.SortFunc(stamp, func(a, b time.Time) int { return a.Compare(b) })
	for i := 1; i < len(stamp); i++ {
		gap := stamp[i].Sub(stamp[i-1])
		assert.GreaterOrEqual(t, gap, interval-schedulingSlack, "gap %d was %s", i, gap)
	}
}

func TestAcquire_FirstCallIsImmediate(t *testing.T) {
	t.Parallel()

	lim, err := ratelimit.New(ratelimit.Options{Interval: time.Hour})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, lim.Acquire(context.Background(), "example.com"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquire_DistinctKeysDoNotBlockEachOther(t *testing.T) {
	t.Parallel()

	const (
		keys     = 10
		interval = 200 * time.Millisecond
	)
	lim, err := ratelimit.New(ratelimit.Options{Interval: interval})
	require.NoError(t, err)

	// Prime every key so the next acquire on each has to wait one interval.
	for i := range keys {
		require.NoError(t, lim.Acquire(context.Background(), fmt.Sprintf("host-%d", i)))
	}

	start := time.Now()
	var wg sync.WaitGroup
	for i := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			assert.NoError(t, lim.Acquire(context.Background(), key))
		}(fmt.Sprintf("host-%d", i))
	}
	wg.Wait()

	elapsed := time.Since(start)
	assert.Less(t, elapsed, 2*interval, "keys serialized: took %s", elapsed)
}

func TestAcquire_PerKeyOverride(t *testing.T) {
	t.Parallel()

	lim, err := ratelimit.New(ratelimit.Options{
		Interval:  time.Hour,
		Intervals: map[string]time.Duration{"Fast.Example.com": 0},
	})
	require.NoError(t, err)

	assert.Equal(t, time.Duration(0), lim.Interval("fast.example.com"))
	assert.Equal(t, time.Hour, lim.Interval("slow.example.com"))

	start := time.Now()
	for range 5 {
		require.NoError(t, lim.Acquire(context.Background(), "fast.example.com"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquire_CancelledWaiterReleasesSlot(t *testing.T) {
	t.Parallel()

	const interval = 150 * time.Millisecond
	lim, err := ratelimit.New(ratelimit.Options{Interval: interval})
	require.NoError(t, err)

	require.NoError(t, lim.Acquire(context.Background(), "k"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = lim.Acquire(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The cancelled reservation must not push the next caller a second interval out.
	start := time.Now()
	require.NoError(t, lim.Acquire(context.Background(), "k"))
	assert.Less(t, time.Since(start), interval)
}

func TestAcquire_ReportsWait(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		waited []time.Duration
	)
	lim, err := ratelimit.New(ratelimit.Options{
		Interval: 50 * time.Millisecond,
		OnWait: func(key string, d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "k", key)
			waited = append(waited, d)
		},
	})
	require.NoError(t, err)

	require.NoError(t, lim.Acquire(context.Background(), "K"))
	require.NoError(t, lim.Acquire(context.Background(), "k"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, waited, 2)
	assert.Zero(t, waited[0])
	assert.Greater(t, waited[1], time.Duration(0))
}

func TestNew_RejectsNegativeInterval(t *testing.T) {
	t.Parallel()

	_, err := ratelimit.New(ratelimit.Options{Interval: -time.Second})
	require.Error(t, err)

	_, err = ratelimit.New(ratelimit.Options{Intervals: map[string]time.Duration{"a": -1}})
	require.Error(t, err)
}
