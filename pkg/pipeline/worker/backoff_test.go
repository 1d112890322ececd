package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cronquiles/cronquiles/pkg/pipeline/core"
	"github.com/stretchr/testify/assert"
)

func TestBackoffSleep_DoublesUntilCap(t *testing.T) {
	t.Parallel()

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}
	for attempt, w := range want {
		assert.Equal(t, w, backoffSleep(100*time.Millisecond, 500*time.Millisecond, 0, attempt), "attempt %d", attempt)
	}
}

func TestBackoffSleep_JitterStaysInBounds(t *testing.T) {
	t.Parallel()

	for range 100 {
		got := backoffSleep(100*time.Millisecond, time.Second, 0.2, 0)
		assert.GreaterOrEqual(t, got, 80*time.Millisecond)
		assert.LessOrEqual(t, got, 120*time.Millisecond)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   error
		want bool
	}{
		{name: "nil", in: nil, want: false},
		{name: "plain", in: errors.New("x"), want: false},
		{name: "transient", in: core.Transient(errors.New("x")), want: true},
		{name: "limited", in: &core.LimitedTransientError{Err: errors.New("x")}, want: true},
		{name: "permanent wins", in: core.Permanent(core.Transient(errors.New("x"))), want: false},
		{name: "deadline", in: fmt.Errorf("fetch: %w", context.DeadlineExceeded), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.in))
		})
	}
}

func TestMaxAttempts(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 3, maxAttempts(3, errors.New("x")))
	assert.Equal(t, 2, maxAttempts(10, &core.LimitedTransientError{ExtraRetries: 1}))
	assert.Equal(t, 3, maxAttempts(3, &core.LimitedTransientError{ExtraRetries: 9}))
}
