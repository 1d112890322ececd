package worker_test

import (
	"testing"
	"time"

	"github.com/cronquiles/cronquiles/pkg/pipeline/ratelimit"
	"github.com/stretchr/testify/require"
)

// item is a minimal core.Subject for exercising the worker without network I/O.
type item struct {
	id       string
	key      string
	location string
}

func (i *item) TargetKey() string { return i.key }
func (i *item) Identity() string  { return i.id }

func newLimiter(t *testing.T, interval time.Duration) *ratelimit.Limiter {
	t.Helper()
	lim, err := ratelimit.New(ratelimit.Options{Interval: interval})
	require.NoError(t, err)
	return lim
}
