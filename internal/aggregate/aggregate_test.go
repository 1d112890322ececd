package aggregate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cronquiles/cronquiles/internal/aggregate"
	"github.com/cronquiles/cronquiles/pkg/event"
	"github.com/cronquiles/cronquiles/pkg/pipeline/core"
	"github.com/cronquiles/cronquiles/pkg/pipeline/ratelimit"
	"github.com/cronquiles/cronquiles/pkg/pipeline/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelector_IsCandidate(t *testing.T) {
	t.Parallel()

	sel := aggregate.DefaultSelector()
	tests := []struct {
		name string
		rec  *event.Record
		want bool
	}{
		{name: "meetup with city only", rec: &event.Record{URL: "https://www.meetup.com/a/events/1/", Location: "Santiago"}, want: true},
		{name: "meetup with empty location", rec: &event.Record{URL: "https://www.meetup.com/a/events/2/"}, want: true},
		{name: "meetup with full address", rec: &event.Record{URL: "https://www.meetup.com/a/events/3/", Location: "Av. Apoquindo 2827, Las Condes"}, want: false},
		{name: "exactly at threshold", rec: &event.Record{URL: "https://meetup.com/a/events/4/", Location: "123456789012345"}, want: false},
		{name: "one under threshold padded", rec: &event.Record{URL: "https://meetup.com/a/events/5/", Location: "  12345678901234  "}, want: true},
		{name: "other domain", rec: &event.Record{URL: "https://gdg.community.dev/events/1/", Location: "Stgo"}, want: false},
		{name: "no url", rec: &event.Record{UID: "x", Location: "Stgo"}, want: false},
		{name: "nil", rec: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sel.IsCandidate(tt.rec))
		})
	}
}

func TestSelector_CustomDomainAndThreshold(t *testing.T) {
	t.Parallel()

	sel := aggregate.Selector{Domain: "Luma.com", MinLocationLength: 5}
	assert.True(t, sel.IsCandidate(&event.Record{URL: "https://luma.com/abc", Location: "RM"}))
	assert.False(t, sel.IsCandidate(&event.Record{URL: "https://luma.com/abc", Location: "Santiago"}))
	assert.False(t, aggregate.Selector{}.IsCandidate(&event.Record{URL: "https://luma.com/abc"}))
}

func sampleRecords() []*event.Record {
	return []*event.Record{
		{UID: "1", URL: "https://www.meetup.com/a/events/1/", Location: "Santiago"},
		{UID: "2", URL: "https://gdg.community.dev/events/2/", Location: "Stgo"},
		{UID: "3", URL: "https://www.meetup.com/a/events/3/", Location: "Av. Apoquindo 2827, Las Condes"},
		{UID: "4", URL: "https://www.meetup.com/a/events/4/", Location: ""},
		{UID: "5", URL: "https://www.meetup.com/a/events/5/", Location: "Online"},
	}
}

func TestEnrich_OnlyCandidatesReachTheFunction(t *testing.T) {
	t.Parallel()

	records := sampleRecords()
	lim, err := ratelimit.New(ratelimit.Options{})
	require.NoError(t, err)

	var mu sync.Mutex
	seen := map[string]int{}
	fn := func(_ context.Context, rec *event.Record) error {
		mu.Lock()
		seen[rec.UID]++
		mu.Unlock()
		if rec.UID == "5" {
			return core.Permanent(errors.New("no venue"))
		}
		rec.Location = "Venue " + rec.UID + ", Santiago"
		return nil
	}

	var outcomes int
	res, err := aggregate.Enrich(context.Background(), records, aggregate.DefaultSelector(), fn, aggregate.Options{
		Worker:    worker.Options{Workers: 2, BackoffInitial: time.Millisecond},
		Limiter:   lim,
		OnOutcome: func(worker.Outcome[*event.Record]) { outcomes++ },
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"1": 1, "4": 1, "5": 1}, seen)
	assert.Equal(t, 3, res.Total())
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, outcomes)

	assert.Equal(t, "Venue 1, Santiago", records[0].Location)
	assert.Equal(t, "Stgo", records[1].Location)
	assert.Equal(t, "Av. Apoquindo 2827, Las Condes", records[2].Location)
	assert.Equal(t, "Venue 4, Santiago", records[3].Location)
	assert.Equal(t, "Online", records[4].Location)
}

func TestEnrich_NilLimiterIsRejected(t *testing.T) {
	t.Parallel()

	_, err := aggregate.Enrich(context.Background(), sampleRecords(), aggregate.DefaultSelector(),
		func(context.Context, *event.Record) error { return nil }, aggregate.Options{})
	require.ErrorIs(t, err, worker.ErrInvalidOptions)
}
