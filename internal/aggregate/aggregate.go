// Package aggregate selects which normalized events need enrichment and runs
// the enrichment scheduler over them.
package aggregate

import (
	"context"
	"strings"

	"github.com/cronquiles/cronquiles/pkg/event"
	"github.com/cronquiles/cronquiles/pkg/pipeline/core"
	"github.com/cronquiles/cronquiles/pkg/pipeline/ratelimit"
	"github.com/cronquiles/cronquiles/pkg/pipeline/worker"
)

const (
	DefaultDomain            = "meetup.com"
	DefaultMinLocationLength = 15
)

// Selector decides whether a record is an enrichment candidate: its URL must
// mention Domain and its trimmed location must be shorter than
// MinLocationLength characters.
type Selector struct {
	Domain            string `yaml:"domain"`
	MinLocationLength int    `yaml:"min_location_length"`
}

// DefaultSelector targets Meetup events whose location is just a city name.
func DefaultSelector() Selector {
	return Selector{Domain: DefaultDomain, MinLocationLength: DefaultMinLocationLength}
}

// IsCandidate applies the selection predicate to one record.
func (s Selector) IsCandidate(rec *event.Record) bool {
	if rec == nil || s.Domain == "" {
		return false
	}
	if !strings.Contains(strings.ToLower(rec.URL), strings.ToLower(s.Domain)) {
		return false
	}
	return len([]rune(strings.TrimSpace(rec.Location))) < s.MinLocationLength
}

// Select returns the candidates in input order. The records are shared, not copied.
func (s Selector) Select(records []*event.Record) []*event.Record {
	var out []*event.Record
	for _, r := range records {
		if s.IsCandidate(r) {
			out = append(out, r)
		}
	}
	return out
}

// Options configures one enrichment pass.
type Options struct {
	Worker  worker.Options
	Limiter *ratelimit.Limiter

	// OnOutcome is forwarded to the scheduler.
	OnOutcome func(worker.Outcome[*event.Record])
}

// Enrich runs fn over the candidates among records and returns the batch
// result for those candidates. Records that are not candidates are never
// passed to fn. Successful candidates are updated in place.
func Enrich(
	ctx context.Context,
	records []*event.Record,
	sel Selector,
	fn core.EnrichFunc[*event.Record],
	opts Options,
) (worker.BatchResult[*event.Record], error) {
	s, err := worker.NewScheduler[*event.Record](opts.Limiter, opts.Worker)
	if err != nil {
		return worker.BatchResult[*event.Record]{}, err
	}
	if opts.OnOutcome != nil {
		s.OnOutcome(opts.OnOutcome)
	}
	return s.Run(ctx, sel.Select(records), fn)
}
