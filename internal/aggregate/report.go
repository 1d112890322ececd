package aggregate

import (
	"github.com/cronquiles/cronquiles/pkg/event"
	"github.com/cronquiles/cronquiles/pkg/pipeline/core"
	"github.com/cronquiles/cronquiles/pkg/pipeline/redact"
	"github.com/cronquiles/cronquiles/pkg/pipeline/worker"
)

// Row statuses.
const (
	StatusUnchanged = "unchanged"
	StatusEnriched  = "enriched"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Row is the stable report schema: one line per record after all passes.
type Row struct {
	Identity string
	Feed     string
	Summary  string
	Location string
	Status   string
	Source   string
	Kind     string
	Error    string
}

// Header returns the stable CSV header for Row.
func Header() []string {
	return []string{
		"identity",
		"feed",
		"summary",
		"location",
		"status",
		"source",
		"kind",
		"error",
	}
}

// Values returns r in Header order.
func (r Row) Values() []string {
	return []string{r.Identity, r.Feed, r.Summary, r.Location, r.Status, r.Source, r.Kind, r.Error}
}

// Pass is the identity-level summary of one enrichment pass.
type Pass struct {
	Source   string
	outcomes map[string]passOutcome
}

type passOutcome struct {
	kind core.Kind
	err  error
}

// PassOf reduces a batch result to a Pass labelled source.
func PassOf[T core.Subject](source string, res worker.BatchResult[T]) Pass {
	p := Pass{Source: source, outcomes: make(map[string]passOutcome, len(res.Outcomes))}
	for _, o := range res.Outcomes {
		p.outcomes[o.Item.Identity()] = passOutcome{kind: o.Kind, err: o.Err}
	}
	return p
}

// Rows builds one report row per record. Later passes override earlier ones
// for the records they touched.
func Rows(records []*event.Record, passes ...Pass) []Row {
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		row := Row{
			Identity: rec.Identity(),
			Feed:     rec.FeedName,
			Summary:  rec.Summary,
			Location: rec.Location,
			Status:   StatusUnchanged,
		}
		for _, p := range passes {
			o, ok := p.outcomes[row.Identity]
			if !ok {
				continue
			}
			row.Source = p.Source
			row.Kind = o.kind.String()
			row.Error = ""
			if o.err != nil {
				row.Error = redact.Secrets(o.err.Error())
			}
			switch o.kind {
			case core.KindSuccess:
				row.Status = StatusEnriched
			case core.KindSkipped:
				row.Status = StatusSkipped
			default:
				row.Status = StatusFailed
			}
		}
		rows = append(rows, row)
	}
	return rows
}
