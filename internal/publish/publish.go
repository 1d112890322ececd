// Package publish hands enriched events to their destination.
package publish

import (
	"context"
	"fmt"
	"strings"

	"github.com/cronquiles/cronquiles/pkg/event"
	"go.uber.org/zap"
)

// progressEvery is how often publishers log progress, in records.
const progressEvery = 10

// Stats counts per-record publish results.
type Stats struct {
	Success int
	Failed  int
	Skipped int
}

// Total is the number of records accounted for.
func (s Stats) Total() int { return s.Success + s.Failed + s.Skipped }

// Publisher delivers a batch of records. A record that cannot be delivered is
// counted in Stats; the returned error is reserved for failures of the whole
// batch.
type Publisher interface {
	Publish(ctx context.Context, records []*event.Record) (Stats, error)
}

// Format selects a Publisher implementation.
type Format string

const (
	FormatDryRun Format = "dry-run"
	FormatICS    Format = "ics"
)

// ParseFormat normalizes a user supplied format name.
func ParseFormat(raw string) (Format, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	switch s {
	case "", "dry-run", "dryrun", "dry_run", "none":
		return FormatDryRun, nil
	case "ics", "ical", "icalendar", "calendar":
		return FormatICS, nil
	default:
		return "", fmt.Errorf("unknown publish format %q", raw)
	}
}

// Config selects and configures a Publisher.
type Config struct {
	Format Format
	// Path is the output file for FormatICS.
	Path string
	// CalendarName is written as the calendar's NAME property.
	CalendarName string
}

// New builds the Publisher described by cfg.
func New(cfg Config, logger *zap.Logger) (Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Format {
	case FormatDryRun, "":
		return &DryRun{logger: logger}, nil
	case FormatICS:
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("publish: ics output path is required")
		}
		return NewICSFile(cfg.Path, cfg.CalendarName, logger), nil
	default:
		return nil, fmt.Errorf("unknown publish format %q", cfg.Format)
	}
}

// Entry is the publisher-neutral view of a record.
type Entry struct {
	UID         string
	Summary     string
	Description string
	Location    string
	URL         string
	Color       string
	Categories  []string
	Record      *event.Record
}

// tagColors maps well-known tags to calendar colors. The first matching tag wins.
var tagColors = []struct{ tag, color string }{
	{"python", "orange"},
	{"ai", "blue"},
	{"cloud", "lavender"},
	{"devops", "yellow"},
	{"data", "green"},
	{"security", "red"},
}

// ToEntry converts rec for publishing. The event and feed links are appended
// to the description so they survive calendars without a URL field.
func ToEntry(rec *event.Record) Entry {
	e := Entry{
		UID:        rec.UID,
		Summary:    strings.TrimSpace(rec.Summary),
		Location:   strings.TrimSpace(rec.Location),
		URL:        strings.TrimSpace(rec.URL),
		Categories: rec.Tags,
		Record:     rec,
	}
	if e.UID == "" {
		e.UID = rec.Identity()
	}

	desc := strings.TrimSpace(rec.Description)
	if desc != "" {
		if e.URL != "" {
			desc += "\n\nURL: " + e.URL
		}
		if rec.SourceURL != "" {
			desc += "\nSource: " + rec.SourceURL
		}
	}
	e.Description = desc

	for _, tc := range tagColors {
		if rec.HasTag(tc.tag) {
			e.Color = tc.color
			break
		}
	}
	return e
}

// DryRun logs what would be published and reports every record as a success.
type DryRun struct {
	logger *zap.Logger
}

// NewDryRun returns a DryRun publisher.
func NewDryRun(logger *zap.Logger) *DryRun {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DryRun{logger: logger}
}

func (d *DryRun) Publish(ctx context.Context, records []*event.Record) (Stats, error) {
	d.logger.Info("dry run: simulating publish", zap.Int("events", len(records)))
	var stats Stats
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			stats.Skipped += len(records) - i
			return stats, err
		}
		e := ToEntry(rec)
		d.logger.Debug("dry run: would publish",
			zap.String("summary", e.Summary),
			zap.String("location", e.Location),
			zap.Time("start", rec.Start),
		)
		stats.Success++
		if (i+1)%progressEvery == 0 {
			d.logger.Info("publish progress", zap.Int("done", i+1), zap.Int("total", len(records)))
		}
	}
	return stats, nil
}
