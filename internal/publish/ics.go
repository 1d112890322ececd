package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cronquiles/cronquiles/pkg/event"
	"github.com/emersion/go-ical"
	"go.uber.org/zap"
)

const prodID = "-//cronquiles//cronquiles//EN"

// ICSFile writes the batch as a single VCALENDAR file, replacing it atomically.
type ICSFile struct {
	path   string
	name   string
	logger *zap.Logger
	now    func() time.Time
}

// NewICSFile returns a publisher writing to path.
func NewICSFile(path, calendarName string, logger *zap.Logger) *ICSFile {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ICSFile{path: path, name: calendarName, logger: logger, now: time.Now}
}

func (p *ICSFile) Publish(ctx context.Context, records []*event.Record) (Stats, error) {
	var buf bytes.Buffer
	stats, err := EncodeICS(ctx, &buf, records, p.name, p.now(), p.logger)
	if err != nil {
		return stats, err
	}
	if err := writeFileAtomic(p.path, buf.Bytes()); err != nil {
		return Stats{Failed: stats.Success, Skipped: stats.Skipped + stats.Failed}, err
	}
	p.logger.Info("calendar written",
		zap.String("path", p.path),
		zap.Int("success", stats.Success),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

// EncodeICS writes records to w as one VCALENDAR. Records without a start
// time are skipped; records whose VEVENT does not encode are counted as failed.
func EncodeICS(ctx context.Context, w io.Writer, records []*event.Record, name string, stamp time.Time, logger *zap.Logger) (Stats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cal := newCalendar(name)

	var stats Stats
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			stats.Skipped += len(records) - i
			return stats, err
		}
		if rec.Start.IsZero() {
			stats.Skipped++
			continue
		}
		ev := toVEvent(ToEntry(rec), stamp)
		if err := checkEvent(ev); err != nil {
			logger.Warn("event not publishable",
				zap.String("record", rec.Identity()),
				zap.Error(err),
			)
			stats.Failed++
			continue
		}
		cal.Children = append(cal.Children, ev.Component)
		stats.Success++
		if (i+1)%progressEvery == 0 {
			logger.Info("publish progress", zap.Int("done", i+1), zap.Int("total", len(records)))
		}
	}

	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return Stats{Failed: stats.Success, Skipped: stats.Skipped + stats.Failed}, fmt.Errorf("encode calendar: %w", err)
	}
	return stats, nil
}

func newCalendar(name string) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)
	if name != "" {
		cal.Props.SetText("NAME", name)
	}
	return cal
}

func toVEvent(e Entry, stamp time.Time) *ical.Event {
	rec := e.Record
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, e.UID)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())

	if rec.AllDay {
		ev.Props.SetDate(ical.PropDateTimeStart, rec.Start)
		if !rec.End.IsZero() {
			ev.Props.SetDate(ical.PropDateTimeEnd, rec.End)
		}
	} else {
		ev.Props.SetDateTime(ical.PropDateTimeStart, rec.Start.UTC())
		if !rec.End.IsZero() {
			ev.Props.SetDateTime(ical.PropDateTimeEnd, rec.End.UTC())
		}
	}

	if e.Summary != "" {
		ev.Props.SetText(ical.PropSummary, e.Summary)
	}
	if e.Description != "" {
		ev.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Location != "" {
		ev.Props.SetText(ical.PropLocation, e.Location)
	}
	if e.URL != "" {
		p := ical.NewProp(ical.PropURL)
		p.Value = e.URL
		ev.Props.Set(p)
	}
	if len(e.Categories) > 0 {
		ev.Props.SetTextList(ical.PropCategories, e.Categories)
	}
	if e.Color != "" {
		ev.Props.SetText("COLOR", e.Color)
	}
	return ev
}

// checkEvent encodes ev on its own so one bad event cannot break the file.
func checkEvent(ev *ical.Event) error {
	cal := newCalendar("")
	cal.Children = append(cal.Children, ev.Component)
	return ical.NewEncoder(io.Discard).Encode(cal)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
