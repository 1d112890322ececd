// Package feed downloads ICS calendar feeds and normalizes their events.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cronquiles/cronquiles/internal/httpx"
	"github.com/cronquiles/cronquiles/pkg/event"
	"github.com/cronquiles/cronquiles/pkg/pipeline/ratelimit"
	"github.com/cronquiles/cronquiles/pkg/pipeline/redact"
	"github.com/emersion/go-ical"
	"go.uber.org/zap"
)

// maxFeedBytes bounds a single feed download.
const maxFeedBytes = 20 << 20

// Feed is one configured calendar source.
type Feed struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Fetcher downloads feeds through the shared per-host limiter.
type Fetcher struct {
	client    *http.Client
	limiter   *ratelimit.Limiter
	userAgent string
	logger    *zap.Logger
}

// NewFetcher returns a Fetcher. A nil client selects httpx defaults.
func NewFetcher(client *http.Client, limiter *ratelimit.Limiter, logger *zap.Logger) *Fetcher {
	if client == nil {
		client = httpx.NewClient(httpx.ClientConfig{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client:    client,
		limiter:   limiter,
		userAgent: httpx.DefaultUserAgent,
		logger:    logger,
	}
}

// Fetch downloads and parses one feed.
func (f *Fetcher) Fetch(ctx context.Context, fd Feed) ([]*event.Record, error) {
	u, err := url.Parse(strings.TrimSpace(fd.URL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("feed %q: invalid url", fd.Name)
	}
	if f.limiter != nil {
		if err := f.limiter.Acquire(ctx, u.Hostname()); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("feed %q: build request: %w", fd.Name, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed %q: %w", fd.Name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("feed %q: unexpected status %s", fd.Name, resp.Status)
	}

	return Parse(io.LimitReader(resp.Body, maxFeedBytes), fd.Name, fd.URL)
}

// FetchAll fetches every feed in order. A failing feed is logged and skipped so
// one broken source never empties the run. Records are de-duplicated by identity,
// keeping the first occurrence.
func (f *Fetcher) FetchAll(ctx context.Context, feeds []Feed) []*event.Record {
	var out []*event.Record
	seen := make(map[string]struct{})
	for _, fd := range feeds {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		records, err := f.Fetch(ctx, fd)
		if err != nil {
			f.logger.Warn("feed fetch failed",
				zap.String("feed", fd.Name),
				zap.String("error", redact.Secrets(err.Error())),
			)
			continue
		}
		kept := 0
		for _, r := range records {
			id := r.Identity()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, r)
			kept++
		}
		f.logger.Info("feed fetched",
			zap.String("feed", fd.Name),
			zap.Int("events", len(records)),
			zap.Int("kept", kept),
			zap.Duration("duration", time.Since(start).Round(time.Millisecond)),
		)
	}
	return out
}

// Parse decodes every VCALENDAR in r and normalizes its VEVENTs. Events with
// neither UID nor URL cannot be tracked and are dropped.
func Parse(r io.Reader, feedName, sourceURL string) ([]*event.Record, error) {
	dec := ical.NewDecoder(r)
	var out []*event.Record
	for {
		cal, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("feed %q: decode ics: %w", feedName, err)
		}
		for _, ev := range cal.Events() {
			rec := normalize(ev.Component)
			if rec.UID == "" && rec.URL == "" {
				continue
			}
			rec.FeedName = feedName
			rec.SourceURL = sourceURL
			out = append(out, rec)
		}
	}
	return out, nil
}

func normalize(comp *ical.Component) *event.Record {
	rec := &event.Record{
		UID:         propText(comp, ical.PropUID),
		URL:         propText(comp, ical.PropURL),
		Summary:     propText(comp, ical.PropSummary),
		Description: propText(comp, ical.PropDescription),
		Location:    propText(comp, ical.PropLocation),
		Raw:         comp,
	}

	if p := comp.Props.Get(ical.PropDateTimeStart); p != nil {
		if t, err := p.DateTime(time.UTC); err == nil {
			rec.Start = t
		}
		rec.AllDay = p.ValueType() == ical.ValueDate
	}
	if p := comp.Props.Get(ical.PropDateTimeEnd); p != nil {
		if t, err := p.DateTime(time.UTC); err == nil {
			rec.End = t
		}
	}

	for _, p := range comp.Props[ical.PropCategories] {
		cats, err := p.TextList()
		if err != nil {
			continue
		}
		for _, c := range cats {
			if c = strings.ToLower(strings.TrimSpace(c)); c != "" && !rec.HasTag(c) {
				rec.Tags = append(rec.Tags, c)
			}
		}
	}

	// Some feeds only carry the event link in the description.
	if rec.URL == "" {
		rec.URL = firstURL(rec.Description)
	}
	return rec
}

func propText(comp *ical.Component, name string) string {
	p := comp.Props.Get(name)
	if p == nil {
		return ""
	}
	s, err := p.Text()
	if err != nil {
		s = p.Value
	}
	return strings.TrimSpace(s)
}

func firstURL(s string) string {
	for _, field := range strings.Fields(s) {
		if strings.HasPrefix(field, "https://") || strings.HasPrefix(field, "http://") {
			return strings.TrimRight(field, ".,;)")
		}
	}
	return ""
}
