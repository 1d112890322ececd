// Package meetup fills in missing venue locations by scraping Meetup event pages.
package meetup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cronquiles/cronquiles/internal/httpx"
	"github.com/cronquiles/cronquiles/pkg/event"
	"github.com/cronquiles/cronquiles/pkg/pipeline/core"
)

const maxPageBytes = 4 << 20

var (
	// ErrNotFound means the event page no longer exists.
	ErrNotFound = errors.New("event page not found")
	// ErrNoVenue means the page was fetched but carries no usable location.
	ErrNoVenue = errors.New("no venue on event page")
)

// Enricher performs one GET of a record's event page per call and, on success,
// overwrites the record's Location.
type Enricher struct {
	client    *http.Client
	userAgent string
}

// New returns an Enricher. A nil client selects httpx defaults.
func New(client *http.Client) *Enricher {
	if client == nil {
		client = httpx.NewClient(httpx.ClientConfig{})
	}
	return &Enricher{client: client, userAgent: httpx.DefaultUserAgent}
}

// Enrich fetches rec.URL and extracts the venue. Failures are tagged with
// core.Transient or core.Permanent.
func (e *Enricher) Enrich(ctx context.Context, rec *event.Record) error {
	u, err := url.Parse(strings.TrimSpace(rec.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return core.Permanent(fmt.Errorf("meetup: malformed event url %q", rec.URL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return core.Permanent(fmt.Errorf("meetup: build request: %w", err))
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := e.client.Do(req)
	if err != nil {
		return classifyTransportErr(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return classifyTransportErr(err)
	}

	loc, err := ExtractLocation(body)
	if err != nil {
		return core.Permanent(err)
	}
	rec.Location = loc
	return nil
}

// ExtractLocation pulls a venue description out of an event page. It prefers
// schema.org JSON-LD and falls back to Meetup's location block.
func ExtractLocation(page []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("meetup: parse html: %w", err)
	}

	var loc string
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		loc = locationFromJSONLD([]byte(s.Text()))
		return loc == ""
	})
	if loc != "" {
		return loc, nil
	}

	for _, sel := range []string{`[data-testid="location-info"]`, `[data-event-label="event-location"]`, `address`} {
		if txt := collapseSpace(doc.Find(sel).First().Text()); txt != "" {
			return txt, nil
		}
	}
	return "", ErrNoVenue
}

type jsonLDPlace struct {
	Type    any             `json:"@type"`
	Name    string          `json:"name"`
	Address json.RawMessage `json:"address"`
}

type jsonLDAddress struct {
	StreetAddress   string `json:"streetAddress"`
	AddressLocality string `json:"addressLocality"`
	AddressRegion   string `json:"addressRegion"`
}

type jsonLDEvent struct {
	Type     any             `json:"@type"`
	Location json.RawMessage `json:"location"`
}

func locationFromJSONLD(raw []byte) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var events []jsonLDEvent
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &events); err != nil {
			return ""
		}
	} else {
		var ev jsonLDEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return ""
		}
		events = []jsonLDEvent{ev}
	}

	for _, ev := range events {
		if !hasType(ev.Type, "Event") || len(ev.Location) == 0 {
			continue
		}
		var places []jsonLDPlace
		if bytes.HasPrefix(bytes.TrimSpace(ev.Location), []byte("[")) {
			_ = json.Unmarshal(ev.Location, &places)
		} else {
			var p jsonLDPlace
			if json.Unmarshal(ev.Location, &p) == nil {
				places = []jsonLDPlace{p}
			}
		}
		for _, p := range places {
			if hasType(p.Type, "VirtualLocation") {
				return "Online"
			}
			if s := formatPlace(p); s != "" {
				return s
			}
		}
	}
	return ""
}

func formatPlace(p jsonLDPlace) string {
	parts := []string{strings.TrimSpace(p.Name)}
	if len(p.Address) > 0 {
		var addr jsonLDAddress
		var line string
		if json.Unmarshal(p.Address, &addr) == nil {
			parts = append(parts, addr.StreetAddress, addr.AddressLocality, addr.AddressRegion)
		} else if json.Unmarshal(p.Address, &line) == nil {
			parts = append(parts, line)
		}
	}

	var out []string
	for _, s := range parts {
		s = collapseSpace(s)
		if s == "" || containsFold(out, s) {
			continue
		}
		out = append(out, s)
	}
	return strings.Join(out, ", ")
}

// hasType handles both "@type": "Event" and "@type": ["Event", ...].
func hasType(v any, want string) bool {
	switch t := v.(type) {
	case string:
		return strings.EqualFold(t, want) || strings.HasSuffix(t, want)
	case []any:
		for _, x := range t {
			if hasType(x, want) {
				return true
			}
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func classifyStatus(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code/100 == 2:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return core.Permanent(fmt.Errorf("meetup: %w: %s", ErrNotFound, resp.Status))
	case code == http.StatusTooManyRequests || code/100 == 5:
		return &core.TransientError{
			Err:        fmt.Errorf("meetup: upstream status %s", resp.Status),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	default:
		return core.Permanent(fmt.Errorf("meetup: unexpected status %s", resp.Status))
	}
}

func classifyTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return core.Transient(fmt.Errorf("meetup: %w", err))
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return core.Transient(fmt.Errorf("meetup: %w", err))
	}
	return core.Permanent(fmt.Errorf("meetup: %w", err))
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
