// Package mockmeetup serves fake Meetup event pages and ICS feeds with scripted
// failures, for tests and local runs.
package mockmeetup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
)

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
	At     time.Time
}

// Behavior scripts how one event page responds.
type Behavior struct {
	// Venue and Address are rendered as schema.org JSON-LD. An empty Venue
	// renders a page without any location.
	Venue   string
	Address string

	// FeedLocation is the LOCATION written into the ICS feed for this event.
	FeedLocation string

	// FailTimes makes the first N requests answer FailStatus (default 503).
	FailTimes  int
	FailStatus int
	RetryAfter string

	// Status, if set, is returned on every request after the scripted failures.
	Status int

	Delay time.Duration
}

type eventState struct {
	behavior Behavior
	hits     int
}

// Server implements a minimal Meetup-like surface: /events/{id}/ pages and
// /feeds/{name}.ics calendars.
type Server struct {
	mu      sync.Mutex
	calls   []Call
	events  map[string]*eventState
	baseURL string
}

// New constructs a new mock server.
func New() *Server {
	return &Server{events: make(map[string]*eventState)}
}

// SetBaseURL sets the absolute URL prefix used for event links in feeds.
func (s *Server) SetBaseURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseURL = strings.TrimRight(u, "/")
}

// AddEvent registers an event page.
func (s *Server) AddEvent(id string, b Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id] = &eventState{behavior: b}
}

// Handler returns an http.Handler that serves the mock site.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events/", s.handleEvent)
	mux.HandleFunc("/feeds/", s.handleFeed)
	return mux
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Hits returns how many times the page for id was requested.
func (s *Server) Hits(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.events[id]; ok {
		return ev.hits
	}
	return 0
}

// EventURL returns the absolute page URL for id.
func (s *Server) EventURL(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL + "/events/" + id + "/"
}

func (s *Server) recordCall(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, At: time.Now()})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	s.recordCall(r)
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/events/"), "/")

	s.mu.Lock()
	ev, ok := s.events[id]
	var b Behavior
	var hit int
	if ok {
		ev.hits++
		hit = ev.hits
		b = ev.behavior
	}
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if b.Delay > 0 {
		select {
		case <-time.After(b.Delay):
		case <-r.Context().Done():
			return
		}
	}
	if hit <= b.FailTimes {
		status := b.FailStatus
		if status == 0 {
			status = http.StatusServiceUnavailable
		}
		if b.RetryAfter != "" {
			w.Header().Set("Retry-After", b.RetryAfter)
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	if b.Status != 0 && b.Status != http.StatusOK {
		http.Error(w, http.StatusText(b.Status), b.Status)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = pageTmpl.Execute(w, pageData{Title: "Event " + id, JSONLD: eventJSONLD(b)})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	s.recordCall(r)
	b, err := s.FeedICS()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	_, _ = w.Write(b)
}

// FeedICS renders every registered event as one VCALENDAR, ordered by id.
func (s *Server) FeedICS() ([]byte, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	behaviors := make(map[string]Behavior, len(s.events))
	for id, ev := range s.events {
		behaviors[id] = ev.behavior
	}
	base := s.baseURL
	s.mu.Unlock()
	sort.Strings(ids)

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//cronquiles//mockmeetup//EN")

	start := time.Date(2025, 3, 1, 22, 0, 0, 0, time.UTC)
	for i, id := range ids {
		ev := ical.NewEvent()
		ev.Props.SetText(ical.PropUID, "event_"+id+"@meetup.com")
		ev.Props.SetDateTime(ical.PropDateTimeStamp, start)
		ev.Props.SetDateTime(ical.PropDateTimeStart, start.Add(time.Duration(i)*24*time.Hour))
		ev.Props.SetDateTime(ical.PropDateTimeEnd, start.Add(time.Duration(i)*24*time.Hour+2*time.Hour))
		ev.Props.SetText(ical.PropSummary, "Meetup "+id)
		if loc := behaviors[id].FeedLocation; loc != "" {
			ev.Props.SetText(ical.PropLocation, loc)
		}
		urlProp := ical.NewProp(ical.PropURL)
		urlProp.Value = base + "/events/" + id + "/"
		ev.Props.Set(urlProp)
		cal.Children = append(cal.Children, ev.Component)
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encode feed: %w", err)
	}
	return buf.Bytes(), nil
}

type pageData struct {
	Title  string
	JSONLD template.JS
}

var pageTmpl = template.Must(template.New("page").Parse(`<!doctype html>
<html><head><title>{{.Title}}</title>
{{if .JSONLD}}<script type="application/ld+json">{{.JSONLD}}</script>{{end}}
</head><body><main><h1>{{.Title}}</h1></main></body></html>`))

func eventJSONLD(b Behavior) template.JS {
	if b.Venue == "" {
		return ""
	}
	doc := map[string]any{
		"@context": "https://schema.org",
		"@type":    "Event",
		"location": map[string]any{
			"@type": "Place",
			"name":  b.Venue,
			"address": map[string]any{
				"@type":           "PostalAddress",
				"streetAddress":   b.Address,
				"addressLocality": "Santiago",
			},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	return template.JS(raw)
}
