// Package event defines the normalized calendar event shared by feed
// ingestion, enrichment and publishing.
package event

import (
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// Record is one normalized calendar event.
//
// Records are owned by the caller. Enrichment borrows a record for the length of
// one attempt and may rewrite Location in place.
type Record struct {
	UID         string
	URL         string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Tags        []string

	// FeedName and SourceURL identify the feed the record came from.
	FeedName  string
	SourceURL string

	// Raw is the VEVENT the record was normalized from, if any.
	Raw *ical.Component
}

// TargetKey is the lower-cased host of the event URL, used as the rate-limit key.
func (r *Record) TargetKey() string {
	u, err := url.Parse(strings.TrimSpace(r.URL))
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Identity is the event URL, or the UID when the event has no URL.
func (r *Record) Identity() string {
	if u := strings.TrimSpace(r.URL); u != "" {
		return u
	}
	return r.UID
}

// HasTag reports whether the record carries tag (case-insensitive).
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
