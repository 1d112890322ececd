// Package gemini asks a Gemini model for the venue of events whose page
// scrape found nothing usable.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/cronquiles/cronquiles/pkg/event"
	"github.com/cronquiles/cronquiles/pkg/pipeline/core"
	"google.golang.org/genai"
)

// TargetKey is the limiter key shared by every Gemini request.
const TargetKey = "gemini"

const maxDescriptionBytes = 2000

var (
	// ErrNoVenue means the model could not name a venue.
	ErrNoVenue = errors.New("gemini: no venue found")
	// ErrLowConfidence means the model answered but flagged its own answer as a guess.
	ErrLowConfidence = errors.New("gemini: low confidence venue")
)

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string

	// HTTPClient, if set, replaces the SDK's default client.
	HTTPClient *http.Client
}

// Lookup is one record queued for a model lookup. Lookups share the
// TargetKey limiter slot instead of the event host's.
type Lookup struct {
	Record *event.Record
}

func (l *Lookup) TargetKey() string { return TargetKey }

func (l *Lookup) Identity() string { return l.Record.Identity() }

// Lookups wraps records for scheduling.
func Lookups(records []*event.Record) []*Lookup {
	out := make([]*Lookup, 0, len(records))
	for _, r := range records {
		out = append(out, &Lookup{Record: r})
	}
	return out
}

type Enricher struct {
	client *genai.Client
	model  string
}

func New(ctx context.Context, cfg Config) (*Enricher, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("GEMINI_MODEL is required")
	}

	cc := &genai.ClientConfig{
		APIKey:     strings.TrimSpace(cfg.APIKey),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Enricher{client: client, model: strings.TrimSpace(cfg.Model)}, nil
}

// Model reports the configured model name.
func (e *Enricher) Model() string { return e.model }

type responseSchema struct {
	Venue      string `json:"venue"`
	Address    string `json:"address"`
	Confidence string `json:"confidence"`
}

var outputSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"venue":      {Type: genai.TypeString},
		"address":    {Type: genai.TypeString},
		"confidence": {Type: genai.TypeString},
	},
	Required: []string{"venue", "address", "confidence"},
}

// Enrich makes one GenerateContent call and, on a usable answer, overwrites
// the record's Location.
func (e *Enricher) Enrich(ctx context.Context, l *Lookup) error {
	rec := l.Record
	if strings.TrimSpace(rec.URL) == "" && strings.TrimSpace(rec.Summary) == "" {
		return core.Permanent(errors.New("gemini: record has neither url nor summary"))
	}

	resp, err := e.client.Models.GenerateContent(
		ctx,
		e.model,
		genai.Text(buildPrompt(rec)),
		&genai.GenerateContentConfig{
			Tools: []*genai.Tool{
				{URLContext: &genai.URLContext{}},
			},
			CandidateCount:   1,
			ResponseMIMEType: "application/json",
			ResponseSchema:   outputSchema,
		},
	)
	if err != nil {
		return classifyErr(err)
	}

	var parsed responseSchema
	if err := json.Unmarshal([]byte(resp.Text()), &parsed); err != nil {
		return core.Permanent(fmt.Errorf("gemini: parse structured json: %w", err))
	}

	loc, err := locationFrom(parsed)
	if err != nil {
		return core.Permanent(err)
	}
	rec.Location = loc
	return nil
}

func locationFrom(p responseSchema) (string, error) {
	venue := strings.TrimSpace(p.Venue)
	addr := strings.TrimSpace(p.Address)
	if venue == "" {
		return "", ErrNoVenue
	}
	if strings.EqualFold(strings.TrimSpace(p.Confidence), "low") {
		return "", ErrLowConfidence
	}
	if addr == "" || strings.EqualFold(addr, venue) {
		return venue, nil
	}
	return venue + ", " + addr, nil
}

func buildPrompt(rec *event.Record) string {
	// Only public event fields go into the prompt.
	var b strings.Builder
	b.WriteString(strings.TrimSpace(`
You help complete a public tech-community calendar. Given an event, find where it takes place.

Return ONLY a single JSON object with these keys:
- venue (string; the place name, or "Online" for virtual events)
- address (string; street address and city)
- confidence (string; one of: low, medium, high)

Rules:
- If you cannot find a field, set it to an empty string.
- Do not include extra keys.
`))
	b.WriteString("\n\n")
	if rec.Summary != "" {
		b.WriteString("Title: " + rec.Summary + "\n")
	}
	if rec.URL != "" {
		b.WriteString("URL: " + rec.URL + "\n")
	}
	if rec.Location != "" {
		b.WriteString("Known location: " + rec.Location + "\n")
	}
	if d := strings.TrimSpace(rec.Description); d != "" {
		d = truncate(d, maxDescriptionBytes)
		b.WriteString("Description: " + d + "\n")
	}
	return b.String()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code/100 == 5 {
			return &core.TransientError{Err: err}
		}
		return core.Permanent(err)
	}
	var ne net.Error
	if errors.As(err, &ne) && (ne.Timeout() || ne.Temporary()) {
		return &core.TransientError{Err: err}
	}
	return err
}
