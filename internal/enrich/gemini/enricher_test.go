package gemini

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/cronquiles/cronquiles/pkg/event"
	"github.com/cronquiles/cronquiles/pkg/pipeline/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type tempNetErr struct{}

func (tempNetErr) Error() string   { return "temp net err" }
func (tempNetErr) Timeout() bool   { return false }
func (tempNetErr) Temporary() bool { return true }

func TestClassifyErr(t *testing.T) {
	tests := []struct {
		name          string
		in            error
		wantTransient bool
	}{
		{name: "nil", in: nil, wantTransient: false},
		{name: "api_429", in: genai.APIError{Code: 429}, wantTransient: true},
		{name: "api_500", in: genai.APIError{Code: 500}, wantTransient: true},
		{name: "api_401", in: genai.APIError{Code: 401}, wantTransient: false},
		{name: "net_temporary", in: tempNetErr{}, wantTransient: true},
		{name: "wrapped_api_429", in: errors.New(genai.APIError{Code: 429}.Error()), wantTransient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyErr(tt.in)
			assert.Equal(t, tt.wantTransient, core.IsTransient(got), "err=%T %v", got, got)
		})
	}
}

func TestLocationFrom(t *testing.T) {
	tests := []struct {
		name string
		in   responseSchema
		want string
		err  error
	}{
		{name: "venue and address", in: responseSchema{Venue: "Espacio Riesco", Address: "Av. El Salto 5000, Huechuraba", Confidence: "high"}, want: "Espacio Riesco, Av. El Salto 5000, Huechuraba"},
		{name: "venue only", in: responseSchema{Venue: " Online ", Confidence: "medium"}, want: "Online"},
		{name: "address repeats venue", in: responseSchema{Venue: "GAM", Address: "gam", Confidence: "high"}, want: "GAM"},
		{name: "empty venue", in: responseSchema{Address: "somewhere", Confidence: "high"}, err: ErrNoVenue},
		{name: "low confidence", in: responseSchema{Venue: "Maybe here", Confidence: "LOW"}, err: ErrLowConfidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := locationFrom(tt.in)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short", in: "Ñuñoa", n: 100, want: "Ñuñoa"},
		{name: "ascii cut", in: "Santiago", n: 4, want: "Sant"},
		// "ñ" is two bytes; cutting after its first byte backs off to before it.
		{name: "inside rune", in: "Ñuñoa", n: 4, want: "Ñu"},
		{name: "on boundary", in: "Ñuñoa", n: 5, want: "Ñuñ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestBuildPrompt_LongDescriptionStaysValidUTF8(t *testing.T) {
	desc := "a" + strings.Repeat("ñ", maxDescriptionBytes)
	prompt := buildPrompt(&event.Record{Summary: "Charla", Description: desc})

	assert.True(t, utf8.ValidString(prompt))
	assert.NotContains(t, prompt, desc)
	assert.Contains(t, prompt, "Description: a"+strings.Repeat("ñ", (maxDescriptionBytes-1)/2)+"\n")
}
