package meetup_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cronquiles/cronquiles/internal/enrich/meetup"
	"github.com/cronquiles/cronquiles/internal/mockmeetup"
	"github.com/cronquiles/cronquiles/pkg/event"
	"github.com/cronquiles/cronquiles/pkg/pipeline/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSite(t *testing.T) (*mockmeetup.Server, *meetup.Enricher) {
	t.Helper()
	site := mockmeetup.New()
	srv := httptest.NewServer(site.Handler())
	t.Cleanup(srv.Close)
	site.SetBaseURL(srv.URL)
	return site, meetup.New(srv.Client())
}

func TestEnrich_SetsLocationFromJSONLD(t *testing.T) {
	t.Parallel()

	site, e := newSite(t)
	site.AddEvent("301", mockmeetup.Behavior{Venue: "Platanus Hack", Address: "Av. Italia 850"})

	rec := &event.Record{URL: site.EventURL("301"), Location: "Santiago"}
	require.NoError(t, e.Enrich(context.Background(), rec))
	assert.Equal(t, "Platanus Hack, Av. Italia 850, Santiago", rec.Location)
	assert.Equal(t, 1, site.Hits("301"))
}

func TestEnrich_Classification(t *testing.T) {
	t.Parallel()

	site, e := newSite(t)
	site.AddEvent("gone", mockmeetup.Behavior{Status: http.StatusGone})
	site.AddEvent("forbidden", mockmeetup.Behavior{Status: http.StatusForbidden})
	site.AddEvent("throttled", mockmeetup.Behavior{FailTimes: 1, FailStatus: http.StatusTooManyRequests, RetryAfter: "2", Venue: "x"})
	site.AddEvent("down", mockmeetup.Behavior{FailTimes: 1, FailStatus: http.StatusBadGateway, Venue: "x"})
	site.AddEvent("novenue", mockmeetup.Behavior{})

	tests := []struct {
		name          string
		url           string
		wantTransient bool
		wantIs        error
	}{
		{name: "malformed url", url: "::not-a-url", wantTransient: false},
		{name: "missing page", url: site.EventURL("missing"), wantTransient: false, wantIs: meetup.ErrNotFound},
		{name: "gone", url: site.EventURL("gone"), wantTransient: false, wantIs: meetup.ErrNotFound},
		{name: "forbidden", url: site.EventURL("forbidden"), wantTransient: false},
		{name: "throttled", url: site.EventURL("throttled"), wantTransient: true},
		{name: "bad gateway", url: site.EventURL("down"), wantTransient: true},
		{name: "no venue", url: site.EventURL("novenue"), wantTransient: false, wantIs: meetup.ErrNoVenue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &event.Record{URL: tt.url, Location: "Stgo"}
			err := e.Enrich(context.Background(), rec)
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, core.IsTransient(err), "err=%v", err)
			if !tt.wantTransient {
				var pe *core.PermanentError
				assert.True(t, errors.As(err, &pe), "expected permanent, got %T", err)
			}
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			assert.Equal(t, "Stgo", rec.Location, "failed attempts must not touch the record")
		})
	}
}

func TestEnrich_ThrottleCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	site, e := newSite(t)
	site.AddEvent("t", mockmeetup.Behavior{FailTimes: 1, FailStatus: http.StatusTooManyRequests, RetryAfter: "3", Venue: "x"})

	err := e.Enrich(context.Background(), &event.Record{URL: site.EventURL("t")})
	require.Error(t, err)
	assert.Equal(t, "3s", core.RetryAfter(err).String())
}

func TestEnrich_ConnectionRefusedIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/events/1/"
	srv.Close()

	err := meetup.New(nil).Enrich(context.Background(), &event.Record{URL: url})
	require.Error(t, err)
	assert.True(t, core.IsTransient(err), "err=%v", err)
}

func TestExtractLocation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		page string
		want string
		err  error
	}{
		{
			name: "json-ld graph array with string address",
			page: `<script type="application/ld+json">[{"@type":"Organization","name":"x"},{"@type":"SocialEvent","location":{"@type":"Place","name":"WeWork Nueva Las Condes","address":"Cerro El Plomo 5630"}}]</script>`,
			want: "WeWork Nueva Las Condes, Cerro El Plomo 5630",
		},
		{
			name: "virtual event",
			page: `<script type="application/ld+json">{"@type":"Event","location":{"@type":"VirtualLocation","url":"https://zoom.us/j/1"}}</script>`,
			want: "Online",
		},
		{
			name: "location block fallback",
			page: `<div data-testid="location-info">  Biblioteca Nacional
			   Av. Libertador Bernardo O'Higgins 651 </div>`,
			want: "Biblioteca Nacional Av. Libertador Bernardo O'Higgins 651",
		},
		{
			name: "invalid json-ld falls through",
			page: `<script type="application/ld+json">{not json</script><address>Casa Moneda</address>`,
			want: "Casa Moneda",
		},
		{
			name: "nothing",
			page: `<html><body><p>Hola</p></body></html>`,
			err:  meetup.ErrNoVenue,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := meetup.ExtractLocation([]byte(tt.page))
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
