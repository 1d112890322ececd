package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/cronquiles/cronquiles/internal/mockmeetup"
)

func main() {
	addr := defaultString("MOCK_MEETUP_ADDR", ":8081")
	baseURL := defaultString("MOCK_MEETUP_BASE_URL", "")

	fs := flag.NewFlagSet("mock-meetup", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&baseURL, "base-url", baseURL, "Absolute URL clients use to reach this server (default http://localhost<addr>)")
	_ = fs.Parse(os.Args[1:])

	if baseURL == "" {
		host := addr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		baseURL = "http://" + host
	}

	srv := mockmeetup.New()
	srv.SetBaseURL(baseURL)
	seed(srv)

	_, _ = fmt.Fprintf(os.Stdout, "mock-meetup listening on %s (feed=%s/feeds/demo.ics)\n", addr, baseURL)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// seed registers a demo feed that covers every enrichment path.
func seed(srv *mockmeetup.Server) {
	srv.AddEvent("1001", mockmeetup.Behavior{FeedLocation: "Santiago", Venue: "Platanus Hack", Address: "Av. Italia 850"})
	srv.AddEvent("1002", mockmeetup.Behavior{FeedLocation: "Stgo", FailTimes: 2, Venue: "Espacio Riesco", Address: "Av. El Salto 5000"})
	srv.AddEvent("1003", mockmeetup.Behavior{FeedLocation: "Santiago", FailTimes: 1, FailStatus: http.StatusTooManyRequests, RetryAfter: "1", Venue: "Biblioteca Nacional"})
	srv.AddEvent("1004", mockmeetup.Behavior{FeedLocation: "Santiago", Status: http.StatusGone})
	srv.AddEvent("1005", mockmeetup.Behavior{FeedLocation: "Av. Apoquindo 2827, Las Condes", Venue: "Google for Startups Campus"})
	srv.AddEvent("1006", mockmeetup.Behavior{})
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
