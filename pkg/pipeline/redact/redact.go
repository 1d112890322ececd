package redact

import (
	"regexp"
	"strings"
)

var (
	// Matches "Bearer <token>" (JWTs and opaque tokens).
	bearerTokenRe = regexp.MustCompile(`(?i)\bBearer\s+[^\s"']+`)

	// Common key=value formats that sometimes leak in error strings.
	apiKeyKVRe = regexp.MustCompile(`(?i)\b(api[_-]?key|gemini[_-]?api[_-]?key)\b\s*[:=]\s*[^\s"']+`)

	// Secret query parameters on feed URLs (?key=..., &token=...).
	queryTokenRe = regexp.MustCompile(`(?i)([?&](?:key|token|access_token|auth|sig|signature)=)[^&\s"']+`)

	// Google Calendar "secret address" path segment: /private-<hex>/basic.ics.
	privateICSRe = regexp.MustCompile(`(?i)/private-[0-9a-f]{8,}/`)
)

// Secrets removes obvious secret-bearing substrings from error/log strings,
// including credentials embedded in private calendar feed URLs.
func Secrets(s string) string {
	if s == "" {
		return ""
	}
	out := s
	out = bearerTokenRe.ReplaceAllString(out, "Bearer <redacted>")
	out = apiKeyKVRe.ReplaceAllString(out, "<redacted_kv>")
	out = queryTokenRe.ReplaceAllString(out, "${1}<redacted>")
	out = privateICSRe.ReplaceAllString(out, "/private-<redacted>/")
	return strings.TrimSpace(out)
}
