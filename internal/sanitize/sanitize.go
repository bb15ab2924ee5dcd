package sanitize

import (
	"regexp"
	"strings"
)

// Marker replaces redacted content in diagnostic text.
const Marker = "**********"

// Drivers mask credentials with runs of asterisks of varying length.
// Scrub normalizes those runs so the output carries a single marker form.
var maskRun = regexp.MustCompile(`\*{8,}`)

// Sanitizer removes a configured secret from arbitrary diagnostic text.
// Driver errors can embed the connection password verbatim, so every path
// that logs or returns a driver error must pass it through here first.
type Sanitizer struct {
	secret string
}

func New(secret string) *Sanitizer {
	return &Sanitizer{secret: secret}
}

// Clean replaces every literal occurrence of the secret with the marker.
// The secret is matched as plain text, never as a pattern, so regexp
// metacharacters in passwords cannot change the match. An empty secret
// is a no-op.
func (s *Sanitizer) Clean(text string) string {
	if s.secret == "" {
		return text
	}
	return strings.ReplaceAll(text, s.secret, Marker)
}

// Scrub normalizes mask runs the driver itself inserted into the text.
func (s *Sanitizer) Scrub(text string) string {
	return maskRun.ReplaceAllString(text, Marker)
}
