package observability

import (
	"html"
	"strings"
)

var controlReplacer = strings.NewReplacer(
	"\n", "_",
	"\r", "_",
	"\t", "_",
)

// Sanitize cleans an untrusted string before it reaches a log sink.
// Newlines, carriage returns and tabs are replaced with underscores so a
// value cannot forge additional log lines, then the result is HTML-escaped
// for the report tooling that consumes the JSON logs. The cleaned value is
// always the returned one.
func Sanitize(s string) string {
	return html.EscapeString(controlReplacer.Replace(s))
}

// SanitizeAll sanitizes every element of values into a new slice, leaving
// the input untouched.
func SanitizeAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = Sanitize(v)
	}
	return out
}
