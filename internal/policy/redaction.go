package policy

import (
	"math"
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactSecret replaces every occurrence of secret in input.
func RedactSecret(input, secret string) string {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return input
	}
	return strings.ReplaceAll(input, secret, "[REDACTED_TOKEN]")
}

// LocationPrecision controls how many decimal places of a coordinate may be
// written to logs. Three places is roughly a city block.
type LocationPrecision int

const (
	CoarseLocation  LocationPrecision = 3
	PreciseLocation LocationPrecision = 6
)

// Coarsen rounds a coordinate for logging.
func (p LocationPrecision) Coarsen(v float64) float64 {
	scale := math.Pow(10, float64(p))
	return math.Round(v*scale) / scale
}
