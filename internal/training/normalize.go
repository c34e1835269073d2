package training

import (
	"regexp"
	"strings"
)

// localPartPattern accepts the unquoted RFC 5321 local-part alphabet,
// lowercased. Quoted local-parts are rejected rather than unescaped.
var localPartPattern = regexp.MustCompile("^[a-z0-9!#$%&'*+/=?^_`{|}~.-]+$")

const maxLocalPartLen = 64

// NormalizeLocalPart cleans one raw sample down to the scored local-part:
// lowercases, strips mailto: prefixes and wrapping quotes or brackets, drops
// the domain if a full address was submitted, and collapses dot runs so the
// training alphabet matches what serving accepts. Returns false when nothing
// scoreable remains.
func NormalizeLocalPart(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "mailto:")
	s = strings.Trim(s, "\"'<>[]() ")

	if at := strings.IndexByte(s, '@'); at >= 0 {
		s = s[:at]
	}

	// Dot runs and edge dots are display artifacts in scraped corpora; the
	// serving parser rejects them outright.
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", ".")
	}
	s = strings.Trim(s, ".")

	if s == "" || len(s) > maxLocalPartLen {
		return "", false
	}
	if !localPartPattern.MatchString(s) {
		return "", false
	}
	return s, true
}
