package docker

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxNamePart = 40

var transformer = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)), // Mn = non-spacing marks (the accent part)
	norm.NFC,
)
var invalidChars = regexp.MustCompile(`[^a-z0-9_-]+`)

func toASCII(s string) string {
	result, _, _ := transform.String(transformer, s)
	return result
}

// SanitizeProjectName lowercases name, strips accents and replaces anything
// Docker or Compose would reject with dashes.
func SanitizeProjectName(name string) string {
	s := toASCII(strings.ToLower(name))
	s = invalidChars.ReplaceAllString(s, "-")
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	s = strings.TrimRight(s, "-_")
	return s
}

// ResourceName is the container (or compose project) name of an instance.
// It is stable for a given instance so retried starts find the same resource.
func ResourceName(challengeName, instanceID string) string {
	base := SanitizeProjectName("kiln-" + challengeName)
	if len(base) > maxNamePart {
		base = strings.TrimRight(base[:maxNamePart], "-_")
	}
	sum := sha1.Sum([]byte(instanceID))
	return base + "-" + hex.EncodeToString(sum[:])[:10]
}
