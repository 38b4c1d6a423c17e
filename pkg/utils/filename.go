package utils

import (
	"regexp"
	"strings"
)

var (
	unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._=-]+`)
	urlScheme       = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)
)

// maxNameStem bounds the readable part of an output name; the hash suffix comes on top.
const maxNameStem = 80

// OutputName turns a fetched URL into a file name of the form <stem>-<hash8>.
// The stem is the URL without its scheme, with every run of unsafe characters
// folded to one underscore. The suffix is the short SHA-256 of the full URL, so
// URLs that collapse or truncate to the same stem still get distinct names.
func OutputName(rawURL string) string {
	stem := urlScheme.ReplaceAllString(rawURL, "")
	stem = unsafeNameChars.ReplaceAllString(stem, "_")
	stem = strings.Trim(stem, "_.")
	if len(stem) > maxNameStem {
		stem = strings.TrimRight(stem[:maxNameStem], "_.")
	}
	if stem == "" {
		stem = "document"
	}
	return stem + "-" + ShortHash(rawURL, 8)
}
