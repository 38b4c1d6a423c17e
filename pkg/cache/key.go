package cache

import (
	"strings"

	"github.com/Sriram-PR/resilient-fetch/pkg/parse"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// DefaultProvider tags keys generated without an explicit provider.
const DefaultProvider = "default"

// URLProvider tags keys derived from fetch URLs.
const URLProvider = "url"

// KeyGenerator derives stable cache keys.
type KeyGenerator struct {
	DefaultProvider string
}

// Generate returns "provider:sha256(query)". The query is trimmed, case-folded and has
// its whitespace runs collapsed, so cosmetic differences map to the same key.
func (g KeyGenerator) Generate(query, provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = g.DefaultProvider
	}
	if provider == "" {
		provider = DefaultProvider
	}
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	return provider + ":" + utils.CalculateStringSHA256(normalized)
}

// URLKey returns the key of a fetch URL. URLs are normalized instead of case-folded,
// since paths and queries are case-sensitive.
func (g KeyGenerator) URLKey(rawURL string) string {
	normalized, _, err := parse.ParseAndNormalize(strings.TrimSpace(rawURL))
	if err != nil {
		normalized = strings.TrimSpace(rawURL)
	}
	return URLProvider + ":" + utils.CalculateStringSHA256(normalized)
}
