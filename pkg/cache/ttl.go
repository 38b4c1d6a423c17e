package cache

import (
	"regexp"
	"time"

	"github.com/Sriram-PR/resilient-fetch/pkg/config"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

type ttlRule struct {
	re  *regexp.Regexp
	ttl time.Duration
}

// TTLManager picks a TTL per content class: the first rule whose pattern matches wins,
// otherwise the default applies.
type TTLManager struct {
	rules      []ttlRule
	defaultTTL time.Duration
}

// NewTTLManager compiles rules in order.
func NewTTLManager(defaultTTL time.Duration, rules []config.TTLRule) (*TTLManager, error) {
	patterns := make([]string, len(rules))
	for i, r := range rules {
		patterns[i] = r.Pattern
	}
	compiled, err := utils.CompileRegexPatterns(patterns)
	if err != nil {
		return nil, err
	}

	m := &TTLManager{defaultTTL: defaultTTL}
	// CompileRegexPatterns skips empty patterns, so pair them back up by position.
	j := 0
	for _, r := range rules {
		if r.Pattern == "" {
			continue
		}
		m.rules = append(m.rules, ttlRule{re: compiled[j], ttl: r.TTL})
		j++
	}
	return m, nil
}

// TTLFor returns the TTL for subject, usually a URL.
func (m *TTLManager) TTLFor(subject string) time.Duration {
	for _, r := range m.rules {
		if r.re.MatchString(subject) {
			return r.ttl
		}
	}
	return m.defaultTTL
}

// Default returns the TTL used when no rule matches.
func (m *TTLManager) Default() time.Duration {
	return m.defaultTTL
}
