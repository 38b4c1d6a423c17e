package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"

	"github.com/Sriram-PR/resilient-fetch/pkg/config"
	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/parse"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// failedRobotsTTL bounds how long a failed robots.txt fetch is remembered.
const failedRobotsTTL = time.Minute

// RobotsDecision is the outcome of a robots.txt check.
type RobotsDecision struct {
	Allowed     bool
	MatchedRule string        // "Allow: /x" or "Disallow: /x"; empty when no rule matched
	CrawlDelay  time.Duration // Crawl-delay of the matched group, zero if none
	FromCache   bool
	Reason      string
}

type compiledRule struct {
	models.RobotsRule
	re *regexp.Regexp
}

type compiledGroup struct {
	agents []string // lowercased
	rules  []compiledRule
}

// robotsEntry is one cached domain.
type robotsEntry struct {
	parsed *models.ParsedRobotsTxt
	data   *robotstxt.RobotsData // nil unless the file was fetched and parsed
	groups []compiledGroup
}

// RobotsChecker fetches, caches and evaluates robots.txt per domain.
type RobotsChecker struct {
	fetcher   *Fetcher
	limiter   *DomainRateLimiter // receives Crawl-delay values; may be nil
	cfg       config.RobotsConfig
	userAgent string
	agentKey  string // lowercased product token of userAgent

	mu       sync.RWMutex
	cache    map[string]*robotsEntry
	inflight singleflight.Group

	log *logrus.Entry
	now func() time.Time
}

// NewRobotsChecker creates a RobotsChecker evaluating rules for userAgent.
func NewRobotsChecker(fetcher *Fetcher, limiter *DomainRateLimiter, cfg config.RobotsConfig, userAgent string, log *logrus.Entry) *RobotsChecker {
	return &RobotsChecker{
		fetcher:   fetcher,
		limiter:   limiter,
		cfg:       cfg,
		userAgent: userAgent,
		agentKey:  productToken(userAgent),
		cache:     make(map[string]*robotsEntry),
		log:       log.WithField("component", "robots"),
		now:       time.Now,
	}
}

// productToken reduces "MyBot/1.2 (+http://...)" to "mybot".
func productToken(ua string) string {
	ua = strings.ToLower(strings.TrimSpace(ua))
	if i := strings.IndexAny(ua, "/ "); i >= 0 {
		ua = ua[:i]
	}
	return ua
}

// Check returns a *utils.RobotsDisallowedError when rawURL may not be fetched.
func (rc *RobotsChecker) Check(ctx context.Context, rawURL string) (RobotsDecision, error) {
	decision, err := rc.IsAllowed(ctx, rawURL)
	if err != nil {
		return decision, err
	}
	if !decision.Allowed {
		return decision, &utils.RobotsDisallowedError{URL: rawURL, Rule: decision.MatchedRule, Reason: decision.Reason}
	}
	return decision, nil
}

// IsAllowed evaluates rawURL against its domain's robots.txt, fetching it when the
// cached copy is missing or expired. Errors are returned only for unusable URLs or
// when ctx ends while waiting for the fetch.
func (rc *RobotsChecker) IsAllowed(ctx context.Context, rawURL string) (RobotsDecision, error) {
	if !rc.cfg.Enabled {
		return RobotsDecision{Allowed: true, Reason: "robots checks disabled"}, nil
	}
	target, err := parse.ParseTarget(rawURL)
	if err != nil {
		return RobotsDecision{}, err
	}
	domain, _ := parse.HostOf(rawURL)

	entry, fromCache, err := rc.entryFor(ctx, domain, parse.RobotsURL(target))
	if err != nil {
		return RobotsDecision{}, err
	}

	decision := rc.evaluate(entry, requestPath(target))
	decision.FromCache = fromCache
	if decision.CrawlDelay > 0 && rc.limiter != nil {
		rc.limiter.SetCrawlDelay(domain, decision.CrawlDelay)
	}
	return decision, nil
}

// Sitemaps returns the Sitemap directives of the robots.txt governing rawURL.
func (rc *RobotsChecker) Sitemaps(ctx context.Context, rawURL string) ([]string, error) {
	target, err := parse.ParseTarget(rawURL)
	if err != nil {
		return nil, err
	}
	domain, _ := parse.HostOf(rawURL)
	entry, _, err := rc.entryFor(ctx, domain, parse.RobotsURL(target))
	if err != nil {
		return nil, err
	}
	return append([]string(nil), entry.parsed.Sitemaps...), nil
}

// Cached returns the cached robots.txt of domain, if present and fresh.
func (rc *RobotsChecker) Cached(domain string) (*models.ParsedRobotsTxt, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	entry, ok := rc.cache[domain]
	if !ok || entry.parsed.Expired(rc.now()) {
		return nil, false
	}
	return entry.parsed, true
}

// Invalidate drops the cached robots.txt of domain.
func (rc *RobotsChecker) Invalidate(domain string) {
	rc.mu.Lock()
	delete(rc.cache, domain)
	rc.mu.Unlock()
}

// Len returns the number of cached domains, expired ones included.
func (rc *RobotsChecker) Len() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return len(rc.cache)
}

func (rc *RobotsChecker) entryFor(ctx context.Context, domain, robotsURL string) (*robotsEntry, bool, error) {
	rc.mu.RLock()
	entry, ok := rc.cache[domain]
	rc.mu.RUnlock()
	if ok && !entry.parsed.Expired(rc.now()) {
		return entry, true, nil
	}

	// One fetch per domain; it outlives any single caller's cancellation.
	ch := rc.inflight.DoChan(domain, func() (any, error) {
		rc.mu.RLock()
		cached, ok := rc.cache[domain]
		rc.mu.RUnlock()
		if ok && !cached.parsed.Expired(rc.now()) {
			return cached, nil
		}

		fetchCtx := context.WithoutCancel(ctx)
		if rc.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, rc.cfg.Timeout)
			defer cancel()
		}
		fresh := rc.fetch(fetchCtx, domain, robotsURL)
		rc.mu.Lock()
		rc.cache[domain] = fresh
		rc.mu.Unlock()
		return fresh, nil
	})

	select {
	case res := <-ch:
		return res.Val.(*robotsEntry), false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// fetch downloads and parses robots.txt. It never fails; failures are recorded in the entry.
func (rc *RobotsChecker) fetch(ctx context.Context, domain, robotsURL string) *robotsEntry {
	now := rc.now()
	parsed := &models.ParsedRobotsTxt{Domain: domain, ParsedAt: now, ExpiresAt: now.Add(rc.cfg.CacheTTL)}
	entry := &robotsEntry{parsed: parsed}
	robotsLog := rc.log.WithFields(logrus.Fields{"domain": domain, "robots_url": robotsURL})

	fail := func(err error) *robotsEntry {
		robotsLog.Warnf("robots.txt unavailable: %v", err)
		parsed.Success = false
		parsed.Error = err.Error()
		parsed.ExpiresAt = now.Add(min(rc.cfg.CacheTTL, failedRobotsTTL))
		return entry
	}

	doc, err := rc.fetcher.Fetch(ctx, robotsURL)
	if doc != nil {
		parsed.StatusCode = doc.StatusCode
	}
	var statusErr *utils.HTTPStatusError
	switch {
	case err == nil:
	case errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500:
		// No usable file: everything is allowed.
		robotsLog.Debugf("robots.txt returned %d, allowing all", statusErr.StatusCode)
		parsed.Success = true
		return entry
	default:
		return fail(err)
	}

	data, err := robotstxt.FromStatusAndBytes(doc.StatusCode, doc.Body)
	if err != nil {
		return fail(utils.WrapErrorf(utils.ErrParsing, "robots.txt for %s: %v", domain, err))
	}

	entry.data = data
	entry.groups = parseRobotsGroups(string(doc.Body))
	parsed.Success = true
	parsed.Sitemaps = data.Sitemaps
	parsed.Groups = make([]models.RobotsGroup, 0, len(entry.groups))
	for _, g := range entry.groups {
		mg := models.RobotsGroup{UserAgents: g.agents, Rules: make([]models.RobotsRule, 0, len(g.rules))}
		if len(g.agents) > 0 {
			if rg := data.FindGroup(g.agents[0]); rg != nil {
				mg.CrawlDelay = rg.CrawlDelay
			}
		}
		for _, r := range g.rules {
			mg.Rules = append(mg.Rules, r.RobotsRule)
		}
		parsed.Groups = append(parsed.Groups, mg)
	}
	robotsLog.WithField("groups", len(parsed.Groups)).Debug("Fetched and parsed robots.txt")
	return entry
}

// evaluate applies the most specific matching rule of the group that applies to us.
func (rc *RobotsChecker) evaluate(entry *robotsEntry, path string) RobotsDecision {
	if !entry.parsed.Success {
		if rc.cfg.OnFetchError == config.OnFetchErrorDeny {
			return RobotsDecision{Allowed: false, Reason: "robots.txt unavailable: " + entry.parsed.Error}
		}
		return RobotsDecision{Allowed: true, Reason: "robots.txt unavailable, allowing"}
	}
	if path == "/robots.txt" {
		return RobotsDecision{Allowed: true, Reason: "robots.txt itself"}
	}

	var crawlDelay time.Duration
	if entry.data != nil {
		if g := entry.data.FindGroup(rc.userAgent); g != nil {
			crawlDelay = g.CrawlDelay
		}
	}

	rules := rc.rulesFor(entry.groups)
	best := -1
	bestLen := -1
	for i, r := range rules {
		if !r.re.MatchString(path) {
			continue
		}
		l := len(r.Path)
		// Longest pattern wins; on a tie Allow beats Disallow.
		if l > bestLen || (l == bestLen && r.Allow && !rules[best].Allow) {
			best, bestLen = i, l
		}
	}
	if best < 0 {
		return RobotsDecision{Allowed: true, CrawlDelay: crawlDelay, Reason: "no matching rule"}
	}
	r := rules[best]
	if r.Allow {
		return RobotsDecision{Allowed: true, MatchedRule: "Allow: " + r.Path, CrawlDelay: crawlDelay, Reason: "allowed by rule"}
	}
	return RobotsDecision{Allowed: false, MatchedRule: "Disallow: " + r.Path, CrawlDelay: crawlDelay, Reason: "disallowed by rule"}
}

// rulesFor merges the groups naming the most specific agent matching our product
// token, or the "*" groups when none does.
func (rc *RobotsChecker) rulesFor(groups []compiledGroup) []compiledRule {
	bestAgent := ""
	for _, g := range groups {
		for _, a := range g.agents {
			if a != "*" && rc.agentKey != "" && strings.Contains(rc.agentKey, a) && len(a) > len(bestAgent) {
				bestAgent = a
			}
		}
	}
	if bestAgent == "" {
		bestAgent = "*"
	}

	var rules []compiledRule
	for _, g := range groups {
		for _, a := range g.agents {
			if a == bestAgent {
				rules = append(rules, g.rules...)
				break
			}
		}
	}
	return rules
}

// requestPath is the part of u that robots rules are matched against.
func requestPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

// parseRobotsGroups reads the user-agent groups and their Allow/Disallow lines.
// Consecutive User-agent lines share one group; a User-agent line after any rule starts a new one.
func parseRobotsGroups(body string) []compiledGroup {
	var groups []compiledGroup
	var cur *compiledGroup
	inAgents := false

	for _, line := range strings.Split(body, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			if !inAgents || cur == nil {
				groups = append(groups, compiledGroup{})
				cur = &groups[len(groups)-1]
			}
			inAgents = true
			cur.agents = append(cur.agents, productToken(value))
		case "allow", "disallow":
			inAgents = false
			if cur == nil || value == "" {
				// An empty Disallow allows everything, same as no rule.
				continue
			}
			re, err := compileRobotsPattern(value)
			if err != nil {
				continue
			}
			cur.rules = append(cur.rules, compiledRule{RobotsRule: models.RobotsRule{Path: value, Allow: key == "allow"}, re: re})
		default:
			// Crawl-delay and friends also close the agent list.
			if cur != nil {
				inAgents = false
			}
		}
	}
	return groups
}

// compileRobotsPattern turns a rule path with "*" and a trailing "$" into an anchored regexp.
func compileRobotsPattern(pattern string) (*regexp.Regexp, error) {
	anchored := strings.HasSuffix(pattern, "$")
	pattern = strings.TrimSuffix(pattern, "$")

	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	expr := "^" + strings.Join(parts, ".*")
	if anchored {
		expr += "$"
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("robots pattern %s: %w", strconv.Quote(pattern), err)
	}
	return re, nil
}
