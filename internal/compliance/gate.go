// Package compliance enforces per-domain scraping policy: path blocklists,
// session page caps, inter-request delays, and meta-robots directives. The
// gate is consulted before every fetch; its state is an injectable instance
// so tests get deterministic, isolated counters.
package compliance

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openlistings/listing-ingest/internal/metrics"
)

// DomainPolicy captures the scraping rules for one domain.
type DomainPolicy struct {
	Allowed             bool          `mapstructure:"allowed"`
	Delay               time.Duration `mapstructure:"delay"`
	MaxPagesPerSession  int           `mapstructure:"max_pages_per_session"`
	RequiresAttribution bool          `mapstructure:"requires_attribution"`
	AvoidPatterns       []string      `mapstructure:"avoid_patterns"`
	TermsURL            string        `mapstructure:"terms_url"`
}

// defaultPolicy is applied to domains without explicit rules: conservative
// pacing, modest session budget.
var defaultPolicy = DomainPolicy{
	Allowed:            true,
	Delay:              2 * time.Second,
	MaxPagesPerSession: 50,
}

// protectedPatterns match paths that sit behind authentication or handle
// transactions; these are never scraped regardless of domain policy.
var protectedPatterns = []string{
	"/login", "/signin", "/account", "/profile", "/admin",
	"/checkout", "/cart", "/payment", "/api/", "/private/",
	"/member", "/dashboard", "/settings",
}

// noScrapeDirectives are robots meta content values that prohibit reuse of a
// fetched page.
var noScrapeDirectives = []string{"noindex", "nofollow", "noarchive", "nocache"}

// Gate implements ingest.ComplianceGate.
type Gate struct {
	mu           sync.Mutex
	policies     map[string]DomainPolicy
	sessionPages map[string]int
	lastRequest  map[string]time.Time
	logger       *zap.Logger
}

// New builds a Gate with the provided per-domain policies (keyed by host,
// may be nil).
func New(policies map[string]DomainPolicy, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	normalized := make(map[string]DomainPolicy, len(policies))
	for host, p := range policies {
		normalized[strings.ToLower(host)] = p
	}
	return &Gate{
		policies:     normalized,
		sessionPages: make(map[string]int),
		lastRequest:  make(map[string]time.Time),
		logger:       logger,
	}
}

// PolicyFor returns the policy for the URL's domain, falling back to the
// conservative default for unknown domains.
func (g *Gate) PolicyFor(rawURL string) DomainPolicy {
	domain := hostOf(rawURL)
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.policies[domain]; ok {
		return p
	}
	return defaultPolicy
}

// CheckURL reports whether the URL may be fetched and why not otherwise.
// Order: domain policy (allowed flag, avoid patterns), generic protected
// patterns, session page cap.
func (g *Gate) CheckURL(rawURL string) (bool, string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Sprintf("unparseable url: %v", err)
	}
	domain := strings.ToLower(u.Hostname())
	path := strings.ToLower(u.Path)

	g.mu.Lock()
	policy, hasPolicy := g.policies[domain]
	sessionCount := g.sessionPages[domain]
	g.mu.Unlock()
	if !hasPolicy {
		policy = defaultPolicy
	}

	if !policy.Allowed {
		g.deny(rawURL, "domain_disallowed")
		return false, fmt.Sprintf("scraping not allowed for %s per domain policy", domain)
	}
	for _, pattern := range policy.AvoidPatterns {
		if pattern != "" && strings.Contains(path, strings.ToLower(pattern)) {
			g.deny(rawURL, "avoid_pattern")
			return false, fmt.Sprintf("path matches protected pattern: %s", pattern)
		}
	}
	for _, pattern := range protectedPatterns {
		if strings.Contains(path, pattern) {
			g.deny(rawURL, "authenticated_path")
			return false, fmt.Sprintf("url appears to be behind authentication: %s", pattern)
		}
	}

	maxPages := policy.MaxPagesPerSession
	if maxPages <= 0 {
		maxPages = defaultPolicy.MaxPagesPerSession
	}
	if sessionCount >= maxPages {
		g.deny(rawURL, "session_cap")
		return false, fmt.Sprintf("session limit reached for %s (%d pages)", domain, maxPages)
	}

	return true, "compliant"
}

// EnforceRateLimit blocks until the domain's inter-request delay has elapsed
// since the previous request, then increments the session page counter. This
// is the only pacing applied beyond the fetcher's per-minute limiter; the two
// compose because this delay is validated to be at least the limiter's
// minimum interval.
func (g *Gate) EnforceRateLimit(ctx context.Context, rawURL string) error {
	domain := hostOf(rawURL)

	g.mu.Lock()
	policy, ok := g.policies[domain]
	if !ok {
		policy = defaultPolicy
	}
	delay := policy.Delay
	if delay <= 0 {
		delay = defaultPolicy.Delay
	}
	last := g.lastRequest[domain]
	g.mu.Unlock()

	if !last.IsZero() {
		if wait := delay - time.Since(last); wait > 0 {
			g.logger.Debug("compliance delay",
				zap.String("domain", domain),
				zap.Duration("wait", wait),
			)
			metrics.ObserveRateLimitDelay(domain, wait)
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	g.mu.Lock()
	g.lastRequest[domain] = time.Now()
	g.sessionPages[domain]++
	g.mu.Unlock()
	return nil
}

// CheckMetaRobots inspects rendered markup for no-index/no-archive
// directives. These can only be known after fetching. Missing or malformed
// markup defaults to allow.
func (g *Gate) CheckMetaRobots(html string) (bool, string) {
	lower := strings.ToLower(html)
	for _, directive := range noScrapeDirectives {
		if strings.Contains(lower, `content="`+directive+`"`) ||
			strings.Contains(lower, `content='`+directive+`'`) {
			g.deny("", "meta_robots")
			return false, fmt.Sprintf("meta robots tag prohibits scraping: %s", directive)
		}
	}
	return true, "no meta restrictions"
}

// AttributionNotice returns the attribution text required by the domain's
// policy, or empty when none is required.
func (g *Gate) AttributionNotice(rawURL string) string {
	domain := hostOf(rawURL)
	g.mu.Lock()
	policy, ok := g.policies[domain]
	g.mu.Unlock()
	if !ok || !policy.RequiresAttribution {
		return ""
	}
	terms := policy.TermsURL
	if terms == "" {
		terms = "N/A"
	}
	return fmt.Sprintf("Data sourced from %s. See terms: %s", domain, terms)
}

// ResetSession clears the per-domain session page counters; called between
// runs.
func (g *Gate) ResetSession() {
	g.mu.Lock()
	g.sessionPages = make(map[string]int)
	g.mu.Unlock()
}

// SessionPages returns the pages consumed this session for the URL's domain.
func (g *Gate) SessionPages(rawURL string) int {
	domain := hostOf(rawURL)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionPages[domain]
}

// MinDelay returns the smallest configured inter-request delay across all
// policies, including the default. Config validation uses it to check that
// the gate's pacing dominates the fetcher limiter.
func (g *Gate) MinDelay() time.Duration {
	min := defaultPolicy.Delay
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.policies {
		if p.Delay > 0 && p.Delay < min {
			min = p.Delay
		}
	}
	return min
}

func (g *Gate) deny(rawURL, reason string) {
	metrics.ObserveComplianceBlocked(reason)
	if rawURL != "" {
		g.logger.Info("compliance blocked",
			zap.String("url", rawURL),
			zap.String("reason", reason),
		)
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
