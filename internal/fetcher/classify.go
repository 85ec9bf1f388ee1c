package fetcher

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/pagewatch/internal/metrics"
)

var challengeMarkers = []string{
	"cloudflare",
	"just a moment",
	"ray id",
	"enable javascript",
	"checking your browser",
}

// isChallenge reports whether the response is a bot-detection interstitial.
func isChallenge(status int, body string) bool {
	if status == 403 {
		return true
	}
	low := strings.ToLower(body)
	for _, m := range challengeMarkers {
		if strings.Contains(low, m) {
			return true
		}
	}
	return false
}

// retryAfter converts a Retry-After header into a wait capped at 30s.
func retryAfter(value string) time.Duration {
	secs := 10
	if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n >= 0 {
		secs = n
	}
	if secs > 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

type compiledRule struct {
	domain    string
	minLength int
	markers   []*regexp.Regexp
}

func compileRules(rules []DomainRule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{domain: strings.ToLower(r.Domain), minLength: r.MinLength}
		for _, m := range r.Markers {
			re, err := regexp.Compile(`class=["']?[^>]*` + m)
			if err != nil {
				return nil, fmt.Errorf("fetcher: marker %q for %s: %w", m, r.Domain, err)
			}
			cr.markers = append(cr.markers, re)
		}
		out = append(out, cr)
	}
	return out, nil
}

func (r compiledRule) matches(domain string) bool {
	return r.domain != "" && (domain == r.domain || strings.HasSuffix(domain, "."+r.domain))
}

// valid reports whether any listing marker appears in html.
func (r compiledRule) valid(html string) bool {
	for _, re := range r.markers {
		if re.MatchString(html) {
			return true
		}
	}
	return false
}

func (f *Fetcher) ruleFor(domain string) compiledRule {
	for _, r := range f.rules {
		if r.matches(domain) {
			return r
		}
	}
	return compiledRule{}
}

type intervalStats struct {
	current  time.Duration
	failures int
}

func (c IntervalConfig) withDefaults() IntervalConfig {
	if c.Start <= 0 {
		c.Start = time.Second
	}
	if c.Min <= 0 {
		c.Min = 2 * time.Second
	}
	if c.Max <= 0 {
		c.Max = 15 * time.Second
	}
	if c.Penalty <= 1 {
		c.Penalty = 2
	}
	return c
}

func (f *Fetcher) stats(domain string) *intervalStats {
	st, ok := f.intervals[domain]
	if !ok {
		st = &intervalStats{current: f.cfg.Interval.Start}
		f.intervals[domain] = st
	}
	return st
}

// relax halves the local interval toward the floor after a good response.
func (f *Fetcher) relax(domain string) {
	f.mu.Lock()
	st := f.stats(domain)
	next := time.Duration(float64(st.current) * 0.5)
	if next < f.cfg.Interval.Min {
		next = f.cfg.Interval.Min
	}
	st.current = next
	st.failures = 0
	f.mu.Unlock()
	metrics.SetFetchInterval(domain, next)
}

// penalize grows the local interval geometrically with the failure streak.
func (f *Fetcher) penalize(domain string) {
	f.mu.Lock()
	st := f.stats(domain)
	st.failures++
	exp := st.failures
	if exp > 3 {
		exp = 3
	}
	next := time.Duration(float64(st.current) * math.Pow(f.cfg.Interval.Penalty, float64(exp)))
	if next > f.cfg.Interval.Max {
		next = f.cfg.Interval.Max
	}
	st.current = next
	f.mu.Unlock()
	metrics.SetFetchInterval(domain, next)
}

// Interval returns the current adaptive interval and failure streak for domain.
func (f *Fetcher) Interval(domain string) (time.Duration, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.stats(strings.ToLower(domain))
	return st.current, st.failures
}
