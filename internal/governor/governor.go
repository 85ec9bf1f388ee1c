// Package governor paces outbound page requests process-wide. It combines a
// per-domain minimum interval, a global sliding-window cap, failure-driven
// temporary suspensions, retry backoff and a per-domain in-flight bound.
package governor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

// Config tunes the governor. Zero values fall back to defaults.
type Config struct {
	MinInterval          time.Duration
	MaxPerMinute         int
	PerDomainConcurrency int64
	FailureThreshold     int
	BlockBase            time.Duration
	BlockMax             time.Duration
	RetryBase            time.Duration
	RetryMax             time.Duration
	HistorySize          int
}

const (
	defaultMinInterval          = time.Second
	defaultMaxPerMinute         = 30
	defaultPerDomainConcurrency = 2
	defaultFailureThreshold     = 3
	defaultBlockBase            = 30 * time.Second
	defaultBlockMax             = 300 * time.Second
	defaultRetryBase            = 2 * time.Second
	defaultRetryMax             = 60 * time.Second
	defaultHistorySize          = 100

	window = time.Minute
)

// Statistics summarizes governor activity.
type Statistics struct {
	TotalRequests           int64 `json:"total_requests"`
	TotalFailures           int64 `json:"total_failures"`
	TotalBlocks             int64 `json:"total_blocks"`
	RecentRequestsPerMinute int   `json:"recent_requests_per_minute"`
	ActiveBlocks            int   `json:"active_blocks"`
	DomainsTracked          int   `json:"domains_tracked"`
}

// JitterFunc returns a duration uniformly drawn from [lo, hi).
type JitterFunc func(lo, hi time.Duration) time.Duration

// Option customizes a Governor.
type Option func(*Governor)

// WithClock overrides the time source.
func WithClock(c watch.Clock) Option {
	return func(g *Governor) { g.clock = c }
}

// WithSleeper overrides how WaitIfNeeded pauses.
func WithSleeper(s watch.Sleeper) Option {
	return func(g *Governor) { g.sleeper = s }
}

// WithJitter overrides the random source for wait and retry jitter.
func WithJitter(j JitterFunc) Option {
	return func(g *Governor) { g.jitter = j }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Governor) {
		if l != nil {
			g.logger = l
		}
	}
}

type domainState struct {
	lastRequest  time.Time
	failures     int
	blockedUntil time.Time
	sem          *semaphore.Weighted
}

// Governor is safe for concurrent use. One instance is shared by every fetcher
// in the process.
type Governor struct {
	cfg     Config
	clock   watch.Clock
	sleeper watch.Sleeper
	jitter  JitterFunc
	logger  *zap.Logger

	mu            sync.Mutex
	domains       map[string]*domainState
	history       []time.Time
	totalRequests int64
	totalFailures int64
	totalBlocks   int64
}

// New constructs a Governor.
func New(cfg Config, opts ...Option) *Governor {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaultMinInterval
	}
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = defaultMaxPerMinute
	}
	if cfg.PerDomainConcurrency <= 0 {
		cfg.PerDomainConcurrency = defaultPerDomainConcurrency
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.BlockBase <= 0 {
		cfg.BlockBase = defaultBlockBase
	}
	if cfg.BlockMax <= 0 {
		cfg.BlockMax = defaultBlockMax
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	clk := system.New()
	g := &Governor{
		cfg:     cfg,
		clock:   clk,
		sleeper: clk,
		jitter:  Uniform,
		logger:  zap.NewNop(),
		domains: make(map[string]*domainState),
		history: make([]time.Time, 0, cfg.HistorySize),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.Named("governor")
	return g
}

func normalize(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

// state returns the domain entry, creating it on first use. Callers hold g.mu.
func (g *Governor) state(domain string) *domainState {
	st, ok := g.domains[domain]
	if !ok {
		st = &domainState{sem: semaphore.NewWeighted(g.cfg.PerDomainConcurrency)}
		g.domains[domain] = st
	}
	return st
}

// ShouldWait reports how long the caller should pause before requesting domain.
func (g *Governor) ShouldWait(domain string) time.Duration {
	domain = normalize(domain)
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	st := g.state(domain)

	if !st.blockedUntil.IsZero() {
		if now.Before(st.blockedUntil) {
			remaining := st.blockedUntil.Sub(now)
			g.logger.Warn("domain temporarily blocked",
				zap.String("domain", domain),
				zap.Duration("remaining", remaining),
			)
			return remaining
		}
		st.blockedUntil = time.Time{}
	}

	if count, oldest := g.recentLocked(now); count >= g.cfg.MaxPerMinute {
		wait := window - now.Sub(oldest) + g.jitter(time.Second, 3*time.Second)
		g.logger.Warn("global rate limit reached",
			zap.Int("recent", count),
			zap.Duration("wait", wait),
		)
		return wait
	}

	if !st.lastRequest.IsZero() {
		elapsed := now.Sub(st.lastRequest)
		if elapsed < g.cfg.MinInterval {
			return g.cfg.MinInterval - elapsed + g.jitter(500*time.Millisecond, 1500*time.Millisecond)
		}
	}
	return 0
}

// recentLocked counts history samples inside the sliding window and returns the
// oldest of them.
func (g *Governor) recentLocked(now time.Time) (int, time.Time) {
	count := 0
	var oldest time.Time
	for _, ts := range g.history {
		if now.Sub(ts) < window {
			if count == 0 || ts.Before(oldest) {
				oldest = ts
			}
			count++
		}
	}
	return count, oldest
}

// WaitIfNeeded sleeps for ShouldWait(domain) unless ctx ends first.
func (g *Governor) WaitIfNeeded(ctx context.Context, domain string) error {
	wait := g.ShouldWait(domain)
	if wait <= 0 {
		return nil
	}
	g.logger.Info("pacing request", zap.String("domain", normalize(domain)), zap.Duration("wait", wait))
	metrics.ObserveGovernorWait(normalize(domain), wait)
	if err := g.sleeper.Sleep(ctx, wait); err != nil {
		return fmt.Errorf("governor wait: %w", err)
	}
	return nil
}

// Enter blocks until a per-domain slot is free. Each successful Enter must be
// followed by exactly one Exit.
func (g *Governor) Enter(ctx context.Context, domain string) error {
	domain = normalize(domain)
	g.mu.Lock()
	sem := g.state(domain).sem
	g.mu.Unlock()
	if err := sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("governor enter: %w", err)
	}
	metrics.AddGovernorInflight(domain, 1)
	return nil
}

// Exit releases a slot taken by Enter.
func (g *Governor) Exit(domain string) {
	domain = normalize(domain)
	g.mu.Lock()
	sem := g.state(domain).sem
	g.mu.Unlock()
	sem.Release(1)
	metrics.AddGovernorInflight(domain, -1)
}

// RecordRequest registers a completed request and updates failure tracking.
// A success lowers the failure count but leaves an active block in place.
func (g *Governor) RecordRequest(domain string, success bool) {
	domain = normalize(domain)
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	st := g.state(domain)
	g.totalRequests++
	if len(g.history) == g.cfg.HistorySize {
		copy(g.history, g.history[1:])
		g.history = g.history[:len(g.history)-1]
	}
	g.history = append(g.history, now)
	st.lastRequest = now

	if success {
		if st.failures > 0 {
			st.failures--
		}
		return
	}

	g.totalFailures++
	st.failures++
	if st.failures >= g.cfg.FailureThreshold {
		block := g.blockDuration(st.failures)
		st.blockedUntil = now.Add(block)
		g.totalBlocks++
		metrics.IncGovernorBlocks(domain)
		g.logger.Error("domain blocked after repeated failures",
			zap.String("domain", domain),
			zap.Int("failures", st.failures),
			zap.Duration("block", block),
		)
	}
}

func (g *Governor) blockDuration(failures int) time.Duration {
	exp := failures - g.cfg.FailureThreshold
	if exp > 16 {
		return g.cfg.BlockMax
	}
	block := g.cfg.BlockBase * time.Duration(1<<exp)
	if block > g.cfg.BlockMax {
		return g.cfg.BlockMax
	}
	return block
}

// RetryDelay returns the backoff before retry number attempt, scaled by the
// domain's failure count and capped, plus up to 30% jitter.
func (g *Governor) RetryDelay(domain string, attempt int) time.Duration {
	domain = normalize(domain)
	g.mu.Lock()
	failures := 0
	if st, ok := g.domains[domain]; ok {
		failures = st.failures
	}
	g.mu.Unlock()

	delay := float64(g.cfg.RetryBase) * math.Pow(2, float64(attempt)) * (1 + float64(failures)*0.5)
	if delay > float64(g.cfg.RetryMax) {
		delay = float64(g.cfg.RetryMax)
	}
	base := time.Duration(delay)
	return base + g.jitter(0, time.Duration(delay*0.3))
}

// Failures returns the current consecutive failure count for domain.
func (g *Governor) Failures(domain string) int {
	domain = normalize(domain)
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.domains[domain]; ok {
		return st.failures
	}
	return 0
}

// Statistics returns a snapshot of counters.
func (g *Governor) Statistics() Statistics {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	recent, _ := g.recentLocked(now)
	stats := Statistics{
		TotalRequests:           g.totalRequests,
		TotalFailures:           g.totalFailures,
		TotalBlocks:             g.totalBlocks,
		RecentRequestsPerMinute: recent,
	}
	for _, st := range g.domains {
		if now.Before(st.blockedUntil) {
			stats.ActiveBlocks++
		}
		if !st.lastRequest.IsZero() {
			stats.DomainsTracked++
		}
	}
	return stats
}

// ResetDomain clears failure, block and pacing state for domain.
func (g *Governor) ResetDomain(domain string) {
	domain = normalize(domain)
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.domains[domain]; ok {
		st.failures = 0
		st.blockedUntil = time.Time{}
		st.lastRequest = time.Time{}
	}
	g.logger.Info("domain state reset", zap.String("domain", domain))
}
