// Package fetcher performs one logical page fetch with identity rotation,
// response classification, retries, conditional caching and governor pacing.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/cache"
	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/governor"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

// ErrExhausted is returned when every attempt failed. It wraps the last cause.
var ErrExhausted = errors.New("fetch retries exhausted")

var (
	errChallenge  = errors.New("bot challenge detected")
	errRateLimit  = errors.New("rate limited")
	errServer     = errors.New("server error")
	errShortBody  = errors.New("response body too short")
	errBadStatus  = errors.New("unexpected status")
	errNotChanged = errors.New("not modified without cached copy")
)

// Governor is the pacing contract the fetcher depends on.
type Governor interface {
	WaitIfNeeded(ctx context.Context, domain string) error
	Enter(ctx context.Context, domain string) error
	Exit(domain string)
	RecordRequest(domain string, success bool)
	RetryDelay(domain string, attempt int) time.Duration
}

// PageCache stores page bodies with their validators.
type PageCache interface {
	GetWithMeta(ctx context.Context, url string) (string, cache.Meta, bool)
	Set(ctx context.Context, url, html string, meta cache.Meta) error
}

// DomainRule overrides page validation for a host and its subdomains.
type DomainRule struct {
	Domain    string
	MinLength int
	// Markers are class-name patterns; any match marks the page as valid.
	Markers []string
}

// IntervalConfig tunes the local adaptive interval.
type IntervalConfig struct {
	Start   time.Duration
	Min     time.Duration
	Max     time.Duration
	Penalty float64
}

// Config controls fetcher behavior.
type Config struct {
	MaxRetries       int
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	MinContentLength int
	DomainRules      []DomainRule
	Proxies          []string
	Interval         IntervalConfig
	UserAgents       []string
}

// Options are per-call settings.
type Options struct {
	MaxRetries int
	UseCache   bool
}

// DefaultOptions returns the standard per-call settings.
func DefaultOptions() Options {
	return Options{MaxRetries: 5, UseCache: true}
}

// Result is an accepted page.
type Result struct {
	URL        string
	StatusCode int
	Body       string
	Header     http.Header
	FromCache  bool
	Attempts   int
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithCache enables conditional requests and response caching.
func WithCache(c PageCache) Option {
	return func(f *Fetcher) { f.cache = c }
}

// WithSleeper overrides how backoff pauses are taken.
func WithSleeper(s watch.Sleeper) Option {
	return func(f *Fetcher) { f.sleeper = s }
}

// WithJitter overrides the random source for backoff jitter.
func WithJitter(j governor.JitterFunc) Option {
	return func(f *Fetcher) { f.jitter = j }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// Fetcher is safe for concurrent use.
type Fetcher struct {
	cfg     Config
	gov     Governor
	cache   PageCache
	sleeper watch.Sleeper
	jitter  governor.JitterFunc
	logger  *zap.Logger
	rules   []compiledRule

	transports *transportPool

	mu         sync.Mutex
	proxies    []string
	proxyIndex int
	intervals  map[string]*intervalStats
}

const (
	defaultMaxRetries       = 5
	defaultConnectTimeout   = 10 * time.Second
	defaultReadTimeout      = 30 * time.Second
	defaultMinContentLength = 500
)

// New builds a Fetcher that paces through gov.
func New(cfg Config, gov Governor, opts ...Option) (*Fetcher, error) {
	if gov == nil {
		return nil, errors.New("fetcher: governor is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = defaultMinContentLength
	}
	cfg.Interval = cfg.Interval.withDefaults()
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents
	}
	rules, err := compileRules(cfg.DomainRules)
	if err != nil {
		return nil, err
	}
	proxies := []string{""}
	for _, p := range cfg.Proxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := url.Parse(p); err != nil {
			return nil, fmt.Errorf("fetcher: invalid proxy %q: %w", p, err)
		}
		proxies = append(proxies, p)
	}
	clk := system.New()
	f := &Fetcher{
		cfg:        cfg,
		gov:        gov,
		sleeper:    clk,
		jitter:     governor.Uniform,
		logger:     zap.NewNop(),
		rules:      rules,
		transports: newTransportPool(cfg.ConnectTimeout),
		proxies:    proxies,
		intervals:  make(map[string]*intervalStats),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("fetcher")
	return f, nil
}

type cachedPage struct {
	html string
	meta cache.Meta
	ok   bool
}

// attemptState carries flags across the attempts of one Fetch.
type attemptState struct {
	challenged      bool
	forceRevalidate bool
	shortStreak     int
}

// outcome is the verdict on one attempt. A positive backoff is slept before the
// next attempt.
type outcome struct {
	result  Result
	done    bool
	err     error
	backoff time.Duration
}

// Fetch retrieves rawURL. It returns ErrExhausted when no attempt produced an
// acceptable page and the context error when ctx ends first.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) (Result, error) {
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return Result{}, fmt.Errorf("fetch %q: invalid url", rawURL)
	}
	domain := strings.ToLower(target.Hostname())
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = f.cfg.MaxRetries
	}

	var cached cachedPage
	if opts.UseCache && f.cache != nil {
		cached.html, cached.meta, cached.ok = f.cache.GetWithMeta(ctx, rawURL)
	}

	var (
		st      attemptState
		lastErr error
	)
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := f.pace(ctx, domain, attempt, st.challenged); err != nil {
			return Result{}, err
		}
		out := f.attempt(ctx, target, domain, attempt, opts.UseCache, cached, &st)
		if out.done {
			out.result.Attempts = attempt + 1
			return out.result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("fetch %s: %w", rawURL, ctxErr)
		}
		lastErr = out.err
		f.logger.Warn("fetch attempt failed",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxRetries),
			zap.Error(out.err),
		)
		if out.backoff > 0 && attempt < maxRetries-1 {
			if err := f.sleep(ctx, out.backoff); err != nil {
				return Result{}, err
			}
		}
	}
	f.logger.Error("giving up on page", zap.String("url", rawURL), zap.Int("attempts", maxRetries))
	return Result{}, fmt.Errorf("%w: %s after %d attempts: %w", ErrExhausted, rawURL, maxRetries, lastErr)
}

// pace applies retry backoff then governor pacing ahead of an attempt.
func (f *Fetcher) pace(ctx context.Context, domain string, attempt int, challenged bool) error {
	var delay time.Duration
	switch {
	case challenged:
		delay = 2 * f.gov.RetryDelay(domain, attempt)
		f.logger.Warn("challenge seen, backing off", zap.String("domain", domain), zap.Duration("wait", delay))
	case attempt > 0:
		delay = f.gov.RetryDelay(domain, attempt)
		f.logger.Info("retrying", zap.String("domain", domain), zap.Int("attempt", attempt+1), zap.Duration("wait", delay))
	}
	if err := f.sleep(ctx, delay); err != nil {
		return err
	}
	if err := f.gov.WaitIfNeeded(ctx, domain); err != nil {
		return fmt.Errorf("fetch pacing: %w", err)
	}
	return nil
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if err := f.sleeper.Sleep(ctx, d); err != nil {
		return fmt.Errorf("fetch backoff: %w", err)
	}
	return nil
}

// attempt performs one network round trip while holding a governor slot.
func (f *Fetcher) attempt(
	ctx context.Context,
	target *url.URL,
	domain string,
	attempt int,
	useCache bool,
	cached cachedPage,
	st *attemptState,
) outcome {
	proxy := f.pickProxy(attempt)
	header := f.buildHeaders(target, cached, st.forceRevalidate)
	cookies := mimicryCookies(time.Now())

	if err := f.gov.Enter(ctx, domain); err != nil {
		return outcome{err: err}
	}
	defer f.gov.Exit(domain)

	raw, err := f.visit(ctx, target.String(), proxy, header, cookies)
	if err != nil {
		if ctx.Err() != nil {
			return outcome{err: err}
		}
		f.penalize(domain)
		f.gov.RecordRequest(domain, false)
		metrics.ObserveFetch(domain, "transport_error", 0)
		if proxy != "" && isProxyError(err) {
			f.dropProxy(proxy)
		}
		return outcome{err: fmt.Errorf("attempt %d: %w", attempt+1, err)}
	}
	return f.classify(ctx, target.String(), domain, raw, useCache, cached, st)
}

// classify decides what a response means for the fetch.
func (f *Fetcher) classify(
	ctx context.Context,
	rawURL string,
	domain string,
	raw rawResponse,
	useCache bool,
	cached cachedPage,
	st *attemptState,
) outcome {
	body := decodeBody(raw.body, raw.header.Get("Content-Type"))
	status := raw.status

	if status == http.StatusNotModified && useCache && cached.ok {
		f.gov.RecordRequest(domain, true)
		meta := cache.Meta{
			ETag:         firstNonEmpty(raw.header.Get("ETag"), cached.meta.ETag),
			LastModified: firstNonEmpty(raw.header.Get("Last-Modified"), cached.meta.LastModified),
		}
		f.store(ctx, rawURL, cached.html, meta)
		metrics.ObserveFetch(domain, "not_modified", 0)
		f.logger.Info("cached page still current", zap.String("url", rawURL))
		return outcome{done: true, result: Result{
			URL: raw.finalURL, StatusCode: status, Body: cached.html, Header: raw.header, FromCache: true,
		}}
	}

	if isChallenge(status, body) {
		st.challenged = true
		f.penalize(domain)
		f.gov.RecordRequest(domain, false)
		f.rotateProxy()
		metrics.ObserveFetch(domain, "challenge", 0)
		return outcome{err: fmt.Errorf("%w (status %d)", errChallenge, status)}
	}

	switch {
	case status == http.StatusTooManyRequests:
		f.penalize(domain)
		metrics.ObserveFetch(domain, "rate_limited", 0)
		return outcome{err: errRateLimit, backoff: retryAfter(raw.header.Get("Retry-After"))}
	case status >= http.StatusInternalServerError:
		f.penalize(domain)
		metrics.ObserveFetch(domain, "server_error", 0)
		return outcome{
			err:     fmt.Errorf("%w (status %d)", errServer, status),
			backoff: f.jitter(3*time.Second, 8*time.Second),
		}
	case status == http.StatusOK:
		return f.classifyOK(ctx, rawURL, domain, raw, body, useCache, st)
	case status == http.StatusNotModified:
		f.penalize(domain)
		f.gov.RecordRequest(domain, false)
		metrics.ObserveFetch(domain, "bad_status", 0)
		return outcome{err: errNotChanged}
	default:
		f.penalize(domain)
		f.gov.RecordRequest(domain, false)
		metrics.ObserveFetch(domain, "bad_status", 0)
		return outcome{err: fmt.Errorf("%w %d", errBadStatus, status)}
	}
}

func (f *Fetcher) classifyOK(
	ctx context.Context,
	rawURL string,
	domain string,
	raw rawResponse,
	body string,
	useCache bool,
	st *attemptState,
) outcome {
	f.relax(domain)
	accept := func() outcome {
		f.gov.RecordRequest(domain, true)
		if useCache {
			f.store(ctx, rawURL, body, cache.Meta{
				ETag:         raw.header.Get("ETag"),
				LastModified: raw.header.Get("Last-Modified"),
			})
		}
		metrics.ObserveFetch(domain, "success", len(body))
		f.logger.Info("page fetched", zap.String("url", rawURL), zap.Int("bytes", len(body)))
		return outcome{done: true, result: Result{
			URL: raw.finalURL, StatusCode: raw.status, Body: body, Header: raw.header,
		}}
	}

	rule := f.ruleFor(domain)
	if rule.valid(body) {
		return accept()
	}
	minLen := f.cfg.MinContentLength
	if rule.minLength > 0 {
		minLen = rule.minLength
	}
	if len(body) < minLen {
		st.shortStreak++
		f.logger.Warn("response body too short",
			zap.String("domain", domain),
			zap.Int("length", len(body)),
			zap.Int("streak", st.shortStreak),
			zap.String("snippet", snippet(body, 200)),
		)
		if st.shortStreak >= 3 {
			f.gov.RecordRequest(domain, false)
		} else {
			f.penalize(domain)
			st.forceRevalidate = true
		}
		metrics.ObserveFetch(domain, "short_body", 0)
		return outcome{err: fmt.Errorf("%w: %d < %d", errShortBody, len(body), minLen)}
	}
	return accept()
}

func (f *Fetcher) store(ctx context.Context, rawURL, html string, meta cache.Meta) {
	if f.cache == nil {
		return
	}
	if err := f.cache.Set(ctx, rawURL, html, meta); err != nil {
		f.logger.Warn("cache write failed", zap.String("url", rawURL), zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func snippet(s string, n int) string {
	if len(s) > n {
		s = s[:n]
	}
	return strings.ReplaceAll(s, "\n", " ")
}
