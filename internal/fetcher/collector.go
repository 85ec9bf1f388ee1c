package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
)

type rawResponse struct {
	status   int
	header   http.Header
	body     []byte
	finalURL string
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// transportPool shares one connection pool per proxy ("" is direct).
type transportPool struct {
	mu             sync.Mutex
	connectTimeout time.Duration
	byProxy        map[string]*http.Transport
}

func newTransportPool(connectTimeout time.Duration) *transportPool {
	return &transportPool{connectTimeout: connectTimeout, byProxy: make(map[string]*http.Transport)}
}

func (p *transportPool) get(proxy string) *http.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.byProxy[proxy]; ok {
		return t
	}
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   p.connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   p.connectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxy != "" {
		if u, err := url.Parse(proxy); err == nil {
			t.Proxy = http.ProxyURL(u)
		}
	}
	p.byProxy[proxy] = t
	return t
}

// newCollector builds a fresh collector for one attempt. Collectors are not
// reused because transport and timeout are per-collector state.
func (f *Fetcher) newCollector(proxy string) *colly.Collector {
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.IgnoreRobotsTxt(),
	)
	c.WithTransport(f.transports.get(proxy))
	c.SetRequestTimeout(f.cfg.ReadTimeout)
	return c
}

// visit runs a single GET through colly and returns the raw response.
func (f *Fetcher) visit(
	ctx context.Context,
	target string,
	proxy string,
	header http.Header,
	cookies []*http.Cookie,
) (rawResponse, error) {
	collector := f.newCollector(proxy)
	collector.Context = ctx
	if err := collector.SetCookies(target, cookies); err != nil {
		f.logger.Debug("cookie setup failed", zap.Error(err))
	}

	var (
		result   rawResponse
		fetchErr error
		got      bool
	)
	configureCollectorHooks(collector, header, &result, &got, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	// The caller's governor slot is released when visit returns, so the
	// request must be finished by then. ctx aborts it through the collector.
	select {
	case <-ctx.Done():
		<-done
		return rawResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return rawResponse{}, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		if err != nil {
			return rawResponse{}, fmt.Errorf("colly visit failed: %w", err)
		}
		if !got {
			return rawResponse{}, errors.New("colly returned no response")
		}
		return result, nil
	}
}

func configureCollectorHooks(
	hooks collectorHooks,
	header http.Header,
	result *rawResponse,
	got *bool,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range header {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		hdr := http.Header{}
		if r.Headers != nil {
			hdr = r.Headers.Clone()
		}
		final := ""
		if r.Request != nil && r.Request.URL != nil {
			final = r.Request.URL.String()
		}
		*result = rawResponse{
			status:   r.StatusCode,
			header:   hdr,
			body:     append([]byte(nil), r.Body...),
			finalURL: final,
		}
		*got = true
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

// decodeBody converts body to UTF-8. Colly already converts when the header
// names a charset, so only header-less, non-UTF-8 bodies are sniffed here.
func decodeBody(body []byte, contentType string) string {
	if len(body) == 0 {
		return ""
	}
	if strings.Contains(strings.ToLower(contentType), "charset=") || utf8.Valid(body) {
		return string(body)
	}
	enc, _, _ := charset.DetermineEncoding(body, contentType)
	if enc == nil {
		return string(body)
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return string(body)
	}
	return string(decoded)
}

func isProxyError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "proxyconnect" {
		return true
	}
	return strings.Contains(err.Error(), "proxyconnect")
}

// pickProxy returns "" (direct) on the first attempt and rotates afterwards.
func (f *Fetcher) pickProxy(attempt int) string {
	if attempt == 0 {
		return ""
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.proxies[f.proxyIndex%len(f.proxies)]
}

func (f *Fetcher) rotateProxy() {
	f.mu.Lock()
	f.proxyIndex++
	f.mu.Unlock()
}

// dropProxy removes a failing proxy while at least one other route remains.
func (f *Fetcher) dropProxy(proxy string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.proxies) <= 1 {
		return
	}
	for i, p := range f.proxies {
		if p == proxy {
			f.proxies = append(f.proxies[:i], f.proxies[i+1:]...)
			f.logger.Warn("dropping failed proxy", zap.String("proxy", proxy), zap.Int("remaining", len(f.proxies)))
			return
		}
	}
}

// Proxies returns the routes still in rotation; "" is the direct route.
func (f *Fetcher) Proxies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.proxies...)
}
