package fetcher

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultUserAgents is the desktop browser pool rotated per attempt.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:128.0) Gecko/20100101 Firefox/128.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
}

var baseHeaders = map[string]string{
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7",
	"Accept-Language":           "zh-CN,zh;q=0.9,en;q=0.8",
	"Cache-Control":             "max-age=0",
	"Upgrade-Insecure-Requests": "1",
	"Sec-Ch-Ua":                 `"Chromium";v="128", "Not;A=Brand";v="24", "Google Chrome";v="128"`,
	"Sec-Ch-Ua-Mobile":          "?0",
	"Sec-Ch-Ua-Platform":        `"Windows"`,
	"Sec-Fetch-Dest":            "document",
	"Sec-Fetch-Mode":            "navigate",
	"Sec-Fetch-Site":            "none",
	"Sec-Fetch-User":            "?1",
	"Dnt":                       "1",
	"Priority":                  "u=0, i",
}

// buildHeaders assembles the browser-like request headers for one attempt.
func (f *Fetcher) buildHeaders(target *url.URL, cached cachedPage, forceRevalidate bool) http.Header {
	h := make(http.Header, len(baseHeaders)+6)
	for k, v := range baseHeaders {
		h.Set(k, v)
	}
	h.Set("User-Agent", f.cfg.UserAgents[rand.IntN(len(f.cfg.UserAgents))]) //nolint:gosec // identity rotation, not security
	h.Set("Referer", fmt.Sprintf("https://%s/", target.Host))
	if forceRevalidate {
		h.Set("Cache-Control", "no-cache")
		h.Set("Pragma", "no-cache")
	}
	if cached.ok {
		if cached.meta.ETag != "" {
			h.Set("If-None-Match", cached.meta.ETag)
		}
		if cached.meta.LastModified != "" {
			h.Set("If-Modified-Since", cached.meta.LastModified)
		}
	}
	return h
}

// mimicryCookies returns a fresh set of session-looking cookies.
func mimicryCookies(now time.Time) []*http.Cookie {
	session := strings.ReplaceAll(uuid.NewString(), "-", "")[:26]
	return []*http.Cookie{
		{Name: "PHPSESSID", Value: session},
		{Name: "cf_clearance", Value: randomHex(43)},
		{Name: "__cf_bm", Value: randomHex(30)},
		{Name: "_ga", Value: fmt.Sprintf("GA1.2.%d.%d", 1000000000+rand.Int64N(9000000000), now.Unix())}, //nolint:gosec // cosmetic
		{Name: "_gid", Value: fmt.Sprintf("GA1.2.%d", 100000000+rand.Int64N(900000000))},                 //nolint:gosec // cosmetic
		{Name: "_gat", Value: "1"},
		{Name: "timezone", Value: "Asia/Shanghai"},
		{Name: "language", Value: "zh-CN"},
	}
}

func randomHex(n int) string {
	const digits = "0123456789abcdef"
	b := make([]byte, n)
	for i := range b {
		b[i] = digits[rand.IntN(len(digits))] //nolint:gosec // cosmetic
	}
	return string(b)
}
