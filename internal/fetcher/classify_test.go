package fetcher

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/governor"
)

func TestIsChallenge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{name: "forbidden", status: http.StatusForbidden, body: "<html>denied</html>", want: true},
		{name: "interstitial title", status: http.StatusOK, body: "<title>Just a moment...</title>", want: true},
		{name: "vendor footer", status: http.StatusServiceUnavailable, body: "Performance by Cloudflare", want: true},
		{name: "script notice", status: http.StatusOK, body: "Please enable JavaScript to continue", want: true},
		{name: "plain page", status: http.StatusOK, body: validPage, want: false},
		{name: "server error", status: http.StatusInternalServerError, body: "oops", want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, isChallenge(tc.status, tc.body))
		})
	}
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	tests := map[string]time.Duration{
		"":         10 * time.Second,
		"5":        5 * time.Second,
		" 12 ":     12 * time.Second,
		"3600":     30 * time.Second,
		"tomorrow": 10 * time.Second,
		"-4":       10 * time.Second,
	}
	for in, want := range tests {
		assert.Equal(t, want, retryAfter(in), "Retry-After %q", in)
	}
}

func TestDomainRules(t *testing.T) {
	t.Parallel()

	rules, err := compileRules([]DomainRule{{Domain: "Example.com", MinLength: 300, Markers: []string{`col-xs-6\s+col-md-3`, `video-card`}}})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	rule := rules[0]

	assert.True(t, rule.matches("example.com"))
	assert.True(t, rule.matches("www.example.com"))
	assert.False(t, rule.matches("badexample.com"))
	assert.False(t, compiledRule{}.matches("example.com"))

	assert.True(t, rule.valid(`<div class="col-xs-6  col-md-3">`))
	assert.True(t, rule.valid(`<li class='video-card wide'>`))
	assert.False(t, rule.valid(`<p>video-card without a class attribute</p>`))

	_, err = compileRules([]DomainRule{{Domain: "x", Markers: []string{`(`}}})
	assert.Error(t, err)
}

func TestIntervalAdjustment(t *testing.T) {
	t.Parallel()

	gov := governor.New(governor.Config{})
	f, err := New(Config{Interval: IntervalConfig{Start: time.Second, Min: 2 * time.Second, Max: 15 * time.Second, Penalty: 2}}, gov)
	require.NoError(t, err)

	cur, streak := f.Interval("example.com")
	assert.Equal(t, time.Second, cur)
	assert.Zero(t, streak)

	f.penalize("example.com")
	cur, _ = f.Interval("example.com")
	assert.Equal(t, 2*time.Second, cur)

	f.penalize("example.com")
	cur, _ = f.Interval("example.com")
	assert.Equal(t, 8*time.Second, cur)

	f.penalize("example.com")
	cur, streak = f.Interval("example.com")
	assert.Equal(t, 15*time.Second, cur, "capped at max")
	assert.Equal(t, 3, streak)

	f.relax("example.com")
	cur, streak = f.Interval("example.com")
	assert.Equal(t, 7500*time.Millisecond, cur)
	assert.Zero(t, streak)

	f.relax("example.com")
	f.relax("example.com")
	cur, _ = f.Interval("example.com")
	assert.Equal(t, 2*time.Second, cur, "never below the floor")
}

func TestDecodeBody(t *testing.T) {
	t.Parallel()

	assert.Empty(t, decodeBody(nil, "text/html"))
	assert.Equal(t, "héllo", decodeBody([]byte("héllo"), "text/html"))

	latin1 := []byte{'c', 'a', 'f', 0xE9}
	assert.Equal(t, string(latin1), decodeBody(latin1, "text/html; charset=iso-8859-1"), "header charsets are left to the collector")
	assert.Equal(t, "café", decodeBody(latin1, "text/html"))
}

func TestNewRejectsMissingGovernor(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	assert.Error(t, err)
}
