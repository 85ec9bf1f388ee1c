package governor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/clock/fake"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func lowJitter(lo, _ time.Duration) time.Duration { return lo }

func newTestGovernor(cfg Config) (*Governor, *fake.Clock) {
	clk := fake.New(t0)
	return New(cfg, WithClock(clk), WithSleeper(clk), WithJitter(lowJitter)), clk
}

func TestShouldWaitMinInterval(t *testing.T) {
	t.Parallel()

	g, clk := newTestGovernor(Config{})
	assert.Zero(t, g.ShouldWait("example.com"), "first request never waits")

	g.RecordRequest("example.com", true)
	clk.Advance(200 * time.Millisecond)
	assert.Equal(t, 800*time.Millisecond+500*time.Millisecond, g.ShouldWait("example.com"))

	assert.Zero(t, g.ShouldWait("other.com"), "interval is tracked per domain")

	clk.Advance(2 * time.Second)
	assert.Zero(t, g.ShouldWait("example.com"))
}

func TestBlockAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	g, clk := newTestGovernor(Config{})
	g.RecordRequest("bad.com", false)
	g.RecordRequest("bad.com", false)
	clk.Advance(5 * time.Second)
	assert.Zero(t, g.ShouldWait("bad.com"), "two failures do not block")

	g.RecordRequest("bad.com", false)
	assert.Equal(t, 30*time.Second, g.ShouldWait("bad.com"))

	g.RecordRequest("bad.com", false)
	assert.Equal(t, 60*time.Second, g.ShouldWait("bad.com"))

	g.RecordRequest("bad.com", true)
	assert.Equal(t, 3, g.Failures("bad.com"))
	assert.Equal(t, 60*time.Second, g.ShouldWait("bad.com"), "success keeps the active block")

	stats := g.Statistics()
	assert.Equal(t, int64(2), stats.TotalBlocks)
	assert.Equal(t, int64(4), stats.TotalFailures)
	assert.Equal(t, 1, stats.ActiveBlocks)

	clk.Advance(61 * time.Second)
	assert.Zero(t, g.ShouldWait("bad.com"), "expired block is cleared")
	assert.Zero(t, g.Statistics().ActiveBlocks)
}

func TestBlockDurationCapped(t *testing.T) {
	t.Parallel()

	g, _ := newTestGovernor(Config{})
	for i := 0; i < 10; i++ {
		g.RecordRequest("worse.com", false)
	}
	assert.Equal(t, 300*time.Second, g.ShouldWait("worse.com"))
}

func TestGlobalRateCap(t *testing.T) {
	t.Parallel()

	g, clk := newTestGovernor(Config{MaxPerMinute: 3})
	g.RecordRequest("a.com", true)
	clk.Advance(10 * time.Second)
	g.RecordRequest("b.com", true)
	clk.Advance(10 * time.Second)
	g.RecordRequest("c.com", true)
	clk.Advance(10 * time.Second)

	assert.Equal(t, 30*time.Second+time.Second, g.ShouldWait("d.com"))
	assert.Equal(t, 3, g.Statistics().RecentRequestsPerMinute)

	clk.Advance(31 * time.Second)
	assert.Zero(t, g.ShouldWait("d.com"))
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()

	g, _ := newTestGovernor(Config{MaxPerMinute: 1000, HistorySize: 5})
	for i := 0; i < 20; i++ {
		g.RecordRequest("a.com", true)
	}
	stats := g.Statistics()
	assert.Equal(t, int64(20), stats.TotalRequests)
	assert.Equal(t, 5, stats.RecentRequestsPerMinute)
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	g, _ := newTestGovernor(Config{})
	assert.Equal(t, 2*time.Second, g.RetryDelay("a.com", 0))
	assert.Equal(t, 8*time.Second, g.RetryDelay("a.com", 2))
	assert.Equal(t, 60*time.Second, g.RetryDelay("a.com", 10))

	g.RecordRequest("a.com", false)
	g.RecordRequest("a.com", false)
	assert.Equal(t, 4*time.Second, g.RetryDelay("a.com", 0), "failures scale the backoff")
}

func TestRetryDelayJitterBound(t *testing.T) {
	t.Parallel()

	g := New(Config{})
	for i := 0; i < 50; i++ {
		d := g.RetryDelay("a.com", 1)
		require.GreaterOrEqual(t, d, 4*time.Second)
		require.Less(t, d, 4*time.Second+1200*time.Millisecond)
	}
}

func TestWaitIfNeededSleeps(t *testing.T) {
	t.Parallel()

	g, clk := newTestGovernor(Config{})
	require.NoError(t, g.WaitIfNeeded(context.Background(), "a.com"))
	assert.Empty(t, clk.Sleeps())

	g.RecordRequest("a.com", true)
	require.NoError(t, g.WaitIfNeeded(context.Background(), "a.com"))
	assert.Equal(t, []time.Duration{1500 * time.Millisecond}, clk.Sleeps())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g.RecordRequest("a.com", true)
	require.ErrorIs(t, g.WaitIfNeeded(ctx, "a.com"), context.Canceled)
}

func TestPerDomainConcurrencyBound(t *testing.T) {
	t.Parallel()

	g := New(Config{PerDomainConcurrency: 2})
	var (
		inflight atomic.Int32
		peak     atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Enter(context.Background(), "Example.com"); err != nil {
				t.Error(err)
				return
			}
			defer g.Exit("example.com")
			n := inflight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inflight.Add(-1)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestEnterHonorsContext(t *testing.T) {
	t.Parallel()

	g := New(Config{PerDomainConcurrency: 1})
	require.NoError(t, g.Enter(context.Background(), "a.com"))
	defer g.Exit("a.com")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Enter(ctx, "a.com")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, g.Enter(context.Background(), "b.com"), "other domains have their own slots")
	g.Exit("b.com")
}

func TestResetDomain(t *testing.T) {
	t.Parallel()

	g, _ := newTestGovernor(Config{})
	for i := 0; i < 3; i++ {
		g.RecordRequest("a.com", false)
	}
	require.Positive(t, g.ShouldWait("a.com"))

	g.ResetDomain("A.com")
	assert.Zero(t, g.Failures("a.com"))
	assert.Zero(t, g.ShouldWait("a.com"))
}

func TestUniformRange(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		d := Uniform(500*time.Millisecond, 1500*time.Millisecond)
		require.GreaterOrEqual(t, d, 500*time.Millisecond)
		require.Less(t, d, 1500*time.Millisecond)
	}
	assert.Equal(t, time.Second, Uniform(time.Second, time.Second))
}
