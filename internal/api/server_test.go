package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/clock/fake"
	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/export"
	"github.com/JakeFAU/pagewatch/internal/governor"
	"github.com/JakeFAU/pagewatch/internal/policy/ratelimit"
	"github.com/JakeFAU/pagewatch/internal/progress"
	"github.com/JakeFAU/pagewatch/internal/progress/sinks"
	"github.com/JakeFAU/pagewatch/internal/scheduler"
	"github.com/JakeFAU/pagewatch/internal/storage/memory"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeRunner struct {
	mu      sync.Mutex
	running bool
	updates []watch.Update
}

func (f *fakeRunner) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return scheduler.ErrAlreadyRunning
	}
	f.running = true
	return nil
}

func (f *fakeRunner) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.running
	f.running = false
	return was
}

func (f *fakeRunner) Status() scheduler.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return scheduler.Status{Running: f.running, Updates: len(f.updates)}
}

func (f *fakeRunner) Updates() []watch.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

type marker struct{ store *memory.Store }

func (m marker) MarkWatched(ctx context.Context, id int64) error {
	return m.store.MarkWatched(ctx, id, now)
}

type harness struct {
	store  *memory.Store
	runner *fakeRunner
	events *sinks.Broadcaster
	server *Server
}

func newHarness(t *testing.T, mutate func(*config.Config, *Deps)) *harness {
	t.Helper()
	clk := fake.New(now)
	store := memory.NewStore(memory.WithClock(clk))
	h := &harness{
		store:  store,
		runner: &fakeRunner{},
		events: sinks.NewBroadcaster(8, nil),
	}
	cfg := config.Config{}
	deps := Deps{
		Repo:     store,
		Settings: scheduler.NewSettingsCache(store),
		Runner:   h.runner,
		Marker:   marker{store: store},
		Events:   h.events,
		Feeds:    export.New(export.Config{FeedTitle: "t"}, store, export.WithClock(clk)),
		Governor: governor.New(governor.Config{}),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	h.server = NewServer(deps, cfg, zap.NewNop())
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = h.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_SourceLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/sources", `{"url":"https://example.com/user.htm?author=a","name":"alpha"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[struct {
		Data watch.Source `json:"data"`
	}](t, rec)
	assert.Equal(t, "alpha", created.Data.Name)

	rec = h.do(t, http.MethodPost, "/v1/sources", `{"url":"https://example.com/user.htm?author=a"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/sources", `{"url":"not a url"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/sources", `{invalid`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Data []watch.Source `json:"data"`
	}](t, rec)
	require.Len(t, list.Data, 1)

	item, err := h.store.UpsertItem(context.Background(), watch.Item{
		SourceID: created.Data.ID, ExternalID: "77", Title: "clip", UploadTime: now,
	})
	require.NoError(t, err)

	rec = h.do(t, http.MethodGet, "/v1/sources/1/items?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"video_id":"77"`)

	rec = h.do(t, http.MethodGet, "/v1/items/1/open", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://example.com/video-77.htm")

	rec = h.do(t, http.MethodPost, "/v1/items/1/watched", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := h.store.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.True(t, got.Watched)

	rec = h.do(t, http.MethodPost, "/v1/items/99/watched", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodDelete, "/v1/sources/1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodGet, "/v1/sources/1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodGet, "/v1/sources/abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CheckControl(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/v1/check", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "started")

	rec = h.do(t, http.MethodPost, "/v1/check", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "running")

	rec = h.do(t, http.MethodGet, "/v1/check/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[scheduler.Status](t, rec).Running)

	rec = h.do(t, http.MethodPost, "/v1/check/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stopping")

	rec = h.do(t, http.MethodPost, "/v1/check/stop", "")
	assert.Contains(t, rec.Body.String(), "idle")

	rec = h.do(t, http.MethodGet, "/v1/updates", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[]}`, rec.Body.String())
}

func TestServer_Settings(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/v1/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3600, decode[watch.Settings](t, rec).CheckIntervalSeconds)

	rec = h.do(t, http.MethodPut, "/v1/settings", `{"check_interval":600,"auto_check":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decode[watch.Settings](t, rec)
	assert.Equal(t, 600, saved.CheckIntervalSeconds)
	assert.Equal(t, 7, saved.UpdateRangeDays)
	assert.False(t, saved.AutoCheck)

	rec = h.do(t, http.MethodGet, "/v1/settings", "")
	assert.Equal(t, 600, decode[watch.Settings](t, rec).CheckIntervalSeconds)

	rec = h.do(t, http.MethodPut, "/v1/settings", `{"update_range_days":0}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Runs(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	runID := uuid.Must(uuid.NewV7())
	require.NoError(t, h.store.UpsertRunStart(ctx, runID, now, 3))
	require.NoError(t, h.store.CompleteRun(ctx, runID, now.Add(time.Minute), watch.RunSuccess, nil))

	rec := h.do(t, http.MethodGet, "/v1/runs?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[struct {
		Runs []runDTO `json:"runs"`
	}](t, rec)
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, "success", runs.Runs[0].Status)

	rec = h.do(t, http.MethodGet, "/v1/runs/"+runID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sources_total":3`)

	rec = h.do(t, http.MethodGet, "/v1/runs/"+uuid.NewString(), "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodGet, "/v1/runs/nope", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodGet, "/v1/runs?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StatsLogsAndExports(t *testing.T) {
	t.Parallel()
	logFile := filepath.Join(t.TempDir(), "pagewatch.log")
	require.NoError(t, os.WriteFile(logFile, []byte(strings.Repeat("x", 20000)+"tail"), 0o600))
	h := newHarness(t, func(cfg *config.Config, _ *Deps) {
		cfg.Logging.File = logFile
	})

	rec := h.do(t, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "total_requests")

	rec = h.do(t, http.MethodGet, "/v1/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[map[string]string](t, rec)
	assert.Len(t, logs["logs"], 10000)
	assert.True(t, strings.HasSuffix(logs["logs"], "tail"))

	rec = h.do(t, http.MethodGet, "/v1/feed.atom", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "atom")

	rec = h.do(t, http.MethodGet, "/v1/feed.rss", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<rss")

	rec = h.do(t, http.MethodGet, "/v1/export.json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_items": 0`)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *config.Config, _ *Deps) {
		cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	})

	rec := h.do(t, http.MethodGet, "/v1/sources", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/sources?api_key=secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code, "health checks stay open")
}

func TestServer_RateLimitsMutations(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ *config.Config, deps *Deps) {
		l, err := ratelimit.New(ratelimit.Config{RPS: 0.01, Burst: 1})
		require.NoError(t, err)
		deps.Limiter = l
	})

	rec := h.do(t, http.MethodPost, "/v1/check", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = h.do(t, http.MethodPost, "/v1/check/stop", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = h.do(t, http.MethodGet, "/v1/check/status", "")
	require.Equal(t, http.StatusOK, rec.Code, "reads are not limited")
}

func TestServer_UnavailableDeps(t *testing.T) {
	t.Parallel()
	srv := NewServer(Deps{}, config.Config{}, nil)
	for _, path := range []string{"/v1/sources", "/v1/check/status", "/v1/export.json", "/v1/progress"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestServer_ProgressStream(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ts := httptest.NewServer(h.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/progress", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return h.events.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	run := progress.UUIDToBytes(uuid.Must(uuid.NewV7()))
	update := &watch.Update{Item: watch.Item{ExternalID: "5"}}
	require.NoError(t, h.events.Consume(ctx, []progress.Event{
		{RunID: run, TS: now, Stage: progress.StageFetchDone, Site: "example.com", StatusClass: progress.Status2xx},
		{RunID: run, TS: now, Stage: progress.StageSourceDone, Source: "alpha", Current: 1, Total: 1},
		{RunID: run, TS: now, Stage: progress.StageItemFound, Update: update},
		{RunID: run, TS: now, Stage: progress.StageCheckDone, Items: 1},
	}))

	reader := bufio.NewReader(resp.Body)
	var names []string
	for len(names) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, strings.TrimSpace(name))
		}
	}
	assert.Equal(t, []string{"progress", "item", "done"}, names)
}

func TestSSEMessage(t *testing.T) {
	t.Parallel()
	name, payload := sseMessage(progress.Event{Stage: progress.StageCheckStopped, Items: 2, Note: "stopped by request"})
	assert.Equal(t, "done", name)
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data, []byte(`"status":"stopped"`)))

	name, _ = sseMessage(progress.Event{Stage: progress.StageFetchDone})
	assert.Empty(t, name)
}
