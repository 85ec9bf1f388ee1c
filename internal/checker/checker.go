// Package checker runs update checks over every tracked source. A check
// fetches each source page through a bounded worker pool, extracts listing
// candidates, persists the items inside the configured time window and
// adapts the per-source recheck frequency.
package checker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/extract"
	"github.com/JakeFAU/pagewatch/internal/fetcher"
	"github.com/JakeFAU/pagewatch/internal/hash/sha256"
	iduuid "github.com/JakeFAU/pagewatch/internal/id/uuid"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/progress"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

const (
	defaultWorkers = 6
	defaultStagger = 200 * time.Millisecond
	syntheticIDLen = 16
	// noUpdateStreak is how many empty checks in a row slow a source down.
	noUpdateStreak = 3
)

// ErrNoItems is returned when a fetched page yields no candidates.
var ErrNoItems = errors.New("no items extracted")

// errSkipped marks a dispatched task that saw the stop flag before starting.
var errSkipped = errors.New("skipped")

// PageFetcher retrieves one page.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, opts fetcher.Options) (fetcher.Result, error)
}

// Extractor turns a listing page into candidates.
type Extractor interface {
	ExtractItems(page, baseURL string) ([]extract.Candidate, error)
}

// Store is the persistence surface the checker needs.
type Store interface {
	watch.SourceStore
	watch.ItemStore
	watch.SettingsStore
	watch.SessionOpener
}

// IDGenerator creates run identifiers.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Config controls the worker pool.
type Config struct {
	Workers int
	// Stagger delays task i by i*Stagger before it starts fetching.
	Stagger    time.Duration
	MaxRetries int
}

// ProgressFunc is called once per finished source.
type ProgressFunc func(current, total int, name string)

// ItemFunc is called once per reported update.
type ItemFunc func(watch.Update)

// Option customizes a Checker.
type Option func(*Checker)

// WithClock sets the time source for windows and bookkeeping.
func WithClock(c watch.Clock) Option {
	return func(ch *Checker) { ch.clock = c }
}

// WithSleeper overrides how stagger pauses are taken.
func WithSleeper(s watch.Sleeper) Option {
	return func(ch *Checker) { ch.sleeper = s }
}

// WithEmitter sets the progress event destination.
func WithEmitter(e progress.Emitter) Option {
	return func(ch *Checker) {
		if e != nil {
			ch.emitter = e
		}
	}
}

// WithIDGenerator sets how run ids are created.
func WithIDGenerator(g IDGenerator) Option {
	return func(ch *Checker) { ch.ids = g }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(ch *Checker) {
		if l != nil {
			ch.logger = l
		}
	}
}

// Checker is safe for concurrent use, but CheckAll runs are expected to be
// serialized by the caller (see scheduler.Runner).
type Checker struct {
	cfg       Config
	fetcher   PageFetcher
	extractor Extractor
	store     Store
	clock     watch.Clock
	sleeper   watch.Sleeper
	emitter   progress.Emitter
	ids       IDGenerator
	logger    *zap.Logger

	stopped atomic.Bool

	hookMu     sync.RWMutex
	onProgress ProgressFunc
	onItem     ItemFunc
}

// New wires a Checker.
func New(cfg Config, f PageFetcher, x Extractor, store Store, opts ...Option) (*Checker, error) {
	if f == nil || x == nil || store == nil {
		return nil, errors.New("checker: fetcher, extractor and store are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Stagger < 0 {
		cfg.Stagger = 0
	} else if cfg.Stagger == 0 {
		cfg.Stagger = defaultStagger
	}
	clk := system.New()
	c := &Checker{
		cfg:       cfg,
		fetcher:   f,
		extractor: x,
		store:     store,
		clock:     clk,
		sleeper:   clk,
		emitter:   progress.Discard,
		ids:       iduuid.New(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("checker")
	return c, nil
}

// OnProgress registers the per-source progress hook.
func (c *Checker) OnProgress(fn ProgressFunc) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onProgress = fn
}

// OnItem registers the per-update hook.
func (c *Checker) OnItem(fn ItemFunc) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onItem = fn
}

// Stop asks a running CheckAll to stop dispatching. Sources already being
// checked finish normally.
func (c *Checker) Stop() {
	c.stopped.Store(true)
}

// Stopping reports whether Stop was called since the last Reset.
func (c *Checker) Stopping() bool {
	return c.stopped.Load()
}

// Reset clears a pending stop. Whoever claims a run calls it before CheckAll,
// so a Stop that arrives between the claim and the first dispatch still holds.
func (c *Checker) Reset() {
	c.stopped.Store(false)
}

// CheckAll checks every source and returns the reported updates. A failing
// source is logged and skipped. Stopping early is not an error; ctx
// cancellation is. A stop requested before the call dispatches nothing.
func (c *Checker) CheckAll(ctx context.Context) ([]watch.Update, error) {
	runID, err := c.ids.NewRawID()
	if err != nil {
		return nil, fmt.Errorf("checker: %w", err)
	}
	run := progress.UUIDToBytes(runID)
	started := c.clock.Now()
	logger := c.logger.With(zap.Stringer("run_id", runID))

	settings, err := c.store.GetSettings(ctx)
	if err != nil {
		c.fail(run, started, err)
		return nil, fmt.Errorf("checker: load settings: %w", err)
	}
	sources, err := c.store.ListSources(ctx)
	if err != nil {
		c.fail(run, started, err)
		return nil, fmt.Errorf("checker: list sources: %w", err)
	}
	total := len(sources)
	c.emit(progress.Event{RunID: run, Stage: progress.StageCheckStart, Total: total})
	logger.Info("check started", zap.Int("sources", total), zap.Int("range_days", settings.UpdateRangeDays))

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		updates   []watch.Update
		completed int
	)
	sem := make(chan struct{}, c.cfg.Workers)
dispatch:
	for i, src := range sources {
		if c.stopped.Load() {
			logger.Info("check stop requested", zap.Int("dispatched", i))
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break dispatch
		}
		wg.Add(1)
		go func(i int, src watch.Source) {
			defer wg.Done()
			defer func() { <-sem }()
			found, err := c.runTask(ctx, run, i, src, settings.UpdateRangeDays)
			if errors.Is(err, errSkipped) {
				return
			}

			mu.Lock()
			defer mu.Unlock()
			completed++
			updates = append(updates, found...)
			c.reportSource(run, completed, total, src, found, err)
		}(i, src)
	}
	wg.Wait()

	elapsed := c.clock.Now().Sub(started)
	if err := ctx.Err(); err != nil {
		c.emit(progress.Event{RunID: run, Stage: progress.StageCheckError, Dur: elapsed, Items: len(updates), Note: err.Error()})
		return updates, fmt.Errorf("checker: %w", err)
	}
	c.touchSettings(ctx)

	stage := progress.StageCheckDone
	note := ""
	if c.stopped.Load() {
		stage = progress.StageCheckStopped
		note = "stopped by request"
	}
	c.emit(progress.Event{RunID: run, Stage: stage, Total: total, Items: len(updates), Dur: elapsed, Note: note})
	logger.Info("check finished",
		zap.String("stage", string(stage)),
		zap.Int("checked", completed),
		zap.Int("updates", len(updates)),
		zap.Duration("elapsed", elapsed),
	)
	return updates, nil
}

func (c *Checker) runTask(ctx context.Context, run [16]byte, i int, src watch.Source, rangeDays int) ([]watch.Update, error) {
	if c.stopped.Load() {
		return nil, errSkipped
	}
	if delay := time.Duration(i) * c.cfg.Stagger; delay > 0 {
		if err := c.sleeper.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	return c.checkSource(ctx, run, src, rangeDays)
}

func (c *Checker) reportSource(run [16]byte, current, total int, src watch.Source, found []watch.Update, err error) {
	status := "success"
	if err != nil {
		status = "error"
		c.logger.Warn("source check failed", zap.String("url", src.URL), zap.String("name", src.Name), zap.Error(err))
	}
	metrics.ObserveSourceCheck(status)

	c.hookMu.RLock()
	onProgress, onItem := c.onProgress, c.onItem
	c.hookMu.RUnlock()

	for i := range found {
		u := found[i]
		if onItem != nil {
			c.callHook("item", func() { onItem(u) })
		}
		c.emit(progress.Event{RunID: run, Stage: progress.StageItemFound, Source: src.Name, Update: &u})
	}
	if onProgress != nil {
		c.callHook("progress", func() { onProgress(current, total, src.Name) })
	}
	evt := progress.Event{
		RunID:   run,
		Stage:   progress.StageSourceDone,
		Source:  src.Name,
		Current: current,
		Total:   total,
		Items:   len(found),
		Failed:  err != nil,
	}
	if err != nil {
		evt.Note = err.Error()
	}
	c.emit(evt)
}

// callHook runs a consumer callback. A panicking consumer is logged and the
// run carries on.
func (c *Checker) callHook(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("check hook panicked", zap.String("hook", name), zap.Any("panic", rec))
		}
	}()
	fn()
}

// CheckOne fetches src, persists the in-window items newer than the stored
// cursor and updates the source bookkeeping. It reports at most one update:
// the most recent item inside the window of rangeDays.
func (c *Checker) CheckOne(ctx context.Context, src watch.Source, rangeDays int) ([]watch.Update, error) {
	runID, err := c.ids.NewRawID()
	if err != nil {
		return nil, fmt.Errorf("checker: %w", err)
	}
	return c.checkSource(ctx, progress.UUIDToBytes(runID), src, rangeDays)
}

func (c *Checker) checkSource(ctx context.Context, run [16]byte, src watch.Source, rangeDays int) ([]watch.Update, error) {
	start := c.clock.Now()
	res, err := c.fetcher.Fetch(ctx, src.URL, fetcher.Options{MaxRetries: c.cfg.MaxRetries, UseCache: false})
	c.emitFetch(run, src.URL, res, c.clock.Now().Sub(start), err)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", src.URL, err)
	}

	candidates, err := c.extractor.ExtractItems(res.Body, src.URL)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", src.URL, err)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%s: %w", src.URL, ErrNoItems)
	}
	AssignSyntheticIDs(candidates)

	// The session pins a pooled connection, so it is only held for the writes.
	sess, err := c.store.OpenSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			c.logger.Warn("close session", zap.Error(cerr))
		}
	}()

	now := c.clock.Now()
	cutoff := Cutoff(now, rangeDays)

	current, err := sess.GetSourceByURL(ctx, src.URL)
	if err != nil {
		return nil, fmt.Errorf("reload source %s: %w", src.URL, err)
	}

	fresh := NewItemsSince(candidates, current.LastItemID, cutoff)
	headline, hasHeadline := Latest(candidates, cutoff)

	var reported []watch.Update
	for _, cand := range fresh {
		stored, err := sess.UpsertItem(ctx, cand.Item(current.ID))
		if err != nil {
			return nil, fmt.Errorf("store item %s: %w", cand.ExternalID, err)
		}
		if hasHeadline && cand.ExternalID == headline.ExternalID {
			reported = append(reported, watch.Update{Source: current, Item: stored})
			hasHeadline = false
		}
	}
	if hasHeadline {
		stored, err := sess.UpsertItem(ctx, headline.Item(current.ID))
		if err != nil {
			return nil, fmt.Errorf("store item %s: %w", headline.ExternalID, err)
		}
		reported = append(reported, watch.Update{Source: current, Item: stored})
	}

	checked := now
	current.LastCheckTime = &checked
	current.CheckCount++
	current.LastItemID = candidates[0].ExternalID
	AdaptFrequency(&current, len(fresh))
	if err := sess.UpdateSourceCheck(ctx, current); err != nil {
		return nil, fmt.Errorf("update source %s: %w", src.URL, err)
	}
	for i := range reported {
		reported[i].Source = current
	}

	elapsed := c.clock.Now().Sub(start)
	if len(reported) > 0 {
		c.logger.Info("new item found",
			zap.String("name", current.Name),
			zap.String("video_id", reported[0].Item.ExternalID),
			zap.Int("new_items", len(fresh)),
			zap.Duration("elapsed", elapsed),
		)
	} else {
		c.logger.Info("no new items", zap.String("name", current.Name), zap.Duration("elapsed", elapsed))
	}
	return reported, nil
}

// MarkWatched flags an item as watched now.
func (c *Checker) MarkWatched(ctx context.Context, itemID int64) error {
	if err := c.store.MarkWatched(ctx, itemID, c.clock.Now()); err != nil {
		return fmt.Errorf("mark watched %d: %w", itemID, err)
	}
	return nil
}

// DueSources returns the sources ShouldCheckNow selects at the current time.
func (c *Checker) DueSources(ctx context.Context) ([]watch.Source, error) {
	sources, err := c.store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	now := c.clock.Now()
	due := sources[:0]
	for _, src := range sources {
		if ShouldCheckNow(src, now) {
			due = append(due, src)
		}
	}
	return due, nil
}

func (c *Checker) touchSettings(ctx context.Context) {
	settings, err := c.store.GetSettings(ctx)
	if err != nil {
		c.logger.Warn("reload settings", zap.Error(err))
		return
	}
	now := c.clock.Now()
	settings.LastCheckTime = &now
	if err := c.store.SaveSettings(ctx, settings); err != nil {
		c.logger.Warn("save last check time", zap.Error(err))
	}
}

func (c *Checker) emitFetch(run [16]byte, rawURL string, res fetcher.Result, dur time.Duration, err error) {
	evt := progress.Event{
		RunID:       run,
		Stage:       progress.StageFetchDone,
		Site:        metrics.SanitizeSite(rawURL),
		StatusClass: progress.ClassifyStatus(res.StatusCode),
		Bytes:       int64(len(res.Body)),
		Dur:         dur,
	}
	if err != nil {
		evt.Note = err.Error()
	}
	c.emit(evt)
}

func (c *Checker) emit(evt progress.Event) {
	evt.TS = c.clock.Now().UTC()
	c.emitter.Emit(evt)
}

func (c *Checker) fail(run [16]byte, started time.Time, err error) {
	c.logger.Error("check failed", zap.Error(err))
	c.emit(progress.Event{RunID: run, Stage: progress.StageCheckError, Dur: c.clock.Now().Sub(started), Note: err.Error()})
}

// AssignSyntheticIDs gives candidates without a site id a stable id derived
// from the title.
func AssignSyntheticIDs(cands []extract.Candidate) {
	for i := range cands {
		if cands[i].ExternalID == "" {
			cands[i].ExternalID = "t" + sha256.String(cands[i].Title)[:syntheticIDLen]
		}
	}
}
