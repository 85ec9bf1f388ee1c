package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

type itemKey struct {
	sourceID   int64
	externalID string
}

// Store provides an in-memory watch.Repository for development/testing.
type Store struct {
	mu         sync.RWMutex
	clock      watch.Clock
	nextSource int64
	nextItem   int64
	sources    map[int64]watch.Source
	byURL      map[string]int64
	items      map[int64]watch.Item
	itemIndex  map[itemKey]int64
	settings   *watch.Settings
	runs       map[uuid.UUID]watch.CheckRun
}

var _ watch.Repository = (*Store)(nil)

// Option customizes a Store.
type Option func(*Store)

// WithClock sets the clock used for row timestamps.
func WithClock(c watch.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		clock:     system.New(),
		sources:   make(map[int64]watch.Source),
		byURL:     make(map[string]int64),
		items:     make(map[int64]watch.Item),
		itemIndex: make(map[itemKey]int64),
		runs:      make(map[uuid.UUID]watch.CheckRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListSources returns every source ordered by id.
func (s *Store) ListSources(_ context.Context) ([]watch.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]watch.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetSource loads a source by id.
func (s *Store) GetSource(_ context.Context, id int64) (watch.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return watch.Source{}, fmt.Errorf("get source %d: %w", id, watch.ErrNotFound)
	}
	return src, nil
}

// GetSourceByURL loads a source by its canonical URL.
func (s *Store) GetSourceByURL(_ context.Context, url string) (watch.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byURL[url]
	if !ok {
		return watch.Source{}, fmt.Errorf("get source by url: %w", watch.ErrNotFound)
	}
	return s.sources[id], nil
}

// CreateSource stores a new source with a fresh id.
func (s *Store) CreateSource(_ context.Context, src watch.Source) (watch.Source, error) {
	if src.URL == "" {
		return watch.Source{}, errors.New("create source: url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byURL[src.URL]; exists {
		return watch.Source{}, fmt.Errorf("create source %s: %w", src.URL, watch.ErrDuplicate)
	}
	s.nextSource++
	now := s.clock.Now().UTC()
	stored := watch.Source{
		ID:              s.nextSource,
		URL:             src.URL,
		Name:            src.Name,
		AvatarURL:       src.AvatarURL,
		CreatedAt:       now,
		UpdatedAt:       now,
		UpdateFrequency: src.UpdateFrequency,
	}
	if stored.UpdateFrequency <= 0 {
		stored.UpdateFrequency = watch.DefaultUpdateFrequency
	}
	s.sources[stored.ID] = stored
	s.byURL[stored.URL] = stored.ID
	return stored, nil
}

// UpdateSourceCheck persists the check bookkeeping fields of src.
func (s *Store) UpdateSourceCheck(_ context.Context, src watch.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sources[src.ID]
	if !ok {
		return watch.ErrNotFound
	}
	current.Name = src.Name
	current.AvatarURL = src.AvatarURL
	current.LastCheckTime = utcPtr(src.LastCheckTime)
	current.CheckCount = src.CheckCount
	current.LastItemID = src.LastItemID
	current.UpdateFrequency = src.UpdateFrequency
	current.ConsecutiveNoUpdate = src.ConsecutiveNoUpdate
	current.UpdatedAt = s.clock.Now().UTC()
	s.sources[src.ID] = current
	return nil
}

// DeleteSource removes a source and its items.
func (s *Store) DeleteSource(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return watch.ErrNotFound
	}
	delete(s.sources, id)
	delete(s.byURL, src.URL)
	for key, itemID := range s.itemIndex {
		if key.sourceID == id {
			delete(s.itemIndex, key)
			delete(s.items, itemID)
		}
	}
	return nil
}

// UpsertItem inserts or refreshes an item keyed by source and external id.
func (s *Store) UpsertItem(_ context.Context, item watch.Item) (watch.Item, error) {
	if item.ExternalID == "" {
		return watch.Item{}, errors.New("upsert item: external id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[item.SourceID]; !ok {
		return watch.Item{}, fmt.Errorf("upsert item: source %d: %w", item.SourceID, watch.ErrNotFound)
	}
	key := itemKey{sourceID: item.SourceID, externalID: item.ExternalID}
	if id, ok := s.itemIndex[key]; ok {
		stored := s.items[id]
		stored.Title = item.Title
		stored.ThumbnailURL = item.ThumbnailURL
		stored.RelativeTime = item.RelativeTime
		stored.UploadTime = item.UploadTime.UTC()
		s.items[id] = stored
		return stored, nil
	}
	s.nextItem++
	stored := watch.Item{
		ID:           s.nextItem,
		SourceID:     item.SourceID,
		ExternalID:   item.ExternalID,
		Title:        item.Title,
		ThumbnailURL: item.ThumbnailURL,
		RelativeTime: item.RelativeTime,
		UploadTime:   item.UploadTime.UTC(),
		CreatedAt:    s.clock.Now().UTC(),
	}
	s.items[stored.ID] = stored
	s.itemIndex[key] = stored.ID
	return stored, nil
}

// ListItems returns the items of one source, newest upload first.
func (s *Store) ListItems(_ context.Context, sourceID int64, limit int) ([]watch.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []watch.Item
	for _, item := range s.items {
		if item.SourceID == sourceID {
			out = append(out, item)
		}
	}
	sortItems(out, func(i int) watch.Item { return out[i] })
	return truncate(out, limit), nil
}

// ListRecentItems returns items uploaded at or after since with their sources.
func (s *Store) ListRecentItems(_ context.Context, since time.Time, limit int) ([]watch.Update, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []watch.Update
	for _, item := range s.items {
		if item.UploadTime.Before(since) {
			continue
		}
		out = append(out, watch.Update{Source: s.sources[item.SourceID], Item: item})
	}
	sortItems(out, func(i int) watch.Item { return out[i].Item })
	return truncate(out, limit), nil
}

// GetItem loads an item by id.
func (s *Store) GetItem(_ context.Context, id int64) (watch.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return watch.Item{}, fmt.Errorf("get item %d: %w", id, watch.ErrNotFound)
	}
	return item, nil
}

// MarkWatched flags an item as watched at the given time.
func (s *Store) MarkWatched(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return watch.ErrNotFound
	}
	item.Watched = true
	item.WatchedAt = utcPtr(&at)
	s.items[id] = item
	return nil
}

// GetSettings returns the settings, storing the defaults on first access.
func (s *Store) GetSettings(_ context.Context) (watch.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		defaults := watch.DefaultSettings()
		s.settings = &defaults
	}
	return *s.settings, nil
}

// SaveSettings replaces the stored settings.
func (s *Store) SaveSettings(_ context.Context, settings watch.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings.LastCheckTime = utcPtr(settings.LastCheckTime)
	s.settings = &settings
	return nil
}

// UpsertRunStart inserts or restarts a check run.
func (s *Store) UpsertRunStart(_ context.Context, id uuid.UUID, startedAt time.Time, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		run = watch.CheckRun{ID: id, StartedAt: startedAt.UTC()}
	}
	run.Status = watch.RunRunning
	run.SourcesTotal = total
	s.runs[id] = run
	return nil
}

// AddRunProgress increments the counters of a running check.
func (s *Store) AddRunProgress(_ context.Context, id uuid.UUID, delta watch.RunDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return watch.ErrNotFound
	}
	run.SourcesChecked += delta.Checked
	run.SourcesFailed += delta.Failed
	run.ItemsFound += delta.Items
	s.runs[id] = run
	return nil
}

// CompleteRun marks a run as finished.
func (s *Store) CompleteRun(
	_ context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status watch.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return watch.ErrNotFound
	}
	run.FinishedAt = utcPtr(&finishedAt)
	run.Status = status
	if errMsg != nil {
		msg := *errMsg
		run.Error = &msg
	}
	s.runs[id] = run
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *Store) GetRun(_ context.Context, id uuid.UUID) (watch.CheckRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return watch.CheckRun{}, fmt.Errorf("get run %s: %w", id, watch.ErrNotFound)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(_ context.Context, limit, offset int) ([]watch.CheckRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]watch.CheckRun, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	return truncate(out, limit), nil
}

// OpenSession returns a handle sharing the store's maps.
func (s *Store) OpenSession(_ context.Context) (watch.Session, error) {
	return session{Store: s}, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

type session struct {
	*Store
}

func (session) Close() error {
	return nil
}

func sortItems[T any](list []T, item func(int) watch.Item) {
	sort.Slice(list, func(i, j int) bool {
		a, b := item(i), item(j)
		if !a.UploadTime.Equal(b.UploadTime) {
			return a.UploadTime.After(b.UploadTime)
		}
		return a.ID > b.ID
	})
}

func truncate[T any](list []T, limit int) []T {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := t.UTC()
	return &ts
}
