package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

// ErrInvalidSettings wraps settings validation failures.
var ErrInvalidSettings = errors.New("invalid settings")

// SettingsCache keeps the last settings read from the store until a save or
// an explicit invalidation.
type SettingsCache struct {
	store watch.SettingsStore

	mu     sync.Mutex
	cached *watch.Settings
}

var _ watch.SettingsStore = (*SettingsCache)(nil)

// NewSettingsCache wraps store.
func NewSettingsCache(store watch.SettingsStore) *SettingsCache {
	return &SettingsCache{store: store}
}

// GetSettings returns the cached settings, loading them on first use.
func (c *SettingsCache) GetSettings(ctx context.Context) (watch.Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil {
		return *c.cached, nil
	}
	s, err := c.store.GetSettings(ctx)
	if err != nil {
		return watch.Settings{}, err
	}
	c.cached = &s
	return s, nil
}

// SaveSettings validates s, writes it through and drops the cached copy.
func (c *SettingsCache) SaveSettings(ctx context.Context, s watch.Settings) error {
	if err := ValidateSettings(s); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
	return c.store.SaveSettings(ctx, s)
}

// Invalidate drops the cached copy.
func (c *SettingsCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
}

// ValidateSettings rejects values a check cannot run with.
func ValidateSettings(s watch.Settings) error {
	if s.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("%w: check_interval must be > 0", ErrInvalidSettings)
	}
	if s.UpdateRangeDays <= 0 {
		return fmt.Errorf("%w: update_range_days must be > 0", ErrInvalidSettings)
	}
	return nil
}
