// Package cache stores fetched pages in a bounded memory LRU backed by JSON
// files on disk. Entries expire a fixed TTL after they were written.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/hash/sha256"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/storage/local"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

const (
	defaultTTL         = 300 * time.Second
	defaultMemoryItems = 50
	fileSuffix         = ".json"
)

// Meta carries the conditional-request validators stored with a page.
type Meta struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// Stats describes cache occupancy.
type Stats struct {
	MemoryCount int           `json:"memory_count"`
	DiskCount   int           `json:"disk_count"`
	DiskBytes   int64         `json:"disk_bytes"`
	TTL         time.Duration `json:"ttl"`
}

// ObjectStore is the disk tier contract satisfied by local.BlobStore.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, suffix string) ([]local.ObjectInfo, error)
}

// Config tunes the cache.
type Config struct {
	TTL         time.Duration
	MemoryItems int
	Clock       watch.Clock
	Logger      *zap.Logger
}

type entry struct {
	URL      string    `json:"url"`
	HTML     string    `json:"html"`
	CachedAt time.Time `json:"cached_at"`
	Meta     Meta      `json:"metadata"`
}

// Cache is safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	mem    *lru.Cache[string, entry]
	disk   ObjectStore
	ttl    time.Duration
	clock  watch.Clock
	logger *zap.Logger
}

// New builds a Cache over the given disk store.
func New(disk ObjectStore, cfg Config) (*Cache, error) {
	if disk == nil {
		return nil, errors.New("cache: disk store is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MemoryItems <= 0 {
		cfg.MemoryItems = defaultMemoryItems
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mem, err := lru.New[string, entry](cfg.MemoryItems)
	if err != nil {
		return nil, fmt.Errorf("cache: build lru: %w", err)
	}
	return &Cache{
		mem:    mem,
		disk:   disk,
		ttl:    cfg.TTL,
		clock:  cfg.Clock,
		logger: logger.Named("cache"),
	}, nil
}

// Key returns the storage key for url.
func Key(url string) string {
	return sha256.String(url)
}

func (c *Cache) fresh(e entry) bool {
	return c.clock.Now().Sub(e.CachedAt) < c.ttl
}

// Get returns the cached HTML for url if present and fresh.
func (c *Cache) Get(ctx context.Context, url string) (string, bool) {
	html, _, ok := c.GetWithMeta(ctx, url)
	return html, ok
}

// GetWithMeta returns the cached HTML and validators for url.
func (c *Cache) GetWithMeta(ctx context.Context, url string) (string, Meta, bool) {
	key := Key(url)
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.mem.Get(key); ok {
		if c.fresh(e) {
			metrics.ObserveCacheLookup("memory", "hit")
			return e.HTML, e.Meta, true
		}
		c.mem.Remove(key)
		metrics.ObserveCacheLookup("memory", "expired")
	}

	data, err := c.disk.Get(ctx, key+fileSuffix)
	if err != nil {
		if !errors.Is(err, local.ErrNotExist) {
			c.logger.Warn("cache read failed", zap.String("url", url), zap.Error(err))
		}
		metrics.ObserveCacheLookup("disk", "miss")
		return "", Meta{}, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil || e.HTML == "" {
		c.logger.Warn("discarding corrupted cache entry", zap.String("url", url), zap.Error(err))
		c.deleteDisk(ctx, key)
		metrics.ObserveCacheLookup("disk", "corrupt")
		return "", Meta{}, false
	}
	if !c.fresh(e) {
		c.deleteDisk(ctx, key)
		metrics.ObserveCacheLookup("disk", "expired")
		return "", Meta{}, false
	}
	c.mem.Add(key, e)
	metrics.ObserveCacheLookup("disk", "hit")
	return e.HTML, e.Meta, true
}

// Set stores html for url. Empty content is ignored.
func (c *Cache) Set(ctx context.Context, url, html string, meta Meta) error {
	if html == "" {
		return nil
	}
	key := Key(url)
	e := entry{URL: url, HTML: html, CachedAt: c.clock.Now(), Meta: meta}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.disk.Put(ctx, key+fileSuffix, data); err != nil {
		return fmt.Errorf("cache: write entry: %w", err)
	}
	c.mem.Add(key, e)
	return nil
}

// Invalidate drops url from both tiers.
func (c *Cache) Invalidate(ctx context.Context, url string) error {
	key := Key(url)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem.Remove(key)
	if err := c.disk.Delete(ctx, key+fileSuffix); err != nil {
		return fmt.Errorf("cache: invalidate: %w", err)
	}
	return nil
}

// ClearAll empties both tiers.
func (c *Cache) ClearAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem.Purge()
	objects, err := c.disk.List(ctx, fileSuffix)
	if err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	for _, obj := range objects {
		if err := c.disk.Delete(ctx, obj.Key); err != nil {
			return fmt.Errorf("cache: clear: %w", err)
		}
	}
	c.logger.Info("cache cleared", zap.Int("disk_entries", len(objects)))
	return nil
}

// ClearExpired removes stale or unreadable disk entries and stale memory
// entries. It returns the number of disk entries removed.
func (c *Cache) ClearExpired(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.mem.Keys() {
		if e, ok := c.mem.Peek(key); ok && !c.fresh(e) {
			c.mem.Remove(key)
		}
	}
	objects, err := c.disk.List(ctx, fileSuffix)
	if err != nil {
		return 0, fmt.Errorf("cache: clear expired: %w", err)
	}
	removed := 0
	for _, obj := range objects {
		data, err := c.disk.Get(ctx, obj.Key)
		if err != nil {
			continue
		}
		var e entry
		if err := json.Unmarshal(data, &e); err == nil && c.fresh(e) {
			continue
		}
		if err := c.disk.Delete(ctx, obj.Key); err != nil {
			return removed, fmt.Errorf("cache: clear expired: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Stats reports tier sizes.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := Stats{MemoryCount: c.mem.Len(), TTL: c.ttl}
	objects, err := c.disk.List(ctx, fileSuffix)
	if err != nil {
		return stats, fmt.Errorf("cache: stats: %w", err)
	}
	for _, obj := range objects {
		stats.DiskCount++
		stats.DiskBytes += obj.Size
	}
	return stats, nil
}

func (c *Cache) deleteDisk(ctx context.Context, key string) {
	if err := c.disk.Delete(ctx, key+fileSuffix); err != nil {
		c.logger.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
	}
}
