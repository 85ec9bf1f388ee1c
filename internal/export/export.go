// Package export renders recently uploaded items as a JSON snapshot or as
// Atom and RSS feeds.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/gorilla/feeds"

	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

const defaultMaxItems = 100

// Config controls feed metadata and size.
type Config struct {
	FeedTitle string
	FeedLink  string
	MaxItems  int
}

// Metadata describes a snapshot.
type Metadata struct {
	GeneratedAt time.Time `json:"generated_at"`
	TotalItems  int       `json:"total_items"`
	RangeDays   int       `json:"range_days"`
}

// Snapshot is the JSON export document.
type Snapshot struct {
	Metadata Metadata       `json:"metadata"`
	Items    []watch.Update `json:"items"`
}

// Store is what the exporter reads.
type Store interface {
	watch.ItemStore
	watch.SettingsStore
}

// Exporter builds exports from the recent items window.
type Exporter struct {
	cfg    Config
	store  Store
	opener watch.Opener
	clock  watch.Clock
}

// Option customizes an Exporter.
type Option func(*Exporter)

// WithClock sets the time source for the window and feed timestamps.
func WithClock(c watch.Clock) Option {
	return func(e *Exporter) { e.clock = c }
}

// WithOpener sets how item links are built.
func WithOpener(o watch.Opener) Option {
	return func(e *Exporter) { e.opener = o }
}

// New builds an Exporter.
func New(cfg Config, store Store, opts ...Option) *Exporter {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = defaultMaxItems
	}
	if cfg.FeedTitle == "" {
		cfg.FeedTitle = "pagewatch updates"
	}
	e := &Exporter{
		cfg:    cfg,
		store:  store,
		opener: watch.PathOpener{},
		clock:  system.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Snapshot returns items uploaded within update_range_days, newest first.
func (e *Exporter) Snapshot(ctx context.Context) (Snapshot, error) {
	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("export: load settings: %w", err)
	}
	now := e.clock.Now().UTC()
	days := settings.UpdateRangeDays
	if days <= 0 {
		days = watch.DefaultSettings().UpdateRangeDays
	}
	since := now.Add(-time.Duration(days) * 24 * time.Hour)
	items, err := e.store.ListRecentItems(ctx, since, e.cfg.MaxItems)
	if err != nil {
		return Snapshot{}, fmt.Errorf("export: list recent items: %w", err)
	}
	if items == nil {
		items = []watch.Update{}
	}
	return Snapshot{
		Metadata: Metadata{GeneratedAt: now, TotalItems: len(items), RangeDays: days},
		Items:    items,
	}, nil
}

// WriteJSON writes an indented snapshot.
func (e *Exporter) WriteJSON(ctx context.Context, w io.Writer) error {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("export: encode json: %w", err)
	}
	return nil
}

// Feed converts the snapshot into a feed.
func (e *Exporter) Feed(ctx context.Context) (*feeds.Feed, error) {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	feed := &feeds.Feed{
		Title:       e.cfg.FeedTitle,
		Description: fmt.Sprintf("New items from the last %d days", snap.Metadata.RangeDays),
		Id:          "tag:pagewatch,2024:feed",
		Created:     snap.Metadata.GeneratedAt,
		Updated:     snap.Metadata.GeneratedAt,
	}
	if e.cfg.FeedLink != "" {
		feed.Link = &feeds.Link{Href: e.cfg.FeedLink}
	} else {
		feed.Link = &feeds.Link{}
	}
	for _, u := range snap.Items {
		feed.Items = append(feed.Items, e.feedItem(u))
	}
	return feed, nil
}

func (e *Exporter) feedItem(u watch.Update) *feeds.Item {
	link := e.opener.ItemURL(u.Source, u.Item)
	author := u.Source.Name
	if author == "" {
		author = u.Source.URL
	}
	var desc strings.Builder
	if u.Item.ThumbnailURL != "" {
		fmt.Fprintf(&desc, `<img src="%s" alt="">`, html.EscapeString(u.Item.ThumbnailURL))
	}
	if u.Item.RelativeTime != "" {
		fmt.Fprintf(&desc, "<p>%s</p>", html.EscapeString(u.Item.RelativeTime))
	}
	return &feeds.Item{
		Title:       u.Item.Title,
		Link:        &feeds.Link{Href: link},
		Author:      &feeds.Author{Name: author},
		Description: desc.String(),
		Id:          fmt.Sprintf("pagewatch:%d:%s", u.Source.ID, u.Item.ExternalID),
		Created:     u.Item.UploadTime,
		Updated:     u.Item.UploadTime,
	}
}

// WriteAtom renders the Atom feed.
func (e *Exporter) WriteAtom(ctx context.Context, w io.Writer) error {
	feed, err := e.Feed(ctx)
	if err != nil {
		return err
	}
	if err := feed.WriteAtom(w); err != nil {
		return fmt.Errorf("export: write atom: %w", err)
	}
	return nil
}

// WriteRSS renders the RSS 2.0 feed.
func (e *Exporter) WriteRSS(ctx context.Context, w io.Writer) error {
	feed, err := e.Feed(ctx)
	if err != nil {
		return err
	}
	if err := feed.WriteRss(w); err != nil {
		return fmt.Errorf("export: write rss: %w", err)
	}
	return nil
}
