package watch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when creating a row whose unique key already exists.
var ErrDuplicate = errors.New("already exists")

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Sleeper pauses for a duration unless the context ends first.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SourceStore persists tracked sources.
type SourceStore interface {
	ListSources(ctx context.Context) ([]Source, error)
	GetSource(ctx context.Context, id int64) (Source, error)
	GetSourceByURL(ctx context.Context, url string) (Source, error)
	CreateSource(ctx context.Context, src Source) (Source, error)
	UpdateSourceCheck(ctx context.Context, src Source) error
	DeleteSource(ctx context.Context, id int64) error
}

// ItemStore persists discovered items.
type ItemStore interface {
	// UpsertItem inserts or refreshes the item keyed by (SourceID, ExternalID) and
	// returns the stored row. Watched state is never overwritten.
	UpsertItem(ctx context.Context, item Item) (Item, error)
	ListItems(ctx context.Context, sourceID int64, limit int) ([]Item, error)
	// ListRecentItems returns items uploaded at or after since, newest first.
	ListRecentItems(ctx context.Context, since time.Time, limit int) ([]Update, error)
	GetItem(ctx context.Context, id int64) (Item, error)
	MarkWatched(ctx context.Context, id int64, at time.Time) error
}

// SettingsStore persists the singleton check configuration.
type SettingsStore interface {
	// GetSettings returns the stored settings, creating the default row if absent.
	GetSettings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error
}

// RunStore persists check run history.
type RunStore interface {
	UpsertRunStart(ctx context.Context, id uuid.UUID, startedAt time.Time, total int) error
	AddRunProgress(ctx context.Context, id uuid.UUID, delta RunDelta) error
	CompleteRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	GetRun(ctx context.Context, id uuid.UUID) (CheckRun, error)
	ListRuns(ctx context.Context, limit, offset int) ([]CheckRun, error)
}

// Session is a persistence handle owned by a single worker.
type Session interface {
	SourceStore
	ItemStore
	SettingsStore
	Close() error
}

// SessionOpener hands out independent sessions for concurrent workers.
type SessionOpener interface {
	OpenSession(ctx context.Context) (Session, error)
}

// Repository is the full persistence surface used by the process.
type Repository interface {
	SourceStore
	ItemStore
	SettingsStore
	RunStore
	SessionOpener
	Close() error
}

// Opener turns an item into the URL an external player should open.
type Opener interface {
	ItemURL(src Source, item Item) string
}
