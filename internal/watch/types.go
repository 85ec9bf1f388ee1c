// Package watch defines the domain model and collaborator interfaces shared by the
// fetch pipeline, the update checker, persistence and the HTTP API.
package watch

import (
	"time"

	"github.com/google/uuid"
)

// RecentLabel is the time text used when a listing shows no usable upload time.
const RecentLabel = "最近更新"

// Frequency bounds for the adaptive recheck interval, in days.
const (
	DefaultUpdateFrequency = 7
	MinUpdateFrequency     = 1
	MaxUpdateFrequency     = 30
)

// Source is a tracked creator page. Its identity is the canonical URL.
type Source struct {
	ID                  int64      `json:"id"`
	URL                 string     `json:"url"`
	Name                string     `json:"name"`
	AvatarURL           string     `json:"avatar_url"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	LastCheckTime       *time.Time `json:"last_check_time,omitempty"`
	CheckCount          int        `json:"check_count"`
	LastItemID          string     `json:"last_item_id"`
	UpdateFrequency     int        `json:"update_frequency"`
	ConsecutiveNoUpdate int        `json:"consecutive_no_update"`
}

// Item is one discovered entry on a source page. ExternalID is the site-assigned
// id and is only unique within its source.
type Item struct {
	ID           int64      `json:"id"`
	SourceID     int64      `json:"source_id"`
	ExternalID   string     `json:"video_id"`
	Title        string     `json:"title"`
	ThumbnailURL string     `json:"thumbnail_url"`
	RelativeTime string     `json:"relative_time"`
	UploadTime   time.Time  `json:"upload_time"`
	Watched      bool       `json:"is_watched"`
	WatchedAt    *time.Time `json:"watched_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Update pairs a source with an item reported by a check.
type Update struct {
	Source Source `json:"bookmark"`
	Item   Item   `json:"video"`
}

// Settings is the singleton check configuration.
type Settings struct {
	CheckIntervalSeconds int        `json:"check_interval"`
	UpdateRangeDays      int        `json:"update_range_days"`
	AutoCheck            bool       `json:"auto_check"`
	OpenerPath           string     `json:"browser_path,omitempty"`
	LastCheckTime        *time.Time `json:"last_check_time,omitempty"`
}

// DefaultSettings returns the values used when no settings row exists yet.
func DefaultSettings() Settings {
	return Settings{
		CheckIntervalSeconds: 3600,
		UpdateRangeDays:      7,
		AutoCheck:            true,
	}
}

// RunStatus is the lifecycle state of a check run.
type RunStatus string

// Check run statuses persisted in check_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
	RunStopped RunStatus = "stopped"
)

// CheckRun records one invocation of a full check.
type CheckRun struct {
	ID             uuid.UUID  `json:"id"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Status         RunStatus  `json:"status"`
	SourcesTotal   int        `json:"sources_total"`
	SourcesChecked int        `json:"sources_checked"`
	SourcesFailed  int        `json:"sources_failed"`
	ItemsFound     int        `json:"items_found"`
	Error          *string    `json:"error,omitempty"`
}

// RunDelta carries incremental counters applied to a running CheckRun.
type RunDelta struct {
	Checked int
	Failed  int
	Items   int
}
