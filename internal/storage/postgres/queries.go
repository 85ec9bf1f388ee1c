package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

// queries holds the source, item and settings statements shared by Store and Session.
type queries struct {
	q     querier
	clock watch.Clock
}

const sourceColumns = `id, url, name, avatar_url, created_at, updated_at, last_check_time, check_count, last_item_id, update_frequency, consecutive_no_update`

// ListSources returns every source ordered by id.
func (q queries) ListSources(ctx context.Context) ([]watch.Source, error) {
	rows, err := q.q.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []watch.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

// GetSource loads a source by id.
func (q queries) GetSource(ctx context.Context, id int64) (watch.Source, error) {
	src, err := scanSource(q.q.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id))
	if err != nil {
		return watch.Source{}, notFound(err, "get source")
	}
	return src, nil
}

// GetSourceByURL loads a source by its canonical URL.
func (q queries) GetSourceByURL(ctx context.Context, url string) (watch.Source, error) {
	src, err := scanSource(q.q.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE url = $1`, url))
	if err != nil {
		return watch.Source{}, notFound(err, "get source by url")
	}
	return src, nil
}

// CreateSource inserts src and returns the stored row.
func (q queries) CreateSource(ctx context.Context, src watch.Source) (watch.Source, error) {
	if src.URL == "" {
		return watch.Source{}, errors.New("create source: url is required")
	}
	if src.UpdateFrequency <= 0 {
		src.UpdateFrequency = watch.DefaultUpdateFrequency
	}
	now := q.clock.Now().UTC()
	const query = `
INSERT INTO sources (url, name, avatar_url, created_at, updated_at, check_count, last_item_id, update_frequency, consecutive_no_update)
VALUES ($1, $2, $3, $4, $4, 0, '', $5, 0)
RETURNING ` + sourceColumns
	stored, err := scanSource(q.q.QueryRow(ctx, query, src.URL, src.Name, src.AvatarURL, now, src.UpdateFrequency))
	if err != nil {
		if isUniqueViolation(err) {
			return watch.Source{}, fmt.Errorf("create source %s: %w", src.URL, watch.ErrDuplicate)
		}
		return watch.Source{}, fmt.Errorf("create source: %w", err)
	}
	return stored, nil
}

// UpdateSourceCheck persists the check bookkeeping fields of src.
func (q queries) UpdateSourceCheck(ctx context.Context, src watch.Source) error {
	const query = `
UPDATE sources
SET name = $1, avatar_url = $2, last_check_time = $3, check_count = $4, last_item_id = $5,
    update_frequency = $6, consecutive_no_update = $7, updated_at = $8
WHERE id = $9`
	tag, err := q.q.Exec(ctx, query,
		src.Name,
		src.AvatarURL,
		src.LastCheckTime,
		src.CheckCount,
		src.LastItemID,
		src.UpdateFrequency,
		src.ConsecutiveNoUpdate,
		q.clock.Now().UTC(),
		src.ID,
	)
	if err != nil {
		return fmt.Errorf("update source %d: %w", src.ID, err)
	}
	return expectRow(tag)
}

// DeleteSource removes a source and, through the foreign key, its items.
func (q queries) DeleteSource(ctx context.Context, id int64) error {
	tag, err := q.q.Exec(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete source %d: %w", id, err)
	}
	return expectRow(tag)
}

const itemColumns = `id, source_id, external_id, title, thumbnail_url, relative_time, upload_time, watched, watched_at, created_at`

// UpsertItem inserts or refreshes an item keyed by source and external id.
func (q queries) UpsertItem(ctx context.Context, item watch.Item) (watch.Item, error) {
	if item.ExternalID == "" {
		return watch.Item{}, errors.New("upsert item: external id is required")
	}
	const query = `
INSERT INTO items (source_id, external_id, title, thumbnail_url, relative_time, upload_time, watched, created_at)
VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
ON CONFLICT (source_id, external_id) DO UPDATE SET
    title = EXCLUDED.title,
    thumbnail_url = EXCLUDED.thumbnail_url,
    relative_time = EXCLUDED.relative_time,
    upload_time = EXCLUDED.upload_time
RETURNING ` + itemColumns
	stored, err := scanItem(q.q.QueryRow(ctx, query,
		item.SourceID,
		item.ExternalID,
		item.Title,
		item.ThumbnailURL,
		item.RelativeTime,
		item.UploadTime.UTC(),
		q.clock.Now().UTC(),
	))
	if err != nil {
		return watch.Item{}, fmt.Errorf("upsert item %d/%s: %w", item.SourceID, item.ExternalID, err)
	}
	return stored, nil
}

// ListItems returns the items of one source, newest upload first.
func (q queries) ListItems(ctx context.Context, sourceID int64, limit int) ([]watch.Item, error) {
	rows, err := q.q.Query(ctx,
		`SELECT `+itemColumns+` FROM items WHERE source_id = $1 ORDER BY upload_time DESC, id DESC LIMIT $2`,
		sourceID, pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []watch.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return out, nil
}

// ListRecentItems returns items uploaded at or after since with their sources.
func (q queries) ListRecentItems(ctx context.Context, since time.Time, limit int) ([]watch.Update, error) {
	const query = `
SELECT i.id, i.source_id, i.external_id, i.title, i.thumbnail_url, i.relative_time, i.upload_time, i.watched, i.watched_at, i.created_at,
       s.id, s.url, s.name, s.avatar_url, s.created_at, s.updated_at, s.last_check_time, s.check_count, s.last_item_id, s.update_frequency, s.consecutive_no_update
FROM items i
JOIN sources s ON s.id = i.source_id
WHERE i.upload_time >= $1
ORDER BY i.upload_time DESC, i.id DESC
LIMIT $2`
	rows, err := q.q.Query(ctx, query, since.UTC(), pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list recent items: %w", err)
	}
	defer rows.Close()

	var out []watch.Update
	for rows.Next() {
		var u watch.Update
		if err := rows.Scan(
			&u.Item.ID, &u.Item.SourceID, &u.Item.ExternalID, &u.Item.Title, &u.Item.ThumbnailURL,
			&u.Item.RelativeTime, &u.Item.UploadTime, &u.Item.Watched, &u.Item.WatchedAt, &u.Item.CreatedAt,
			&u.Source.ID, &u.Source.URL, &u.Source.Name, &u.Source.AvatarURL, &u.Source.CreatedAt,
			&u.Source.UpdatedAt, &u.Source.LastCheckTime, &u.Source.CheckCount, &u.Source.LastItemID,
			&u.Source.UpdateFrequency, &u.Source.ConsecutiveNoUpdate,
		); err != nil {
			return nil, fmt.Errorf("scan recent item row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recent items: %w", err)
	}
	return out, nil
}

// GetItem loads an item by id.
func (q queries) GetItem(ctx context.Context, id int64) (watch.Item, error) {
	item, err := scanItem(q.q.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if err != nil {
		return watch.Item{}, notFound(err, "get item")
	}
	return item, nil
}

// MarkWatched flags an item as watched at the given time.
func (q queries) MarkWatched(ctx context.Context, id int64, at time.Time) error {
	tag, err := q.q.Exec(ctx, `UPDATE items SET watched = TRUE, watched_at = $1 WHERE id = $2`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark item %d watched: %w", id, err)
	}
	return expectRow(tag)
}

// GetSettings returns the singleton settings row, creating it with defaults.
func (q queries) GetSettings(ctx context.Context) (watch.Settings, error) {
	const query = `SELECT check_interval, update_range_days, auto_check, opener_path, last_check_time FROM settings WHERE id = 1`
	var s watch.Settings
	err := q.q.QueryRow(ctx, query).Scan(
		&s.CheckIntervalSeconds, &s.UpdateRangeDays, &s.AutoCheck, &s.OpenerPath, &s.LastCheckTime,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		defaults := watch.DefaultSettings()
		if err := q.SaveSettings(ctx, defaults); err != nil {
			return watch.Settings{}, err
		}
		return defaults, nil
	}
	if err != nil {
		return watch.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return s, nil
}

// SaveSettings writes the singleton settings row.
func (q queries) SaveSettings(ctx context.Context, s watch.Settings) error {
	const query = `
INSERT INTO settings (id, check_interval, update_range_days, auto_check, opener_path, last_check_time)
VALUES (1, $1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
    check_interval = EXCLUDED.check_interval,
    update_range_days = EXCLUDED.update_range_days,
    auto_check = EXCLUDED.auto_check,
    opener_path = EXCLUDED.opener_path,
    last_check_time = EXCLUDED.last_check_time`
	if _, err := q.q.Exec(ctx, query,
		s.CheckIntervalSeconds, s.UpdateRangeDays, s.AutoCheck, s.OpenerPath, s.LastCheckTime,
	); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func scanSource(row pgx.Row) (watch.Source, error) {
	var src watch.Source
	if err := row.Scan(
		&src.ID, &src.URL, &src.Name, &src.AvatarURL, &src.CreatedAt, &src.UpdatedAt, &src.LastCheckTime,
		&src.CheckCount, &src.LastItemID, &src.UpdateFrequency, &src.ConsecutiveNoUpdate,
	); err != nil {
		return watch.Source{}, err
	}
	return src, nil
}

func scanItem(row pgx.Row) (watch.Item, error) {
	var item watch.Item
	if err := row.Scan(
		&item.ID, &item.SourceID, &item.ExternalID, &item.Title, &item.ThumbnailURL, &item.RelativeTime,
		&item.UploadTime, &item.Watched, &item.WatchedAt, &item.CreatedAt,
	); err != nil {
		return watch.Item{}, err
	}
	return item, nil
}
