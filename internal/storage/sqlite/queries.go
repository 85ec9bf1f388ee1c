package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

// querier is satisfied by both *sql.DB and a pinned *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// queries holds the source, item and settings statements shared by Store and Session.
type queries struct {
	q     querier
	clock watch.Clock
}

const sourceColumns = `id, url, name, avatar_url, created_at, updated_at, last_check_time, check_count, last_item_id, update_frequency, consecutive_no_update`

// ListSources returns every source ordered by id.
func (q queries) ListSources(ctx context.Context) ([]watch.Source, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
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
	src, err := scanSource(q.q.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id))
	if err != nil {
		return watch.Source{}, notFound(err, "get source")
	}
	return src, nil
}

// GetSourceByURL loads a source by its canonical URL.
func (q queries) GetSourceByURL(ctx context.Context, url string) (watch.Source, error) {
	src, err := scanSource(q.q.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE url = ?`, url))
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
VALUES (?, ?, ?, ?, ?, 0, '', ?, 0)`
	res, err := q.q.ExecContext(ctx, query, src.URL, src.Name, src.AvatarURL, now, now, src.UpdateFrequency)
	if err != nil {
		if isUniqueViolation(err) {
			return watch.Source{}, fmt.Errorf("create source %s: %w", src.URL, watch.ErrDuplicate)
		}
		return watch.Source{}, fmt.Errorf("create source: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return watch.Source{}, fmt.Errorf("create source: %w", err)
	}
	return q.GetSource(ctx, id)
}

// UpdateSourceCheck persists the check bookkeeping fields of src.
func (q queries) UpdateSourceCheck(ctx context.Context, src watch.Source) error {
	const query = `
UPDATE sources
SET name = ?, avatar_url = ?, last_check_time = ?, check_count = ?, last_item_id = ?,
    update_frequency = ?, consecutive_no_update = ?, updated_at = ?
WHERE id = ?`
	res, err := q.q.ExecContext(ctx, query,
		src.Name,
		src.AvatarURL,
		utcPtr(src.LastCheckTime),
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
	return expectRow(res)
}

// DeleteSource removes a source and, through the foreign key, its items.
func (q queries) DeleteSource(ctx context.Context, id int64) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete source %d: %w", id, err)
	}
	return expectRow(res)
}

const itemColumns = `id, source_id, external_id, title, thumbnail_url, relative_time, upload_time, watched, watched_at, created_at`

// UpsertItem inserts or refreshes an item keyed by source and external id.
func (q queries) UpsertItem(ctx context.Context, item watch.Item) (watch.Item, error) {
	if item.ExternalID == "" {
		return watch.Item{}, errors.New("upsert item: external id is required")
	}
	const query = `
INSERT INTO items (source_id, external_id, title, thumbnail_url, relative_time, upload_time, watched, created_at)
VALUES (?, ?, ?, ?, ?, ?, 0, ?)
ON CONFLICT (source_id, external_id) DO UPDATE SET
    title = excluded.title,
    thumbnail_url = excluded.thumbnail_url,
    relative_time = excluded.relative_time,
    upload_time = excluded.upload_time
RETURNING ` + itemColumns
	row := q.q.QueryRowContext(ctx, query,
		item.SourceID,
		item.ExternalID,
		item.Title,
		item.ThumbnailURL,
		item.RelativeTime,
		item.UploadTime.UTC(),
		q.clock.Now().UTC(),
	)
	stored, err := scanItem(row)
	if err != nil {
		return watch.Item{}, fmt.Errorf("upsert item %d/%s: %w", item.SourceID, item.ExternalID, err)
	}
	return stored, nil
}

// ListItems returns the items of one source, newest upload first.
func (q queries) ListItems(ctx context.Context, sourceID int64, limit int) ([]watch.Item, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE source_id = ? ORDER BY upload_time DESC, id DESC LIMIT ?`,
		sourceID, sqlLimit(limit))
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
WHERE i.upload_time >= ?
ORDER BY i.upload_time DESC, i.id DESC
LIMIT ?`
	rows, err := q.q.QueryContext(ctx, query, since.UTC(), sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list recent items: %w", err)
	}
	defer rows.Close()

	var out []watch.Update
	for rows.Next() {
		var (
			u                  watch.Update
			watchedAt, checked sql.NullTime
		)
		if err := rows.Scan(
			&u.Item.ID, &u.Item.SourceID, &u.Item.ExternalID, &u.Item.Title, &u.Item.ThumbnailURL,
			&u.Item.RelativeTime, &u.Item.UploadTime, &u.Item.Watched, &watchedAt, &u.Item.CreatedAt,
			&u.Source.ID, &u.Source.URL, &u.Source.Name, &u.Source.AvatarURL, &u.Source.CreatedAt,
			&u.Source.UpdatedAt, &checked, &u.Source.CheckCount, &u.Source.LastItemID,
			&u.Source.UpdateFrequency, &u.Source.ConsecutiveNoUpdate,
		); err != nil {
			return nil, fmt.Errorf("scan recent item row: %w", err)
		}
		u.Item.WatchedAt = nullTime(watchedAt)
		u.Source.LastCheckTime = nullTime(checked)
		normalizeItem(&u.Item)
		normalizeSource(&u.Source)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recent items: %w", err)
	}
	return out, nil
}

// GetItem loads an item by id.
func (q queries) GetItem(ctx context.Context, id int64) (watch.Item, error) {
	item, err := scanItem(q.q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if err != nil {
		return watch.Item{}, notFound(err, "get item")
	}
	return item, nil
}

// MarkWatched flags an item as watched at the given time.
func (q queries) MarkWatched(ctx context.Context, id int64, at time.Time) error {
	res, err := q.q.ExecContext(ctx, `UPDATE items SET watched = 1, watched_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark item %d watched: %w", id, err)
	}
	return expectRow(res)
}

// GetSettings returns the singleton settings row, creating it with defaults.
func (q queries) GetSettings(ctx context.Context) (watch.Settings, error) {
	const query = `SELECT check_interval, update_range_days, auto_check, opener_path, last_check_time FROM settings WHERE id = 1`
	var (
		s       watch.Settings
		checked sql.NullTime
	)
	err := q.q.QueryRowContext(ctx, query).Scan(
		&s.CheckIntervalSeconds, &s.UpdateRangeDays, &s.AutoCheck, &s.OpenerPath, &checked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		defaults := watch.DefaultSettings()
		if err := q.SaveSettings(ctx, defaults); err != nil {
			return watch.Settings{}, err
		}
		return defaults, nil
	}
	if err != nil {
		return watch.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	s.LastCheckTime = nullTime(checked)
	return s, nil
}

// SaveSettings writes the singleton settings row.
func (q queries) SaveSettings(ctx context.Context, s watch.Settings) error {
	const query = `
INSERT INTO settings (id, check_interval, update_range_days, auto_check, opener_path, last_check_time)
VALUES (1, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    check_interval = excluded.check_interval,
    update_range_days = excluded.update_range_days,
    auto_check = excluded.auto_check,
    opener_path = excluded.opener_path,
    last_check_time = excluded.last_check_time`
	if _, err := q.q.ExecContext(ctx, query,
		s.CheckIntervalSeconds, s.UpdateRangeDays, s.AutoCheck, s.OpenerPath, utcPtr(s.LastCheckTime),
	); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func scanSource(row scanner) (watch.Source, error) {
	var (
		src     watch.Source
		checked sql.NullTime
	)
	if err := row.Scan(
		&src.ID, &src.URL, &src.Name, &src.AvatarURL, &src.CreatedAt, &src.UpdatedAt, &checked,
		&src.CheckCount, &src.LastItemID, &src.UpdateFrequency, &src.ConsecutiveNoUpdate,
	); err != nil {
		return watch.Source{}, err
	}
	src.LastCheckTime = nullTime(checked)
	normalizeSource(&src)
	return src, nil
}

func scanItem(row scanner) (watch.Item, error) {
	var (
		item      watch.Item
		watchedAt sql.NullTime
	)
	if err := row.Scan(
		&item.ID, &item.SourceID, &item.ExternalID, &item.Title, &item.ThumbnailURL, &item.RelativeTime,
		&item.UploadTime, &item.Watched, &watchedAt, &item.CreatedAt,
	); err != nil {
		return watch.Item{}, err
	}
	item.WatchedAt = nullTime(watchedAt)
	normalizeItem(&item)
	return item, nil
}

func normalizeSource(s *watch.Source) {
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
}

func normalizeItem(i *watch.Item) {
	i.UploadTime = i.UploadTime.UTC()
	i.CreatedAt = i.CreatedAt.UTC()
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func notFound(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, watch.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return watch.ErrNotFound
	}
	return nil
}

// sqlLimit maps a non-positive limit to SQLite's "no limit".
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
