package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ytmaster/internal/logging"
	"ytmaster/internal/model"
	"ytmaster/internal/urlnorm"
)

// Download represents a row in the downloads table. There is at most one row
// per canonical URL; re-enqueueing a key overwrites its row.
type Download struct {
	ID           int64               `json:"id"`
	URL          string              `json:"url"`
	RecordID     string              `json:"record_id"`
	Title        string              `json:"title"`
	ThumbnailURL string              `json:"thumbnail_url"`
	Status       model.Status        `json:"status"`
	Progress     float64             `json:"progress"`
	Format       model.FormatOptions `json:"format"`
	Filename     string              `json:"filename,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	QueuedAt     time.Time           `json:"queued_at"`
	StartedAt    time.Time           `json:"started_at"`
	FinishedAt   time.Time           `json:"finished_at"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Record converts the row back into a manager record.
func (d Download) Record() (model.Record, error) {
	key, err := urlnorm.Normalize(d.URL)
	if err != nil {
		return model.Record{}, fmt.Errorf("row %d: %w", d.ID, err)
	}
	return model.Record{
		Key:          key,
		ID:           d.RecordID,
		Status:       d.Status,
		Progress:     d.Progress,
		StatusText:   d.Status.String(),
		Title:        d.Title,
		ThumbnailURL: d.ThumbnailURL,
		Error:        d.ErrorMessage,
		Format:       d.Format,
		Filename:     d.Filename,
		QueuedAt:     d.QueuedAt,
		StartedAt:    d.StartedAt,
		FinishedAt:   d.FinishedAt,
	}, nil
}

// Store wraps an sql.DB and provides typed helpers.
type Store struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at the given path and ensures schema.
func Open(path string) (*Store, error) {
	// Pragmas: busy timeout and WAL for better concurrency.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Conservative limits.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS downloads (
    id INTEGER PRIMARY KEY,
    url TEXT NOT NULL,
    record_id TEXT,
    title TEXT,
    thumbnail_url TEXT,
    status TEXT,
    progress REAL,
    format TEXT,
    filename TEXT,
    queued_at INTEGER,
    started_at INTEGER,
    finished_at INTEGER,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_downloads_url ON downloads(url);
CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
CREATE INDEX IF NOT EXISTS idx_downloads_queued_at ON downloads(queued_at);
`
	if _, err := db.Exec(ddl); err != nil {
		return err
	}

	if err := ensureColumn(db, "downloads", "merge_format", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(db, "downloads", "error_message", "TEXT"); err != nil {
		return err
	}
	return nil
}

func ensureColumn(db *sql.DB, table, column, colType string) error {
	hasCol, err := hasColumn(db, table, column)
	if err != nil {
		return err
	}
	if hasCol {
		return nil
	}

	_, err = db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, colType))
	return err
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Close closes the underlying DB.
func (s *Store) Close() error { return s.db.Close() }

// Upsert writes the full record, replacing whatever was stored for its key.
// The row keeps its original created_at.
func (s *Store) Upsert(ctx context.Context, rec model.Record) error {
	if rec.Key.IsZero() {
		return ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO downloads (url, record_id, title, thumbnail_url, status, progress, format, merge_format,
                       filename, error_message, queued_at, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(url) DO UPDATE SET
    record_id = excluded.record_id,
    title = excluded.title,
    thumbnail_url = excluded.thumbnail_url,
    status = excluded.status,
    progress = excluded.progress,
    format = excluded.format,
    merge_format = excluded.merge_format,
    filename = excluded.filename,
    error_message = excluded.error_message,
    queued_at = excluded.queued_at,
    started_at = excluded.started_at,
    finished_at = excluded.finished_at,
    updated_at = CURRENT_TIMESTAMP`,
		rec.Key.URL(), rec.ID, rec.Title, rec.ThumbnailURL, string(rec.Status), rec.Progress,
		rec.Format.Format, rec.Format.MergeOutputFormat, rec.Filename, nullIfEmpty(rec.Error),
		unixMilli(rec.QueuedAt), unixMilli(rec.StartedAt), unixMilli(rec.FinishedAt))
	if err != nil {
		return err
	}
	logging.LogDBUpdate("upsert", rec.Key.String(), map[string]any{"status": string(rec.Status)})
	return nil
}

// UpdateProgress sets progress and status for an existing row.
func (s *Store) UpdateProgress(ctx context.Context, key urlnorm.Key, status model.Status, progress float64) error {
	if key.IsZero() {
		return ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx, `UPDATE downloads SET status = ?, progress = ?, updated_at = CURRENT_TIMESTAMP WHERE url = ?`,
		string(status), progress, key.URL())
	if err != nil {
		return err
	}
	logging.LogDBUpdate("update_progress", key.String(), map[string]any{"progress": progress})
	return nil
}

// UpdateMeta updates title/thumbnail if non-empty values are provided.
func (s *Store) UpdateMeta(ctx context.Context, key urlnorm.Key, title, thumbnail string) error {
	if key.IsZero() {
		return ErrEmptyKey
	}
	sets := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if title != "" {
		sets = append(sets, "title = ?")
		args = append(args, title)
	}
	if thumbnail != "" {
		sets = append(sets, "thumbnail_url = ?")
		args = append(args, thumbnail)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	q := "UPDATE downloads SET " + strings.Join(sets, ", ") + " WHERE url = ?"
	args = append(args, key.URL())
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return err
	}
	fields := map[string]any{"title": title}
	if thumbnail != "" {
		fields["thumbnail_set"] = true
	}
	logging.LogDBUpdate("update_meta", key.String(), fields)
	return nil
}

// MarkFinished sets a terminal status on a row regardless of its current one.
func (s *Store) MarkFinished(ctx context.Context, key urlnorm.Key, status model.Status, errMsg string) error {
	if key.IsZero() {
		return ErrEmptyKey
	}
	if !status.IsFinished() {
		return fmt.Errorf("mark finished: %q is not a terminal status", status)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE downloads SET status = ?, error_message = ?, finished_at = ?, updated_at = CURRENT_TIMESTAMP WHERE url = ?`,
		string(status), nullIfEmpty(strings.TrimSpace(errMsg)), unixMilli(time.Now()), key.URL())
	if err != nil {
		return err
	}
	fields := map[string]any{"status": string(status)}
	if errMsg != "" {
		fields["error_message"] = errMsg
	}
	logging.LogDBUpdate("mark_finished", key.String(), fields)
	return nil
}

// Delete removes the row for key.
func (s *Store) Delete(ctx context.Context, key urlnorm.Key) error {
	if key.IsZero() {
		return ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE url = ?`, key.URL())
	logging.LogDBOperation("delete_download", key.String(), err)
	return err
}

const selectColumns = `SELECT id, url, record_id, title, thumbnail_url, status, progress, format, merge_format,
filename, error_message, queued_at, started_at, finished_at, created_at, updated_at FROM downloads`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(sc rowScanner) (Download, error) {
	var (
		d                                   Download
		recordID, title, thumb, status      sql.NullString
		format, mergeFormat, filename, errm sql.NullString
		progress                            sql.NullFloat64
		queued, started, finished           sql.NullInt64
	)
	if err := sc.Scan(&d.ID, &d.URL, &recordID, &title, &thumb, &status, &progress, &format, &mergeFormat,
		&filename, &errm, &queued, &started, &finished, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return Download{}, err
	}
	d.RecordID = recordID.String
	d.Title = title.String
	d.ThumbnailURL = thumb.String
	d.Status = model.Status(status.String)
	d.Progress = progress.Float64
	d.Format = model.FormatOptions{Format: format.String, MergeOutputFormat: mergeFormat.String}
	d.Filename = filename.String
	d.ErrorMessage = errm.String
	d.QueuedAt = fromUnixMilli(queued.Int64)
	d.StartedAt = fromUnixMilli(started.Int64)
	d.FinishedAt = fromUnixMilli(finished.Int64)
	return d, nil
}

// Get returns the row for key.
func (s *Store) Get(ctx context.Context, key urlnorm.Key) (Download, bool, error) {
	if key.IsZero() {
		return Download{}, false, ErrEmptyKey
	}
	d, err := scanDownload(s.db.QueryRowContext(ctx, selectColumns+` WHERE url = ?`, key.URL()))
	if errors.Is(err, sql.ErrNoRows) {
		return Download{}, false, nil
	}
	if err != nil {
		return Download{}, false, err
	}
	return d, true, nil
}

// ListFilter selects rows for List.
type ListFilter struct {
	Status model.Status // optional
	Order  string       // asc|desc by queue time, default desc
	Limit  int          // optional
	Offset int          // optional
}

// List returns rows filtered and sorted by queue time.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Download, error) {
	order := "DESC"
	if strings.EqualFold(f.Order, "asc") {
		order = "ASC"
	}
	var args []any
	sb := strings.Builder{}
	sb.WriteString(selectColumns)
	if f.Status != "" {
		sb.WriteString(" WHERE status = ?")
		args = append(args, string(f.Status))
	}
	sb.WriteString(" ORDER BY queued_at " + order + ", id " + order)
	if f.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
		if f.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			args = append(args, f.Offset)
		}
	} else if f.Offset > 0 {
		sb.WriteString(" LIMIT -1 OFFSET ?")
		args = append(args, f.Offset)
	}
	return s.query(ctx, sb.String(), args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Download, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Download, 0, 16)
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CompletedKeys returns every key with a Complete row. The manager is seeded
// with these so finished videos are not fetched again.
func (s *Store) CompletedKeys(ctx context.Context) ([]urlnorm.Key, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url FROM downloads WHERE status = ?`, string(model.StatusComplete))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []urlnorm.Key
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		key, err := urlnorm.Normalize(u)
		if err != nil {
			logging.LogDBOperation("completed_keys", u, err)
			continue
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// IncompleteDownloads returns rows the previous session left queued or
// active, oldest first. Rows whose URL no longer normalizes are skipped.
func (s *Store) IncompleteDownloads(ctx context.Context, limit int) ([]model.Record, error) {
	if limit <= 0 {
		limit = 50 // reasonable default for startup resume
	}
	rows, err := s.query(ctx, selectColumns+`
WHERE status IN (?, ?, ?, ?)
ORDER BY queued_at ASC, id ASC
LIMIT ?`,
		string(model.StatusQueued), string(model.StatusStarting),
		string(model.StatusProcessing), string(model.StatusDownloading), limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.Record, 0, len(rows))
	for _, d := range rows {
		rec, err := d.Record()
		if err != nil {
			logging.LogDBOperation("incomplete_downloads", d.URL, err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// CountByStatus returns the count of rows with status.
func (s *Store) CountByStatus(ctx context.Context, status model.Status) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM downloads WHERE status = ?`, string(status)).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
