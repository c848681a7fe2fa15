// Package sqlite provides the embedded persistence gateway on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/adnotifier/internal/monitor"
)

// Timestamps are stored as unix nanoseconds so SQL comparisons stay exact.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id               TEXT PRIMARY KEY,
	full_name        TEXT NOT NULL DEFAULT '',
	email            TEXT NOT NULL,
	telegram_chat_id TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS monitored_entries (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	title             TEXT NOT NULL DEFAULT '',
	query_str         TEXT NOT NULL,
	url               TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	occurrence_count  INTEGER NOT NULL DEFAULT 0 CHECK (occurrence_count >= 0),
	page_content_hash TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	last_updated      INTEGER NOT NULL,
	notified_at       INTEGER
);
CREATE INDEX IF NOT EXISTS monitored_entries_user_id_idx ON monitored_entries (user_id);
`

const selectEntry = `SELECT id, user_id, title, query_str, url, description,
	occurrence_count, page_content_hash, created_at, last_updated, notified_at
FROM monitored_entries`

// Store implements monitor.Store on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite has a single writer and :memory: is per connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)"
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// CreateUser inserts a user row.
func (s *Store) CreateUser(ctx context.Context, user monitor.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, full_name, email, telegram_chat_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.FullName, user.Email, user.TelegramChatID, toNanos(user.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert user: %w", classify(err))
	}
	return nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (monitor.User, error) {
	var (
		user    monitor.User
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, full_name, email, telegram_chat_id, created_at FROM users WHERE id = ?`, userID).
		Scan(&user.ID, &user.FullName, &user.Email, &user.TelegramChatID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.User{}, fmt.Errorf("user %s: %w", userID, monitor.ErrNotFound)
	}
	if err != nil {
		return monitor.User{}, fmt.Errorf("%w: select user: %w", monitor.ErrPersistence, err)
	}
	user.CreatedAt = fromNanos(created)
	return user, nil
}

// DeleteUser removes a user and, through the foreign key, its entries.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("%w: delete user: %w", monitor.ErrPersistence, err)
	}
	return requireRow(res, "user", userID)
}

// CreateEntry inserts an entry for an existing user.
func (s *Store) CreateEntry(ctx context.Context, entry monitor.MonitoredEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO monitored_entries (
	id, user_id, title, query_str, url, description,
	occurrence_count, page_content_hash, created_at, last_updated
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.Title, entry.QueryStr, entry.URL, entry.Description,
		entry.OccurrenceCount, entry.PageContentHash, toNanos(entry.CreatedAt), toNanos(entry.LastUpdated))
	if err != nil {
		return fmt.Errorf("insert entry: %w", classify(err))
	}
	return nil
}

// GetEntry loads an entry by id.
func (s *Store) GetEntry(ctx context.Context, entryID string) (monitor.MonitoredEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, selectEntry+` WHERE id = ?`, entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.MonitoredEntry{}, fmt.Errorf("entry %s: %w", entryID, monitor.ErrNotFound)
	}
	if err != nil {
		return monitor.MonitoredEntry{}, fmt.Errorf("%w: select entry: %w", monitor.ErrPersistence, err)
	}
	return entry, nil
}

// DeleteEntry removes one entry.
func (s *Store) DeleteEntry(ctx context.Context, entryID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM monitored_entries WHERE id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("%w: delete entry: %w", monitor.ErrPersistence, err)
	}
	return requireRow(res, "entry", entryID)
}

// ListAllEntries returns every entry ordered by creation time.
func (s *Store) ListAllEntries(ctx context.Context) ([]monitor.MonitoredEntry, error) {
	return s.list(ctx, selectEntry+` ORDER BY created_at, id`)
}

// ListUserEntries returns the entries owned by userID.
func (s *Store) ListUserEntries(ctx context.Context, userID string) ([]monitor.MonitoredEntry, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.list(ctx, selectEntry+` WHERE user_id = ? ORDER BY created_at, id`, userID)
}

// ListUnnotified returns entries changed after their last delivered notification.
func (s *Store) ListUnnotified(ctx context.Context) ([]monitor.MonitoredEntry, error) {
	return s.list(ctx, selectEntry+`
 WHERE page_content_hash <> ''
   AND last_updated > created_at
   AND (notified_at IS NULL OR last_updated > notified_at)
 ORDER BY created_at, id`)
}

// Commit writes count, fingerprint and timestamp in one transaction.
func (s *Store) Commit(ctx context.Context, entry monitor.MonitoredEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin commit: %w", monitor.ErrPersistence, err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE monitored_entries SET occurrence_count = ?, page_content_hash = ?, last_updated = ? WHERE id = ?`,
		entry.OccurrenceCount, entry.PageContentHash, toNanos(entry.LastUpdated), entry.ID)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: update entry %s: %w", monitor.ErrPersistence, entry.ID, err)
	}
	if err := requireRow(res, "entry", entry.ID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit entry %s: %w", monitor.ErrPersistence, entry.ID, err)
	}
	return nil
}

// MarkNotified advances the delivery watermark for entryIDs.
func (s *Store) MarkNotified(ctx context.Context, entryIDs []string, at time.Time) error {
	if len(entryIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(entryIDs)), ",")
	args := make([]any, 0, len(entryIDs)+1)
	args = append(args, toNanos(at))
	for _, id := range entryIDs {
		args = append(args, id)
	}
	query := `UPDATE monitored_entries SET notified_at = ? WHERE id IN (` + placeholders + `)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: mark notified: %w", monitor.ErrPersistence, err)
	}
	return nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]monitor.MonitoredEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list entries: %w", monitor.ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()

	var out []monitor.MonitoredEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan entry: %w", monitor.ErrPersistence, err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate entries: %w", monitor.ErrPersistence, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (monitor.MonitoredEntry, error) {
	var (
		entry            monitor.MonitoredEntry
		created, updated int64
		notified         sql.NullInt64
	)
	err := row.Scan(
		&entry.ID, &entry.UserID, &entry.Title, &entry.QueryStr, &entry.URL, &entry.Description,
		&entry.OccurrenceCount, &entry.PageContentHash, &created, &updated, &notified,
	)
	if err != nil {
		return monitor.MonitoredEntry{}, err
	}
	entry.CreatedAt = fromNanos(created)
	entry.LastUpdated = fromNanos(updated)
	if notified.Valid {
		ts := fromNanos(notified.Int64)
		entry.NotifiedAt = &ts
	}
	return entry, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", monitor.ErrPersistence, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, monitor.ErrNotFound)
	}
	return nil
}

func classify(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %s", monitor.ErrNotFound, msg)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: duplicate: %s", monitor.ErrPersistence, msg)
	}
	return fmt.Errorf("%w: %w", monitor.ErrPersistence, err)
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
