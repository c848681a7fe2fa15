// Package postgres provides the Postgres-backed persistence gateway.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/adnotifier/internal/monitor"
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements monitor.Store on Postgres.
type Store struct {
	pool pool
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%w: apply schema: %w", monitor.ErrPersistence, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// CreateUser inserts a user row.
func (s *Store) CreateUser(ctx context.Context, user monitor.User) error {
	_, err := s.pool.Exec(ctx, insertUserSQL,
		user.ID, user.FullName, user.Email, nullable(user.TelegramChatID), user.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", classify(err))
	}
	return nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (monitor.User, error) {
	var (
		user monitor.User
		chat *string
	)
	err := s.pool.QueryRow(ctx, selectUserSQL, userID).
		Scan(&user.ID, &user.FullName, &user.Email, &chat, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.User{}, fmt.Errorf("user %s: %w", userID, monitor.ErrNotFound)
	}
	if err != nil {
		return monitor.User{}, fmt.Errorf("%w: select user: %w", monitor.ErrPersistence, err)
	}
	if chat != nil {
		user.TelegramChatID = *chat
	}
	return user, nil
}

// DeleteUser removes a user. Entries go with it through ON DELETE CASCADE.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, deleteUserSQL, userID)
	if err != nil {
		return fmt.Errorf("%w: delete user: %w", monitor.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, monitor.ErrNotFound)
	}
	return nil
}

// CreateEntry inserts an entry for an existing user.
func (s *Store) CreateEntry(ctx context.Context, entry monitor.MonitoredEntry) error {
	_, err := s.pool.Exec(ctx, insertEntrySQL,
		entry.ID,
		entry.UserID,
		entry.Title,
		entry.QueryStr,
		entry.URL,
		entry.Description,
		entry.OccurrenceCount,
		entry.PageContentHash,
		entry.CreatedAt,
		entry.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", classify(err))
	}
	return nil
}

// GetEntry loads an entry by id.
func (s *Store) GetEntry(ctx context.Context, entryID string) (monitor.MonitoredEntry, error) {
	entry, err := scanEntry(s.pool.QueryRow(ctx, selectEntrySQL+" WHERE id = $1", entryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.MonitoredEntry{}, fmt.Errorf("entry %s: %w", entryID, monitor.ErrNotFound)
	}
	if err != nil {
		return monitor.MonitoredEntry{}, fmt.Errorf("%w: select entry: %w", monitor.ErrPersistence, err)
	}
	return entry, nil
}

// DeleteEntry removes one entry.
func (s *Store) DeleteEntry(ctx context.Context, entryID string) error {
	tag, err := s.pool.Exec(ctx, deleteEntrySQL, entryID)
	if err != nil {
		return fmt.Errorf("%w: delete entry: %w", monitor.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry %s: %w", entryID, monitor.ErrNotFound)
	}
	return nil
}

// ListAllEntries returns every entry ordered by creation time.
func (s *Store) ListAllEntries(ctx context.Context) ([]monitor.MonitoredEntry, error) {
	return s.listEntries(ctx, selectEntrySQL+" ORDER BY created_at, id")
}

// ListUserEntries returns the entries owned by userID.
func (s *Store) ListUserEntries(ctx context.Context, userID string) ([]monitor.MonitoredEntry, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.listEntries(ctx, selectEntrySQL+" WHERE user_id = $1 ORDER BY created_at, id", userID)
}

// ListUnnotified returns entries changed after their last delivered notification.
func (s *Store) ListUnnotified(ctx context.Context) ([]monitor.MonitoredEntry, error) {
	return s.listEntries(ctx, selectEntrySQL+`
 WHERE page_content_hash <> ''
   AND last_updated > created_at
   AND (notified_at IS NULL OR last_updated > notified_at)
 ORDER BY created_at, id`)
}

// Commit writes count, fingerprint and timestamp in a single transaction.
func (s *Store) Commit(ctx context.Context, entry monitor.MonitoredEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin commit: %w", monitor.ErrPersistence, err)
	}
	tag, err := tx.Exec(ctx, commitEntrySQL,
		entry.ID, entry.OccurrenceCount, entry.PageContentHash, entry.LastUpdated)
	if err != nil {
		rollback(ctx, tx)
		return fmt.Errorf("%w: update entry %s: %w", monitor.ErrPersistence, entry.ID, err)
	}
	if tag.RowsAffected() == 0 {
		rollback(ctx, tx)
		return fmt.Errorf("commit entry %s: %w", entry.ID, monitor.ErrNotFound)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit entry %s: %w", monitor.ErrPersistence, entry.ID, err)
	}
	return nil
}

// MarkNotified advances the delivery watermark for entryIDs.
func (s *Store) MarkNotified(ctx context.Context, entryIDs []string, at time.Time) error {
	if len(entryIDs) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, markNotifiedSQL, at, entryIDs); err != nil {
		return fmt.Errorf("%w: mark notified: %w", monitor.ErrPersistence, err)
	}
	return nil
}

func (s *Store) listEntries(ctx context.Context, query string, args ...any) ([]monitor.MonitoredEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list entries: %w", monitor.ErrPersistence, err)
	}
	defer rows.Close()

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

func scanEntry(row pgx.Row) (monitor.MonitoredEntry, error) {
	var (
		entry      monitor.MonitoredEntry
		notifiedAt *time.Time
	)
	err := row.Scan(
		&entry.ID,
		&entry.UserID,
		&entry.Title,
		&entry.QueryStr,
		&entry.URL,
		&entry.Description,
		&entry.OccurrenceCount,
		&entry.PageContentHash,
		&entry.CreatedAt,
		&entry.LastUpdated,
		&notifiedAt,
	)
	if err != nil {
		return monitor.MonitoredEntry{}, err
	}
	entry.NotifiedAt = notifiedAt
	return entry, nil
}

func rollback(ctx context.Context, tx pgx.Tx) {
	// The original error is what the caller reports.
	_ = tx.Rollback(ctx)
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", monitor.ErrNotFound, pgErr.Message)
		case pgUniqueViolation:
			return fmt.Errorf("%w: duplicate: %s", monitor.ErrPersistence, pgErr.Message)
		}
	}
	return fmt.Errorf("%w: %w", monitor.ErrPersistence, err)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
