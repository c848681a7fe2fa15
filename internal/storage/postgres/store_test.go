package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adnotifier/internal/monitor"
)

var (
	t0         = time.Unix(1700000000, 0).UTC()
	entryCols  = []string{"id", "user_id", "title", "query_str", "url", "description", "occurrence_count", "page_content_hash", "created_at", "last_updated", "notified_at"}
	notifiedTS = t0.Add(time.Hour)
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestCommitRunsInTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	entry := monitor.MonitoredEntry{ID: "e1", OccurrenceCount: 5, PageContentHash: "abc", LastUpdated: t0}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE monitored_entries SET occurrence_count").
		WithArgs("e1", 5, "abc", t0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.Commit(context.Background(), entry))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitMissingEntryRollsBack(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE monitored_entries").
		WithArgs("ghost", 1, "h", t0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := store.Commit(context.Background(), monitor.MonitoredEntry{ID: "ghost", OccurrenceCount: 1, PageContentHash: "h", LastUpdated: t0})
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitFailureIsPersistenceError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE monitored_entries").
		WithArgs("e1", 2, "h", t0).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := store.Commit(context.Background(), monitor.MonitoredEntry{ID: "e1", OccurrenceCount: 2, PageContentHash: "h", LastUpdated: t0})
	require.ErrorIs(t, err, monitor.ErrPersistence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAllEntriesScansRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ts := notifiedTS
	rows := pgxmock.NewRows(entryCols).
		AddRow("e1", "u1", "Flat", "12345", "https://ads.example", "", 3, "h1", t0, t0, &ts).
		AddRow("e2", "u1", "Car", "777", "https://cars.example", "blue", 0, "h2", t0, t0.Add(time.Minute), &ts)
	mock.ExpectQuery("SELECT id, user_id").WillReturnRows(rows)

	entries, err := store.ListAllEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, 3, entries[0].OccurrenceCount)
	require.Equal(t, "blue", entries[1].Description)
	require.NotNil(t, entries[0].NotifiedAt)
	require.Equal(t, notifiedTS, *entries[0].NotifiedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEntryNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM monitored_entries WHERE id").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetEntry(context.Background(), "ghost")
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUser(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	chat := "4242"
	mock.ExpectQuery("SELECT id, full_name, email").
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "full_name", "email", "telegram_chat_id", "created_at"}).
			AddRow("u1", "Nino", "nino@example.com", &chat, t0))

	user, err := store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "nino@example.com", user.Email)
	require.Equal(t, "4242", user.TelegramChatID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateEntryClassifiesConstraintErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	entry := monitor.MonitoredEntry{ID: "e1", UserID: "ghost", QueryStr: "1", URL: "https://x", CreatedAt: t0, LastUpdated: t0}
	args := []any{"e1", "ghost", "", "1", "https://x", "", 0, "", t0, t0}

	mock.ExpectExec("INSERT INTO monitored_entries").
		WithArgs(args...).
		WillReturnError(&pgconn.PgError{Code: pgForeignKeyViolation, Message: "fk"})
	mock.ExpectExec("INSERT INTO monitored_entries").
		WithArgs(args...).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, Message: "dup"})

	require.ErrorIs(t, store.CreateEntry(context.Background(), entry), monitor.ErrNotFound)
	require.ErrorIs(t, store.CreateEntry(context.Background(), entry), monitor.ErrPersistence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUserCascadesViaSchema(t *testing.T) {
	t.Parallel()

	require.Contains(t, schema, "ON DELETE CASCADE")

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM users").WithArgs("u1").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM users").WithArgs("u1").WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, store.DeleteUser(context.Background(), "u1"))
	require.ErrorIs(t, store.DeleteUser(context.Background(), "u1"), monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkNotified(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE monitored_entries SET notified_at").
		WithArgs(t0, []string{"e1", "e2"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	require.NoError(t, store.MarkNotified(context.Background(), []string{"e1", "e2"}, t0))
	require.NoError(t, store.MarkNotified(context.Background(), nil, t0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
