package postgres

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id               TEXT PRIMARY KEY,
	full_name        TEXT NOT NULL DEFAULT '',
	email            TEXT NOT NULL,
	telegram_chat_id TEXT,
	created_at       TIMESTAMPTZ NOT NULL
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
	created_at        TIMESTAMPTZ NOT NULL,
	last_updated      TIMESTAMPTZ NOT NULL,
	notified_at       TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS monitored_entries_user_id_idx ON monitored_entries (user_id);
`

const (
	insertUserSQL = `INSERT INTO users (id, full_name, email, telegram_chat_id, created_at) VALUES ($1,$2,$3,$4,$5)`
	selectUserSQL = `SELECT id, full_name, email, telegram_chat_id, created_at FROM users WHERE id = $1`
	deleteUserSQL = `DELETE FROM users WHERE id = $1`

	insertEntrySQL = `INSERT INTO monitored_entries (
	id, user_id, title, query_str, url, description,
	occurrence_count, page_content_hash, created_at, last_updated
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	selectEntrySQL = `SELECT id, user_id, title, query_str, url, description,
	occurrence_count, page_content_hash, created_at, last_updated, notified_at
FROM monitored_entries`
	deleteEntrySQL  = `DELETE FROM monitored_entries WHERE id = $1`
	commitEntrySQL  = `UPDATE monitored_entries SET occurrence_count = $2, page_content_hash = $3, last_updated = $4 WHERE id = $1`
	markNotifiedSQL = `UPDATE monitored_entries SET notified_at = $1 WHERE id = ANY($2)`
)
