package store

import "github.com/ignite/bulkmail/internal/apperr"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS email_contents (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		subject    TEXT NOT NULL,
		body       TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS email_requests (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		topic_id     TEXT NOT NULL,
		content_id   INTEGER NOT NULL REFERENCES email_contents(id),
		email        TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		status       INTEGER NOT NULL DEFAULT 0,
		message_id   TEXT,
		error        TEXT,
		created_at   TEXT NOT NULL DEFAULT (datetime('now')),
		updated_at   TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS email_results (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id INTEGER NOT NULL REFERENCES email_requests(id),
		status     TEXT NOT NULL,
		raw        TEXT,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_status_scheduled ON email_requests(status, scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_status_created ON email_requests(status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_status_topic ON email_requests(status, topic_id)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_message_id ON email_requests(message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_topic_id ON email_requests(topic_id)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_content_id ON email_requests(content_id)`,
	`CREATE INDEX IF NOT EXISTS idx_results_request_id ON email_results(request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_results_status ON email_results(status)`,
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return apperr.Wrap(apperr.Store, "failed to apply schema", err)
		}
	}
	return nil
}
