package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ignite/bulkmail/internal/apperr"
	"github.com/ignite/bulkmail/internal/domain"
)

// SaveResult appends one event record for a request.
func (s *Store) SaveResult(ctx context.Context, r *domain.Result) error {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO email_results (request_id, status, raw) VALUES (?, ?, ?)",
		r.RequestID, r.Status, nullIfEmpty(r.Raw))
	if err != nil {
		return apperr.Wrap(apperr.Store, "failed to insert result", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

// LookupRequestIDByMessageID resolves a provider message id to the
// request it was assigned to. A miss is a NotFound error; callbacks for
// messages this instance never sent are rejected, not recorded.
func (s *Store) LookupRequestIDByMessageID(ctx context.Context, messageID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM email_requests WHERE message_id = ?", messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.New(apperr.NotFound, "Request not found")
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.Store, "failed to look up request by message id", err)
	}
	return id, nil
}

// ResultCountsByTopic returns, for a topic, how many distinct requests
// have at least one result of each status.
func (s *Store) ResultCountsByTopic(ctx context.Context, topicID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.status, COUNT(DISTINCT r.request_id)
		FROM email_results r
		JOIN email_requests q ON q.id = r.request_id
		WHERE q.topic_id = ?
		GROUP BY r.status`, topicID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Store, "failed to count results", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperr.Wrap(apperr.Store, "failed to scan result count", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Store, "failed to iterate result counts", err)
	}
	return counts, nil
}
