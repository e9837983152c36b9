package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/bulkmail/internal/apperr"
	"github.com/ignite/bulkmail/internal/domain"
)

// requestChunkSize bounds binds per multi-row insert (5 binds per row).
const requestChunkSize = 100

// kst is the wall-clock zone clients schedule in. Stored timestamps are
// always UTC; the conversion happens once, on insert.
var kst = time.FixedZone("KST", 9*60*60)

const timeLayout = "2006-01-02 15:04:05"

// parseScheduledAt converts a client wall-clock string to a UTC
// timestamp string. Empty or malformed input schedules immediately.
func parseScheduledAt(v string) string {
	if v == "" {
		return time.Now().UTC().Format(timeLayout)
	}
	t, err := time.ParseInLocation(timeLayout, v, kst)
	if err != nil {
		return time.Now().UTC().Format(timeLayout)
	}
	return t.UTC().Format(timeLayout)
}

// SaveRequests inserts requests in chunks inside a single transaction,
// converting each ScheduledAt to UTC and filling in the assigned IDs.
func (s *Store) SaveRequests(ctx context.Context, requests []*domain.Request) error {
	if len(requests) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Store, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(requests); start += requestChunkSize {
		end := start + requestChunkSize
		if end > len(requests) {
			end = len(requests)
		}
		chunk := requests[start:end]

		var sb strings.Builder
		sb.WriteString("INSERT INTO email_requests (topic_id, content_id, email, scheduled_at, status) VALUES ")
		args := make([]interface{}, 0, len(chunk)*5)
		for i, r := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?, ?)")
			args = append(args, r.TopicID, r.ContentID, r.Email, parseScheduledAt(r.ScheduledAt), int(r.Status))
		}

		res, err := tx.ExecContext(ctx, sb.String(), args...)
		if err != nil {
			return apperr.Wrap(apperr.Store, "failed to insert requests", err)
		}

		lastID, err := res.LastInsertId()
		if err != nil {
			return apperr.Wrap(apperr.Store, "failed to read request ids", err)
		}
		for i := range chunk {
			chunk[i].ID = lastID - int64(len(chunk)-1-i)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Store, "failed to commit requests", err)
	}
	return nil
}

// ClaimDue atomically marks up to limit due requests as Processed and
// returns them. Two concurrent callers can never claim the same row;
// the subquery and update are one statement.
func (s *Store) ClaimDue(ctx context.Context, limit int) ([]*domain.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE email_requests
		SET status = ?, updated_at = datetime('now')
		WHERE id IN (
			SELECT id FROM email_requests
			WHERE status = ? AND scheduled_at <= datetime('now')
			ORDER BY scheduled_at
			LIMIT ?
		)
		RETURNING id, topic_id, content_id, email`,
		int(domain.StatusProcessed), int(domain.StatusCreated), limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Store, "failed to claim due requests", err)
	}
	defer rows.Close()

	var claimed []*domain.Request
	for rows.Next() {
		r := &domain.Request{Status: domain.StatusProcessed}
		if err := rows.Scan(&r.ID, &r.TopicID, &r.ContentID, &r.Email); err != nil {
			return nil, apperr.Wrap(apperr.Store, "failed to scan claimed request", err)
		}
		claimed = append(claimed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Store, "failed to iterate claimed requests", err)
	}
	return claimed, nil
}

// HydrateContent loads subject and body for the given claimed requests.
// Requests whose content row is missing are dropped from the result.
func (s *Store) HydrateContent(ctx context.Context, requests []*domain.Request) ([]*domain.Request, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	ids := make(map[int64]bool, len(requests))
	var sb strings.Builder
	var args []interface{}
	for _, r := range requests {
		if ids[r.ContentID] {
			continue
		}
		ids[r.ContentID] = true
		if len(args) > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("?")
		args = append(args, r.ContentID)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, subject, body FROM email_contents WHERE id IN ("+sb.String()+")", args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Store, "failed to load contents", err)
	}
	defer rows.Close()

	contents := make(map[int64]*domain.Content, len(args))
	for rows.Next() {
		c := &domain.Content{}
		if err := rows.Scan(&c.ID, &c.Subject, &c.Body); err != nil {
			return nil, apperr.Wrap(apperr.Store, "failed to scan content", err)
		}
		contents[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Store, "failed to iterate contents", err)
	}

	hydrated := make([]*domain.Request, 0, len(requests))
	for _, r := range requests {
		c, ok := contents[r.ContentID]
		if !ok {
			continue
		}
		r.Subject = c.Subject
		r.Body = c.Body
		hydrated = append(hydrated, r)
	}
	return hydrated, nil
}

// UpdateRequest persists the status, message id, and error of one request.
func (s *Store) UpdateRequest(ctx context.Context, r *domain.Request) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_requests
		SET status = ?, message_id = ?, error = ?, updated_at = datetime('now')
		WHERE id = ?`,
		int(r.Status), nullIfEmpty(r.MessageID), nullIfEmpty(r.Error), r.ID)
	if err != nil {
		return apperr.Wrap(apperr.Store, "failed to update request", err)
	}
	return nil
}

// BulkUpdate persists status, message id, and error for a batch of
// requests in one statement using CASE expressions keyed by id.
func (s *Store) BulkUpdate(ctx context.Context, requests []*domain.Request) error {
	if len(requests) == 0 {
		return nil
	}

	var anyMessageID, anyError bool
	for _, r := range requests {
		if r.MessageID != "" {
			anyMessageID = true
		}
		if r.Error != "" {
			anyError = true
		}
	}

	var sb strings.Builder
	var args []interface{}

	sb.WriteString("UPDATE email_requests SET status = CASE id ")
	for _, r := range requests {
		sb.WriteString("WHEN ? THEN ? ")
		args = append(args, r.ID, int(r.Status))
	}
	sb.WriteString("ELSE status END")

	// Rows without a value stay out of the CASE so the ELSE branch
	// preserves whatever the column already holds.
	if anyMessageID {
		sb.WriteString(", message_id = CASE id ")
		for _, r := range requests {
			if r.MessageID == "" {
				continue
			}
			sb.WriteString("WHEN ? THEN ? ")
			args = append(args, r.ID, r.MessageID)
		}
		sb.WriteString("ELSE message_id END")
	}
	if anyError {
		sb.WriteString(", error = CASE id ")
		for _, r := range requests {
			if r.Error == "" {
				continue
			}
			sb.WriteString("WHEN ? THEN ? ")
			args = append(args, r.ID, r.Error)
		}
		sb.WriteString("ELSE error END")
	}

	sb.WriteString(", updated_at = datetime('now') WHERE id IN (")
	for i, r := range requests {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("?")
		args = append(args, r.ID)
	}
	sb.WriteString(")")

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return apperr.Wrap(apperr.Store, "failed to bulk update requests", err)
	}
	return nil
}

// RollbackToCreated returns requests to the Created state so a later
// scheduler pass picks them up again. Used when the pipeline could not
// accept a claimed or freshly created request.
func (s *Store) RollbackToCreated(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	var sb strings.Builder
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, int(domain.StatusCreated))
	for i, id := range ids {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("?")
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx,
		"UPDATE email_requests SET status = ?, updated_at = datetime('now') WHERE id IN ("+sb.String()+")",
		args...)
	if err != nil {
		return apperr.Wrap(apperr.Store, "failed to roll back requests", err)
	}
	return nil
}

// StopTopic marks every not-yet-claimed request of a topic Stopped and
// returns the number of requests affected. Requests already claimed or
// queued keep going; only the scheduled backlog is halted.
func (s *Store) StopTopic(ctx context.Context, topicID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_requests
		SET status = ?, updated_at = datetime('now')
		WHERE topic_id = ? AND status = ?`,
		int(domain.StatusStopped), topicID, int(domain.StatusCreated))
	if err != nil {
		return 0, apperr.Wrap(apperr.Store, "failed to stop topic", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Wrap(apperr.Store, "failed to count stopped requests", err)
	}
	return n, nil
}

// RequestCountsByTopic returns per-status request counts for a topic,
// keyed by status name.
func (s *Store) RequestCountsByTopic(ctx context.Context, topicID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM email_requests WHERE topic_id = ? GROUP BY status", topicID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Store, "failed to count requests", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status int
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperr.Wrap(apperr.Store, "failed to scan request count", err)
		}
		counts[domain.StatusName(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Store, "failed to iterate request counts", err)
	}
	return counts, nil
}

// SentCountSince returns how many requests created within the last given
// number of hours reached Sent.
func (s *Store) SentCountSince(ctx context.Context, hours int) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_requests
		WHERE status = ? AND created_at >= datetime('now', ?)`,
		int(domain.StatusSent), fmt.Sprintf("-%d hours", hours)).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(apperr.Store, "failed to count sent requests", err)
	}
	return n, nil
}
