package store

import (
	"context"
	"strings"

	"github.com/ignite/bulkmail/internal/apperr"
	"github.com/ignite/bulkmail/internal/domain"
)

// contentChunkSize keeps multi-row inserts well under the SQLite bind
// variable limit (999 per statement at 2 binds per row, plus headroom).
const contentChunkSize = 150

// SaveContents inserts contents in chunks inside a single transaction
// and fills in the assigned IDs. On any failure nothing is persisted.
func (s *Store) SaveContents(ctx context.Context, contents []*domain.Content) error {
	if len(contents) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Store, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(contents); start += contentChunkSize {
		end := start + contentChunkSize
		if end > len(contents) {
			end = len(contents)
		}
		chunk := contents[start:end]

		var sb strings.Builder
		sb.WriteString("INSERT INTO email_contents (subject, body) VALUES ")
		args := make([]interface{}, 0, len(chunk)*2)
		for i, c := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?)")
			args = append(args, c.Subject, c.Body)
		}

		res, err := tx.ExecContext(ctx, sb.String(), args...)
		if err != nil {
			return apperr.Wrap(apperr.Store, "failed to insert contents", err)
		}

		lastID, err := res.LastInsertId()
		if err != nil {
			return apperr.Wrap(apperr.Store, "failed to read content ids", err)
		}
		// Multi-row INSERT assigns consecutive rowids ending at lastID.
		for i := range chunk {
			chunk[i].ID = lastID - int64(len(chunk)-1-i)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Store, "failed to commit contents", err)
	}
	return nil
}
