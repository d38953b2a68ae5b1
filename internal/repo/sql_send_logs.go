package repo

import (
	"context"
	"database/sql"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

func (s *SQLStore) AppendSendLog(ctx context.Context, e model.SendLogEntry) error {
	sentAt := e.SentAt
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO send_logs (id, recipient_id, message_set_id, status, error, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), e.ID, e.RecipientID, nullStr(e.MessageSetID), string(e.Status), nullStr(e.Error), epoch(sentAt))
	return err
}

func (s *SQLStore) ListSendLogs(ctx context.Context, recipientID string, limit int) ([]model.SendLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if recipientID == "" {
		rows, err = s.db.QueryContext(ctx, s.rebind(`
			SELECT id, recipient_id, message_set_id, status, error, sent_at
			FROM send_logs
			ORDER BY sent_at DESC, id ASC
			LIMIT ?
		`), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, s.rebind(`
			SELECT id, recipient_id, message_set_id, status, error, sent_at
			FROM send_logs
			WHERE recipient_id = ?
			ORDER BY sent_at DESC, id ASC
			LIMIT ?
		`), recipientID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SendLogEntry
	for rows.Next() {
		var (
			e            model.SendLogEntry
			messageSetID sql.NullString
			status       string
			lastErr      sql.NullString
			sentAt       int64
		)
		if err := rows.Scan(&e.ID, &e.RecipientID, &messageSetID, &status, &lastErr, &sentAt); err != nil {
			return nil, err
		}
		e.MessageSetID = messageSetID.String
		e.Status = model.LogStatus(status)
		e.Error = lastErr.String
		e.SentAt = fromEpoch(sentAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
