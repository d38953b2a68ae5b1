package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

// UpsertMessageSet writes the set and returns it as stored, with the
// original creation time preserved on update.
func (s *SQLStore) UpsertMessageSet(ctx context.Context, set model.MessageSet) (model.MessageSet, error) {
	messages, err := encodeBlob(set.Messages)
	if err != nil {
		return model.MessageSet{}, err
	}
	now := epoch(s.now())

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO message_sets (id, name, messages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			messages = excluded.messages,
			updated_at = excluded.updated_at
	`), set.ID, set.Name, messages, now, now)
	if err != nil {
		return model.MessageSet{}, err
	}
	return s.GetMessageSet(ctx, set.ID)
}

func (s *SQLStore) GetMessageSet(ctx context.Context, id string) (model.MessageSet, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, messages, created_at, updated_at
		FROM message_sets
		WHERE id = ?
	`), id)

	set, err := scanMessageSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MessageSet{}, ErrNotFound
	}
	return set, err
}

func (s *SQLStore) ListMessageSets(ctx context.Context) ([]model.MessageSet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, messages, created_at, updated_at
		FROM message_sets
		ORDER BY updated_at DESC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MessageSet
	for rows.Next() {
		set, err := scanMessageSet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, set)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteMessageSet(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM message_sets WHERE id = ?`), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMessageSet(row rowScanner) (model.MessageSet, error) {
	var (
		set                  model.MessageSet
		messages             string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&set.ID, &set.Name, &messages, &createdAt, &updatedAt); err != nil {
		return model.MessageSet{}, err
	}
	if err := decodeBlob(messages, &set.Messages, "messages"); err != nil {
		return model.MessageSet{}, err
	}
	set.CreatedAt = fromEpoch(createdAt)
	set.UpdatedAt = fromEpoch(updatedAt)
	return set, nil
}
