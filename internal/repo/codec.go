package repo

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

// Nested lists are stored as JSON text and timestamps as epoch seconds.
// Everything crossing the column boundary goes through this file.

func encodeBlob(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeBlob(raw string, dst any, column string) error {
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode %s: %w", column, err)
	}
	return nil
}

func encodeResults(results []model.RecipientResult) (sql.NullString, error) {
	if results == nil {
		return sql.NullString{}, nil
	}
	s, err := encodeBlob(results)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func decodeResults(raw sql.NullString) ([]model.RecipientResult, error) {
	if !raw.Valid {
		return nil, nil
	}
	out := []model.RecipientResult{}
	if err := decodeBlob(raw.String, &out, "results"); err != nil {
		return nil, err
	}
	return out, nil
}

func epoch(t time.Time) int64 {
	return t.Unix()
}

func fromEpoch(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullEpoch(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromNullEpoch(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromEpoch(v.Int64)
	return &t
}

func nullStr(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
