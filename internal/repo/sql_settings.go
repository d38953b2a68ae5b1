package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

const (
	settingDailyCount    = "dailyMessageCount"
	settingLastResetDate = "lastResetDate"
)

// GetSetting decodes the JSON value stored under key into dst. It reports
// false when the key is absent.
func (s *SQLStore) GetSetting(ctx context.Context, key string, dst any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM app_settings WHERE key = ?`), key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

func (s *SQLStore) SetSetting(ctx context.Context, key string, value any) error {
	return setSetting(ctx, s.db, s, key, value)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setSetting(ctx context.Context, ex execer, s *SQLStore, key string, value any) error {
	raw, err := encodeBlob(value)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, s.rebind(`
		INSERT INTO app_settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`), key, raw, epoch(s.now()))
	return err
}

func (s *SQLStore) LoadRateState(ctx context.Context) (model.RateState, error) {
	var st model.RateState
	if _, err := s.GetSetting(ctx, settingDailyCount, &st.DailyCount); err != nil {
		return model.RateState{}, err
	}
	if _, err := s.GetSetting(ctx, settingLastResetDate, &st.LastResetDate); err != nil {
		return model.RateState{}, err
	}
	return st, nil
}

// SaveRateState writes both counter keys in one transaction.
func (s *SQLStore) SaveRateState(ctx context.Context, st model.RateState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := setSetting(ctx, tx, s, settingDailyCount, st.DailyCount); err != nil {
		return err
	}
	if err := setSetting(ctx, tx, s, settingLastResetDate, st.LastResetDate); err != nil {
		return err
	}
	return tx.Commit()
}
