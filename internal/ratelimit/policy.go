package ratelimit

import (
	"context"
	"fmt"
	"time"
)

const (
	SettingDailyLimit   = "dailyMessageLimit"
	SettingMessageDelay = "messageDelay"
)

// Policy is the send budget applied to one batch.
type Policy struct {
	DailyLimit int
	MinDelay   time.Duration
	MaxDelay   time.Duration
}

// DelaySetting is the stored shape of the messageDelay setting, in milliseconds.
type DelaySetting struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

type SettingsReader interface {
	GetSetting(ctx context.Context, key string, dst any) (bool, error)
}

// SettingsPolicy reads overrides from the settings collection and falls back
// to Defaults for anything unset or invalid.
type SettingsPolicy struct {
	Settings SettingsReader
	Defaults Policy
}

func (p SettingsPolicy) Policy(ctx context.Context) (Policy, error) {
	out := p.Defaults
	if p.Settings == nil {
		return out, nil
	}

	var limit int
	ok, err := p.Settings.GetSetting(ctx, SettingDailyLimit, &limit)
	if err != nil {
		return out, fmt.Errorf("read %s: %w", SettingDailyLimit, err)
	}
	if ok && limit > 0 {
		out.DailyLimit = limit
	}

	var d DelaySetting
	ok, err = p.Settings.GetSetting(ctx, SettingMessageDelay, &d)
	if err != nil {
		return out, fmt.Errorf("read %s: %w", SettingMessageDelay, err)
	}
	if ok && d.Min >= 0 && d.Max >= d.Min {
		out.MinDelay = time.Duration(d.Min) * time.Millisecond
		out.MaxDelay = time.Duration(d.Max) * time.Millisecond
	}
	return out, nil
}
