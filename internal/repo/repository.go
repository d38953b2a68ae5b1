package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a conditional write refused by the row's state.
	ErrConflict = errors.New("conflict")
)

type JobRepository interface {
	UpsertJob(ctx context.Context, job model.ScheduledJob) error
	GetJob(ctx context.Context, id string) (model.ScheduledJob, error)
	// ListJobs returns every job, latest scheduled time first.
	ListJobs(ctx context.Context) ([]model.ScheduledJob, error)
	// ListDueJobs returns unclaimed pending jobs scheduled at or before now,
	// oldest first.
	ListDueJobs(ctx context.Context, now time.Time) ([]model.ScheduledJob, error)
	ClaimJob(ctx context.Context, id string, now time.Time) (model.ScheduledJob, bool, error)
	FinishJob(ctx context.Context, job model.ScheduledJob) error
	DeletePendingJob(ctx context.Context, id string) error
	RequeueJob(ctx context.Context, id string) error
	ReleaseClaims(ctx context.Context) (int64, error)
	// DeleteFinishedJobs removes every job that is not pending.
	DeleteFinishedJobs(ctx context.Context) (int64, error)
}

type MessageSetRepository interface {
	UpsertMessageSet(ctx context.Context, set model.MessageSet) (model.MessageSet, error)
	GetMessageSet(ctx context.Context, id string) (model.MessageSet, error)
	// ListMessageSets returns sets most recently updated first.
	ListMessageSets(ctx context.Context) ([]model.MessageSet, error)
	DeleteMessageSet(ctx context.Context, id string) error
}

type SendLogRepository interface {
	AppendSendLog(ctx context.Context, entry model.SendLogEntry) error
	// ListSendLogs returns newest entries first; an empty recipientID lists all.
	ListSendLogs(ctx context.Context, recipientID string, limit int) ([]model.SendLogEntry, error)
}

type SettingsRepository interface {
	GetSetting(ctx context.Context, key string, dst any) (bool, error)
	SetSetting(ctx context.Context, key string, value any) error
}
