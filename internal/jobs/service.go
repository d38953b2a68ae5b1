// Package jobs is the control surface over scheduled jobs and message sets.
// It validates input, keeps job status transitions legal and never touches a
// job the dispatcher has claimed. Every guard is a conditional write in the
// store, so separate processes sharing a database stay consistent.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
	"github.com/LeventeLantos/bulk-messaging/internal/ratelimit"
	"github.com/LeventeLantos/bulk-messaging/internal/repo"
	"github.com/LeventeLantos/bulk-messaging/internal/service"
)

type BatchSender interface {
	SendBatch(ctx context.Context, req service.BatchRequest) ([]model.RecipientResult, error)
}

type PolicySource interface {
	Policy(ctx context.Context) (ratelimit.Policy, error)
}

type ScheduleRequest struct {
	RecipientIDs  []string            `json:"recipientIds"`
	Messages      []model.MessageItem `json:"messages"`
	MessageSetID  string              `json:"messageSetId,omitempty"`
	ScheduledTime time.Time           `json:"scheduledTime"`
}

type Service struct {
	jobs repo.JobRepository
	sets repo.MessageSetRepository

	sender BatchSender
	policy PolicySource

	now   func() time.Time
	newID func() string
}

func NewService(jobs repo.JobRepository, sets repo.MessageSetRepository) *Service {
	return &Service{
		jobs:  jobs,
		sets:  sets,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// WithSender enables SendNow.
func (s *Service) WithSender(sender BatchSender, policy PolicySource) *Service {
	s.sender = sender
	s.policy = policy
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (model.ScheduledJob, error) {
	recipients := dedupe(req.RecipientIDs)
	if len(recipients) == 0 {
		return model.ScheduledJob{}, invalid("recipientIds", "at least one recipient is required")
	}

	messages, err := s.messagesFor(ctx, req.Messages, req.MessageSetID)
	if err != nil {
		return model.ScheduledJob{}, err
	}

	now := s.now()
	if req.ScheduledTime.IsZero() {
		return model.ScheduledJob{}, invalid("scheduledTime", "is required")
	}
	// Stored times have second precision; the stored value must be in the future.
	at := req.ScheduledTime.UTC().Truncate(time.Second)
	if !at.After(now) {
		return model.ScheduledJob{}, invalid("scheduledTime", "must be in the future")
	}

	job := model.ScheduledJob{
		ID:            s.newID(),
		RecipientIDs:  recipients,
		Messages:      append([]model.MessageItem(nil), messages...),
		MessageSetID:  req.MessageSetID,
		ScheduledTime: at,
		Status:        model.Pending,
		CreatedAt:     now.UTC().Truncate(time.Second),
	}
	if err := s.jobs.UpsertJob(ctx, job); err != nil {
		return model.ScheduledJob{}, fmt.Errorf("store job: %w", err)
	}

	slog.Info("job scheduled", "job_id", job.ID, "recipients", len(recipients), "messages", len(job.Messages), "at", job.ScheduledTime)
	return job, nil
}

func (s *Service) Cancel(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid("id", "is required")
	}

	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return s.mapErr(err, "job", id)
	}
	if job.Status != model.Pending {
		return fmt.Errorf("%w: only pending jobs can be cancelled, job %s is %s", ErrInvalidState, id, job.Status)
	}
	if job.Running() {
		return fmt.Errorf("%w: job %s is running", ErrInvalidState, id)
	}

	if err := s.jobs.DeletePendingJob(ctx, id); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return fmt.Errorf("%w: job %s started running", ErrInvalidState, id)
		}
		return s.mapErr(err, "job", id)
	}

	slog.Info("job cancelled", "job_id", id)
	return nil
}

func (s *Service) Retry(ctx context.Context, id string) (model.ScheduledJob, error) {
	if strings.TrimSpace(id) == "" {
		return model.ScheduledJob{}, invalid("id", "is required")
	}

	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return model.ScheduledJob{}, s.mapErr(err, "job", id)
	}
	if job.Status != model.Failed && job.Status != model.Partial {
		return model.ScheduledJob{}, fmt.Errorf("%w: only failed or partial jobs can be retried, job %s is %s", ErrInvalidState, id, job.Status)
	}

	if err := s.jobs.RequeueJob(ctx, id); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return model.ScheduledJob{}, fmt.Errorf("%w: job %s changed state", ErrInvalidState, id)
		}
		return model.ScheduledJob{}, s.mapErr(err, "job", id)
	}
	job.ResetForRetry()

	slog.Info("job queued for retry", "job_id", id)
	return job, nil
}

// ClearHistory deletes every job that is no longer pending.
func (s *Service) ClearHistory(ctx context.Context) (int64, error) {
	n, err := s.jobs.DeleteFinishedJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	slog.Info("job history cleared", "deleted", n)
	return n, nil
}

func (s *Service) List(ctx context.Context) ([]model.ScheduledJob, error) {
	return s.jobs.ListJobs(ctx)
}

func (s *Service) Get(ctx context.Context, id string) (model.ScheduledJob, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return model.ScheduledJob{}, s.mapErr(err, "job", id)
	}
	return job, nil
}

// SendRequest is an immediate send. Messages take precedence over
// MessageSetID.
type SendRequest struct {
	RecipientIDs []string            `json:"recipientIds"`
	Messages     []model.MessageItem `json:"messages"`
	MessageSetID string              `json:"messageSetId,omitempty"`
}

// SendNow runs a batch immediately under the same limits as scheduled jobs.
// No job is stored.
func (s *Service) SendNow(ctx context.Context, req SendRequest) ([]model.RecipientResult, error) {
	if s.sender == nil || s.policy == nil {
		return nil, errors.New("immediate sending is not configured")
	}
	recipients := dedupe(req.RecipientIDs)
	if len(recipients) == 0 {
		return nil, invalid("recipientIds", "at least one recipient is required")
	}
	messages, err := s.messagesFor(ctx, req.Messages, req.MessageSetID)
	if err != nil {
		return nil, err
	}

	p, err := s.policy.Policy(ctx)
	if err != nil {
		return nil, err
	}
	return s.sender.SendBatch(ctx, service.BatchRequest{
		RecipientIDs: recipients,
		Messages:     messages,
		MessageSetID: req.MessageSetID,
		Policy:       p,
	})
}

// messagesFor falls back to the stored set when no messages are given.
func (s *Service) messagesFor(ctx context.Context, messages []model.MessageItem, setID string) ([]model.MessageItem, error) {
	if len(messages) == 0 && setID != "" {
		set, err := s.sets.GetMessageSet(ctx, setID)
		if err != nil {
			return nil, s.mapErr(err, "message set", setID)
		}
		messages = set.Messages
	}
	if len(messages) == 0 {
		return nil, invalid("messages", "at least one message is required")
	}
	for i, m := range messages {
		if !m.Kind.Valid() {
			return nil, invalid(fmt.Sprintf("messages[%d].type", i), fmt.Sprintf("unknown type %q", m.Kind))
		}
		if err := m.Validate(); err != nil {
			return nil, invalid(fmt.Sprintf("messages[%d]", i), err.Error())
		}
	}
	return messages, nil
}

func (s *Service) mapErr(err error, what, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return err
}

// dedupe keeps the first occurrence of every id and preserves order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
