package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/bulk-messaging/internal/channel"
	"github.com/LeventeLantos/bulk-messaging/internal/model"
	"github.com/LeventeLantos/bulk-messaging/internal/ratelimit"
	"github.com/LeventeLantos/bulk-messaging/internal/repo"
)

var ErrInvalidRecipient = errors.New("invalid recipient id")

type BatchRequest struct {
	RecipientIDs []string
	Messages     []model.MessageItem
	MessageSetID string
	Policy       ratelimit.Policy
}

// Sender delivers every message of a batch to every recipient, one at a
// time, under the process-wide daily limit and pacing delay. Batches never
// overlap: a second caller waits until the running batch returns.
type Sender struct {
	mu sync.Mutex

	channel channel.Channel
	limiter *ratelimit.Limiter
	logs    repo.SendLogRepository

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	onSent   func(ctx context.Context, recipientID string, item model.MessageItem)
	onFailed func(ctx context.Context, recipientID string, reason string)
}

func NewSender(ch channel.Channel, limiter *ratelimit.Limiter, logs repo.SendLogRepository) *Sender {
	return &Sender{
		channel: ch,
		limiter: limiter,
		logs:    logs,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func (s *Sender) WithHooks(
	onSent func(ctx context.Context, recipientID string, item model.MessageItem),
	onFailed func(ctx context.Context, recipientID string, reason string),
) *Sender {
	s.onSent = onSent
	s.onFailed = onFailed
	return s
}

// WithSleep replaces the pacing wait, mostly so tests do not block.
func (s *Sender) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Sender {
	s.sleep = fn
	return s
}

func (s *Sender) WithClock(now func() time.Time) *Sender {
	s.now = now
	return s
}

// SendBatch returns one result per recipient in input order unless the batch
// hits a hard stop: the channel is not ready, the daily limit is reached or
// ctx is done. In that case it returns the results gathered so far, with the
// interrupted recipient recorded as failed, together with the error.
func (s *Sender) SendBatch(ctx context.Context, req BatchRequest) ([]model.RecipientResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.channel.IsReady() {
		return nil, channel.ErrNotReady
	}
	if !s.limiter.CanSend(req.Policy.DailyLimit) {
		return nil, ratelimit.LimitError(req.Policy.DailyLimit)
	}

	results := make([]model.RecipientResult, 0, len(req.RecipientIDs))
	for _, rid := range req.RecipientIDs {
		err := s.sendToRecipient(ctx, rid, req)
		if err == nil {
			results = append(results, model.RecipientResult{RecipientID: rid, Success: true})
			s.appendLog(ctx, rid, req.MessageSetID, nil)
			slog.Info("sent to recipient", "recipient", rid)
			continue
		}

		results = append(results, model.RecipientResult{RecipientID: rid, Error: err.Error()})
		s.appendLog(ctx, rid, req.MessageSetID, err)
		if s.onFailed != nil {
			s.onFailed(ctx, rid, err.Error())
		}

		if isHardStop(err) {
			slog.Warn("batch stopped", "recipient", rid, "err", err)
			return results, err
		}
		slog.Error("send to recipient failed", "recipient", rid, "err", err)
	}
	return results, nil
}

func (s *Sender) sendToRecipient(ctx context.Context, rid string, req BatchRequest) error {
	if strings.TrimSpace(rid) == "" {
		return ErrInvalidRecipient
	}

	chat, err := s.channel.ResolveChat(ctx, rid)
	if err != nil {
		return fmt.Errorf("resolve chat: %w", err)
	}

	for _, item := range req.Messages {
		if !s.limiter.CanSend(req.Policy.DailyLimit) {
			return ratelimit.LimitError(req.Policy.DailyLimit)
		}

		out, ok := resolveOutgoing(item)
		if !ok {
			continue
		}

		if err := s.channel.Send(ctx, chat, out); err != nil {
			return fmt.Errorf("send %s message: %w", item.Kind, err)
		}

		if err := s.limiter.RecordSent(ctx); err != nil {
			slog.Warn("daily count not persisted", "recipient", rid, "err", err)
		}
		if s.onSent != nil {
			s.onSent(ctx, rid, item)
		}

		d := s.limiter.NextDelay(req.Policy.MinDelay, req.Policy.MaxDelay)
		if err := s.sleep(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) appendLog(ctx context.Context, rid, setID string, sendErr error) {
	if s.logs == nil {
		return
	}
	entry := model.SendLogEntry{
		ID:           uuid.NewString(),
		RecipientID:  rid,
		MessageSetID: setID,
		Status:       model.LogSuccess,
		SentAt:       s.now(),
	}
	if sendErr != nil {
		entry.Status = model.LogFailed
		entry.Error = sendErr.Error()
	}
	if err := s.logs.AppendSendLog(ctx, entry); err != nil {
		slog.Warn("send log not written", "recipient", rid, "err", err)
	}
}

func isHardStop(err error) bool {
	return errors.Is(err, ratelimit.ErrDailyLimitExceeded) ||
		errors.Is(err, channel.ErrNotReady) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
