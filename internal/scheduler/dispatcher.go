package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/bulk-messaging/internal/jobs"
	"github.com/LeventeLantos/bulk-messaging/internal/model"
	"github.com/LeventeLantos/bulk-messaging/internal/notify"
	"github.com/LeventeLantos/bulk-messaging/internal/ratelimit"
	"github.com/LeventeLantos/bulk-messaging/internal/repo"
	"github.com/LeventeLantos/bulk-messaging/internal/service"
)

type Publisher interface {
	Publish(ctx context.Context, e notify.Event)
}

// Dispatcher executes due jobs. Each Tick handles the due jobs one after
// another, in scheduled time order.
type Dispatcher struct {
	jobs    repo.JobRepository
	sender  jobs.BatchSender
	limiter *ratelimit.Limiter
	policy  jobs.PolicySource
	events  Publisher

	now func() time.Time
}

func NewDispatcher(
	jobRepo repo.JobRepository,
	sender jobs.BatchSender,
	limiter *ratelimit.Limiter,
	policy jobs.PolicySource,
	events Publisher,
) *Dispatcher {
	return &Dispatcher{
		jobs:    jobRepo,
		sender:  sender,
		limiter: limiter,
		policy:  policy,
		events:  events,
		now:     time.Now,
	}
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Tick resets the daily counter on a new day, then runs every due job.
// A failing job never prevents the next one from running.
func (d *Dispatcher) Tick(ctx context.Context) error {
	if err := d.limiter.ResetIfNewDay(ctx); err != nil {
		slog.Warn("rate state reset not persisted", "err", err)
	}

	due, err := d.jobs.ListDueJobs(ctx, d.now())
	if err != nil {
		return fmt.Errorf("list due jobs: %w", err)
	}
	if len(due) > 0 {
		slog.Info("due jobs found", "count", len(due))
	}

	for _, j := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.runJob(ctx, j.ID)
	}
	return nil
}

func (d *Dispatcher) runJob(ctx context.Context, id string) {
	// The claim is taken in the store: the listed copy may be stale and other
	// processes may act on the same job.
	job, ok, err := d.jobs.ClaimJob(ctx, id, d.now())
	if err != nil {
		slog.Error("claim job failed", "job_id", id, "err", err)
		return
	}
	if !ok {
		slog.Debug("job no longer runnable, skipping", "job_id", id)
		return
	}

	slog.Info("executing job", "job_id", job.ID, "recipients", len(job.RecipientIDs), "messages", len(job.Messages))

	results, sendErr := d.execute(ctx, job)
	finish(&job, results, sendErr, d.now())

	persistCtx := context.WithoutCancel(ctx)
	if err := d.jobs.FinishJob(persistCtx, job); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			slog.Warn("job removed while running, result dropped", "job_id", job.ID, "status", job.Status)
			return
		}
		slog.Error("persist job result failed", "job_id", job.ID, "status", job.Status, "err", err)
		return
	}

	stats := model.Summarize(job.Results)
	slog.Info("job finished", "job_id", job.ID, "status", job.Status,
		"successful", stats.Successful, "failed", stats.Failed)

	if d.events != nil {
		d.events.Publish(persistCtx, notify.JobEvent(job, stats, d.now()))
	}
}

func (d *Dispatcher) execute(ctx context.Context, job model.ScheduledJob) (results []model.RecipientResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panic recovered", "job_id", job.ID, "panic", r)
			err = fmt.Errorf("job panic: %v", r)
		}
	}()

	p, err := d.policy.Policy(ctx)
	if err != nil {
		return nil, fmt.Errorf("load send policy: %w", err)
	}
	return d.sender.SendBatch(ctx, service.BatchRequest{
		RecipientIDs: job.RecipientIDs,
		Messages:     job.Messages,
		MessageSetID: job.MessageSetID,
		Policy:       p,
	})
}

// finish moves job to its terminal status and drops its claim.
//
// A batch that stopped early (channel not ready, daily limit, cancelled
// context) is failed with the stop reason. Its results are not left empty:
// every recipient it never reached gets a skipped result with the error
// "not attempted: <reason>", so Results always holds one entry per
// recipient.
func finish(job *model.ScheduledJob, results []model.RecipientResult, sendErr error, now time.Time) {
	job.ClaimedAt = nil
	if sendErr != nil {
		job.Status = model.Failed
		job.Error = sendErr.Error()
		job.SentTime = nil
		job.Results = padResults(job.RecipientIDs, results, sendErr)
		return
	}

	job.Results = results
	if job.Results == nil {
		job.Results = []model.RecipientResult{}
	}
	job.Status = model.Classify(job.Results)

	stats := model.Summarize(job.Results)
	switch job.Status {
	case model.Sent:
		job.Error = ""
		job.SentTime = &now
	case model.Partial:
		job.Error = fmt.Sprintf("%d of %d recipients failed", stats.Failed, stats.Total)
		job.SentTime = &now
	default:
		job.Error = fmt.Sprintf("all %d recipients failed", stats.Total)
		job.SentTime = nil
	}
}

func padResults(recipients []string, results []model.RecipientResult, cause error) []model.RecipientResult {
	out := make([]model.RecipientResult, 0, len(recipients))
	out = append(out, results...)
	for _, rid := range recipients[min(len(results), len(recipients)):] {
		out = append(out, model.RecipientResult{
			RecipientID: rid,
			Skipped:     true,
			Error:       "not attempted: " + cause.Error(),
		})
	}
	return out
}
