package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

const jobColumns = `id, recipient_ids, messages, message_set_id, scheduled_time,
	status, sent_time, error, results, created_at`

// selectColumns adds the execution claim, which is never written by UpsertJob.
const selectColumns = jobColumns + `, claimed_at`

// UpsertJob inserts the job or, for an existing id, replaces its execution
// state. Recipients, messages and schedule are fixed at creation.
func (s *SQLStore) UpsertJob(ctx context.Context, job model.ScheduledJob) error {
	recipients, err := encodeBlob(job.RecipientIDs)
	if err != nil {
		return err
	}
	messages, err := encodeBlob(job.Messages)
	if err != nil {
		return err
	}
	results, err := encodeResults(job.Results)
	if err != nil {
		return err
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO scheduled_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			sent_time = excluded.sent_time,
			error = excluded.error,
			results = excluded.results
	`),
		job.ID,
		recipients,
		messages,
		nullStr(job.MessageSetID),
		epoch(job.ScheduledTime),
		string(job.Status),
		nullEpoch(job.SentTime),
		nullStr(job.Error),
		results,
		epoch(createdAt),
	)
	return err
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (model.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+selectColumns+`
		FROM scheduled_jobs
		WHERE id = ?
	`), id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduledJob{}, ErrNotFound
	}
	return job, err
}

func (s *SQLStore) ListJobs(ctx context.Context) ([]model.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM scheduled_jobs
		ORDER BY scheduled_time DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *SQLStore) ListDueJobs(ctx context.Context, now time.Time) ([]model.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+selectColumns+`
		FROM scheduled_jobs
		WHERE status = 'pending' AND claimed_at IS NULL AND scheduled_time <= ?
		ORDER BY scheduled_time ASC, id ASC
	`), epoch(now))
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// ClaimJob marks a due, pending and unclaimed job as running and returns it.
// ok is false when another caller got there first or the job is no longer
// runnable.
func (s *SQLStore) ClaimJob(ctx context.Context, id string, now time.Time) (model.ScheduledJob, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		UPDATE scheduled_jobs
		SET claimed_at = ?
		WHERE id = ? AND status = 'pending' AND claimed_at IS NULL AND scheduled_time <= ?
		RETURNING `+selectColumns+`
	`), epoch(now), id, epoch(now))

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduledJob{}, false, nil
	}
	if err != nil {
		return model.ScheduledJob{}, false, err
	}
	return job, true, nil
}

// FinishJob records the outcome of a claimed job and drops the claim. A job
// that is no longer claimed is left alone and ErrNotFound is returned.
func (s *SQLStore) FinishJob(ctx context.Context, job model.ScheduledJob) error {
	results, err := encodeResults(job.Results)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE scheduled_jobs
		SET status = ?, sent_time = ?, error = ?, results = ?, claimed_at = NULL
		WHERE id = ? AND claimed_at IS NOT NULL
	`),
		string(job.Status),
		nullEpoch(job.SentTime),
		nullStr(job.Error),
		results,
		job.ID,
	)
	return expectOne(res, err)
}

// DeletePendingJob removes a pending job that is not running. ErrConflict
// means the job exists in another state.
func (s *SQLStore) DeletePendingJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM scheduled_jobs
		WHERE id = ? AND status = 'pending' AND claimed_at IS NULL
	`), id)
	return s.conflictOrMissing(ctx, id, expectOne(res, err))
}

// RequeueJob puts a failed or partial job back to pending with its outcome
// cleared. ErrConflict means the job exists in another state.
func (s *SQLStore) RequeueJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE scheduled_jobs
		SET status = 'pending', sent_time = NULL, error = NULL, results = NULL, claimed_at = NULL
		WHERE id = ? AND status IN ('failed', 'partial')
	`), id)
	return s.conflictOrMissing(ctx, id, expectOne(res, err))
}

// ReleaseClaims drops every claim. Jobs interrupted by a crash become due
// again.
func (s *SQLStore) ReleaseClaims(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs SET claimed_at = NULL WHERE claimed_at IS NOT NULL`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) DeleteFinishedJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE status <> 'pending'`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func expectOne(res sql.Result, err error) error {
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

// conflictOrMissing turns a zero-row write on id into ErrConflict when the
// row exists.
func (s *SQLStore) conflictOrMissing(ctx context.Context, id string, err error) error {
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	var one int
	qerr := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM scheduled_jobs WHERE id = ?`), id).Scan(&one)
	switch {
	case errors.Is(qerr, sql.ErrNoRows):
		return ErrNotFound
	case qerr != nil:
		return qerr
	}
	return ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.ScheduledJob, error) {
	var (
		j              model.ScheduledJob
		recipients     string
		messages       string
		messageSetID   sql.NullString
		scheduledTime  int64
		status         string
		sentTime       sql.NullInt64
		lastErr        sql.NullString
		results        sql.NullString
		createdAtEpoch int64
		claimedAt      sql.NullInt64
	)
	if err := row.Scan(
		&j.ID,
		&recipients,
		&messages,
		&messageSetID,
		&scheduledTime,
		&status,
		&sentTime,
		&lastErr,
		&results,
		&createdAtEpoch,
		&claimedAt,
	); err != nil {
		return model.ScheduledJob{}, err
	}

	if err := decodeBlob(recipients, &j.RecipientIDs, "recipient_ids"); err != nil {
		return model.ScheduledJob{}, err
	}
	if err := decodeBlob(messages, &j.Messages, "messages"); err != nil {
		return model.ScheduledJob{}, err
	}
	res, err := decodeResults(results)
	if err != nil {
		return model.ScheduledJob{}, err
	}

	j.Results = res
	j.MessageSetID = messageSetID.String
	j.ScheduledTime = fromEpoch(scheduledTime)
	j.Status = model.Status(status)
	j.SentTime = fromNullEpoch(sentTime)
	j.Error = lastErr.String
	j.CreatedAt = fromEpoch(createdAtEpoch)
	j.ClaimedAt = fromNullEpoch(claimedAt)
	return j, nil
}

func collectJobs(rows *sql.Rows) ([]model.ScheduledJob, error) {
	defer rows.Close()

	var out []model.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
