package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
	"github.com/LeventeLantos/bulk-messaging/internal/ratelimit"
	"github.com/LeventeLantos/bulk-messaging/internal/repo"
	"github.com/LeventeLantos/bulk-messaging/internal/service"
)

var now = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *repo.SQLStore) {
	t.Helper()

	store, err := repo.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"), time.Second)
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	n := 0
	svc := NewService(store, store).WithClock(func() time.Time { return now })
	svc.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return svc, store
}

func textItems() []model.MessageItem {
	return []model.MessageItem{{ID: "m1", Kind: model.KindText, Content: "hello"}}
}

func finished(t *testing.T, store *repo.SQLStore, id string, status model.Status) model.ScheduledJob {
	t.Helper()

	sent := now.Add(-time.Minute)
	job := model.ScheduledJob{
		ID:            id,
		RecipientIDs:  []string{"r1"},
		Messages:      textItems(),
		ScheduledTime: now.Add(-time.Hour),
		Status:        status,
		SentTime:      &sent,
		Error:         "boom",
		Results:       []model.RecipientResult{{RecipientID: "r1", Success: status == model.Sent}},
		CreatedAt:     now.Add(-2 * time.Hour),
	}
	if status == model.Pending {
		job.SentTime, job.Error, job.Results = nil, "", nil
	}
	if err := store.UpsertJob(context.Background(), job); err != nil {
		t.Fatalf("UpsertJob() error: %v", err)
	}
	return job
}

func TestSchedule_Validation(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)

	tests := []struct {
		name  string
		req   ScheduleRequest
		field string
	}{
		{"no recipients", ScheduleRequest{Messages: textItems(), ScheduledTime: now.Add(time.Hour)}, "recipientIds"},
		{"no messages", ScheduleRequest{RecipientIDs: []string{"r1"}, ScheduledTime: now.Add(time.Hour)}, "messages"},
		{"missing time", ScheduleRequest{RecipientIDs: []string{"r1"}, Messages: textItems()}, "scheduledTime"},
		{"past time", ScheduleRequest{RecipientIDs: []string{"r1"}, Messages: textItems(), ScheduledTime: now.Add(-time.Second)}, "scheduledTime"},
		{"now is not future", ScheduleRequest{RecipientIDs: []string{"r1"}, Messages: textItems(), ScheduledTime: now}, "scheduledTime"},
		{"sub-second future", ScheduleRequest{RecipientIDs: []string{"r1"}, Messages: textItems(), ScheduledTime: now.Add(500 * time.Millisecond)}, "scheduledTime"},
		{"unknown type", ScheduleRequest{RecipientIDs: []string{"r1"}, Messages: []model.MessageItem{{Kind: "sticker"}}, ScheduledTime: now.Add(time.Hour)}, "messages[0].type"},
		{"blank text", ScheduleRequest{RecipientIDs: []string{"r1"}, Messages: []model.MessageItem{{Kind: model.KindText, Content: "  "}}, ScheduledTime: now.Add(time.Hour)}, "messages[0]"},
		{"media without source", ScheduleRequest{RecipientIDs: []string{"r1"}, Messages: []model.MessageItem{textItems()[0], {Kind: model.KindImage}}, ScheduledTime: now.Add(time.Hour)}, "messages[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Schedule(context.Background(), tt.req)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("expected field %q, got %q", tt.field, ve.Field)
			}
		})
	}
}

func TestSchedule_CreatesPendingJob(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)

	job, err := svc.Schedule(context.Background(), ScheduleRequest{
		RecipientIDs:  []string{"r1", "r2", "r1"},
		Messages:      textItems(),
		ScheduledTime: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Schedule() error: %v", err)
	}

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if got.Status != model.Pending || got.SentTime != nil || got.Results != nil {
		t.Fatalf("expected clean pending job, got %+v", got)
	}
	if !reflect.DeepEqual(got.RecipientIDs, []string{"r1", "r2"}) {
		t.Fatalf("expected deduplicated recipients, got %v", got.RecipientIDs)
	}
	if !got.ScheduledTime.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected scheduled time %v, got %v", now.Add(time.Hour), got.ScheduledTime)
	}
}

func TestSchedule_SnapshotsMessageSet(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	set, err := svc.SaveMessageSet(ctx, model.MessageSet{Name: "promo", Messages: textItems()})
	if err != nil {
		t.Fatalf("SaveMessageSet() error: %v", err)
	}

	job, err := svc.Schedule(ctx, ScheduleRequest{
		RecipientIDs:  []string{"r1"},
		MessageSetID:  set.ID,
		ScheduledTime: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Schedule() error: %v", err)
	}

	set.Messages[0].Content = "edited"
	if _, err := svc.SaveMessageSet(ctx, set); err != nil {
		t.Fatalf("SaveMessageSet() update error: %v", err)
	}
	if err := svc.DeleteMessageSet(ctx, set.ID); err != nil {
		t.Fatalf("DeleteMessageSet() error: %v", err)
	}

	got, err := svc.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.MessageSetID != set.ID || got.Messages[0].Content != "hello" {
		t.Fatalf("expected untouched snapshot, got %+v", got)
	}

	_, err = svc.Schedule(ctx, ScheduleRequest{RecipientIDs: []string{"r1"}, MessageSetID: "gone", ScheduledTime: now.Add(time.Minute)})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing set, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	pending := finished(t, store, "p1", model.Pending)
	sent := finished(t, store, "s1", model.Sent)

	if err := svc.Cancel(ctx, sent.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	got, err := store.GetJob(ctx, sent.ID)
	if err != nil {
		t.Fatalf("sent job should remain: %v", err)
	}
	if got.Status != model.Sent || got.Error != "boom" {
		t.Fatalf("sent job changed: %+v", got)
	}

	if err := svc.Cancel(ctx, pending.ID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if _, err := store.GetJob(ctx, pending.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected cancelled job to be gone, got %v", err)
	}

	if err := svc.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := svc.Cancel(ctx, ""); !IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	for _, status := range []model.Status{model.Failed, model.Partial} {
		job := finished(t, store, "job-"+string(status), status)

		got, err := svc.Retry(ctx, job.ID)
		if err != nil {
			t.Fatalf("Retry(%s) error: %v", status, err)
		}
		stored, _ := store.GetJob(ctx, job.ID)
		for _, j := range []model.ScheduledJob{got, stored} {
			if j.Status != model.Pending || j.Error != "" || j.SentTime != nil || j.Results != nil {
				t.Fatalf("expected reset job, got %+v", j)
			}
		}
	}

	pending := finished(t, store, "p1", model.Pending)
	if _, err := svc.Retry(ctx, pending.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for pending, got %v", err)
	}
	sent := finished(t, store, "s1", model.Sent)
	if _, err := svc.Retry(ctx, sent.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for sent, got %v", err)
	}
	if _, err := svc.Retry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunningJobIsUntouchable(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	job := finished(t, store, "p1", model.Pending)
	if _, ok, err := store.ClaimJob(ctx, job.ID, now); err != nil || !ok {
		t.Fatalf("ClaimJob() ok=%v err=%v", ok, err)
	}

	// A second service over the same database, as the CLI opens one.
	other := NewService(store, store)
	for _, c := range []*Service{svc, other} {
		if err := c.Cancel(ctx, job.ID); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState while running, got %v", err)
		}
	}
	if _, err := store.GetJob(ctx, job.ID); err != nil {
		t.Fatalf("running job must not be deleted: %v", err)
	}

	if _, err := store.ReleaseClaims(ctx); err != nil {
		t.Fatalf("ReleaseClaims() error: %v", err)
	}
	if err := other.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel() after release error: %v", err)
	}
}

func TestClearHistory(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	finished(t, store, "p1", model.Pending)
	finished(t, store, "s1", model.Sent)
	finished(t, store, "f1", model.Failed)

	n, err := svc.ClearHistory(ctx)
	if err != nil {
		t.Fatalf("ClearHistory() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
	list, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 1 || list[0].ID != "p1" {
		t.Fatalf("expected only pending job left, got %+v", list)
	}
}

func TestSaveMessageSet_Validation(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	bad := []model.MessageSet{
		{Name: " ", Messages: textItems()},
		{Name: "x"},
		{Name: "x", Messages: []model.MessageItem{{Kind: model.KindText, Content: ""}}},
		{Name: "x", Messages: []model.MessageItem{{Kind: model.KindImage}}},
	}
	for i, set := range bad {
		if _, err := svc.SaveMessageSet(ctx, set); !IsValidation(err) {
			t.Fatalf("case %d: expected ValidationError, got %v", i, err)
		}
	}

	got, err := svc.SaveMessageSet(ctx, model.MessageSet{
		Name:     " welcome ",
		Messages: []model.MessageItem{{Kind: model.KindText, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("SaveMessageSet() error: %v", err)
	}
	if got.ID == "" || got.Name != "welcome" || got.Messages[0].ID == "" {
		t.Fatalf("expected generated ids and trimmed name, got %+v", got)
	}
	if err := svc.DeleteMessageSet(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type fakeBatch struct {
	req service.BatchRequest
}

func (f *fakeBatch) SendBatch(ctx context.Context, req service.BatchRequest) ([]model.RecipientResult, error) {
	f.req = req
	out := make([]model.RecipientResult, 0, len(req.RecipientIDs))
	for _, id := range req.RecipientIDs {
		out = append(out, model.RecipientResult{RecipientID: id, Success: true})
	}
	return out, nil
}

type fixedPolicy ratelimit.Policy

func (p fixedPolicy) Policy(ctx context.Context) (ratelimit.Policy, error) {
	return ratelimit.Policy(p), nil
}

func TestSendNow(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.SendNow(ctx, SendRequest{RecipientIDs: []string{"r1"}, Messages: textItems()}); err == nil {
		t.Fatalf("expected error without sender")
	}

	fb := &fakeBatch{}
	svc.WithSender(fb, fixedPolicy{DailyLimit: 7})

	results, err := svc.SendNow(ctx, SendRequest{RecipientIDs: []string{"r1", "r1", "r2"}, Messages: textItems()})
	if err != nil {
		t.Fatalf("SendNow() error: %v", err)
	}
	if len(results) != 2 || fb.req.Policy.DailyLimit != 7 {
		t.Fatalf("unexpected send: results=%+v req=%+v", results, fb.req)
	}
	if _, err := svc.SendNow(ctx, SendRequest{Messages: textItems()}); !IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	set, err := svc.SaveMessageSet(ctx, model.MessageSet{Name: "promo", Messages: textItems()})
	if err != nil {
		t.Fatalf("SaveMessageSet() error: %v", err)
	}
	if _, err := svc.SendNow(ctx, SendRequest{RecipientIDs: []string{"r3"}, MessageSetID: set.ID}); err != nil {
		t.Fatalf("SendNow(set) error: %v", err)
	}
	if fb.req.MessageSetID != set.ID || len(fb.req.Messages) != 1 {
		t.Fatalf("expected set messages to be sent, got %+v", fb.req)
	}
	if _, err := svc.SendNow(ctx, SendRequest{RecipientIDs: []string{"r3"}, MessageSetID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown set, got %v", err)
	}
}
