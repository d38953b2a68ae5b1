package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LeventeLantos/bulk-messaging/internal/channel"
	"github.com/LeventeLantos/bulk-messaging/internal/jobs"
	"github.com/LeventeLantos/bulk-messaging/internal/model"
	"github.com/LeventeLantos/bulk-messaging/internal/notify"
	"github.com/LeventeLantos/bulk-messaging/internal/ratelimit"
	"github.com/LeventeLantos/bulk-messaging/internal/repo"
	"github.com/LeventeLantos/bulk-messaging/internal/scheduler"
	"github.com/LeventeLantos/bulk-messaging/internal/service"
)

type fakeChannel struct {
	mu       sync.Mutex
	notReady bool
	sent     []string
}

func (f *fakeChannel) IsReady() bool { return !f.notReady }

func (f *fakeChannel) ResolveChat(ctx context.Context, id string) (channel.Chat, error) {
	if strings.HasPrefix(id, "unknown") {
		return channel.Chat{}, channel.ErrRecipientNotFound
	}
	return channel.Chat{RecipientID: id, Address: id}, nil
}

func (f *fakeChannel) Send(ctx context.Context, chat channel.Chat, msg channel.Outgoing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chat.RecipientID)
	return nil
}

type directoryChannel struct {
	fakeChannel
	gotLimit int
}

func (d *directoryChannel) Contacts(ctx context.Context, limit int) ([]model.Contact, error) {
	d.gotLimit = limit
	return []model.Contact{{ID: "36201111111@c.us", Name: "Anna", Phone: "36201111111"}}, nil
}

type testEnv struct {
	store *repo.SQLStore
	ch    channel.Channel
	hub   *notify.Hub
	sched *scheduler.Scheduler
	mux   http.Handler
}

func newTestEnv(t *testing.T, ch channel.Channel) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := repo.OpenSQLite(ctx, filepath.Join(t.TempDir(), "api.db"), time.Second)
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	limiter, err := ratelimit.New(ctx, ratelimit.NewMemoryStore(model.RateState{}))
	if err != nil {
		t.Fatalf("ratelimit.New() error: %v", err)
	}
	policy := ratelimit.SettingsPolicy{
		Settings: store,
		Defaults: ratelimit.Policy{DailyLimit: 1000, MinDelay: 2 * time.Second, MaxDelay: 5 * time.Second},
	}
	sender := service.NewSender(ch, limiter, store).
		WithSleep(func(context.Context, time.Duration) error { return nil })
	svc := jobs.NewService(store, store).WithSender(sender, policy)

	// Long interval so only the immediate tick happens.
	s, err := scheduler.New(time.Hour, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	t.Cleanup(func() { s.Stop() })

	hub := notify.NewHub()
	h := NewHandler(ctx, Deps{
		Jobs:          svc,
		Scheduler:     s,
		Channel:       ch,
		Limiter:       limiter,
		Policy:        policy,
		Settings:      store,
		Logs:          store,
		Hub:           hub,
		ContactsLimit: 50,
	})

	return &testEnv{store: store, ch: ch, hub: hub, sched: s, mux: Router(h, nil)}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode json: %v body=%q", err, rr.Body.String())
	}
	return m
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) map[string]any {
	t.Helper()

	if rr.Code != want {
		t.Fatalf("expected status %d, got %d body=%q", want, rr.Code, rr.Body.String())
	}
	return decodeJSON(t, rr)
}

func storeJob(t *testing.T, store *repo.SQLStore, id string, status model.Status) {
	t.Helper()

	sent := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	job := model.ScheduledJob{
		ID:            id,
		RecipientIDs:  []string{"r1"},
		Messages:      []model.MessageItem{{ID: "m1", Kind: model.KindText, Content: "hi"}},
		ScheduledTime: sent.Add(-time.Hour),
		Status:        status,
		SentTime:      &sent,
		Error:         "boom",
		Results:       []model.RecipientResult{{RecipientID: "r1", Success: status == model.Sent}},
		CreatedAt:     sent.Add(-2 * time.Hour),
	}
	if err := store.UpsertJob(context.Background(), job); err != nil {
		t.Fatalf("UpsertJob() error: %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &fakeChannel{})

	rr := env.do(t, http.MethodGet, "/v1/health", nil)
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("expected Content-Type application/json, got %q", ct)
	}
	body := expectStatus(t, rr, http.StatusOK)
	if v, ok := body["ok"].(bool); !ok || !v {
		t.Fatalf("expected {ok:true}, got %v", body)
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	env := newTestEnv(t, &fakeChannel{})

	body := expectStatus(t, env.do(t, http.MethodGet, "/v1/scheduler/status", nil), http.StatusOK)
	if running, ok := body["running"].(bool); !ok || running {
		t.Fatalf("expected running=false, got %v", body)
	}

	body = expectStatus(t, env.do(t, http.MethodPost, "/v1/scheduler/start", nil), http.StatusOK)
	if running, ok := body["running"].(bool); !ok || !running {
		t.Fatalf("expected running=true after start, got %v", body)
	}

	body = expectStatus(t, env.do(t, http.MethodPost, "/v1/scheduler/stop", nil), http.StatusOK)
	if running, ok := body["running"].(bool); !ok || running {
		t.Fatalf("expected running=false after stop, got %v", body)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, &fakeChannel{notReady: true})

	body := expectStatus(t, env.do(t, http.MethodGet, "/v1/status", nil), http.StatusOK)
	if body["ready"] != false {
		t.Fatalf("expected ready=false, got %v", body)
	}
	if body["dailyMessageLimit"] != float64(1000) || body["dailyMessageCount"] != float64(0) {
		t.Fatalf("unexpected counters: %v", body)
	}
}

func TestScheduleListGet(t *testing.T) {
	env := newTestEnv(t, &fakeChannel{})

	req := map[string]any{
		"recipientIds":  []string{"36201111111@c.us", "36202222222@c.us"},
		"messages":      []map[string]any{{"id": "m1", "type": "text", "content": "hello"}},
		"scheduledTime": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}
	body := expectStatus(t, env.do(t, http.MethodPost, "/v1/scheduled", req), http.StatusCreated)
	id, _ := body["jobId"].(string)
	if id == "" || body["success"] != true {
		t.Fatalf("expected success with jobId, got %v", body)
	}

	body = expectStatus(t, env.do(t, http.MethodGet, "/v1/scheduled", nil), http.StatusOK)
	items, ok := body["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("expected 1 item, got %v", body)
	}

	body = expectStatus(t, env.do(t, http.MethodGet, "/v1/scheduled/"+id, nil), http.StatusOK)
	job, _ := body["job"].(map[string]any)
	if job["status"] != "pending" {
		t.Fatalf("expected pending job, got %v", body)
	}

	expectStatus(t, env.do(t, http.MethodGet, "/v1/scheduled/nope", nil), http.StatusNotFound)
}

func TestSchedule_Errors(t *testing.T) {
	env := newTestEnv(t, &fakeChannel{})

	past := map[string]any{
		"recipientIds":  []string{"r1"},
		"messages":      []map[string]any{{"id": "m1", "type": "text", "content": "hello"}},
		"scheduledTime": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	}
	body := expectStatus(t, env.do(t, http.MethodPost, "/v1/scheduled", past), http.StatusBadRequest)
	if body["success"] != false || !strings.Contains(body["error"].(string), "scheduledTime") {
		t.Fatalf("expected scheduledTime validation error, got %v", body)
	}

	body = expectStatus(t, env.do(t, http.MethodPost, "/v1/scheduled", "{not json"), http.StatusBadRequest)
	if body["success"] != false {
		t.Fatalf("expected success=false, got %v", body)
	}
}

func TestCancelScheduled(t *testing.T) {
	env := newTestEnv(t, &fakeChannel{})
	storeJob(t, env.store, "done", model.Sent)
	storeJob(t, env.store, "waiting", model.Pending)

	expectStatus(t, env.do(t, http.MethodDelete, "/v1/scheduled/missing", nil), http.StatusNotFound)

	body := expectStatus(t, env.do(t, http.MethodDelete, "/v1/scheduled/done", nil), http.StatusConflict)
	if body["success"] != false || body["error"] == "" {
		t.Fatalf("expected structured failure, got %v", body)
	}
	if _, err := env.store.GetJob(context.Background(), "done"); err != nil {
		t.Fatalf("sent job must stay in store: %v", err)
	}

	expectStatus(t, env.do(t, http.MethodDelete, "/v1/scheduled/waiting", nil), http.StatusOK)
	if _, err := env.store.GetJob(context.Background(), "waiting"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected pending job to be deleted, got %v", err)
	}
}

func TestRetryScheduled(t *testing.T) {
	env := newTestEnv(t, &fakeChannel{})
	storeJob(t, env.store, "broken", model.Failed)

	body := expectStatus(t, env.do(t, http.MethodPost, "/v1/scheduled/broken/retry", nil), http.StatusOK)
	job, _ := body["job"].(map[string]any)
	if job["status"] != "pending" {
		t.Fatalf("expected pending after retry, got %v", body)
	}
	if _, ok := job["results"]; ok {
		t.Fatalf("expected results cleared, got %v", job)
	}

	expectStatus(t, env.do(t, http.MethodPost, "/v1/scheduled/broken/retry", nil), http.StatusConflict)
}

func TestClearHistory(t *testing.T) {
	env := newTestEnv(t, &fakeChannel{})
	storeJob(t, env.store, "a", model.Sent)
	storeJob(t, env.store, "b", model.Partial)
	storeJob(t, env.store, "c", model.Pending)

	body := expectStatus(t, env.do(t, http.MethodPost, "/v1/scheduled/clear-history", nil), http.StatusOK)
	if body["deleted"] != float64(2) {
		t.Fatalf("expected 2 deleted, got %v", body)
	}
	left, err := env.store.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("ListJobs() error: %v", err)
	}
	if len(left) != 1 || left[0].ID != "c" {
		t.Fatalf("expected only the pending job to remain, got %+v", left)
	}
}

func TestSendNow(t *testing.T) {
	ch := &fakeChannel{}
	env := newTestEnv(t, ch)

	req := map[string]any{
		"recipientIds": []string{"r1", "unknown-2"},
		"messages":     []map[string]any{{"id": "m1", "type": "text", "content": "hello"}},
	}
	body := expectStatus(t, env.do(t, http.MethodPost, "/v1/send", req), http.StatusOK)
	stats, _ := body["stats"].(map[string]any)
	if stats["successful"] != float64(1) || stats["failed"] != float64(1) {
		t.Fatalf("unexpected stats: %v", body)
	}
	if len(ch.sent) != 1 || ch.sent[0] != "r1" {
		t.Fatalf("unexpected deliveries: %v", ch.sent)
	}

	body = expectStatus(t, env.do(t, http.MethodGet, "/v1/send-logs", nil), http.StatusOK)
	if items, _ := body["items"].([]any); len(items) != 2 {
		t.Fatalf("expected 2 send log entries, got %v", body)
	}
	body = expectStatus(t, env.do(t, http.MethodGet, "/v1/send-logs?recipientId=r1", nil), http.StatusOK)
	if items, _ := body["items"].([]any); len(items) != 1 {
		t.Fatalf("expected 1 entry for r1, got %v", body)
	}
}

func TestSendNow_NotReady(t *testing.T) {
	env := newTestEnv(t, &fakeChannel{notReady: true})

	req := map[string]any{
		"recipientIds": []string{"r1"},
		"messages":     []map[string]any{{"id": "m1", "type": "text", "content": "hello"}},
	}
	body := expectStatus(t, env.do(t, http.MethodPost, "/v1/send", req), http.StatusServiceUnavailable)
	if body["success"] != false {
		t.Fatalf("expected failure, got %v", body)
	}
}

func TestMessageSets(t *testing.T) {
	env := newTestEnv(t, &fakeChannel{})

	set := map[string]any{
		"name":     "Spring promo",
		"messages": []map[string]any{{"type": "text", "content": "hi"}},
	}
	body := expectStatus(t, env.do(t, http.MethodPost, "/v1/message-sets", set), http.StatusOK)
	saved, _ := body["set"].(map[string]any)
	id, _ := saved["id"].(string)
	if id == "" {
		t.Fatalf("expected id on saved set, got %v", body)
	}

	body = expectStatus(t, env.do(t, http.MethodGet, "/v1/message-sets", nil), http.StatusOK)
	if items, _ := body["items"].([]any); len(items) != 1 {
		t.Fatalf("expected 1 set, got %v", body)
	}
	expectStatus(t, env.do(t, http.MethodGet, "/v1/message-sets/"+id, nil), http.StatusOK)

	bad := map[string]any{"name": " ", "messages": []map[string]any{{"type": "text", "content": "hi"}}}
	expectStatus(t, env.do(t, http.MethodPost, "/v1/message-sets", bad), http.StatusBadRequest)

	expectStatus(t, env.do(t, http.MethodDelete, "/v1/message-sets/"+id, nil), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodGet, "/v1/message-sets/"+id, nil), http.StatusNotFound)
}

func TestSettings(t *testing.T) {
	env := newTestEnv(t, &fakeChannel{})

	body := expectStatus(t, env.do(t, http.MethodGet, "/v1/settings", nil), http.StatusOK)
	if body["dailyMessageLimit"] != float64(1000) {
		t.Fatalf("expected default limit, got %v", body)
	}

	update := map[string]any{"dailyMessageLimit": 200, "messageDelay": map[string]any{"min": 100, "max": 300}}
	body = expectStatus(t, env.do(t, http.MethodPut, "/v1/settings", update), http.StatusOK)
	delay, _ := body["messageDelay"].(map[string]any)
	if body["dailyMessageLimit"] != float64(200) || delay["min"] != float64(100) || delay["max"] != float64(300) {
		t.Fatalf("settings not applied: %v", body)
	}

	bad := []map[string]any{
		{"dailyMessageLimit": 0},
		{"messageDelay": map[string]any{"min": 500, "max": 100}},
		{"messageDelay": map[string]any{"min": -1, "max": 100}},
	}
	for _, b := range bad {
		expectStatus(t, env.do(t, http.MethodPut, "/v1/settings", b), http.StatusBadRequest)
	}
}

func TestContacts(t *testing.T) {
	dir := &directoryChannel{}
	env := newTestEnv(t, dir)

	body := expectStatus(t, env.do(t, http.MethodGet, "/v1/contacts?limit=500", nil), http.StatusOK)
	if items, _ := body["items"].([]any); len(items) != 1 {
		t.Fatalf("expected 1 contact, got %v", body)
	}
	if dir.gotLimit != 50 {
		t.Fatalf("expected limit capped at 50, got %d", dir.gotLimit)
	}

	plain := newTestEnv(t, &fakeChannel{})
	expectStatus(t, plain.do(t, http.MethodGet, "/v1/contacts", nil), http.StatusNotImplemented)
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, &fakeChannel{})
	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/events error: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	env.hub.Publish(context.Background(), notify.Event{Type: "scheduled:sent", JobID: "job-1", Status: model.Sent})

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" && len(lines) > 0 {
			break
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 || lines[0] != "event: scheduled:sent" {
		t.Fatalf("unexpected frame: %q", lines)
	}
	if !strings.Contains(lines[1], `"jobId":"job-1"`) {
		t.Fatalf("expected job id in data, got %q", lines[1])
	}
}

func TestRouterRoot(t *testing.T) {
	env := newTestEnv(t, &fakeChannel{})

	rr := env.do(t, http.MethodGet, "/", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "wasched" {
		t.Fatalf("expected body %q, got %q", "wasched", got)
	}

	if rr := env.do(t, http.MethodGet, "/nope", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", rr.Code)
	}
}

func TestRouterMetrics(t *testing.T) {
	h := Router(NewHandler(context.Background(), Deps{}), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("metrics here"))
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Body.String() != "metrics here" {
		t.Fatalf("expected metrics handler to be mounted, got %q", rr.Body.String())
	}
}
