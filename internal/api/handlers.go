package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/LeventeLantos/bulk-messaging/internal/channel"
	"github.com/LeventeLantos/bulk-messaging/internal/jobs"
	"github.com/LeventeLantos/bulk-messaging/internal/model"
	"github.com/LeventeLantos/bulk-messaging/internal/notify"
	"github.com/LeventeLantos/bulk-messaging/internal/ratelimit"
	"github.com/LeventeLantos/bulk-messaging/internal/repo"
	"github.com/LeventeLantos/bulk-messaging/internal/scheduler"
)

// Deps are the collaborators behind the HTTP surface. Hub and Metrics are
// optional.
type Deps struct {
	Jobs          *jobs.Service
	Scheduler     *scheduler.Scheduler
	Channel       channel.Channel
	Limiter       *ratelimit.Limiter
	Policy        jobs.PolicySource
	Settings      repo.SettingsRepository
	Logs          repo.SendLogRepository
	Hub           *notify.Hub
	ContactsLimit int
}

type Handler struct {
	Deps
	// base outlives single requests; the scheduler loop runs under it.
	base context.Context
}

func NewHandler(base context.Context, d Deps) *Handler {
	if d.ContactsLimit <= 0 {
		d.ContactsLimit = 100
	}
	return &Handler{Deps: d, base: base}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	p, err := h.Policy.Policy(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	st := h.Limiter.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"ready":             h.Channel.IsReady(),
		"dailyMessageCount": st.DailyCount,
		"dailyMessageLimit": p.DailyLimit,
		"lastResetDate":     st.LastResetDate,
		"scheduler":         h.Scheduler.Status(),
	})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Scheduler.Status())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Start(h.base)
	writeJSON(w, http.StatusOK, h.Scheduler.Status())
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Stop()
	writeJSON(w, http.StatusOK, h.Scheduler.Status())
}

func (h *Handler) ListScheduled(w http.ResponseWriter, r *http.Request) {
	items, err := h.Jobs.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "items": items})
}

func (h *Handler) GetScheduled(w http.ResponseWriter, r *http.Request) {
	job, err := h.Jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})
}

func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req jobs.ScheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := h.Jobs.Schedule(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "jobId": job.ID, "job": job})
}

func (h *Handler) CancelScheduled(w http.ResponseWriter, r *http.Request) {
	if err := h.Jobs.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) RetryScheduled(w http.ResponseWriter, r *http.Request) {
	job, err := h.Jobs.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})
}

func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	n, err := h.Jobs.ClearHistory(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": n})
}

// SendNow blocks until the whole batch is done, pacing delays included.
func (h *Handler) SendNow(w http.ResponseWriter, r *http.Request) {
	var req jobs.SendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	results, err := h.Jobs.SendNow(r.Context(), req)
	if err != nil {
		status, msg := errorStatus(err)
		body := map[string]any{"success": false, "error": msg}
		if len(results) > 0 {
			body["results"] = results
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"results": results,
		"stats":   model.Summarize(results),
	})
}

func (h *Handler) ListMessageSets(w http.ResponseWriter, r *http.Request) {
	sets, err := h.Jobs.ListMessageSets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "items": sets})
}

func (h *Handler) GetMessageSet(w http.ResponseWriter, r *http.Request) {
	set, err := h.Jobs.GetMessageSet(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "set": set})
}

func (h *Handler) SaveMessageSet(w http.ResponseWriter, r *http.Request) {
	var set model.MessageSet
	if !decodeBody(w, r, &set) {
		return
	}
	saved, err := h.Jobs.SaveMessageSet(r.Context(), set)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "set": saved})
}

func (h *Handler) DeleteMessageSet(w http.ResponseWriter, r *http.Request) {
	if err := h.Jobs.DeleteMessageSet(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type settingsBody struct {
	DailyMessageLimit *int                    `json:"dailyMessageLimit,omitempty"`
	MessageDelay      *ratelimit.DelaySetting `json:"messageDelay,omitempty"`
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	p, err := h.Policy.Policy(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"dailyMessageLimit": p.DailyLimit,
		"messageDelay": ratelimit.DelaySetting{
			Min: p.MinDelay.Milliseconds(),
			Max: p.MaxDelay.Milliseconds(),
		},
	})
}

func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body settingsBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.DailyMessageLimit != nil && *body.DailyMessageLimit <= 0 {
		writeError(w, &jobs.ValidationError{Field: "dailyMessageLimit", Reason: "must be > 0"})
		return
	}
	if d := body.MessageDelay; d != nil && (d.Min < 0 || d.Max < d.Min) {
		writeError(w, &jobs.ValidationError{Field: "messageDelay", Reason: "need 0 <= min <= max"})
		return
	}

	ctx := r.Context()
	if body.DailyMessageLimit != nil {
		if err := h.Settings.SetSetting(ctx, ratelimit.SettingDailyLimit, *body.DailyMessageLimit); err != nil {
			writeError(w, err)
			return
		}
	}
	if body.MessageDelay != nil {
		if err := h.Settings.SetSetting(ctx, ratelimit.SettingMessageDelay, *body.MessageDelay); err != nil {
			writeError(w, err)
			return
		}
	}
	slog.Info("settings updated", "daily_limit", body.DailyMessageLimit, "delay", body.MessageDelay)
	h.GetSettings(w, r)
}

func (h *Handler) ListSendLogs(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 100)
	items, err := h.Logs.ListSendLogs(r.Context(), r.URL.Query().Get("recipientId"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "items": items})
}

func (h *Handler) ListContacts(w http.ResponseWriter, r *http.Request) {
	dir, ok := h.Channel.(channel.Directory)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"success": false, "error": "channel cannot list contacts"})
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), h.ContactsLimit)
	if limit <= 0 || limit > h.ContactsLimit {
		limit = h.ContactsLimit
	}
	contacts, err := dir.Contacts(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "items": contacts})
}

// Events streams notifications as server-sent events until the client goes away.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		http.Error(w, "events are disabled", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel := h.Hub.Subscribe(32)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				slog.Warn("encode event", "type", e.Type, "err", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<20))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid json body: " + err.Error()})
		return false
	}
	return true
}

// errorStatus maps domain errors onto HTTP codes.
func errorStatus(err error) (int, string) {
	switch {
	case jobs.IsValidation(err):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, jobs.ErrInvalidState):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ratelimit.ErrDailyLimitExceeded):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, channel.ErrNotReady):
		return http.StatusServiceUnavailable, err.Error()
	}
	return http.StatusInternalServerError, err.Error()
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
