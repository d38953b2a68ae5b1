package api

import "net/http"

// Router mounts the API. metrics may be nil.
func Router(h *Handler, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)
	mux.HandleFunc("GET /v1/status", h.Status)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("GET /v1/scheduled", h.ListScheduled)
	mux.HandleFunc("POST /v1/scheduled", h.Schedule)
	mux.HandleFunc("POST /v1/scheduled/clear-history", h.ClearHistory)
	mux.HandleFunc("GET /v1/scheduled/{id}", h.GetScheduled)
	mux.HandleFunc("DELETE /v1/scheduled/{id}", h.CancelScheduled)
	mux.HandleFunc("POST /v1/scheduled/{id}/retry", h.RetryScheduled)

	mux.HandleFunc("POST /v1/send", h.SendNow)

	mux.HandleFunc("GET /v1/message-sets", h.ListMessageSets)
	mux.HandleFunc("POST /v1/message-sets", h.SaveMessageSet)
	mux.HandleFunc("GET /v1/message-sets/{id}", h.GetMessageSet)
	mux.HandleFunc("DELETE /v1/message-sets/{id}", h.DeleteMessageSet)

	mux.HandleFunc("GET /v1/settings", h.GetSettings)
	mux.HandleFunc("PUT /v1/settings", h.UpdateSettings)

	mux.HandleFunc("GET /v1/send-logs", h.ListSendLogs)
	mux.HandleFunc("GET /v1/contacts", h.ListContacts)
	mux.HandleFunc("GET /v1/events", h.Events)

	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("wasched"))
	})

	return mux
}
