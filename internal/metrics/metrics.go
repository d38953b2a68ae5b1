package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LeventeLantos/bulk-messaging/internal/channel"
	"github.com/LeventeLantos/bulk-messaging/internal/model"
	"github.com/LeventeLantos/bulk-messaging/internal/notify"
)

// Metrics holds the Prometheus collectors of the service on a private registry.
type Metrics struct {
	MessagesSentTotal      *prometheus.CounterVec
	RecipientsFailedTotal  prometheus.Counter
	JobsFinishedTotal      *prometheus.CounterVec
	ChannelReady           prometheus.Gauge
	ChannelEventsTotal     *prometheus.CounterVec
	APIRequestsTotal       *prometheus.CounterVec
	APIRequestDurationSecs *prometheus.HistogramVec

	registry *prometheus.Registry
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wasched_messages_sent_total",
				Help: "Messages delivered to the channel, by message type",
			},
			[]string{"type"},
		),
		RecipientsFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wasched_recipients_failed_total",
				Help: "Recipients whose delivery failed within a batch",
			},
		),
		JobsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wasched_jobs_finished_total",
				Help: "Scheduled jobs executed, by terminal status",
			},
			[]string{"status"},
		),
		ChannelReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wasched_channel_ready",
				Help: "1 when the delivery channel is connected and logged in",
			},
		),
		ChannelEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wasched_channel_events_total",
				Help: "Channel lifecycle events, by event type",
			},
			[]string{"event"},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wasched_api_requests_total",
				Help: "HTTP API requests",
			},
			[]string{"method", "code"},
		),
		APIRequestDurationSecs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wasched_api_request_duration_seconds",
				Help:    "HTTP API request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.RecipientsFailedTotal,
		m.JobsFinishedTotal,
		m.ChannelReady,
		m.ChannelEventsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSecs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TrackDailyCount exposes the current daily counter, read on every scrape.
func (m *Metrics) TrackDailyCount(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "wasched_daily_message_count",
			Help: "Messages sent today and counted against the daily limit",
		},
		func() float64 { return float64(count()) },
	))
}

// MessageSent and RecipientFailed match the batch sender hooks.
func (m *Metrics) MessageSent(_ context.Context, _ string, item model.MessageItem) {
	m.MessagesSentTotal.WithLabelValues(string(item.Kind)).Inc()
}

func (m *Metrics) RecipientFailed(_ context.Context, _ string, _ string) {
	m.RecipientsFailedTotal.Inc()
}

func (m *Metrics) ObserveRequest(method string, code int, seconds float64) {
	m.APIRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.APIRequestDurationSecs.WithLabelValues(method).Observe(seconds)
}

// Notify implements notify.Observer.
func (m *Metrics) Notify(_ context.Context, e notify.Event) error {
	if status, ok := strings.CutPrefix(e.Type, "scheduled:"); ok {
		m.JobsFinishedTotal.WithLabelValues(status).Inc()
		return nil
	}

	m.ChannelEventsTotal.WithLabelValues(e.Type).Inc()
	switch channel.EventType(e.Type) {
	case channel.EventReady:
		m.ChannelReady.Set(1)
	case channel.EventDisconnected, channel.EventAuthFailure:
		m.ChannelReady.Set(0)
	}
	return nil
}
