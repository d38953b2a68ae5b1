// Package notify fans out job status changes and channel lifecycle events to
// observers that must not be coupled to the send engine.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/LeventeLantos/bulk-messaging/internal/channel"
	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

type Event struct {
	Type   string       `json:"type"`
	JobID  string       `json:"jobId,omitempty"`
	Status model.Status `json:"status,omitempty"`
	Stats  *model.Stats `json:"stats,omitempty"`
	Detail string       `json:"detail,omitempty"`
	At     time.Time    `json:"at"`
}

// JobEvent builds the scheduled:<status> notification for a finished job.
func JobEvent(job model.ScheduledJob, stats model.Stats, at time.Time) Event {
	return Event{
		Type:   "scheduled:" + string(job.Status),
		JobID:  job.ID,
		Status: job.Status,
		Stats:  &stats,
		At:     at,
	}
}

func ChannelEvent(e channel.Event, at time.Time) Event {
	return Event{Type: string(e.Type), Detail: e.Detail, At: at}
}

type Observer interface {
	Notify(ctx context.Context, e Event) error
}

type ObserverFunc func(ctx context.Context, e Event) error

func (f ObserverFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Hub delivers every event to registered observers synchronously and to
// subscribers through buffered channels. A full subscriber drops the event.
type Hub struct {
	mu        sync.RWMutex
	observers []Observer
	subs      map[uint64]chan Event
	next      uint64
}

func NewHub(observers ...Observer) *Hub {
	return &Hub{
		observers: observers,
		subs:      make(map[uint64]chan Event),
	}
}

func (h *Hub) Register(o Observer) {
	h.mu.Lock()
	h.observers = append(h.observers, o)
	h.mu.Unlock()
}

func (h *Hub) Publish(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, o := range h.observers {
		if err := o.Notify(ctx, e); err != nil {
			slog.Warn("observer failed", "event", e.Type, "err", err)
		}
	}
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			slog.Warn("subscriber blocked, dropping event", "event", e.Type)
		}
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// ChannelSink adapts the hub to a channel lifecycle callback.
func (h *Hub) ChannelSink() func(channel.Event) {
	return func(e channel.Event) {
		h.Publish(context.Background(), ChannelEvent(e, time.Now()))
	}
}
