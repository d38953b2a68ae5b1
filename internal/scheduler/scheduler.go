package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TickFunc is one pass of the polling loop.
type TickFunc func(ctx context.Context) error

// Status is a snapshot of the loop for status endpoints.
type Status struct {
	Running   bool      `json:"running"`
	Interval  string    `json:"interval"`
	Ticks     int64     `json:"ticks"`
	LastTick  time.Time `json:"lastTick,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// Scheduler runs a TickFunc on a fixed interval, with one tick right after
// Start. Ticks never overlap and a panicking tick does not stop the loop.
type Scheduler struct {
	interval time.Duration
	tickFn   TickFunc

	running atomic.Bool
	ticks   atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	statMu   sync.Mutex
	lastTick time.Time
	lastErr  string
}

func New(interval time.Duration, tickFn TickFunc) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	return &Scheduler{
		interval: interval,
		tickFn:   tickFn,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the loop under a context derived from parent. It returns
// false if the loop is already running.
func (s *Scheduler) Start(parent context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		slog.Info("scheduler started", "interval", s.interval.String())

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				slog.Info("scheduler stopping")
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop cancels the loop and waits for an in-progress tick to return.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	slog.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Status() Status {
	s.statMu.Lock()
	defer s.statMu.Unlock()
	return Status{
		Running:   s.running.Load(),
		Interval:  s.interval.String(),
		Ticks:     s.ticks.Load(),
		LastTick:  s.lastTick,
		LastError: s.lastErr,
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	start := time.Now()
	var err error

	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler tick panic recovered", "panic", r)
			err = fmt.Errorf("tick panic: %v", r)
		}
		s.record(start, err)
	}()

	err = s.tickFn(ctx)
	if err != nil && ctx.Err() == nil {
		slog.Error("scheduler tick failed", "err", err)
	}
	slog.Debug("scheduler tick completed", "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) record(at time.Time, err error) {
	s.ticks.Add(1)
	s.statMu.Lock()
	s.lastTick = at
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.statMu.Unlock()
}
