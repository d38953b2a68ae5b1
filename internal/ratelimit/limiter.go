package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

var ErrDailyLimitExceeded = errors.New("daily message limit exceeded")

const dateLayout = "2006-01-02"

// StateStore persists the daily counter between restarts.
type StateStore interface {
	LoadRateState(ctx context.Context) (model.RateState, error)
	SaveRateState(ctx context.Context, st model.RateState) error
}

// Limiter owns the process-wide RateState. Every mutation is written
// through to the store before it returns.
type Limiter struct {
	store StateStore
	now   func() time.Time
	randN func(n int64) int64

	mu    sync.Mutex
	state model.RateState
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithRand replaces the source used by NextDelay; fn must return a value in [0, n).
func WithRand(fn func(n int64) int64) Option {
	return func(l *Limiter) { l.randN = fn }
}

// New loads the persisted state and applies the day rollover.
func New(ctx context.Context, store StateStore, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("rate state store must not be nil")
	}
	l := &Limiter{
		store: store,
		now:   time.Now,
		randN: rand.Int64N,
	}
	for _, o := range opts {
		o(l)
	}

	st, err := store.LoadRateState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rate state: %w", err)
	}
	l.state = st

	if err := l.ResetIfNewDay(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Limiter) today() string {
	return l.now().Format(dateLayout)
}

func (l *Limiter) ResetIfNewDay(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resetLocked(ctx)
}

func (l *Limiter) resetLocked(ctx context.Context) error {
	today := l.today()
	if l.state.LastResetDate == today {
		return nil
	}
	l.state = model.RateState{DailyCount: 0, LastResetDate: today}
	if err := l.store.SaveRateState(ctx, l.state); err != nil {
		return fmt.Errorf("persist rate reset: %w", err)
	}
	slog.Info("daily message count reset", "date", today)
	return nil
}

// CanSend reports whether another message fits under dailyLimit. A counter
// left over from a previous day counts as zero.
func (l *Limiter) CanSend(dailyLimit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.state.DailyCount
	if l.state.LastResetDate != l.today() {
		count = 0
	}
	return count < dailyLimit
}

// RecordSent counts one delivered message and persists the new value.
func (l *Limiter) RecordSent(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.resetLocked(ctx); err != nil {
		return err
	}
	l.state.DailyCount++
	if err := l.store.SaveRateState(ctx, l.state); err != nil {
		return fmt.Errorf("persist daily count: %w", err)
	}
	return nil
}

// NextDelay returns a uniformly random pacing delay in [min, max] with
// millisecond granularity.
func (l *Limiter) NextDelay(min, max time.Duration) time.Duration {
	if max < min {
		min, max = max, min
	}
	lo, hi := min.Milliseconds(), max.Milliseconds()
	if hi <= lo {
		return min
	}
	return time.Duration(lo+l.randN(hi-lo+1)) * time.Millisecond
}

func (l *Limiter) State() model.RateState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LimitError builds the error returned when dailyLimit has been reached.
func LimitError(dailyLimit int) error {
	return fmt.Errorf("%w: limit of %d reached, try again tomorrow", ErrDailyLimitExceeded, dailyLimit)
}
