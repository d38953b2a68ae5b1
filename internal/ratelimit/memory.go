package ratelimit

import (
	"context"
	"sync"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

// MemoryStore keeps RateState in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	state model.RateState
	saves int
	err   error
}

func NewMemoryStore(initial model.RateState) *MemoryStore {
	return &MemoryStore{state: initial}
}

func (m *MemoryStore) LoadRateState(ctx context.Context) (model.RateState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *MemoryStore) SaveRateState(ctx context.Context, st model.RateState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.state = st
	m.saves++
	return nil
}

// FailSaves makes subsequent saves return err (nil restores normal behavior).
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *MemoryStore) Saved() (model.RateState, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.saves
}
