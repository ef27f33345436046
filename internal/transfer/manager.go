package transfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/rescale/chunkup/internal/constants"
)

// Manager bounds how many upload tasks transfer at the same time.
type Manager struct {
	sem    *semaphore.Weighted
	limit  int
	active atomic.Int64
}

// NewManager creates a Manager allowing maxTasks concurrent tasks. Values
// below 1 fall back to the default.
func NewManager(maxTasks int) *Manager {
	if maxTasks < 1 {
		maxTasks = constants.DefaultMaxConcurrentTasks
	}
	return &Manager{sem: semaphore.NewWeighted(int64(maxTasks)), limit: maxTasks}
}

// Acquire blocks until a task slot is free or ctx is done. The returned
// release function gives the slot back and is safe to call more than once.
func (m *Manager) Acquire(ctx context.Context) (func(), error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return m.held(), nil
}

// TryAcquire takes a slot without blocking.
func (m *Manager) TryAcquire() (func(), bool) {
	if !m.sem.TryAcquire(1) {
		return nil, false
	}
	return m.held(), true
}

func (m *Manager) held() func() {
	m.active.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			m.active.Add(-1)
			m.sem.Release(1)
		})
	}
}

// GetStats returns current slot usage.
func (m *Manager) GetStats() ManagerStats {
	active := int(m.active.Load())
	return ManagerStats{Limit: m.limit, Active: active, Available: m.limit - active}
}

// ManagerStats holds statistics about the transfer manager
type ManagerStats struct {
	Limit     int
	Active    int
	Available int
}

func (s ManagerStats) String() string {
	return fmt.Sprintf("Manager[active=%d/%d]", s.Active, s.Limit)
}
