package status

import (
	"context"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps the status in process.
type MemoryStore struct {
	mu     sync.RWMutex
	status ImportStatus
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{status: Idle()}
}

func (m *MemoryStore) Get(ctx context.Context) (ImportStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.clone(), nil
}

func (m *MemoryStore) Set(ctx context.Context, s ImportStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s.clone()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, fn func(*ImportStatus)) (ImportStatus, error) {
	if err := ctx.Err(); err != nil {
		return ImportStatus{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.status.clone()
	fn(&next)
	m.status = next
	return next.clone(), nil
}
