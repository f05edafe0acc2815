package states

import (
	"context"
	"sync"
)

// MemoryStore — хранилище диалогов в памяти процесса. Используется в
// тестах и в DEV_MODE без Redis.
type MemoryStore struct {
	mu    sync.RWMutex
	flows map[int64]*Flow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flows: map[int64]*Flow{}}
}

func (s *MemoryStore) Get(_ context.Context, userID int64) (*Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[userID]
	if !ok {
		return nil, nil
	}
	cp := Flow{Step: f.Step, Data: map[string]string{}}
	for k, v := range f.Data {
		cp.Data[k] = v
	}
	return &cp, nil
}

func (s *MemoryStore) Set(_ context.Context, userID int64, flow *Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[userID] = flow
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, userID)
	return nil
}
