package kvstore

import "sync"

// MemStore keeps entries in memory. Used in tests and for throwaway runs.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]bool
}

func NewMemStore() *MemStore { return &MemStore{data: make(map[string]bool)} }

func (s *MemStore) GetBool(key string, def bool) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return def, nil
	}
	return v, nil
}

func (s *MemStore) SetBool(key string, v bool) error {
	s.mu.Lock()
	s.data[key] = v
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Remove(key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	return out, nil
}

func (s *MemStore) Close() error { return nil }
