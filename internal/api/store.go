package api

import (
	"sync"
)

// DefaultStoreCapacity bounds the number of retained forward results.
const DefaultStoreCapacity = 64

// ResultStore keeps the most recent forward results by id. When full, the
// oldest result is evicted.
type ResultStore struct {
	mu       sync.Mutex
	capacity int
	order    []string
	results  map[string]ForwardResponse
}

func NewResultStore(capacity int) *ResultStore {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}
	return &ResultStore{
		capacity: capacity,
		results:  make(map[string]ForwardResponse),
	}
}

func (s *ResultStore) Put(resp ForwardResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[resp.ID]; !ok {
		s.order = append(s.order, resp.ID)
	}
	s.results[resp.ID] = resp
	for len(s.order) > s.capacity {
		delete(s.results, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *ResultStore) Get(id string) (ForwardResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.results[id]
	return resp, ok
}

func (s *ResultStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[id]; !ok {
		return false
	}
	delete(s.results, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}
