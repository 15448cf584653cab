package recovery

import (
	"context"
	"sync"
	"time"
)

type snapshot struct {
	content    string
	capturedAt time.Time
}

// InMemoryStore is the fallback snapshot store used when no DATABASE_URL is
// configured.
type InMemoryStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	byID map[string]snapshot
	now  func() time.Time
}

func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &InMemoryStore{
		ttl:  ttl,
		byID: make(map[string]snapshot),
		now:  time.Now,
	}
}

func (s *InMemoryStore) Save(_ context.Context, taskID, partialContent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[taskID] = snapshot{
		content:    partialContent,
		capturedAt: s.now().UTC(),
	}
	return nil
}

func (s *InMemoryStore) Load(_ context.Context, taskID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.byID[taskID]
	if !ok {
		return "", false, nil
	}
	if s.now().UTC().Sub(snap.capturedAt) > s.ttl {
		delete(s.byID, taskID)
		return "", false, nil
	}
	return snap.content, true, nil
}

func (s *InMemoryStore) Clear(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, taskID)
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
