package store

import (
	"context"
	"sort"
	"sync"

	"marketplace-chat/internal/channel"
	"marketplace-chat/internal/conversation"
	"marketplace-chat/internal/models"
)

// MemoryStore keeps conversation logs in process. Each log is kept in
// non-decreasing timestamp order; listeners see appends in append order.
type MemoryStore struct {
	mu        sync.Mutex
	logs      map[string][]models.Message
	listeners map[string]map[uint64]func(models.Message)
	nextID    uint64
	closed    bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:      make(map[string][]models.Message),
		listeners: make(map[string]map[uint64]func(models.Message)),
	}
}

// Append inserts msg after every message with the same or an earlier timestamp.
func (s *MemoryStore) Append(ctx context.Context, path string, msg models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	log := s.logs[path]
	idx := sort.Search(len(log), func(i int) bool { return log[i].Timestamp > msg.Timestamp })
	log = append(log, models.Message{})
	copy(log[idx+1:], log[idx:])
	log[idx] = msg
	s.logs[path] = log

	for _, onAdd := range s.listeners[path] {
		onAdd(msg)
	}
	return nil
}

// SubscribeOrdered replays the log and registers onAdd under one lock, so no
// append can fall between replay and registration.
func (s *MemoryStore) SubscribeOrdered(ctx context.Context, path string, onAdd func(models.Message)) (channel.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	for _, msg := range s.logs[path] {
		onAdd(msg)
	}

	s.nextID++
	id := s.nextID
	if _, ok := s.listeners[path]; !ok {
		s.listeners[path] = make(map[uint64]func(models.Message))
	}
	s.listeners[path][id] = onAdd

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if ls, ok := s.listeners[path]; ok {
				delete(ls, id)
				if len(ls) == 0 {
					delete(s.listeners, path)
				}
			}
		})
	}, nil
}

// History returns a copy of the log at path.
func (s *MemoryStore) History(ctx context.Context, path string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]models.Message, len(s.logs[path]))
	copy(out, s.logs[path])
	return out, nil
}

// Conversations summarizes the non-empty logs participantID takes part in.
func (s *MemoryStore) Conversations(ctx context.Context, participantID string) ([]channel.LogSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []channel.LogSummary
	for path, log := range s.logs {
		if len(log) == 0 {
			continue
		}
		key, ok := conversation.KeyFromPath(path)
		if !ok {
			continue
		}
		if _, ok := conversation.Counterpart(key, participantID); !ok {
			continue
		}
		out = append(out, channel.LogSummary{
			Path:          path,
			LastTimestamp: log[len(log)-1].Timestamp,
			Count:         int64(len(log)),
		})
	}
	return out, nil
}

// ListenerCount reports the live listeners on path.
func (s *MemoryStore) ListenerCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[path])
}

// Close drops every listener and rejects further operations.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.listeners = make(map[string]map[uint64]func(models.Message))
	return nil
}
