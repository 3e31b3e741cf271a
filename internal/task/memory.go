package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

const (
	defaultTerminalCacheSize = 4096
	defaultTerminalCacheTTL  = time.Hour
)

// MemoryStore keeps live tasks in a map and moves terminal tasks into an
// expirable LRU so finished work stays queryable for a while without
// growing without bound.
type MemoryStore struct {
	mu       sync.RWMutex
	live     map[string]*a2a.Task
	order    []string // creation order of live tasks
	terminal *expirable.LRU[string, *a2a.Task]
}

// NewMemoryStore creates the default in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		live:     make(map[string]*a2a.Task),
		terminal: expirable.NewLRU[string, *a2a.Task](defaultTerminalCacheSize, nil, defaultTerminalCacheTTL),
	}
}

func (s *MemoryStore) Create(_ context.Context, t *a2a.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live[t.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := s.terminal.Get(t.ID); ok {
		return ErrAlreadyExists
	}
	s.live[t.ID] = Clone(t)
	s.order = append(s.order, t.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*a2a.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.live[id]; ok {
		return Clone(t), nil
	}
	if t, ok := s.terminal.Get(id); ok {
		return Clone(t), nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status a2a.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.live[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	if status.Message != nil {
		t.History = append(t.History, *status.Message)
	}
	if status.State.Terminal() {
		delete(s.live, id)
		s.removeFromOrder(id)
		s.terminal.Add(id, t)
	}
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, id string, msg a2a.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.live[id]
	if !ok {
		return ErrNotFound
	}
	t.History = append(t.History, msg)
	return nil
}

func (s *MemoryStore) AppendArtifact(_ context.Context, id string, artifact a2a.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.live[id]
	if !ok {
		return ErrNotFound
	}
	t.Artifacts = append(t.Artifacts, artifact)
	return nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*a2a.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*a2a.Task
	for _, id := range s.order {
		if t := s.live[id]; t != nil && f.Matches(t) {
			out = append(out, Clone(t))
		}
	}
	for _, id := range s.terminal.Keys() {
		if t, ok := s.terminal.Get(id); ok && f.Matches(t) {
			out = append(out, Clone(t))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Status.Timestamp > out[j].Status.Timestamp
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) removeFromOrder(id string) {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
