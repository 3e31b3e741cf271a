// Package scheduler serializes workflow dispatches per context. Dispatches
// that share a contextId run one after another in arrival order; independent
// contexts proceed concurrently. Each context carries a bounded wait queue
// with a configurable drop policy for overflow.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
)

// DropPolicy selects which dispatch loses when a context's queue is full.
type DropPolicy string

const (
	// DropOld evicts the oldest queued dispatch to admit the newcomer.
	DropOld DropPolicy = "old"
	// DropNew rejects the incoming dispatch and keeps the queue intact.
	DropNew DropPolicy = "new"
)

// Config bounds the per-context queues.
type Config struct {
	MaxPerContext int        `json:"maxPerContext,omitempty"`
	QueueCap      int        `json:"queueCap,omitempty"`
	Drop          DropPolicy `json:"drop,omitempty"`
}

// DefaultConfig matches the zero-config behavior: strict serialization per
// context with a generous queue and oldest-first eviction.
func DefaultConfig() Config {
	return Config{MaxPerContext: 1, QueueCap: 64, Drop: DropOld}
}

// Scheduler admits dispatches through per-context slots. It is safe for
// concurrent use. Context entries are never removed; like session state,
// the set of live contexts is expected to stay small for one agent.
type Scheduler struct {
	cfg Config

	mu       sync.RWMutex
	contexts map[string]*contextQueue
}

type waiter struct {
	// ready receives exactly one value: nil when the waiter is promoted
	// into a slot, or the drop error when it is evicted.
	ready chan error
}

type contextQueue struct {
	mu      sync.Mutex
	active  int
	waiters []*waiter
}

// New builds a scheduler, filling unset config fields from DefaultConfig.
func New(cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxPerContext <= 0 {
		cfg.MaxPerContext = def.MaxPerContext
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = def.QueueCap
	}
	if cfg.Drop != DropNew {
		cfg.Drop = DropOld
	}
	return &Scheduler{cfg: cfg, contexts: make(map[string]*contextQueue)}
}

// Run executes fn under the context's dispatch slot, blocking in FIFO order
// behind earlier dispatches for the same contextID. An empty contextID means
// the dispatch will mint a fresh context, which nothing can contend with, so
// fn runs immediately. Returns ErrQueueFull or ErrQueueDropped when the
// queue's drop policy rejects the dispatch, or ctx.Err() if the caller gives
// up while queued.
func (s *Scheduler) Run(ctx context.Context, contextID string, fn func() error) error {
	if contextID == "" {
		return fn()
	}
	q := s.queue(contextID)

	q.mu.Lock()
	if q.active < s.cfg.MaxPerContext && len(q.waiters) == 0 {
		q.active++
		q.mu.Unlock()
		defer s.release(q)
		return fn()
	}
	if len(q.waiters) >= s.cfg.QueueCap {
		if s.cfg.Drop == DropNew {
			q.mu.Unlock()
			return ErrQueueFull
		}
		oldest := q.waiters[0]
		q.waiters = q.waiters[1:]
		oldest.ready <- ErrQueueDropped
	}
	w := &waiter{ready: make(chan error, 1)}
	q.waiters = append(q.waiters, w)
	depth := len(q.waiters)
	q.mu.Unlock()

	slog.Debug("dispatch queued", "contextId", contextID, "depth", depth)

	select {
	case err := <-w.ready:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		q.mu.Lock()
		removed := q.removeWaiter(w)
		q.mu.Unlock()
		if !removed {
			// Promoted or evicted between Done and the lock. Consume the
			// signal; a slot handed to us must be handed back.
			if err := <-w.ready; err == nil {
				s.release(q)
			}
		}
		return ctx.Err()
	}

	defer s.release(q)
	return fn()
}

// release frees a slot and promotes the next waiter, if any.
func (s *Scheduler) release(q *contextQueue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active--
	if q.active < s.cfg.MaxPerContext && len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.active++
		next.ready <- nil
	}
}

func (s *Scheduler) queue(contextID string) *contextQueue {
	s.mu.RLock()
	q, ok := s.contexts[contextID]
	s.mu.RUnlock()
	if ok {
		return q
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.contexts[contextID]; ok {
		return q
	}
	q = &contextQueue{}
	s.contexts[contextID] = q
	return q
}

// removeWaiter drops w from the queue. Caller holds q.mu. Returns false if
// w is no longer queued, meaning it was already promoted or evicted.
func (q *contextQueue) removeWaiter(w *waiter) bool {
	for i, cand := range q.waiters {
		if cand == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Stats is a point-in-time occupancy snapshot across all context queues.
type Stats struct {
	Contexts int `json:"contexts"`
	Active   int `json:"active"`
	Queued   int `json:"queued"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Contexts: len(s.contexts)}
	for _, q := range s.contexts {
		q.mu.Lock()
		st.Active += q.active
		st.Queued += len(q.waiters)
		q.mu.Unlock()
	}
	return st
}
