// Package bus provides per-task event buses: ordered publish/subscribe
// channels that stream task updates to connected protocol clients.
package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

// subscriber channel capacity. Slow consumers past this depth lose events
// (dropped with a warning) rather than stalling the drain loop.
const subscriberBuffer = 64

// TaskBus is the event stream for a single task. Events are delivered to
// every subscriber in publish order. Publishing never blocks.
type TaskBus struct {
	taskID string

	mu       sync.RWMutex
	subs     map[string]chan Envelope
	seq      int64
	finished bool
}

// Envelope wraps a published event with its per-task sequence number.
type Envelope struct {
	Seq   int64
	Event a2a.Event
}

func newTaskBus(taskID string) *TaskBus {
	return &TaskBus{
		taskID: taskID,
		subs:   make(map[string]chan Envelope),
	}
}

// TaskID returns the task this bus belongs to.
func (b *TaskBus) TaskID() string { return b.taskID }

// Publish delivers an event to all current subscribers in order.
// After MarkFinished, publishes are dropped.
func (b *TaskBus) Publish(ev a2a.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		slog.Warn("bus: publish after finish dropped", "task", b.taskID, "kind", ev.EventKind())
		return
	}

	b.seq++
	env := Envelope{Seq: b.seq, Event: ev}
	for id, ch := range b.subs {
		select {
		case ch <- env:
		default:
			slog.Warn("bus: subscriber lagging, event dropped",
				"task", b.taskID, "subscriber", id, "seq", b.seq)
		}
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
// The channel is closed when the bus finishes or Unsubscribe is called.
func (b *TaskBus) Subscribe() (string, <-chan Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan Envelope, subscriberBuffer)
	if b.finished {
		close(ch)
		return id, ch
	}
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *TaskBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Finished reports whether the bus has been finalized.
func (b *TaskBus) Finished() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.finished
}

// SubscriberCount returns the number of live subscribers.
func (b *TaskBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// MarkFinished finalizes the bus: all subscriber channels are closed and
// further publishes are dropped.
func (b *TaskBus) MarkFinished() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	b.finished = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Manager owns one TaskBus per live task.
type Manager struct {
	mu    sync.RWMutex
	buses map[string]*TaskBus
}

// NewManager creates an empty bus manager.
func NewManager() *Manager {
	return &Manager{buses: make(map[string]*TaskBus)}
}

// Bus returns the bus for a task, creating it on first use.
func (m *Manager) Bus(taskID string) *TaskBus {
	m.mu.RLock()
	b, ok := m.buses[taskID]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buses[taskID]; ok {
		return b
	}
	b = newTaskBus(taskID)
	m.buses[taskID] = b
	return b
}

// Get returns the bus for a task if one exists.
func (m *Manager) Get(taskID string) (*TaskBus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buses[taskID]
	return b, ok
}

// Finish finalizes and removes the bus for a task. Reconnecting clients
// read terminal snapshots from the task store instead.
func (m *Manager) Finish(taskID string) {
	m.mu.Lock()
	b, ok := m.buses[taskID]
	delete(m.buses, taskID)
	m.mu.Unlock()
	if ok {
		b.MarkFinished()
	}
}

// Len returns the number of live buses.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buses)
}
