package task

import (
	"context"
	"sync"
	"time"

	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

// Store persists task records. Implementations must be safe for concurrent
// use; per-task write ordering is guaranteed by the caller (one drain loop
// per task).
type Store interface {
	Create(ctx context.Context, t *a2a.Task) error
	Get(ctx context.Context, id string) (*a2a.Task, error)
	UpdateStatus(ctx context.Context, id string, status a2a.TaskStatus) error
	AppendMessage(ctx context.Context, id string, msg a2a.Message) error
	AppendArtifact(ctx context.Context, id string, artifact a2a.Artifact) error
	List(ctx context.Context, f Filter) ([]*a2a.Task, error)
	Close() error
}

// Searcher is implemented by stores that support full-text search over task
// message history.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]*a2a.Task, error)
}

// Locker provides per-task mutual exclusion for resume calls. The returned
// function releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// BlobStore offloads large artifact payloads to external object storage,
// returning a URI for the stored object.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// SpanRecord is one stored tracing span. The tracing collector buffers
// these and flushes them in batches into stores that implement WriteSpans.
type SpanRecord struct {
	ID        string
	TraceID   string
	ParentID  string
	Type      string
	Name      string
	TaskID    string
	StartedAt time.Time
	EndedAt   time.Time
	Status    string
	Attrs     map[string]interface{}
}

// MutexLocker is the in-process Locker: one mutex per key. Sufficient for a
// single instance; multi-instance deployments use RedisLocker.
type MutexLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMutexLocker creates an in-process per-key locker.
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use.
func (l *MutexLocker) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock, nil
}

// Forget drops the mutex for a key (call after the task reaches a terminal
// state to keep the map bounded).
func (l *MutexLocker) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, key)
}
