package pipeline

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// defaultQueueCap bounds pending turns per conversation. A sender who
// bursts past this while a turn is in flight loses the overflow.
const defaultQueueCap = 16

// Task is one unit of per-conversation work.
type Task func(ctx context.Context)

// Serializer runs tasks strictly in FIFO order within a key while
// different keys proceed in parallel. At most one task per key is in
// flight at any moment. Queues are created lazily on first enqueue and
// reclaimed as soon as they drain, so idle conversations cost nothing.
type Serializer struct {
	mu       sync.Mutex
	queues   map[string]*keyQueue
	queueCap int
	wg       sync.WaitGroup
	closed   bool
}

type keyQueue struct {
	pending []Task
}

// NewSerializer creates a serializer with the given per-key queue
// bound (0 uses the default of 16).
func NewSerializer(queueCap int) *Serializer {
	if queueCap <= 0 {
		queueCap = defaultQueueCap
	}
	return &Serializer{
		queues:   make(map[string]*keyQueue),
		queueCap: queueCap,
	}
}

// Enqueue schedules task on key's queue. Returns false when the queue
// is full or the serializer is shutting down; the task is dropped.
func (s *Serializer) Enqueue(ctx context.Context, key string, task Task) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	q, ok := s.queues[key]
	if !ok {
		q = &keyQueue{}
		s.queues[key] = q
		q.pending = append(q.pending, task)
		s.wg.Add(1)
		go s.drain(ctx, key, q)
		s.mu.Unlock()
		return true
	}

	if len(q.pending) >= s.queueCap {
		s.mu.Unlock()
		slog.Warn("conversation queue full, dropping turn", "key", key, "cap", s.queueCap)
		return false
	}
	q.pending = append(q.pending, task)
	s.mu.Unlock()
	return true
}

// drain owns key's queue: it pulls tasks one at a time until the queue
// empties, then removes the map entry and exits. Single ownership is
// what guarantees at most one in-flight task per key.
func (s *Serializer) drain(ctx context.Context, key string, q *keyQueue) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(q.pending) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending = q.pending[1:]
		s.mu.Unlock()

		s.run(ctx, key, task)
	}
}

// run executes one task, containing any panic so the key's slot is
// released and later turns still process.
func (s *Serializer) run(ctx context.Context, key string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("turn panicked", "key", key, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(ctx)
}

// Pending reports how many tasks are queued (not yet started) for key.
func (s *Serializer) Pending(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[key]; ok {
		return len(q.pending)
	}
	return 0
}

// Close stops accepting work and waits up to grace for in-flight and
// queued tasks to finish. Returns true when everything drained.
func (s *Serializer) Close(grace time.Duration) bool {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		slog.Warn("shutdown grace expired with turns still in flight")
		return false
	}
}
