// Package tasks provides a bounded async task limiter used to decouple
// best-effort background writes (rule success statistics) from request
// workers.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Task is a unit of background work. The context carries the per-task
// timeout.
type Task func(ctx context.Context)

// Limiter runs tasks on a fixed worker pool behind a bounded queue. Enqueue
// never blocks: a task submitted under a key that is already pending replaces
// the pending one (newest wins), and when the queue is full the oldest
// pending task is dropped. Statistics are best-effort.
type Limiter struct {
	mu      sync.Mutex
	pending map[string]Task
	order   []string
	dropped int64

	maxQueue    int
	taskTimeout time.Duration

	notify  chan struct{}
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewLimiter creates a limiter with the given worker count and queue bound
// and starts its workers.
func NewLimiter(workers, maxQueue int, taskTimeout time.Duration) *Limiter {
	if workers <= 0 {
		workers = 1
	}
	if maxQueue <= 0 {
		maxQueue = 100
	}
	if taskTimeout <= 0 {
		taskTimeout = 2 * time.Second
	}
	l := &Limiter{
		pending:     make(map[string]Task),
		maxQueue:    maxQueue,
		taskTimeout: taskTimeout,
		notify:      make(chan struct{}, maxQueue),
		stopCh:      make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return l
}

// Submit enqueues a task under a coalescing key. Returns false when an older
// pending task had to be dropped to make room.
func (l *Limiter) Submit(key string, task Task) bool {
	l.mu.Lock()
	if _, exists := l.pending[key]; exists {
		// Same key already queued: the newer work wins, queue position kept.
		l.pending[key] = task
		l.mu.Unlock()
		return true
	}

	dropped := false
	if len(l.order) >= l.maxQueue {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.pending, oldest)
		l.dropped++
		dropped = true
	}
	l.pending[key] = task
	l.order = append(l.order, key)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return !dropped
}

// Pending returns the queued task count.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// Dropped returns how many tasks have been discarded under pressure.
func (l *Limiter) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Stop terminates the workers after the current tasks finish. Queued but
// unstarted tasks are discarded.
func (l *Limiter) Stop() {
	l.stopped.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

func (l *Limiter) worker() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopCh:
			return
		case <-l.notify:
			for {
				task, ok := l.pop()
				if !ok {
					break
				}
				l.run(task)
			}
		}
	}
}

func (l *Limiter) pop() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.order) == 0 {
		return nil, false
	}
	key := l.order[0]
	l.order = l.order[1:]
	task := l.pending[key]
	delete(l.pending, key)
	return task, true
}

func (l *Limiter) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Background task panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), l.taskTimeout)
	defer cancel()
	task(ctx)
}
