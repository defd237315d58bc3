package files

import (
	"context"
	"sync"
	"time"

	"chunkrelay/internal/logging"
)

// Background runs best-effort tasks off the request path. Tasks have no
// ordering guarantee relative to responses already sent; a dropped task only
// costs a later refresh.
type Background struct {
	tasks   chan bgTask
	timeout time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

type bgTask struct {
	name string
	fn   func(ctx context.Context) error
}

// NewBackground starts one worker draining a queue of size tasks.
func NewBackground(size int, timeout time.Duration) *Background {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b := &Background{
		tasks:   make(chan bgTask, size),
		timeout: timeout,
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *Background) run() {
	defer b.wg.Done()
	for t := range b.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		if err := t.fn(ctx); err != nil {
			logging.Internal.Printf("background task %s failed: %v", t.name, err)
		}
		cancel()
	}
}

// Submit queues fn without blocking. It returns false if the queue is full or
// the runner is closed.
func (b *Background) Submit(name string, fn func(ctx context.Context) error) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.tasks <- bgTask{name: name, fn: fn}:
		return true
	default:
		logging.Internal.Printf("background queue full, dropping task %s", name)
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (b *Background) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.tasks)
		b.mu.Unlock()
	})
	b.wg.Wait()
}
