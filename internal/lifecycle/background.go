package lifecycle

import (
	"context"
	"log"
	"runtime/debug"
	"sync"
	"time"
)

// Background runs fire-and-forget work on behalf of request handlers and
// session hooks. Failures and panics are logged, never returned to the
// submitter.
type Background struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewBackground(parent context.Context) *Background {
	ctx, cancel := context.WithCancel(parent)
	return &Background{ctx: ctx, cancel: cancel}
}

// Context is cancelled when Shutdown starts.
func (b *Background) Context() context.Context {
	return b.ctx
}

// Submit runs fn in its own goroutine. It reports false if the runner is
// already shutting down.
func (b *Background) Submit(name string, fn func(ctx context.Context) error) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		log.Printf("[background] dropping %s: shutting down", name)
		return false
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[background] %s panicked: %v\n%s", name, r, debug.Stack())
			}
		}()
		if err := fn(b.ctx); err != nil && b.ctx.Err() == nil {
			log.Printf("[background] %s failed: %v", name, err)
		}
	}()
	return true
}

// Wait blocks until every submitted task has returned.
func (b *Background) Wait() {
	b.wg.Wait()
}

// Shutdown cancels running tasks and waits up to timeout for them to return.
// It reports whether every task finished in time.
func (b *Background) Shutdown(timeout time.Duration) bool {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.Printf("[background] shutdown timed out after %s", timeout)
		return false
	}
}
