package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned when an instance task is handed to a closed pool.
var ErrPoolClosed = errors.New("instance pool is closed")

// PoolStats is a snapshot of the pool's instance task counters.
type PoolStats struct {
	Running  int64 `json:"running"`
	Finished int64 `json:"finished"`
	Failed   int64 `json:"failed"`
	Panicked int64 `json:"panicked"`
}

// InstancePool bounds how many workflow instances run at once. Start hands
// the pool one task per instance; when every slot is busy, further starts
// block until a running instance finishes.
type InstancePool struct {
	slots chan struct{}
	wg    sync.WaitGroup
	done  chan struct{}

	mu     sync.Mutex
	closed bool

	running  atomic.Int64
	finished atomic.Int64
	failed   atomic.Int64
	panicked atomic.Int64
}

// NewInstancePool creates a pool running at most size instances concurrently.
func NewInstancePool(size int) *InstancePool {
	if size <= 0 {
		size = 1
	}
	return &InstancePool{
		slots: make(chan struct{}, size),
		done:  make(chan struct{}),
	}
}

// Run blocks until a slot frees up, then executes fn on its own goroutine.
// The wait honors ctx cancellation; fn receives the same ctx.
func (p *InstancePool) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPoolClosed
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolClosed
	}

	// Shutdown may have landed between the closed check and the slot
	// acquisition. wg.Add stays under the lock so Shutdown's wg.Wait cannot
	// miss a task it should be waiting for.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.running.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panicked.Add(1)
				p.failed.Add(1)
			}
			p.running.Add(-1)
			<-p.slots
			p.wg.Done()
		}()
		if err := fn(ctx); err != nil {
			p.failed.Add(1)
		} else {
			p.finished.Add(1)
		}
	}()
	return nil
}

// Wait blocks until every running instance task returns.
func (p *InstancePool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new tasks and waits for running ones to finish.
func (p *InstancePool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *InstancePool) Stats() PoolStats {
	return PoolStats{
		Running:  p.running.Load(),
		Finished: p.finished.Load(),
		Failed:   p.failed.Load(),
		Panicked: p.panicked.Load(),
	}
}
