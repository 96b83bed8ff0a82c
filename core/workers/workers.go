// Package workers provides a keyed worker pool. Tasks submitted with the
// same key run on the same worker in submission order; tasks with different
// keys run in parallel. The hub keys tasks by device UUID, which keeps
// message processing ordered per device without serializing the fleet.
package workers

import (
	"context"
	"hash/fnv"
	"runtime/debug"
	"sync"

	"github.com/edgeberry/devicehub/core/logger"
)

// Task is a unit of work executed on a pool worker.
type Task func(ctx context.Context)

type queuedTask struct {
	ctx context.Context
	fn  Task
}

// Pool is a fixed-size keyed worker pool.
type Pool struct {
	queues []chan queuedTask
	wg     sync.WaitGroup
	mutex  sync.RWMutex
	closed bool
}

// New creates a pool with the given number of workers. Each worker owns a
// queue of the given depth; Submit blocks when the target queue is full.
func New(size, depth int) *Pool {
	if size < 1 {
		size = 1
	}
	if depth < 1 {
		depth = 1
	}
	p := &Pool{queues: make([]chan queuedTask, size)}
	for i := range p.queues {
		p.queues[i] = make(chan queuedTask, depth)
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Submit schedules fn on the worker that owns key. Tasks submitted after
// Shutdown are dropped.
func (p *Pool) Submit(ctx context.Context, key string, fn Task) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if p.closed {
		logger.FromContext(ctx).Warningf("pool is shut down, dropping task for %q", key)
		return
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	p.queues[int(h.Sum32())%len(p.queues)] <- queuedTask{ctx: ctx, fn: fn}
}

// Shutdown stops intake and waits until all queued tasks have run.
func (p *Pool) Shutdown() {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mutex.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	for t := range p.queues[n] {
		// run the task in a panic/recover envelope so one bad message
		// cannot take the worker down
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.FromContext(t.ctx).Errorf("recovered from panic: %s", r)
					debug.PrintStack()
				}
			}()
			t.fn(t.ctx)
		}()
	}
}
