package pipeline

import (
	"sync"

	"go.uber.org/zap"
)

// executor runs submitted functions one at a time on a dedicated goroutine.
// Submissions never block; the queue is unbounded. Each pipeline owns two of
// these: one for stage work, one for completion callbacks.
type executor struct {
	name   string
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	done chan struct{}
}

func newExecutor(name string, logger *zap.Logger) *executor {
	e := &executor{
		name:   name,
		logger: logger,
		done:   make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

func (e *executor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 && e.closed {
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()
	}
}

// submit queues fn for execution. Returns false if the executor has been
// closed and fn will not run.
func (e *executor) submit(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.queue = append(e.queue, fn)
	e.cond.Signal()
	return true
}

// close drains the remaining queue and stops the worker goroutine.
func (e *executor) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.cond.Signal()
	e.mu.Unlock()
	<-e.done
	e.logger.Debug("executor stopped", zap.String("executor", e.name))
}
