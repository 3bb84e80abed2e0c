package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrPoolSize is returned when a pool cannot be built with the requested size.
var ErrPoolSize = errors.New("worker pool size must be at least 1")

// ErrSkipped is reported for tasks that were never started because the run
// was aborted.
var ErrSkipped = errors.New("task skipped")

// Task is a single unit of work. worker is the id of the pool slot executing
// it, in [0, pool size).
type Task func(ctx context.Context, worker int) error

// PanicError wraps a panic recovered from a task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

type submission struct {
	ctx  context.Context
	task Task
	done func(worker int, err error)
}

// Pool runs tasks on a fixed set of goroutines with stable worker ids.
type Pool struct {
	log      *slog.Logger
	tasks    chan submission
	wg       sync.WaitGroup
	size     int
	stopOnce sync.Once
}

// NewPool starts size workers.
func NewPool(size int, logger *slog.Logger) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrPoolSize, size)
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		log:   logger,
		tasks: make(chan submission, size*2),
		size:  size,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Submit queues t. done is called from the worker goroutine once t returns.
// Submit blocks while the queue is full.
func (p *Pool) Submit(ctx context.Context, t Task, done func(worker int, err error)) {
	p.tasks <- submission{ctx: ctx, task: t, done: done}
}

// Stop waits for queued tasks to finish and terminates the workers.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.tasks)
		p.wg.Wait()
	})
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for s := range p.tasks {
		err := p.run(s.ctx, id, s.task)
		if s.done != nil {
			s.done(id, err)
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, t Task) (err error) {
	if ctx.Err() != nil {
		return ErrSkipped
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", "worker", id, "panic", r)
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return t(ctx, id)
}
