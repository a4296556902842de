package worker

import (
	"HumanCountServer/logger"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("worker pool closed")

// restartDelay is how long a crashed worker waits before it is restarted.
var restartDelay = time.Second

type job struct {
	run func()
	// fail reports a panic in run back to the submitter.
	fail func(r any)
}

// Pool runs blocking work (inference, rendering) on a fixed number of
// goroutines so request goroutines never do it themselves.
type Pool struct {
	size int
	jobs chan job
	quit chan struct{}

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		size: size,
		jobs: make(chan job, size),
		quit: make(chan struct{}),
	}
}

func (p *Pool) Size() int { return p.size }

func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
}

// Stop lets running jobs finish and then stops every worker. Jobs still
// queued are abandoned; their callers get ErrPoolClosed.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) runWorker(workerID int) {
	var current *job
	defer func() {
		r := recover()
		if r == nil {
			p.wg.Done()
			return
		}
		logger.Log().Error("worker panic, restarting", zap.Int("worker", workerID), zap.Any("panic", r))
		if current != nil && current.fail != nil {
			current.fail(r)
		}
		select {
		case <-p.quit:
			p.wg.Done()
		case <-time.After(restartDelay):
			go p.runWorker(workerID)
		}
	}()
	logger.Log().Debug("worker created", zap.Int("worker", workerID))
	for {
		select {
		case <-p.quit:
			return
		case j := <-p.jobs:
			current = &j
			j.run()
			current = nil
		}
	}
}

func (p *Pool) submit(ctx context.Context, j job) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- j:
		return nil
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

type result[T any] struct {
	val T
	err error
}

// Do runs fn on the pool and waits for its result or for ctx. A panic in fn
// is returned as an error and its worker is restarted. If ctx ends first the job still runs to
// completion and its result is dropped.
func Do[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var zero T
	out := make(chan result[T], 1)
	j := job{
		run: func() {
			v, err := fn()
			out <- result[T]{val: v, err: err}
		},
		fail: func(r any) {
			out <- result[T]{err: fmt.Errorf("job panic: %v", r)}
		},
	}
	if err := p.submit(ctx, j); err != nil {
		return zero, err
	}
	select {
	case r := <-out:
		return r.val, r.err
	case <-p.quit:
		// the job may have been taken just before quit; prefer its result
		select {
		case r := <-out:
			return r.val, r.err
		default:
			return zero, ErrPoolClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
