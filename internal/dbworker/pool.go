// Package dbworker runs storage mutations on a fixed set of worker goroutines.
// Callers submit a request and wait on its result channel.
package dbworker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/shrtyk/initial-sync/pkg/logger"
)

var ErrClosed = errors.New("dbworker: pool is closed")

// Task is a storage mutation executed by a worker.
type Task func(ctx context.Context) error

// request is a task sent to a worker.
type request struct {
	name    string
	ctx     context.Context
	task    Task
	errChan chan error
}

// Pool is safe for concurrent use.
type Pool struct {
	logger *slog.Logger

	mu           sync.RWMutex
	closed       bool
	opChan       chan *request
	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// New starts workers goroutines consuming submitted tasks.
func New(workers int, log *slog.Logger) *Pool {
	workers = max(workers, 1)
	p := &Pool{
		logger:       log,
		opChan:       make(chan *request, workers*2),
		shutdownChan: make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

// Submit queues task and returns the channel its result will be sent on.
// The channel is buffered and receives exactly one value.
func (p *Pool) Submit(ctx context.Context, name string, task Task) <-chan error {
	req := &request{
		name:    name,
		ctx:     ctx,
		task:    task,
		errChan: make(chan error, 1),
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		req.errChan <- ErrClosed
		return req.errChan
	}

	select {
	case p.opChan <- req:
	case <-ctx.Done():
		req.errChan <- ctx.Err()
	}
	return req.errChan
}

// Run submits task and waits for its result. A task that a worker has
// already started is waited for even after ctx is done, so the caller never
// races a storage mutation it gave up on.
func (p *Pool) Run(ctx context.Context, name string, task Task) error {
	return <-p.Submit(ctx, name, task)
}

// Close stops the workers once queued requests are drained.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.shutdownChan)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case req := <-p.opChan:
			p.handle(id, req)
		case <-p.shutdownChan:
			for {
				select {
				case req := <-p.opChan:
					p.handle(id, req)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) handle(id int, req *request) {
	if err := req.ctx.Err(); err != nil {
		req.errChan <- err
		return
	}
	err := req.task(req.ctx)
	if err != nil {
		p.logger.Warn("storage task failed", "task", req.name, "worker", id, logger.ErrAttr(err))
	} else {
		p.logger.Debug("storage task done", "task", req.name, "worker", id)
	}
	req.errChan <- err
}
