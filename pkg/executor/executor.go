// Package executor is the task-execution substrate initial sync runs on:
// goroutines tied to one cancellable context plus cancellable sleeps.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shrtyk/initial-sync/api"
)

type Executor struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

func New() *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{ctx: ctx, cancel: cancel}
}

// Context is canceled when the executor shuts down.
func (e *Executor) Context() context.Context {
	return e.ctx
}

// Go runs fn on a new goroutine. fn receives a context that is canceled
// when either ctx or the executor is done.
func (e *Executor) Go(ctx context.Context, fn func(ctx context.Context)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return fmt.Errorf("%w: task executor is shut down", api.ErrShutdownInProgress)
	}

	tctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer stop()
		defer cancel()
		fn(tctx)
	}()
	return nil
}

// Sleep waits for d. It returns ErrShutdownInProgress if the executor shuts
// down first and ctx.Err() if ctx is done first.
func (e *Executor) Sleep(ctx context.Context, d time.Duration) error {
	if e.IsShutdown() {
		return fmt.Errorf("%w: task executor is shut down", api.ErrShutdownInProgress)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-e.ctx.Done():
		return fmt.Errorf("%w: task executor is shut down", api.ErrShutdownInProgress)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every running task. Tasks scheduled afterwards are rejected.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	e.shutdown = true
	e.mu.Unlock()
	e.cancel()
}

// Join waits for every task started with Go.
func (e *Executor) Join() {
	e.wg.Wait()
}

func (e *Executor) IsShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdown
}
