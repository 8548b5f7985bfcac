package dbworker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shrtyk/initial-sync/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRun(t *testing.T) {
	_, log := logger.NewTestLogger()
	p := New(2, log)
	defer p.Close()

	var n atomic.Int32
	for range 10 {
		require.NoError(t, p.Run(context.Background(), "inc", func(ctx context.Context) error {
			n.Add(1)
			return nil
		}))
	}
	assert.Equal(t, int32(10), n.Load())

	boom := errors.New("boom")
	err := p.Run(context.Background(), "fail", func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestPoolSubmitConcurrent(t *testing.T) {
	_, log := logger.NewTestLogger()
	p := New(4, log)
	defer p.Close()

	var n atomic.Int32
	futures := make([]<-chan error, 0, 20)
	for range 20 {
		futures = append(futures, p.Submit(context.Background(), "inc", func(ctx context.Context) error {
			n.Add(1)
			return nil
		}))
	}
	for _, f := range futures {
		require.NoError(t, <-f)
	}
	assert.Equal(t, int32(20), n.Load())
}

func TestPoolCanceledContext(t *testing.T) {
	_, log := logger.NewTestLogger()
	p := New(1, log)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	err := p.Run(ctx, "noop", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran.Load())
}

func TestPoolRunWaitsForStartedTask(t *testing.T) {
	_, log := logger.NewTestLogger()
	p := New(1, log)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var finished atomic.Bool
	go func() {
		<-started
		cancel()
	}()

	err := p.Run(ctx, "slow write", func(context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, finished.Load())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestPoolClosed(t *testing.T) {
	_, log := logger.NewTestLogger()
	p := New(1, log)
	p.Close()
	p.Close()

	err := p.Run(context.Background(), "noop", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}
