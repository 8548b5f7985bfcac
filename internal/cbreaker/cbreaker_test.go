package cbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fail(ctx context.Context) (int, error)    { return 0, errBoom }
func succeed(ctx context.Context) (int, error) { return 1, nil }

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("opens after threshold failures", func(t *testing.T) {
		cb := NewCircuitBreaker(Settings{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Hour})

		_, err := Do(ctx, cb, fail)
		assert.ErrorIs(t, err, errBoom)
		assert.True(t, cb.IsClosed())

		_, err = Do(ctx, cb, fail)
		assert.ErrorIs(t, err, errBoom)
		assert.False(t, cb.IsClosed())
		assert.Equal(t, "open", cb.State())

		_, err = Do(ctx, cb, succeed)
		assert.ErrorIs(t, err, ErrOpenState)
	})

	t.Run("half-open probe closes on success", func(t *testing.T) {
		cb := NewCircuitBreaker(Settings{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Millisecond})

		_, err := Do(ctx, cb, fail)
		require.ErrorIs(t, err, errBoom)
		time.Sleep(5 * time.Millisecond)

		v, err := Do(ctx, cb, succeed)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		assert.Equal(t, "closed", cb.State())
	})

	t.Run("filtered errors do not count", func(t *testing.T) {
		cb := NewCircuitBreaker(Settings{
			FailureThreshold: 1,
			SuccessThreshold: 1,
			ResetTimeout:     time.Hour,
			IsFailure:        func(err error) bool { return !errors.Is(err, errBoom) },
		})

		for range 3 {
			_, err := Do(ctx, cb, fail)
			assert.ErrorIs(t, err, errBoom)
		}
		assert.True(t, cb.IsClosed())
	})
}

func TestSet(t *testing.T) {
	s := NewSet(Settings{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour})

	a := s.Get("a:1")
	assert.Same(t, a, s.Get("a:1"))
	assert.NotSame(t, a, s.Get("b:1"))

	_, _ = Do(context.Background(), a, fail)
	assert.False(t, s.Get("a:1").IsClosed())
	assert.True(t, s.Get("b:1").IsClosed())
}
