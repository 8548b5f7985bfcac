package cbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrOpenState = errors.New("circuit breaker is in open state")
)

type state int

const (
	_ state = iota
	closed
	open
	halfOpen
)

func (s state) String() string {
	switch s {
	case closed:
		return "closed"
	case open:
		return "open"
	case halfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Settings are shared by every breaker of a Set.
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	// IsFailure decides which errors count against the breaker.
	// Nil counts every error.
	IsFailure func(error) bool
}

type CircuitBreaker struct {
	mu    sync.RWMutex
	state state

	consecutiveFailures  int
	consecutiveSuccesses int

	settings    Settings
	nextProbeAt time.Time
}

func NewCircuitBreaker(s Settings) *CircuitBreaker {
	return &CircuitBreaker{
		state:    closed,
		settings: s,
	}
}

type call[Response any] func(context.Context) (Response, error)

// Do runs the given call protected by the circuit breaker.
func Do[Response any](ctx context.Context, cb *CircuitBreaker, req call[Response]) (resp Response, err error) {
	cb.mu.Lock()
	if cb.state == open {
		if time.Now().Before(cb.nextProbeAt) {
			cb.mu.Unlock()
			return resp, ErrOpenState
		}
		cb.state = halfOpen
		cb.consecutiveSuccesses = 0
	}
	cb.mu.Unlock()

	resp, err = req(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && cb.countsAsFailure(err) {
		cb.consecutiveSuccesses = 0
		if cb.state == halfOpen {
			cb.open()
		} else {
			cb.consecutiveFailures++
			if cb.consecutiveFailures >= cb.settings.FailureThreshold {
				cb.open()
			}
		}
		return
	}

	if cb.state == halfOpen {
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.settings.SuccessThreshold {
			cb.reset()
		}
	} else {
		cb.consecutiveFailures = 0
	}

	return
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if cb.settings.IsFailure == nil {
		return true
	}
	return cb.settings.IsFailure(err)
}

func (cb *CircuitBreaker) IsClosed() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == closed || cb.state == halfOpen
}

func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state.String()
}

func (cb *CircuitBreaker) open() {
	cb.state = open
	cb.nextProbeAt = time.Now().Add(cb.settings.ResetTimeout)
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
}

func (cb *CircuitBreaker) reset() {
	cb.state = closed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
}

// Set lazily creates one breaker per key, e.g. per sync source host.
type Set struct {
	mu       sync.Mutex
	settings Settings
	breakers map[string]*CircuitBreaker
}

func NewSet(s Settings) *Set {
	return &Set{
		settings: s,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (s *Set) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(s.settings)
		s.breakers[key] = cb
	}
	return cb
}
