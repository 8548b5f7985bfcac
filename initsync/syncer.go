package initsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/shrtyk/initial-sync/api"
	"github.com/shrtyk/initial-sync/internal/dbworker"
	"github.com/shrtyk/initial-sync/pkg/executor"
	"github.com/shrtyk/initial-sync/pkg/logger"
)

// Options are the per-instance callbacks into the embedding node.
type Options struct {
	// GetMyLastOptime reads the node's last applied optime.
	GetMyLastOptime func() api.OpTime
	// SetMyLastOptime persists the node's last applied optime.
	SetMyLastOptime func(api.OpTimeAndWallTime, api.DataConsistency)
	// ResetOptimes forgets any optimes inherited from earlier runs.
	ResetOptimes func()
	// SyncSourceSelector picks the peer each attempt syncs from.
	SyncSourceSelector api.SyncSourceSelector
}

// InitialSyncer drives initial sync attempts until one succeeds, all
// allowed attempts fail or it is shut down. It is safe for concurrent use.
type InitialSyncer struct {
	mu    sync.Mutex
	state api.State

	cfg        *api.SyncConfig
	opts       Options
	logger     *slog.Logger
	hooks      api.Hooks
	exec       *executor.Executor
	workers    *dbworker.Pool
	runner     api.CommandRunner
	storage    api.Storage
	markers    api.ConsistencyMarkers
	applyFn    api.MultiApplyFunc
	newCloner  api.ClonerFactory
	newFetcher api.FetcherFactory
	versions   *semver.Constraints

	onCompletion api.OnCompletionFunc
	cancel       context.CancelFunc
	done         chan struct{}

	stats syncStats
	live  liveAttempt
}

var _ api.InitialSyncer = (*InitialSyncer)(nil)

// syncStats accumulate over the whole run.
type syncStats struct {
	syncID         string
	maxAttempts    int
	failedAttempts int
	start          time.Time
	end            time.Time
	attempts       []api.AttemptRecord
}

// liveAttempt is the part of the current attempt visible to Progress.
// The driver publishes into it; nobody else writes it.
type liveAttempt struct {
	source        string
	beginApplying *api.Timestamp
	stop          *api.Timestamp
	appliedOps    int64
	cloner        api.DatabaseCloner
}

// Startup runs initial sync in the background for up to maxAttempts attempts.
func (s *InitialSyncer) Startup(ctx context.Context, maxAttempts int) error {
	s.mu.Lock()
	switch s.state {
	case api.Running:
		s.mu.Unlock()
		return fmt.Errorf("%w: initial syncer already started", api.ErrIllegalOperation)
	case api.ShuttingDown, api.Complete:
		s.mu.Unlock()
		return fmt.Errorf("%w: initial syncer completed", api.ErrShutdownInProgress)
	}

	if s.exec.IsShutdown() {
		s.completeLocked()
		s.mu.Unlock()
		s.workers.Close()
		return fmt.Errorf("%w: task executor is shut down", api.ErrShutdownInProgress)
	}
	if maxAttempts < 1 {
		s.mu.Unlock()
		return fmt.Errorf("%w: maxAttempts must be positive, got %d", api.ErrBadValue, maxAttempts)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.state = api.Running
	s.cancel = cancel
	s.stats = syncStats{
		maxAttempts: maxAttempts,
		start:       time.Now(),
	}
	s.mu.Unlock()

	s.logger.Info("starting initial sync", "max_attempts", maxAttempts)

	if err := s.setUp(ctx); err != nil {
		s.abortStartup()
		return err
	}
	if err := s.exec.Go(runCtx, s.run); err != nil {
		s.abortStartup()
		return err
	}
	return nil
}

// setUp marks initial sync as in progress before the first attempt.
func (s *InitialSyncer) setUp(ctx context.Context) error {
	if err := s.markers.SetInitialSyncFlag(ctx); err != nil {
		return fmt.Errorf("failed to set initial sync flag: %w", err)
	}

	id := uuid.NewString()
	if err := s.markers.SetInitialSyncID(ctx, id); err != nil {
		return fmt.Errorf("failed to set initial sync id: %w", err)
	}

	s.storage.SetInitialDataTimestamp(api.AllowUnstableCheckpointsSentinel)
	s.storage.SetStableTimestamp(api.Timestamp{})
	s.opts.ResetOptimes()

	s.mu.Lock()
	s.stats.syncID = id
	s.mu.Unlock()
	return nil
}

func (s *InitialSyncer) abortStartup() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.completeLocked()
	s.mu.Unlock()
	s.workers.Close()
}

// Shutdown cancels a running sync. A syncer that never started goes
// straight to Complete.
func (s *InitialSyncer) Shutdown() error {
	s.mu.Lock()
	switch s.state {
	case api.PreStart:
		s.completeLocked()
		s.mu.Unlock()
		s.workers.Close()
		return nil
	case api.Running:
		s.logger.Info("shutting down initial sync")
		s.state = api.ShuttingDown
		s.cancel()
	}
	s.mu.Unlock()
	return nil
}

// Join blocks until the syncer is Complete.
func (s *InitialSyncer) Join() {
	<-s.done
}

// IsActive reports whether a sync is running or shutting down.
func (s *InitialSyncer) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == api.Running || s.state == api.ShuttingDown
}

// State returns the lifecycle state.
func (s *InitialSyncer) State() api.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// completeLocked moves to Complete and releases Join waiters.
//
// Assumes the lock is held when called
func (s *InitialSyncer) completeLocked() {
	if s.state == api.Complete {
		return
	}
	s.state = api.Complete
	close(s.done)
}

// run is the driver: one attempt at a time until success, a terminal
// error or the attempt budget is spent.
func (s *InitialSyncer) run(ctx context.Context) {
	var (
		lastApplied api.OpTimeAndWallTime
		err         error
	)

	for num := 0; ; num++ {
		start := time.Now()
		var source string
		lastApplied, source, err = s.runAttempt(ctx, num)
		failed, maxAttempts := s.recordAttempt(start, source, err)
		if err == nil {
			break
		}

		s.logger.Warn("initial sync attempt failed",
			"attempt", num+1,
			"failed_attempts", failed,
			"max_attempts", maxAttempts,
			"sync_source", source,
			logger.ErrAttr(err),
		)

		if errors.Is(err, api.ErrCallbackCanceled) || errors.Is(err, api.ErrShutdownInProgress) {
			break
		}
		if failed >= maxAttempts {
			s.logger.Error("initial sync attempts exhausted", "attempts", failed)
			break
		}

		s.opts.ResetOptimes()
		if werr := s.exec.Sleep(ctx, s.cfg.Timings.InitialSyncRetryWait); werr != nil {
			err = s.interrupted(werr)
			break
		}
	}

	s.finish(ctx, lastApplied, err)
}

// recordAttempt appends the attempt record and returns the failure counters.
func (s *InitialSyncer) recordAttempt(start time.Time, source string, err error) (failed, maxAttempts int) {
	status := "OK"
	if err != nil {
		status = err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.attempts = append(s.stats.attempts, api.AttemptRecord{
		Status:         status,
		DurationMillis: time.Since(start).Milliseconds(),
		SyncSource:     source,
	})
	if err != nil {
		s.stats.failedAttempts++
	}
	return s.stats.failedAttempts, s.stats.maxAttempts
}

// finish is the single exit of a run: tear down on success, deliver the
// result exactly once and move to Complete.
func (s *InitialSyncer) finish(ctx context.Context, lastApplied api.OpTimeAndWallTime, err error) {
	if err == nil {
		err = s.tearDown(context.WithoutCancel(ctx), lastApplied)
	}
	if err != nil {
		lastApplied = api.OpTimeAndWallTime{}
		s.logger.Error("initial sync failed", logger.ErrAttr(err))
	} else {
		s.logger.Info("initial sync done", "last_applied", lastApplied.OpTime.String())
	}

	s.mu.Lock()
	s.stats.end = time.Now()
	cb := s.onCompletion
	s.onCompletion = nil
	s.mu.Unlock()

	s.invokeCallback(cb, lastApplied, err)

	s.mu.Lock()
	s.completeLocked()
	s.mu.Unlock()
	s.workers.Close()
}

// tearDown records the consistent point reached and clears the in-progress flag.
func (s *InitialSyncer) tearDown(ctx context.Context, lastApplied api.OpTimeAndWallTime) error {
	s.storage.SetInitialDataTimestamp(lastApplied.OpTime.TS)
	if err := s.markers.ClearInitialSyncFlag(ctx); err != nil {
		return fmt.Errorf("failed to clear initial sync flag: %w", err)
	}
	return nil
}

func (s *InitialSyncer) invokeCallback(cb api.OnCompletionFunc, lastApplied api.OpTimeAndWallTime, err error) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("initial sync completion callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	cb(lastApplied, err)
}

// interrupted maps a cancellation to the terminal error of the run.
func (s *InitialSyncer) interrupted(cause error) error {
	if errors.Is(cause, api.ErrShutdownInProgress) || s.exec.IsShutdown() {
		return fmt.Errorf("%w: task executor is shut down", api.ErrShutdownInProgress)
	}
	return fmt.Errorf("%w: initial syncer is shutting down", api.ErrCallbackCanceled)
}
