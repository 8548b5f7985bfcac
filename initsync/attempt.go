package initsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shrtyk/initial-sync/api"
	"github.com/shrtyk/initial-sync/pkg/logger"
)

type stage int

const (
	stageChooseSyncSource stage = iota
	stageBaseRollbackID
	stageDefaultBeginFetching
	stageBeginFetching
	stageResetLocalState
	stageBeginApplying
	stageVersionCheck
	stageCloneAndFetch
	stageStopTimestamp
	stageApply
	stageFinalRollbackID
	stageDone
)

func (st stage) String() string {
	switch st {
	case stageChooseSyncSource:
		return "choose sync source"
	case stageBaseRollbackID:
		return "base rollback id"
	case stageDefaultBeginFetching:
		return "default begin fetching"
	case stageBeginFetching:
		return "begin fetching"
	case stageResetLocalState:
		return "reset local state"
	case stageBeginApplying:
		return "begin applying"
	case stageVersionCheck:
		return "version check"
	case stageCloneAndFetch:
		return "clone and fetch"
	case stageStopTimestamp:
		return "stop timestamp"
	case stageApply:
		return "apply"
	case stageFinalRollbackID:
		return "final rollback id"
	case stageDone:
		return "done"
	default:
		return "unknown"
	}
}

// attempt holds everything scoped to one attempt. Only the driver
// goroutine touches it.
type attempt struct {
	num    int
	logger *slog.Logger

	// ctx is canceled with the fetcher error as cause when the fetcher fails.
	ctx    context.Context
	cancel context.CancelCauseFunc

	source   string
	rollback *rollbackChecker

	defaultBeginFetching api.OpTime
	seed                 api.Document
	beginFetching        api.OpTime
	beginApplying        api.OpTimeAndWallTime
	stop                 api.OpTimeAndWallTime
	stopDoc              api.Document
	lastApplied          api.OpTimeAndWallTime
	appliedOps           int64

	buffer       *oplogBuffer
	fetcherDone  chan struct{}
	fetcherErr   error
	cancelFetch  context.CancelFunc
	fetcherEnded bool
}

// runAttempt advances one attempt through every stage. It returns the
// last applied optime on success and the chosen sync source in any case.
func (s *InitialSyncer) runAttempt(ctx context.Context, num int) (api.OpTimeAndWallTime, string, error) {
	actx, cancel := context.WithCancelCause(ctx)
	a := &attempt{
		num:    num,
		logger: s.logger.With(slog.Int("attempt", num+1)),
		ctx:    actx,
		cancel: cancel,
		buffer: newOplogBuffer(),
	}
	defer cancel(nil)
	defer a.stopFetcher()

	s.publish(func(l *liveAttempt) { *l = liveAttempt{} })
	if s.cfg.SyncSource.BlacklistScope == api.BlacklistPerAttempt {
		s.opts.SyncSourceSelector.ClearSyncSourceBlacklist()
	}

	a.logger.Info("starting initial sync attempt")
	for st := stageChooseSyncSource; st != stageDone; {
		if err := actx.Err(); err != nil {
			return api.OpTimeAndWallTime{}, a.source, s.attemptError(ctx, a, err)
		}

		a.logger.Debug("entering stage", "stage", st.String())
		next, err := s.runStage(a, st)
		if err != nil {
			err = s.attemptError(ctx, a, err)
			s.maybeBlacklist(a, err)
			return api.OpTimeAndWallTime{}, a.source, err
		}
		st = next
	}

	a.logger.Info("initial sync attempt succeeded",
		"sync_source", a.source,
		"last_applied", a.lastApplied.OpTime.String(),
		"applied_ops", a.appliedOps,
	)
	return a.lastApplied, a.source, nil
}

func (s *InitialSyncer) runStage(a *attempt, st stage) (stage, error) {
	switch st {
	case stageChooseSyncSource:
		return s.chooseSyncSource(a)
	case stageBaseRollbackID:
		return s.baseRollbackID(a)
	case stageDefaultBeginFetching:
		return s.defaultBeginFetching(a)
	case stageBeginFetching:
		return s.beginFetching(a)
	case stageResetLocalState:
		return s.resetLocalState(a)
	case stageBeginApplying:
		return s.beginApplying(a)
	case stageVersionCheck:
		return s.checkVersion(a)
	case stageCloneAndFetch:
		return s.cloneAndFetch(a)
	case stageStopTimestamp:
		return s.stopTimestamp(a)
	case stageApply:
		return s.apply(a)
	case stageFinalRollbackID:
		return s.finalRollbackID(a)
	default:
		return stageDone, fmt.Errorf("%w: unknown stage %d", api.ErrIllegalOperation, st)
	}
}

// attemptError picks the error that best explains why the attempt stopped.
// Cancellation of the whole run wins, then a failed fetcher.
func (s *InitialSyncer) attemptError(runCtx context.Context, a *attempt, err error) error {
	if runCtx.Err() != nil || errors.Is(err, api.ErrShutdownInProgress) {
		return s.interrupted(err)
	}
	if a.ctx.Err() != nil {
		if cause := context.Cause(a.ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
	}
	return err
}

// maybeBlacklist excludes the sync source after failures it is responsible for.
func (s *InitialSyncer) maybeBlacklist(a *attempt, err error) {
	if a.source == "" {
		return
	}
	if !errors.Is(err, api.ErrUnrecoverableRollback) &&
		!errors.Is(err, api.ErrRemoteResultsUnavailable) &&
		!errors.Is(err, api.ErrInvalidSyncSource) &&
		!api.IsRetriable(err) {
		return
	}
	until := time.Now().Add(s.cfg.SyncSource.BlacklistDuration)
	a.logger.Info("blacklisting sync source", "sync_source", a.source, "until", until, logger.ErrAttr(err))
	s.opts.SyncSourceSelector.BlacklistSyncSource(a.source, until)
}

// publish updates the view of the current attempt seen by Progress.
func (s *InitialSyncer) publish(fn func(*liveAttempt)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.live)
}

func (s *InitialSyncer) chooseSyncSource(a *attempt) (stage, error) {
	maxTries := s.cfg.Limits.ChooseSyncSourceMaxAttempts
	for try := 1; ; try++ {
		if s.hooks.FailWithBadHost != nil && s.hooks.FailWithBadHost() {
			return stageDone, fmt.Errorf("%w: sync source rejected by hook", api.ErrInvalidSyncSource)
		}

		host := s.opts.SyncSourceSelector.ChooseNewSyncSource(s.opts.GetMyLastOptime())
		if host != "" {
			a.source = host
			a.logger = a.logger.With(slog.String("sync_source", host))
			s.publish(func(l *liveAttempt) { l.source = host })
			a.logger.Info("chose sync source")
			return stageBaseRollbackID, nil
		}

		if try >= maxTries {
			return stageDone, fmt.Errorf(
				"%w: no valid sync source found in current replica set to do an initial sync after %d tries",
				api.ErrInitialSyncOplogSourceMissing, try)
		}
		a.logger.Info("no sync source available",
			"try", try,
			"max_tries", maxTries,
			"retry_in", s.cfg.Timings.SyncSourceRetryWait,
		)
		if err := s.exec.Sleep(a.ctx, s.cfg.Timings.SyncSourceRetryWait); err != nil {
			return stageDone, err
		}
	}
}

func (s *InitialSyncer) baseRollbackID(a *attempt) (stage, error) {
	a.rollback = newRollbackChecker(s.runner, a.source)
	rbid, err := a.rollback.reset(a.ctx)
	if err != nil {
		return stageDone, err
	}
	a.logger.Debug("fetched base rollback id", "rbid", rbid)
	return stageDefaultBeginFetching, nil
}

func (s *InitialSyncer) finalRollbackID(a *attempt) (stage, error) {
	rolledBack, err := a.rollback.hasHadRollback(a.ctx)
	if err != nil {
		return stageDone, err
	}
	if rolledBack {
		return stageDone, fmt.Errorf("%w: sync source %s rolled back during initial sync",
			api.ErrUnrecoverableRollback, a.source)
	}
	return stageDone, nil
}
