package initsync

import (
	"context"
	"fmt"

	"github.com/shrtyk/initial-sync/api"
	"github.com/shrtyk/initial-sync/pkg/logger"
)

// cloneAndFetch runs the oplog fetcher and the database cloner side by
// side. The fetcher keeps running after the cloner finishes.
func (s *InitialSyncer) cloneAndFetch(a *attempt) (stage, error) {
	if err := s.startFetcher(a); err != nil {
		return stageDone, err
	}

	if s.hooks.BeforeCloning != nil {
		if err := s.hooks.BeforeCloning(a.ctx); err != nil {
			return stageDone, err
		}
	}

	cloner := s.newCloner(api.ClonerParams{
		Source:         a.source,
		Runner:         s.runner,
		Storage:        s.storage,
		Logger:         a.logger,
		BatchSize:      s.cfg.Limits.ClonerBatchSize,
		MaxConcurrency: s.cfg.Limits.ClonerMaxConcurrency,
	})
	s.publish(func(l *liveAttempt) { l.cloner = cloner })

	clonerDone := make(chan error, 1)
	err := s.exec.Go(a.ctx, func(ctx context.Context) {
		clonerDone <- cloner.Run(ctx)
	})
	if err != nil {
		return stageDone, err
	}

	a.logger.Info("cloning databases")
	select {
	case err := <-clonerDone:
		if err != nil {
			return stageDone, fmt.Errorf("database cloner failed: %w", err)
		}
	case <-a.ctx.Done():
		<-clonerDone
		return stageDone, a.ctx.Err()
	}
	a.logger.Info("database cloner finished")

	if s.hooks.AfterCloning != nil {
		if err := s.hooks.AfterCloning(a.ctx); err != nil {
			return stageDone, err
		}
	}
	return stageStopTimestamp, nil
}

// startFetcher tails the sync source oplog into the attempt buffer.
// A fetcher failure cancels the whole attempt with the failure as cause.
func (s *InitialSyncer) startFetcher(a *attempt) error {
	f := s.newFetcher(api.FetcherParams{
		Source:         a.source,
		Runner:         s.runner,
		Selector:       s.opts.SyncSourceSelector,
		Start:          a.beginFetching,
		BaseRollbackID: a.rollback.baseRBID,
		Sink:           a.buffer,
		Logger:         a.logger,
		BatchSize:      s.cfg.Limits.ApplierBatchSize,
	})

	fctx, cancel := context.WithCancel(a.ctx)
	done := make(chan struct{})
	err := s.exec.Go(fctx, func(ctx context.Context) {
		defer close(done)
		err := f.Run(ctx)
		switch {
		case err == nil:
			a.logger.Info("oplog fetcher finished", "fetched", a.buffer.count())
			a.buffer.close()
		case fctx.Err() == nil:
			a.logger.Warn("oplog fetcher failed", logger.ErrAttr(err))
			a.cancel(err)
		}
	})
	if err != nil {
		cancel()
		return err
	}

	a.cancelFetch = cancel
	a.fetcherDone = done
	return nil
}

// stopFetcher cancels the fetcher and waits for it to return.
func (a *attempt) stopFetcher() {
	if a.cancelFetch == nil {
		return
	}
	a.cancelFetch()
	<-a.fetcherDone
	a.cancelFetch = nil
}
