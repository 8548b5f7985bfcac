package initsync

import (
	"context"
	"fmt"

	"github.com/shrtyk/initial-sync/api"
)

// apply drains the oplog buffer into the apply function until the stop
// timestamp is reached.
func (s *InitialSyncer) apply(a *attempt) (stage, error) {
	stop := a.stop.OpTime.TS
	seedTS, _ := a.seed.Timestamp("ts")

	for a.lastApplied.OpTime.TS.Less(stop) {
		if err := a.ctx.Err(); err != nil {
			return stageDone, err
		}

		if s.hooks.PauseApplication != nil && s.hooks.PauseApplication() {
			if err := s.exec.Sleep(a.ctx, s.cfg.Timings.ApplierBatchRetryWait); err != nil {
				return stageDone, err
			}
			continue
		}

		res := a.buffer.tryPopBatch(s.cfg.Limits.ApplierBatchSize, stop)
		if len(res.batch) == 0 {
			switch {
			case res.pastStop:
				return stageDone, fmt.Errorf("%w: oplog entry at stop timestamp %s was never fetched",
					api.ErrRemoteResultsUnavailable, stop)
			case res.drained:
				return stageDone, fmt.Errorf("%w: oplog fetcher finished before reaching stop timestamp %s",
					api.ErrRemoteResultsUnavailable, stop)
			}
			if err := s.exec.Sleep(a.ctx, s.cfg.Timings.ApplierBatchRetryWait); err != nil {
				return stageDone, err
			}
			continue
		}

		if err := s.applyBatch(a, res.batch, seedTS); err != nil {
			return stageDone, err
		}
	}

	a.stopFetcher()
	return stageFinalRollbackID, nil
}

// writeOplogBatch validates the batch and writes it to the local oplog. The
// seed entry was inserted when local state was reset and is left out.
func (s *InitialSyncer) writeOplogBatch(a *attempt, batch []*api.OplogEntry, seedTS api.Timestamp) error {
	toStore := make([]api.Document, 0, len(batch))
	for _, e := range batch {
		if e.Version != api.OplogVersion {
			return fmt.Errorf("%w: oplog entry %s has version %d, expected %d",
				api.ErrBadValue, e.OpTime.TS, e.Version, api.OplogVersion)
		}
		if e.OpTime.TS == seedTS {
			continue
		}
		toStore = append(toStore, e.ToDocument())
	}
	if len(toStore) == 0 {
		return nil
	}

	err := s.workers.Run(a.ctx, "write oplog batch", func(ctx context.Context) error {
		return s.storage.InsertDocuments(ctx, api.OplogNS, toStore)
	})
	if err != nil {
		return fmt.Errorf("failed to write oplog batch: %w", err)
	}
	return nil
}

// applyBatch writes the batch to the local oplog and applies the entries
// after the begin applying timestamp.
func (s *InitialSyncer) applyBatch(a *attempt, batch []*api.OplogEntry, seedTS api.Timestamp) error {
	if err := s.writeOplogBatch(a, batch, seedTS); err != nil {
		return err
	}

	toApply := make([]*api.OplogEntry, 0, len(batch))
	for _, e := range batch {
		if a.beginApplying.OpTime.TS.Less(e.OpTime.TS) {
			toApply = append(toApply, e)
		}
	}
	if len(toApply) == 0 {
		return nil
	}

	last := toApply[len(toApply)-1]
	applied, err := s.applyFn(a.ctx, toApply)
	if err != nil {
		return fmt.Errorf("failed to apply oplog batch: %w", err)
	}
	if applied != last.OpTime {
		return fmt.Errorf("%w: apply function reported %s after a batch ending at %s",
			api.ErrBadValue, applied, last.OpTime)
	}

	a.lastApplied = api.OpTimeAndWallTime{OpTime: applied, WallTime: last.WallTime}
	a.appliedOps += int64(len(toApply))
	ops := a.appliedOps
	s.publish(func(l *liveAttempt) { l.appliedOps = ops })

	consistency := api.Inconsistent
	if !a.lastApplied.OpTime.TS.Less(a.stop.OpTime.TS) {
		consistency = api.Consistent
	}
	s.opts.SetMyLastOptime(a.lastApplied, consistency)
	a.logger.Debug("applied oplog batch",
		"count", len(toApply),
		"last_applied", a.lastApplied.OpTime.String(),
		"consistency", consistency.String(),
	)
	return nil
}
