package initsync

import (
	"context"
	"fmt"

	"github.com/shrtyk/initial-sync/api"
	"github.com/shrtyk/initial-sync/internal/retry"
)

// runRetriable sends cmd and resends it on transient transport failures.
func (s *InitialSyncer) runRetriable(a *attempt, cmd api.Command, maxAttempts int) (api.Document, error) {
	var reply api.Document
	err := retry.Do(a.ctx, func(ctx context.Context) error {
		var err error
		reply, err = s.runner.RunCommand(ctx, a.source, cmd)
		return err
	},
		retry.WithMaxAttempts(maxAttempts),
		retry.WithBaseDelay(s.cfg.Timings.RetryBaseDelay),
		retry.WithRetryIf(api.IsRetriable),
		retry.WithOnRetry(func(n int, err error) {
			a.logger.Info("resending command after transient failure",
				"command", cmd.Name,
				"db", cmd.DB,
				"resend", n,
				"error", err.Error(),
			)
		}),
	)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// lastOplogEntry reads the newest entry of the sync source oplog.
func (s *InitialSyncer) lastOplogEntry(a *attempt) (api.OpTimeAndWallTime, api.Document, error) {
	cmd := api.NewCommand(api.LocalDB, "find", api.OplogCollection, api.Document{
		"sort":  api.Document{"$natural": -1},
		"limit": 1,
	})
	reply, err := s.runRetriable(a, cmd, s.cfg.Limits.LastOplogEntryFetcherMaxAttempts)
	if err != nil {
		return api.OpTimeAndWallTime{}, nil, fmt.Errorf("failed to fetch last oplog entry: %w", err)
	}
	return parseLastOplogEntry(reply)
}

func parseLastOplogEntry(reply api.Document) (api.OpTimeAndWallTime, api.Document, error) {
	cur, err := api.ParseCursorReply(reply)
	if err != nil {
		return api.OpTimeAndWallTime{}, nil, fmt.Errorf("failed to fetch last oplog entry: %w", err)
	}
	if len(cur.Batch) == 0 {
		return api.OpTimeAndWallTime{}, nil, fmt.Errorf("%w: sync source oplog is empty", api.ErrNoMatchingDocument)
	}

	doc := cur.Batch[0]
	ts, err := doc.Timestamp("ts")
	if err != nil {
		return api.OpTimeAndWallTime{}, nil, fmt.Errorf("invalid last oplog entry: %w", err)
	}
	out := api.OpTimeAndWallTime{OpTime: api.OpTime{TS: ts, Term: api.UninitializedTerm}}
	if doc.Has("t") {
		if out.OpTime.Term, err = doc.Int64("t"); err != nil {
			return api.OpTimeAndWallTime{}, nil, fmt.Errorf("invalid last oplog entry: %w", err)
		}
	}
	if doc.Has("wall") {
		if out.WallTime, err = doc.Time("wall"); err != nil {
			return api.OpTimeAndWallTime{}, nil, fmt.Errorf("invalid last oplog entry: %w", err)
		}
	}
	return out, doc, nil
}

func (s *InitialSyncer) defaultBeginFetching(a *attempt) (stage, error) {
	last, doc, err := s.lastOplogEntry(a)
	if err != nil {
		return stageDone, err
	}
	a.defaultBeginFetching = last.OpTime
	a.seed = doc
	a.logger.Debug("resolved default begin fetching optime", "optime", last.OpTime.String())
	return stageBeginFetching, nil
}

// beginFetching starts tailing at the oldest active transaction so its
// earlier entries are not missed, or at the last entry when there is none.
func (s *InitialSyncer) beginFetching(a *attempt) (stage, error) {
	cmd := api.NewCommand("config", "find", "transactions", api.Document{
		"filter":      api.Document{"startOpTime": api.Document{"$exists": true}},
		"sort":        api.Document{"startOpTime": 1},
		"limit":       1,
		"readConcern": api.Document{"level": "majority"},
	})
	reply, err := s.runner.RunCommand(a.ctx, a.source, cmd)
	if err != nil {
		return stageDone, fmt.Errorf("failed to read transactions table: %w", err)
	}
	cur, err := api.ParseCursorReply(reply)
	if err != nil {
		return stageDone, fmt.Errorf("failed to read transactions table: %w", err)
	}

	a.beginFetching = a.defaultBeginFetching
	if len(cur.Batch) > 0 {
		start, err := cur.Batch[0].OpTime("startOpTime")
		if err != nil {
			return stageDone, fmt.Errorf("invalid transactions table entry: %w", err)
		}
		if start.Less(a.beginFetching) {
			a.beginFetching = start
		}
	}
	a.logger.Debug("resolved begin fetching optime", "optime", a.beginFetching.String())
	return stageResetLocalState, nil
}

// resetLocalState wipes replicated data and seeds the local oplog with the
// entry that marks the sync boundary.
func (s *InitialSyncer) resetLocalState(a *attempt) (stage, error) {
	err := s.workers.Run(a.ctx, "reset local state", func(ctx context.Context) error {
		if err := s.storage.CreateOplog(ctx); err != nil {
			return fmt.Errorf("failed to create oplog: %w", err)
		}
		if err := s.storage.TruncateOplog(ctx); err != nil {
			return fmt.Errorf("failed to truncate oplog: %w", err)
		}
		if err := s.storage.DropReplicatedDatabases(ctx); err != nil {
			return fmt.Errorf("failed to drop replicated databases: %w", err)
		}
		if err := s.storage.InsertDocument(ctx, api.OplogNS, a.seed); err != nil {
			return fmt.Errorf("failed to insert oplog seed: %w", err)
		}
		return nil
	})
	if err != nil {
		return stageDone, err
	}
	return stageBeginApplying, nil
}

func (s *InitialSyncer) beginApplying(a *attempt) (stage, error) {
	last, _, err := s.lastOplogEntry(a)
	if err != nil {
		return stageDone, err
	}
	if last.OpTime.TS.Less(a.beginFetching.TS) {
		return stageDone, fmt.Errorf("%w: begin applying %s precedes begin fetching %s",
			api.ErrOplogOutOfOrder, last.OpTime.TS, a.beginFetching.TS)
	}

	a.beginApplying = last
	a.lastApplied = last
	ts := last.OpTime.TS
	s.publish(func(l *liveAttempt) { l.beginApplying = &ts })
	a.logger.Info("resolved begin applying timestamp", "ts", ts.String())
	return stageVersionCheck, nil
}

func (s *InitialSyncer) stopTimestamp(a *attempt) (stage, error) {
	last, doc, err := s.lastOplogEntry(a)
	if err != nil {
		return stageDone, err
	}
	if last.OpTime.TS.Less(a.beginApplying.OpTime.TS) {
		return stageDone, fmt.Errorf("%w: stop timestamp %s precedes begin applying %s",
			api.ErrOplogOutOfOrder, last.OpTime.TS, a.beginApplying.OpTime.TS)
	}

	a.stop = last
	a.stopDoc = doc
	ts := last.OpTime.TS
	s.publish(func(l *liveAttempt) { l.stop = &ts })
	a.logger.Info("resolved stop timestamp", "ts", ts.String())

	lastPushed, _, closed := a.buffer.state()
	if closed && lastPushed.TS.Less(ts) {
		return stageDone, fmt.Errorf("%w: oplog fetcher finished at %s before stop timestamp %s",
			api.ErrRemoteResultsUnavailable, lastPushed.TS, ts)
	}

	if ts == a.beginApplying.OpTime.TS {
		return s.skipApplication(a)
	}
	return stageApply, nil
}

// skipApplication handles a sync source that took no writes while cloning:
// the stop entry becomes the last applied one. Entries fetched up to the
// stop timestamp still belong in the local oplog.
func (s *InitialSyncer) skipApplication(a *attempt) (stage, error) {
	seedTS, _ := a.seed.Timestamp("ts")
	reachedStop, err := s.writeThroughStop(a, seedTS)
	if err != nil {
		return stageDone, err
	}
	a.stopFetcher()

	if !reachedStop && seedTS != a.stop.OpTime.TS {
		err := s.workers.Run(a.ctx, "insert stop entry", func(ctx context.Context) error {
			return s.storage.InsertDocument(ctx, api.OplogNS, a.stopDoc)
		})
		if err != nil {
			return stageDone, fmt.Errorf("failed to insert stop oplog entry: %w", err)
		}
	}

	a.lastApplied = a.stop
	s.opts.SetMyLastOptime(a.lastApplied, api.Consistent)
	a.logger.Info("no oplog entries to apply", "stop", a.stop.OpTime.String())
	return stageFinalRollbackID, nil
}

// writeThroughStop drains buffered entries up to the stop timestamp into the
// local oplog. It reports whether the stop entry came out of the buffer.
func (s *InitialSyncer) writeThroughStop(a *attempt, seedTS api.Timestamp) (bool, error) {
	stop := a.stop.OpTime.TS
	for {
		if err := a.ctx.Err(); err != nil {
			return false, err
		}

		res := a.buffer.tryPopBatch(s.cfg.Limits.ApplierBatchSize, stop)
		if len(res.batch) == 0 {
			if res.pastStop || res.drained {
				return false, nil
			}
			if err := s.exec.Sleep(a.ctx, s.cfg.Timings.ApplierBatchRetryWait); err != nil {
				return false, err
			}
			continue
		}

		if err := s.writeOplogBatch(a, res.batch, seedTS); err != nil {
			return false, err
		}
		if res.batch[len(res.batch)-1].OpTime.TS == stop {
			return true, nil
		}
	}
}
