// Package fetcher tails a sync source oplog through a tailable cursor.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shrtyk/initial-sync/api"
)

const (
	defaultBatchSize = 500
	getMoreMaxTimeMS = 5000

	// metadataField carries the sync source rollback id with every batch.
	metadataField = "$oplogQueryData"
)

// OplogFetcher issues a tailable find from the start optime and keeps
// pushing getMore batches into the sink until the cursor is exhausted,
// the context is canceled or the data is rejected.
type OplogFetcher struct {
	p      api.FetcherParams
	logger *slog.Logger

	lastFetched api.OpTime
	fetched     int64
}

var _ api.OplogFetcher = (*OplogFetcher)(nil)

func New(p api.FetcherParams) *OplogFetcher {
	if p.BatchSize <= 0 {
		p.BatchSize = defaultBatchSize
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	return &OplogFetcher{
		p:           p,
		logger:      log.With(slog.String("component", "oplog_fetcher")),
		lastFetched: p.Start,
	}
}

// Factory adapts New to api.FetcherFactory.
func Factory(p api.FetcherParams) api.OplogFetcher {
	return New(p)
}

func (f *OplogFetcher) Run(ctx context.Context) error {
	f.logger.Info("starting oplog fetcher", "source", f.p.Source, "start", f.p.Start.String())

	reply, err := f.p.Runner.RunCommand(ctx, f.p.Source, f.findCommand())
	if err != nil {
		return fmt.Errorf("oplog fetcher find failed: %w", err)
	}

	first := true
	for {
		cur, err := api.ParseCursorReply(reply)
		if err != nil {
			return fmt.Errorf("oplog fetcher: %w", err)
		}
		if err := f.checkMetadata(reply); err != nil {
			return err
		}

		entries, err := f.validate(cur.Batch, first)
		if err != nil {
			return err
		}

		if len(entries) > 0 {
			first = false
			if err := f.p.Sink.Push(ctx, entries); err != nil {
				return err
			}
			f.fetched += int64(len(entries))
			f.logger.Debug("fetched oplog batch", "count", len(entries), "last", f.lastFetched.String())
		}

		if cur.Exhausted() {
			f.logger.Info("oplog fetcher cursor exhausted", "fetched", f.fetched)
			return nil
		}

		reply, err = f.p.Runner.RunCommand(ctx, f.p.Source, f.getMoreCommand(cur.ID))
		if err != nil {
			return fmt.Errorf("oplog fetcher getMore failed: %w", err)
		}
	}
}

func (f *OplogFetcher) findCommand() api.Command {
	return api.NewCommand(api.LocalDB, "find", api.OplogCollection, api.Document{
		"filter":      api.Document{"ts": api.Document{"$gte": f.p.Start.TS}},
		"tailable":    true,
		"awaitData":   true,
		"oplogReplay": true,
		"batchSize":   f.p.BatchSize,
		"term":        f.p.Start.Term,
		"readConcern": api.Document{"afterClusterTime": f.p.Start.TS},
	})
}

func (f *OplogFetcher) getMoreCommand(id int64) api.Command {
	return api.NewCommand(api.LocalDB, "getMore", id, api.Document{
		"collection": api.OplogCollection,
		"batchSize":  f.p.BatchSize,
		"maxTimeMS":  getMoreMaxTimeMS,
	})
}

// checkMetadata rejects batches from a source that rolled back or that the
// selector wants to abandon.
func (f *OplogFetcher) checkMetadata(reply api.Document) error {
	var meta api.Document
	if reply.Has(metadataField) {
		var err error
		if meta, err = reply.Doc(metadataField); err != nil {
			return fmt.Errorf("oplog fetcher: %w", err)
		}
		if meta.Has("rbid") {
			rbid, err := meta.Int64("rbid")
			if err != nil {
				return fmt.Errorf("oplog fetcher: %w", err)
			}
			if rbid != f.p.BaseRollbackID {
				return fmt.Errorf("%w: sync source %s rollback id changed from %d to %d",
					api.ErrInvalidSyncSource, f.p.Source, f.p.BaseRollbackID, rbid)
			}
		}
	}
	if f.p.Selector != nil && f.p.Selector.ShouldChangeSyncSource(f.p.Source, meta) {
		return fmt.Errorf("%w: sync source %s should be changed", api.ErrInvalidSyncSource, f.p.Source)
	}
	return nil
}

// validate parses a batch and enforces strictly increasing timestamps.
// The first entry ever received must be the requested start point.
func (f *OplogFetcher) validate(batch []api.Document, first bool) ([]*api.OplogEntry, error) {
	entries := make([]*api.OplogEntry, 0, len(batch))
	for i, doc := range batch {
		e, err := api.ParseOplogEntry(doc)
		if err != nil {
			return nil, err
		}

		if first && i == 0 {
			if e.OpTime.TS != f.p.Start.TS {
				return nil, fmt.Errorf("%w: oplog start %s missing, first entry is %s",
					api.ErrInvalidSyncSource, f.p.Start.TS, e.OpTime.TS)
			}
		} else if !f.lastFetched.TS.Less(e.OpTime.TS) {
			return nil, fmt.Errorf("%w: entry %s does not follow %s",
				api.ErrOplogOutOfOrder, e.OpTime.TS, f.lastFetched.TS)
		}

		f.lastFetched = e.OpTime
		entries = append(entries, e)
	}
	return entries, nil
}
