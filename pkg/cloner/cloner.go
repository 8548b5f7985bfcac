// Package cloner copies every replicated database of a sync source into
// local storage.
package cloner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shrtyk/initial-sync/api"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize      = 1000
	defaultMaxConcurrency = 4

	idIndexName = "_id_"
)

// AllDatabaseCloner lists the source databases and clones them one at a time.
// Collections of a database are cloned concurrently.
type AllDatabaseCloner struct {
	p      api.ClonerParams
	logger *slog.Logger

	mu    sync.RWMutex
	stats api.ClonerStats
}

var _ api.DatabaseCloner = (*AllDatabaseCloner)(nil)

func New(p api.ClonerParams) *AllDatabaseCloner {
	if p.BatchSize <= 0 {
		p.BatchSize = defaultBatchSize
	}
	if p.MaxConcurrency <= 0 {
		p.MaxConcurrency = defaultMaxConcurrency
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	return &AllDatabaseCloner{
		p:      p,
		logger: log.With(slog.String("component", "cloner")),
	}
}

// Factory adapts New to api.ClonerFactory.
func Factory(p api.ClonerParams) api.DatabaseCloner {
	return New(p)
}

// Stats returns a deep copy of the current counters.
func (c *AllDatabaseCloner) Stats() api.ClonerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := api.ClonerStats{
		DatabasesCloned: c.stats.DatabasesCloned,
		Databases:       make([]api.DatabaseStats, len(c.stats.Databases)),
	}
	for i, db := range c.stats.Databases {
		db.CollectionStats = append([]api.CollectionStats(nil), db.CollectionStats...)
		out.Databases[i] = db
	}
	return out
}

func (c *AllDatabaseCloner) Run(ctx context.Context) error {
	dbs, err := c.listDatabases(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.stats.Databases = make([]api.DatabaseStats, len(dbs))
	for i, name := range dbs {
		c.stats.Databases[i].Name = name
	}
	c.mu.Unlock()

	c.logger.Info("cloning databases", "count", len(dbs))
	for i, db := range dbs {
		if err := c.cloneDatabase(ctx, i, db); err != nil {
			return fmt.Errorf("failed to clone database %q: %w", db, err)
		}
		c.mu.Lock()
		c.stats.DatabasesCloned++
		c.mu.Unlock()
	}
	return nil
}

func (c *AllDatabaseCloner) listDatabases(ctx context.Context) ([]string, error) {
	reply, err := c.p.Runner.RunCommand(ctx, c.p.Source,
		api.NewCommand("admin", "listDatabases", 1, api.Document{"nameOnly": true}))
	if err != nil {
		return nil, fmt.Errorf("listDatabases failed: %w", err)
	}
	if err := api.CheckReply(reply); err != nil {
		return nil, fmt.Errorf("listDatabases failed: %w", err)
	}
	docs, err := reply.Docs("databases")
	if err != nil {
		return nil, fmt.Errorf("listDatabases failed: %w", err)
	}

	names := make([]string, 0, len(docs))
	for _, d := range docs {
		name, err := d.String("name")
		if err != nil {
			return nil, fmt.Errorf("listDatabases failed: %w", err)
		}
		if name == api.LocalDB {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

type collectionInfo struct {
	ns      string
	name    string
	options api.Document
}

func (c *AllDatabaseCloner) cloneDatabase(ctx context.Context, dbIdx int, db string) error {
	colls, err := c.listCollections(ctx, db)
	if err != nil {
		return err
	}

	c.mu.Lock()
	dbStats := &c.stats.Databases[dbIdx]
	dbStats.Collections = len(colls)
	dbStats.CollectionStats = make([]api.CollectionStats, len(colls))
	for i, coll := range colls {
		dbStats.CollectionStats[i].NS = coll.ns
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.p.MaxConcurrency)
	for i, coll := range colls {
		g.Go(func() error {
			if err := c.cloneCollection(gctx, dbIdx, i, db, coll); err != nil {
				return fmt.Errorf("collection %q: %w", coll.ns, err)
			}
			c.mu.Lock()
			c.stats.Databases[dbIdx].ClonedCollections++
			c.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (c *AllDatabaseCloner) listCollections(ctx context.Context, db string) ([]collectionInfo, error) {
	docs, err := c.drainCursor(ctx, db, "", api.NewCommand(db, "listCollections", 1, nil), nil)
	if err != nil {
		return nil, fmt.Errorf("listCollections failed: %w", err)
	}

	colls := make([]collectionInfo, 0, len(docs))
	for _, d := range docs {
		name, err := d.String("name")
		if err != nil {
			return nil, fmt.Errorf("listCollections failed: %w", err)
		}
		if typ, _ := d.String("type"); typ == "view" || strings.HasPrefix(name, "system.") {
			continue
		}
		opts, _ := d.Doc("options")
		colls = append(colls, collectionInfo{ns: db + "." + name, name: name, options: opts})
	}
	return colls, nil
}

func (c *AllDatabaseCloner) cloneCollection(ctx context.Context, dbIdx, collIdx int, db string, coll collectionInfo) error {
	c.updateCollection(dbIdx, collIdx, func(s *api.CollectionStats) { s.Start = time.Now() })

	countReply, err := c.p.Runner.RunCommand(ctx, c.p.Source, api.NewCommand(db, "count", coll.name, nil))
	if err != nil {
		return fmt.Errorf("count failed: %w", err)
	}
	if err := api.CheckReply(countReply); err != nil {
		return fmt.Errorf("count failed: %w", err)
	}
	n, err := countReply.Int64("n")
	if err != nil {
		return fmt.Errorf("count failed: %w", err)
	}

	indexes, err := c.drainCursor(ctx, db, coll.name, api.NewCommand(db, "listIndexes", coll.name, nil), nil)
	if err != nil {
		return fmt.Errorf("listIndexes failed: %w", err)
	}
	var idIndex api.Document
	secondary := make([]api.Document, 0, len(indexes))
	for _, idx := range indexes {
		if name, _ := idx.String("name"); name == idIndexName {
			idIndex = idx
			continue
		}
		secondary = append(secondary, idx)
	}

	c.updateCollection(dbIdx, collIdx, func(s *api.CollectionStats) {
		s.DocumentsToCopy = n
		s.Indexes = len(indexes)
	})

	loader, err := c.p.Storage.CreateCollectionForBulkLoading(ctx, coll.ns, coll.options, idIndex, secondary)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	find := api.NewCommand(db, "find", coll.name, api.Document{"batchSize": c.p.BatchSize, "noCursorTimeout": true})
	_, err = c.drainCursor(ctx, db, coll.name, find, func(batch []api.Document) error {
		if err := loader.InsertDocuments(ctx, batch); err != nil {
			return err
		}
		c.updateCollection(dbIdx, collIdx, func(s *api.CollectionStats) {
			s.ReceivedBatches++
			s.DocumentsCopied += int64(len(batch))
		})
		return nil
	})
	if err != nil {
		loader.Abort()
		return fmt.Errorf("find failed: %w", err)
	}

	if err := loader.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit collection: %w", err)
	}
	c.updateCollection(dbIdx, collIdx, func(s *api.CollectionStats) { s.End = time.Now() })
	c.logger.Debug("cloned collection", "ns", coll.ns, "documents", n)
	return nil
}

// drainCursor runs cmd and follows its cursor with getMore until exhausted.
// With a nil onBatch all documents are collected and returned.
func (c *AllDatabaseCloner) drainCursor(
	ctx context.Context,
	db, coll string,
	cmd api.Command,
	onBatch func([]api.Document) error,
) ([]api.Document, error) {
	var all []api.Document
	for {
		reply, err := c.p.Runner.RunCommand(ctx, c.p.Source, cmd)
		if err != nil {
			return nil, err
		}
		cur, err := api.ParseCursorReply(reply)
		if err != nil {
			return nil, err
		}

		if onBatch != nil {
			if len(cur.Batch) > 0 {
				if err := onBatch(cur.Batch); err != nil {
					return nil, err
				}
			}
		} else {
			all = append(all, cur.Batch...)
		}

		if cur.Exhausted() {
			return all, nil
		}
		cmd = api.NewCommand(db, "getMore", cur.ID, api.Document{"collection": coll, "batchSize": c.p.BatchSize})
	}
}

func (c *AllDatabaseCloner) updateCollection(dbIdx, collIdx int, fn func(*api.CollectionStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.stats.Databases[dbIdx].CollectionStats[collIdx])
}
