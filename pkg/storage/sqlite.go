// Package storage is the local storage engine initial sync writes into:
// documents in SQLite as CBOR blobs plus consistency markers in diskv.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shrtyk/initial-sync/api"
	"github.com/shrtyk/initial-sync/pkg/logger"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS collections (
	ns      TEXT PRIMARY KEY,
	options BLOB,
	indexes BLOB
);
CREATE TABLE IF NOT EXISTS documents (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	ns       TEXT NOT NULL,
	id_key   BLOB,
	sort_key INTEGER,
	doc      BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_ns_id ON documents(ns, id_key);
CREATE TABLE IF NOT EXISTS timestamps (
	name TEXT PRIMARY KEY,
	t    INTEGER NOT NULL,
	i    INTEGER NOT NULL
);
`

const (
	initialDataTimestamp = "initialData"
	stableTimestamp      = "stable"
)

var _ api.Storage = (*SQLiteStorage)(nil)

// SQLiteStorage keeps every namespace in one SQLite database.
// Safe for concurrent use; SQLite serializes writers.
type SQLiteStorage struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the database at path. ":memory:" is accepted.
func Open(path string, log *slog.Logger) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStorage{
		db:     db,
		logger: log.With(slog.String("component", "storage")),
	}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) CreateOplog(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections(ns) VALUES (?) ON CONFLICT(ns) DO NOTHING`, api.OplogNS)
	return err
}

func (s *SQLiteStorage) TruncateOplog(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE ns = ?`, api.OplogNS)
	return err
}

func (s *SQLiteStorage) InsertDocument(ctx context.Context, ns string, doc api.Document) error {
	return s.InsertDocuments(ctx, ns, []api.Document{doc})
}

func (s *SQLiteStorage) InsertDocuments(ctx context.Context, ns string, docs []api.Document) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureCollection(ctx, tx, ns); err != nil {
			return err
		}
		return insertDocuments(ctx, tx, ns, docs)
	})
}

func ensureCollection(ctx context.Context, tx *sql.Tx, ns string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO collections(ns) VALUES (?) ON CONFLICT(ns) DO NOTHING`, ns)
	return err
}

func insertDocuments(ctx context.Context, tx *sql.Tx, ns string, docs []api.Document) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO documents(ns, id_key, sort_key, doc) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, doc := range docs {
		blob, err := marshalDocument(doc)
		if err != nil {
			return fmt.Errorf("failed to encode document for %s: %w", ns, err)
		}
		var key []byte
		if id, ok := doc["_id"]; ok {
			if key, err = marshalKey(id); err != nil {
				return fmt.Errorf("failed to encode _id for %s: %w", ns, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, ns, key, sortKey(ns, doc), blob); err != nil {
			return err
		}
	}
	return nil
}

// sortKey orders oplog documents by ts. Other namespaces keep insertion
// order.
func sortKey(ns string, doc api.Document) any {
	if ns != api.OplogNS {
		return nil
	}
	ts, err := doc.Timestamp("ts")
	if err != nil {
		return nil
	}
	return int64(ts.T)<<32 | int64(ts.I)
}

func (s *SQLiteStorage) DropCollection(ctx context.Context, ns string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return dropCollection(ctx, tx, ns)
	})
}

func dropCollection(ctx context.Context, tx *sql.Tx, ns string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE ns = ?`, ns); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE ns = ?`, ns)
	return err
}

func dropDatabase(ctx context.Context, tx *sql.Tx, db string) error {
	prefix := db + ".%"
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE ns LIKE ?`, prefix); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE ns LIKE ?`, prefix)
	return err
}

func (s *SQLiteStorage) DropReplicatedDatabases(ctx context.Context) error {
	local := api.LocalDB + ".%"
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE ns NOT LIKE ?`, local); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE ns NOT LIKE ?`, local)
		return err
	})
}

func (s *SQLiteStorage) CreateCollectionForBulkLoading(
	ctx context.Context,
	ns string,
	options api.Document,
	idIndexSpec api.Document,
	secondaryIndexSpecs []api.Document,
) (api.CollectionBulkLoader, error) {
	opts, err := marshalDocument(options)
	if err != nil {
		return nil, fmt.Errorf("failed to encode options for %s: %w", ns, err)
	}
	indexes := make([]any, 0, len(secondaryIndexSpecs)+1)
	if idIndexSpec != nil {
		indexes = append(indexes, idIndexSpec)
	}
	for _, spec := range secondaryIndexSpecs {
		indexes = append(indexes, spec)
	}
	idx, err := marshalDocument(api.Document{"indexes": indexes})
	if err != nil {
		return nil, fmt.Errorf("failed to encode indexes for %s: %w", ns, err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := dropCollection(ctx, tx, ns); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO collections(ns, options, indexes) VALUES (?, ?, ?)`, ns, opts, idx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create collection %s: %w", ns, err)
	}
	return &bulkLoader{s: s, ns: ns}, nil
}

func (s *SQLiteStorage) SetInitialDataTimestamp(ts api.Timestamp) {
	s.setTimestamp(initialDataTimestamp, ts)
}

func (s *SQLiteStorage) SetStableTimestamp(ts api.Timestamp) {
	s.setTimestamp(stableTimestamp, ts)
}

func (s *SQLiteStorage) setTimestamp(name string, ts api.Timestamp) {
	_, err := s.db.Exec(
		`INSERT INTO timestamps(name, t, i) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET t = excluded.t, i = excluded.i`,
		name, int64(ts.T), int64(ts.I))
	if err != nil {
		s.logger.Error("failed to persist timestamp", "name", name, "ts", ts.String(), logger.ErrAttr(err))
	}
}

// InitialDataTimestamp returns the persisted initial data timestamp.
func (s *SQLiteStorage) InitialDataTimestamp(ctx context.Context) (api.Timestamp, error) {
	return s.timestamp(ctx, initialDataTimestamp)
}

// StableTimestamp returns the persisted stable timestamp.
func (s *SQLiteStorage) StableTimestamp(ctx context.Context) (api.Timestamp, error) {
	return s.timestamp(ctx, stableTimestamp)
}

func (s *SQLiteStorage) timestamp(ctx context.Context, name string) (api.Timestamp, error) {
	var t, i int64
	err := s.db.QueryRowContext(ctx, `SELECT t, i FROM timestamps WHERE name = ?`, name).Scan(&t, &i)
	if errors.Is(err, sql.ErrNoRows) {
		return api.Timestamp{}, nil
	}
	if err != nil {
		return api.Timestamp{}, err
	}
	return api.Timestamp{T: uint32(t), I: uint32(i)}, nil
}

// Find returns the documents of ns in insertion order. Oplog entries come
// back in ts order.
func (s *SQLiteStorage) Find(ctx context.Context, ns string) ([]api.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM documents WHERE ns = ? ORDER BY sort_key, seq`, ns)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Document
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		doc, err := unmarshalDocument(blob)
		if err != nil {
			return nil, fmt.Errorf("failed to decode document in %s: %w", ns, err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// Count returns the number of documents in ns.
func (s *SQLiteStorage) Count(ctx context.Context, ns string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE ns = ?`, ns).Scan(&n)
	return n, err
}

// Collections lists every namespace, optionally restricted to one database.
func (s *SQLiteStorage) Collections(ctx context.Context, db string) ([]string, error) {
	query, args := `SELECT ns FROM collections ORDER BY ns`, []any{}
	if db != "" {
		query, args = `SELECT ns FROM collections WHERE ns LIKE ? ORDER BY ns`, []any{db + ".%"}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// bulkLoader buffers one collection and writes it in a single transaction.
type bulkLoader struct {
	s    *SQLiteStorage
	ns   string
	docs []api.Document
}

func (l *bulkLoader) InsertDocuments(ctx context.Context, docs []api.Document) error {
	l.docs = append(l.docs, docs...)
	return nil
}

func (l *bulkLoader) Commit(ctx context.Context) error {
	err := l.s.withTx(ctx, func(tx *sql.Tx) error {
		return insertDocuments(ctx, tx, l.ns, l.docs)
	})
	if err != nil {
		return fmt.Errorf("failed to commit bulk load of %s: %w", l.ns, err)
	}
	l.s.logger.Debug("committed bulk load", "ns", l.ns, "count", len(l.docs))
	l.docs = nil
	return nil
}

func (l *bulkLoader) Abort() {
	l.docs = nil
}

func splitNS(ns string) (db, coll string) {
	db, coll, _ = strings.Cut(ns, ".")
	return db, coll
}
