package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shrtyk/initial-sync/api"
)

// ApplyOps applies a batch of oplog entries in one transaction and returns
// the optime of the last entry. It satisfies api.MultiApplyFunc.
func (s *SQLiteStorage) ApplyOps(ctx context.Context, ops []*api.OplogEntry) (api.OpTime, error) {
	if len(ops) == 0 {
		return api.OpTime{}, fmt.Errorf("%w: empty apply batch", api.ErrBadValue)
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, op := range ops {
			if err := applyOp(ctx, tx, op); err != nil {
				return fmt.Errorf("failed to apply %s op at %s on %s: %w", op.Op, op.OpTime.TS, op.NS, err)
			}
		}
		return nil
	})
	if err != nil {
		return api.OpTime{}, err
	}
	return ops[len(ops)-1].OpTime, nil
}

func applyOp(ctx context.Context, tx *sql.Tx, op *api.OplogEntry) error {
	switch op.Op {
	case api.OpNoop:
		return nil
	case api.OpInsert:
		if err := ensureCollection(ctx, tx, op.NS); err != nil {
			return err
		}
		// Replaying an insert that the cloner already copied must not duplicate it.
		if id, ok := op.Object["_id"]; ok {
			if err := deleteByID(ctx, tx, op.NS, id); err != nil {
				return err
			}
		}
		return insertDocuments(ctx, tx, op.NS, []api.Document{op.Object})
	case api.OpUpdate:
		return applyUpdate(ctx, tx, op)
	case api.OpDelete:
		id, ok := op.Object["_id"]
		if !ok {
			return fmt.Errorf("%w: delete without _id", api.ErrNoSuchKey)
		}
		return deleteByID(ctx, tx, op.NS, id)
	case api.OpCommand:
		return applyCommand(ctx, tx, op)
	}
	return fmt.Errorf("%w: unknown op type %q", api.ErrBadValue, op.Op)
}

func applyUpdate(ctx context.Context, tx *sql.Tx, op *api.OplogEntry) error {
	id, ok := op.Object2["_id"]
	if !ok {
		return fmt.Errorf("%w: update without o2._id", api.ErrNoSuchKey)
	}
	current, err := findByID(ctx, tx, op.NS, id)
	if err != nil {
		return err
	}
	if current == nil {
		// Removed by a later delete before the cloner reached it.
		return nil
	}

	next := updated(current, op.Object)
	next["_id"] = id
	if err := deleteByID(ctx, tx, op.NS, id); err != nil {
		return err
	}
	return insertDocuments(ctx, tx, op.NS, []api.Document{next})
}

// updated returns current with the modifiers of update applied, or update
// itself when it is a replacement document.
func updated(current, update api.Document) api.Document {
	set, hasSet := update["$set"]
	unset, hasUnset := update["$unset"]
	if !hasSet && !hasUnset {
		return copyDoc(update)
	}

	next := copyDoc(current)
	if doc, ok := api.AsDocument(set); ok {
		for k, v := range doc {
			next[k] = v
		}
	}
	if doc, ok := api.AsDocument(unset); ok {
		for k := range doc {
			delete(next, k)
		}
	}
	return next
}

func copyDoc(doc api.Document) api.Document {
	out := make(api.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func applyCommand(ctx context.Context, tx *sql.Tx, op *api.OplogEntry) error {
	db, _ := splitNS(op.NS)
	o := op.Object
	switch {
	case o.Has("create"):
		coll, err := o.String("create")
		if err != nil {
			return err
		}
		return ensureCollection(ctx, tx, db+"."+coll)
	case o.Has("drop"):
		coll, err := o.String("drop")
		if err != nil {
			return err
		}
		return dropCollection(ctx, tx, db+"."+coll)
	case o.Has("dropDatabase"):
		return dropDatabase(ctx, tx, db)
	case o.Has("applyOps"):
		nested, err := o.Docs("applyOps")
		if err != nil {
			return err
		}
		for _, doc := range nested {
			if !doc.Has("ts") {
				doc = copyDoc(doc)
				doc["ts"] = op.OpTime.TS
			}
			entry, err := api.ParseOplogEntry(doc)
			if err != nil {
				return err
			}
			if err := applyOp(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	}
	// Index builds and other metadata commands have no effect here.
	return nil
}

func findByID(ctx context.Context, tx *sql.Tx, ns string, id any) (api.Document, error) {
	key, err := marshalKey(id)
	if err != nil {
		return nil, err
	}
	var blob []byte
	err = tx.QueryRowContext(ctx,
		`SELECT doc FROM documents WHERE ns = ? AND id_key = ? ORDER BY seq DESC LIMIT 1`, ns, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return unmarshalDocument(blob)
}

func deleteByID(ctx context.Context, tx *sql.Tx, ns string, id any) error {
	key, err := marshalKey(id)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM documents WHERE ns = ? AND id_key = ?`, ns, key)
	return err
}
