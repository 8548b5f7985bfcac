package api

import (
	"fmt"
	"time"
)

// OplogVersion is the only oplog entry schema version the applier accepts.
const OplogVersion int64 = 2

// Oplog namespaces on the local node and on sync sources.
const (
	LocalDB         = "local"
	OplogCollection = "oplog.rs"
	OplogNS         = LocalDB + "." + OplogCollection
)

// Oplog operation types.
const (
	OpInsert  = "i"
	OpUpdate  = "u"
	OpDelete  = "d"
	OpCommand = "c"
	OpNoop    = "n"
)

// OplogEntry is a parsed replication log record.
type OplogEntry struct {
	OpTime   OpTime
	WallTime time.Time
	Op       string
	NS       string
	Version  int64
	Object   Document
	Object2  Document
	Raw      Document
}

// ParseOplogEntry validates the fields every entry must carry.
func ParseOplogEntry(doc Document) (*OplogEntry, error) {
	ts, err := doc.Timestamp("ts")
	if err != nil {
		return nil, fmt.Errorf("invalid oplog entry: %w", err)
	}
	e := &OplogEntry{
		OpTime: OpTime{TS: ts, Term: UninitializedTerm},
		Raw:    doc,
	}
	if doc.Has("t") {
		if e.OpTime.Term, err = doc.Int64("t"); err != nil {
			return nil, fmt.Errorf("invalid oplog entry: %w", err)
		}
	}
	if doc.Has("wall") {
		if e.WallTime, err = doc.Time("wall"); err != nil {
			return nil, fmt.Errorf("invalid oplog entry: %w", err)
		}
	}
	if e.Op, err = doc.String("op"); err != nil {
		return nil, fmt.Errorf("invalid oplog entry: %w", err)
	}
	e.NS, _ = doc.String("ns")
	e.Version = OplogVersion
	if doc.Has("v") {
		if e.Version, err = doc.Int64("v"); err != nil {
			return nil, fmt.Errorf("invalid oplog entry: %w", err)
		}
	}
	if doc.Has("o") {
		if e.Object, err = doc.Doc("o"); err != nil {
			return nil, fmt.Errorf("invalid oplog entry: %w", err)
		}
	}
	if doc.Has("o2") {
		if e.Object2, err = doc.Doc("o2"); err != nil {
			return nil, fmt.Errorf("invalid oplog entry: %w", err)
		}
	}
	return e, nil
}

// ToDocument renders the entry as it is stored in the oplog collection.
func (e *OplogEntry) ToDocument() Document {
	if e.Raw != nil {
		return e.Raw
	}
	doc := Document{
		"ts": e.OpTime.TS,
		"t":  e.OpTime.Term,
		"op": e.Op,
		"ns": e.NS,
		"v":  e.Version,
	}
	if !e.WallTime.IsZero() {
		doc["wall"] = e.WallTime
	}
	if e.Object != nil {
		doc["o"] = e.Object
	}
	if e.Object2 != nil {
		doc["o2"] = e.Object2
	}
	return doc
}

func (e *OplogEntry) OpTimeAndWallTime() OpTimeAndWallTime {
	return OpTimeAndWallTime{OpTime: e.OpTime, WallTime: e.WallTime}
}

func (e *OplogEntry) IsCommand() bool { return e.Op == OpCommand }
