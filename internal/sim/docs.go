package sim

import (
	"time"

	"github.com/shrtyk/initial-sync/api"
)

// Entry builds an insert oplog entry at Timestamp{t, 1} in term 1.
func Entry(t uint32) api.Document {
	return api.Document{
		"ts":   api.Timestamp{T: t, I: 1},
		"t":    int64(1),
		"wall": Wall(t),
		"op":   api.OpInsert,
		"ns":   "a.a",
		"v":    api.OplogVersion,
		"o":    api.Document{"_id": int64(t), "a": int64(t)},
	}
}

// CommandEntry builds a command oplog entry at Timestamp{t, 1}.
func CommandEntry(t uint32) api.Document {
	e := Entry(t)
	e["op"] = api.OpCommand
	e["ns"] = "a.$cmd"
	e["o"] = api.Document{"create": "b"}
	return e
}

// Wall is the wall clock time used for entry t.
func Wall(t uint32) time.Time {
	return time.Unix(int64(t), 0).UTC()
}

// OpTime returns the optime of Entry(t).
func OpTime(t uint32) api.OpTimeAndWallTime {
	return api.OpTimeAndWallTime{
		OpTime:   api.OpTime{TS: api.Timestamp{T: t, I: 1}, Term: 1},
		WallTime: Wall(t),
	}
}

func OK() api.Document {
	return api.Document{"ok": 1}
}

func RBID(n int64) api.Document {
	return api.Document{"ok": 1, "rbid": n}
}

func CommandFailed(code int64, name, msg string) api.Document {
	return api.Document{"ok": 0, "code": code, "codeName": name, "errmsg": msg}
}

func cursor(id int64, ns, batchField string, docs []api.Document) api.Document {
	batch := make([]any, 0, len(docs))
	for _, d := range docs {
		batch = append(batch, d)
	}
	return api.Document{
		"cursor": api.Document{
			"id":       id,
			"ns":       ns,
			batchField: batch,
		},
		"ok": 1,
	}
}

// FirstBatch is a find / listCollections / listIndexes reply.
func FirstBatch(id int64, ns string, docs ...api.Document) api.Document {
	return cursor(id, ns, "firstBatch", docs)
}

// NextBatch is a getMore reply.
func NextBatch(id int64, ns string, docs ...api.Document) api.Document {
	return cursor(id, ns, "nextBatch", docs)
}

// LastEntry answers a last-oplog-entry query with Entry(t).
func LastEntry(t uint32) api.Document {
	return FirstBatch(0, api.OplogNS, Entry(t))
}

// NoTransactions answers the transactions table query with no rows.
func NoTransactions() api.Document {
	return FirstBatch(0, "config.transactions")
}

// Transaction answers the transactions table query with one active
// transaction started at Entry(t).
func Transaction(t uint32) api.Document {
	return FirstBatch(0, "config.transactions", api.Document{
		"_id":   api.Document{"id": "session"},
		"state": "prepared",
		"startOpTime": api.Document{
			"ts": api.Timestamp{T: t, I: 1},
			"t":  int64(1),
		},
	})
}

// Version answers the version query with a single document.
func Version(fields api.Document) api.Document {
	doc := api.Document{"_id": "featureCompatibilityVersion"}
	for k, v := range fields {
		doc[k] = v
	}
	return FirstBatch(0, "admin.system.version", doc)
}

// FCV answers the version query with a stable version.
func FCV(v string) api.Document {
	return Version(api.Document{"version": v})
}

// NoDatabases answers listDatabases with nothing to clone.
func NoDatabases() api.Document {
	return api.Document{"ok": 1, "databases": []any{}}
}
