package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shrtyk/initial-sync/api"
	"github.com/shrtyk/initial-sync/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	_, log := logger.NewTestLogger()
	s, err := Open(filepath.Join(t.TempDir(), "data.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func TestDocumentCodec(t *testing.T) {
	doc := api.Document{
		"_id":  int64(7),
		"ts":   api.Timestamp{T: 100, I: 3},
		"wall": time.Unix(100, 5000).UTC(),
		"f":    2.5,
		"s":    "x",
		"b":    true,
		"n":    nil,
		"arr":  []any{int64(1), api.Document{"k": "v"}},
		"sub":  api.Document{"ts": api.Timestamp{T: 1, I: 1}},
	}
	blob, err := marshalDocument(doc)
	require.NoError(t, err)
	got, err := unmarshalDocument(blob)
	require.NoError(t, err)
	if diff := cmp.Diff(doc, got); diff != "" {
		t.Errorf("document changed in storage (-want +got):\n%s", diff)
	}

	k1, err := marshalKey(api.Document{"a": int64(1), "b": int64(2)})
	require.NoError(t, err)
	k2, err := marshalKey(api.Document{"b": int64(2), "a": int64(1)})
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "keys must not depend on map order")
}

func TestOplogLifecycle(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateOplog(ctx))
	require.NoError(t, s.CreateOplog(ctx))
	require.NoError(t, s.InsertDocument(ctx, api.OplogNS, api.Document{"ts": api.Timestamp{T: 1, I: 1}}))
	require.NoError(t, s.InsertDocuments(ctx, api.OplogNS, []api.Document{
		{"ts": api.Timestamp{T: 2, I: 1}},
		{"ts": api.Timestamp{T: 3, I: 1}},
	}))

	docs, err := s.Find(ctx, api.OplogNS)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	ts, err := docs[2].Timestamp("ts")
	require.NoError(t, err)
	assert.Equal(t, api.Timestamp{T: 3, I: 1}, ts)

	require.NoError(t, s.TruncateOplog(ctx))
	n, err := s.Count(ctx, api.OplogNS)
	require.NoError(t, err)
	assert.Zero(t, n)

	colls, err := s.Collections(ctx, api.LocalDB)
	require.NoError(t, err)
	assert.Equal(t, []string{api.OplogNS}, colls)
}

func TestOplogReadsInTimestampOrder(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateOplog(ctx))
	require.NoError(t, s.InsertDocument(ctx, api.OplogNS, api.Document{"ts": api.Timestamp{T: 2, I: 1}}))
	require.NoError(t, s.InsertDocuments(ctx, api.OplogNS, []api.Document{
		{"ts": api.Timestamp{T: 1, I: 1}},
		{"ts": api.Timestamp{T: 2, I: 2}},
		{"ts": api.Timestamp{T: 3, I: 1}},
	}))
	require.NoError(t, s.InsertDocuments(ctx, "db.c", []api.Document{{"_id": int64(2)}, {"_id": int64(1)}}))

	docs, err := s.Find(ctx, api.OplogNS)
	require.NoError(t, err)
	var got []api.Timestamp
	for _, d := range docs {
		ts, err := d.Timestamp("ts")
		require.NoError(t, err)
		got = append(got, ts)
	}
	assert.Equal(t, []api.Timestamp{{T: 1, I: 1}, {T: 2, I: 1}, {T: 2, I: 2}, {T: 3, I: 1}}, got)

	docs, err = s.Find(ctx, "db.c")
	require.NoError(t, err)
	assert.Equal(t, []api.Document{{"_id": int64(2)}, {"_id": int64(1)}}, docs)
}

func TestDropReplicatedDatabasesKeepsLocal(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.InsertDocument(ctx, api.OplogNS, api.Document{"ts": api.Timestamp{T: 1, I: 1}}))
	require.NoError(t, s.InsertDocument(ctx, "a.b", api.Document{"_id": int64(1)}))
	require.NoError(t, s.InsertDocument(ctx, "c.d", api.Document{"_id": int64(1)}))

	require.NoError(t, s.DropReplicatedDatabases(ctx))

	colls, err := s.Collections(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{api.OplogNS}, colls)
	n, err := s.Count(ctx, api.OplogNS)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBulkLoader(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.InsertDocument(ctx, "a.b", api.Document{"_id": int64(99)}))

	l, err := s.CreateCollectionForBulkLoading(ctx, "a.b",
		api.Document{"capped": false},
		api.Document{"name": "_id_", "key": api.Document{"_id": int64(1)}},
		[]api.Document{{"name": "x_1", "key": api.Document{"x": int64(1)}}})
	require.NoError(t, err)

	require.NoError(t, l.InsertDocuments(ctx, []api.Document{{"_id": int64(1)}, {"_id": int64(2)}}))
	n, err := s.Count(ctx, "a.b")
	require.NoError(t, err)
	assert.Zero(t, n, "documents are written on commit only")

	require.NoError(t, l.Commit(ctx))
	docs, err := s.Find(ctx, "a.b")
	require.NoError(t, err)
	assert.Equal(t, []api.Document{{"_id": int64(1)}, {"_id": int64(2)}}, docs)

	aborted, err := s.CreateCollectionForBulkLoading(ctx, "a.c", nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, aborted.InsertDocuments(ctx, []api.Document{{"_id": int64(1)}}))
	aborted.Abort()
	n, err = s.Count(ctx, "a.c")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTimestamps(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	ts, err := s.InitialDataTimestamp(ctx)
	require.NoError(t, err)
	assert.True(t, ts.IsNull())

	s.SetInitialDataTimestamp(api.AllowUnstableCheckpointsSentinel)
	s.SetInitialDataTimestamp(api.Timestamp{T: 9, I: 2})
	s.SetStableTimestamp(api.Timestamp{T: 8, I: 1})

	ts, err = s.InitialDataTimestamp(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.Timestamp{T: 9, I: 2}, ts)
	ts, err = s.StableTimestamp(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.Timestamp{T: 8, I: 1}, ts)
}

func entry(t *testing.T, ts uint32, op, ns string, o, o2 api.Document) *api.OplogEntry {
	t.Helper()
	doc := api.Document{"ts": api.Timestamp{T: ts, I: 1}, "t": int64(1), "op": op, "ns": ns, "v": int64(2), "o": o}
	if o2 != nil {
		doc["o2"] = o2
	}
	e, err := api.ParseOplogEntry(doc)
	require.NoError(t, err)
	return e
}

func TestApplyOps(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.InsertDocument(ctx, "a.b", api.Document{"_id": int64(1), "x": int64(1)}))

	last, err := s.ApplyOps(ctx, []*api.OplogEntry{
		entry(t, 1, api.OpInsert, "a.b", api.Document{"_id": int64(1), "x": int64(1)}, nil),
		entry(t, 2, api.OpInsert, "a.b", api.Document{"_id": int64(2), "x": int64(2)}, nil),
		entry(t, 3, api.OpUpdate, "a.b",
			api.Document{"$set": api.Document{"y": "set"}, "$unset": api.Document{"x": true}},
			api.Document{"_id": int64(1)}),
		entry(t, 4, api.OpUpdate, "a.b", api.Document{"z": int64(3)}, api.Document{"_id": int64(2)}),
		entry(t, 5, api.OpUpdate, "a.b", api.Document{"z": int64(4)}, api.Document{"_id": int64(42)}),
		entry(t, 6, api.OpNoop, "", api.Document{"msg": "periodic noop"}, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, api.OpTime{TS: api.Timestamp{T: 6, I: 1}, Term: 1}, last)

	docs, err := s.Find(ctx, "a.b")
	require.NoError(t, err)
	assert.ElementsMatch(t, []api.Document{
		{"_id": int64(1), "y": "set"},
		{"_id": int64(2), "z": int64(3)},
	}, docs)

	_, err = s.ApplyOps(ctx, []*api.OplogEntry{
		entry(t, 7, api.OpDelete, "a.b", api.Document{"_id": int64(1)}, nil),
		entry(t, 8, api.OpCommand, "a.$cmd", api.Document{"create": "c"}, nil),
		entry(t, 9, api.OpCommand, "a.$cmd", api.Document{"applyOps": []any{
			api.Document{"op": api.OpInsert, "ns": "a.c", "o": api.Document{"_id": int64(5)}},
		}}, nil),
	})
	require.NoError(t, err)

	n, err := s.Count(ctx, "a.b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.Count(ctx, "a.c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.ApplyOps(ctx, []*api.OplogEntry{
		entry(t, 10, api.OpCommand, "a.$cmd", api.Document{"drop": "c"}, nil),
		entry(t, 11, api.OpCommand, "a.$cmd", api.Document{"dropDatabase": int64(1)}, nil),
	})
	require.NoError(t, err)
	colls, err := s.Collections(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, colls)
}

func TestApplyOpsRollsBackFailedBatch(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.ApplyOps(ctx, []*api.OplogEntry{
		entry(t, 1, api.OpInsert, "a.b", api.Document{"_id": int64(1)}, nil),
		entry(t, 2, api.OpDelete, "a.b", api.Document{"x": int64(1)}, nil),
	})
	assert.ErrorIs(t, err, api.ErrNoSuchKey)

	n, err := s.Count(ctx, "a.b")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.ApplyOps(ctx, nil)
	assert.ErrorIs(t, err, api.ErrBadValue)
}

func TestDiskvMarkers(t *testing.T) {
	dir := t.TempDir()
	m, err := NewDiskvMarkers(dir)
	require.NoError(t, err)
	ctx := context.Background()

	flag, err := m.GetInitialSyncFlag(ctx)
	require.NoError(t, err)
	assert.False(t, flag)
	require.NoError(t, m.ClearInitialSyncFlag(ctx))

	require.NoError(t, m.SetInitialSyncFlag(ctx))
	require.NoError(t, m.SetInitialSyncID(ctx, "abc"))

	reopened, err := NewDiskvMarkers(dir)
	require.NoError(t, err)
	flag, err = reopened.GetInitialSyncFlag(ctx)
	require.NoError(t, err)
	assert.True(t, flag)
	id, err := reopened.GetInitialSyncID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	require.NoError(t, reopened.ClearInitialSyncFlag(ctx))
	flag, err = reopened.GetInitialSyncFlag(ctx)
	require.NoError(t, err)
	assert.False(t, flag)
}
