package api

import (
	"context"
	"time"
)

// CommandRunner sends commands to sync sources.
// A default gRPC implementation lives in
// `github.com/shrtyk/initial-sync/pkg/transport`.
type CommandRunner interface {
	// RunCommand sends cmd to host and returns the raw reply.
	// Transport failures are reported as ErrHostUnreachable or ErrNetworkTimeout.
	// Replies with ok: 0 are returned as-is; callers use CheckReply.
	RunCommand(ctx context.Context, host string, cmd Command) (Document, error)
}

// SyncSourceSelector picks the peer to sync from.
type SyncSourceSelector interface {
	// ChooseNewSyncSource returns a host or "" if none is currently eligible.
	ChooseNewSyncSource(lastOpTimeFetched OpTime) string

	// BlacklistSyncSource excludes host from selection until the given time.
	BlacklistSyncSource(host string, until time.Time)

	// ClearSyncSourceBlacklist forgets every blacklisted host.
	ClearSyncSourceBlacklist()

	// ShouldChangeSyncSource reports whether the current source should be abandoned
	// given the metadata attached to its latest reply.
	ShouldChangeSyncSource(host string, metadata Document) bool
}

// CollectionBulkLoader receives the documents of one cloned collection.
type CollectionBulkLoader interface {
	InsertDocuments(ctx context.Context, docs []Document) error
	Commit(ctx context.Context) error
	Abort()
}

// Storage is the local storage engine initial sync writes into.
type Storage interface {
	CreateOplog(ctx context.Context) error
	TruncateOplog(ctx context.Context) error
	InsertDocument(ctx context.Context, ns string, doc Document) error
	InsertDocuments(ctx context.Context, ns string, docs []Document) error
	DropCollection(ctx context.Context, ns string) error

	// DropReplicatedDatabases drops every database except "local".
	DropReplicatedDatabases(ctx context.Context) error

	CreateCollectionForBulkLoading(
		ctx context.Context,
		ns string,
		options Document,
		idIndexSpec Document,
		secondaryIndexSpecs []Document,
	) (CollectionBulkLoader, error)

	SetInitialDataTimestamp(ts Timestamp)
	SetStableTimestamp(ts Timestamp)
}

// ConsistencyMarkers is the durable record of an in-progress initial sync.
type ConsistencyMarkers interface {
	GetInitialSyncFlag(ctx context.Context) (bool, error)
	SetInitialSyncFlag(ctx context.Context) error
	ClearInitialSyncFlag(ctx context.Context) error
	GetInitialSyncID(ctx context.Context) (string, error)
	SetInitialSyncID(ctx context.Context, id string) error
}

// OplogSink receives fetched oplog entries in order.
type OplogSink interface {
	Push(ctx context.Context, entries []*OplogEntry) error
}

// OplogFetcher tails the sync source oplog into a sink.
// Run returns nil when the remote cursor is exhausted.
type OplogFetcher interface {
	Run(ctx context.Context) error
}

// DatabaseCloner copies every replicated database from the sync source.
type DatabaseCloner interface {
	Run(ctx context.Context) error

	// Stats may be called concurrently with Run.
	Stats() ClonerStats
}

// MultiApplyFunc applies a batch of oplog entries to local data and
// returns the optime of the last applied entry.
type MultiApplyFunc func(ctx context.Context, ops []*OplogEntry) (OpTime, error)
