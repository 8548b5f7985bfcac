/*
Package api defines the public contracts of the initial sync library.

An initial syncer brings an empty replica set member up to date with a healthy
peer: it clones every replicated database, tails the peer's oplog while cloning
and then applies the tailed entries up to a consistent stop point.

# Mandatory User Implementations

  - CommandRunner: how commands reach sync sources. A gRPC implementation is
    provided in `github.com/shrtyk/initial-sync/pkg/transport`.

  - Storage and ConsistencyMarkers: where cloned data and the durable
    initial sync flag live. Implementations backed by sqlite and diskv are
    provided in `github.com/shrtyk/initial-sync/pkg/storage`.

  - SyncSourceSelector: which peer to sync from. Static and DNS seed list
    selectors are provided in `github.com/shrtyk/initial-sync/pkg/selector`.

  - MultiApplyFunc: how fetched oplog entries are applied to local data.
*/
package api

import "context"

// InitialSyncer is the public interface of an initial sync orchestrator.
type InitialSyncer interface {
	// Startup begins initial sync with at most maxAttempts attempts.
	// It returns ErrIllegalOperation if already running and
	// ErrShutdownInProgress once shut down or complete.
	Startup(ctx context.Context, maxAttempts int) error

	// Shutdown cancels any in-progress work. It is idempotent.
	Shutdown() error

	// Join blocks until the syncer reaches Complete.
	Join()

	// IsActive reports whether the syncer is Running or ShuttingDown.
	IsActive() bool

	// State returns the current lifecycle state.
	State() State

	// Progress returns a snapshot of the sync progress. It never blocks
	// on in-flight work and may be called in any state.
	Progress() Progress
}

// OnCompletionFunc receives the outcome of initial sync exactly once.
type OnCompletionFunc func(lastApplied OpTimeAndWallTime, err error)
