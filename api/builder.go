package api

import (
	"context"
	"log/slog"
)

// SyncerBuilder is an interface for constructing an initial syncer.
type SyncerBuilder interface {
	// Build constructs and returns a new InitialSyncer. It returns an error
	// wrapping ErrBadValue if a required collaborator is missing.
	Build() (InitialSyncer, error)

	// WithConfig sets the configuration.
	// If not provided, a DefaultConfig will be used.
	WithConfig(*SyncConfig) SyncerBuilder

	// WithLogger sets a custom slog.Logger.
	// If not provided, a default logger based on the SyncConfig's Log.Env
	// will be used.
	WithLogger(*slog.Logger) SyncerBuilder

	// WithHooks installs hook points consulted between stages.
	WithHooks(Hooks) SyncerBuilder

	// WithClonerFactory replaces the default database cloner.
	WithClonerFactory(ClonerFactory) SyncerBuilder

	// WithFetcherFactory replaces the default oplog fetcher.
	WithFetcherFactory(FetcherFactory) SyncerBuilder
}

// Hooks are injectable pause and failure points. Nil fields are skipped.
type Hooks struct {
	// FailWithBadHost makes sync source selection fail with ErrInvalidSyncSource.
	FailWithBadHost func() bool
	// BeforeCloning runs after the fetcher started and before the cloner starts.
	BeforeCloning func(ctx context.Context) error
	// AfterCloning runs after the cloner finished successfully.
	AfterCloning func(ctx context.Context) error
	// PauseApplication holds the applier loop while it returns true.
	PauseApplication func() bool
}

// ClonerParams is everything a database cloner needs for one attempt.
type ClonerParams struct {
	Source  string
	Runner  CommandRunner
	Storage Storage
	Logger  *slog.Logger

	BatchSize      int
	MaxConcurrency int
}

// ClonerFactory builds a cloner for one attempt.
type ClonerFactory func(ClonerParams) DatabaseCloner

// FetcherParams is everything an oplog fetcher needs for one attempt.
type FetcherParams struct {
	Source         string
	Runner         CommandRunner
	Selector       SyncSourceSelector
	Start          OpTime
	BaseRollbackID int64
	Sink           OplogSink
	Logger         *slog.Logger
	BatchSize      int
}

// FetcherFactory builds an oplog fetcher for one attempt.
type FetcherFactory func(FetcherParams) OplogFetcher
