package api

import (
	"time"

	"github.com/shrtyk/initial-sync/pkg/logger"
)

type SyncConfig struct {
	Log        LoggerCfg
	Timings    SyncTimings
	Limits     SyncLimits
	Progress   ProgressCfg
	Versions   VersionsCfg
	SyncSource SyncSourceCfg
	Storage    StorageCfg
	Transport  TransportCfg
}

type LoggerCfg struct {
	Env logger.Enviroment
}

type SyncTimings struct {
	// SyncSourceRetryWait is the delay between sync source selection tries.
	SyncSourceRetryWait time.Duration
	// InitialSyncRetryWait is the delay between whole attempts.
	InitialSyncRetryWait time.Duration
	// ApplierBatchRetryWait is the delay before polling an empty oplog buffer again.
	ApplierBatchRetryWait time.Duration
	// RetryBaseDelay is the first backoff delay of retriable remote reads.
	RetryBaseDelay time.Duration
}

type SyncLimits struct {
	ChooseSyncSourceMaxAttempts      int
	LastOplogEntryFetcherMaxAttempts int
	VersionFetcherMaxAttempts        int
	ApplierBatchSize                 int
	ClonerBatchSize                  int
	ClonerMaxConcurrency             int
	StorageWorkers                   int
}

type ProgressCfg struct {
	// MaxClonerStatsBytes bounds the encoded cloner stats included in Progress.
	MaxClonerStatsBytes int
}

type VersionsCfg struct {
	// SupportedVersions is a semver constraint the sync source feature
	// compatibility version must satisfy.
	SupportedVersions string
}

// BlacklistScope controls how long a blacklisted sync source stays excluded.
type BlacklistScope int

const (
	// BlacklistPersistent keeps entries until they expire.
	BlacklistPersistent BlacklistScope = iota
	// BlacklistPerAttempt clears the blacklist at the start of each attempt.
	BlacklistPerAttempt
)

type SyncSourceCfg struct {
	BlacklistDuration time.Duration
	BlacklistScope    BlacklistScope
}

type StorageCfg struct {
	DataDir string
}

type TransportCfg struct {
	// RequestTimeout bounds a single remote command.
	RequestTimeout time.Duration
	// Per sync source circuit breaker.
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerResetTimeout     time.Duration
}
