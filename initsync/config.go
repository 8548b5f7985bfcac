package initsync

import (
	"time"

	"github.com/shrtyk/initial-sync/api"
	"github.com/shrtyk/initial-sync/pkg/logger"
)

const (
	defaultSupportedVersions = ">= 4.2, <= 4.4"

	// 16MiB, the largest document a progress report may embed.
	defaultMaxClonerStatsBytes = 16 * 1024 * 1024
)

func DefaultConfig() *api.SyncConfig {
	return &api.SyncConfig{
		Log: api.LoggerCfg{
			Env: logger.Dev,
		},
		Timings: api.SyncTimings{
			SyncSourceRetryWait:   time.Second,
			InitialSyncRetryWait:  time.Second,
			ApplierBatchRetryWait: 100 * time.Millisecond,
			RetryBaseDelay:        150 * time.Millisecond,
		},
		Limits: api.SyncLimits{
			ChooseSyncSourceMaxAttempts:      10,
			LastOplogEntryFetcherMaxAttempts: 3,
			VersionFetcherMaxAttempts:        3,
			ApplierBatchSize:                 5000,
			ClonerBatchSize:                  1000,
			ClonerMaxConcurrency:             4,
			StorageWorkers:                   2,
		},
		Progress: api.ProgressCfg{
			MaxClonerStatsBytes: defaultMaxClonerStatsBytes,
		},
		Versions: api.VersionsCfg{
			SupportedVersions: defaultSupportedVersions,
		},
		SyncSource: api.SyncSourceCfg{
			BlacklistDuration: 10 * time.Second,
			BlacklistScope:    api.BlacklistPersistent,
		},
		Storage: api.StorageCfg{
			DataDir: "data",
		},
		Transport: api.TransportCfg{
			RequestTimeout:          30 * time.Second,
			BreakerFailureThreshold: 5,
			BreakerSuccessThreshold: 1,
			BreakerResetTimeout:     5 * time.Second,
		},
	}
}

func TestsConfig() *api.SyncConfig {
	return &api.SyncConfig{
		Log: api.LoggerCfg{
			Env: logger.Dev,
		},
		Timings: api.SyncTimings{
			SyncSourceRetryWait:   time.Millisecond,
			InitialSyncRetryWait:  time.Millisecond,
			ApplierBatchRetryWait: time.Millisecond,
			RetryBaseDelay:        time.Millisecond,
		},
		Limits: api.SyncLimits{
			ChooseSyncSourceMaxAttempts:      10,
			LastOplogEntryFetcherMaxAttempts: 3,
			VersionFetcherMaxAttempts:        3,
			ApplierBatchSize:                 2,
			ClonerBatchSize:                  10,
			ClonerMaxConcurrency:             2,
			StorageWorkers:                   1,
		},
		Progress: api.ProgressCfg{
			MaxClonerStatsBytes: defaultMaxClonerStatsBytes,
		},
		Versions: api.VersionsCfg{
			SupportedVersions: defaultSupportedVersions,
		},
		SyncSource: api.SyncSourceCfg{
			BlacklistDuration: time.Minute,
			BlacklistScope:    api.BlacklistPersistent,
		},
		Transport: api.TransportCfg{
			RequestTimeout:          time.Second,
			BreakerFailureThreshold: 3,
			BreakerSuccessThreshold: 1,
			BreakerResetTimeout:     50 * time.Millisecond,
		},
	}
}
