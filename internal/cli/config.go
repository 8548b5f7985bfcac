package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shrtyk/initial-sync/api"
	"github.com/shrtyk/initial-sync/initsync"
	"github.com/shrtyk/initial-sync/pkg/logger"
	"github.com/spf13/afero"
)

// DefaultConfigPath is read when --config is not given.
const DefaultConfigPath = "initsync.toml"

// FileConfig is the TOML configuration of the initsync binary. Unset
// values keep the library defaults.
type FileConfig struct {
	Node struct {
		Env              string `toml:"env"`
		DataDir          string `toml:"data_dir"`
		ProgressListener string `toml:"progress_listener"`
		MaxAttempts      int    `toml:"max_attempts"`
		Gops             bool   `toml:"gops"`
	} `toml:"node"`
	SyncSource struct {
		Hosts             []string      `toml:"hosts"`
		Seed              string        `toml:"seed"`
		DNSServer         string        `toml:"dns_server"`
		SeedRefresh       time.Duration `toml:"seed_refresh"`
		BlacklistDuration time.Duration `toml:"blacklist_duration"`
		BlacklistScope    string        `toml:"blacklist_scope"`
	} `toml:"sync_source"`
	Transport struct {
		RequestTimeout          time.Duration `toml:"request_timeout"`
		BreakerFailureThreshold int           `toml:"breaker_failure_threshold"`
		BreakerSuccessThreshold int           `toml:"breaker_success_threshold"`
		BreakerResetTimeout     time.Duration `toml:"breaker_reset_timeout"`
	} `toml:"transport"`
	Limits struct {
		ApplierBatchSize     int `toml:"applier_batch_size"`
		ClonerBatchSize      int `toml:"cloner_batch_size"`
		ClonerMaxConcurrency int `toml:"cloner_max_concurrency"`
	} `toml:"limits"`
	Versions struct {
		Supported string `toml:"supported"`
	} `toml:"versions"`
}

func defaultFileConfig() *FileConfig {
	c := new(FileConfig)
	c.Node.Env = "dev"
	c.Node.DataDir = "data"
	c.Node.ProgressListener = "127.0.0.1:8090"
	c.Node.MaxAttempts = 10
	c.SyncSource.DNSServer = "127.0.0.1:53"
	c.SyncSource.SeedRefresh = 30 * time.Second
	c.SyncSource.BlacklistScope = "persistent"
	return c
}

// LoadConfig reads path from fsys. A missing file at the default path
// yields the defaults; any other missing file is an error.
func LoadConfig(fsys afero.Fs, path string) (*FileConfig, error) {
	cfg := defaultFileConfig()
	data, err := afero.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) && path == DefaultConfigPath {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown config key %q", api.ErrBadValue, undecoded[0].String())
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *FileConfig) validate() error {
	if len(c.SyncSource.Hosts) > 0 && c.SyncSource.Seed != "" {
		return fmt.Errorf("%w: sync_source hosts and seed are exclusive", api.ErrBadValue)
	}
	if c.Node.MaxAttempts < 1 {
		return fmt.Errorf("%w: node.max_attempts must be positive", api.ErrBadValue)
	}
	if _, err := parseBlacklistScope(c.SyncSource.BlacklistScope); err != nil {
		return err
	}
	return nil
}

// requireSyncSource fails unless the config names where to sync from.
func (c *FileConfig) requireSyncSource() error {
	if len(c.SyncSource.Hosts) == 0 && c.SyncSource.Seed == "" {
		return fmt.Errorf("%w: sync_source needs hosts or a seed", api.ErrBadValue)
	}
	return nil
}

func parseBlacklistScope(s string) (api.BlacklistScope, error) {
	switch s {
	case "", "persistent":
		return api.BlacklistPersistent, nil
	case "attempt":
		return api.BlacklistPerAttempt, nil
	}
	return 0, fmt.Errorf("%w: unknown blacklist_scope %q", api.ErrBadValue, s)
}

// SyncConfig overlays the file values on initsync.DefaultConfig.
func (c *FileConfig) SyncConfig() *api.SyncConfig {
	cfg := initsync.DefaultConfig()
	cfg.Log.Env = logger.ParseEnviroment(c.Node.Env)
	cfg.Storage.DataDir = c.Node.DataDir

	if c.SyncSource.BlacklistDuration > 0 {
		cfg.SyncSource.BlacklistDuration = c.SyncSource.BlacklistDuration
	}
	cfg.SyncSource.BlacklistScope, _ = parseBlacklistScope(c.SyncSource.BlacklistScope)

	setIf(&cfg.Transport.RequestTimeout, c.Transport.RequestTimeout)
	setIf(&cfg.Transport.BreakerFailureThreshold, c.Transport.BreakerFailureThreshold)
	setIf(&cfg.Transport.BreakerSuccessThreshold, c.Transport.BreakerSuccessThreshold)
	setIf(&cfg.Transport.BreakerResetTimeout, c.Transport.BreakerResetTimeout)
	setIf(&cfg.Limits.ApplierBatchSize, c.Limits.ApplierBatchSize)
	setIf(&cfg.Limits.ClonerBatchSize, c.Limits.ClonerBatchSize)
	setIf(&cfg.Limits.ClonerMaxConcurrency, c.Limits.ClonerMaxConcurrency)
	if c.Versions.Supported != "" {
		cfg.Versions.SupportedVersions = c.Versions.Supported
	}
	return cfg
}

func setIf[T int | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

func (c *FileConfig) databasePath() string {
	return filepath.Join(c.Node.DataDir, "data.db")
}

func (c *FileConfig) markersDir() string {
	return filepath.Join(c.Node.DataDir, "markers")
}
