package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shrtyk/initial-sync/api"
	"github.com/shrtyk/initial-sync/initsync"
	"github.com/shrtyk/initial-sync/pkg/logger"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[node]
env = "prod"
data_dir = "/var/lib/initsync"
progress_listener = "127.0.0.1:9999"
max_attempts = 3

[sync_source]
hosts = ["a:27017", "b:27017"]
blacklist_duration = "30s"
blacklist_scope = "attempt"

[transport]
request_timeout = "2s"
breaker_failure_threshold = 7

[limits]
applier_batch_size = 100

[versions]
supported = ">= 4.4"
`

func memFs(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fsys, name, []byte(content), 0o644))
	}
	return fsys
}

func TestLoadConfig(t *testing.T) {
	fsys := memFs(t, map[string]string{"initsync.toml": sampleConfig})

	cfg, err := LoadConfig(fsys, "initsync.toml")
	require.NoError(t, err)
	require.NoError(t, cfg.requireSyncSource())
	assert.Equal(t, []string{"a:27017", "b:27017"}, cfg.SyncSource.Hosts)
	assert.Equal(t, 3, cfg.Node.MaxAttempts)
	assert.Equal(t, "/var/lib/initsync/data.db", cfg.databasePath())

	sc := cfg.SyncConfig()
	def := initsync.DefaultConfig()
	assert.Equal(t, logger.Prod, sc.Log.Env)
	assert.Equal(t, 30*time.Second, sc.SyncSource.BlacklistDuration)
	assert.Equal(t, api.BlacklistPerAttempt, sc.SyncSource.BlacklistScope)
	assert.Equal(t, 2*time.Second, sc.Transport.RequestTimeout)
	assert.Equal(t, 7, sc.Transport.BreakerFailureThreshold)
	assert.Equal(t, def.Transport.BreakerResetTimeout, sc.Transport.BreakerResetTimeout)
	assert.Equal(t, 100, sc.Limits.ApplierBatchSize)
	assert.Equal(t, def.Limits.ClonerBatchSize, sc.Limits.ClonerBatchSize)
	assert.Equal(t, ">= 4.4", sc.Versions.SupportedVersions)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(afero.NewMemMapFs(), DefaultConfigPath)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8090", cfg.Node.ProgressListener)
	assert.ErrorIs(t, cfg.requireSyncSource(), api.ErrBadValue)

	_, err = LoadConfig(afero.NewMemMapFs(), "other.toml")
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"unknown key":      "[node]\nlisten = \"x\"\n",
		"seed and hosts":   "[sync_source]\nhosts = [\"a:1\"]\nseed = \"_s._tcp.x\"\n",
		"bad scope":        "[sync_source]\nblacklist_scope = \"forever\"\n",
		"no attempts":      "[node]\nmax_attempts = 0\n",
		"malformed toml":   "[node\n",
		"duration as text": "[transport]\nrequest_timeout = \"soon\"\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			fsys := memFs(t, map[string]string{"c.toml": content})
			_, err := LoadConfig(fsys, "c.toml")
			assert.Error(t, err)
		})
	}
}

func TestRunRequiresSyncSource(t *testing.T) {
	opts := &RootOptions{
		ConfigPath: "c.toml",
		Fs:         memFs(t, map[string]string{"c.toml": "[node]\nenv = \"dev\"\n"}),
	}
	err := runSync(NewRunCommand(opts), opts)
	require.ErrorIs(t, err, api.ErrBadValue)
	assert.Contains(t, err.Error(), "sync_source needs hosts or a seed")
}

type fixedSource struct{}

func (fixedSource) State() api.State { return api.Running }

func (fixedSource) Progress() api.Progress {
	return api.Progress{
		FailedInitialSyncAttempts:    1,
		MaxFailedInitialSyncAttempts: 10,
		AppliedOps:                   42,
		InitialSyncAttempts:          []api.AttemptRecord{{Status: "failed", SyncSource: "a:1"}},
	}
}

func TestStatusCommand(t *testing.T) {
	_, log := logger.NewTestLogger()
	srv := httptest.NewServer(initsync.NewProgressServer("", fixedSource{}, log).Handler())
	defer srv.Close()

	out := new(bytes.Buffer)
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"status", "--addr", strings.TrimPrefix(srv.URL, "http://")})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "state: Running, failed attempts: 1/10, applied ops: 42")
	assert.Contains(t, out.String(), `"syncSource": "a:1"`)
}

func TestStatusCommandServerError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cmd := NewRootCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{"status", "--addr", strings.TrimPrefix(srv.URL, "http://")})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
