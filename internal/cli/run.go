package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/shrtyk/initial-sync/api"
	"github.com/shrtyk/initial-sync/initsync"
	"github.com/shrtyk/initial-sync/pkg/executor"
	"github.com/shrtyk/initial-sync/pkg/logger"
	"github.com/shrtyk/initial-sync/pkg/selector"
	"github.com/shrtyk/initial-sync/pkg/storage"
	"github.com/shrtyk/initial-sync/pkg/transport"
	"github.com/spf13/cobra"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run initial sync until it completes",
		Long: `Run initial sync against the configured sync sources.

Progress is served over HTTP on node.progress_listener while the sync runs.
SIGINT or SIGTERM cancels the sync.

Example:
  initsync run --config ./initsync.toml`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, rootOpts)
		},
	}
}

type completion struct {
	lastApplied api.OpTimeAndWallTime
	err         error
}

func runSync(cmd *cobra.Command, opts *RootOptions) error {
	cfg, err := LoadConfig(opts.Fs, opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.requireSyncSource(); err != nil {
		return err
	}
	syncCfg := cfg.SyncConfig()
	log := logger.NewLogger(syncCfg.Log.Env, false)

	if cfg.Node.Gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			return fmt.Errorf("failed to start gops agent: %w", err)
		}
		defer agent.Close()
	}

	if err := opts.Fs.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	st, err := storage.Open(cfg.databasePath(), log)
	if err != nil {
		return err
	}
	defer closeLogged(log, "storage", st.Close)
	markers, err := storage.NewDiskvMarkers(cfg.markersDir())
	if err != nil {
		return err
	}
	runner := transport.NewGRPCRunner(syncCfg.Transport, log)
	defer closeLogged(log, "transport", runner.Close)

	exec := executor.New()
	defer func() {
		exec.Shutdown()
		exec.Join()
	}()

	optimes := new(nodeOptimes)
	done := make(chan completion, 1)
	syncer, err := initsync.NewSyncerBuilder(
		initsync.Options{
			GetMyLastOptime:    optimes.get,
			SetMyLastOptime:    optimes.set,
			ResetOptimes:       optimes.reset,
			SyncSourceSelector: newSelector(cfg, log),
		},
		exec,
		runner,
		st,
		markers,
		st.ApplyOps,
		func(lastApplied api.OpTimeAndWallTime, err error) {
			done <- completion{lastApplied: lastApplied, err: err}
		},
	).WithConfig(syncCfg).WithLogger(log).Build()
	if err != nil {
		return err
	}

	progress := initsync.NewProgressServer(cfg.Node.ProgressListener, syncer, log)
	if _, err := progress.Start(); err != nil {
		return fmt.Errorf("failed to start progress server: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		closeLogged(log, "progress server", func() error { return progress.Stop(ctx) })
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := syncer.Startup(ctx, cfg.Node.MaxAttempts); err != nil {
		return err
	}

	var res completion
	select {
	case res = <-done:
	case <-ctx.Done():
		log.Info("received signal, shutting down initial sync")
		if err := syncer.Shutdown(); err != nil {
			log.Warn("initial sync shutdown failed", logger.ErrAttr(err))
		}
		res = <-done
	}
	syncer.Join()

	if res.err != nil {
		return fmt.Errorf("initial sync failed: %w", res.err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "initial sync complete, last applied %s\n", res.lastApplied.OpTime)
	return nil
}

func newSelector(cfg *FileConfig, log *slog.Logger) api.SyncSourceSelector {
	if cfg.SyncSource.Seed != "" {
		return selector.NewDNSSeedSelector(cfg.SyncSource.Seed, cfg.SyncSource.DNSServer, cfg.SyncSource.SeedRefresh, log)
	}
	return selector.NewStatic(cfg.SyncSource.Hosts...)
}

func closeLogged(log *slog.Logger, what string, fn func() error) {
	if err := fn(); err != nil {
		log.Warn("failed to close "+what, logger.ErrAttr(err))
	}
}

// nodeOptimes stands in for the replication coordinator's last applied
// optime when running standalone.
type nodeOptimes struct {
	mu          sync.Mutex
	last        api.OpTimeAndWallTime
	consistency api.DataConsistency
}

func (o *nodeOptimes) get() api.OpTime {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last.OpTime
}

func (o *nodeOptimes) set(ot api.OpTimeAndWallTime, c api.DataConsistency) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last, o.consistency = ot, c
}

func (o *nodeOptimes) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last = api.OpTimeAndWallTime{}
}
