package initsync

import (
	"fmt"
	"log/slog"

	"github.com/Masterminds/semver/v3"
	"github.com/shrtyk/initial-sync/api"
	"github.com/shrtyk/initial-sync/internal/dbworker"
	"github.com/shrtyk/initial-sync/pkg/cloner"
	"github.com/shrtyk/initial-sync/pkg/executor"
	"github.com/shrtyk/initial-sync/pkg/fetcher"
	"github.com/shrtyk/initial-sync/pkg/logger"
)

type syncerBuilder struct {
	// required
	opts         Options
	exec         *executor.Executor
	runner       api.CommandRunner
	storage      api.Storage
	markers      api.ConsistencyMarkers
	applyFn      api.MultiApplyFunc
	onCompletion api.OnCompletionFunc

	// optional with defaults
	cfg        *api.SyncConfig
	logger     *slog.Logger
	hooks      api.Hooks
	newCloner  api.ClonerFactory
	newFetcher api.FetcherFactory
}

func NewSyncerBuilder(
	opts Options,
	exec *executor.Executor,
	runner api.CommandRunner,
	storage api.Storage,
	markers api.ConsistencyMarkers,
	applyFn api.MultiApplyFunc,
	onCompletion api.OnCompletionFunc,
) api.SyncerBuilder {
	return &syncerBuilder{
		opts:         opts,
		exec:         exec,
		runner:       runner,
		storage:      storage,
		markers:      markers,
		applyFn:      applyFn,
		onCompletion: onCompletion,
		cfg:          DefaultConfig(),
		newCloner:    cloner.Factory,
		newFetcher:   fetcher.Factory,
	}
}

func (sb *syncerBuilder) Build() (api.InitialSyncer, error) {
	if err := sb.validate(); err != nil {
		return nil, err
	}

	versions, err := semver.NewConstraint(sb.cfg.Versions.SupportedVersions)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid supported versions %q: %w",
			api.ErrBadValue, sb.cfg.Versions.SupportedVersions, err)
	}

	log := sb.logger
	if log == nil {
		log = logger.NewLogger(sb.cfg.Log.Env, false)
	}
	log = log.With(slog.String("component", "initial_sync"))

	s := &InitialSyncer{
		state:        api.PreStart,
		cfg:          sb.cfg,
		opts:         sb.opts,
		logger:       log,
		hooks:        sb.hooks,
		exec:         sb.exec,
		workers:      dbworker.New(sb.cfg.Limits.StorageWorkers, log),
		runner:       sb.runner,
		storage:      sb.storage,
		markers:      sb.markers,
		applyFn:      sb.applyFn,
		newCloner:    sb.newCloner,
		newFetcher:   sb.newFetcher,
		versions:     versions,
		onCompletion: sb.onCompletion,
		done:         make(chan struct{}),
	}
	return s, nil
}

func (sb *syncerBuilder) validate() error {
	switch {
	case sb.exec == nil:
		return fmt.Errorf("%w: task executor cannot be null", api.ErrBadValue)
	case sb.onCompletion == nil:
		return fmt.Errorf("%w: callback function cannot be null", api.ErrBadValue)
	case sb.runner == nil:
		return fmt.Errorf("%w: command runner cannot be null", api.ErrBadValue)
	case sb.storage == nil:
		return fmt.Errorf("%w: storage interface cannot be null", api.ErrBadValue)
	case sb.markers == nil:
		return fmt.Errorf("%w: consistency markers cannot be null", api.ErrBadValue)
	case sb.applyFn == nil:
		return fmt.Errorf("%w: apply function cannot be null", api.ErrBadValue)
	case sb.opts.SyncSourceSelector == nil:
		return fmt.Errorf("%w: sync source selector cannot be null", api.ErrBadValue)
	case sb.opts.GetMyLastOptime == nil || sb.opts.SetMyLastOptime == nil || sb.opts.ResetOptimes == nil:
		return fmt.Errorf("%w: optime callbacks cannot be null", api.ErrBadValue)
	case sb.cfg == nil:
		return fmt.Errorf("%w: config cannot be null", api.ErrBadValue)
	case sb.newCloner == nil || sb.newFetcher == nil:
		return fmt.Errorf("%w: cloner and fetcher factories cannot be null", api.ErrBadValue)
	}
	return nil
}

func (sb *syncerBuilder) WithConfig(cfg *api.SyncConfig) api.SyncerBuilder {
	sb.cfg = cfg
	return sb
}

func (sb *syncerBuilder) WithLogger(l *slog.Logger) api.SyncerBuilder {
	sb.logger = l
	return sb
}

func (sb *syncerBuilder) WithHooks(h api.Hooks) api.SyncerBuilder {
	sb.hooks = h
	return sb
}

func (sb *syncerBuilder) WithClonerFactory(f api.ClonerFactory) api.SyncerBuilder {
	sb.newCloner = f
	return sb
}

func (sb *syncerBuilder) WithFetcherFactory(f api.FetcherFactory) api.SyncerBuilder {
	sb.newFetcher = f
	return sb
}
