package initsync

import (
	"encoding/json"
	"slices"

	"github.com/shrtyk/initial-sync/api"
	"github.com/shrtyk/initial-sync/pkg/logger"
)

func (s *InitialSyncer) Progress() api.Progress {
	s.mu.Lock()
	p := api.Progress{
		FailedInitialSyncAttempts:    s.stats.failedAttempts,
		MaxFailedInitialSyncAttempts: s.stats.maxAttempts,
		InitialSyncID:                s.stats.syncID,
		AppliedOps:                   s.live.appliedOps,
		InitialSyncAttempts:          slices.Clone(s.stats.attempts),
	}
	if p.InitialSyncAttempts == nil {
		p.InitialSyncAttempts = []api.AttemptRecord{}
	}
	if !s.stats.start.IsZero() {
		start := s.stats.start
		p.InitialSyncStart = &start
	}
	if !s.stats.end.IsZero() {
		end := s.stats.end
		elapsed := end.Sub(s.stats.start).Milliseconds()
		p.InitialSyncEnd = &end
		p.InitialSyncElapsedMillis = &elapsed
	}
	if s.live.beginApplying != nil {
		ts := *s.live.beginApplying
		p.InitialSyncOplogStart = &ts
	}
	if s.live.stop != nil {
		ts := *s.live.stop
		p.InitialSyncOplogEnd = &ts
	}
	cloner := s.live.cloner
	s.mu.Unlock()

	if cloner != nil {
		p.Databases = s.boundedClonerStats(cloner.Stats())
	}
	return p
}

// boundedClonerStats drops the cloner stats when they would not fit in a
// single progress document.
func (s *InitialSyncer) boundedClonerStats(stats api.ClonerStats) *api.ClonerStats {
	raw, err := json.Marshal(stats)
	if err != nil {
		s.logger.Warn("failed to encode cloner stats for progress", logger.ErrAttr(err))
		return nil
	}
	if len(raw) > s.cfg.Progress.MaxClonerStatsBytes {
		s.logger.Debug("omitting cloner stats from progress",
			"size", len(raw),
			"limit", s.cfg.Progress.MaxClonerStatsBytes,
		)
		return nil
	}
	return &stats
}
