// Package selector provides sync source selectors: a fixed host list and a
// list discovered through DNS SRV records.
package selector

import (
	"slices"
	"sync"
	"time"

	"github.com/shrtyk/initial-sync/api"
)

var _ api.SyncSourceSelector = (*Static)(nil)

// Static hands out its hosts round robin, skipping blacklisted ones.
type Static struct {
	mu        sync.Mutex
	hosts     []string
	next      int
	blacklist map[string]time.Time
	now       func() time.Time
}

func NewStatic(hosts ...string) *Static {
	return &Static{
		hosts:     slices.Clone(hosts),
		blacklist: make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetHosts replaces the candidate list. Blacklist entries are kept.
func (s *Static) SetHosts(hosts []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts = slices.Clone(hosts)
	s.next = 0
}

func (s *Static) Hosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.hosts)
}

func (s *Static) ChooseNewSyncSource(api.OpTime) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for range len(s.hosts) {
		h := s.hosts[s.next%len(s.hosts)]
		s.next = (s.next + 1) % len(s.hosts)
		if until, ok := s.blacklist[h]; ok {
			if now.Before(until) {
				continue
			}
			delete(s.blacklist, h)
		}
		return h
	}
	return ""
}

func (s *Static) BlacklistSyncSource(host string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.blacklist[host]; ok && cur.After(until) {
		return
	}
	s.blacklist[host] = until
}

func (s *Static) ClearSyncSourceBlacklist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.blacklist)
}

// ShouldChangeSyncSource always keeps the current source; a static list
// carries no topology to compare replies against.
func (s *Static) ShouldChangeSyncSource(string, api.Document) bool {
	return false
}
