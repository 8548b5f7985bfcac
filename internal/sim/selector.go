package sim

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/shrtyk/initial-sync/api"
)

// Selector returns its hosts in order, skipping blacklisted ones.
type Selector struct {
	mu          sync.Mutex
	hosts       []string
	blacklist   map[string]time.Time
	chooseCalls int
	blacklisted []string

	// ChangeSource is returned by ShouldChangeSyncSource.
	ChangeSource bool
}

var _ api.SyncSourceSelector = (*Selector)(nil)

func NewSelector(hosts ...string) *Selector {
	return &Selector{hosts: hosts, blacklist: make(map[string]time.Time)}
}

func (s *Selector) ChooseNewSyncSource(api.OpTime) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chooseCalls++
	now := time.Now()
	for _, h := range s.hosts {
		if until, ok := s.blacklist[h]; ok && now.Before(until) {
			continue
		}
		return h
	}
	return ""
}

func (s *Selector) BlacklistSyncSource(host string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklist[host] = until
	s.blacklisted = append(s.blacklisted, host)
}

func (s *Selector) ClearSyncSourceBlacklist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.blacklist)
}

func (s *Selector) ShouldChangeSyncSource(string, api.Document) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ChangeSource
}

func (s *Selector) ChooseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chooseCalls
}

// Blacklisted returns every host ever blacklisted, in order.
func (s *Selector) Blacklisted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.blacklisted)
}

// SetOptime is one recorded SetMyLastOptime call.
type SetOptime struct {
	OpTime      api.OpTimeAndWallTime
	Consistency api.DataConsistency
	At          time.Time
}

// Optimes records the optime callbacks of an initial syncer.
type Optimes struct {
	mu     sync.Mutex
	last   api.OpTimeAndWallTime
	sets   []SetOptime
	resets int
}

func (o *Optimes) Get() api.OpTime {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last.OpTime
}

func (o *Optimes) Set(ot api.OpTimeAndWallTime, c api.DataConsistency) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last = ot
	o.sets = append(o.sets, SetOptime{OpTime: ot, Consistency: c, At: time.Now()})
}

func (o *Optimes) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last = api.OpTimeAndWallTime{}
	o.resets++
}

func (o *Optimes) Sets() []SetOptime {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.sets)
}

func (o *Optimes) Resets() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resets
}

// Applier records applied batches.
type Applier struct {
	mu      sync.Mutex
	batches [][]*api.OplogEntry

	// Err fails every apply call when set.
	Err error
}

func (a *Applier) Apply(ctx context.Context, ops []*api.OplogEntry) (api.OpTime, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return api.OpTime{}, a.Err
	}
	a.batches = append(a.batches, slices.Clone(ops))
	return ops[len(ops)-1].OpTime, nil
}

func (a *Applier) Batches() [][]*api.OplogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.batches)
}

// Applied returns the timestamps of every applied entry in order.
func (a *Applier) Applied() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []uint32
	for _, b := range a.batches {
		for _, e := range b {
			out = append(out, e.OpTime.TS.T)
		}
	}
	return out
}
