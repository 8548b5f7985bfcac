package initsync

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shrtyk/initial-sync/api"
	"github.com/shrtyk/initial-sync/internal/sim"
	"github.com/shrtyk/initial-sync/pkg/executor"
	"github.com/shrtyk/initial-sync/pkg/logger"
	"github.com/stretchr/testify/require"
)

const joinTimeout = 5 * time.Second

type completion struct {
	calls       int
	lastApplied api.OpTimeAndWallTime
	err         error
}

type harness struct {
	t *testing.T

	src      *sim.Source
	storage  *sim.Storage
	markers  *sim.Markers
	selector *sim.Selector
	optimes  *sim.Optimes
	applier  *sim.Applier
	exec     *executor.Executor
	cfg      *api.SyncConfig
	hooks    api.Hooks
	logs     *bytes.Buffer

	// onCompletion replaces the recording callback when set.
	onCompletion api.OnCompletionFunc
	newCloner    api.ClonerFactory
	// applyFn replaces applier.Apply when set.
	applyFn api.MultiApplyFunc

	mu     sync.Mutex
	result completion

	syncer *InitialSyncer
}

func newHarness(t *testing.T, hosts ...string) *harness {
	t.Helper()
	if len(hosts) == 0 {
		hosts = []string{"host:1"}
	}
	src := sim.NewSource()
	src.SetDefault(sim.RouteListDatabases, sim.Reply{Doc: sim.NoDatabases()})
	return &harness{
		t:        t,
		src:      src,
		storage:  sim.NewStorage(),
		markers:  &sim.Markers{},
		selector: sim.NewSelector(hosts...),
		optimes:  &sim.Optimes{},
		applier:  &sim.Applier{},
		exec:     executor.New(),
		cfg:      TestsConfig(),
	}
}

func (h *harness) record(lastApplied api.OpTimeAndWallTime, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result.calls++
	h.result.lastApplied = lastApplied
	h.result.err = err
}

func (h *harness) completion() completion {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

func (h *harness) build() *InitialSyncer {
	h.t.Helper()
	buf, log := logger.NewTestLogger()
	h.logs = buf

	cb := h.onCompletion
	if cb == nil {
		cb = h.record
	}
	applyFn := h.applyFn
	if applyFn == nil {
		applyFn = h.applier.Apply
	}
	b := NewSyncerBuilder(
		Options{
			GetMyLastOptime:    h.optimes.Get,
			SetMyLastOptime:    h.optimes.Set,
			ResetOptimes:       h.optimes.Reset,
			SyncSourceSelector: h.selector,
		},
		h.exec,
		h.src,
		h.storage,
		h.markers,
		applyFn,
		cb,
	).WithConfig(h.cfg).WithLogger(log).WithHooks(h.hooks)
	if h.newCloner != nil {
		b = b.WithClonerFactory(h.newCloner)
	}

	s, err := b.Build()
	require.NoError(h.t, err)
	h.syncer = s.(*InitialSyncer)

	h.t.Cleanup(func() {
		_ = h.syncer.Shutdown()
		h.exec.Shutdown()
		h.exec.Join()
	})
	return h.syncer
}

// run starts the syncer and waits for it to complete.
func (h *harness) run(maxAttempts int) completion {
	h.t.Helper()
	s := h.syncer
	if s == nil {
		s = h.build()
	}
	require.NoError(h.t, s.Startup(context.Background(), maxAttempts))
	h.join()
	return h.completion()
}

func (h *harness) join() {
	h.t.Helper()
	done := make(chan struct{})
	go func() {
		h.syncer.Join()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(joinTimeout):
		h.t.Fatalf("initial syncer did not complete in %v; %s\nlogs:\n%s", joinTimeout, h.src, h.logs)
	}
}

// waitForRequest blocks until the source has received n requests on route.
func (h *harness) waitForRequest(route string, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.src.Count(route) >= n
	}, joinTimeout, time.Millisecond, "no %d requests on %s", n, route)
}

// scriptPrelude answers every remote read up to the clone stage. begin is
// both the default begin fetching and the begin applying entry.
func (h *harness) scriptPrelude(rbid int64, begin uint32) {
	h.src.PushDocs(sim.RouteRBID, sim.RBID(rbid))
	h.src.PushDocs(sim.RouteLastEntry, sim.LastEntry(begin))
	h.src.PushDocs(sim.RouteTransactions, sim.NoTransactions())
	h.src.PushDocs(sim.RouteLastEntry, sim.LastEntry(begin))
	h.src.PushDocs(sim.RouteVersion, sim.FCV("4.4"))
}

// scriptAttempt scripts a whole attempt that tails docs and stops at stop.
func (h *harness) scriptAttempt(baseRBID, finalRBID int64, begin, stop uint32, docs ...api.Document) {
	h.scriptPrelude(baseRBID, begin)
	h.src.PushDocs(sim.RouteTail, sim.FirstBatch(1, api.OplogNS, docs...))
	h.src.PushDocs(sim.RouteLastEntry, sim.LastEntry(stop))
	h.src.PushDocs(sim.RouteRBID, sim.RBID(finalRBID))
}

func oplogTimestamps(t *testing.T, docs []api.Document) []uint32 {
	t.Helper()
	out := make([]uint32, 0, len(docs))
	for _, d := range docs {
		ts, err := d.Timestamp("ts")
		require.NoError(t, err)
		out = append(out, ts.T)
	}
	return out
}
