package sim

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/shrtyk/initial-sync/api"
)

// Storage is an in-memory api.Storage that records every call.
type Storage struct {
	mu          sync.Mutex
	calls       []string
	collections map[string][]api.Document
	initialTS   api.Timestamp
	stableTS    api.Timestamp

	// FailOn makes the named call return the error.
	FailOn map[string]error
}

var _ api.Storage = (*Storage)(nil)

func NewStorage() *Storage {
	return &Storage{
		collections: make(map[string][]api.Document),
		FailOn:      make(map[string]error),
	}
}

func (s *Storage) record(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	return s.FailOn[call]
}

// Calls returns the names of recorded calls in order.
func (s *Storage) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// Collection returns a copy of the documents stored under ns.
func (s *Storage) Collection(ns string) []api.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.collections[ns])
}

func (s *Storage) InitialDataTimestamp() api.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialTS
}

func (s *Storage) StableTimestamp() api.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stableTS
}

func (s *Storage) CreateOplog(ctx context.Context) error {
	if err := s.record("CreateOplog"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[api.OplogNS]; !ok {
		s.collections[api.OplogNS] = nil
	}
	return nil
}

func (s *Storage) TruncateOplog(ctx context.Context) error {
	if err := s.record("TruncateOplog"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[api.OplogNS] = nil
	return nil
}

func (s *Storage) InsertDocument(ctx context.Context, ns string, doc api.Document) error {
	return s.InsertDocuments(ctx, ns, []api.Document{doc})
}

func (s *Storage) InsertDocuments(ctx context.Context, ns string, docs []api.Document) error {
	if err := s.record("InsertDocuments:" + ns); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[ns] = append(s.collections[ns], docs...)
	if ns == api.OplogNS {
		// The oplog reads back in ts order whatever the insertion order.
		slices.SortStableFunc(s.collections[ns], func(a, b api.Document) int {
			ta, _ := a.Timestamp("ts")
			tb, _ := b.Timestamp("ts")
			return ta.Compare(tb)
		})
	}
	return nil
}

func (s *Storage) DropCollection(ctx context.Context, ns string) error {
	if err := s.record("DropCollection:" + ns); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, ns)
	return nil
}

func (s *Storage) DropReplicatedDatabases(ctx context.Context) error {
	if err := s.record("DropReplicatedDatabases"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ns := range s.collections {
		if !strings.HasPrefix(ns, api.LocalDB+".") {
			delete(s.collections, ns)
		}
	}
	return nil
}

func (s *Storage) CreateCollectionForBulkLoading(
	ctx context.Context,
	ns string,
	options api.Document,
	idIndexSpec api.Document,
	secondaryIndexSpecs []api.Document,
) (api.CollectionBulkLoader, error) {
	if err := s.record("CreateCollectionForBulkLoading:" + ns); err != nil {
		return nil, err
	}
	return &bulkLoader{s: s, ns: ns}, nil
}

func (s *Storage) SetInitialDataTimestamp(ts api.Timestamp) {
	_ = s.record("SetInitialDataTimestamp")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialTS = ts
}

func (s *Storage) SetStableTimestamp(ts api.Timestamp) {
	_ = s.record("SetStableTimestamp")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stableTS = ts
}

type bulkLoader struct {
	s    *Storage
	ns   string
	docs []api.Document
}

func (l *bulkLoader) InsertDocuments(ctx context.Context, docs []api.Document) error {
	l.docs = append(l.docs, docs...)
	return nil
}

func (l *bulkLoader) Commit(ctx context.Context) error {
	if err := l.s.record("Commit:" + l.ns); err != nil {
		return err
	}
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.collections[l.ns] = append(l.s.collections[l.ns], l.docs...)
	return nil
}

func (l *bulkLoader) Abort() {
	l.docs = nil
}

// Markers is an in-memory api.ConsistencyMarkers.
type Markers struct {
	mu      sync.Mutex
	flag    bool
	id      string
	history []bool

	FailSet error
}

var _ api.ConsistencyMarkers = (*Markers)(nil)

func (m *Markers) GetInitialSyncFlag(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flag, nil
}

func (m *Markers) SetInitialSyncFlag(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSet != nil {
		return m.FailSet
	}
	m.flag = true
	m.history = append(m.history, true)
	return nil
}

func (m *Markers) ClearInitialSyncFlag(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flag = false
	m.history = append(m.history, false)
	return nil
}

func (m *Markers) GetInitialSyncID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, nil
}

func (m *Markers) SetInitialSyncID(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
	return nil
}

// FlagHistory returns every flag value ever written.
func (m *Markers) FlagHistory() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}
