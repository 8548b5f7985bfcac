// Package sim provides scripted in-memory collaborators for initial sync tests.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/shrtyk/initial-sync/api"
)

// Routes of the commands initial sync sends.
const (
	RouteRBID          = "replSetGetRBID"
	RouteLastEntry     = "find:local.oplog.rs"
	RouteTail          = "tail:local.oplog.rs"
	RouteGetMore       = "getMore:local.oplog.rs"
	RouteTransactions  = "find:config.transactions"
	RouteVersion       = "find:admin.system.version"
	RouteListDatabases = "listDatabases"
)

// Route names the queue a command is answered from.
func Route(cmd api.Command) string {
	switch cmd.Name {
	case "find":
		coll, _ := cmd.Args["find"].(string)
		if tailable, _ := cmd.Args["tailable"].(bool); tailable {
			return "tail:" + cmd.DB + "." + coll
		}
		return "find:" + cmd.DB + "." + coll
	case "getMore":
		coll, _ := cmd.Args["collection"].(string)
		return "getMore:" + cmd.DB + "." + coll
	case "listCollections":
		return "listCollections:" + cmd.DB
	case "count", "listIndexes":
		coll, _ := cmd.Args[cmd.Name].(string)
		return cmd.Name + ":" + cmd.DB + "." + coll
	default:
		return cmd.Name
	}
}

// Reply is one scripted answer.
type Reply struct {
	Doc api.Document
	Err error
	// Hang blocks the request until its context is done.
	Hang bool
}

// Request is a command received by the Source.
type Request struct {
	Host  string
	Route string
	Cmd   api.Command
}

// Source is a scripted sync source implementing api.CommandRunner.
// Requests without a queued reply block until one is pushed or
// the request context is done.
type Source struct {
	mu       sync.Mutex
	queues   map[string][]Reply
	defaults map[string]Reply
	requests []Request
	changed  chan struct{}
}

var _ api.CommandRunner = (*Source)(nil)

func NewSource() *Source {
	return &Source{
		queues:   make(map[string][]Reply),
		defaults: make(map[string]Reply),
		changed:  make(chan struct{}),
	}
}

// Push queues replies for route, answered in order.
func (s *Source) Push(route string, replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[route] = append(s.queues[route], replies...)
	s.notifyLocked()
}

// PushDocs queues successful replies for route.
func (s *Source) PushDocs(route string, docs ...api.Document) {
	replies := make([]Reply, 0, len(docs))
	for _, d := range docs {
		replies = append(replies, Reply{Doc: d})
	}
	s.Push(route, replies...)
}

// PushErr queues a failed reply for route.
func (s *Source) PushErr(route string, err error) {
	s.Push(route, Reply{Err: err})
}

// SetDefault answers route with r whenever its queue is empty.
func (s *Source) SetDefault(route string, r Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[route] = r
	s.notifyLocked()
}

// Requests returns the requests received for route, or all when route is "".
func (s *Source) Requests(route string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, 0, len(s.requests))
	for _, r := range s.requests {
		if route == "" || r.Route == route {
			out = append(out, r)
		}
	}
	return out
}

// Count returns the number of requests received for route.
func (s *Source) Count(route string) int {
	return len(s.Requests(route))
}

func (s *Source) RunCommand(ctx context.Context, host string, cmd api.Command) (api.Document, error) {
	route := Route(cmd)

	s.mu.Lock()
	s.requests = append(s.requests, Request{Host: host, Route: route, Cmd: cmd})
	s.notifyLocked()
	s.mu.Unlock()

	for {
		s.mu.Lock()
		r, ok := s.nextLocked(route)
		changed := s.changed
		s.mu.Unlock()

		if ok {
			if r.Hang {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			if r.Err != nil {
				return nil, r.Err
			}
			return r.Doc, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

func (s *Source) nextLocked(route string) (Reply, bool) {
	if q := s.queues[route]; len(q) > 0 {
		s.queues[route] = q[1:]
		return q[0], true
	}
	r, ok := s.defaults[route]
	return r, ok
}

func (s *Source) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// String lists pending queue sizes, handy in failure messages.
func (s *Source) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("sim.Source{requests: %d, queues: %d}", len(s.requests), len(s.queues))
}
