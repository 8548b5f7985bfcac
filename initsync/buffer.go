package initsync

import (
	"context"
	"sync"

	"github.com/shrtyk/initial-sync/api"
)

// oplogBuffer holds fetched entries until the applier consumes them.
// The fetcher pushes, the applier pops. It is safe for concurrent use.
type oplogBuffer struct {
	mu         sync.Mutex
	entries    []*api.OplogEntry
	lastPushed api.OpTime
	pushed     int64
	closed     bool

	signalChan chan struct{}
}

var _ api.OplogSink = (*oplogBuffer)(nil)

func newOplogBuffer() *oplogBuffer {
	return &oplogBuffer{signalChan: make(chan struct{}, 1)}
}

func (b *oplogBuffer) Push(ctx context.Context, entries []*api.OplogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	b.mu.Lock()
	b.entries = append(b.entries, entries...)
	b.lastPushed = entries[len(entries)-1].OpTime
	b.pushed += int64(len(entries))
	b.mu.Unlock()
	b.signal()
	return nil
}

// close marks the end of input; no more entries will be pushed.
func (b *oplogBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

func (b *oplogBuffer) signal() {
	select {
	case b.signalChan <- struct{}{}:
	default:
	}
}

// popResult describes the buffer at the moment of a pop.
type popResult struct {
	batch []*api.OplogEntry
	// pastStop is set when the next buffered entry is beyond the stop timestamp.
	pastStop bool
	// drained is set when the buffer is empty and the producer is done.
	drained bool
}

// tryPopBatch removes up to limit entries with timestamps at or before stop.
// A command entry is always returned in a batch of its own.
func (b *oplogBuffer) tryPopBatch(limit int, stop api.Timestamp) popResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for n < len(b.entries) && n < limit {
		e := b.entries[n]
		if stop.Less(e.OpTime.TS) {
			break
		}
		if e.IsCommand() {
			if n == 0 {
				n = 1
			}
			break
		}
		n++
	}
	if n == 0 {
		return popResult{
			pastStop: len(b.entries) > 0,
			drained:  len(b.entries) == 0 && b.closed,
		}
	}

	batch := make([]*api.OplogEntry, n)
	copy(batch, b.entries[:n])
	b.entries = b.entries[n:]
	return popResult{batch: batch}
}

// state returns the optime of the newest pushed entry, whether the buffer
// is drained and whether the producer is done.
func (b *oplogBuffer) state() (lastPushed api.OpTime, empty, closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPushed, len(b.entries) == 0, b.closed
}

func (b *oplogBuffer) count() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushed
}
