package api

import (
	"cmp"
	"fmt"
	"time"
)

// Timestamp is a hybrid logical clock value: seconds plus an increment
// within that second.
type Timestamp struct {
	T uint32 `json:"t"`
	I uint32 `json:"i"`
}

// AllowUnstableCheckpointsSentinel marks the initial data timestamp while
// initial sync is in progress.
var AllowUnstableCheckpointsSentinel = Timestamp{T: 0, I: 1}

func (ts Timestamp) Compare(other Timestamp) int {
	if c := cmp.Compare(ts.T, other.T); c != 0 {
		return c
	}
	return cmp.Compare(ts.I, other.I)
}

func (ts Timestamp) Less(other Timestamp) bool { return ts.Compare(other) < 0 }

func (ts Timestamp) IsNull() bool { return ts.T == 0 && ts.I == 0 }

func (ts Timestamp) String() string {
	return fmt.Sprintf("Timestamp(%d, %d)", ts.T, ts.I)
}

// OpTime identifies an oplog entry: its timestamp and the term it was written in.
type OpTime struct {
	TS   Timestamp `json:"ts"`
	Term int64     `json:"t"`
}

// UninitializedTerm is the term of an OpTime that was never set.
const UninitializedTerm int64 = -1

// Compare orders optimes by timestamp first, then by term.
func (o OpTime) Compare(other OpTime) int {
	if c := o.TS.Compare(other.TS); c != 0 {
		return c
	}
	return cmp.Compare(o.Term, other.Term)
}

func (o OpTime) Less(other OpTime) bool { return o.Compare(other) < 0 }

func (o OpTime) IsNull() bool { return o.TS.IsNull() }

func (o OpTime) String() string {
	return fmt.Sprintf("{ ts: %s, t: %d }", o.TS, o.Term)
}

// OpTimeAndWallTime pairs an OpTime with the wall clock time of the write.
type OpTimeAndWallTime struct {
	OpTime   OpTime    `json:"opTime"`
	WallTime time.Time `json:"wallTime"`
}

// DataConsistency tags a persisted last applied optime.
type DataConsistency int

const (
	Inconsistent DataConsistency = iota
	Consistent
)

func (c DataConsistency) String() string {
	if c == Consistent {
		return "consistent"
	}
	return "inconsistent"
}
