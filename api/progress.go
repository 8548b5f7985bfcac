package api

import (
	"encoding/json"
	"time"
)

// AttemptRecord describes one finished initial sync attempt.
type AttemptRecord struct {
	Status         string `json:"status"`
	DurationMillis int64  `json:"durationMillis"`
	SyncSource     string `json:"syncSource"`
}

// Progress is a point-in-time view of an initial syncer.
type Progress struct {
	FailedInitialSyncAttempts    int             `json:"failedInitialSyncAttempts"`
	MaxFailedInitialSyncAttempts int             `json:"maxFailedInitialSyncAttempts"`
	InitialSyncID                string          `json:"initialSyncId,omitempty"`
	InitialSyncStart             *time.Time      `json:"initialSyncStart,omitempty"`
	InitialSyncEnd               *time.Time      `json:"initialSyncEnd,omitempty"`
	InitialSyncElapsedMillis     *int64          `json:"initialSyncElapsedMillis,omitempty"`
	InitialSyncOplogStart        *Timestamp      `json:"initialSyncOplogStart,omitempty"`
	InitialSyncOplogEnd          *Timestamp      `json:"initialSyncOplogEnd,omitempty"`
	AppliedOps                   int64           `json:"appliedOps"`
	InitialSyncAttempts          []AttemptRecord `json:"initialSyncAttempts"`
	Databases                    *ClonerStats    `json:"databases,omitempty"`
}

// CollectionStats counts the progress of one collection clone.
type CollectionStats struct {
	NS              string
	DocumentsToCopy int64
	DocumentsCopied int64
	Indexes         int
	ReceivedBatches int
	Start           time.Time
	End             time.Time
}

// DatabaseStats aggregates the collection clones of one database.
type DatabaseStats struct {
	Name              string
	Collections       int
	ClonedCollections int
	CollectionStats   []CollectionStats
}

// ClonerStats is the cloner part of Progress.
type ClonerStats struct {
	DatabasesCloned int
	Databases       []DatabaseStats
}

// MarshalJSON renders databases and collections keyed by name:
//
//	{"databasesCloned": 1, "db": {"collections": 1, "clonedCollections": 1, "db.c": {...}}}
func (s ClonerStats) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Databases)+1)
	out["databasesCloned"] = s.DatabasesCloned
	for _, db := range s.Databases {
		dbOut := make(map[string]any, len(db.CollectionStats)+2)
		dbOut["collections"] = db.Collections
		dbOut["clonedCollections"] = db.ClonedCollections
		for _, c := range db.CollectionStats {
			coll := map[string]any{
				"documentsToCopy": c.DocumentsToCopy,
				"documentsCopied": c.DocumentsCopied,
				"indexes":         c.Indexes,
				"receivedBatches": c.ReceivedBatches,
			}
			if !c.Start.IsZero() {
				coll["start"] = c.Start
			}
			if !c.End.IsZero() {
				coll["end"] = c.End
				coll["elapsedMillis"] = c.End.Sub(c.Start).Milliseconds()
			}
			dbOut[c.NS] = coll
		}
		out[db.Name] = dbOut
	}
	return json.Marshal(out)
}
