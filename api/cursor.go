package api

import "fmt"

// Cursor is the parsed cursor part of a find, getMore or list reply.
type Cursor struct {
	ID    int64
	NS    string
	Batch []Document
}

// Exhausted reports whether the remote cursor is closed.
func (c Cursor) Exhausted() bool { return c.ID == 0 }

// ParseCursorReply checks reply for ok: 0 and reads its cursor.
// Either firstBatch or nextBatch is accepted.
func ParseCursorReply(reply Document) (Cursor, error) {
	if err := CheckReply(reply); err != nil {
		return Cursor{}, err
	}
	sub, err := reply.Doc("cursor")
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor reply: %w", err)
	}
	var c Cursor
	if c.ID, err = sub.Int64("id"); err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor reply: %w", err)
	}
	c.NS, _ = sub.String("ns")

	field := "firstBatch"
	if !sub.Has(field) {
		field = "nextBatch"
	}
	if c.Batch, err = sub.Docs(field); err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor reply: %w", err)
	}
	return c, nil
}
