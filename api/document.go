package api

import (
	"fmt"
	"math"
	"time"
)

// Document is a loosely typed record exchanged with sync sources and storage.
// Timestamps are held as Timestamp values and dates as time.Time.
type Document map[string]any

// Command is a remote command addressed to a database.
type Command struct {
	DB   string
	Name string
	Args Document
}

// NewCommand builds a command whose first argument is {name: value}.
func NewCommand(db, name string, value any, args Document) Command {
	body := make(Document, len(args)+1)
	for k, v := range args {
		body[k] = v
	}
	body[name] = value
	return Command{DB: db, Name: name, Args: body}
}

func (d Document) lookup(key string) (any, error) {
	v, ok := d[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: missing field %q", ErrNoSuchKey, key)
	}
	return v, nil
}

func mismatch(key string, v any) error {
	return fmt.Errorf("%w: field %q has type %T", ErrTypeMismatch, key, v)
}

// Has reports whether key is present.
func (d Document) Has(key string) bool {
	_, ok := d[key]
	return ok
}

func (d Document) Int64(key string) (int64, error) {
	v, err := d.lookup(key)
	if err != nil {
		return 0, err
	}
	n, ok := toInt64(v)
	if !ok {
		return 0, mismatch(key, v)
	}
	return n, nil
}

func (d Document) Float64(key string) (float64, error) {
	v, err := d.lookup(key)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	if n, ok := toInt64(v); ok {
		return float64(n), nil
	}
	return 0, mismatch(key, v)
}

func (d Document) String(key string) (string, error) {
	v, err := d.lookup(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", mismatch(key, v)
	}
	return s, nil
}

func (d Document) Bool(key string) (bool, error) {
	v, err := d.lookup(key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, mismatch(key, v)
	}
	return b, nil
}

func (d Document) Doc(key string) (Document, error) {
	v, err := d.lookup(key)
	if err != nil {
		return nil, err
	}
	doc, ok := AsDocument(v)
	if !ok {
		return nil, mismatch(key, v)
	}
	return doc, nil
}

// Docs returns an array of documents. An element that is not a document
// yields ErrTypeMismatch.
func (d Document) Docs(key string) ([]Document, error) {
	v, err := d.lookup(key)
	if err != nil {
		return nil, err
	}
	switch arr := v.(type) {
	case []Document:
		return arr, nil
	case []any:
		out := make([]Document, 0, len(arr))
		for i, el := range arr {
			doc, ok := AsDocument(el)
			if !ok {
				return nil, fmt.Errorf("%w: element %d of %q has type %T", ErrTypeMismatch, i, key, el)
			}
			out = append(out, doc)
		}
		return out, nil
	}
	return nil, mismatch(key, v)
}

func (d Document) Timestamp(key string) (Timestamp, error) {
	v, err := d.lookup(key)
	if err != nil {
		return Timestamp{}, err
	}
	ts, ok := v.(Timestamp)
	if !ok {
		return Timestamp{}, mismatch(key, v)
	}
	return ts, nil
}

func (d Document) Time(key string) (time.Time, error) {
	v, err := d.lookup(key)
	if err != nil {
		return time.Time{}, err
	}
	t, ok := v.(time.Time)
	if !ok {
		return time.Time{}, mismatch(key, v)
	}
	return t, nil
}

// OpTime reads an embedded {ts, t} document.
func (d Document) OpTime(key string) (OpTime, error) {
	sub, err := d.Doc(key)
	if err != nil {
		return OpTime{}, err
	}
	ts, err := sub.Timestamp("ts")
	if err != nil {
		return OpTime{}, err
	}
	term, err := sub.Int64("t")
	if err != nil {
		return OpTime{}, err
	}
	return OpTime{TS: ts, Term: term}, nil
}

// AsDocument accepts both Document and plain map values.
func AsDocument(v any) (Document, bool) {
	switch m := v.(type) {
	case Document:
		return m, true
	case map[string]any:
		return Document(m), true
	}
	return nil, false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}
