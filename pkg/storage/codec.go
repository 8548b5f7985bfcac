package storage

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/shrtyk/initial-sync/api"
)

// Private CBOR tags for the document types CBOR has no native form for.
const (
	timestampTag = 40001
	dateTag      = 40002
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Deterministic encoding makes encoded _id values usable as keys.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func marshalDocument(doc api.Document) ([]byte, error) {
	return encMode.Marshal(toCBOR(doc))
}

func unmarshalDocument(data []byte) (api.Document, error) {
	var raw map[string]any
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	doc, ok := fromCBOR(raw).(api.Document)
	if !ok {
		return nil, fmt.Errorf("%w: stored value is not a document", api.ErrTypeMismatch)
	}
	return doc, nil
}

// marshalKey encodes a single value, e.g. an _id, deterministically.
func marshalKey(v any) ([]byte, error) {
	return encMode.Marshal(toCBOR(v))
}

func toCBOR(v any) any {
	switch x := v.(type) {
	case api.Timestamp:
		return cbor.Tag{Number: timestampTag, Content: []uint64{uint64(x.T), uint64(x.I)}}
	case time.Time:
		return cbor.Tag{Number: dateTag, Content: x.UnixNano()}
	case api.Document:
		return toCBOR(map[string]any(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, el := range x {
			out[k] = toCBOR(el)
		}
		return out
	case []api.Document:
		out := make([]any, 0, len(x))
		for _, el := range x {
			out = append(out, toCBOR(el))
		}
		return out
	case []any:
		out := make([]any, 0, len(x))
		for _, el := range x {
			out = append(out, toCBOR(el))
		}
		return out
	}
	return v
}

func fromCBOR(v any) any {
	switch x := v.(type) {
	case cbor.Tag:
		switch x.Number {
		case timestampTag:
			if parts, ok := x.Content.([]any); ok && len(parts) == 2 {
				t, tok := parts[0].(int64)
				i, iok := parts[1].(int64)
				if tok && iok {
					return api.Timestamp{T: uint32(t), I: uint32(i)}
				}
			}
		case dateTag:
			if ns, ok := x.Content.(int64); ok {
				return time.Unix(0, ns).UTC()
			}
		}
		return x
	case map[string]any:
		out := make(api.Document, len(x))
		for k, el := range x {
			out[k] = fromCBOR(el)
		}
		return out
	case []any:
		out := make([]any, 0, len(x))
		for _, el := range x {
			out = append(out, fromCBOR(el))
		}
		return out
	}
	return v
}
