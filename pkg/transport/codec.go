package transport

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shrtyk/initial-sync/api"
	"google.golang.org/protobuf/types/known/structpb"
)

// Extended keys keep the document types structpb cannot carry natively.
const (
	timestampKey = "$timestamp"
	dateKey      = "$date"
	longKey      = "$numberLong"
)

// encodeDocument converts a document into a protobuf Struct.
func encodeDocument(doc api.Document) (*structpb.Struct, error) {
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(doc))}
	for k, v := range doc {
		ev, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out.Fields[k] = ev
	}
	return out, nil
}

func encodeValue(v any) (*structpb.Value, error) {
	switch x := v.(type) {
	case nil:
		return structpb.NewNullValue(), nil
	case bool:
		return structpb.NewBoolValue(x), nil
	case string:
		return structpb.NewStringValue(x), nil
	case float64:
		return structpb.NewNumberValue(x), nil
	case float32:
		return structpb.NewNumberValue(float64(x)), nil
	case int:
		return encodeLong(int64(x)), nil
	case int32:
		return encodeLong(int64(x)), nil
	case int64:
		return encodeLong(x), nil
	case uint32:
		return encodeLong(int64(x)), nil
	case api.Timestamp:
		return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			timestampKey: structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
				"t": structpb.NewNumberValue(float64(x.T)),
				"i": structpb.NewNumberValue(float64(x.I)),
			}}),
		}}), nil
	case time.Time:
		return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			dateKey: structpb.NewNumberValue(float64(x.UnixMilli())),
		}}), nil
	case api.Document:
		s, err := encodeDocument(x)
		if err != nil {
			return nil, err
		}
		return structpb.NewStructValue(s), nil
	case map[string]any:
		return encodeValue(api.Document(x))
	case []api.Document:
		list := make([]*structpb.Value, 0, len(x))
		for _, d := range x {
			ev, err := encodeValue(d)
			if err != nil {
				return nil, err
			}
			list = append(list, ev)
		}
		return structpb.NewListValue(&structpb.ListValue{Values: list}), nil
	case []any:
		list := make([]*structpb.Value, 0, len(x))
		for i, el := range x {
			ev, err := encodeValue(el)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			list = append(list, ev)
		}
		return structpb.NewListValue(&structpb.ListValue{Values: list}), nil
	case []string:
		list := make([]*structpb.Value, 0, len(x))
		for _, el := range x {
			list = append(list, structpb.NewStringValue(el))
		}
		return structpb.NewListValue(&structpb.ListValue{Values: list}), nil
	}
	return nil, fmt.Errorf("%w: unsupported value type %T", api.ErrBadValue, v)
}

func encodeLong(n int64) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		longKey: structpb.NewStringValue(strconv.FormatInt(n, 10)),
	}})
}

// decodeDocument is the inverse of encodeDocument.
func decodeDocument(s *structpb.Struct) (api.Document, error) {
	doc := make(api.Document, len(s.GetFields()))
	for k, v := range s.GetFields() {
		dv, err := decodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		doc[k] = dv
	}
	return doc, nil
}

func decodeValue(v *structpb.Value) (any, error) {
	switch k := v.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return nil, nil
	case *structpb.Value_BoolValue:
		return k.BoolValue, nil
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	case *structpb.Value_NumberValue:
		return k.NumberValue, nil
	case *structpb.Value_ListValue:
		vals := k.ListValue.GetValues()
		out := make([]any, 0, len(vals))
		for i, el := range vals {
			dv, err := decodeValue(el)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out = append(out, dv)
		}
		return out, nil
	case *structpb.Value_StructValue:
		return decodeStruct(k.StructValue)
	}
	return nil, fmt.Errorf("%w: unsupported protobuf value %T", api.ErrBadValue, v.GetKind())
}

// decodeStruct recognizes the extended single-key forms before falling back
// to a plain document.
func decodeStruct(s *structpb.Struct) (any, error) {
	fields := s.GetFields()
	if len(fields) == 1 {
		if ts, ok := fields[timestampKey]; ok {
			inner := ts.GetStructValue().GetFields()
			t, terr := toUint32(inner["t"].GetNumberValue())
			i, ierr := toUint32(inner["i"].GetNumberValue())
			if terr != nil || ierr != nil {
				return nil, fmt.Errorf("%w: invalid %s", api.ErrBadValue, timestampKey)
			}
			return api.Timestamp{T: t, I: i}, nil
		}
		if d, ok := fields[dateKey]; ok {
			return time.UnixMilli(int64(d.GetNumberValue())).UTC(), nil
		}
		if l, ok := fields[longKey]; ok {
			n, err := strconv.ParseInt(l.GetStringValue(), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid %s: %w", api.ErrBadValue, longKey, err)
			}
			return n, nil
		}
	}
	return decodeDocument(s)
}

func toUint32(f float64) (uint32, error) {
	if f < 0 || f > math.MaxUint32 || f != math.Trunc(f) {
		return 0, fmt.Errorf("%v is not a uint32", f)
	}
	return uint32(f), nil
}
