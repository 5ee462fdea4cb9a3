package vm

import (
	"encoding/base64"
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/xlang/gc"
)

// ToValue converts a heap value into a protobuf JSON value. A non-empty
// tuple of pairs becomes an object; other tuples become lists. Bytes are
// base64 encoded. A cycle converts to null.
func ToValue(h *gc.Heap, r gc.Ref) (*structpb.Value, error) {
	return toValue(h, r, make(map[gc.Ref]bool))
}

func toValue(h *gc.Heap, r gc.Ref, visiting map[gc.Ref]bool) (*structpb.Value, error) {
	r = Deref(h, r)
	if visiting[r] {
		return structpb.NewNullValue(), nil
	}
	visiting[r] = true
	defer delete(visiting, r)

	switch o := Get(h, r).(type) {
	case *Null:
		return structpb.NewNullValue(), nil
	case *Bool:
		return structpb.NewBoolValue(o.Value), nil
	case *Int:
		return structpb.NewNumberValue(float64(o.Value)), nil
	case *Float:
		if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
			return nil, valueError(h, "cannot encode non-finite float as JSON", r)
		}
		return structpb.NewNumberValue(o.Value), nil
	case *String:
		return structpb.NewStringValue(o.Value), nil
	case *Bytes:
		return structpb.NewStringValue(base64.StdEncoding.EncodeToString(o.Value)), nil
	case *Tuple:
		if isRecord(h, o) {
			fields := make(map[string]*structpb.Value, len(o.Values))
			for _, e := range o.Values {
				k, v, _ := Pair(Get(h, e))
				ks, ok := As[*String](h, Deref(h, k))
				if !ok {
					return nil, typeError(h, "JSON object keys must be strings", k)
				}
				jv, err := toValue(h, v, visiting)
				if err != nil {
					return nil, err
				}
				fields[ks.Value] = jv
			}
			return structpb.NewStructValue(&structpb.Struct{Fields: fields}), nil
		}
		list := make([]*structpb.Value, 0, len(o.Values))
		for _, e := range o.Values {
			jv, err := toValue(h, e, visiting)
			if err != nil {
				return nil, err
			}
			list = append(list, jv)
		}
		return structpb.NewListValue(&structpb.ListValue{Values: list}), nil
	case *KeyVal, *Named:
		k, v, _ := Pair(o)
		jk, err := toValue(h, k, visiting)
		if err != nil {
			return nil, err
		}
		jv, err := toValue(h, v, visiting)
		if err != nil {
			return nil, err
		}
		return structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{jk, jv}}), nil
	case *Range:
		return structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{
			structpb.NewNumberValue(float64(o.Start)),
			structpb.NewNumberValue(float64(o.End)),
		}}), nil
	}
	return nil, typeError(h, "value cannot be encoded as JSON", r)
}

func isRecord(h *gc.Heap, t *Tuple) bool {
	if len(t.Values) == 0 {
		return false
	}
	for _, e := range t.Values {
		if _, _, ok := Pair(Get(h, e)); !ok {
			return false
		}
	}
	return true
}

// FromValue converts a protobuf JSON value into an owned heap value.
// Integral numbers become Int; objects become tuples of KeyVal sorted by key.
func FromValue(h *gc.Heap, v *structpb.Value) gc.Ref {
	switch k := v.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return NewBool(h, k.BoolValue)
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if isIntegral(n) && n >= math.MinInt64 && n < math.MaxInt64 {
			return NewInt(h, int64(n))
		}
		return NewFloat(h, n)
	case *structpb.Value_StringValue:
		return NewString(h, k.StringValue)
	case *structpb.Value_ListValue:
		vals := make([]gc.Ref, 0, len(k.ListValue.GetValues()))
		for _, e := range k.ListValue.GetValues() {
			vals = append(vals, FromValue(h, e))
		}
		return BuildTuple(h, vals...)
	case *structpb.Value_StructValue:
		fields := k.StructValue.GetFields()
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		vals := make([]gc.Ref, 0, len(keys))
		for _, key := range keys {
			fv := FromValue(h, fields[key])
			vals = append(vals, NewStringKeyVal(h, key, fv))
			h.DropRef(fv)
		}
		return BuildTuple(h, vals...)
	}
	return NewNull(h)
}

func builtinJSONEncode(h *gc.Heap, args gc.Ref) (gc.Ref, error) {
	v, err := singleArg(h, args, "json_encode")
	if err != nil {
		return gc.Nil, err
	}
	jv, err := ToValue(h, v)
	if err != nil {
		return gc.Nil, err
	}
	data, err := protojson.Marshal(jv)
	if err != nil {
		return gc.Nil, valueError(h, fmt.Sprintf("json_encode: %v", err), v)
	}
	return NewString(h, string(data)), nil
}

func builtinJSONDecode(h *gc.Heap, args gc.Ref) (gc.Ref, error) {
	v, err := singleArg(h, args, "json_decode")
	if err != nil {
		return gc.Nil, err
	}
	s, ok := As[*String](h, v)
	if !ok {
		return gc.Nil, typeError(h, "json_decode needs a string", v)
	}
	var jv structpb.Value
	if err := protojson.Unmarshal([]byte(s.Value), &jv); err != nil {
		return gc.Nil, valueError(h, fmt.Sprintf("json_decode: %v", err), v)
	}
	return FromValue(h, &jv), nil
}
