package domain

import (
	"encoding/json"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Kind tags the dynamic type held by Value.
type Kind uint8

const (
	// KindAbsent marks a path that does not exist in event data.
	KindAbsent Kind = iota
	// KindNull marks an explicit JSON null.
	KindNull
	// KindString marks a string payload.
	KindString
	// KindNumber marks a numeric payload (all integer and float widths).
	KindNumber
	// KindBool marks a boolean payload.
	KindBool
	// KindList marks an ordered sequence.
	KindList
	// KindObject marks a string-keyed mapping.
	KindObject
)

// String returns kind name for logs.
// Params: none.
// Returns: lower-case kind label.
func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a tagged dynamic value read from event data or condition config.
// Params: Kind selects which payload field is meaningful.
// Returns: type-aware value for operator evaluation.
type Value struct {
	Kind   Kind
	Str    string
	Num    float64
	Bool   bool
	List   []Value
	Object map[string]Value
}

// Absent is the sentinel returned for missing paths.
var Absent = Value{Kind: KindAbsent}

// ValueOf converts a Go value decoded from JSON, TOML or code into Value.
// Params: arbitrary payload.
// Returns: tagged value; unsupported types go through a JSON round trip.
func ValueOf(raw any) Value {
	switch typed := raw.(type) {
	case nil:
		return Value{Kind: KindNull}
	case Value:
		return typed
	case string:
		return Value{Kind: KindString, Str: typed}
	case bool:
		return Value{Kind: KindBool, Bool: typed}
	case float64:
		return Value{Kind: KindNumber, Num: typed}
	case float32:
		return Value{Kind: KindNumber, Num: float64(typed)}
	case int:
		return Value{Kind: KindNumber, Num: float64(typed)}
	case int64:
		return Value{Kind: KindNumber, Num: float64(typed)}
	case int32:
		return Value{Kind: KindNumber, Num: float64(typed)}
	case uint64:
		return Value{Kind: KindNumber, Num: float64(typed)}
	case json.Number:
		if parsed, err := typed.Float64(); err == nil {
			return Value{Kind: KindNumber, Num: parsed}
		}
		return Value{Kind: KindString, Str: typed.String()}
	case []any:
		items := make([]Value, len(typed))
		for i, item := range typed {
			items[i] = ValueOf(item)
		}
		return Value{Kind: KindList, List: items}
	case []string:
		items := make([]Value, len(typed))
		for i, item := range typed {
			items[i] = Value{Kind: KindString, Str: item}
		}
		return Value{Kind: KindList, List: items}
	case map[string]any:
		object := make(map[string]Value, len(typed))
		for key, item := range typed {
			object[key] = ValueOf(item)
		}
		return Value{Kind: KindObject, Object: object}
	}
	return valueOfReflect(reflect.ValueOf(raw))
}

// valueOfReflect handles typed slices, maps and remaining numeric widths.
// Params: reflected payload.
// Returns: tagged value; unknown shapes map to their JSON encoding.
func valueOfReflect(rv reflect.Value) Value {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Value{Kind: KindNull}
		}
		return ValueOf(rv.Elem().Interface())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Value{Kind: KindNumber, Num: float64(rv.Int())}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Value{Kind: KindNumber, Num: float64(rv.Uint())}
	case reflect.Float32, reflect.Float64:
		return Value{Kind: KindNumber, Num: rv.Float()}
	case reflect.String:
		return Value{Kind: KindString, Str: rv.String()}
	case reflect.Bool:
		return Value{Kind: KindBool, Bool: rv.Bool()}
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return Value{Kind: KindNull}
		}
		items := make([]Value, rv.Len())
		for i := range items {
			items[i] = ValueOf(rv.Index(i).Interface())
		}
		return Value{Kind: KindList, List: items}
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		object := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			object[iter.Key().String()] = ValueOf(iter.Value().Interface())
		}
		return Value{Kind: KindObject, Object: object}
	}
	encoded, err := json.Marshal(rv.Interface())
	if err != nil {
		return Value{Kind: KindNull}
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return Value{Kind: KindNull}
	}
	return ValueOf(decoded)
}

// Lookup resolves a dot path inside event data.
// Params: event data map and path like "ticket.assignee.id" or "items.0.sku".
// Returns: resolved value or Absent.
func Lookup(data map[string]any, path string) Value {
	path = strings.TrimSpace(path)
	if path == "" || data == nil {
		return Absent
	}
	segments := strings.Split(path, ".")
	var current any = data
	for i, segment := range segments {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return Absent
			}
			current = next
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return Absent
			}
			current = node[index]
		default:
			value := ValueOf(current)
			for _, rest := range segments[i:] {
				child, ok := value.child(rest)
				if !ok {
					return Absent
				}
				value = child
			}
			return value
		}
	}
	return ValueOf(current)
}

// child returns one member of an object or list value.
// Params: key or list index.
// Returns: member and true when it exists.
func (v Value) child(segment string) (Value, bool) {
	switch v.Kind {
	case KindObject:
		member, ok := v.Object[segment]
		return member, ok
	case KindList:
		index, err := strconv.Atoi(segment)
		if err != nil || index < 0 || index >= len(v.List) {
			return Value{}, false
		}
		return v.List[index], true
	default:
		return Value{}, false
	}
}

// IsEmpty reports absent, null, empty string, empty list, or empty object.
// Params: none.
// Returns: emptiness flag.
func (v Value) IsEmpty() bool {
	switch v.Kind {
	case KindAbsent, KindNull:
		return true
	case KindString:
		return v.Str == ""
	case KindList:
		return len(v.List) == 0
	case KindObject:
		return len(v.Object) == 0
	default:
		return false
	}
}

// Equal compares two values strictly by kind and content.
// Params: other value.
// Returns: true when both kinds match and payloads are equal element-wise.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindAbsent, KindNull:
		return true
	case KindString:
		return v.Str == other.Str
	case KindNumber:
		return v.Num == other.Num
	case KindBool:
		return v.Bool == other.Bool
	case KindList:
		if len(v.List) != len(other.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(other.List[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.Object) != len(other.Object) {
			return false
		}
		for key, member := range v.Object {
			otherMember, ok := other.Object[key]
			if !ok || !member.Equal(otherMember) {
				return false
			}
		}
		return true
	}
	return false
}

// Text returns the string form of scalar values.
// Params: none.
// Returns: text and true for string, number and bool kinds.
func (v Value) Text() (string, bool) {
	switch v.Kind {
	case KindString:
		return v.Str, true
	case KindNumber:
		return formatNumber(v.Num), true
	case KindBool:
		return strconv.FormatBool(v.Bool), true
	default:
		return "", false
	}
}

// Keys returns object keys in sorted order.
// Params: none.
// Returns: sorted key list (nil for non-objects).
func (v Value) Keys() []string {
	if v.Kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.Object))
	for key := range v.Object {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// formatNumber renders integral floats without exponent or fraction.
// Params: float value.
// Returns: shortest decimal representation.
func formatNumber(n float64) string {
	if n == math.Trunc(n) && math.Abs(n) < 1e15 {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}

// Interface converts value back into plain Go data.
// Params: none.
// Returns: string, float64, bool, []any, map[string]any or nil.
func (v Value) Interface() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = item.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.Object))
		for key, item := range v.Object {
			out[key] = item.Interface()
		}
		return out
	default:
		return nil
	}
}
