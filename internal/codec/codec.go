// Package codec implements the extended JSON wire format shared by every
// transport. Values that plain JSON cannot carry (dates, regular
// expressions, binary blobs, big integers, non-finite numbers and
// user-registered types) travel as type-tagged objects and are revived
// symmetrically on decode.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sync"
	"time"
)

// Type tags. A decoded object whose first-class keys match one of these
// shapes is revived instead of being returned as a plain map.
const (
	tagDate      = "$date"
	tagInfNaN    = "$InfNaN"
	tagRegexp    = "$regexp"
	tagFlags     = "$flags"
	tagBinary    = "$binary"
	tagBigInt    = "$bigint"
	tagType      = "$type"
	tagValue     = "$value"
	tagUndefined = "$undefined"
)

// Undefined is the decoded form of an `undefined` wire value. It is
// distinct from nil so callers can tell "absent" from "null".
var Undefined = undefined{}

type undefined struct{}

func (undefined) String() string { return "undefined" }

// Regexp carries a regular expression across the wire without forcing a
// compile on either side. Flags use the source convention (i, g, m, ...).
type Regexp struct {
	Pattern string
	Flags   string
}

// Holder is implemented by opaque id-like types (database ids and
// similar) that serialise to their string form under a stable type tag.
type Holder interface {
	TypeTag() string
	String() string
}

// Documenter is implemented by domain models that serialise as their
// plain document. Round-trip preserves value equality, not identity.
type Documenter interface {
	Document() map[string]any
}

// EncodeFunc converts a user value to a plain (JSON-encodable) value.
// It reports false when the value is not of the registered type.
type EncodeFunc func(v any) (plain any, ok bool)

// DecodeFunc revives the plain value produced by the matching EncodeFunc.
type DecodeFunc func(plain any) (any, error)

type customType struct {
	name   string
	encode EncodeFunc
}

// Codec encodes and decodes extended JSON. The zero value is not usable;
// construct with New. Safe for concurrent use.
type Codec struct {
	mu       sync.RWMutex
	encoders []customType
	decoders map[string]DecodeFunc
}

func New() *Codec {
	return &Codec{decoders: make(map[string]DecodeFunc)}
}

// RegisterType installs a user type under name. Encoding consults user
// types in registration order before the built-in reflection walk.
func (c *Codec) RegisterType(name string, enc EncodeFunc, dec DecodeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encoders = append(c.encoders, customType{name: name, encode: enc})
	c.decoders[name] = dec
}

// Encode converts v to extended JSON. Object keys are emitted in sorted
// order at every depth (encoding/json sorts map keys), so Encode output
// is already canonical.
func (c *Codec) Encode(v any) ([]byte, error) {
	plain, drop := c.plain(v, make(map[uintptr]struct{}))
	if drop {
		plain = nil
	}
	data, err := json.Marshal(plain)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return data, nil
}

// Canonical is Encode under its contract name: a deterministic byte form
// suitable for cache keys. Kept separate so call sites document intent.
func (c *Codec) Canonical(v any) ([]byte, error) {
	return c.Encode(v)
}

// plain lowers v to a tree of JSON-encodable values. The second return
// is true when the value must be dropped (cycles, unencodable kinds);
// the parent omits the field or element silently.
func (c *Codec) plain(v any, visited map[uintptr]struct{}) (any, bool) {
	if v == nil {
		return nil, false
	}

	switch t := v.(type) {
	case undefined:
		return map[string]any{tagUndefined: true}, false
	case bool, string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32:
		return t, false
	case float32:
		return encodeFloat(float64(t)), false
	case uint64:
		if t > math.MaxInt64 {
			return map[string]any{tagBigInt: new(big.Int).SetUint64(t).String()}, false
		}
		return t, false
	case float64:
		return encodeFloat(t), false
	case json.Number:
		return t, false
	case time.Time:
		return map[string]any{tagDate: t.UnixMilli()}, false
	case *time.Time:
		if t == nil {
			return nil, false
		}
		return map[string]any{tagDate: t.UnixMilli()}, false
	case *big.Int:
		if t == nil {
			return nil, false
		}
		return map[string]any{tagBigInt: t.String()}, false
	case big.Int:
		return map[string]any{tagBigInt: t.String()}, false
	case []byte:
		return map[string]any{tagBinary: base64.StdEncoding.EncodeToString(t)}, false
	case Regexp:
		return map[string]any{tagRegexp: t.Pattern, tagFlags: t.Flags}, false
	case *Regexp:
		if t == nil {
			return nil, false
		}
		return map[string]any{tagRegexp: t.Pattern, tagFlags: t.Flags}, false
	}

	// User-registered types take precedence over the interface hooks so
	// a registration can override a type's own Holder implementation.
	c.mu.RLock()
	encoders := c.encoders
	c.mu.RUnlock()
	for _, ct := range encoders {
		if plainVal, ok := ct.encode(v); ok {
			lowered, drop := c.plain(plainVal, visited)
			if drop {
				return nil, true
			}
			return map[string]any{tagType: ct.name, tagValue: lowered}, false
		}
	}

	if h, ok := v.(Holder); ok {
		return map[string]any{tagType: h.TypeTag(), tagValue: h.String()}, false
	}
	if d, ok := v.(Documenter); ok {
		return c.plain(d.Document(), visited)
	}

	return c.plainReflect(reflect.ValueOf(v), visited)
}

func (c *Codec) plainReflect(rv reflect.Value, visited map[uintptr]struct{}) (any, bool) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, false
		}
		if rv.Kind() == reflect.Pointer {
			ptr := rv.Pointer()
			if _, seen := visited[ptr]; seen {
				return nil, true // cycle: drop silently
			}
			visited[ptr] = struct{}{}
			defer delete(visited, ptr)
		}
		return c.plain(rv.Elem().Interface(), visited)

	case reflect.Map:
		if rv.IsNil() {
			return nil, false
		}
		if rv.Type().Key().Kind() != reflect.String {
			return nil, true
		}
		ptr := rv.Pointer()
		if _, seen := visited[ptr]; seen {
			return nil, true
		}
		visited[ptr] = struct{}{}
		defer delete(visited, ptr)

		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			val, drop := c.plain(iter.Value().Interface(), visited)
			if drop {
				continue
			}
			out[iter.Key().String()] = val
		}
		return out, false

	case reflect.Slice:
		if rv.IsNil() {
			return []any{}, false
		}
		ptr := rv.Pointer()
		if _, seen := visited[ptr]; seen {
			return nil, true
		}
		visited[ptr] = struct{}{}
		defer delete(visited, ptr)
		fallthrough

	case reflect.Array:
		out := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			val, drop := c.plain(rv.Index(i).Interface(), visited)
			if drop {
				continue
			}
			out = append(out, val)
		}
		return out, false

	case reflect.Struct:
		rt := rv.Type()
		out := make(map[string]any, rt.NumField())
		for i := 0; i < rt.NumField(); i++ {
			field := rt.Field(i)
			if !field.IsExported() {
				continue
			}
			name := jsonFieldName(field)
			if name == "" {
				continue
			}
			val, drop := c.plain(rv.Field(i).Interface(), visited)
			if drop {
				continue
			}
			out[name] = val
		}
		return out, false

	default:
		// chan, func, unsafe pointers: not representable, omit.
		return nil, true
	}
}

func jsonFieldName(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	if tag == "" {
		return field.Name
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			if i == 0 {
				return field.Name
			}
			return tag[:i]
		}
	}
	return tag
}

func encodeFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return map[string]any{tagInfNaN: 0}
	case math.IsInf(f, 1):
		return map[string]any{tagInfNaN: 1}
	case math.IsInf(f, -1):
		return map[string]any{tagInfNaN: -1}
	default:
		return f
	}
}

// Decode parses extended JSON and revives tagged values. Numbers decode
// as float64 (JSON semantics); integers beyond float64 precision travel
// as $bigint and come back as *big.Int.
func (c *Codec) Decode(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return c.revive(raw)
}

func (c *Codec) revive(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		return c.reviveMap(t)
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			revived, err := c.revive(el)
			if err != nil {
				return nil, err
			}
			out[i] = revived
		}
		return out, nil
	default:
		return v, nil
	}
}

func (c *Codec) reviveMap(m map[string]any) (any, error) {
	if ms, ok := m[tagDate]; ok && len(m) == 1 {
		f, ok := ms.(float64)
		if !ok {
			return nil, fmt.Errorf("decode: %s carries non-numeric value %T", tagDate, ms)
		}
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	if sign, ok := m[tagInfNaN]; ok && len(m) == 1 {
		f, ok := sign.(float64)
		if !ok {
			return nil, fmt.Errorf("decode: %s carries non-numeric value %T", tagInfNaN, sign)
		}
		switch {
		case f > 0:
			return math.Inf(1), nil
		case f < 0:
			return math.Inf(-1), nil
		default:
			return math.NaN(), nil
		}
	}
	if pattern, ok := m[tagRegexp]; ok {
		p, ok := pattern.(string)
		if !ok {
			return nil, fmt.Errorf("decode: %s carries non-string pattern %T", tagRegexp, pattern)
		}
		flags, _ := m[tagFlags].(string)
		return Regexp{Pattern: p, Flags: flags}, nil
	}
	if b64, ok := m[tagBinary]; ok && len(m) == 1 {
		s, ok := b64.(string)
		if !ok {
			return nil, fmt.Errorf("decode: %s carries non-string value %T", tagBinary, b64)
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode: %s: %w", tagBinary, err)
		}
		return raw, nil
	}
	if dec, ok := m[tagBigInt]; ok && len(m) == 1 {
		s, ok := dec.(string)
		if !ok {
			return nil, fmt.Errorf("decode: %s carries non-string value %T", tagBigInt, dec)
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("decode: %s carries malformed integer %q", tagBigInt, s)
		}
		return n, nil
	}
	if _, ok := m[tagUndefined]; ok && len(m) == 1 {
		return Undefined, nil
	}
	if name, ok := m[tagType]; ok {
		typeName, ok := name.(string)
		if !ok {
			return nil, fmt.Errorf("decode: %s carries non-string name %T", tagType, name)
		}
		value, err := c.revive(m[tagValue])
		if err != nil {
			return nil, err
		}
		c.mu.RLock()
		dec := c.decoders[typeName]
		c.mu.RUnlock()
		if dec == nil {
			// Unknown user type: keep the tagged shape so the value can
			// still round-trip through an intermediary.
			return map[string]any{tagType: typeName, tagValue: value}, nil
		}
		return dec(value)
	}

	out := make(map[string]any, len(m))
	for k, val := range m {
		revived, err := c.revive(val)
		if err != nil {
			return nil, err
		}
		out[k] = revived
	}
	return out, nil
}
