// Package datatype is the external type module the core calls to
// validate attribute values and to produce order-preserving index
// encodings for them. It deliberately does not implement predicate
// evaluation or the client-facing "funcs" language in full generality;
// it gives the core the minimal, concrete surface spec.md §1 describes
// as "specified only as an interface the core calls."
package datatype

import (
	"encoding/binary"
	"errors"
	"math"
	"sort"
)

// ErrWrongType is returned when a raw value does not validate against
// the attribute's declared type. The replication manager drops the
// record at ingress and logs it with hex, per spec.md §7.
var ErrWrongType = errors.New("datatype: value does not match attribute type")

// IndexEncoding describes how a decoded value is turned into bytes
// that sort (big-endian, lexicographically) the same way the value
// orders, per spec.md §3 "Encodings".
type IndexEncoding interface {
	// Fixed reports whether every encoding of this type has the same
	// length, letting pkg/codec omit the explicit length suffix.
	Fixed() bool
	// Encode appends the order-preserving encoding of raw to dst and
	// returns the result.
	Encode(dst, raw []byte) []byte
	// Decode is the left inverse of Encode: decode(encode(x)) == x.
	Decode(encoded []byte) ([]byte, error)
}

// Type is the interface the core calls for each declared attribute.
type Type interface {
	Name() string
	Validate(raw []byte) error
	// Coerce checks a literal supplied for this attribute and returns
	// it. The built-in types only check the literal's width (8 bytes
	// for int64, float64 and timestamp) and return the bytes
	// unchanged; no type converts between representations (an int64
	// literal is not turned into a float64).
	Coerce(raw []byte) ([]byte, error)
	IndexEncoding() IndexEncoding
}

// Lookup resolves the built-in attribute types by name. Spaces
// configured through the coordinator name their attributes using
// these strings.
func Lookup(name string) (Type, bool) {
	t, ok := registry[name]
	return t, ok
}

var registry = map[string]Type{
	"string":    StringType{},
	"int64":     Int64Type{},
	"float64":   Float64Type{},
	"timestamp": TimestampType{},
}

func init() {
	registry["list(string)"] = ListType{Elem: StringType{}}
	registry["list(int64)"] = ListType{Elem: Int64Type{}}
	registry["set(string)"] = SetType{Elem: StringType{}}
	registry["set(int64)"] = SetType{Elem: Int64Type{}}
	registry["map(string,string)"] = MapType{Key: StringType{}, Value: StringType{}}
	registry["map(string,int64)"] = MapType{Key: StringType{}, Value: Int64Type{}}
}

// --- string ---

type StringType struct{}

func (StringType) Name() string             { return "string" }
func (StringType) Validate([]byte) error     { return nil }
func (StringType) Coerce(raw []byte) ([]byte, error) { return raw, nil }
func (StringType) IndexEncoding() IndexEncoding { return stringEncoding{} }

type stringEncoding struct{}

func (stringEncoding) Fixed() bool { return false }
func (stringEncoding) Encode(dst, raw []byte) []byte {
	return append(dst, raw...)
}
func (stringEncoding) Decode(encoded []byte) ([]byte, error) {
	out := make([]byte, len(encoded))
	copy(out, encoded)
	return out, nil
}

// --- int64 ---
//
// Sign-flipped big-endian so lexicographic order on the encoded bytes
// equals signed numeric order: flip the sign bit of the two's
// complement big-endian representation.

type Int64Type struct{}

func (Int64Type) Name() string { return "int64" }
func (Int64Type) Validate(raw []byte) error {
	if len(raw) != 8 {
		return ErrWrongType
	}
	return nil
}
func (Int64Type) Coerce(raw []byte) ([]byte, error) {
	if err := (Int64Type{}).Validate(raw); err != nil {
		return nil, err
	}
	return raw, nil
}
func (Int64Type) IndexEncoding() IndexEncoding { return int64Encoding{} }

type int64Encoding struct{}

func (int64Encoding) Fixed() bool { return true }

func (int64Encoding) Encode(dst, raw []byte) []byte {
	v := int64(binary.BigEndian.Uint64(raw))
	u := uint64(v) ^ (1 << 63)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], u)
	return append(dst, buf[:]...)
}

func (int64Encoding) Decode(encoded []byte) ([]byte, error) {
	if len(encoded) != 8 {
		return nil, ErrWrongType
	}
	u := binary.BigEndian.Uint64(encoded) ^ (1 << 63)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], u)
	return buf[:], nil
}

// --- float64 ---
//
// A 64-bit hash of the raw bytes, big-endian, followed by the raw
// little-endian IEEE-754 bytes. Scans cluster by hash (not by value —
// the hash is not order-preserving across distinct values) while an
// equality lookup reproduces the same hash and therefore the same
// key, matching HyperDex's index_float.cc exactly (spec.md §3).

type Float64Type struct{}

func (Float64Type) Name() string { return "float64" }
func (Float64Type) Validate(raw []byte) error {
	if len(raw) != 8 {
		return ErrWrongType
	}
	return nil
}
func (Float64Type) Coerce(raw []byte) ([]byte, error) {
	if err := (Float64Type{}).Validate(raw); err != nil {
		return nil, err
	}
	return raw, nil
}
func (Float64Type) IndexEncoding() IndexEncoding { return float64Encoding{} }

type float64Encoding struct{}

func (float64Encoding) Fixed() bool { return true }

func (float64Encoding) Encode(dst, raw []byte) []byte {
	h := hashBytes(raw)
	var hbuf [8]byte
	binary.BigEndian.PutUint64(hbuf[:], h)
	dst = append(dst, hbuf[:]...)
	dst = append(dst, raw...)
	return dst
}

func (float64Encoding) Decode(encoded []byte) ([]byte, error) {
	if len(encoded) != 16 {
		return nil, ErrWrongType
	}
	out := make([]byte, 8)
	copy(out, encoded[8:])
	return out, nil
}

// hashBytes is a small FNV-1a variant used only to cluster float scans;
// it need not be order-preserving, only stable across encode calls for
// the same bit pattern (so equality lookups recompute the same prefix).
func hashBytes(b []byte) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for _, c := range b {
		h ^= uint64(c)
		h *= prime64
	}
	return h
}

// DecodeFloat64Bits reinterprets 8 little-endian bytes as a float64,
// used by predicate evaluation to compare against a threshold.
func DecodeFloat64Bits(raw []byte) float64 {
	bits := binary.LittleEndian.Uint64(raw)
	return math.Float64frombits(bits)
}

// --- timestamp ---
//
// Stored as a big-endian unix-nanosecond int64; the encoding reuses
// int64's sign-flip so ordering matches chronological order.

type TimestampType struct{}

func (TimestampType) Name() string { return "timestamp" }
func (TimestampType) Validate(raw []byte) error { return (Int64Type{}).Validate(raw) }
func (TimestampType) Coerce(raw []byte) ([]byte, error) { return (Int64Type{}).Coerce(raw) }
func (TimestampType) IndexEncoding() IndexEncoding { return int64Encoding{} }

// --- containers: list / set / map ---
//
// Composite types index by element (list, set) or by key (map); see
// spec.md §3. SymmetricDifference below computes the sorted symmetric
// difference the way index_container.cc does, so a changed container
// emits one delete/put per distinct element rather than wiping and
// rewriting every entry.

type ListType struct{ Elem Type }

func (l ListType) Name() string { return "list(" + l.Elem.Name() + ")" }
func (l ListType) Validate(raw []byte) error { return nil }
func (l ListType) Coerce(raw []byte) ([]byte, error) { return raw, nil }
func (l ListType) IndexEncoding() IndexEncoding { return l.Elem.IndexEncoding() }

// Elements splits a packed container value into its elements: a
// u32-length-prefixed sequence, matching the object-value layout used
// elsewhere in the store (count ‖ (len ‖ bytes)*), but without the
// leading count since the container is a single attribute value.
func Elements(raw []byte) ([][]byte, error) {
	var out [][]byte
	for len(raw) > 0 {
		if len(raw) < 4 {
			return nil, ErrWrongType
		}
		n := binary.BigEndian.Uint32(raw)
		raw = raw[4:]
		if uint32(len(raw)) < n {
			return nil, ErrWrongType
		}
		out = append(out, raw[:n])
		raw = raw[n:]
	}
	return out, nil
}

func PackElements(elems [][]byte) []byte {
	var out []byte
	for _, e := range elems {
		var lbuf [4]byte
		binary.BigEndian.PutUint32(lbuf[:], uint32(len(e)))
		out = append(out, lbuf[:]...)
		out = append(out, e...)
	}
	return out
}

type SetType struct{ Elem Type }

func (s SetType) Name() string { return "set(" + s.Elem.Name() + ")" }
func (s SetType) Validate(raw []byte) error { return nil }
func (s SetType) Coerce(raw []byte) ([]byte, error) { return raw, nil }
func (s SetType) IndexEncoding() IndexEncoding { return s.Elem.IndexEncoding() }

type MapType struct {
	Key   Type
	Value Type
}

func (m MapType) Name() string { return "map(" + m.Key.Name() + "," + m.Value.Name() + ")" }
func (m MapType) Validate(raw []byte) error { return nil }
func (m MapType) Coerce(raw []byte) ([]byte, error) { return raw, nil }
func (m MapType) IndexEncoding() IndexEncoding { return m.Key.IndexEncoding() }

// SymmetricDifference returns (removed, added): elements present in
// old but not new, and vice versa, by byte comparison after sorting.
// Used for list/set/map index maintenance (spec.md §4.D).
func SymmetricDifference(oldElems, newElems [][]byte) (removed, added [][]byte) {
	o := append([][]byte(nil), oldElems...)
	n := append([][]byte(nil), newElems...)
	sort.Slice(o, func(i, j int) bool { return string(o[i]) < string(o[j]) })
	sort.Slice(n, func(i, j int) bool { return string(n[i]) < string(n[j]) })

	i, j := 0, 0
	for i < len(o) && j < len(n) {
		switch {
		case string(o[i]) == string(n[j]):
			i++
			j++
		case string(o[i]) < string(n[j]):
			removed = append(removed, o[i])
			i++
		default:
			added = append(added, n[j])
			j++
		}
	}
	removed = append(removed, o[i:]...)
	added = append(added, n[j:]...)
	return removed, added
}
