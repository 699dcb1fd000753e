// Package search implements the read-only search cursor of spec.md's
// "range/equality searches over secondary indices" bullet, given
// concrete shape by SPEC_FULL.md §5 from HyperDex's
// daemon/search_manager.cc: a predicate-driven iterator over a
// region's objects, planned against pkg/index's range/intersect
// iterators and a full-region fallback when no check names an
// attribute with a usable index.
package search

import (
	"bytes"

	"github.com/meridiandb/meridian/pkg/datatype"
	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/index"
)

// Comparator is one of the predicate operators a Check may apply.
type Comparator int

const (
	Equals Comparator = iota
	LessThan
	LessEqual
	GreaterThan
	GreaterEqual
)

// Check is one predicate of a search or group_del request: the named
// attribute (ids.IndexID(0) denotes the primary key), a comparator,
// and the raw, undecoded value to compare against. A Check that names
// an attribute with a usable secondary index narrows the candidate
// scan; every Check, indexed or not, is also re-evaluated against the
// fetched object, so an overinclusive iterator range never produces a
// false match — this is search_iterator's "fetch the object, run the
// full attribute-check predicate, skip non-matches" step.
type Check struct {
	Attr  ids.IndexID
	Cmp   Comparator
	Value []byte
}

func attrPosition(schema index.Schema, id ids.IndexID) int {
	for i, a := range schema.Attrs {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func attrType(schema index.Schema, id ids.IndexID) datatype.Type {
	if id == 0 {
		return schema.PrimaryKey
	}
	if pos := attrPosition(schema, id); pos >= 0 {
		return schema.Attrs[pos].Type
	}
	return nil
}

// valueForAttr returns the raw attribute value c names out of attrs,
// which is positional against schema.Attrs (pkg/index.ApplyChanges'
// convention), or the primary key itself when c.Attr == 0.
func valueForAttr(schema index.Schema, key []byte, attrs [][]byte, id ids.IndexID) ([]byte, bool) {
	if id == 0 {
		return key, true
	}
	pos := attrPosition(schema, id)
	if pos < 0 || pos >= len(attrs) {
		return nil, false
	}
	return attrs[pos], true
}

// evalCheck applies c against key/attrs. Ordering is decided on the
// order-preserving index encoding for every type except float64, whose
// IndexEncoding hash-clusters for equality lookups only (pkg/datatype's
// own doc comment on DecodeFloat64Bits: "used by predicate evaluation
// to compare against a threshold") and is therefore compared as an
// actual float64 value instead.
func evalCheck(schema index.Schema, c Check, key []byte, attrs [][]byte) bool {
	typ := attrType(schema, c.Attr)
	if typ == nil {
		return false
	}
	raw, ok := valueForAttr(schema, key, attrs, c.Attr)
	if !ok {
		return false
	}
	var cmp int
	if _, isFloat := typ.(datatype.Float64Type); isFloat {
		lhs, rhs := datatype.DecodeFloat64Bits(raw), datatype.DecodeFloat64Bits(c.Value)
		switch {
		case lhs < rhs:
			cmp = -1
		case lhs > rhs:
			cmp = 1
		}
	} else {
		enc := typ.IndexEncoding()
		cmp = bytes.Compare(enc.Encode(nil, raw), enc.Encode(nil, c.Value))
	}
	switch c.Cmp {
	case Equals:
		return cmp == 0
	case LessThan:
		return cmp < 0
	case LessEqual:
		return cmp <= 0
	case GreaterThan:
		return cmp > 0
	case GreaterEqual:
		return cmp >= 0
	default:
		return false
	}
}

func matchesAll(schema index.Schema, checks []Check, key []byte, attrs [][]byte) bool {
	for _, c := range checks {
		if !evalCheck(schema, c, key, attrs) {
			return false
		}
	}
	return true
}

// rangeFor turns a single indexable Check into the Range
// pkg/index.NewRangeIterator expects. LessThan/GreaterThan are widened
// to their inclusive counterparts at the iterator boundary: exactness
// is still guaranteed because every candidate is re-checked with
// evalCheck before it is returned.
func rangeFor(c Check) index.Range {
	switch c.Cmp {
	case Equals:
		return index.Range{Lower: c.Value, Upper: c.Value}
	case LessThan, LessEqual:
		return index.Range{Upper: c.Value, LowerInf: true}
	case GreaterThan, GreaterEqual:
		return index.Range{Lower: c.Value, UpperInf: true}
	default:
		return index.Range{LowerInf: true, UpperInf: true}
	}
}
