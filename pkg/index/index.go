// Package index implements per-attribute secondary-index maintenance
// and the range/intersect/search iterator family described in
// spec.md §4.D, grounded on HyperDex's daemon/index_info.{cc,h},
// daemon/index_primitive.cc and daemon/index_container.cc
// (original_source/daemon). It depends only on goleveldb, pkg/codec
// and pkg/datatype — never on pkg/store — so the data layer can
// depend on index, not the other way around.
package index

import (
	"bytes"

	"github.com/meridiandb/meridian/pkg/codec"
	"github.com/meridiandb/meridian/pkg/datatype"
	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Attr describes one indexed, non-primary-key attribute.
type Attr struct {
	ID   ids.IndexID
	Name string
	Type datatype.Type
	// Container marks list/set/map attributes, whose index
	// maintenance emits a symmetric-difference of elements rather
	// than a single delete+put.
	Container bool
}

// Schema is the per-region attribute layout the coordinator supplies:
// attr 0 (the primary key) plus an ordered list of secondary
// attributes, per spec.md §3 "Schema".
type Schema struct {
	PrimaryKey datatype.Type
	Attrs      []Attr
}

// ApplyChanges appends deletes for stale index entries and puts for
// new ones to batch, for every secondary attribute, given the old and
// new attribute-value lists (nil oldAttrs/newAttrs means the object
// did not exist before/does not exist after). This is index_changes
// from spec.md §4.D.
func ApplyChanges(batch *leveldb.Batch, schema Schema, region ids.RegionID, internalKey []byte, oldAttrs, newAttrs [][]byte) {
	for i, attr := range schema.Attrs {
		var oldVal, newVal []byte
		if oldAttrs != nil && i < len(oldAttrs) {
			oldVal = oldAttrs[i]
		}
		if newAttrs != nil && i < len(newAttrs) {
			newVal = newAttrs[i]
		}
		if attr.Container {
			applyContainerChange(batch, region, attr, internalKey, oldVal, newVal)
		} else {
			applyScalarChange(batch, region, attr, internalKey, oldVal, newVal)
		}
	}
}

func applyScalarChange(batch *leveldb.Batch, region ids.RegionID, attr Attr, internalKey, oldVal, newVal []byte) {
	if oldVal != nil && bytes.Equal(oldVal, newVal) {
		return
	}
	enc := attr.Type.IndexEncoding()
	if oldVal != nil {
		batch.Delete(indexKey(region, attr, enc, oldVal, internalKey))
	}
	if newVal != nil {
		batch.Put(indexKey(region, attr, enc, newVal, internalKey), nil)
	}
}

func applyContainerChange(batch *leveldb.Batch, region ids.RegionID, attr Attr, internalKey, oldVal, newVal []byte) {
	oldElems, _ := datatype.Elements(oldVal)
	newElems, _ := datatype.Elements(newVal)
	removed, added := datatype.SymmetricDifference(oldElems, newElems)
	enc := attr.Type.IndexEncoding()
	for _, e := range removed {
		batch.Delete(indexKey(region, attr, enc, e, internalKey))
	}
	for _, e := range added {
		batch.Put(indexKey(region, attr, enc, e, internalKey), nil)
	}
}

func indexKey(region ids.RegionID, attr Attr, enc datatype.IndexEncoding, rawValue, internalKey []byte) []byte {
	encodedValue := enc.Encode(nil, rawValue)
	return codec.EncodeIndexEntry(region, attr.ID, encodedValue, internalKey, enc.Fixed(), false)
}

// Iterator is the shared contract for range, intersect and search
// iterators (spec.md §4.D).
type Iterator interface {
	Valid() bool
	Next() error
	Key() []byte         // the primary-key bytes (internal key)
	InternalKey() []byte // alias of Key, kept for spec-name parity
	Seek(internalKey []byte) error
	Cost() uint64
	Close()
}

// Range bounds a scan: Lower/Upper are raw (undecoded) attribute
// values, both inclusive; an equality scan sets Lower == Upper.
type Range struct {
	Lower, Upper []byte
	LowerInf     bool // no lower bound
	UpperInf     bool // no upper bound
}

// RangeIndexIterator streams index entries whose encoded key falls
// within a Range on one attribute, extracting the primary-key suffix
// of each matching entry. Sorted in encoded-key order, which for
// fixed-width order-preserving encodings is value order.
type RangeIndexIterator struct {
	region ids.RegionID
	attr   Attr
	iter   iterator.Iterator
	prefix []byte
	valid  bool
}

// NewRangeIterator constructs a RangeIndexIterator over a snapshot.
func NewRangeIterator(snap *leveldb.Snapshot, region ids.RegionID, attr Attr, r Range) *RangeIndexIterator {
	prefix := codec.EncodeIndexPrefix(region, attr.ID)
	enc := attr.Type.IndexEncoding()

	lo := append([]byte(nil), prefix...)
	if !r.LowerInf {
		lo = enc.Encode(lo, r.Lower)
	}
	var hi []byte
	if !r.UpperInf {
		hi = append([]byte(nil), prefix...)
		hi = enc.Encode(hi, r.Upper)
		hi = append(hi, 0xFF) // inclusive upper: past the last possible suffix byte
	} else {
		hi = util.BytesPrefix(prefix).Limit
	}

	it := snap.NewIterator(&util.Range{Start: lo, Limit: hi}, nil)
	ri := &RangeIndexIterator{region: region, attr: attr, iter: it, prefix: prefix}
	ri.valid = it.Next()
	return ri
}

func (r *RangeIndexIterator) Valid() bool { return r.valid }

func (r *RangeIndexIterator) Next() error {
	r.valid = r.iter.Next()
	return r.iter.Error()
}

func (r *RangeIndexIterator) Seek(internalKey []byte) error {
	// Gallop-seek used by IntersectIterator: reconstruct the target's
	// full entry prefix (value bytes unknown), so fall back to
	// advancing linearly until we reach or pass internalKey. Range
	// iterators over a single attribute are typically short enough
	// (selected by cost) that this is acceptable; true random-access
	// seek would require a value bound, which the driver does not
	// have when galloping on keys.
	for r.valid {
		_, _, _, key, err := r.decodeCurrent()
		if err != nil {
			return err
		}
		if bytes.Compare(key, internalKey) >= 0 {
			return nil
		}
		if err := r.Next(); err != nil {
			return err
		}
	}
	return nil
}

func (r *RangeIndexIterator) decodeCurrent() (ids.RegionID, ids.IndexID, []byte, []byte, error) {
	enc := r.attr.Type.IndexEncoding()
	valLen := 0
	if enc.Fixed() {
		encoded := enc.Encode(nil, make([]byte, 8))
		valLen = len(encoded)
	}
	return codec.DecodeIndexEntry(r.iter.Key(), valLen, enc.Fixed(), false)
}

func (r *RangeIndexIterator) Key() []byte {
	_, _, _, key, err := r.decodeCurrent()
	if err != nil {
		return nil
	}
	return key
}

func (r *RangeIndexIterator) InternalKey() []byte { return r.Key() }

func (r *RangeIndexIterator) Cost() uint64 {
	// Always 1: no size estimate of the scanned range is computed, so
	// NewIntersectIterator keeps the first candidate as the driver.
	return 1
}

func (r *RangeIndexIterator) Close() { r.iter.Release() }

// IntersectIterator drives the cheapest of several single-attribute
// iterators and checks each of its candidates against the rest by
// seeking them forward, per spec.md §4.D "iterator_for_keys picks the
// cheapest of its children as the driver and gallops the others."
type IntersectIterator struct {
	driver   Iterator
	checks   []Iterator
	valid    bool
}

// NewIntersectIterator picks the lowest-Cost element of candidates as
// the driver and treats the rest as checks. candidates must be
// non-empty.
func NewIntersectIterator(candidates []Iterator) *IntersectIterator {
	driverIdx := 0
	for i, c := range candidates {
		if c.Cost() < candidates[driverIdx].Cost() {
			driverIdx = i
		}
	}
	driver := candidates[driverIdx]
	checks := make([]Iterator, 0, len(candidates)-1)
	for i, c := range candidates {
		if i != driverIdx {
			checks = append(checks, c)
		}
	}
	it := &IntersectIterator{driver: driver, checks: checks}
	it.advanceToMatch()
	return it
}

func (it *IntersectIterator) advanceToMatch() {
	for it.driver.Valid() {
		key := it.driver.Key()
		matched := true
		for _, c := range it.checks {
			if err := c.Seek(key); err != nil || !c.Valid() || !bytes.Equal(c.Key(), key) {
				matched = false
				break
			}
		}
		if matched {
			it.valid = true
			return
		}
		if err := it.driver.Next(); err != nil {
			break
		}
	}
	it.valid = false
}

func (it *IntersectIterator) Valid() bool { return it.valid }

func (it *IntersectIterator) Next() error {
	if err := it.driver.Next(); err != nil {
		return err
	}
	it.advanceToMatch()
	return nil
}

func (it *IntersectIterator) Seek(internalKey []byte) error {
	if err := it.driver.Seek(internalKey); err != nil {
		return err
	}
	it.advanceToMatch()
	return nil
}

func (it *IntersectIterator) Key() []byte         { return it.driver.Key() }
func (it *IntersectIterator) InternalKey() []byte { return it.driver.Key() }
func (it *IntersectIterator) Cost() uint64        { return it.driver.Cost() }

func (it *IntersectIterator) Close() {
	it.driver.Close()
	for _, c := range it.checks {
		c.Close()
	}
}
