package search

import (
	"bytes"
	"errors"

	"github.com/meridiandb/meridian/pkg/codec"
	"github.com/meridiandb/meridian/pkg/datatype"
	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/index"
	"github.com/meridiandb/meridian/pkg/metrics"
	"github.com/meridiandb/meridian/pkg/store"
	"github.com/syndtr/goleveldb/leveldb"
)

// Object is one search hit: the primary key and the current attribute
// list backing it, as of the cursor's snapshot.
type Object struct {
	Key     []byte
	Version uint64
	Attrs   [][]byte
}

// Cursor streams the objects of a region matching a set of Checks,
// backed by a single point-in-time snapshot so results are consistent
// even as concurrent writes continue (process_req_search_start/_next
// in original_source/daemon/search_manager.cc). It must be Closed once
// the caller is done draining it.
type Cursor struct {
	region ids.RegionID
	schema index.Schema
	checks []Check
	snap   *leveldb.Snapshot
	driver index.Iterator
	closed bool
}

// OpenSearch plans and opens a Cursor over region: Checks naming an
// attribute with a usable secondary index narrow the scan via
// pkg/index's range/intersect iterators; with no usable index the
// cursor falls back to a full region scan, still filtering every
// candidate through the complete check list.
func OpenSearch(st *store.Store, region ids.RegionID, schema index.Schema, checks []Check) (*Cursor, error) {
	snap, err := st.MakeSnapshot()
	if err != nil {
		return nil, err
	}

	driver, plan := planDriver(st, snap, region, schema, checks)
	metrics.SearchCursorsOpenedTotal.WithLabelValues(plan).Inc()
	return &Cursor{region: region, schema: schema, checks: checks, snap: snap, driver: driver}, nil
}

func planDriver(st *store.Store, snap *leveldb.Snapshot, region ids.RegionID, schema index.Schema, checks []Check) (index.Iterator, string) {
	var indexed []index.Iterator
	for _, c := range checks {
		if c.Attr == 0 {
			continue
		}
		pos := attrPosition(schema, c.Attr)
		if pos < 0 {
			continue
		}
		attr := schema.Attrs[pos]
		if _, isFloat := attr.Type.(datatype.Float64Type); isFloat && c.Cmp != Equals {
			// float64's index hash-clusters for equality only; an
			// ordering comparator can't be satisfied by a range scan
			// over it, so fall through to the full-scan plan.
			continue
		}
		usable, err := st.IndexIsUsable(region, attr.ID)
		if err != nil || !usable {
			continue
		}
		indexed = append(indexed, index.NewRangeIterator(snap, region, attr, rangeFor(c)))
	}

	switch len(indexed) {
	case 0:
		return newFullScanIterator(st, snap, region), "full_scan"
	case 1:
		return indexed[0], "indexed"
	default:
		return index.NewIntersectIterator(indexed), "indexed"
	}
}

// Next returns the next object matching every Check, or nil, nil once
// the cursor is exhausted. Each candidate's object record is read off
// the cursor's own snapshot, not the live store, so a concurrent write
// or delete never surfaces mid-cursor; an index entry whose object was
// already absent at snapshot time is silently skipped, matching
// search_iterator's "skip non-matches" contract.
func (c *Cursor) Next() (*Object, error) {
	for c.driver.Valid() {
		key := append([]byte(nil), c.driver.Key()...)
		if err := c.driver.Next(); err != nil {
			return nil, err
		}
		version, attrs, found, err := c.getAtSnapshot(key)
		if err != nil {
			return nil, err
		}
		if !found {
			metrics.SearchCandidatesSkippedTotal.Inc()
			continue
		}
		if !matchesAll(c.schema, c.checks, key, attrs) {
			metrics.SearchCandidatesSkippedTotal.Inc()
			continue
		}
		return &Object{Key: key, Version: version, Attrs: attrs}, nil
	}
	return nil, nil
}

func (c *Cursor) getAtSnapshot(key []byte) (version uint64, attrs [][]byte, found bool, err error) {
	raw, err := c.snap.Get(codec.EncodeObjectKey(c.region, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	version, attrs, err = codec.DecodeObjectValue(raw)
	if err != nil {
		return 0, nil, false, err
	}
	return version, attrs, true, nil
}

// CollectKeys drains c and returns every matching primary key, closing
// c when done. This is the bridge to replication.Manager.GroupDelete
// (SPEC_FULL.md §5): a caller plans a Cursor over the predicate, then
// hands CollectKeys' result to GroupDelete so every deletion still
// flows through the ordinary chain/version machinery.
func CollectKeys(c *Cursor) ([][]byte, error) {
	defer c.Close()
	var keys [][]byte
	for {
		obj, err := c.Next()
		if err != nil {
			return nil, err
		}
		if obj == nil {
			return keys, nil
		}
		keys = append(keys, obj.Key)
	}
}

// Close releases the cursor's snapshot and driving iterator. Safe to
// call more than once.
func (c *Cursor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.driver.Close()
	c.snap.Release()
}

// fullScanIterator adapts store.RegionIterator to index.Iterator for
// the no-usable-index fallback plan.
type fullScanIterator struct {
	it    *store.RegionIterator
	valid bool
	key   []byte
}

func newFullScanIterator(st *store.Store, snap *leveldb.Snapshot, region ids.RegionID) *fullScanIterator {
	f := &fullScanIterator{it: st.RegionIterator(snap, region)}
	f.advance()
	return f
}

func (f *fullScanIterator) advance() {
	f.valid = f.it.Next()
	if !f.valid {
		f.key = nil
		return
	}
	key, _, _, err := f.it.Entry()
	if err != nil {
		f.valid = false
		f.key = nil
		return
	}
	f.key = key
}

func (f *fullScanIterator) Valid() bool { return f.valid }

func (f *fullScanIterator) Next() error {
	f.advance()
	return f.it.Error()
}

func (f *fullScanIterator) Key() []byte         { return f.key }
func (f *fullScanIterator) InternalKey() []byte { return f.key }

func (f *fullScanIterator) Seek(internalKey []byte) error {
	for f.valid && bytes.Compare(f.key, internalKey) < 0 {
		if err := f.Next(); err != nil {
			return err
		}
	}
	return nil
}

// Cost reports the maximum value so any usable secondary index is
// always preferred as the intersect driver over a full scan.
func (f *fullScanIterator) Cost() uint64 { return ^uint64(0) }

func (f *fullScanIterator) Close() { f.it.Release() }

var _ index.Iterator = (*fullScanIterator)(nil)
