// Package store is the embedded durable data layer: the 'o' object
// records, 'i'/'I' secondary-index records, 'c' checkpoint records and
// 'v' version records described by spec.md §3/§4.C, grounded on
// HyperDex's daemon/datalayer.{h,cc} (original_source/daemon) and
// reimplemented over github.com/syndtr/goleveldb, the pack's embedded
// LSM library, the direct analogue of HyperDex's own LevelDB usage.
// Small per-instance state (server id, bind address, coordinator
// address) is kept in a separate go.etcd.io/bbolt database, adapted
// from the teacher's pkg/storage boltdb idiom.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/meridiandb/meridian/pkg/codec"
	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/log"
	bolt "go.etcd.io/bbolt"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var bucketInstance = []byte("instance")

const (
	instanceKeyServerID         = "server_id"
	instanceKeyBindAddress      = "bind_address"
	instanceKeyCoordinatorAddr  = "coordinator_address"
)

// Store is the per-node embedded data layer. One Store serves every
// region hosted by the node; callers identify records by region id
// plus an already index-encoded internal key (the primary-key
// attribute run through its type's IndexEncoding, per pkg/codec).
type Store struct {
	db       *leveldb.DB
	instance *bolt.DB

	journals *journals
	mediator *wipeIndexMediator

	mu            sync.Mutex
	regionVersion map[ids.RegionID]*uint64
	wipeInhibit   map[ids.RegionID]int
	wipePending   map[ids.RegionID]bool
	checkpointGC  map[ids.RegionID]uint64
}

// Open opens (creating if absent) the leveldb object/index/checkpoint
// space and the bbolt instance-state database under dataDir, per
// spec.md §4.C Initialization step 1.
func Open(dataDir string) (*Store, error) {
	db, err := leveldb.OpenFile(filepath.Join(dataDir, "data"), &opt.Options{
		Compression: opt.SnappyCompression,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open leveldb: %w", err)
	}

	instance, err := bolt.Open(filepath.Join(dataDir, "instance.db"), 0600, nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: open instance db: %w", err)
	}
	err = instance.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInstance)
		return err
	})
	if err != nil {
		db.Close()
		instance.Close()
		return nil, fmt.Errorf("store: init instance bucket: %w", err)
	}

	s := &Store{
		db:            db,
		instance:      instance,
		journals:      newJournals(),
		mediator:      newWipeIndexMediator(),
		regionVersion: make(map[ids.RegionID]*uint64),
		wipeInhibit:   make(map[ids.RegionID]int),
		wipePending:   make(map[ids.RegionID]bool),
		checkpointGC:  make(map[ids.RegionID]uint64),
	}
	if err := s.seedRegionVersions(); err != nil {
		db.Close()
		instance.Close()
		return nil, err
	}
	return s, nil
}

// seedRegionVersions scans every 'v' record once at startup so
// BumpVersion/MaxVersion continue the sequence instead of restarting
// it after a restart.
func (s *Store) seedRegionVersions() error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte{codec.ClassVersion}), nil)
	defer iter.Release()
	for iter.Next() {
		region, version, err := codec.DecodeVersion(iter.Key())
		if err != nil {
			continue
		}
		s.bumpRegionVersionTo(region, version)
	}
	return iter.Error()
}

func (s *Store) bumpRegionVersionTo(region ids.RegionID, v uint64) {
	s.mu.Lock()
	cur, ok := s.regionVersion[region]
	if !ok {
		cur = new(uint64)
		s.regionVersion[region] = cur
	}
	s.mu.Unlock()
	for {
		old := atomic.LoadUint64(cur)
		if v <= old {
			return
		}
		if atomic.CompareAndSwapUint64(cur, old, v) {
			return
		}
	}
}

// Close releases both underlying databases.
func (s *Store) Close() error {
	err1 := s.db.Close()
	err2 := s.instance.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// --- instance state (spec.md §4.C Initialization step 1) ---

// SaveInstanceState persists this node's assigned identity so restarts
// recognize themselves instead of re-registering as a new server.
func (s *Store) SaveInstanceState(serverID ids.ServerID, bindAddress, coordinatorAddress string) error {
	return s.instance.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstance)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(serverID))
		if err := b.Put([]byte(instanceKeyServerID), buf[:]); err != nil {
			return err
		}
		if err := b.Put([]byte(instanceKeyBindAddress), []byte(bindAddress)); err != nil {
			return err
		}
		return b.Put([]byte(instanceKeyCoordinatorAddr), []byte(coordinatorAddress))
	})
}

// LoadInstanceState returns ErrUninitialized if no prior state was
// saved, which tells the caller to register as a brand-new server.
func (s *Store) LoadInstanceState() (serverID ids.ServerID, bindAddress, coordinatorAddress string, err error) {
	err = s.instance.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstance)
		raw := b.Get([]byte(instanceKeyServerID))
		if raw == nil {
			return ErrUninitialized
		}
		serverID = ids.ServerID(binary.BigEndian.Uint64(raw))
		bindAddress = string(b.Get([]byte(instanceKeyBindAddress)))
		coordinatorAddress = string(b.Get([]byte(instanceKeyCoordinatorAddr)))
		return nil
	})
	return serverID, bindAddress, coordinatorAddress, err
}

// --- object records ---

// Get fetches the stored version and attribute list for key, reporting
// found=false rather than an error when the key is absent.
func (s *Store) Get(region ids.RegionID, internalKey []byte) (version uint64, attrs [][]byte, found bool, err error) {
	raw, err := s.db.Get(codec.EncodeObjectKey(region, internalKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	version, attrs, derr := codec.DecodeObjectValue(raw)
	if derr != nil {
		log.Logger.Error().Str("region", region.String()).Msg("store: bad encoding on object record")
		return 0, nil, false, ErrBadEncoding
	}
	return version, attrs, true, nil
}

// Put unconditionally writes key with version and attrs, maintaining
// secondary indices and the replay journal. Callers obtain version
// from BumpVersion so chain members agree on ordering.
func (s *Store) Put(region ids.RegionID, internalKey []byte, version uint64, attrs [][]byte, schemaApply func(batch *leveldb.Batch, old, new [][]byte)) error {
	return s.write(region, internalKey, version, attrs, schemaApply, true)
}

// Overput behaves like Put except that it does not append a journal
// entry. The replication manager's per-key state machine commits chain
// writes through it, so those writes do not appear in
// ReplayRegionFromCheckpoint results.
func (s *Store) Overput(region ids.RegionID, internalKey []byte, version uint64, attrs [][]byte, schemaApply func(batch *leveldb.Batch, old, new [][]byte)) error {
	return s.write(region, internalKey, version, attrs, schemaApply, false)
}

// UncertainPut applies a put only if it would not regress the stored
// version, making retransmission of a possibly-already-applied
// operation safe (spec.md §4.E "uncertain" operations after a
// mid-chain failure).
func (s *Store) UncertainPut(region ids.RegionID, internalKey []byte, version uint64, attrs [][]byte, schemaApply func(batch *leveldb.Batch, old, new [][]byte)) error {
	cur, _, found, err := s.Get(region, internalKey)
	if err != nil {
		return err
	}
	if found && cur >= version {
		return nil
	}
	return s.write(region, internalKey, version, attrs, schemaApply, true)
}

// UncertainDel is UncertainPut's delete counterpart.
func (s *Store) UncertainDel(region ids.RegionID, internalKey []byte, version uint64, schemaApply func(batch *leveldb.Batch, old, new [][]byte)) error {
	cur, _, found, err := s.Get(region, internalKey)
	if err != nil {
		return err
	}
	if !found || cur >= version {
		return nil
	}
	return s.del(region, internalKey, version, schemaApply, true)
}

// Del unconditionally removes key, bumping its tombstone version.
func (s *Store) Del(region ids.RegionID, internalKey []byte, version uint64, schemaApply func(batch *leveldb.Batch, old, new [][]byte)) error {
	return s.del(region, internalKey, version, schemaApply, true)
}

func (s *Store) write(region ids.RegionID, internalKey []byte, version uint64, attrs [][]byte, schemaApply func(*leveldb.Batch, [][]byte, [][]byte), journal bool) error {
	_, oldAttrs, _, err := s.Get(region, internalKey)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(codec.EncodeObjectKey(region, internalKey), codec.EncodeObjectValue(version, attrs))
	if schemaApply != nil {
		schemaApply(batch, oldAttrs, attrs)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}

	s.bumpRegionVersionTo(region, version)
	if journal {
		s.journals.get(region).append(journalEntry{
			seq: Timestamp(version), key: internalKey, version: version, value: attrs,
		})
	}
	return nil
}

func (s *Store) del(region ids.RegionID, internalKey []byte, version uint64, schemaApply func(*leveldb.Batch, [][]byte, [][]byte), journal bool) error {
	_, oldAttrs, found, err := s.Get(region, internalKey)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	batch := new(leveldb.Batch)
	batch.Delete(codec.EncodeObjectKey(region, internalKey))
	if schemaApply != nil {
		schemaApply(batch, oldAttrs, nil)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}

	s.bumpRegionVersionTo(region, version)
	if journal {
		s.journals.get(region).append(journalEntry{seq: Timestamp(version), key: internalKey, version: version, value: nil})
	}
	return nil
}

// --- versions (spec.md §4.E chain sequencing) ---

// BumpVersion atomically allocates and returns the next region-wide
// version number, recording an acked 'v' marker so restarts resume the
// sequence.
func (s *Store) BumpVersion(region ids.RegionID) (uint64, error) {
	s.mu.Lock()
	cur, ok := s.regionVersion[region]
	if !ok {
		cur = new(uint64)
		s.regionVersion[region] = cur
	}
	s.mu.Unlock()
	v := atomic.AddUint64(cur, 1)
	if err := s.db.Put(codec.EncodeVersion(region, v), nil, nil); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return v, nil
}

// MaxVersion reports the highest version handed out for region.
func (s *Store) MaxVersion(region ids.RegionID) uint64 {
	s.mu.Lock()
	cur, ok := s.regionVersion[region]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return atomic.LoadUint64(cur)
}

// --- snapshots and iteration ---

// MakeSnapshot takes a consistent point-in-time view used by the
// indexer's first pass and by search iterators.
func (s *Store) MakeSnapshot() (*leveldb.Snapshot, error) {
	return s.db.GetSnapshot()
}

// RegionIterator scans every object record of region in key order,
// used by the indexer's build pass and by outgoing state transfer.
type RegionIterator struct {
	iter   iterator.Iterator
	region ids.RegionID
}

func (s *Store) RegionIterator(snap *leveldb.Snapshot, region ids.RegionID) *RegionIterator {
	prefix := codec.EncodeObjectPrefix(region)
	it := snap.NewIterator(util.BytesPrefix(prefix), nil)
	return &RegionIterator{iter: it, region: region}
}

func (r *RegionIterator) Next() bool { return r.iter.Next() }
func (r *RegionIterator) Error() error { return r.iter.Error() }
func (r *RegionIterator) Release()     { r.iter.Release() }

// Entry decodes the current position; the caller must have just
// called Next() and received true.
func (r *RegionIterator) Entry() (internalKey []byte, version uint64, attrs [][]byte, err error) {
	_, internalKey, err = codec.DecodeObjectKey(r.iter.Key())
	if err != nil {
		return nil, 0, nil, ErrBadEncoding
	}
	version, attrs, err = codec.DecodeObjectValue(r.iter.Value())
	if err != nil {
		return nil, 0, nil, ErrBadEncoding
	}
	return internalKey, version, attrs, nil
}

// ReplayRegionFromCheckpoint returns every mutation committed after
// `from`, or wipeRequired=true if the journal no longer retains enough
// history to serve the request (spec.md §4.C "replay iterator").
func (s *Store) ReplayRegionFromCheckpoint(region ids.RegionID, from Timestamp) (entries []ReplayEntry, wipeRequired bool) {
	raw, wipe := s.journals.get(region).since(from)
	out := make([]ReplayEntry, 0, len(raw))
	for _, e := range raw {
		out = append(out, ReplayEntry{Seq: e.seq, Key: e.key, Version: e.version, Attrs: e.value})
	}
	return out, wipe
}

// ReplayEntry is the exported view of a journaled mutation.
type ReplayEntry struct {
	Seq     Timestamp
	Key     []byte
	Version uint64
	Attrs   [][]byte // nil means the key was deleted at Version
}

// --- checkpoints and wiping (spec.md §4.C GC lifecycle) ---

// CreateCheckpoint records that region has reached checkpointNo as of
// the replay journal position ts. It writes only the checkpoint record;
// it does not pin replay journal entries.
func (s *Store) CreateCheckpoint(region ids.RegionID, checkpointNo uint64, ts Timestamp) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(ts))
	if err := s.db.Put(codec.EncodeCheckpoint(region, checkpointNo), val, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// SetCheckpointGC records region's GC floor: checkpoints numbered
// below allowGCBefore may be garbage collected; those at or above it
// are retained.
func (s *Store) SetCheckpointGC(region ids.RegionID, allowGCBefore uint64) {
	s.mu.Lock()
	s.checkpointGC[region] = allowGCBefore
	s.mu.Unlock()
}

// CheckpointGCFloor returns the value last set by SetCheckpointGC.
func (s *Store) CheckpointGCFloor(region ids.RegionID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointGC[region]
}

// CollectGCableCheckpoints deletes every checkpoint record for region
// strictly below the current GC floor, run periodically by the
// checkpointer background worker.
func (s *Store) CollectGCableCheckpoints(region ids.RegionID) (collected int, err error) {
	floor := s.CheckpointGCFloor(region)
	prefix := codec.EncodeCheckpointRegionPrefix(region)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		_, no, derr := codec.DecodeCheckpoint(it.Key())
		if derr != nil {
			continue
		}
		if no < floor {
			batch.Delete(append([]byte(nil), it.Key()...))
			collected++
		}
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if collected > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBackend, err)
		}
	}
	return collected, nil
}

// LatestCheckpoint returns the highest checkpoint number recorded for
// region and the replay journal timestamp it was taken at, used by the
// state-transfer handshake (spec.md §4.G step 2) to answer XFER_HS
// with the newest timestamp it can replay from.
func (s *Store) LatestCheckpoint(region ids.RegionID) (checkpointNo uint64, ts Timestamp, found bool) {
	prefix := codec.EncodeCheckpointRegionPrefix(region)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		_, no, derr := codec.DecodeCheckpoint(it.Key())
		if derr != nil {
			continue
		}
		if !found || no > checkpointNo {
			checkpointNo = no
			found = true
			if len(it.Value()) == 8 {
				ts = Timestamp(binary.BigEndian.Uint64(it.Value()))
			}
		}
	}
	return checkpointNo, ts, found
}

// InhibitWiping increments region's wipe-inhibit reference count; a
// wipe requested while the count is positive is deferred until it
// drops back to zero, letting an in-flight outgoing transfer finish
// reading before the region disappears underneath it.
func (s *Store) InhibitWiping(region ids.RegionID) {
	s.mu.Lock()
	s.wipeInhibit[region]++
	s.mu.Unlock()
}

// PermitWiping decrements the inhibit count and performs the wipe
// immediately if one was pending and the count has reached zero.
func (s *Store) PermitWiping(region ids.RegionID) error {
	s.mu.Lock()
	s.wipeInhibit[region]--
	ready := s.wipeInhibit[region] <= 0 && s.wipePending[region]
	s.mu.Unlock()
	if ready {
		return s.wipeNow(region)
	}
	return nil
}

// RegionWillBeWiped reports whether a wipe has been requested for
// region but not yet performed.
func (s *Store) RegionWillBeWiped(region ids.RegionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wipePending[region]
}

// RequestWipe deletes every 'o', 'i', 'I' and 'c' record for region.
// If wiping is currently inhibited, the request is recorded and
// honored by the matching PermitWiping call instead.
func (s *Store) RequestWipe(region ids.RegionID) error {
	s.mu.Lock()
	inhibited := s.wipeInhibit[region] > 0
	s.wipePending[region] = true
	s.mu.Unlock()
	if inhibited {
		return nil
	}
	return s.wipeNow(region)
}

func (s *Store) wipeNow(region ids.RegionID) error {
	if err := s.deletePrefix(codec.EncodeObjectPrefix(region)); err != nil {
		return err
	}
	if err := s.deletePrefix(indexRegionPrefix(region)); err != nil {
		return err
	}
	if err := s.deletePrefix(indexMarkRegionPrefix(region)); err != nil {
		return err
	}
	if err := s.deletePrefix(codec.EncodeCheckpointRegionPrefix(region)); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.wipePending, region)
	s.mu.Unlock()
	return nil
}

func indexRegionPrefix(region ids.RegionID) []byte {
	out := []byte{codec.ClassIndex}
	return appendUvarintBytes(out, uint64(region))
}

func indexMarkRegionPrefix(region ids.RegionID) []byte {
	out := []byte{codec.ClassIndexMark}
	return appendUvarintBytes(out, uint64(region))
}

func appendUvarintBytes(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

func (s *Store) deletePrefix(prefix []byte) error {
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return s.db.Write(batch, nil)
}

// IndexIsUsable reports whether the 'I' marker for index is present.
func (s *Store) IndexIsUsable(region ids.RegionID, index ids.IndexID) (bool, error) {
	_, err := s.db.Get(codec.EncodeIndexMark(region, index), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return true, nil
}

// MarkIndexUsable writes the 'I' marker once the background indexer
// finishes a build pass.
func (s *Store) MarkIndexUsable(region ids.RegionID, index ids.IndexID) error {
	if err := s.db.Put(codec.EncodeIndexMark(region, index), nil, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// ClearIndexUsable removes the 'I' marker, forcing a rebuild; used
// when a space's index configuration changes.
func (s *Store) ClearIndexUsable(region ids.RegionID, index ids.IndexID) error {
	if err := s.db.Delete(codec.EncodeIndexMark(region, index), nil); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

