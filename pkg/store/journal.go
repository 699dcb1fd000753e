package store

import (
	"sync"

	"github.com/meridiandb/meridian/pkg/ids"
)

// Timestamp is the opaque value spec.md's replay/checkpoint interface
// passes around. HyperDex's original datalayer hands out raw LevelDB
// write-ahead-log positions from a forked "hyperleveldb" that exposes
// a replay_iterator; upstream syndtr/goleveldb has no such extension.
// Timestamp is instead a monotonically increasing logical sequence
// number assigned to every committed mutation, and replay is served
// from a bounded in-memory journal per region. See DESIGN.md "replay
// iterator" for the full rationale.
type Timestamp uint64

// journalEntry records one committed mutation for replay purposes.
type journalEntry struct {
	seq     Timestamp
	key     []byte // internal (index-encoded) key
	version uint64
	value   [][]byte // nil means delete
}

// journal is the bounded, per-region mutation log backing replay
// iterators and state transfer. It is trimmed down to the oldest
// pinned timestamp across open replay iterators, with a hard floor so
// memory use is bounded even with no pins outstanding.
type journal struct {
	mu      sync.Mutex
	entries []journalEntry
	pins    map[int]Timestamp // iterator handle -> pinned floor
	nextPin int
	// retainFloor is the number of most recent entries always kept,
	// even with no pins; a replay from before the oldest retained
	// entry reports wipe_required.
	retainFloor int
}

const defaultJournalRetain = 20000

func newJournal() *journal {
	return &journal{pins: make(map[int]Timestamp), retainFloor: defaultJournalRetain}
}

func (j *journal) append(e journalEntry) {
	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.trimLocked()
	j.mu.Unlock()
}

func (j *journal) trimLocked() {
	if len(j.entries) <= j.retainFloor {
		return
	}
	oldestAllowed := Timestamp(0)
	hasPin := false
	for _, ts := range j.pins {
		if !hasPin || ts < oldestAllowed {
			oldestAllowed = ts
			hasPin = true
		}
	}
	cut := len(j.entries) - j.retainFloor
	if hasPin {
		// Never trim past a pinned timestamp.
		for i := 0; i < cut; i++ {
			if j.entries[i].seq >= oldestAllowed {
				cut = i
				break
			}
		}
	}
	if cut > 0 {
		j.entries = append([]journalEntry(nil), j.entries[cut:]...)
	}
}

// oldestRetained returns the earliest sequence number still present
// in the journal, or 0 if empty.
func (j *journal) oldestRetained() Timestamp {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.entries) == 0 {
		return 0
	}
	return j.entries[0].seq
}

// since returns every entry with seq > from, plus whether `from` was
// older than the oldest retained entry (wipe required).
func (j *journal) since(from Timestamp) (out []journalEntry, wipeRequired bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.entries) > 0 && from < j.entries[0].seq-1 && from != 0 {
		wipeRequired = true
	}
	for _, e := range j.entries {
		if e.seq > from {
			out = append(out, e)
		}
	}
	return out, wipeRequired
}

// pin registers an open replay iterator's current floor so the
// journal will not trim past it, returning a handle for unpin.
func (j *journal) pin(ts Timestamp) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	h := j.nextPin
	j.nextPin++
	j.pins[h] = ts
	return h
}

func (j *journal) unpin(handle int) {
	j.mu.Lock()
	delete(j.pins, handle)
	j.mu.Unlock()
}

// journals is the store-wide map from region to its journal.
type journals struct {
	mu  sync.RWMutex
	byRegion map[ids.RegionID]*journal
}

func newJournals() *journals {
	return &journals{byRegion: make(map[ids.RegionID]*journal)}
}

func (js *journals) get(region ids.RegionID) *journal {
	js.mu.RLock()
	j, ok := js.byRegion[region]
	js.mu.RUnlock()
	if ok {
		return j
	}
	js.mu.Lock()
	defer js.mu.Unlock()
	if j, ok = js.byRegion[region]; ok {
		return j
	}
	j = newJournal()
	js.byRegion[region] = j
	return j
}
