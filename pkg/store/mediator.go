package store

import (
	"sync"

	"github.com/meridiandb/meridian/pkg/ids"
)

// wipeIndexMediator is the two-slot mutual exclusion of spec.md
// §4.C/§4.G: a wiper claims a region's slot iff the indexer does not
// already hold that region, and vice versa. Each worker releases its
// slot at the end of a work cycle. This is the only shared resource
// that couples the Indexer and Wiper background workers, grounded on
// the mediator described in original_source/daemon/datalayer.h's
// wiper/indexer coordination.
type wipeIndexMediator struct {
	mu       sync.Mutex
	wiping   map[ids.RegionID]bool
	indexing map[ids.RegionID]bool
}

func newWipeIndexMediator() *wipeIndexMediator {
	return &wipeIndexMediator{
		wiping:   make(map[ids.RegionID]bool),
		indexing: make(map[ids.RegionID]bool),
	}
}

// claimWipe reports whether the wiper may proceed on region: it may
// not while the indexer holds the same region.
func (m *wipeIndexMediator) claimWipe(region ids.RegionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexing[region] {
		return false
	}
	m.wiping[region] = true
	return true
}

func (m *wipeIndexMediator) releaseWipe(region ids.RegionID) {
	m.mu.Lock()
	delete(m.wiping, region)
	m.mu.Unlock()
}

// claimIndex reports whether the indexer may proceed on region: it may
// not while the wiper holds the same region.
func (m *wipeIndexMediator) claimIndex(region ids.RegionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wiping[region] {
		return false
	}
	m.indexing[region] = true
	return true
}

func (m *wipeIndexMediator) releaseIndex(region ids.RegionID) {
	m.mu.Lock()
	delete(m.indexing, region)
	m.mu.Unlock()
}
