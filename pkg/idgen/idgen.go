// Package idgen implements the per-region version generator and
// collector described in spec.md §4.H: a wait-free peek/next counter
// plus a run-length-encoded set of collected ranges used to compute
// the collected lower bound. Grounded on HyperDex's
// original_source/daemon/replication_manager.cc, which carries the
// monotonic version counter and its acknowledged-id collector inline,
// reimplemented with Go atomics standing in for the original's
// lock-free CAS loops.
package idgen

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/meridiandb/meridian/pkg/ids"
)

// span is an inclusive [lo, hi] range of collected versions.
type span struct{ lo, hi uint64 }

type regionState struct {
	peek uint64 // atomic: next version to generate

	mu          sync.Mutex
	lowerBound  uint64 // first uncollected version
	collected   []span // sorted, disjoint, all >= lowerBound
}

// Generator is the per-node set of region counters. peek/next are
// wait-free (a single atomic add); bump/collect/lowerBound serialize
// on a per-region lock, matching spec.md's requirement that they run
// alongside (not ahead of) the retransmitter's gap-closing scan.
type Generator struct {
	mu      sync.RWMutex
	regions map[ids.RegionID]*regionState
}

func New() *Generator {
	return &Generator{regions: make(map[ids.RegionID]*regionState)}
}

func (g *Generator) region(r ids.RegionID) *regionState {
	g.mu.RLock()
	rs, ok := g.regions[r]
	g.mu.RUnlock()
	if ok {
		return rs
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if rs, ok = g.regions[r]; ok {
		return rs
	}
	rs = &regionState{}
	g.regions[r] = rs
	return rs
}

// Peek returns the next version that would be handed out by Next,
// without consuming it.
func (g *Generator) Peek(region ids.RegionID) uint64 {
	return atomic.LoadUint64(&g.region(region).peek)
}

// Next is called only by the point leader: it returns the current
// version and advances the counter.
func (g *Generator) Next(region ids.RegionID) uint64 {
	rs := g.region(region)
	return atomic.AddUint64(&rs.peek, 1) - 1
}

// Bump ensures peek >= v+1, used when adopting state after a
// reconfiguration or when replaying a higher version than locally
// known.
func (g *Generator) Bump(region ids.RegionID, v uint64) {
	rs := g.region(region)
	for {
		old := atomic.LoadUint64(&rs.peek)
		if v+1 <= old {
			return
		}
		if atomic.CompareAndSwapUint64(&rs.peek, old, v+1) {
			return
		}
	}
}

// Collect marks version v as no longer in flight. If v equals the
// current lower bound, the bound advances across the resulting
// contiguous collected prefix.
func (g *Generator) Collect(region ids.RegionID, v uint64) {
	rs := g.region(region)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if v < rs.lowerBound {
		return
	}
	insertSpan(&rs.collected, span{lo: v, hi: v})
	advanceLowerBoundLocked(rs)
}

func insertSpan(spans *[]span, s span) {
	i := sort.Search(len(*spans), func(i int) bool { return (*spans)[i].lo > s.lo })
	merged := append((*spans)[:i:i], s)
	merged = append(merged, (*spans)[i:]...)
	*spans = mergeAdjacent(merged)
}

func mergeAdjacent(spans []span) []span {
	if len(spans) == 0 {
		return spans
	}
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.lo <= last.hi+1 {
			if s.hi > last.hi {
				last.hi = s.hi
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

func advanceLowerBoundLocked(rs *regionState) {
	for len(rs.collected) > 0 && rs.collected[0].lo <= rs.lowerBound {
		if rs.collected[0].hi+1 > rs.lowerBound {
			rs.lowerBound = rs.collected[0].hi + 1
		}
		rs.collected = rs.collected[1:]
	}
}

// LowerBound returns the first uncollected version for region.
func (g *Generator) LowerBound(region ids.RegionID) uint64 {
	rs := g.region(region)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.lowerBound
}

// Adopt initializes generator state for a freshly assigned set of
// regions at reconfiguration, seeding peek from the data layer's
// on-disk max version per spec.md §4.C Initialization step 3.
func (g *Generator) Adopt(seeds map[ids.RegionID]uint64) {
	for region, v := range seeds {
		g.Bump(region, v)
	}
}

// CollectGapsBelow collects every version below peeked that is not
// present in live (the retransmitter's close_gaps step, spec.md
// §4.F). live need not be sorted.
func (g *Generator) CollectGapsBelow(region ids.RegionID, peeked uint64, live []uint64) {
	inFlight := make(map[uint64]struct{}, len(live))
	for _, v := range live {
		inFlight[v] = struct{}{}
	}
	rs := g.region(region)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for v := rs.lowerBound; v < peeked; v++ {
		if _, busy := inFlight[v]; busy {
			continue
		}
		insertSpan(&rs.collected, span{lo: v, hi: v})
	}
	advanceLowerBoundLocked(rs)
}
