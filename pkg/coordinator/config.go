package coordinator

import (
	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/index"
)

// RegionConfig describes one region's placement: its replication
// chain (head to tail) and, when the region is mid-migration, the
// next region a key may be forwarded to once it crosses the chain's
// tail (spec.md §4.E/§4.F subspace-change forwarding).
type RegionConfig struct {
	Chain      []ids.VirtualServerID
	Subspace   ids.SubspaceID
	NextRegion ids.RegionID
	Schema     index.Schema
}

// Configuration is the coordinator's view of cluster placement: which
// virtual servers host which regions, and which physical server owns
// each virtual server. The core never computes or agrees on this
// itself (spec.md §1 Non-goals: "No consensus on configurations"); it
// is delivered whole by Reconfigure.
type Configuration struct {
	Epoch   uint64
	Regions map[ids.RegionID]RegionConfig
	Owner   map[ids.VirtualServerID]ids.ServerID
}

// selfVirtualServer returns the virtual server in region's chain owned
// by self, and its zero-based position in the chain.
func (c *Configuration) selfVirtualServer(region ids.RegionID, self ids.ServerID) (vsid ids.VirtualServerID, pos int, found bool) {
	rc, ok := c.Regions[region]
	if !ok {
		return 0, 0, false
	}
	for i, vs := range rc.Chain {
		if c.Owner[vs] == self {
			return vs, i, true
		}
	}
	return 0, 0, false
}

// hostedRegions returns every region whose chain includes a virtual
// server owned by self, alongside whether self is the point leader
// (chain head) for it.
func (c *Configuration) hostedRegions(self ids.ServerID) map[ids.RegionID]bool {
	out := make(map[ids.RegionID]bool)
	for region, rc := range c.Regions {
		for i, vs := range rc.Chain {
			if c.Owner[vs] == self {
				out[region] = i == 0
				break
			}
		}
	}
	return out
}
