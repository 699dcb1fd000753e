// Package coordinator implements the local half of spec.md's
// out-of-scope "coordinator" collaborator (SPEC_FULL.md §1): the
// interface the core calls outward on to report replication and
// transfer progress, and the entry point through which a new
// Configuration is delivered and applied to this node's hosted
// regions. The actual configuration-consensus service and its wire
// protocol live outside this repository's scope (spec.md §1
// Non-goals: "No consensus on configurations"); Coordinator only
// applies configurations it is handed and relays status upward
// through the same interface, grounded on the coordinator-link
// responsibilities original_source/daemon/daemon.cc carries inline
// rather than through a separate link class.
package coordinator

import (
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
	"github.com/meridiandb/meridian/pkg/bgworker"
	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/index"
	"github.com/meridiandb/meridian/pkg/keystate"
	"github.com/meridiandb/meridian/pkg/log"
	"github.com/meridiandb/meridian/pkg/replication"
	"github.com/meridiandb/meridian/pkg/transfer"
)

// Replicator is the subset of *replication.Manager the coordinator
// drives on reconfiguration and checkpoint boundaries.
type Replicator interface {
	RegisterRegion(region ids.RegionID, pointLeader bool)
	UnregisterRegion(region ids.RegionID)
	HostedRegions() []ids.RegionID
	BeginCheckpoint(n uint64, regions []ids.RegionID)
	EndCheckpoint(n uint64, regions []ids.RegionID) error
}

// Transferer is the subset of *transfer.Manager the coordinator uses
// to start an incoming transfer when a region is newly placed on this
// node's virtual server.
type Transferer interface {
	BeginIncoming(id ids.TransferID, region ids.RegionID, source ids.VirtualServerID) error
}

// Coordinator is the external interface of SPEC_FULL.md §6: the
// surface the core calls outward on to report replication and
// transfer progress, and through which a new Configuration is
// delivered. *Node is this package's implementation of it.
type Coordinator interface {
	Reconfigure(old, new *Configuration, self ids.ServerID) error
	Pause() error
	Unpause() error
	BeginCheckpoint(n uint64) error
	EndCheckpoint(n uint64) error
	ReportStable(region ids.RegionID, version uint64, checkpoint uint64) error
	TransferGoLive(transferID ids.TransferID) error
	TransferComplete(transferID ids.TransferID) error
}

// Node implements Coordinator plus replication.Topology,
// replication.SchemaSource, replication.StableReporter and
// transfer.CompletionNotifier against a single mutable Configuration —
// the glue between a physical node's background managers and whatever
// delivers it configuration and receives its status reports.
type Node struct {
	self   ids.ServerID
	repl   Replicator
	xfer   Transferer
	worker []*bgworker.Worker

	mu     sync.RWMutex
	config *Configuration
}

func New(self ids.ServerID, repl Replicator, xfer Transferer, workers ...*bgworker.Worker) *Node {
	return &Node{
		self:   self,
		repl:   repl,
		xfer:   xfer,
		worker: workers,
		config: &Configuration{Regions: map[ids.RegionID]RegionConfig{}, Owner: map[ids.VirtualServerID]ids.ServerID{}},
	}
}

// SetReplicator wires the replication manager after construction, for
// the common daemon startup order where *replication.Manager needs a
// live *Node to satisfy replication.Topology/SchemaSource before it
// can itself exist.
func (c *Node) SetReplicator(r Replicator) { c.repl = r }

// AddWorker registers an additional background worker Pause/Unpause
// should drive, for workers (like the retransmitter) constructed after
// New because they depend on the replication manager.
func (c *Node) AddWorker(w *bgworker.Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.worker = append(c.worker, w)
}

// Route implements replication.Topology per spec.md §4.F's
// send_message routing table: forward within the chain, cross a
// subspace boundary at the tail of the old region, or terminate and
// ack upstream at the tail of the last region in the key's path.
func (c *Node) Route(region ids.RegionID, op *keystate.Op) replication.Decision {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rc, ok := c.config.Regions[region]
	if !ok || len(rc.Chain) == 0 {
		return replication.Decision{Terminal: true}
	}
	_, pos, found := c.config.selfVirtualServer(region, c.self)
	if !found {
		return replication.Decision{Terminal: true}
	}

	subspaceCrossing := op.ThisOldRegion != 0 && op.ThisOldRegion == region

	if pos < len(rc.Chain)-1 {
		return replication.Decision{Dest: rc.Chain[pos+1], Subspace: subspaceCrossing}
	}

	// At the tail: a subspace-crossing op moves into the new region's
	// head as a fresh CHAIN_OP; otherwise fall back to op.NextRegion,
	// the general "has a further subspace to enter" case.
	nextRegion := op.NextRegion
	if subspaceCrossing {
		nextRegion = op.ThisNewRegion
	}
	if nextRegion != ids.NoRegion {
		if nrc, ok := c.config.Regions[nextRegion]; ok && len(nrc.Chain) > 0 {
			return replication.Decision{Dest: nrc.Chain[0]}
		}
	}
	return replication.Decision{Terminal: true}
}

// IsPointLeader implements replication.Topology.
func (c *Node) IsPointLeader(region ids.RegionID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, pos, found := c.config.selfVirtualServer(region, c.self)
	return found && pos == 0
}

// Schema implements replication.SchemaSource.
func (c *Node) Schema(region ids.RegionID) (index.Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rc, ok := c.config.Regions[region]
	return rc.Schema, ok
}

// RegionForVirtualServer reverse-looks-up the region a locally
// registered virtual server belongs to, so the daemon's message
// dispatch loop can recover the region an inbound wire.Message targets
// without the wire encoding having to repeat it on every message (most
// don't, per spec.md §6's compact framing).
func (c *Node) RegionForVirtualServer(vsid ids.VirtualServerID) (ids.RegionID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for region, rc := range c.config.Regions {
		for _, vs := range rc.Chain {
			if vs == vsid {
				return region, true
			}
		}
	}
	return 0, false
}

// LocalVirtualServers returns every virtual server this node currently
// owns, across every region in the configuration; the daemon uses it
// to know which vsids to register on the transport bus.
func (c *Node) LocalVirtualServers() []ids.VirtualServerID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[ids.VirtualServerID]bool)
	var out []ids.VirtualServerID
	for vs, owner := range c.config.Owner {
		if owner == c.self && !seen[vs] {
			seen[vs] = true
			out = append(out, vs)
		}
	}
	return out
}

// Reconfigure applies a new Configuration: it pauses every background
// worker, registers/unregisters hosted regions against the
// replication manager, starts an incoming transfer for any region
// newly placed on this node whose data already exists elsewhere in
// old, swaps in the new configuration, then unpauses.
//
// Source selection for a newly placed region picks old's chain tail:
// the tail has acked (and therefore committed) every version the rest
// of the chain has, making it the most complete available replica
// per spec.md §3's chain-safety property.
func (c *Node) Reconfigure(old, new *Configuration, self ids.ServerID) error {
	if err := c.Pause(); err != nil {
		return err
	}
	defer c.Unpause()

	oldHosted := old.hostedRegions(self)
	newHosted := new.hostedRegions(self)

	for region := range oldHosted {
		if _, ok := newHosted[region]; !ok {
			c.repl.UnregisterRegion(region)
		}
	}
	for region, pointLeader := range newHosted {
		_, wasHosted := oldHosted[region]
		c.repl.RegisterRegion(region, pointLeader)
		if wasHosted {
			continue
		}
		oldRC, existedBefore := old.Regions[region]
		if !existedBefore || len(oldRC.Chain) == 0 {
			continue // a brand new region has no data anywhere to transfer
		}
		if err := c.startIncomingTransfer(region, oldRC.Chain[len(oldRC.Chain)-1]); err != nil {
			log.Logger.Error().Err(err).Uint64("region", uint64(region)).
				Msg("coordinator: failed to start incoming transfer on reconfigure")
		}
	}

	c.mu.Lock()
	c.config = new
	c.mu.Unlock()
	return nil
}

func (c *Node) startIncomingTransfer(region ids.RegionID, source ids.VirtualServerID) error {
	id := newTransferID()
	return c.xfer.BeginIncoming(id, region, source)
}

func newTransferID() ids.TransferID {
	u := uuid.New()
	return ids.TransferID(binary.BigEndian.Uint64(u[:8]))
}

// Pause implements the Coordinator interface: it blocks until every
// registered background worker is parked at its wait point, so a
// reconfiguration sees a quiescent data layer and replication state.
func (c *Node) Pause() error {
	c.mu.RLock()
	workers := append([]*bgworker.Worker(nil), c.worker...)
	c.mu.RUnlock()
	for _, w := range workers {
		w.InitiatePause()
	}
	for _, w := range workers {
		w.WaitUntilPaused()
	}
	return nil
}

// Unpause resumes every worker paused by Pause.
func (c *Node) Unpause() error {
	c.mu.RLock()
	workers := append([]*bgworker.Worker(nil), c.worker...)
	c.mu.RUnlock()
	for _, w := range workers {
		w.Unpause()
	}
	return nil
}

// BeginCheckpoint implements the Coordinator interface by forwarding
// to the replication manager for every region this node hosts.
func (c *Node) BeginCheckpoint(n uint64) error {
	c.repl.BeginCheckpoint(n, c.repl.HostedRegions())
	return nil
}

// EndCheckpoint implements the Coordinator interface.
func (c *Node) EndCheckpoint(n uint64) error {
	return c.repl.EndCheckpoint(n, c.repl.HostedRegions())
}

// ReportStable implements replication.StableReporter and the
// Coordinator interface; relaying it to the real external
// configuration service is outside this repository's scope, so it is
// logged at the boundary.
func (c *Node) ReportStable(region ids.RegionID, version uint64, checkpoint uint64) error {
	log.Logger.Info().Uint64("region", uint64(region)).Uint64("version", version).
		Uint64("checkpoint", checkpoint).Msg("coordinator: region reached stable version")
	return nil
}

// TransferGoLive implements transfer.CompletionNotifier for the
// receiving side of a state transfer.
func (c *Node) TransferGoLive(transferID ids.TransferID) error {
	log.Logger.Info().Uint64("transfer_id", uint64(transferID)).Msg("coordinator: transfer live")
	return nil
}

// TransferComplete implements transfer.CompletionNotifier for the
// sending side of a state transfer.
func (c *Node) TransferComplete(transferID ids.TransferID) error {
	log.Logger.Info().Uint64("transfer_id", uint64(transferID)).Msg("coordinator: transfer complete")
	return nil
}

var (
	_ Coordinator                 = (*Node)(nil)
	_ replication.Topology        = (*Node)(nil)
	_ replication.SchemaSource    = (*Node)(nil)
	_ replication.StableReporter  = (*Node)(nil)
	_ transfer.CompletionNotifier = (*Node)(nil)
)
