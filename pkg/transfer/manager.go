package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/store"
	"github.com/meridiandb/meridian/pkg/transport"
	"github.com/meridiandb/meridian/pkg/wire"
)

// Manager drives the three-phase handshake of spec.md §4.G and owns
// the resulting Outgoing/IncomingTransfer objects, keyed by
// transfer_id. A transfer_id is chosen by the receiver when it
// initiates the handshake.
type Manager struct {
	store  *store.Store
	bus    transport.Bus
	notify CompletionNotifier

	mu       sync.Mutex
	outgoing map[ids.TransferID]*OutgoingTransfer
	incoming map[ids.TransferID]*IncomingTransfer
	pending  map[ids.TransferID]pendingOutgoing
}

func NewManager(st *store.Store, bus transport.Bus, notify CompletionNotifier) *Manager {
	return &Manager{
		store: st, bus: bus, notify: notify,
		outgoing: make(map[ids.TransferID]*OutgoingTransfer),
		incoming: make(map[ids.TransferID]*IncomingTransfer),
		pending:  make(map[ids.TransferID]pendingOutgoing),
	}
}

// SetNotifier wires the coordinator after construction, for the
// common daemon startup order where the coordinator.Node needs a live
// *Manager to satisfy its Transferer dependency before it can itself
// exist.
func (m *Manager) SetNotifier(notify CompletionNotifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = notify
}

// BeginIncoming starts the handshake as the receiver: it sends
// XFER_HS(transfer_id) to source and records the region so HandleHSA
// can finish the negotiation once the reply arrives.
func (m *Manager) BeginIncoming(id ids.TransferID, region ids.RegionID, source ids.VirtualServerID) error {
	m.mu.Lock()
	m.incoming[id] = NewIncomingTransfer(id, region, source, m.store, m.bus, m.notify, false)
	m.mu.Unlock()
	return m.bus.SendToVirtualServer(context.Background(), source, wire.EncodeXferHS(wire.XferHS{TransferID: id}))
}

// HandleHS answers a receiver's SYN with the newest checkpoint
// timestamp locally available for the region, per spec.md §4.G step 2.
func (m *Manager) HandleHS(from ids.VirtualServerID, region ids.RegionID, hs wire.XferHS) error {
	_, ts, _ := m.store.LatestCheckpoint(region)
	hsa := wire.XferHSA{TransferID: hs.TransferID, Timestamp: encodeTimestamp(uint64(ts))}
	m.pendingSource(hs.TransferID, region, from)
	return m.bus.SendToVirtualServer(context.Background(), from, wire.EncodeXferHSA(hsa))
}

type pendingOutgoing struct {
	region ids.RegionID
	dest   ids.VirtualServerID
}

func (m *Manager) pendingSource(id ids.TransferID, region ids.RegionID, dest ids.VirtualServerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[id] = pendingOutgoing{region: region, dest: dest}
}

// HandleHSA is the receiver side of the handshake: it asks the data
// layer whether it can replay from the offered timestamp, then
// answers XFER_HA with the resulting wipe decision.
func (m *Manager) HandleHSA(hsa wire.XferHSA) error {
	m.mu.Lock()
	in, ok := m.incoming[hsa.TransferID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("transfer: unknown incoming transfer %d", hsa.TransferID)
	}
	_, wipeRequired := m.store.ReplayRegionFromCheckpoint(in.region, store.Timestamp(decodeTimestamp(hsa.Timestamp)))
	m.mu.Lock()
	in.waitingWipe = wipeRequired
	in.wiped = !wipeRequired
	m.mu.Unlock()
	ha := wire.XferHA{TransferID: hsa.TransferID, Wipe: wipeRequired}
	return m.bus.SendToVirtualServer(context.Background(), in.source, wire.EncodeXferHA(ha))
}

// HandleHA is the source side: once the receiver reports its wipe
// decision, the source opens its replay iterator and becomes ready to
// ship data.
func (m *Manager) HandleHA(ha wire.XferHA) (*OutgoingTransfer, error) {
	m.mu.Lock()
	p, ok := m.pending[ha.TransferID]
	delete(m.pending, ha.TransferID)
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transfer: unknown pending outgoing transfer %d", ha.TransferID)
	}
	out, err := NewOutgoingTransfer(ha.TransferID, p.region, p.dest, m.store, m.bus, m.notify)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.outgoing[ha.TransferID] = out
	m.mu.Unlock()
	return out, nil
}

// Outgoing and Incoming look up a transfer by id for message dispatch.
func (m *Manager) Outgoing(id ids.TransferID) (*OutgoingTransfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.outgoing[id]
	return t, ok
}

func (m *Manager) Incoming(id ids.TransferID) (*IncomingTransfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.incoming[id]
	return t, ok
}

// Cancel drops a transfer's bookkeeping on reconfiguration; per
// spec.md §4.G the window "never shrinks except on reconfigure, which
// cancels the transfer" outright.
func (m *Manager) Cancel(id ids.TransferID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if out, ok := m.outgoing[id]; ok {
		out.snap.Release()
		out.iter.Release()
		delete(m.outgoing, id)
	}
	delete(m.incoming, id)
	delete(m.pending, id)
}
