package transport

import (
	"context"
	"sync"

	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/wire"
)

type inbound struct {
	from ids.VirtualServerID
	to   ids.VirtualServerID
	msg  wire.Message
}

// MemoryNetwork is a shared routing table for in-process MemoryBus
// endpoints; tests wire up a cluster by creating one network and
// attaching a MemoryBus per simulated server.
type MemoryNetwork struct {
	mu     sync.Mutex
	byVS   map[ids.VirtualServerID]*MemoryBus
	byServ map[ids.ServerID][]ids.VirtualServerID
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		byVS:   make(map[ids.VirtualServerID]*MemoryBus),
		byServ: make(map[ids.ServerID][]ids.VirtualServerID),
	}
}

// MemoryBus is a Bus endpoint backed by a buffered Go channel; it
// never crosses a process boundary and is used by unit and
// integration tests in place of the gRPC bus.
type MemoryBus struct {
	net  *MemoryNetwork
	self ids.VirtualServerID
	home ids.ServerID
	in   chan inbound

	closeOnce sync.Once
	closed    chan struct{}
}

// Attach registers a new local endpoint for vsid (hosted by sid) on
// net and returns a Bus the owning component can use immediately.
func (net *MemoryNetwork) Attach(sid ids.ServerID, vsid ids.VirtualServerID) *MemoryBus {
	b := &MemoryBus{
		net:    net,
		self:   vsid,
		home:   sid,
		in:     make(chan inbound, 256),
		closed: make(chan struct{}),
	}
	net.mu.Lock()
	net.byVS[vsid] = b
	net.byServ[sid] = append(net.byServ[sid], vsid)
	net.mu.Unlock()
	return b
}

// Detach removes vsid's route, used when a region is reassigned away
// from this virtual server.
func (net *MemoryNetwork) Detach(vsid ids.VirtualServerID) {
	net.mu.Lock()
	defer net.mu.Unlock()
	b, ok := net.byVS[vsid]
	if !ok {
		return
	}
	delete(net.byVS, vsid)
	vsids := net.byServ[b.home]
	for i, v := range vsids {
		if v == vsid {
			net.byServ[b.home] = append(vsids[:i], vsids[i+1:]...)
			break
		}
	}
}

func (b *MemoryBus) SendToVirtualServer(ctx context.Context, vsid ids.VirtualServerID, msg wire.Message) error {
	b.net.mu.Lock()
	dst, ok := b.net.byVS[vsid]
	b.net.mu.Unlock()
	if !ok {
		return ErrUnknownDestination
	}
	return dst.deliver(ctx, b.self, msg)
}

func (b *MemoryBus) SendToServer(ctx context.Context, sid ids.ServerID, msg wire.Message) error {
	b.net.mu.Lock()
	vsids := append([]ids.VirtualServerID(nil), b.net.byServ[sid]...)
	b.net.mu.Unlock()
	if len(vsids) == 0 {
		return ErrUnknownDestination
	}
	for _, vsid := range vsids {
		if err := b.SendToVirtualServer(ctx, vsid, msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, from ids.VirtualServerID, msg wire.Message) error {
	select {
	case b.in <- inbound{from: from, to: b.self, msg: msg}:
		return nil
	case <-b.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) Recv(ctx context.Context) (ids.VirtualServerID, ids.VirtualServerID, wire.Message, error) {
	select {
	case m := <-b.in:
		return m.from, m.to, m.msg, nil
	case <-b.closed:
		return 0, 0, wire.Message{}, ErrClosed
	case <-ctx.Done():
		return 0, 0, wire.Message{}, ctx.Err()
	}
}

func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() {
		b.net.Detach(b.self)
		close(b.closed)
	})
	return nil
}

var _ Bus = (*MemoryBus)(nil)
