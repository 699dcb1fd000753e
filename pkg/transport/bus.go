// Package transport defines the Bus interface the core depends on for
// point-to-point message delivery (spec.md §6, SPEC_FULL.md §6), plus
// two concrete implementations: an in-process MemoryBus used by tests
// and single-binary deployments, and a grpc-based Bus grounded on the
// teacher's pkg/api server/client pattern.
package transport

import (
	"context"
	"errors"

	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/wire"
)

// ErrClosed is returned by Recv once the bus has been shut down.
var ErrClosed = errors.New("transport: bus closed")

// ErrUnknownDestination is returned when SendTo* names a virtual
// server or server this bus has no route to.
var ErrUnknownDestination = errors.New("transport: unknown destination")

// Bus is the message-delivery abstraction the replication manager and
// the state-transfer manager depend on; they never construct a gRPC
// client or an in-memory channel directly.
type Bus interface {
	// SendToVirtualServer delivers msg to the virtual server identified
	// by vsid, wherever it is currently hosted.
	SendToVirtualServer(ctx context.Context, vsid ids.VirtualServerID, msg wire.Message) error
	// SendToServer delivers msg to any virtual server hosted by the
	// named physical server; used for server-scoped control messages.
	SendToServer(ctx context.Context, sid ids.ServerID, msg wire.Message) error
	// Recv blocks until a message arrives for this bus's local
	// endpoint(s), returning the sending virtual server's id and the
	// local virtual server it was addressed to (so a bus multiplexing
	// several locally hosted virtual servers, like GRPCBus, still lets
	// the caller recover which one a message belongs to).
	Recv(ctx context.Context) (sender ids.VirtualServerID, dest ids.VirtualServerID, msg wire.Message, err error)
	Close() error
}
