package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/wire"
)

// envelope is what actually crosses the wire on the gRPC stream: a
// destination discriminator (virtual server or server, chosen by the
// sender) plus the already-encoded wire.Message. There is no .proto
// here; envelopes are carried verbatim through a codec registered
// below, the way the teacher's pkg/api carries protobuf messages
// through the generated one.
type envelope struct {
	fromVS   uint64
	toVS     uint64
	toServer uint64
	toIsServ bool
	msgType  uint8
	raw      []byte
}

func (e *envelope) marshal() []byte {
	buf := make([]byte, 0, 32+len(e.raw))
	buf = appendU64(buf, e.fromVS)
	buf = appendU64(buf, e.toVS)
	buf = appendU64(buf, e.toServer)
	if e.toIsServ {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, e.msgType)
	buf = append(buf, e.raw...)
	return buf
}

func (e *envelope) unmarshal(b []byte) error {
	if len(b) < 8*3+2 {
		return fmt.Errorf("transport: short envelope")
	}
	e.fromVS, b = readU64(b)
	e.toVS, b = readU64(b)
	e.toServer, b = readU64(b)
	e.toIsServ = b[0] == 1
	e.msgType = b[1]
	e.raw = append([]byte(nil), b[2:]...)
	return nil
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	for i := 7; i >= 0; i-- {
		tmp[i] = byte(v)
		v >>= 8
	}
	return append(b, tmp[:]...)
}

func readU64(b []byte) (uint64, []byte) {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v, b[8:]
}

const rawCodecName = "meridian-raw"

// rawCodec marshals envelopes as plain bytes; it avoids generating
// protobuf stubs for a message set this small and fully defined by
// pkg/wire already.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch e := v.(type) {
	case *envelope:
		return e.marshal(), nil
	case []byte:
		return e, nil
	default:
		return nil, fmt.Errorf("transport: rawCodec cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	switch e := v.(type) {
	case *envelope:
		return e.unmarshal(data)
	case *[]byte:
		*e = append([]byte(nil), data...)
		return nil
	default:
		return fmt.Errorf("transport: rawCodec cannot unmarshal into %T", v)
	}
}

func (rawCodec) Name() string { return rawCodecName }

func init() {
	encoding.RegisterCodec(rawCodec{})
}

const streamMethod = "/meridian.transport.Bus/Stream"

var busServiceDesc = grpc.ServiceDesc{
	ServiceName: "meridian.transport.Bus",
	HandlerType: (*interface{})(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pkg/transport/grpc.go",
}

func streamHandler(srv interface{}, stream grpc.ServerStream) error {
	g := srv.(*GRPCBus)
	for {
		var env envelope
		if err := stream.RecvMsg(&env); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		g.deliver(&env)
	}
}

// GRPCBus is a Bus implementation that fans every local virtual
// server's traffic over a single gRPC bidirectional stream per peer
// server, grounded on the teacher's pkg/api server/client split
// (server.go accepts connections, client side dials peers) but
// carrying pkg/wire payloads instead of generated protobuf types.
type GRPCBus struct {
	selfServer ids.ServerID
	grpcServer *grpc.Server
	lis        net.Listener

	mu      sync.Mutex
	local   map[ids.VirtualServerID]bool
	inbox   chan inbound
	peers   map[ids.ServerID]*peerConn
	addrOf  func(ids.ServerID) (string, error)
	ownerOf func(ids.VirtualServerID) (ids.ServerID, error)
}

type peerConn struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	mu     sync.Mutex
}

// NewGRPCBus starts listening on addr and returns a bus that routes
// to peers resolved by addrOf and owners resolved by ownerOf, both
// typically backed by the coordinator's configuration cache.
func NewGRPCBus(self ids.ServerID, addr string, addrOf func(ids.ServerID) (string, error), ownerOf func(ids.VirtualServerID) (ids.ServerID, error)) (*GRPCBus, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	g := &GRPCBus{
		selfServer: self,
		lis:        lis,
		local:      make(map[ids.VirtualServerID]bool),
		inbox:      make(chan inbound, 256),
		peers:      make(map[ids.ServerID]*peerConn),
		addrOf:     addrOf,
		ownerOf:    ownerOf,
	}
	srv := grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	srv.RegisterService(&busServiceDesc, g)
	g.grpcServer = srv
	go srv.Serve(lis)
	return g, nil
}

// RegisterLocal marks vsid as hosted on this node so inbound envelopes
// addressed to it are delivered via Recv.
func (g *GRPCBus) RegisterLocal(vsid ids.VirtualServerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.local[vsid] = true
}

func (g *GRPCBus) UnregisterLocal(vsid ids.VirtualServerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.local, vsid)
}

func (g *GRPCBus) deliver(env *envelope) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if env.toIsServ {
		for vsid := range g.local {
			g.tryDeliver(vsid, env)
		}
		return
	}
	if g.local[ids.VirtualServerID(env.toVS)] {
		g.tryDeliver(ids.VirtualServerID(env.toVS), env)
	}
}

func (g *GRPCBus) tryDeliver(vsid ids.VirtualServerID, env *envelope) {
	msg := wire.Message{Type: wire.Type(env.msgType), Raw: env.raw}
	select {
	case g.inbox <- inbound{from: ids.VirtualServerID(env.fromVS), to: vsid, msg: msg}:
	default:
	}
}

func (g *GRPCBus) peerFor(sid ids.ServerID) (*peerConn, error) {
	g.mu.Lock()
	if pc, ok := g.peers[sid]; ok {
		g.mu.Unlock()
		return pc, nil
	}
	g.mu.Unlock()

	addr, err := g.addrOf(sid)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})))
	if err != nil {
		return nil, err
	}
	stream, err := conn.NewStream(context.Background(), &busServiceDesc.Streams[0], streamMethod)
	if err != nil {
		conn.Close()
		return nil, err
	}
	pc := &peerConn{conn: conn, stream: stream}
	g.mu.Lock()
	g.peers[sid] = pc
	g.mu.Unlock()
	return pc, nil
}

func (g *GRPCBus) sendEnvelope(ctx context.Context, sid ids.ServerID, env *envelope) error {
	pc, err := g.peerFor(sid)
	if err != nil {
		return err
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.stream.SendMsg(env)
}

func (g *GRPCBus) SendToVirtualServer(ctx context.Context, vsid ids.VirtualServerID, msg wire.Message) error {
	owner, err := g.ownerOf(vsid)
	if err != nil {
		return status.Errorf(codes.NotFound, "transport: resolve vsid %d owner: %v", vsid, err)
	}
	if err := g.sendEnvelope(ctx, owner, &envelope{
		toVS: uint64(vsid), msgType: uint8(msg.Type), raw: msg.Raw,
	}); err != nil {
		return status.Errorf(codes.Unavailable, "transport: send to vsid %d: %v", vsid, err)
	}
	return nil
}

func (g *GRPCBus) SendToServer(ctx context.Context, sid ids.ServerID, msg wire.Message) error {
	return g.sendEnvelope(ctx, sid, &envelope{
		toServer: uint64(sid), toIsServ: true, msgType: uint8(msg.Type), raw: msg.Raw,
	})
}

// Recv returns the next message addressed to any virtual server
// registered on this node via RegisterLocal, plus which one of them it
// was addressed to; the caller (the daemon's single dispatch loop)
// decodes by wire.Message.Type and routes on sender/dest/region,
// matching the teacher's one-goroutine server loop reading off a
// single connection.
func (g *GRPCBus) Recv(ctx context.Context) (ids.VirtualServerID, ids.VirtualServerID, wire.Message, error) {
	select {
	case m := <-g.inbox:
		return m.from, m.to, m.msg, nil
	case <-ctx.Done():
		return 0, 0, wire.Message{}, ctx.Err()
	}
}

func (g *GRPCBus) Close() error {
	g.grpcServer.GracefulStop()
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, pc := range g.peers {
		pc.conn.Close()
	}
	return nil
}

var _ Bus = (*GRPCBus)(nil)
