package replication

import (
	"context"
	"testing"
	"time"

	"github.com/meridiandb/meridian/pkg/datatype"
	"github.com/meridiandb/meridian/pkg/idgen"
	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/index"
	"github.com/meridiandb/meridian/pkg/keystate"
	"github.com/meridiandb/meridian/pkg/search"
	"github.com/meridiandb/meridian/pkg/store"
	"github.com/meridiandb/meridian/pkg/transport"
	"github.com/meridiandb/meridian/pkg/wire"
	"github.com/stretchr/testify/require"
)

type fixedSchema struct{ schema index.Schema }

func (f fixedSchema) Schema(ids.RegionID) (index.Schema, bool) { return f.schema, true }

// terminalTopology always reports a terminal position, exercising the
// tail-of-chain, no-next-subspace branch of send_message.
type terminalTopology struct{}

func (terminalTopology) Route(ids.RegionID, *keystate.Op) Decision { return Decision{Terminal: true} }
func (terminalTopology) IsPointLeader(ids.RegionID) bool           { return true }

// forwardOnceTopology forwards the first call to dest, then reports
// terminal, simulating a two-node chain.
type forwardOnceTopology struct {
	dest     ids.VirtualServerID
	forwards int
}

func (t *forwardOnceTopology) Route(region ids.RegionID, op *keystate.Op) Decision {
	if t.forwards == 0 {
		t.forwards++
		return Decision{Dest: t.dest}
	}
	return Decision{Terminal: true}
}
func (t *forwardOnceTopology) IsPointLeader(ids.RegionID) bool { return true }

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSubmitAtTailMarksAckedLocally(t *testing.T) {
	s := openStore(t)
	gen := idgen.New()
	net := transport.NewMemoryNetwork()
	bus := net.Attach(1, 10)
	defer bus.Close()

	region := ids.RegionID(1)
	schema := index.Schema{PrimaryKey: mustType(t, "string")}
	mgr := NewManager(s, gen, bus, terminalTopology{}, fixedSchema{schema})
	mgr.RegisterRegion(region, true)

	require.NoError(t, mgr.Submit(region, []byte("k"), true, true, 0, [][]byte{[]byte("v")}))

	version, attrs, found, err := s.Get(region, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 0, version)
	require.Equal(t, [][]byte{[]byte("v")}, attrs)
}

func TestSubmitForwardsChainOpToNextHop(t *testing.T) {
	s := openStore(t)
	gen := idgen.New()
	net := transport.NewMemoryNetwork()
	busLeader := net.Attach(1, 10)
	busNext := net.Attach(2, 20)
	defer busLeader.Close()
	defer busNext.Close()

	region := ids.RegionID(1)
	schema := index.Schema{PrimaryKey: mustType(t, "string")}
	topo := &forwardOnceTopology{dest: 20}
	mgr := NewManager(s, gen, busLeader, topo, fixedSchema{schema})
	mgr.RegisterRegion(region, true)

	require.NoError(t, mgr.Submit(region, []byte("k"), true, true, 0, [][]byte{[]byte("v")}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	from, _, msg, err := busNext.Recv(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 10, from)
	require.Equal(t, wire.TypeChainOp, msg.Type)

	co, err := wire.DecodeChainOp(msg.Raw)
	require.NoError(t, err)
	require.Equal(t, []byte("k"), co.Key)
	require.True(t, co.IsFresh)
}

func TestHandleChainAckCollectsVersion(t *testing.T) {
	s := openStore(t)
	gen := idgen.New()
	net := transport.NewMemoryNetwork()
	busTail := net.Attach(1, 10)
	busLeader := net.Attach(2, 20)
	defer busTail.Close()
	defer busLeader.Close()

	region := ids.RegionID(5)
	schema := index.Schema{PrimaryKey: mustType(t, "string")}
	// A two-node chain: the tail's op carries SourceVS pointing back at
	// the leader, so reaching a terminal position sends a real
	// CHAIN_ACK instead of collecting immediately.
	mgrTail := NewManager(s, gen, busTail, terminalTopology{}, fixedSchema{schema})

	require.NoError(t, mgrTail.HandleChainOp(region, 20, wire.ChainOp{
		IsFresh: true, HasValue: true, ThisVer: 0, Key: []byte("k"), Attrs: [][]byte{[]byte("v")},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, msg, err := busLeader.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.TypeChainAck, msg.Type)

	require.EqualValues(t, 0, gen.LowerBound(region))
	mgrTail.HandleChainAck(region, wire.ChainAck{ThisVer: 0, Key: []byte("k")})
	require.EqualValues(t, 1, gen.LowerBound(region))
}

func TestBeginAndEndCheckpoint(t *testing.T) {
	s := openStore(t)
	gen := idgen.New()
	net := transport.NewMemoryNetwork()
	bus := net.Attach(1, 10)
	defer bus.Close()

	region := ids.RegionID(7)
	schema := index.Schema{PrimaryKey: mustType(t, "string")}
	mgr := NewManager(s, gen, bus, terminalTopology{}, fixedSchema{schema})
	mgr.RegisterRegion(region, true)
	require.NoError(t, mgr.Submit(region, []byte("k"), true, true, 0, [][]byte{[]byte("v")}))

	mgr.BeginCheckpoint(3, []ids.RegionID{region})
	require.NoError(t, mgr.EndCheckpoint(3, []ids.RegionID{region}))
	require.EqualValues(t, 0, mgr.Stable(region))
}

func TestGroupDeleteByChecksDeletesMatches(t *testing.T) {
	s := openStore(t)
	gen := idgen.New()
	net := transport.NewMemoryNetwork()
	bus := net.Attach(1, 10)
	defer bus.Close()

	region := ids.RegionID(8)
	schema := index.Schema{
		PrimaryKey: mustType(t, "string"),
		Attrs:      []index.Attr{{ID: 1, Name: "amount", Type: mustType(t, "int64")}},
	}
	mgr := NewManager(s, gen, bus, terminalTopology{}, fixedSchema{schema})
	mgr.RegisterRegion(region, true)

	low := make([]byte, 8)
	high := make([]byte, 8)
	high[7] = 100
	require.NoError(t, mgr.Submit(region, []byte("small"), true, true, 0, [][]byte{low}))
	require.NoError(t, mgr.Submit(region, []byte("big"), true, true, 0, [][]byte{high}))

	require.NoError(t, mgr.GroupDeleteByChecks(region, []search.Check{
		{Attr: 1, Cmp: search.GreaterEqual, Value: high},
	}))

	_, _, found, err := s.Get(region, []byte("big"))
	require.NoError(t, err)
	require.False(t, found, "matching key must be deleted")

	_, _, found, err = s.Get(region, []byte("small"))
	require.NoError(t, err)
	require.True(t, found, "non-matching key must survive")
}

func mustType(t *testing.T, name string) datatype.Type {
	t.Helper()
	typ, ok := datatype.Lookup(name)
	require.True(t, ok)
	return typ
}
