package coordinator

import (
	"testing"

	"github.com/meridiandb/meridian/pkg/bgworker"
	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/index"
	"github.com/meridiandb/meridian/pkg/keystate"
	"github.com/stretchr/testify/require"
)

type fakeReplicator struct {
	registered   map[ids.RegionID]bool
	unregistered []ids.RegionID
	checkpointN  uint64
}

func (f *fakeReplicator) RegisterRegion(region ids.RegionID, pointLeader bool) {
	if f.registered == nil {
		f.registered = make(map[ids.RegionID]bool)
	}
	f.registered[region] = pointLeader
}
func (f *fakeReplicator) UnregisterRegion(region ids.RegionID) {
	f.unregistered = append(f.unregistered, region)
}
func (f *fakeReplicator) HostedRegions() []ids.RegionID {
	out := make([]ids.RegionID, 0, len(f.registered))
	for r := range f.registered {
		out = append(out, r)
	}
	return out
}
func (f *fakeReplicator) BeginCheckpoint(n uint64, regions []ids.RegionID) { f.checkpointN = n }
func (f *fakeReplicator) EndCheckpoint(n uint64, regions []ids.RegionID) error { return nil }

type fakeTransferer struct {
	started []ids.RegionID
}

func (f *fakeTransferer) BeginIncoming(id ids.TransferID, region ids.RegionID, source ids.VirtualServerID) error {
	f.started = append(f.started, region)
	return nil
}

func TestRouteMidChainForwards(t *testing.T) {
	repl := &fakeReplicator{}
	xfer := &fakeTransferer{}
	c := New(1, repl, xfer)
	c.config = &Configuration{
		Regions: map[ids.RegionID]RegionConfig{
			5: {Chain: []ids.VirtualServerID{10, 20, 30}},
		},
		Owner: map[ids.VirtualServerID]ids.ServerID{10: 1, 20: 2, 30: 3},
	}

	d := c.Route(5, &keystate.Op{})
	require.False(t, d.Terminal)
	require.EqualValues(t, 20, d.Dest)
	require.False(t, d.Subspace)
	require.True(t, c.IsPointLeader(5))
}

func TestRouteTailWithNoNextTerminates(t *testing.T) {
	repl := &fakeReplicator{}
	xfer := &fakeTransferer{}
	c := New(3, repl, xfer)
	c.config = &Configuration{
		Regions: map[ids.RegionID]RegionConfig{
			5: {Chain: []ids.VirtualServerID{10, 20, 30}},
		},
		Owner: map[ids.VirtualServerID]ids.ServerID{10: 1, 20: 2, 30: 3},
	}

	d := c.Route(5, &keystate.Op{})
	require.True(t, d.Terminal)
	require.False(t, c.IsPointLeader(5))
}

func TestRouteSubspaceCrossingAtTail(t *testing.T) {
	repl := &fakeReplicator{}
	xfer := &fakeTransferer{}
	c := New(3, repl, xfer)
	c.config = &Configuration{
		Regions: map[ids.RegionID]RegionConfig{
			5: {Chain: []ids.VirtualServerID{10, 30}},
			6: {Chain: []ids.VirtualServerID{40}},
		},
		Owner: map[ids.VirtualServerID]ids.ServerID{10: 1, 30: 3, 40: 4},
	}

	op := &keystate.Op{ThisOldRegion: 5, ThisNewRegion: 6}
	d := c.Route(5, op)
	require.False(t, d.Terminal)
	require.EqualValues(t, 40, d.Dest)
	require.False(t, d.Subspace, "crossing into the new region's head is a plain CHAIN_OP, not CHAIN_SUBSPACE")
}

func TestRouteSubspaceCrossingMidChain(t *testing.T) {
	repl := &fakeReplicator{}
	xfer := &fakeTransferer{}
	c := New(1, repl, xfer)
	c.config = &Configuration{
		Regions: map[ids.RegionID]RegionConfig{
			5: {Chain: []ids.VirtualServerID{10, 20, 30}},
		},
		Owner: map[ids.VirtualServerID]ids.ServerID{10: 1, 20: 2, 30: 3},
	}

	op := &keystate.Op{ThisOldRegion: 5, ThisNewRegion: 6}
	d := c.Route(5, op)
	require.False(t, d.Terminal)
	require.EqualValues(t, 20, d.Dest)
	require.True(t, d.Subspace, "mid-chain on the old region still forwards as CHAIN_SUBSPACE")
}

func TestSchemaReturnsConfiguredSchema(t *testing.T) {
	repl := &fakeReplicator{}
	xfer := &fakeTransferer{}
	c := New(1, repl, xfer)
	want := index.Schema{Attrs: []index.Attr{{Name: "a"}}}
	c.config = &Configuration{Regions: map[ids.RegionID]RegionConfig{5: {Schema: want}}}

	got, ok := c.Schema(5)
	require.True(t, ok)
	require.Equal(t, want, got)

	_, ok = c.Schema(99)
	require.False(t, ok)
}

func TestReconfigureRegistersAndTransfersNewRegions(t *testing.T) {
	repl := &fakeReplicator{}
	xfer := &fakeTransferer{}
	c := New(1, repl, xfer)

	old := &Configuration{
		Regions: map[ids.RegionID]RegionConfig{
			5: {Chain: []ids.VirtualServerID{20, 30}},
		},
		Owner: map[ids.VirtualServerID]ids.ServerID{20: 2, 30: 3},
	}
	newConfig := &Configuration{
		Regions: map[ids.RegionID]RegionConfig{
			5: {Chain: []ids.VirtualServerID{20, 30, 10}},
		},
		Owner: map[ids.VirtualServerID]ids.ServerID{20: 2, 30: 3, 10: 1},
	}

	require.NoError(t, c.Reconfigure(old, newConfig, 1))
	require.Contains(t, repl.registered, ids.RegionID(5))
	require.False(t, repl.registered[5], "node 1 joins at the tail, not as point leader")
	require.Equal(t, []ids.RegionID{5}, xfer.started)
}

func TestReconfigureUnregistersDroppedRegions(t *testing.T) {
	repl := &fakeReplicator{registered: map[ids.RegionID]bool{5: true}}
	xfer := &fakeTransferer{}
	c := New(1, repl, xfer)

	old := &Configuration{
		Regions: map[ids.RegionID]RegionConfig{5: {Chain: []ids.VirtualServerID{10}}},
		Owner:   map[ids.VirtualServerID]ids.ServerID{10: 1},
	}
	newConfig := &Configuration{Regions: map[ids.RegionID]RegionConfig{}, Owner: map[ids.VirtualServerID]ids.ServerID{}}

	require.NoError(t, c.Reconfigure(old, newConfig, 1))
	require.Equal(t, []ids.RegionID{5}, repl.unregistered)
}

type pausingRunnable struct{ name string }

func (p *pausingRunnable) ThreadName() string    { return p.name }
func (p *pausingRunnable) HaveWork() bool        { return false }
func (p *pausingRunnable) CopyWork() interface{} { return nil }
func (p *pausingRunnable) DoWork(interface{})    {}

func TestPauseBlocksUntilWorkersQuiesce(t *testing.T) {
	r := &pausingRunnable{name: "t"}
	w := bgworker.New(r, nil)
	w.Start()
	defer w.Shutdown()

	c := New(1, &fakeReplicator{}, &fakeTransferer{}, w)
	require.NoError(t, c.Pause())
	require.True(t, w.IsPaused())
	require.NoError(t, c.Unpause())
}
