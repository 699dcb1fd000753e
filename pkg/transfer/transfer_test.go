package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/store"
	"github.com/meridiandb/meridian/pkg/transport"
	"github.com/meridiandb/meridian/pkg/wire"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIncomingTransferDrainsInOrderAndAcks(t *testing.T) {
	s := openStore(t)
	net := transport.NewMemoryNetwork()
	source := net.Attach(1, 10)
	dest := net.Attach(2, 20)
	defer source.Close()
	defer dest.Close()

	region := ids.RegionID(1)
	in := NewIncomingTransfer(7, region, 10, s, dest, nil, false)

	op1 := wire.XferOp{HasValue: true, TransferID: 7, RegionID: region, SeqNo: 1, Version: 1, Key: []byte("k1"), Attrs: [][]byte{[]byte("v1")}}
	op0 := wire.XferOp{HasValue: true, TransferID: 7, RegionID: region, SeqNo: 0, Version: 0, Key: []byte("k0"), Attrs: [][]byte{[]byte("v0")}}

	require.NoError(t, in.HandleOp(op1)) // arrives first, out of order
	require.Equal(t, []uint64{1}, in.QueuedKeys())

	_, _, found, err := s.Get(region, []byte("k1"))
	require.NoError(t, err)
	require.False(t, found, "seq 1 must not apply before seq 0 drains")

	require.NoError(t, in.HandleOp(op0))
	require.Empty(t, in.QueuedKeys())

	_, _, found, err = s.Get(region, []byte("k0"))
	require.NoError(t, err)
	require.True(t, found)
	_, _, found, err = s.Get(region, []byte("k1"))
	require.NoError(t, err)
	require.True(t, found)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, msg, err := source.Recv(ctx)
	require.NoError(t, err)
	ack, err := wire.DecodeXferAck(msg.Raw)
	require.NoError(t, err)
	require.EqualValues(t, 0, ack.SeqNo)
}

type completionSpy struct {
	transferID ids.TransferID
	called     bool
}

func (c *completionSpy) TransferGoLive(transferID ids.TransferID) error {
	c.transferID, c.called = transferID, true
	return nil
}

func (c *completionSpy) TransferComplete(ids.TransferID) error { return nil }

func TestIncomingTransferCompletesOnHW(t *testing.T) {
	s := openStore(t)
	net := transport.NewMemoryNetwork()
	source := net.Attach(1, 10)
	dest := net.Attach(2, 20)
	defer source.Close()
	defer dest.Close()

	spy := &completionSpy{}
	region := ids.RegionID(2)
	in := NewIncomingTransfer(9, region, 10, s, dest, spy, false)
	require.NoError(t, in.HandleOp(wire.XferOp{HasValue: true, TransferID: 9, RegionID: region, SeqNo: 0, Key: []byte("k")}))
	in.HandleHW()
	require.True(t, spy.called)
	require.EqualValues(t, 9, spy.transferID)
}

func TestIncomingTransferWipesBeforeApplying(t *testing.T) {
	s := openStore(t)
	region := ids.RegionID(3)
	require.NoError(t, s.Put(region, []byte("stale"), 1, [][]byte{[]byte("x")}, nil))

	net := transport.NewMemoryNetwork()
	source := net.Attach(1, 10)
	dest := net.Attach(2, 20)
	defer source.Close()
	defer dest.Close()

	in := NewIncomingTransfer(11, region, 10, s, dest, nil, true)
	require.NoError(t, in.HandleOp(wire.XferOp{HasValue: true, TransferID: 11, RegionID: region, SeqNo: 0, Key: []byte("k"), Attrs: [][]byte{[]byte("v")}}))

	_, _, found, err := s.Get(region, []byte("stale"))
	require.NoError(t, err)
	require.False(t, found, "wipe must clear pre-existing region data before applying transferred ops")
}

type fakeScanner struct {
	entries []fakeEntry
	i       int
}

type fakeEntry struct {
	key     []byte
	version uint64
	attrs   [][]byte
}

func (f *fakeScanner) Next() bool {
	if f.i >= len(f.entries) {
		return false
	}
	f.i++
	return true
}

func (f *fakeScanner) Entry() ([]byte, uint64, [][]byte, error) {
	e := f.entries[f.i-1]
	return e.key, e.version, e.attrs, nil
}

func (f *fakeScanner) Error() error { return nil }
func (f *fakeScanner) Release()    {}

func TestOutgoingTransferWindowDoubles(t *testing.T) {
	s := openStore(t)
	net := transport.NewMemoryNetwork()
	source := net.Attach(1, 10)
	dest := net.Attach(2, 20)
	defer source.Close()
	defer dest.Close()

	out := &OutgoingTransfer{
		id: 1, region: 1, dest: 20, store: s, bus: source,
		iter: &fakeScanner{entries: []fakeEntry{
			{key: []byte("a")}, {key: []byte("b")}, {key: []byte("c")}, {key: []byte("d")},
		}},
		windowSz: 1,
	}

	out.DoWork(nil)
	require.Len(t, out.unacked, 1, "window starts at 1")

	out.HandleAck(wire.XferAck{SeqNo: 0})
	require.Equal(t, 2, out.windowSz)
	out.DoWork(nil)
	require.Len(t, out.unacked, 2)
}
