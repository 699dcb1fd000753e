package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/transport"
	"github.com/meridiandb/meridian/pkg/wire"
	"github.com/stretchr/testify/require"
)

// TestHandshakeBringsUpOutgoingTransfer drives the full XFER_HS ->
// XFER_HSA -> XFER_HA exchange between a receiver and a source Manager
// and asserts the source ends up with a live OutgoingTransfer.
func TestHandshakeBringsUpOutgoingTransfer(t *testing.T) {
	net := transport.NewMemoryNetwork()
	sourceBus := net.Attach(1, 10)
	destBus := net.Attach(2, 20)
	defer sourceBus.Close()
	defer destBus.Close()

	region := ids.RegionID(5)
	sourceStore := openStore(t)
	require.NoError(t, sourceStore.Put(region, []byte("k"), 1, [][]byte{[]byte("v")}, nil))
	destStore := openStore(t)

	sourceMgr := NewManager(sourceStore, sourceBus, nil)
	destMgr := NewManager(destStore, destBus, nil)

	const transferID = ids.TransferID(42)
	require.NoError(t, destMgr.BeginIncoming(transferID, region, 10))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, msg, err := sourceBus.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.TypeXferHS, msg.Type)
	hs, err := wire.DecodeXferHS(msg.Raw)
	require.NoError(t, err)
	require.Equal(t, transferID, hs.TransferID)

	require.NoError(t, sourceMgr.HandleHS(20, region, hs))

	_, _, msg, err = destBus.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.TypeXferHSA, msg.Type)
	hsa, err := wire.DecodeXferHSA(msg.Raw)
	require.NoError(t, err)

	require.NoError(t, destMgr.HandleHSA(hsa))

	_, _, msg, err = sourceBus.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.TypeXferHA, msg.Type)
	ha, err := wire.DecodeXferHA(msg.Raw)
	require.NoError(t, err)

	out, err := sourceMgr.HandleHA(ha)
	require.NoError(t, err)
	require.NotNil(t, out)

	got, ok := sourceMgr.Outgoing(transferID)
	require.True(t, ok)
	require.Same(t, out, got)

	in, ok := destMgr.Incoming(transferID)
	require.True(t, ok)
	require.NotNil(t, in)
}

func TestCancelReleasesOutgoingResources(t *testing.T) {
	net := transport.NewMemoryNetwork()
	sourceBus := net.Attach(1, 10)
	destBus := net.Attach(2, 20)
	defer sourceBus.Close()
	defer destBus.Close()

	region := ids.RegionID(6)
	s := openStore(t)
	mgr := NewManager(s, sourceBus, nil)

	out, err := NewOutgoingTransfer(1, region, 20, s, sourceBus, nil)
	require.NoError(t, err)
	mgr.mu.Lock()
	mgr.outgoing[1] = out
	mgr.mu.Unlock()

	mgr.Cancel(1)
	_, ok := mgr.Outgoing(1)
	require.False(t, ok)

	_ = destBus
}
