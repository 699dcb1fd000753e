package transport

import (
	"context"
	"testing"
	"time"

	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusSendToVirtualServer(t *testing.T) {
	net := NewMemoryNetwork()
	a := net.Attach(1, 10)
	b := net.Attach(2, 20)
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg := wire.EncodeChainAck(wire.ChainAck{ThisVer: 5, Key: []byte("k")})
	require.NoError(t, a.SendToVirtualServer(ctx, 20, msg))

	from, _, got, err := b.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, ids.VirtualServerID(10), from)
	require.Equal(t, msg, got)
}

func TestMemoryBusSendToServerFansOutToAllHostedVirtualServers(t *testing.T) {
	net := NewMemoryNetwork()
	a := net.Attach(1, 10)
	b1 := net.Attach(2, 21)
	b2 := net.Attach(2, 22)
	defer a.Close()
	defer b1.Close()
	defer b2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg := wire.EncodeXferHW(wire.XferHW{TransferID: 1})
	require.NoError(t, a.SendToServer(ctx, 2, msg))

	_, _, got1, err := b1.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, msg, got1)

	_, _, got2, err := b2.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, msg, got2)
}

func TestMemoryBusUnknownDestination(t *testing.T) {
	net := NewMemoryNetwork()
	a := net.Attach(1, 10)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := a.SendToVirtualServer(ctx, 999, wire.Message{})
	require.ErrorIs(t, err, ErrUnknownDestination)
}

func TestMemoryBusCloseUnblocksRecv(t *testing.T) {
	net := NewMemoryNetwork()
	a := net.Attach(1, 10)

	done := make(chan error, 1)
	go func() {
		_, _, _, err := a.Recv(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())
	require.ErrorIs(t, <-done, ErrClosed)
}
