package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChainOpRoundTrip(t *testing.T) {
	op := ChainOp{IsFresh: true, HasValue: true, PrevVer: 0, ThisVer: 1, Key: []byte("k"), Attrs: [][]byte{[]byte("a"), []byte("b")}}
	msg := EncodeChainOp(op)
	require.Equal(t, TypeChainOp, msg.Type)
	got, err := DecodeChainOp(msg.Raw)
	require.NoError(t, err)
	require.Equal(t, op, got)
}

func TestChainSubspaceRoundTrip(t *testing.T) {
	op := ChainSubspace{
		PrevVer: 3, ThisVer: 4, Key: []byte("k"), Attrs: [][]byte{[]byte("v")},
		PrevRegion: 1, ThisOldRegion: 2, ThisNewRegion: 3, NextRegion: 4,
	}
	msg := EncodeChainSubspace(op)
	got, err := DecodeChainSubspace(msg.Raw)
	require.NoError(t, err)
	require.Equal(t, op, got)
}

func TestChainAckRoundTrip(t *testing.T) {
	ack := ChainAck{ThisVer: 7, Key: []byte("key")}
	msg := EncodeChainAck(ack)
	got, err := DecodeChainAck(msg.Raw)
	require.NoError(t, err)
	require.Equal(t, ack, got)
}

func TestXferHandshakeRoundTrip(t *testing.T) {
	hs := XferHS{TransferID: 9}
	gotHS, err := DecodeXferHS(EncodeXferHS(hs).Raw)
	require.NoError(t, err)
	require.Equal(t, hs, gotHS)

	hsa := XferHSA{TransferID: 9, Timestamp: []byte{1, 2, 3}}
	gotHSA, err := DecodeXferHSA(EncodeXferHSA(hsa).Raw)
	require.NoError(t, err)
	require.Equal(t, hsa, gotHSA)

	ha := XferHA{TransferID: 9, Wipe: true}
	gotHA, err := DecodeXferHA(EncodeXferHA(ha).Raw)
	require.NoError(t, err)
	require.Equal(t, ha, gotHA)

	hw := XferHW{TransferID: 9}
	gotHW, err := DecodeXferHW(EncodeXferHW(hw).Raw)
	require.NoError(t, err)
	require.Equal(t, hw, gotHW)
}

func TestXferOpAndAckRoundTrip(t *testing.T) {
	op := XferOp{HasValue: true, TransferID: 1, RegionID: 2, SeqNo: 5, Version: 6, Key: []byte("k"), Attrs: [][]byte{[]byte("v")}}
	gotOp, err := DecodeXferOp(EncodeXferOp(op).Raw)
	require.NoError(t, err)
	require.Equal(t, op, gotOp)

	ack := XferAck{TransferID: 1, SeqNo: 5}
	gotAck, err := DecodeXferAck(EncodeXferAck(ack).Raw)
	require.NoError(t, err)
	require.Equal(t, ack, gotAck)
}

func TestDecodeTruncatedReturnsError(t *testing.T) {
	_, err := DecodeChainOp([]byte{0x01})
	require.ErrorIs(t, err, ErrTruncated)
}
