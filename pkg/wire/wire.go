// Package wire implements the bus payload encodings from spec.md §6:
// CHAIN_OP, CHAIN_SUBSPACE, CHAIN_ACK, the XFER_* handshake and data
// messages. All integers are big-endian; a slice is u32 length
// followed by bytes. Grounded on HyperDex's
// original_source/daemon/*.cc message-packing helpers (e.g.
// chain_op.cc, xfer_*.cc), translated into Go's encoding/binary idiom
// the way pkg/codec translates the on-disk key encodings.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/meridiandb/meridian/pkg/ids"
)

// ErrTruncated is returned when a message buffer ends before a field
// it promised (its own length prefix, or the fixed header) is fully
// present.
var ErrTruncated = errors.New("wire: truncated message")

// Type discriminates the message kinds carried over the bus.
type Type uint8

const (
	TypeChainOp Type = iota + 1
	TypeChainSubspace
	TypeChainAck
	TypeXferHS
	TypeXferHSA
	TypeXferHA
	TypeXferHW
	TypeXferOp
	TypeXferAck
)

const (
	flagIsFresh  = 0x01
	flagHasValue = 0x02
	flagWipe     = 0x01
)

// Message is the common envelope every wire.Message decodes into; the
// caller switches on Type and reads the matching struct via the
// As* accessors.
type Message struct {
	Type Type
	Raw  []byte // type-specific payload, encoded by the matching Encode* function
}

func putSlice(dst, s []byte) []byte {
	var lbuf [4]byte
	binary.BigEndian.PutUint32(lbuf[:], uint32(len(s)))
	dst = append(dst, lbuf[:]...)
	return append(dst, s...)
}

func getSlice(b []byte) (slice, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, ErrTruncated
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, ErrTruncated
	}
	return b[:n], b[n:], nil
}

func putU64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

func getU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint64(b), b[8:], nil
}

func putValue(dst []byte, attrs [][]byte) []byte {
	var cbuf [2]byte
	binary.BigEndian.PutUint16(cbuf[:], uint16(len(attrs)))
	dst = append(dst, cbuf[:]...)
	for _, a := range attrs {
		dst = putSlice(dst, a)
	}
	return dst
}

func getValue(b []byte) (attrs [][]byte, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, ErrTruncated
	}
	count := binary.BigEndian.Uint16(b)
	b = b[2:]
	attrs = make([][]byte, 0, count)
	for i := uint16(0); i < count; i++ {
		var s []byte
		s, b, err = getSlice(b)
		if err != nil {
			return nil, nil, err
		}
		attrs = append(attrs, s)
	}
	return attrs, b, nil
}

// ChainOp is a point-to-point replication message carrying one
// versioned mutation down the chain.
type ChainOp struct {
	IsFresh    bool
	HasValue   bool
	PrevVer    uint64
	ThisVer    uint64
	Key        []byte
	Attrs      [][]byte
}

func EncodeChainOp(op ChainOp) Message {
	var flags byte
	if op.IsFresh {
		flags |= flagIsFresh
	}
	if op.HasValue {
		flags |= flagHasValue
	}
	buf := []byte{flags}
	buf = putU64(buf, op.PrevVer)
	buf = putU64(buf, op.ThisVer)
	buf = putSlice(buf, op.Key)
	buf = putValue(buf, op.Attrs)
	return Message{Type: TypeChainOp, Raw: buf}
}

func DecodeChainOp(raw []byte) (ChainOp, error) {
	if len(raw) < 1 {
		return ChainOp{}, ErrTruncated
	}
	flags := raw[0]
	rest := raw[1:]
	prevVer, rest, err := getU64(rest)
	if err != nil {
		return ChainOp{}, err
	}
	thisVer, rest, err := getU64(rest)
	if err != nil {
		return ChainOp{}, err
	}
	key, rest, err := getSlice(rest)
	if err != nil {
		return ChainOp{}, err
	}
	attrs, _, err := getValue(rest)
	if err != nil {
		return ChainOp{}, err
	}
	return ChainOp{
		IsFresh: flags&flagIsFresh != 0, HasValue: flags&flagHasValue != 0,
		PrevVer: prevVer, ThisVer: thisVer, Key: key, Attrs: attrs,
	}, nil
}

// ChainSubspace extends ChainOp with the subspace-transition
// quadruple used when a mutation must move the object between two
// co-existing region layouts during reconfiguration.
type ChainSubspace struct {
	PrevVer, ThisVer                           uint64
	Key                                        []byte
	Attrs                                      [][]byte
	PrevRegion, ThisOldRegion, ThisNewRegion, NextRegion ids.RegionID
}

func EncodeChainSubspace(op ChainSubspace) Message {
	buf := putU64(nil, op.PrevVer)
	buf = putU64(buf, op.ThisVer)
	buf = putSlice(buf, op.Key)
	buf = putValue(buf, op.Attrs)
	buf = putU64(buf, uint64(op.PrevRegion))
	buf = putU64(buf, uint64(op.ThisOldRegion))
	buf = putU64(buf, uint64(op.ThisNewRegion))
	buf = putU64(buf, uint64(op.NextRegion))
	return Message{Type: TypeChainSubspace, Raw: buf}
}

func DecodeChainSubspace(raw []byte) (ChainSubspace, error) {
	prevVer, rest, err := getU64(raw)
	if err != nil {
		return ChainSubspace{}, err
	}
	thisVer, rest, err := getU64(rest)
	if err != nil {
		return ChainSubspace{}, err
	}
	key, rest, err := getSlice(rest)
	if err != nil {
		return ChainSubspace{}, err
	}
	attrs, rest, err := getValue(rest)
	if err != nil {
		return ChainSubspace{}, err
	}
	prevRegion, rest, err := getU64(rest)
	if err != nil {
		return ChainSubspace{}, err
	}
	oldRegion, rest, err := getU64(rest)
	if err != nil {
		return ChainSubspace{}, err
	}
	newRegion, rest, err := getU64(rest)
	if err != nil {
		return ChainSubspace{}, err
	}
	nextRegion, _, err := getU64(rest)
	if err != nil {
		return ChainSubspace{}, err
	}
	return ChainSubspace{
		PrevVer: prevVer, ThisVer: thisVer, Key: key, Attrs: attrs,
		PrevRegion: ids.RegionID(prevRegion), ThisOldRegion: ids.RegionID(oldRegion),
		ThisNewRegion: ids.RegionID(newRegion), NextRegion: ids.RegionID(nextRegion),
	}, nil
}

// ChainAck travels back up the chain to acknowledge a committed
// version.
type ChainAck struct {
	ThisVer uint64
	Key     []byte
}

func EncodeChainAck(ack ChainAck) Message {
	buf := putU64(nil, ack.ThisVer)
	buf = putSlice(buf, ack.Key)
	return Message{Type: TypeChainAck, Raw: buf}
}

func DecodeChainAck(raw []byte) (ChainAck, error) {
	ver, rest, err := getU64(raw)
	if err != nil {
		return ChainAck{}, err
	}
	key, _, err := getSlice(rest)
	if err != nil {
		return ChainAck{}, err
	}
	return ChainAck{ThisVer: ver, Key: key}, nil
}

// XferHS is the receiver's handshake SYN.
type XferHS struct{ TransferID ids.TransferID }

func EncodeXferHS(m XferHS) Message {
	return Message{Type: TypeXferHS, Raw: putU64(nil, uint64(m.TransferID))}
}

func DecodeXferHS(raw []byte) (XferHS, error) {
	v, _, err := getU64(raw)
	return XferHS{TransferID: ids.TransferID(v)}, err
}

// XferHSA is the source's SYNACK, carrying the opaque checkpoint
// timestamp the receiver should replay from.
type XferHSA struct {
	TransferID ids.TransferID
	Timestamp  []byte
}

func EncodeXferHSA(m XferHSA) Message {
	buf := putU64(nil, uint64(m.TransferID))
	buf = putSlice(buf, m.Timestamp)
	return Message{Type: TypeXferHSA, Raw: buf}
}

func DecodeXferHSA(raw []byte) (XferHSA, error) {
	id, rest, err := getU64(raw)
	if err != nil {
		return XferHSA{}, err
	}
	ts, _, err := getSlice(rest)
	if err != nil {
		return XferHSA{}, err
	}
	return XferHSA{TransferID: ids.TransferID(id), Timestamp: ts}, nil
}

// XferHA is the receiver's handshake ACK, declaring whether a wipe is
// required before data can be applied.
type XferHA struct {
	TransferID ids.TransferID
	Wipe       bool
}

func EncodeXferHA(m XferHA) Message {
	var flags byte
	if m.Wipe {
		flags |= flagWipe
	}
	buf := putU64(nil, uint64(m.TransferID))
	buf = append(buf, flags)
	return Message{Type: TypeXferHA, Raw: buf}
}

func DecodeXferHA(raw []byte) (XferHA, error) {
	id, rest, err := getU64(raw)
	if err != nil {
		return XferHA{}, err
	}
	if len(rest) < 1 {
		return XferHA{}, ErrTruncated
	}
	return XferHA{TransferID: ids.TransferID(id), Wipe: rest[0]&flagWipe != 0}, nil
}

// XferHW signals the source has exhausted its replay iterator and the
// transfer is complete.
type XferHW struct{ TransferID ids.TransferID }

func EncodeXferHW(m XferHW) Message {
	return Message{Type: TypeXferHW, Raw: putU64(nil, uint64(m.TransferID))}
}

func DecodeXferHW(raw []byte) (XferHW, error) {
	v, _, err := getU64(raw)
	return XferHW{TransferID: ids.TransferID(v)}, err
}

// XferOp ships one versioned record during state transfer.
type XferOp struct {
	HasValue   bool
	TransferID ids.TransferID
	RegionID   ids.RegionID
	SeqNo      uint64
	Version    uint64
	Key        []byte
	Attrs      [][]byte
}

func EncodeXferOp(op XferOp) Message {
	var flags byte
	if op.HasValue {
		flags |= flagHasValue
	}
	buf := []byte{flags}
	buf = putU64(buf, uint64(op.TransferID))
	buf = putU64(buf, uint64(op.RegionID))
	buf = putU64(buf, op.SeqNo)
	buf = putU64(buf, op.Version)
	buf = putSlice(buf, op.Key)
	buf = putValue(buf, op.Attrs)
	return Message{Type: TypeXferOp, Raw: buf}
}

func DecodeXferOp(raw []byte) (XferOp, error) {
	if len(raw) < 1 {
		return XferOp{}, ErrTruncated
	}
	flags := raw[0]
	rest := raw[1:]
	transferID, rest, err := getU64(rest)
	if err != nil {
		return XferOp{}, err
	}
	regionID, rest, err := getU64(rest)
	if err != nil {
		return XferOp{}, err
	}
	seqNo, rest, err := getU64(rest)
	if err != nil {
		return XferOp{}, err
	}
	version, rest, err := getU64(rest)
	if err != nil {
		return XferOp{}, err
	}
	key, rest, err := getSlice(rest)
	if err != nil {
		return XferOp{}, err
	}
	attrs, _, err := getValue(rest)
	if err != nil {
		return XferOp{}, err
	}
	return XferOp{
		HasValue: flags&flagHasValue != 0, TransferID: ids.TransferID(transferID),
		RegionID: ids.RegionID(regionID), SeqNo: seqNo, Version: version, Key: key, Attrs: attrs,
	}, nil
}

// XferAck acknowledges receipt and application of one XFER_OP.
type XferAck struct {
	TransferID ids.TransferID
	SeqNo      uint64
}

func EncodeXferAck(m XferAck) Message {
	buf := []byte{0}
	buf = putU64(buf, uint64(m.TransferID))
	buf = putU64(buf, m.SeqNo)
	return Message{Type: TypeXferAck, Raw: buf}
}

func DecodeXferAck(raw []byte) (XferAck, error) {
	if len(raw) < 1 {
		return XferAck{}, ErrTruncated
	}
	transferID, rest, err := getU64(raw[1:])
	if err != nil {
		return XferAck{}, err
	}
	seqNo, _, err := getU64(rest)
	if err != nil {
		return XferAck{}, err
	}
	return XferAck{TransferID: ids.TransferID(transferID), SeqNo: seqNo}, nil
}
