// Package transfer implements the state-transfer manager of spec.md
// §4.G: a three-phase handshake (XFER_HS/XFER_HSA/XFER_HA) followed by
// windowed data shipping (XFER_OP/XFER_ACK, window 1..1024 doubling)
// and a completion handshake (XFER_HW). Grounded on
// original_source/daemon/state_transfer_manager.{h,cc} and
// xfer_state.cc for the handshake and window bookkeeping, reusing
// pkg/wire's message encodings and pkg/store's replay/wipe primitives.
package transfer

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/log"
	"github.com/meridiandb/meridian/pkg/metrics"
	"github.com/meridiandb/meridian/pkg/store"
	"github.com/meridiandb/meridian/pkg/transport"
	"github.com/meridiandb/meridian/pkg/wire"
	"github.com/syndtr/goleveldb/leveldb"
)

const (
	initialWindow = 1
	maxWindow     = 1024
)

// CompletionNotifier is the pkg/coordinator.Coordinator subset both
// transfer sides report to once they have finished their half of the
// handshake: the receiver calls TransferGoLive once it has drained
// every queued op after XFER_HW (spec.md §2's "on drain -> XFER_HW ->
// coord.transfer_go_live"); the source calls TransferComplete once its
// last op has been acked and XFER_HW has been sent.
type CompletionNotifier interface {
	TransferGoLive(transferID ids.TransferID) error
	TransferComplete(transferID ids.TransferID) error
}

func encodeTimestamp(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeTimestamp(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// OutgoingTransfer ships a region's current contents to dest in
// strictly increasing seq_no, honoring a doubling flow-control window.
type OutgoingTransfer struct {
	id     ids.TransferID
	region ids.RegionID
	dest   ids.VirtualServerID
	store  *store.Store
	bus    transport.Bus
	notify CompletionNotifier

	startedAt time.Time

	mu         sync.Mutex
	snap       *leveldb.Snapshot
	iter       regionScanner
	nextSeq    uint64
	windowSz   int
	unacked    []wire.XferOp
	exhausted  bool
	notifiedHW bool
}

// regionScanner is the subset of *store.RegionIterator OutgoingTransfer
// needs, narrowed to an interface so tests can substitute a fake
// in-memory scan without standing up a real LevelDB region.
type regionScanner interface {
	Next() bool
	Entry() (internalKey []byte, version uint64, attrs [][]byte, err error)
	Error() error
	Release()
}

func NewOutgoingTransfer(id ids.TransferID, region ids.RegionID, dest ids.VirtualServerID, st *store.Store, bus transport.Bus, notify CompletionNotifier) (*OutgoingTransfer, error) {
	snap, err := st.MakeSnapshot()
	if err != nil {
		return nil, err
	}
	iter := st.RegionIterator(snap, region)
	st.InhibitWiping(region)
	metrics.TransfersActive.WithLabelValues("outgoing").Inc()
	return &OutgoingTransfer{
		id: id, region: region, dest: dest, store: st, bus: bus, notify: notify,
		snap: snap, iter: iter, windowSz: initialWindow, startedAt: time.Now(),
	}, nil
}

func (t *OutgoingTransfer) ThreadName() string { return "xfer-out" }

func (t *OutgoingTransfer) HaveWork() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.unacked) < t.windowSz && !t.exhausted || (t.exhausted && len(t.unacked) == 0 && !t.notifiedHW)
}

func (t *OutgoingTransfer) CopyWork() interface{} { return nil }

func (t *OutgoingTransfer) DoWork(interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.unacked) < t.windowSz && !t.exhausted {
		if !t.iter.Next() {
			if err := t.iter.Error(); err == nil {
				t.exhausted = true
				t.iter.Release()
				t.snap.Release()
				t.store.PermitWiping(t.region)
			}
			break
		}
		key, version, attrs, err := t.iter.Entry()
		if err != nil {
			continue
		}
		op := wire.XferOp{
			HasValue: true, TransferID: t.id, RegionID: t.region,
			SeqNo: t.nextSeq, Version: version, Key: key, Attrs: attrs,
		}
		t.nextSeq++
		t.unacked = append(t.unacked, op)
		t.bus.SendToVirtualServer(context.Background(), t.dest, wire.EncodeXferOp(op))
		metrics.TransferOpsShippedTotal.WithLabelValues("outgoing").Inc()
	}
	metrics.TransferWindowSize.Observe(float64(t.windowSz))
	if t.exhausted && len(t.unacked) == 0 && !t.notifiedHW {
		t.notifiedHW = true
		t.bus.SendToVirtualServer(context.Background(), t.dest, wire.EncodeXferHW(wire.XferHW{TransferID: t.id}))
		metrics.TransfersActive.WithLabelValues("outgoing").Dec()
		metrics.TransferDuration.Observe(time.Since(t.startedAt).Seconds())
		if t.notify != nil {
			if err := t.notify.TransferComplete(t.id); err != nil {
				log.Logger.Warn().Err(err).Uint64("transfer_id", uint64(t.id)).
					Uint64("region", uint64(t.region)).Msg("coordinator rejected transfer completion")
			}
		}
	}
}

// HandleAck removes the acked op from the unacked window (it must be
// the head, since seq_no is strictly increasing) and doubles the
// window up to maxWindow.
func (t *OutgoingTransfer) HandleAck(ack wire.XferAck) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.unacked) == 0 || t.unacked[0].SeqNo != ack.SeqNo {
		return
	}
	t.unacked = t.unacked[1:]
	t.windowSz *= 2
	if t.windowSz > maxWindow {
		t.windowSz = maxWindow
	}
}

// Resend retransmits every currently unacked op, triggered by a
// periodic kick or an ack-gap timeout per spec.md §4.G's flow-control
// paragraph.
func (t *OutgoingTransfer) Resend() {
	t.mu.Lock()
	pending := append([]wire.XferOp(nil), t.unacked...)
	t.mu.Unlock()
	for _, op := range pending {
		t.bus.SendToVirtualServer(context.Background(), t.dest, wire.EncodeXferOp(op))
	}
}

// IncomingTransfer receives a region's contents from source,
// reordering out-of-sequence arrivals and, if a wipe was negotiated in
// the handshake, clearing the region before applying the first op.
type IncomingTransfer struct {
	id     ids.TransferID
	region ids.RegionID
	source ids.VirtualServerID
	store  *store.Store
	bus    transport.Bus
	notify CompletionNotifier

	startedAt time.Time

	mu              sync.Mutex
	upperBoundAcked uint64
	queued          map[uint64]wire.XferOp
	waitingWipe     bool
	wiped           bool
	hwReceived      bool
	completed       bool
}

func NewIncomingTransfer(id ids.TransferID, region ids.RegionID, source ids.VirtualServerID, st *store.Store, bus transport.Bus, notify CompletionNotifier, wipeRequired bool) *IncomingTransfer {
	metrics.TransfersActive.WithLabelValues("incoming").Inc()
	return &IncomingTransfer{
		id: id, region: region, source: source, store: st, bus: bus, notify: notify,
		queued:      make(map[uint64]wire.XferOp),
		waitingWipe: wipeRequired,
		wiped:       !wipeRequired,
		startedAt:   time.Now(),
	}
}

// HandleOp admits an XFER_OP, triggering the negotiated wipe on first
// arrival, then drains every contiguous queued op starting at
// upper_bound_acked, applying each via UncertainPut/UncertainDel and
// acking it.
func (t *IncomingTransfer) HandleOp(op wire.XferOp) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queued[op.SeqNo] = op

	if t.waitingWipe {
		if err := t.store.RequestWipe(t.region); err != nil {
			return err
		}
		t.waitingWipe = false
		t.wiped = true
	}
	if !t.wiped {
		return nil
	}

	for {
		entry, ok := t.queued[t.upperBoundAcked]
		if !ok {
			break
		}
		var err error
		if entry.HasValue {
			err = t.store.UncertainPut(t.region, entry.Key, entry.Version, entry.Attrs, nil)
		} else {
			err = t.store.UncertainDel(t.region, entry.Key, entry.Version, nil)
		}
		if err != nil {
			return err
		}
		delete(t.queued, t.upperBoundAcked)
		ackSeq := t.upperBoundAcked
		t.upperBoundAcked++
		ack := wire.EncodeXferAck(wire.XferAck{TransferID: t.id, SeqNo: ackSeq})
		t.bus.SendToVirtualServer(context.Background(), t.source, ack)
		metrics.TransferOpsShippedTotal.WithLabelValues("incoming").Inc()
	}
	t.maybeComplete()
	return nil
}

// HandleHW admits the source's XFER_HW completion signal.
func (t *IncomingTransfer) HandleHW() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hwReceived = true
	t.maybeComplete()
}

func (t *IncomingTransfer) maybeComplete() {
	if t.completed || !t.hwReceived || len(t.queued) != 0 {
		return
	}
	t.completed = true
	metrics.TransfersActive.WithLabelValues("incoming").Dec()
	metrics.TransferDuration.Observe(time.Since(t.startedAt).Seconds())
	if t.notify != nil {
		if err := t.notify.TransferGoLive(t.id); err != nil {
			log.Logger.Warn().Err(err).Uint64("transfer_id", uint64(t.id)).
				Uint64("region", uint64(t.region)).Msg("coordinator rejected transfer go-live")
		}
	}
}

// QueuedKeys reports the seq_nos still buffered out of order, used by
// tests and diagnostics.
func (t *IncomingTransfer) QueuedKeys() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint64, 0, len(t.queued))
	for k := range t.queued {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
