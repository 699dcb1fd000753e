// Package keystate implements the per-key replication state named in
// spec.md §3 "Per-key state" and the work_state_machine algorithm of
// §4.E: an ordered committable/blocked/deferred set of operations for
// a single (region, key) pair, advanced by applying newly-committed
// ops to the data layer and handing the rest to a Sender for chain or
// subspace forwarding. Grounded on
// original_source/daemon/replication_manager.cc (the committable/blocked
// queues and last_committed_version bookkeeping HyperDex keeps inline
// with the rest of its replication logic) and on the teacher's
// own small, lock-per-object state machines in pkg/scheduler.
package keystate

import (
	"sync"

	"github.com/meridiandb/meridian/pkg/ids"
)

// Op is a single key_operation: a client mutation or an inbound
// CHAIN_OP/CHAIN_SUBSPACE waiting to be ordered and applied.
type Op struct {
	PrevVersion uint64
	ThisVersion uint64
	HasValue    bool
	IsFresh     bool
	Value       [][]byte // new attribute values, nil for a delete

	PrevRegion    ids.RegionID
	ThisOldRegion ids.RegionID
	ThisNewRegion ids.RegionID
	NextRegion    ids.RegionID

	// SourceVS is the virtual server this op arrived from, zero if it
	// originated locally (this node is the point leader for the key).
	// The replication manager uses it to route the upstream CHAIN_ACK
	// once the op reaches a terminal position.
	SourceVS ids.VirtualServerID

	applied bool
	sentTo  bool
	acked   bool
}

// Acked reports whether a CHAIN_ACK has been received for this op.
func (o *Op) Acked() bool { return o.acked }

// SentTo reports whether send_message has already been invoked for
// this op; work_state_machine only calls it once per op.
func (o *Op) SentTo() bool { return o.sentTo }

// Sender performs the routing decision of spec.md §4.F's send_message
// table; it is supplied by pkg/replication, which knows the chain
// topology, so that keystate itself stays free of transport concerns.
type Sender interface {
	SendMessage(region ids.RegionID, key []byte, op *Op) error
}

// Applier commits a newly-committable op to the data layer; supplied
// by the caller so keystate does not depend on pkg/store directly,
// keeping the same one-way dependency shape as pkg/index.
type Applier interface {
	Overput(key []byte, version uint64, newAttrs [][]byte) error
	Del(key []byte, version uint64) error
}

// State is the per-key record the spec hashes by (region_id, key). It
// is safe for concurrent use; callers obtain one from a
// replication.Manager's concurrent map, which also manages its
// reference count while an operation is outstanding.
type State struct {
	Region ids.RegionID
	Key    []byte

	mu            sync.Mutex
	hasCommitted  bool
	lastCommitted uint64
	committable   []*Op
	blocked       []*Op
	deferred      []*Op
}

func New(region ids.RegionID, key []byte) *State {
	return &State{Region: region, Key: append([]byte(nil), key...)}
}

// Enqueue admits a freshly arrived op into blocked (the common case)
// or deferred, per spec.md §3: an op whose version is beyond what this
// node has seen for the key is deferred until a state-transfer or a
// retransmit brings the gap forward.
func (s *State) Enqueue(op *Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op.IsFresh || op.PrevVersion == s.lastCommitted || !s.hasCommitted && op.PrevVersion == 0 {
		s.blocked = append(s.blocked, op)
		return
	}
	if op.PrevVersion < s.lastCommitted {
		// Stale retransmit of an already-committed predecessor; drop.
		return
	}
	s.deferred = append(s.deferred, op)
}

// promoteDeferred moves any deferred op whose predecessor has since
// committed into blocked, where the ordinary promotion pass picks it
// up. Called at the start of every WorkStateMachine pass and before
// each promotion step of promoteReady.
func (s *State) promoteDeferred() {
	for i := 0; i < len(s.deferred); {
		op := s.deferred[i]
		if op.PrevVersion == s.lastCommitted {
			s.deferred = append(s.deferred[:i], s.deferred[i+1:]...)
			s.blocked = append(s.blocked, op)
			continue
		}
		i++
	}
}

// promoteReady repeatedly moves the ready blocked op with the lowest
// version to committable, advancing last_committed_version, per
// spec.md §4.E step 1. Deferred ops are re-examined before each step,
// so an op whose predecessor was just promoted joins the same pass.
func (s *State) promoteReady() []*Op {
	var promoted []*Op
	for {
		s.promoteDeferred()
		next := -1
		for i, op := range s.blocked {
			ready := op.IsFresh || (s.hasCommitted && op.PrevVersion == s.lastCommitted) || (!s.hasCommitted && op.PrevVersion == 0)
			if ready && (next < 0 || op.ThisVersion < s.blocked[next].ThisVersion) {
				next = i
			}
		}
		if next < 0 {
			return promoted
		}
		op := s.blocked[next]
		s.blocked = append(s.blocked[:next], s.blocked[next+1:]...)
		s.hasCommitted = true
		s.lastCommitted = op.ThisVersion
		s.committable = append(s.committable, op)
		promoted = append(promoted, op)
	}
}

// WorkStateMachine runs one pass of spec.md §4.E's algorithm: promote
// ready blocked ops to committable, apply newly committable ops to
// the data layer, then send any committable op not yet sent.
func WorkStateMachine(s *State, applier Applier, sender Sender) error {
	s.mu.Lock()
	s.promoteDeferred()
	newlyCommittable := s.promoteReady()
	s.mu.Unlock()

	for _, op := range newlyCommittable {
		if err := applyOp(applier, s.Key, op); err != nil {
			return err
		}
	}

	s.mu.Lock()
	toSend := make([]*Op, 0, len(s.committable))
	for _, op := range s.committable {
		if !op.sentTo {
			toSend = append(toSend, op)
		}
	}
	s.mu.Unlock()

	for _, op := range toSend {
		if err := sender.SendMessage(s.Region, s.Key, op); err != nil {
			return err
		}
		s.mu.Lock()
		op.sentTo = true
		s.mu.Unlock()
	}
	return nil
}

func applyOp(applier Applier, key []byte, op *Op) error {
	if op.applied {
		return nil
	}
	var err error
	if op.HasValue {
		err = applier.Overput(key, op.ThisVersion, op.Value)
	} else {
		err = applier.Del(key, op.ThisVersion)
	}
	if err != nil {
		return err
	}
	op.applied = true
	return nil
}

// Ack records a CHAIN_ACK for this op. It returns true if, as a
// result, the op is now collectable: acked on this node and already a
// terminal position in the chain (sent_to with no further forwarding
// expected). The caller (replication.Manager) is responsible for
// actually invoking idcol.Collect and for issuing an upstream ack when
// this was the oldest unacked op, since only it knows chain position.
func (s *State) Ack(version uint64) (collectable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.committable {
		if op.ThisVersion == version {
			op.acked = true
			return op.sentTo
		}
	}
	return false
}

// Collect removes every acked, applied op at the front of committable
// up to and including version, returning their versions so the caller
// can feed them to idgen.Collect. Ops are removed strictly in order:
// a gap (an unacked predecessor) stops the sweep, matching
// last_committed_version's own in-order advancement.
func (s *State) Collect(upTo uint64) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var collected []uint64
	for len(s.committable) > 0 {
		op := s.committable[0]
		if !op.acked || op.ThisVersion > upTo {
			break
		}
		collected = append(collected, op.ThisVersion)
		s.committable = s.committable[1:]
	}
	return collected
}

// LastCommittedVersion reports the version most recently promoted to
// committable, used by the retransmitter to list live versions.
func (s *State) LastCommittedVersion() (version uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommitted, s.hasCommitted
}

// LiveVersions returns every version still held in committable,
// blocked or deferred, used by the retransmitter's close_gaps pass
// (spec.md §4.F step 2) to avoid collecting an in-flight version.
func (s *State) LiveVersions() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := make([]uint64, 0, len(s.committable)+len(s.blocked)+len(s.deferred))
	for _, op := range s.committable {
		live = append(live, op.ThisVersion)
	}
	for _, op := range s.blocked {
		live = append(live, op.ThisVersion)
	}
	for _, op := range s.deferred {
		live = append(live, op.ThisVersion)
	}
	return live
}

// Idle reports whether this key has no outstanding work, letting the
// owning map reclaim the entry once its reference count also drops to
// zero.
func (s *State) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committable) == 0 && len(s.blocked) == 0 && len(s.deferred) == 0
}
