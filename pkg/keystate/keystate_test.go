package keystate

import (
	"testing"

	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/stretchr/testify/require"
)

type fakeApplier struct {
	overputs []uint64
	dels     []uint64
}

func (f *fakeApplier) Overput(key []byte, version uint64, newAttrs [][]byte) error {
	f.overputs = append(f.overputs, version)
	return nil
}

func (f *fakeApplier) Del(key []byte, version uint64) error {
	f.dels = append(f.dels, version)
	return nil
}

type fakeSender struct {
	sent []*Op
}

func (f *fakeSender) SendMessage(region ids.RegionID, key []byte, op *Op) error {
	f.sent = append(f.sent, op)
	return nil
}

func TestWorkStateMachinePromotesInOrder(t *testing.T) {
	s := New(1, []byte("k"))
	op0 := &Op{IsFresh: true, HasValue: true, ThisVersion: 0, Value: [][]byte{[]byte("v0")}}
	op1 := &Op{PrevVersion: 0, HasValue: true, ThisVersion: 1, Value: [][]byte{[]byte("v1")}}
	s.Enqueue(op1) // arrives out of order
	s.Enqueue(op0)

	applier := &fakeApplier{}
	sender := &fakeSender{}
	require.NoError(t, WorkStateMachine(s, applier, sender))

	require.Equal(t, []uint64{0, 1}, applier.overputs)
	require.Len(t, sender.sent, 2)
	require.True(t, op0.SentTo())
	require.True(t, op1.SentTo())
}

func TestWorkStateMachineBlocksOnGap(t *testing.T) {
	s := New(1, []byte("k"))
	op2 := &Op{PrevVersion: 1, HasValue: true, ThisVersion: 2, Value: [][]byte{[]byte("v2")}}
	s.Enqueue(op2)

	applier := &fakeApplier{}
	sender := &fakeSender{}
	require.NoError(t, WorkStateMachine(s, applier, sender))
	require.Empty(t, applier.overputs)
	require.Empty(t, sender.sent)

	op0 := &Op{IsFresh: true, HasValue: true, ThisVersion: 0, Value: [][]byte{[]byte("v0")}}
	op1 := &Op{PrevVersion: 0, HasValue: true, ThisVersion: 1, Value: [][]byte{[]byte("v1")}}
	s.Enqueue(op0)
	s.Enqueue(op1)
	require.NoError(t, WorkStateMachine(s, applier, sender))
	require.Equal(t, []uint64{0, 1, 2}, applier.overputs)
}

func TestWorkStateMachineDoesNotResend(t *testing.T) {
	s := New(1, []byte("k"))
	op0 := &Op{IsFresh: true, HasValue: true, ThisVersion: 0, Value: [][]byte{[]byte("v0")}}
	s.Enqueue(op0)

	applier := &fakeApplier{}
	sender := &fakeSender{}
	require.NoError(t, WorkStateMachine(s, applier, sender))
	require.NoError(t, WorkStateMachine(s, applier, sender))
	require.Len(t, sender.sent, 1, "an already sent op must not be resent")
	require.Len(t, applier.overputs, 1, "an already applied op must not be reapplied")
}

func TestAckAndCollect(t *testing.T) {
	s := New(1, []byte("k"))
	op0 := &Op{IsFresh: true, HasValue: true, ThisVersion: 0, Value: [][]byte{[]byte("v0")}}
	op1 := &Op{PrevVersion: 0, HasValue: true, ThisVersion: 1, Value: [][]byte{[]byte("v1")}}
	s.Enqueue(op0)
	s.Enqueue(op1)
	require.NoError(t, WorkStateMachine(s, &fakeApplier{}, &fakeSender{}))

	require.Empty(t, s.Collect(1), "nothing acked yet")

	require.True(t, s.Ack(0))
	require.Equal(t, []uint64{0}, s.Collect(1), "version 1 not acked yet, stops sweep")

	require.True(t, s.Ack(1))
	require.Equal(t, []uint64{1}, s.Collect(1))
	require.True(t, s.Idle())
}

func TestDeleteOp(t *testing.T) {
	s := New(1, []byte("k"))
	op0 := &Op{IsFresh: true, HasValue: false, ThisVersion: 0}
	s.Enqueue(op0)
	applier := &fakeApplier{}
	require.NoError(t, WorkStateMachine(s, applier, &fakeSender{}))
	require.Equal(t, []uint64{0}, applier.dels)
}

func TestLiveVersionsIncludesDeferred(t *testing.T) {
	s := New(1, []byte("k"))
	op5 := &Op{PrevVersion: 4, HasValue: true, ThisVersion: 5}
	s.Enqueue(op5)
	live := s.LiveVersions()
	require.Equal(t, []uint64{5}, live)
}
