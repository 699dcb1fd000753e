package store

import (
	"testing"

	"github.com/meridiandb/meridian/pkg/datatype"
	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/index"
	"github.com/stretchr/testify/require"
)

func TestMediatorClaimsAreMutuallyExclusive(t *testing.T) {
	m := newWipeIndexMediator()
	region := ids.RegionID(1)

	require.True(t, m.claimIndex(region))
	require.False(t, m.claimWipe(region), "wiper must not claim a region the indexer holds")

	m.releaseIndex(region)
	require.True(t, m.claimWipe(region))
	require.False(t, m.claimIndex(region), "indexer must not claim a region the wiper holds")

	m.releaseWipe(region)
	require.True(t, m.claimIndex(region))
}

func TestMediatorClaimsAreIndependentPerRegion(t *testing.T) {
	m := newWipeIndexMediator()
	require.True(t, m.claimIndex(ids.RegionID(1)))
	require.True(t, m.claimWipe(ids.RegionID(2)), "unrelated regions don't contend")
}

func TestWiperDefersToInProgressIndex(t *testing.T) {
	s := openTestStore(t)
	region := ids.RegionID(5)
	require.NoError(t, s.Put(region, []byte("k"), 1, [][]byte{[]byte("v")}, nil))

	require.True(t, s.mediator.claimIndex(region))
	defer s.mediator.releaseIndex(region)

	w := NewWiper(s)
	w.Enqueue(region)
	w.DoWork(w.CopyWork())

	require.True(t, w.HaveWork(), "deferred wipe re-queues itself")
	_, _, found, err := s.Get(region, []byte("k"))
	require.NoError(t, err)
	require.True(t, found, "wipe must not run while the indexer holds the region")
}

func TestIndexerDefersToInProgressWipe(t *testing.T) {
	s := openTestStore(t)
	region := ids.RegionID(6)
	require.NoError(t, s.Put(region, []byte("k"), 1, [][]byte{{0, 0, 0, 0, 0, 0, 0, 1}}, nil))

	require.True(t, s.mediator.claimWipe(region))
	defer s.mediator.releaseWipe(region)

	schema := index.Schema{
		PrimaryKey: datatype.StringType{},
		Attrs:      []index.Attr{{ID: 1, Name: "n", Type: datatype.Int64Type{}}},
	}
	ix := NewIndexer(s)
	ix.RequestBuild(region, schema)
	ix.DoWork(ix.CopyWork())

	require.True(t, ix.HaveWork(), "deferred build re-queues itself")
	usable, err := s.IndexIsUsable(region, 1)
	require.NoError(t, err)
	require.False(t, usable, "index must not be built while the wiper holds the region")
}

func TestWipeProceedsOnceIndexReleased(t *testing.T) {
	s := openTestStore(t)
	region := ids.RegionID(7)
	require.NoError(t, s.Put(region, []byte("k"), 1, [][]byte{[]byte("v")}, nil))

	require.True(t, s.mediator.claimIndex(region))
	s.mediator.releaseIndex(region)

	w := NewWiper(s)
	w.Enqueue(region)
	w.DoWork(w.CopyWork())

	_, _, found, err := s.Get(region, []byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}
