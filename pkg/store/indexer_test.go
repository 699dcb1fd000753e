package store

import (
	"testing"

	"github.com/meridiandb/meridian/pkg/datatype"
	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/meridiandb/meridian/pkg/index"
	"github.com/stretchr/testify/require"
)

func TestIndexerBuildMarksUsable(t *testing.T) {
	s := openTestStore(t)
	region := ids.RegionID(1)

	require.NoError(t, s.Put(region, []byte("alice"), 1, [][]byte{{0, 0, 0, 0, 0, 0, 0, 30}}, nil))
	require.NoError(t, s.Put(region, []byte("bob"), 2, [][]byte{{0, 0, 0, 0, 0, 0, 0, 25}}, nil))

	schema := index.Schema{
		PrimaryKey: datatype.StringType{},
		Attrs:      []index.Attr{{ID: 1, Name: "age", Type: datatype.Int64Type{}}},
	}

	ix := NewIndexer(s)
	ix.RequestBuild(region, schema)
	require.True(t, ix.HaveWork())
	work := ix.CopyWork()
	ix.DoWork(work)

	usable, err := s.IndexIsUsable(region, 1)
	require.NoError(t, err)
	require.True(t, usable)

	snap, err := s.MakeSnapshot()
	require.NoError(t, err)
	defer snap.Release()
	it := index.NewRangeIterator(snap, region, schema.Attrs[0], index.Range{LowerInf: true, UpperInf: true})
	defer it.Close()
	count := 0
	for it.Valid() {
		count++
		require.NoError(t, it.Next())
	}
	require.Equal(t, 2, count)
}

func TestCheckpointerTrackAndSweep(t *testing.T) {
	s := openTestStore(t)
	region := ids.RegionID(2)
	require.NoError(t, s.CreateCheckpoint(region, 1, 10))
	require.NoError(t, s.CreateCheckpoint(region, 2, 20))
	s.SetCheckpointGC(region, 2)

	cp := NewCheckpointer(s, 0)
	cp.Track(region)
	cp.Tick()
	require.True(t, cp.HaveWork())
	work := cp.CopyWork()
	cp.DoWork(work)

	collected, err := s.CollectGCableCheckpoints(region)
	require.NoError(t, err)
	require.Equal(t, 0, collected, "already swept")
}

func TestWiperEnqueueAndRun(t *testing.T) {
	s := openTestStore(t)
	region := ids.RegionID(3)
	require.NoError(t, s.Put(region, []byte("k"), 1, [][]byte{[]byte("v")}, nil))

	w := NewWiper(s)
	w.Enqueue(region)
	require.True(t, w.HaveWork())
	w.DoWork(w.CopyWork())

	_, _, found, err := s.Get(region, []byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}
