package store

import (
	"testing"

	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInstanceStateRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, _, _, err := s.LoadInstanceState()
	require.ErrorIs(t, err, ErrUninitialized)

	require.NoError(t, s.SaveInstanceState(42, "127.0.0.1:2600", "coord:2500"))

	id, bind, coord, err := s.LoadInstanceState()
	require.NoError(t, err)
	require.EqualValues(t, 42, id)
	require.Equal(t, "127.0.0.1:2600", bind)
	require.Equal(t, "coord:2500", coord)
}

func TestPutGetDel(t *testing.T) {
	s := openTestStore(t)
	region := ids.RegionID(1)

	_, _, found, err := s.Get(region, []byte("k"))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.Put(region, []byte("k"), 1, [][]byte{[]byte("v1")}, nil))
	version, attrs, found, err := s.Get(region, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 1, version)
	require.Equal(t, [][]byte{[]byte("v1")}, attrs)

	require.NoError(t, s.Del(region, []byte("k"), 2, nil))
	_, _, found, err = s.Get(region, []byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestUncertainPutDoesNotRegress(t *testing.T) {
	s := openTestStore(t)
	region := ids.RegionID(2)

	require.NoError(t, s.Put(region, []byte("k"), 5, [][]byte{[]byte("new")}, nil))
	require.NoError(t, s.UncertainPut(region, []byte("k"), 3, [][]byte{[]byte("stale")}, nil))

	_, attrs, _, err := s.Get(region, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("new")}, attrs)

	require.NoError(t, s.UncertainPut(region, []byte("k"), 9, [][]byte{[]byte("newer")}, nil))
	_, attrs, _, err = s.Get(region, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("newer")}, attrs)
}

func TestBumpVersionMonotoneAndSeeded(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	region := ids.RegionID(3)

	v1, err := s.BumpVersion(region)
	require.NoError(t, err)
	v2, err := s.BumpVersion(region)
	require.NoError(t, err)
	require.Greater(t, v2, v1)
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()
	require.Equal(t, v2, s2.MaxVersion(region))

	v3, err := s2.BumpVersion(region)
	require.NoError(t, err)
	require.Greater(t, v3, v2)
}

func TestReplayRegionFromCheckpoint(t *testing.T) {
	s := openTestStore(t)
	region := ids.RegionID(4)

	require.NoError(t, s.Put(region, []byte("a"), 1, [][]byte{[]byte("1")}, nil))
	require.NoError(t, s.Put(region, []byte("b"), 2, [][]byte{[]byte("2")}, nil))

	entries, wipe := s.ReplayRegionFromCheckpoint(region, 1)
	require.False(t, wipe)
	require.Len(t, entries, 1)
	require.Equal(t, []byte("b"), entries[0].Key)
}

func TestRequestWipeRemovesRegionData(t *testing.T) {
	s := openTestStore(t)
	region := ids.RegionID(5)

	require.NoError(t, s.Put(region, []byte("a"), 1, [][]byte{[]byte("1")}, nil))
	require.NoError(t, s.RequestWipe(region))

	_, _, found, err := s.Get(region, []byte("a"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestInhibitWipingDefersWipe(t *testing.T) {
	s := openTestStore(t)
	region := ids.RegionID(6)
	require.NoError(t, s.Put(region, []byte("a"), 1, [][]byte{[]byte("1")}, nil))

	s.InhibitWiping(region)
	require.NoError(t, s.RequestWipe(region))

	_, _, found, err := s.Get(region, []byte("a"))
	require.NoError(t, err)
	require.True(t, found, "wipe must be deferred while inhibited")
	require.True(t, s.RegionWillBeWiped(region))

	require.NoError(t, s.PermitWiping(region))
	_, _, found, err = s.Get(region, []byte("a"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestIndexUsableMarker(t *testing.T) {
	s := openTestStore(t)
	region := ids.RegionID(7)

	usable, err := s.IndexIsUsable(region, 1)
	require.NoError(t, err)
	require.False(t, usable)

	require.NoError(t, s.MarkIndexUsable(region, 1))
	usable, err = s.IndexIsUsable(region, 1)
	require.NoError(t, err)
	require.True(t, usable)

	require.NoError(t, s.ClearIndexUsable(region, 1))
	usable, err = s.IndexIsUsable(region, 1)
	require.NoError(t, err)
	require.False(t, usable)
}

func TestCheckpointGC(t *testing.T) {
	s := openTestStore(t)
	region := ids.RegionID(8)

	require.NoError(t, s.CreateCheckpoint(region, 1, 100))
	require.NoError(t, s.CreateCheckpoint(region, 2, 200))
	require.NoError(t, s.CreateCheckpoint(region, 3, 300))

	s.SetCheckpointGC(region, 3)
	collected, err := s.CollectGCableCheckpoints(region)
	require.NoError(t, err)
	require.Equal(t, 2, collected)
}
