package codec

import (
	"testing"

	"github.com/meridiandb/meridian/pkg/ids"
	"github.com/stretchr/testify/require"
)

func TestObjectKeyRoundTrip(t *testing.T) {
	region := ids.RegionID(42)
	internal := []byte("some-internal-key")

	key := EncodeObjectKey(region, internal)
	gotRegion, gotInternal, err := DecodeObjectKey(key)
	require.NoError(t, err)
	require.Equal(t, region, gotRegion)
	require.Equal(t, internal, gotInternal)
}

func TestObjectKeyOrdering(t *testing.T) {
	region := ids.RegionID(1)
	a := EncodeObjectKey(region, []byte("a"))
	b := EncodeObjectKey(region, []byte("b"))
	require.Less(t, string(a), string(b))
}

func TestCheckpointRoundTrip(t *testing.T) {
	key := EncodeCheckpoint(ids.RegionID(7), 100)
	region, no, err := DecodeCheckpoint(key)
	require.NoError(t, err)
	require.Equal(t, ids.RegionID(7), region)
	require.Equal(t, uint64(100), no)
}

func TestCheckpointMonotoneOrdering(t *testing.T) {
	r := ids.RegionID(3)
	k1 := EncodeCheckpoint(r, 1)
	k2 := EncodeCheckpoint(r, 2)
	require.Less(t, string(k1), string(k2))
}

func TestVersionRoundTrip(t *testing.T) {
	key := EncodeVersion(ids.RegionID(9), 123456)
	region, version, err := DecodeVersion(key)
	require.NoError(t, err)
	require.Equal(t, ids.RegionID(9), region)
	require.Equal(t, uint64(123456), version)
}

func TestObjectValueRoundTrip(t *testing.T) {
	attrs := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	raw := EncodeObjectValue(77, attrs)
	version, gotAttrs, err := DecodeObjectValue(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(77), version)
	require.Equal(t, attrs, gotAttrs)
}

func TestDecodeObjectKeyBadEncoding(t *testing.T) {
	_, _, err := DecodeObjectKey([]byte{ClassIndex, 1, 2})
	require.ErrorIs(t, err, ErrShortKey)
}

func TestIndexEntryRoundTripFixedFixed(t *testing.T) {
	region := ids.RegionID(5)
	index := ids.IndexID(2)
	value := []byte{0, 0, 0, 0, 0, 0, 0, 42}
	key := []byte{0, 0, 0, 0, 0, 0, 0, 1}

	entry := EncodeIndexEntry(region, index, value, key, true, true)
	gotR, gotI, gotV, gotK, err := DecodeIndexEntry(entry, len(value), true, true)
	require.NoError(t, err)
	require.Equal(t, region, gotR)
	require.Equal(t, index, gotI)
	require.Equal(t, value, gotV)
	require.Equal(t, key, gotK)
}

func TestIndexEntryRoundTripVariableVariable(t *testing.T) {
	region := ids.RegionID(5)
	index := ids.IndexID(2)
	value := []byte("hello")
	key := []byte("world-key")

	entry := EncodeIndexEntry(region, index, value, key, false, false)
	gotR, gotI, gotV, gotK, err := DecodeIndexEntry(entry, 0, false, false)
	require.NoError(t, err)
	require.Equal(t, region, gotR)
	require.Equal(t, index, gotI)
	require.Equal(t, value, gotV)
	require.Equal(t, key, gotK)
}
