// Package codec implements the bijective, order-preserving on-disk key
// encodings for object records, secondary index entries, index
// usability markers, checkpoint records and version/ack records, per
// spec.md §3 "On-disk key layout". It is grounded on HyperDex's
// daemon/datalayer_encodings.h (original_source/daemon), translated
// from the C++ leveldb::Slice/scratch-buffer idiom into Go's
// append-to-slice idiom.
package codec

import (
	"encoding/binary"
	"errors"

	"github.com/meridiandb/meridian/pkg/ids"
)

// Record class discriminators, one leading byte per spec.md §3.
const (
	ClassObject    byte = 'o'
	ClassIndex     byte = 'i'
	ClassIndexMark byte = 'I'
	ClassCheckpoint byte = 'c'
	ClassVersion   byte = 'v'
)

// ErrShortKey is returned when a stored key is too short to contain
// its discriminator and region id; this is a BAD_ENCODING condition
// per spec.md §7.
var ErrShortKey = errors.New("codec: key too short to decode")

func putUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

// EncodeObjectPrefix returns the 'o' ‖ varint(region) prefix shared by
// every object key in a region; used by region_iterator to bound a
// whole-region scan.
func EncodeObjectPrefix(region ids.RegionID) []byte {
	out := make([]byte, 0, 10)
	out = append(out, ClassObject)
	out = putUvarint(out, uint64(region))
	return out
}

// EncodeObjectKey builds the full 'o' record key from a region id and
// an already-index-encoded internal key (the primary-key attribute,
// attr 0, run through its type's IndexEncoding).
func EncodeObjectKey(region ids.RegionID, internalKey []byte) []byte {
	out := EncodeObjectPrefix(region)
	out = append(out, internalKey...)
	return out
}

// DecodeObjectKey splits an 'o' record key back into its region and
// internal key. It returns ErrShortKey (a BAD_ENCODING condition) if
// the bytes do not even contain a valid discriminator/region prefix;
// the caller's iterator skips the record and continues (spec.md §7).
func DecodeObjectKey(key []byte) (ids.RegionID, []byte, error) {
	if len(key) < 1 || key[0] != ClassObject {
		return 0, nil, ErrShortKey
	}
	region, n := binary.Uvarint(key[1:])
	if n <= 0 {
		return 0, nil, ErrShortKey
	}
	return ids.RegionID(region), key[1+n:], nil
}

// EncodeIndexPrefix returns the 'i' ‖ varint(region) ‖ varint(index)
// prefix shared by every entry of one secondary index.
func EncodeIndexPrefix(region ids.RegionID, index ids.IndexID) []byte {
	out := make([]byte, 0, 20)
	out = append(out, ClassIndex)
	out = putUvarint(out, uint64(region))
	out = putUvarint(out, uint64(index))
	return out
}

// EncodeIndexEntry builds a full 'i' index-entry key. When the value
// encoding and the key encoding are both variable-length, a trailing u32
// length of the encoded key is appended so the entry can be split
// unambiguously on decode (spec.md §3).
func EncodeIndexEntry(region ids.RegionID, index ids.IndexID, encodedValue, encodedKey []byte, valueFixed, keyFixed bool) []byte {
	out := EncodeIndexPrefix(region, index)
	out = append(out, encodedValue...)
	out = append(out, encodedKey...)
	if !valueFixed && !keyFixed {
		var lbuf [4]byte
		binary.BigEndian.PutUint32(lbuf[:], uint32(len(encodedKey)))
		out = append(out, lbuf[:]...)
	}
	return out
}

// DecodeIndexEntry splits a full 'i' key back into region, index,
// encoded value and encoded key, given whether each side is
// fixed-length and, when the value is fixed, its length. When both
// sides are variable the split point comes from the trailing u32 key
// length and valueLen is ignored.
func DecodeIndexEntry(key []byte, valueLen int, valueFixed, keyFixed bool) (region ids.RegionID, index ids.IndexID, encodedValue, encodedKey []byte, err error) {
	if len(key) < 1 || key[0] != ClassIndex {
		return 0, 0, nil, nil, ErrShortKey
	}
	rest := key[1:]
	r, n := binary.Uvarint(rest)
	if n <= 0 {
		return 0, 0, nil, nil, ErrShortKey
	}
	rest = rest[n:]
	idx, n2 := binary.Uvarint(rest)
	if n2 <= 0 {
		return 0, 0, nil, nil, ErrShortKey
	}
	rest = rest[n2:]

	if valueFixed {
		if len(rest) < valueLen {
			return 0, 0, nil, nil, ErrShortKey
		}
		encodedValue = rest[:valueLen]
		rest = rest[valueLen:]
	}

	if keyFixed {
		encodedKey = rest
		if !valueFixed {
			// value is variable, key is fixed: value is everything
			// except the trailing fixed-size key.
			if len(rest) < 0 {
				return 0, 0, nil, nil, ErrShortKey
			}
		}
	} else if valueFixed {
		// value fixed, key variable: whatever remains is the key.
		encodedKey = rest
	} else {
		// both variable: trailing u32 holds the key length.
		if len(rest) < 4 {
			return 0, 0, nil, nil, ErrShortKey
		}
		klen := binary.BigEndian.Uint32(rest[len(rest)-4:])
		body := rest[:len(rest)-4]
		if uint32(len(body)) < klen {
			return 0, 0, nil, nil, ErrShortKey
		}
		encodedValue = body[:uint32(len(body))-klen]
		encodedKey = body[uint32(len(body))-klen:]
	}

	return ids.RegionID(r), ids.IndexID(idx), encodedValue, encodedKey, nil
}

// EncodeIndexMark builds the 'I' usability marker key for an index.
// Presence of this key means the index is usable for reads (spec.md
// §3); absence forces the background indexer to (re)build it.
func EncodeIndexMark(region ids.RegionID, index ids.IndexID) []byte {
	out := make([]byte, 0, 20)
	out = append(out, ClassIndexMark)
	out = putUvarint(out, uint64(region))
	out = putUvarint(out, uint64(index))
	return out
}

const (
	checkpointKeySize = 1 + 8 + 8
	versionKeySize    = 1 + 8 + 8
)

// EncodeCheckpoint builds a 'c' checkpoint record key:
// 'c' ‖ region_id ‖ checkpoint_no, both fixed-width big-endian so the
// checkpointer can scan all checkpoints for a region contiguously.
func EncodeCheckpoint(region ids.RegionID, checkpointNo uint64) []byte {
	out := make([]byte, checkpointKeySize)
	out[0] = ClassCheckpoint
	binary.BigEndian.PutUint64(out[1:9], uint64(region))
	binary.BigEndian.PutUint64(out[9:17], checkpointNo)
	return out
}

// DecodeCheckpoint splits a 'c' key back into region and checkpoint
// number.
func DecodeCheckpoint(key []byte) (ids.RegionID, uint64, error) {
	if len(key) != checkpointKeySize || key[0] != ClassCheckpoint {
		return 0, 0, ErrShortKey
	}
	region := ids.RegionID(binary.BigEndian.Uint64(key[1:9]))
	no := binary.BigEndian.Uint64(key[9:17])
	return region, no, nil
}

// EncodeCheckpointRegionPrefix bounds a scan over every checkpoint
// record belonging to one region.
func EncodeCheckpointRegionPrefix(region ids.RegionID) []byte {
	out := make([]byte, 9)
	out[0] = ClassCheckpoint
	binary.BigEndian.PutUint64(out[1:9], uint64(region))
	return out
}

// EncodeVersion builds a 'v' version/ack record key:
// 'v' ‖ region_id ‖ version.
func EncodeVersion(region ids.RegionID, version uint64) []byte {
	out := make([]byte, versionKeySize)
	out[0] = ClassVersion
	binary.BigEndian.PutUint64(out[1:9], uint64(region))
	binary.BigEndian.PutUint64(out[9:17], version)
	return out
}

// DecodeVersion splits a 'v' key back into region and version.
func DecodeVersion(key []byte) (ids.RegionID, uint64, error) {
	if len(key) != versionKeySize || key[0] != ClassVersion {
		return 0, 0, ErrShortKey
	}
	region := ids.RegionID(binary.BigEndian.Uint64(key[1:9]))
	version := binary.BigEndian.Uint64(key[9:17])
	return region, version, nil
}

// --- object values ---
//
// version ‖ count ‖ (len ‖ bytes)* per spec.md §3.

// EncodeObjectValue packs a version and an ordered list of attribute
// values (beyond the primary key) into the stored value bytes.
func EncodeObjectValue(version uint64, attrs [][]byte) []byte {
	out := make([]byte, 0, 16+len(attrs)*8)
	var vbuf [8]byte
	binary.BigEndian.PutUint64(vbuf[:], version)
	out = append(out, vbuf[:]...)
	out = putUvarint(out, uint64(len(attrs)))
	for _, a := range attrs {
		out = putUvarint(out, uint64(len(a)))
		out = append(out, a...)
	}
	return out
}

// DecodeObjectValue is the left inverse of EncodeObjectValue. A
// malformed value is a BAD_ENCODING condition (spec.md §7): the caller
// logs region+key context and treats the record as absent for this
// pass, without crashing.
func DecodeObjectValue(raw []byte) (version uint64, attrs [][]byte, err error) {
	if len(raw) < 8 {
		return 0, nil, ErrShortKey
	}
	version = binary.BigEndian.Uint64(raw[:8])
	rest := raw[8:]
	count, n := binary.Uvarint(rest)
	if n <= 0 {
		return 0, nil, ErrShortKey
	}
	rest = rest[n:]
	attrs = make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		l, n2 := binary.Uvarint(rest)
		if n2 <= 0 {
			return 0, nil, ErrShortKey
		}
		rest = rest[n2:]
		if uint64(len(rest)) < l {
			return 0, nil, ErrShortKey
		}
		attrs = append(attrs, rest[:l])
		rest = rest[l:]
	}
	return version, attrs, nil
}
