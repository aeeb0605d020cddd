package btree

import (
	"encoding/binary"
	"math"
)

// EncodeInt64 returns a big-endian encoding of v with the sign bit
// flipped, so that lexicographic byte compare matches signed integer
// order.
func EncodeInt64(v int64) []byte {
	u := uint64(v) ^ (uint64(1) << 63)
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, u)
	return out
}

// EncodeUint64 is already order-preserving under unsigned big-endian
// compare; provided for symmetry with EncodeInt64.
func EncodeUint64(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

// EncodeFloat64 maps IEEE-754 bit order onto unsigned lexicographic
// order: for non-negative values the sign bit is set, for negative
// values every bit is flipped. NaN ordering is unspecified, matching
// IEEE-754 itself.
func EncodeFloat64(v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(uint64(1)<<63) != 0 {
		bits = ^bits
	} else {
		bits |= uint64(1) << 63
	}
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, bits)
	return out
}

// EncodeBytesAscending byte-stuffs 0x00 as 0x00 0xFF and appends a
// 0x00 0x00 terminator, so that concatenating several encoded
// components preserves the lexicographic order of the original,
// unescaped byte strings.
func EncodeBytesAscending(b []byte) []byte {
	out := make([]byte, 0, len(b)+2)
	for _, c := range b {
		if c == 0x00 {
			out = append(out, 0x00, 0xFF)
		} else {
			out = append(out, c)
		}
	}
	out = append(out, 0x00, 0x00)
	return out
}

// EncodeComposite concatenates the per-column encodings of a composite
// key. Each column is preceded by a 1-byte null marker (0x00 = null,
// sorting before any present value; 0x01 = present) so that a NULL
// column compares less than every non-NULL value in that position.
// Present columns are passed through EncodeBytesAscending regardless
// of their underlying type, which keeps the terminator scheme uniform
// at the cost of a little overhead on fixed-width columns.
func EncodeComposite(columns [][]byte, isNull []bool) []byte {
	var out []byte
	for i, col := range columns {
		if i < len(isNull) && isNull[i] {
			out = append(out, 0x00)
			continue
		}
		out = append(out, 0x01)
		out = append(out, EncodeBytesAscending(col)...)
	}
	return out
}
