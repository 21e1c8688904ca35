package utils

import (
	"math"

	"golang.org/x/exp/constraints"
)

func byteLen(n uint64) int {
	switch {
	case n == 0:
		return 0
	case n <= math.MaxUint8:
		return 1
	case n <= math.MaxUint16:
		return 2
	case n <= math.MaxUint32:
		return 4
	default:
		return 8
	}
}

func putLE(into []byte, n uint64, width int) {
	for i := 0; i < width; i++ {
		into[i] = byte(n >> (8 * i))
	}
}

func getLE(from []byte) (n uint64) {
	for i := len(from) - 1; i >= 0; i-- {
		n = n<<8 | uint64(from[i])
	}
	return
}

// ZipUint packs an unsigned int into 0, 1, 2, 4 or 8 bytes.
// The length of the enclosing record tells the width back.
func ZipUint[T constraints.Unsigned](v T) []byte {
	n := uint64(v)
	var ret [8]byte
	w := byteLen(n)
	putLE(ret[:], n, w)
	return ret[:w]
}

func UnzipUint64(zip []byte) uint64 {
	if len(zip) > 8 {
		zip = zip[:8]
	}
	return getLE(zip)
}

// ZipInt zigzags a signed int so small negatives stay short.
func ZipInt[T constraints.Signed](v T) []byte {
	i := int64(v)
	return ZipUint(uint64(i<<1) ^ uint64(i>>63))
}

func UnzipInt64(zip []byte) int64 {
	u := UnzipUint64(zip)
	return int64(u>>1) ^ -int64(u&1)
}

func ZipFloat32(f float32) []byte {
	return ZipUint(math.Float32bits(f))
}

func UnzipFloat32(zip []byte) float32 {
	return math.Float32frombits(uint32(UnzipUint64(zip)))
}

// pair widths, indexed by the total zipped length
var pairWidths = map[int][2]int{
	0: {0, 0}, 1: {1, 0}, 2: {1, 1}, 3: {2, 1}, 4: {2, 2},
	5: {4, 1}, 6: {4, 2}, 8: {4, 4},
	9: {8, 1}, 10: {8, 2}, 12: {8, 4}, 16: {8, 8},
}

// ZipUint64Pair packs two ints; the smaller the ints, the shorter the
// string. The first int is never narrower than the second one.
func ZipUint64Pair(big, lil uint64) []byte {
	bw, lw := byteLen(big), byteLen(lil)
	if bw < lw {
		bw = lw
	}
	if bw == 0 && lw == 0 {
		return []byte{}
	}
	if bw == 0 {
		bw = 1
	}
	if bw > 1 && lw == 0 {
		lw = 1
	}
	var ret [16]byte
	putLE(ret[:bw], big, bw)
	putLE(ret[bw:], lil, lw)
	return ret[:bw+lw]
}

func UnzipUint64Pair(zip []byte) (big, lil uint64) {
	w, ok := pairWidths[len(zip)]
	if !ok {
		return 0, 0
	}
	big = getLE(zip[:w[0]])
	lil = getLE(zip[w[0] : w[0]+w[1]])
	return
}
