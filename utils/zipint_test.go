package utils

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZipUint(t *testing.T) {
	assert.Empty(t, ZipUint(uint64(0)))
	assert.Equal(t, []byte{0x7f}, ZipUint(uint8(0x7f)))
	assert.Equal(t, 2, len(ZipUint(uint32(0x1234))))
	assert.Equal(t, 8, len(ZipUint(uint64(math.MaxUint64))))

	for _, n := range []uint64{0, 1, 0xff, 0x100, 0xffff, 0x10000, 1 << 40, math.MaxUint64} {
		assert.Equal(t, n, UnzipUint64(ZipUint(n)))
	}
}

func TestZipInt(t *testing.T) {
	for _, n := range []int64{0, 1, -1, 127, -128, 1 << 33, -(1 << 33), math.MinInt64, math.MaxInt64} {
		assert.Equal(t, n, UnzipInt64(ZipInt(n)))
	}
	assert.Equal(t, 1, len(ZipInt(int32(-3))))
}

func TestZipFloat32(t *testing.T) {
	for _, f := range []float32{0, 0.5, -1.25, 1e10} {
		assert.Equal(t, f, UnzipFloat32(ZipFloat32(f)))
	}
}

func TestZipUint64Pair(t *testing.T) {
	pairs := [][2]uint64{
		{0, 0}, {1, 0}, {0, 1}, {1, 1}, {0x1ff, 0}, {0x1ff, 3}, {0x1ff, 0x1ff},
		{0x1ffff, 1}, {0x1ffff, 0x1ff}, {0x1ffff, 0x1ffff},
		{1 << 40, 0}, {1 << 40, 1}, {1 << 40, 0x100}, {1 << 40, 1 << 20}, {1 << 40, 1 << 40},
		{3, 1 << 40},
	}
	for _, p := range pairs {
		big, lil := UnzipUint64Pair(ZipUint64Pair(p[0], p[1]))
		assert.Equal(t, p[0], big, "%x-%x", p[0], p[1])
		assert.Equal(t, p[1], lil, "%x-%x", p[0], p[1])
	}
	assert.Empty(t, ZipUint64Pair(0, 0))
}
