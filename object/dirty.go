package object

import "math/bits"

// DirtyBits names attribute groups that changed since the last commit.
// Each bit is one independently serialized group.
type DirtyBits uint64

const DirtyNone DirtyBits = 0

// Groups every distributed object may have.
const (
	DirtyName DirtyBits = 1 << iota
	DirtyUserData
)

// Bits below CustomOffset belong to the base object; a concrete type lays out
// its own groups from CustomOffset upwards, see Custom.
const CustomOffset = 8

func Bit(offset uint) DirtyBits {
	return 1 << offset
}

// Custom returns the n-th type-specific group bit.
func Custom(n uint) DirtyBits {
	return Bit(CustomOffset + n)
}

func (b DirtyBits) Has(group DirtyBits) bool {
	return b&group != 0
}

func (b DirtyBits) Count() int {
	return bits.OnesCount64(uint64(b))
}

// Split lists the set bits from the lowest to the highest. That is also the
// order group payloads travel in.
func (b DirtyBits) Split() (groups []DirtyBits) {
	for rest := uint64(b); rest != 0; rest &= rest - 1 {
		groups = append(groups, DirtyBits(rest&-rest))
	}
	return
}
