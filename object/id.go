package object

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/drpcorg/fabric/utils"
)

/*
ID is a cluster-wide object identity: the number of the cluster member
that registered the master, and that member's registration counter.

	src-seq, e.g. 1a-3f
*/
type ID struct {
	src uint64
	seq uint64
}

// ID0 is the unassigned identity of an object never registered.
var ID0 = ID{}

// BadID is what parsers return on garbage.
var BadID = ID{^uint64(0), ^uint64(0)}

func NewID(src, seq uint64) ID {
	return ID{src, seq}
}

func (id ID) Src() uint64 {
	return id.src
}

func (id ID) Seq() uint64 {
	return id.seq
}

func (id ID) Valid() bool {
	return id != ID0 && id != BadID
}

func (id ID) Less(other ID) bool {
	if id.src != other.src {
		return id.src < other.src
	}
	return id.seq < other.seq
}

func (id ID) String() string {
	var buf [40]byte
	b := strconv.AppendUint(buf[:0], id.src, 16)
	b = append(b, '-')
	b = strconv.AppendUint(b, id.seq, 16)
	return string(b)
}

func ParseID(s string) ID {
	src, seq, ok := strings.Cut(strings.Trim(s, "{}"), "-")
	if !ok {
		return BadID
	}
	a, err := strconv.ParseUint(src, 16, 64)
	if err != nil {
		return BadID
	}
	b, err := strconv.ParseUint(seq, 16, 64)
	if err != nil {
		return BadID
	}
	return ID{a, b}
}

func (id ID) ZipBytes() []byte {
	return utils.ZipUint64Pair(id.seq, id.src)
}

func IDFromZipBytes(zip []byte) ID {
	seq, src := utils.UnzipUint64Pair(zip)
	return ID{src: src, seq: seq}
}

func (id ID) GoString() string {
	return fmt.Sprintf("object.NewID(0x%x, 0x%x)", id.src, id.seq)
}
