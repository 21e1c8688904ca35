package object

import (
	"github.com/cespare/xxhash"
	"github.com/pkg/errors"

	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/protocol"
	"github.com/drpcorg/fabric/utils"
)

// Kind tells a delta from a full-state baseline. The values double as the
// TLV record types on the wire.
type Kind byte

const (
	Delta    Kind = 'D'
	Baseline Kind = 'B'
)

/*
Diff is a versioned package of attribute groups, produced by a master commit
and applied by slaves. On the wire:

	D|B {
		I  identity (zipped src/seq pair)
		V  version
		M  group mask
		G  payload of the lowest set bit
		G  ... one per set bit, low to high
		H  xxhash64 of the payloads
	}
*/
type Diff struct {
	ID       ID
	Version  uint64
	Mask     DirtyBits
	Kind     Kind
	Payloads [][]byte
}

// Empty diffs carry no groups; they are legal to send and change nothing.
func (d Diff) Empty() bool {
	return d.Mask == DirtyNone
}

func (d Diff) checksum() uint64 {
	h := xxhash.New()
	for _, p := range d.Payloads {
		_, _ = h.Write(utils.ZipUint(uint64(len(p))))
		_, _ = h.Write(p)
	}
	return h.Sum64()
}

// Payload returns the body of one group, nil if the group is absent.
func (d Diff) Payload(group DirtyBits) []byte {
	if !d.Mask.Has(group) {
		return nil
	}
	return d.Payloads[(d.Mask & (group - 1)).Count()]
}

func (d Diff) Encode() []byte {
	kind := d.Kind
	if kind == 0 {
		kind = Delta
	}
	body := make([]byte, 0, 32+protocol.TotalLen(d.Payloads)+2*len(d.Payloads))
	body = protocol.Append(body, 'i', d.ID.ZipBytes())
	body = protocol.Append(body, 'v', utils.ZipUint(d.Version))
	body = protocol.Append(body, 'm', utils.ZipUint(uint64(d.Mask)))
	for _, p := range d.Payloads {
		body = protocol.Append(body, 'G', p)
	}
	body = protocol.Append(body, 'h', utils.ZipUint(d.checksum()))
	return protocol.Record(byte(kind), body)
}

func badDiff(format string, args ...any) error {
	return errors.Wrapf(fabric_errors.ErrBadDiff, format, args...)
}

// DecodeDiff parses one D or B record.
func DecodeDiff(rec []byte) (d Diff, err error) {
	lit, body, rest, err := protocol.TakeAnyWary(rec)
	if err != nil {
		return d, badDiff("%v", err)
	}
	if len(rest) != 0 {
		return d, badDiff("trailing bytes")
	}
	if lit != byte(Delta) && lit != byte(Baseline) {
		return d, badDiff("record type %c", lit)
	}
	d.Kind = Kind(lit)
	var field []byte
	if field, body, err = protocol.TakeWary('I', body); err != nil {
		return d, badDiff("identity: %v", err)
	}
	d.ID = IDFromZipBytes(field)
	if field, body, err = protocol.TakeWary('V', body); err != nil {
		return d, badDiff("version: %v", err)
	}
	d.Version = utils.UnzipUint64(field)
	if field, body, err = protocol.TakeWary('M', body); err != nil {
		return d, badDiff("mask: %v", err)
	}
	d.Mask = DirtyBits(utils.UnzipUint64(field))
	n := d.Mask.Count()
	if n > 0 {
		d.Payloads = make([][]byte, 0, n)
	}
	for i := 0; i < n; i++ {
		if field, body, err = protocol.TakeWary('G', body); err != nil {
			return d, badDiff("group %d of %d: %v", i, n, err)
		}
		d.Payloads = append(d.Payloads, field)
	}
	if field, body, err = protocol.TakeWary('H', body); err != nil {
		return d, badDiff("checksum: %v", err)
	}
	if len(body) != 0 {
		return d, badDiff("trailing fields")
	}
	if utils.UnzipUint64(field) != d.checksum() {
		return d, badDiff("checksum mismatch for %s v%d", d.ID, d.Version)
	}
	return d, nil
}
