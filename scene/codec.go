package scene

import (
	"github.com/pkg/errors"

	"github.com/drpcorg/fabric/protocol"
	"github.com/drpcorg/fabric/utils"
)

// Attribute groups are packed as a flat run of small TLV fields, read back
// in the same order. Unpacking decodes into temporaries first; a group is
// only assigned once it decoded completely.

type packer []byte

func (p packer) int(v int64) packer {
	return protocol.Append(p, 'i', utils.ZipInt(v))
}

func (p packer) uint(v uint64) packer {
	return protocol.Append(p, 'u', utils.ZipUint(v))
}

func (p packer) float(v float32) packer {
	return protocol.Append(p, 'f', utils.ZipFloat32(v))
}

func (p packer) str(s string) packer {
	return protocol.Append(p, 's', []byte(s))
}

func (p packer) bool(b bool) packer {
	if b {
		return p.uint(1)
	}
	return p.uint(0)
}

func (p packer) pvp(v PixelViewport) packer {
	return p.int(int64(v.X)).int(int64(v.Y)).int(int64(v.W)).int(int64(v.H))
}

func (p packer) vp(v Viewport) packer {
	return p.float(v.X).float(v.Y).float(v.W).float(v.H)
}

type unpacker struct {
	body []byte
	err  error
}

func (u *unpacker) take(lit byte) (field []byte) {
	if u.err != nil {
		return nil
	}
	field, u.body, u.err = protocol.TakeWary(lit, u.body)
	return field
}

func (u *unpacker) int() int64 {
	return utils.UnzipInt64(u.take('I'))
}

func (u *unpacker) int32() int32 {
	return int32(u.int())
}

func (u *unpacker) uint() uint64 {
	return utils.UnzipUint64(u.take('U'))
}

func (u *unpacker) float() float32 {
	return utils.UnzipFloat32(u.take('F'))
}

func (u *unpacker) str() string {
	return string(u.take('S'))
}

func (u *unpacker) bool() bool {
	return u.uint() != 0
}

func (u *unpacker) pvp() PixelViewport {
	return PixelViewport{u.int32(), u.int32(), u.int32(), u.int32()}
}

func (u *unpacker) vp() Viewport {
	return Viewport{u.float(), u.float(), u.float(), u.float()}
}

// more tells whether fields are left; a decoding error stops the loop too.
func (u *unpacker) more() bool {
	return u.err == nil && len(u.body) > 0
}

func (u *unpacker) done() error {
	if u.err == nil && len(u.body) != 0 {
		u.err = errors.New("trailing fields")
	}
	return u.err
}
