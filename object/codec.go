package object

// Codec is the state of a distributed object as seen by the sync machinery.
// Pack and Unpack deal with one group at a time; the encoding of a group is
// the object's own business. Unpack must not leave the group half-written
// when it fails.
type Codec interface {
	// Groups returns every group bit the type defines.
	Groups() DirtyBits
	Pack(group DirtyBits) []byte
	Unpack(group DirtyBits, body []byte) error
}
