package scene

import (
	"slices"

	"github.com/drpcorg/fabric/object"
)

var (
	SegmentViewport = object.Custom(0)
	SegmentChannels = object.Custom(1)
)

// SegmentData is the distributed state of a segment: its share of the
// canvas and the channels that paint it.
type SegmentData struct {
	Name     string
	Viewport Viewport
	Channels []object.ID
}

func (d *SegmentData) Groups() object.DirtyBits {
	return object.DirtyName | SegmentViewport | SegmentChannels
}

func (d *SegmentData) Pack(group object.DirtyBits) []byte {
	var p packer
	switch group {
	case object.DirtyName:
		p = p.str(d.Name)
	case SegmentViewport:
		p = p.vp(d.Viewport)
	case SegmentChannels:
		for _, id := range d.Channels {
			p = p.uint(id.Src()).uint(id.Seq())
		}
	}
	return p
}

func (d *SegmentData) Unpack(group object.DirtyBits, body []byte) error {
	u := unpacker{body: body}
	switch group {
	case object.DirtyName:
		name := u.str()
		if err := u.done(); err != nil {
			return err
		}
		d.Name = name
	case SegmentViewport:
		vp := u.vp()
		if err := u.done(); err != nil {
			return err
		}
		d.Viewport = vp
	case SegmentChannels:
		var ids []object.ID
		for u.more() {
			ids = append(ids, object.NewID(u.uint(), u.uint()))
		}
		if err := u.done(); err != nil {
			return err
		}
		d.Channels = ids
	}
	return nil
}

// Segment is a region of a canvas, owned by it.
type Segment struct {
	name     string
	canvas   *Canvas
	channels []*Channel
	data     SegmentData
	master   *object.Master
}

func newSegment(name string, canvas *Canvas) *Segment {
	s := &Segment{name: name, canvas: canvas}
	s.data = SegmentData{Name: name, Viewport: FullViewport}
	s.master = object.NewMaster(&s.data)
	s.master.MarkDirty(s.data.Groups())
	return s
}

func (s *Segment) Name() string {
	return s.name
}

func (s *Segment) ID() object.ID {
	return s.master.ID()
}

func (s *Segment) Canvas() *Canvas {
	return s.canvas
}

func (s *Segment) Master() *object.Master {
	return s.master
}

func (s *Segment) SetViewport(vp Viewport) {
	s.master.Update(SegmentViewport, func() { s.data.Viewport = vp })
}

func (s *Segment) Viewport() (vp Viewport) {
	s.master.View(func() { vp = s.data.Viewport })
	return
}

// DestinationChannels are the channels that output to this segment.
func (s *Segment) DestinationChannels() []*Channel {
	return slices.Clone(s.channels)
}

func (s *Segment) AddDestinationChannel(ch *Channel) {
	if slices.Contains(s.channels, ch) {
		return
	}
	s.channels = append(s.channels, ch)
	s.refreshChannelIDs()
}

func (s *Segment) RemoveDestinationChannel(ch *Channel) bool {
	i := slices.Index(s.channels, ch)
	if i < 0 {
		return false
	}
	s.channels = slices.Delete(s.channels, i, i+1)
	s.refreshChannelIDs()
	return true
}

// refreshChannelIDs copies the identities of the destination channels into
// the distributed state. Channels only get them when registered, so this
// runs again on segment registration.
func (s *Segment) refreshChannelIDs() {
	ids := make([]object.ID, 0, len(s.channels))
	for _, ch := range s.channels {
		ids = append(ids, ch.ID())
	}
	s.master.Update(SegmentChannels, func() { s.data.Channels = ids })
}
