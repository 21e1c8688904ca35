package scene

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/object"
)

// Channel attribute groups, in wire order.
var (
	ChannelAttributes = object.Custom(0)
	ChannelViewport   = object.Custom(1)
	ChannelMember     = object.Custom(2)
	ChannelError      = object.Custom(3)
	ChannelFrustum    = object.Custom(4)
)

type IAttribute int

const (
	IAttrHintStatistics IAttribute = iota
	IAttrHintSendToken
	IAttrAll
)

// Tasks a channel may be asked to perform in a frame.
const (
	TaskNone     uint32 = 0
	TaskClear    uint32 = 1 << 0
	TaskDraw     uint32 = 1 << 1
	TaskAssemble uint32 = 1 << 2
	TaskReadback uint32 = 1 << 3
	TaskAll      uint32 = TaskClear | TaskDraw | TaskAssemble | TaskReadback
)

// ChannelData is the distributed state of a channel.
type ChannelData struct {
	Name        string
	IAttributes [IAttrAll]int32

	PVP PixelViewport
	VP  Viewport
	// FixedVP keeps the fractional viewport on window resize, otherwise
	// the pixel viewport stays.
	FixedVP bool

	Tasks    uint32
	Drawable uint32
	Color    [3]byte

	ErrorCode    fabric_errors.Code
	ErrorMessage string

	Frustum Frustum
	MaxSize [2]int32
}

func (d *ChannelData) Groups() object.DirtyBits {
	return object.DirtyName | ChannelAttributes | ChannelViewport | ChannelMember | ChannelError | ChannelFrustum
}

func (d *ChannelData) Pack(group object.DirtyBits) []byte {
	var p packer
	switch group {
	case object.DirtyName:
		p = p.str(d.Name)
	case ChannelAttributes:
		for _, a := range d.IAttributes {
			p = p.int(int64(a))
		}
	case ChannelViewport:
		p = p.pvp(d.PVP).vp(d.VP).bool(d.FixedVP)
	case ChannelMember:
		p = p.uint(uint64(d.Tasks)).uint(uint64(d.Drawable))
		p = p.uint(uint64(d.Color[0])<<16 | uint64(d.Color[1])<<8 | uint64(d.Color[2]))
	case ChannelError:
		p = p.uint(uint64(d.ErrorCode)).str(d.ErrorMessage)
	case ChannelFrustum:
		p = p.float(d.Frustum.Near).float(d.Frustum.Far)
		p = p.int(int64(d.MaxSize[0])).int(int64(d.MaxSize[1]))
	}
	return p
}

func (d *ChannelData) Unpack(group object.DirtyBits, body []byte) error {
	u := unpacker{body: body}
	switch group {
	case object.DirtyName:
		name := u.str()
		if err := u.done(); err != nil {
			return err
		}
		d.Name = name
	case ChannelAttributes:
		var attrs [IAttrAll]int32
		for i := range attrs {
			attrs[i] = u.int32()
		}
		if err := u.done(); err != nil {
			return err
		}
		d.IAttributes = attrs
	case ChannelViewport:
		pvp, vp, fixed := u.pvp(), u.vp(), u.bool()
		if err := u.done(); err != nil {
			return err
		}
		d.PVP, d.VP, d.FixedVP = pvp, vp, fixed
	case ChannelMember:
		tasks, drawable, color := u.uint(), u.uint(), u.uint()
		if err := u.done(); err != nil {
			return err
		}
		d.Tasks, d.Drawable = uint32(tasks), uint32(drawable)
		d.Color = [3]byte{byte(color >> 16), byte(color >> 8), byte(color)}
	case ChannelError:
		code, msg := u.uint(), u.str()
		if err := u.done(); err != nil {
			return err
		}
		d.ErrorCode, d.ErrorMessage = fabric_errors.Code(code), msg
	case ChannelFrustum:
		f := Frustum{Near: u.float(), Far: u.float()}
		size := [2]int32{u.int32(), u.int32()}
		if err := u.done(); err != nil {
			return err
		}
		d.Frustum, d.MaxSize = f, size
	}
	return nil
}

// Channel is a rendering viewport inside a window, the unit compounds
// render to. The server side holds the master copy.
type Channel struct {
	name   string
	window *Window
	data   ChannelData
	master *object.Master
}

func newChannel(name string, w *Window) *Channel {
	ch := &Channel{name: name, window: w}
	ch.data = ChannelData{
		Name:    name,
		VP:      FullViewport,
		FixedVP: true,
		Tasks:   TaskAll,
		Frustum: DefaultFrustum,
	}
	if w != nil {
		ch.data.PVP = PixelViewport{W: w.pvp.W, H: w.pvp.H}
	}
	ch.master = object.NewMaster(&ch.data)
	ch.master.MarkDirty(ch.data.Groups())
	return ch
}

func (ch *Channel) Name() string {
	return ch.name
}

func (ch *Channel) ID() object.ID {
	return ch.master.ID()
}

func (ch *Channel) Window() *Window {
	return ch.window
}

func (ch *Channel) Master() *object.Master {
	return ch.master
}

func (ch *Channel) String() string {
	return ch.name
}

// Data returns a copy of the current state.
func (ch *Channel) Data() (d ChannelData) {
	ch.master.View(func() { d = ch.data })
	return
}

func (ch *Channel) PixelViewport() (pvp PixelViewport) {
	ch.master.View(func() { pvp = ch.data.PVP })
	return
}

func (ch *Channel) Viewport() (vp Viewport) {
	ch.master.View(func() { vp = ch.data.VP })
	return
}

func (ch *Channel) windowArea() PixelViewport {
	if ch.window == nil {
		return PixelViewport{}
	}
	wpvp := ch.window.PixelViewport()
	return PixelViewport{W: wpvp.W, H: wpvp.H}
}

// SetPixelViewport pins the channel to a pixel area of its window.
func (ch *Channel) SetPixelViewport(pvp PixelViewport) error {
	if !pvp.Valid() {
		return errors.Errorf("channel %s: invalid pixel viewport %s", ch.name, pvp)
	}
	area := ch.windowArea()
	ch.master.Update(ChannelViewport, func() {
		ch.data.PVP = pvp
		ch.data.FixedVP = false
		ch.data.VP = area.Fraction(pvp)
	})
	return nil
}

// SetViewport pins the channel to a fraction of its window.
func (ch *Channel) SetViewport(vp Viewport) error {
	if !vp.Valid() {
		return errors.Errorf("channel %s: invalid viewport %s", ch.name, vp)
	}
	area := ch.windowArea()
	ch.master.Update(ChannelViewport, func() {
		ch.data.VP = vp
		ch.data.FixedVP = true
		ch.data.PVP = area.Apply(vp)
	})
	return nil
}

func (ch *Channel) windowResized(wpvp PixelViewport) {
	area := PixelViewport{W: wpvp.W, H: wpvp.H}
	ch.master.Update(ChannelViewport, func() {
		if ch.data.FixedVP {
			ch.data.PVP = area.Apply(ch.data.VP)
		} else {
			ch.data.VP = area.Fraction(ch.data.PVP)
		}
	})
}

func (ch *Channel) SetNearFar(near, far float32) {
	ch.master.Update(ChannelFrustum, func() {
		ch.data.Frustum = Frustum{Near: near, Far: far}
	})
}

func (ch *Channel) SetMaxSize(w, h int32) {
	ch.master.Update(ChannelFrustum, func() { ch.data.MaxSize = [2]int32{w, h} })
}

func (ch *Channel) SetTasks(tasks uint32) {
	ch.master.Update(ChannelMember, func() { ch.data.Tasks = tasks })
}

func (ch *Channel) SetDrawable(drawable uint32) {
	ch.master.Update(ChannelMember, func() { ch.data.Drawable = drawable })
}

func (ch *Channel) SetColor(color [3]byte) {
	ch.master.Update(ChannelMember, func() { ch.data.Color = color })
}

func (ch *Channel) SetIAttribute(attr IAttribute, value int32) {
	ch.master.Update(ChannelAttributes, func() { ch.data.IAttributes[attr] = value })
}

func (ch *Channel) IAttribute(attr IAttribute) (v int32) {
	ch.master.View(func() { v = ch.data.IAttributes[attr] })
	return
}

// SetError records the reason of the last failure.
func (ch *Channel) SetError(code fabric_errors.Code, message string) {
	ch.master.Update(ChannelError, func() {
		ch.data.ErrorCode = code
		ch.data.ErrorMessage = message
	})
}

func (ch *Channel) Error() (code fabric_errors.Code, message string) {
	ch.master.View(func() { code, message = ch.data.ErrorCode, ch.data.ErrorMessage })
	return
}

// ChannelMirror is the read-only copy of a channel on a render client.
// The native pixel viewport is recomputed whenever the viewport group
// changes or the local window is resized.
type ChannelMirror struct {
	data  ChannelData
	slave *object.Slave

	lock   sync.Mutex
	window PixelViewport
	native PixelViewport

	OnViewportChanged func(native PixelViewport)
}

func NewChannelMirror() *ChannelMirror {
	m := &ChannelMirror{}
	m.slave = object.NewSlave(&m.data)
	m.slave.OnChange = m.changed
	return m
}

func (m *ChannelMirror) Slave() *object.Slave {
	return m.slave
}

// Data returns a copy of the mirrored state.
func (m *ChannelMirror) Data() (d ChannelData) {
	m.slave.Read(func() { d = m.data })
	return
}

func (m *ChannelMirror) PixelViewport() PixelViewport {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.native
}

// SetWindowViewport tells the mirror the size of its local window.
func (m *ChannelMirror) SetWindowViewport(pvp PixelViewport) {
	m.lock.Lock()
	m.window = pvp
	m.lock.Unlock()
	m.changed(ChannelViewport)
}

func (m *ChannelMirror) changed(group object.DirtyBits) {
	if group != ChannelViewport {
		return
	}
	var (
		pvp   PixelViewport
		vp    Viewport
		fixed bool
	)
	m.slave.Read(func() { pvp, vp, fixed = m.data.PVP, m.data.VP, m.data.FixedVP })
	m.lock.Lock()
	native := pvp
	if fixed && !m.window.Empty() {
		native = PixelViewport{W: m.window.W, H: m.window.H}.Apply(vp)
	}
	m.native = native
	notify := m.OnViewportChanged
	m.lock.Unlock()
	if notify != nil {
		notify(native)
	}
}
