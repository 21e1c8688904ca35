package scene

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/object"
)

var (
	CanvasActiveLayout = object.Custom(0)
	CanvasLayouts      = object.Custom(1)
	CanvasSegments     = object.Custom(2)
)

// LayoutNone selects no layout.
const LayoutNone = ^uint32(0)

type CanvasState byte

const (
	CanvasStopped CanvasState = iota
	CanvasRunning
	CanvasDelete
)

func (s CanvasState) String() string {
	switch s {
	case CanvasStopped:
		return "stopped"
	case CanvasRunning:
		return "running"
	case CanvasDelete:
		return "delete"
	default:
		return fmt.Sprintf("state(%d)", byte(s))
	}
}

// CanvasData is the distributed state of a canvas.
type CanvasData struct {
	Name         string
	ActiveLayout uint32
	Layouts      []string
	Segments     []object.ID
}

func (d *CanvasData) Groups() object.DirtyBits {
	return object.DirtyName | CanvasActiveLayout | CanvasLayouts | CanvasSegments
}

func (d *CanvasData) Pack(group object.DirtyBits) []byte {
	var p packer
	switch group {
	case object.DirtyName:
		p = p.str(d.Name)
	case CanvasActiveLayout:
		p = p.uint(uint64(d.ActiveLayout))
	case CanvasLayouts:
		for _, name := range d.Layouts {
			p = p.str(name)
		}
	case CanvasSegments:
		for _, id := range d.Segments {
			p = p.uint(id.Src()).uint(id.Seq())
		}
	}
	return p
}

func (d *CanvasData) Unpack(group object.DirtyBits, body []byte) error {
	u := unpacker{body: body}
	switch group {
	case object.DirtyName:
		name := u.str()
		if err := u.done(); err != nil {
			return err
		}
		d.Name = name
	case CanvasActiveLayout:
		index := u.uint()
		if err := u.done(); err != nil {
			return err
		}
		d.ActiveLayout = uint32(index)
	case CanvasLayouts:
		var names []string
		for u.more() {
			names = append(names, u.str())
		}
		if err := u.done(); err != nil {
			return err
		}
		d.Layouts = names
	case CanvasSegments:
		var ids []object.ID
		for u.more() {
			ids = append(ids, object.NewID(u.uint(), u.uint()))
		}
		if err := u.done(); err != nil {
			return err
		}
		d.Segments = ids
	}
	return nil
}

/*
Canvas is a logical display area made of segments, showing one of its
layouts at a time.

	STOPPED --Init--> RUNNING --Exit--> STOPPED
	RUNNING --PostDelete--> DELETE --Exit--> DELETE

Layout changes only take effect while the canvas is running.
*/
type Canvas struct {
	name     string
	config   *Config
	layouts  []*Layout
	segments []*Segment
	data     CanvasData
	master   *object.Master

	lock  sync.Mutex
	state CanvasState
}

func newCanvas(name string, config *Config) *Canvas {
	c := &Canvas{name: name, config: config}
	c.data = CanvasData{Name: name}
	c.master = object.NewMaster(&c.data)
	c.master.MarkDirty(c.data.Groups())
	return c
}

func (c *Canvas) Name() string {
	return c.name
}

func (c *Canvas) ID() object.ID {
	return c.master.ID()
}

func (c *Canvas) Config() *Config {
	return c.config
}

func (c *Canvas) Master() *object.Master {
	return c.master
}

func (c *Canvas) State() CanvasState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

func (c *Canvas) Layouts() []*Layout {
	return slices.Clone(c.layouts)
}

func (c *Canvas) AddLayout(l *Layout) {
	c.layouts = append(c.layouts, l)
	c.master.Update(CanvasLayouts, func() { c.data.Layouts = append(c.data.Layouts, l.name) })
}

func (c *Canvas) Segments() []*Segment {
	return slices.Clone(c.segments)
}

func (c *Canvas) AddSegment(name string) *Segment {
	s := newSegment(name, c)
	c.segments = append(c.segments, s)
	return s
}

// RemoveSegment drops an unregistered segment.
func (c *Canvas) RemoveSegment(s *Segment) error {
	if s.ID() != object.ID0 {
		return fabric_errors.Violation("segment %s is still registered", s.name)
	}
	i := slices.Index(c.segments, s)
	if i < 0 {
		return fabric_errors.Violation("segment %s is not on canvas %s", s.name, c.name)
	}
	c.segments = slices.Delete(c.segments, i, i+1)
	s.canvas = nil
	return nil
}

func (c *Canvas) ActiveLayoutIndex() (index uint32) {
	c.master.View(func() { index = c.data.ActiveLayout })
	return
}

// ActiveLayout is nil when no layout is selected.
func (c *Canvas) ActiveLayout() *Layout {
	index := c.ActiveLayoutIndex()
	if int64(index) >= int64(len(c.layouts)) {
		return nil
	}
	return c.layouts[index]
}

func (c *Canvas) setActiveLayout(index uint32) {
	c.master.Update(CanvasActiveLayout, func() { c.data.ActiveLayout = index })
}

// Init activates the compounds of the active layout.
func (c *Canvas) Init() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != CanvasStopped {
		return fabric_errors.Violation("canvas %s: init while %s", c.name, c.state)
	}
	if err := c.switchLayout(LayoutNone, c.ActiveLayoutIndex()); err != nil {
		return err
	}
	c.state = CanvasRunning
	return nil
}

// Exit deactivates the compounds of the active layout. A canvas being
// deleted stays in the delete state.
func (c *Canvas) Exit() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != CanvasRunning && c.state != CanvasDelete {
		return fabric_errors.Violation("canvas %s: exit while %s", c.name, c.state)
	}
	if err := c.switchLayout(c.ActiveLayoutIndex(), LayoutNone); err != nil {
		return err
	}
	if c.state == CanvasRunning {
		c.state = CanvasStopped
	}
	return nil
}

// PostDelete marks the canvas for deletion at the end of the pending frames.
func (c *Canvas) PostDelete() {
	c.lock.Lock()
	c.state = CanvasDelete
	c.lock.Unlock()
	c.config.PostNeedsFinish()
}

// ActivateLayout selects a layout. The compounds are only switched while
// the canvas is running; otherwise the choice waits for Init.
func (c *Canvas) ActivateLayout(index uint32) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state == CanvasRunning {
		if err := c.switchLayout(c.ActiveLayoutIndex(), index); err != nil {
			return err
		}
	}
	c.setActiveLayout(index)
	return nil
}

// SwitchLayout moves the compounds from one layout to another without
// touching the selected index. The canvas must be running.
func (c *Canvas) SwitchLayout(oldIndex, newIndex uint32) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != CanvasRunning {
		return fabric_errors.Violation("canvas %s: layout switch while %s", c.name, c.state)
	}
	return c.switchLayout(oldIndex, newIndex)
}

// Register makes masters of the segments, then of the canvas.
func (c *Canvas) Register(ctx context.Context, reg Registry) error {
	var done []object.ID
	rollback := func(err error) error {
		for _, id := range done {
			_ = reg.Deregister(ctx, id)
		}
		return err
	}
	ids := make([]object.ID, 0, len(c.segments))
	for _, s := range c.segments {
		s.refreshChannelIDs()
		id, err := reg.RegisterMaster(s.master)
		if err != nil {
			return rollback(err)
		}
		done = append(done, id)
		ids = append(ids, id)
	}
	c.master.Update(CanvasSegments, func() { c.data.Segments = ids })
	if _, err := reg.RegisterMaster(c.master); err != nil {
		return rollback(err)
	}
	return nil
}

// Deregister removes the segments, then the canvas itself. Every segment
// and the canvas must be registered masters; otherwise nothing is touched.
func (c *Canvas) Deregister(ctx context.Context, reg Registry) error {
	for _, s := range c.segments {
		if !s.ID().Valid() || !reg.IsMaster(s.ID()) {
			return fabric_errors.Violation("canvas %s: segment %s is not a registered master", c.name, s.name)
		}
	}
	if !c.ID().Valid() || !reg.IsMaster(c.ID()) {
		return fabric_errors.Violation("canvas %s is not a registered master", c.name)
	}
	for _, s := range c.segments {
		if err := reg.Deregister(ctx, s.ID()); err != nil {
			return err
		}
	}
	return reg.Deregister(ctx, c.ID())
}
