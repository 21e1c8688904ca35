// Package scene is the object graph of a rendering configuration.
//
// The execution side is the tree Config, Node, Pipe, Window, Channel: what
// runs where. The description side is Canvas, Segment and Layout: which
// display areas exist and which arrangement of channels drives them. The
// compound forest decomposes the rendering work; switching the active
// layout of a canvas (de)activates the compounds bound to the affected
// channels without rebuilding anything.
package scene

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/object"
	"github.com/drpcorg/fabric/queue"
	"github.com/drpcorg/fabric/utils"
	"github.com/drpcorg/fabric/visitor"
)

// Registry is the session side of distributed objects as the scene uses it.
type Registry interface {
	RegisterMaster(m *object.Master) (object.ID, error)
	Deregister(ctx context.Context, id object.ID) error
	IsMaster(id object.ID) bool
	Commit(ctx context.Context, id object.ID, mask object.DirtyBits) (object.Diff, error)
}

type Config struct {
	name string
	log  utils.Logger

	// lock guards the shape of the compound forest
	lock sync.RWMutex
	// switchLock serializes layout switches across canvases
	switchLock sync.Mutex

	nodes     []*Node
	layouts   []*Layout
	canvases  []*Canvas
	compounds []*Compound
	channels  map[string]*Channel

	dispatcher  *queue.Dispatcher
	needsFinish atomic.Bool
	frame       atomic.Uint64

	// OnNeedsFinish is called on every PostNeedsFinish, by the frame
	// orchestration that has to finish the pending frames.
	OnNeedsFinish func()
}

func NewConfig(name string, log utils.Logger) *Config {
	return &Config{
		name:       name,
		log:        utils.OrDefault(log),
		channels:   make(map[string]*Channel),
		dispatcher: queue.NewDispatcher(),
	}
}

func (c *Config) Name() string {
	return c.name
}

func (c *Config) Log() utils.Logger {
	return c.log
}

func (c *Config) Nodes() []*Node {
	return slices.Clone(c.nodes)
}

func (c *Config) AddNode(name string) *Node {
	n := &Node{name: name, config: c}
	c.nodes = append(c.nodes, n)
	return n
}

func (c *Config) RemoveNode(n *Node) error {
	if len(n.pipes) > 0 {
		return fabric_errors.Violation("node %s still has %d pipes", n.name, len(n.pipes))
	}
	i := slices.Index(c.nodes, n)
	if i < 0 {
		return fabric_errors.Violation("node %s is not in config %s", n.name, c.name)
	}
	c.nodes = slices.Delete(c.nodes, i, i+1)
	n.config = nil
	return nil
}

func (c *Config) Pipes() (pipes []*Pipe) {
	for _, n := range c.nodes {
		pipes = append(pipes, n.pipes...)
	}
	return
}

// Channels lists all channels in tree order.
func (c *Config) Channels() (channels []*Channel) {
	for _, p := range c.Pipes() {
		for _, w := range p.windows {
			channels = append(channels, w.channels...)
		}
	}
	return
}

func (c *Config) Channel(name string) *Channel {
	return c.channels[name]
}

func (c *Config) AddLayout(name string) *Layout {
	l := &Layout{name: name}
	c.layouts = append(c.layouts, l)
	return l
}

func (c *Config) Layouts() []*Layout {
	return slices.Clone(c.layouts)
}

func (c *Config) Layout(name string) *Layout {
	for _, l := range c.layouts {
		if l.name == name {
			return l
		}
	}
	return nil
}

func (c *Config) AddCanvas(name string) *Canvas {
	cv := newCanvas(name, c)
	c.canvases = append(c.canvases, cv)
	return cv
}

func (c *Config) Canvases() []*Canvas {
	return slices.Clone(c.canvases)
}

func (c *Config) Canvas(name string) *Canvas {
	for _, cv := range c.canvases {
		if cv.name == name {
			return cv
		}
	}
	return nil
}

// RemoveCanvas drops a canvas that is neither running nor registered.
func (c *Config) RemoveCanvas(cv *Canvas) error {
	if cv.State() == CanvasRunning {
		return fabric_errors.Violation("canvas %s is running", cv.name)
	}
	if cv.ID() != object.ID0 {
		return fabric_errors.Violation("canvas %s is still registered", cv.name)
	}
	i := slices.Index(c.canvases, cv)
	if i < 0 {
		return fabric_errors.Violation("canvas %s is not in config %s", cv.name, c.name)
	}
	c.canvases = slices.Delete(c.canvases, i, i+1)
	return nil
}

// AddCompound adds a root of the compound forest.
func (c *Config) AddCompound(name string, ch *Channel) *Compound {
	c.lock.Lock()
	defer c.lock.Unlock()
	comp := newCompound(name, c, nil, ch)
	c.compounds = append(c.compounds, comp)
	return comp
}

func (c *Config) RemoveCompound(comp *Compound) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if len(comp.children) > 0 {
		return fabric_errors.Violation("compound %s still has children", comp.name)
	}
	i := slices.Index(c.compounds, comp)
	if i < 0 {
		return fabric_errors.Violation("compound %s is not a root of %s", comp.name, c.name)
	}
	c.compounds = slices.Delete(c.compounds, i, i+1)
	return nil
}

func (c *Config) Compounds() []*Compound {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return slices.Clone(c.compounds)
}

// Accept walks the compound forest. The visitor may flip active flags
// but must not add or remove compounds.
func (c *Config) Accept(v visitor.Visitor[*Compound]) (visitor.Result, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return visitor.WalkForest(c.compounds, compoundChildren, v)
}

// ActiveCompounds lists the compounds contributing to the next frame.
// An inactive compound hides its whole subtree.
func (c *Config) ActiveCompounds() (active []*Compound) {
	_, _ = c.Accept(visitor.Func[*Compound](func(comp *Compound) (visitor.Result, error) {
		if !comp.Active() {
			return visitor.Prune, nil
		}
		active = append(active, comp)
		return visitor.Continue, nil
	}))
	return
}

// PostNeedsFinish raises the frame-finish flag.
func (c *Config) PostNeedsFinish() {
	c.needsFinish.Store(true)
	if c.OnNeedsFinish != nil {
		c.OnNeedsFinish()
	}
}

func (c *Config) NeedsFinish() bool {
	return c.needsFinish.Load()
}

// FinishFrame completes a frame, clears the flag and returns the number of
// the frame finished.
func (c *Config) FinishFrame() uint64 {
	c.needsFinish.Store(false)
	return c.frame.Add(1)
}

func (c *Config) Frame() uint64 {
	return c.frame.Load()
}

// Register makes masters of every channel, segment and canvas.
func (c *Config) Register(ctx context.Context, reg Registry) error {
	for _, ch := range c.Channels() {
		if _, err := reg.RegisterMaster(ch.master); err != nil {
			return err
		}
	}
	for _, cv := range c.canvases {
		if err := cv.Register(ctx, reg); err != nil {
			return err
		}
	}
	c.log.DebugCtx(ctx, "config: registered", "config", c.name,
		"channels", len(c.channels), "canvases", len(c.canvases))
	return nil
}

// Commit pushes out whatever changed since the last commit.
func (c *Config) Commit(ctx context.Context, reg Registry) error {
	var masters []*object.Master
	for _, ch := range c.Channels() {
		masters = append(masters, ch.master)
	}
	for _, cv := range c.canvases {
		for _, s := range cv.segments {
			masters = append(masters, s.master)
		}
		masters = append(masters, cv.master)
	}
	var errs []error
	for _, m := range masters {
		if m.Dirty() == object.DirtyNone || m.ID() == object.ID0 {
			continue
		}
		if _, err := reg.Commit(ctx, m.ID(), m.Groups()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deregister undoes Register, canvases first.
func (c *Config) Deregister(ctx context.Context, reg Registry) error {
	for _, cv := range c.canvases {
		if cv.ID() == object.ID0 {
			continue
		}
		if err := cv.Deregister(ctx, reg); err != nil {
			return err
		}
	}
	for _, ch := range c.Channels() {
		if ch.ID() == object.ID0 {
			continue
		}
		if err := reg.Deregister(ctx, ch.ID()); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Dispatcher() *queue.Dispatcher {
	return c.dispatcher
}

// Start runs every pipe's worker and routes commands for each registered
// channel to the pipe that owns it.
func (c *Config) Start(ctx context.Context, handler queue.Handler) error {
	for _, p := range c.Pipes() {
		if err := p.Start(ctx, handler); err != nil {
			return err
		}
		for _, w := range p.windows {
			for _, ch := range w.channels {
				if ch.ID() != object.ID0 {
					c.dispatcher.Bind(ch.ID(), p.command)
				}
			}
		}
	}
	return nil
}

// Stop lets the pipe workers drain their queues and return.
func (c *Config) Stop() {
	for _, ch := range c.Channels() {
		c.dispatcher.Unbind(ch.ID())
	}
	for _, p := range c.Pipes() {
		p.Stop()
	}
}
