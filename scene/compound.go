package scene

import (
	"slices"
	"sync/atomic"

	"github.com/drpcorg/fabric/fabric_errors"
)

// Compound is a node of the render task tree. A compound bound to a
// destination channel starts inactive and is switched by the layouts of
// the canvases; one without a channel starts active and stays so.
type Compound struct {
	name     string
	config   *Config
	parent   *Compound
	children []*Compound
	channel  *Channel
	active   atomic.Bool
}

func newCompound(name string, config *Config, parent *Compound, ch *Channel) *Compound {
	c := &Compound{name: name, config: config, parent: parent, channel: ch}
	c.active.Store(ch == nil)
	return c
}

func (c *Compound) Name() string {
	return c.name
}

func (c *Compound) Config() *Config {
	return c.config
}

func (c *Compound) Parent() *Compound {
	return c.parent
}

func (c *Compound) Children() []*Compound {
	c.config.lock.RLock()
	defer c.config.lock.RUnlock()
	return slices.Clone(c.children)
}

// Channel is the destination channel, nil if none.
func (c *Compound) Channel() *Channel {
	return c.channel
}

func (c *Compound) Active() bool {
	return c.active.Load()
}

// Activate reports whether the flag changed.
func (c *Compound) Activate() bool {
	return c.active.CompareAndSwap(false, true)
}

func (c *Compound) Deactivate() bool {
	return c.active.CompareAndSwap(true, false)
}

func (c *Compound) AddChild(name string, ch *Channel) *Compound {
	c.config.lock.Lock()
	defer c.config.lock.Unlock()
	child := newCompound(name, c.config, c, ch)
	c.children = append(c.children, child)
	return child
}

// RemoveChild removes a leaf child.
func (c *Compound) RemoveChild(child *Compound) error {
	c.config.lock.Lock()
	defer c.config.lock.Unlock()
	if len(child.children) > 0 {
		return fabric_errors.Violation("compound %s still has children", child.name)
	}
	i := slices.Index(c.children, child)
	if i < 0 {
		return fabric_errors.Violation("compound %s is not a child of %s", child.name, c.name)
	}
	c.children = slices.Delete(c.children, i, i+1)
	child.parent = nil
	return nil
}

// children lists without locking, for traversals under the config lock.
func compoundChildren(c *Compound) []*Compound {
	return c.children
}
