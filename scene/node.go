package scene

import (
	"context"
	"slices"
	"sync"

	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/object"
	"github.com/drpcorg/fabric/queue"
	"github.com/drpcorg/fabric/utils"
)

// Node is one cluster member's share of the configuration.
type Node struct {
	name   string
	config *Config
	pipes  []*Pipe
}

func (n *Node) Name() string { return n.name }
func (n *Node) Config() *Config { return n.config }
func (n *Node) Pipes() []*Pipe { return slices.Clone(n.pipes) }

func (n *Node) AddPipe(name string) *Pipe {
	p := &Pipe{
		name:    name,
		node:    n,
		command: queue.NewCommandQueue(queue.Options{Name: n.name + "/" + name}),
	}
	n.pipes = append(n.pipes, p)
	return p
}

// RemovePipe detaches a pipe that has no windows left.
func (n *Node) RemovePipe(p *Pipe) error {
	if len(p.windows) > 0 {
		return fabric_errors.Violation("pipe %s still has %d windows", p.name, len(p.windows))
	}
	i := slices.Index(n.pipes, p)
	if i < 0 {
		return fabric_errors.Violation("pipe %s is not on node %s", p.name, n.name)
	}
	n.pipes = slices.Delete(n.pipes, i, i+1)
	p.node = nil
	return nil
}

// Pipe is one GPU. All of its windows and channels are driven from the
// pipe's own worker, fed through the pipe's command queue.
type Pipe struct {
	name    string
	node    *Node
	windows []*Window
	display DisplayHandle

	command *queue.CommandQueue
	worker  *queue.Worker
	done    sync.WaitGroup
}

func (p *Pipe) Name() string { return p.name }
func (p *Pipe) Node() *Node { return p.node }
func (p *Pipe) Windows() []*Window { return slices.Clone(p.windows) }
func (p *Pipe) Display() DisplayHandle { return p.display }

func (p *Pipe) Config() *Config {
	if p.node == nil {
		return nil
	}
	return p.node.config
}

func (p *Pipe) WindowSystem() WindowSystem {
	if p.display == nil {
		return WindowSystemNone
	}
	return p.display.WindowSystem()
}

// SetDisplay selects the display device, once.
func (p *Pipe) SetDisplay(h DisplayHandle) error {
	if p.display != nil {
		return fabric_errors.Violation("pipe %s already bound to %s", p.name, p.display)
	}
	p.display = h
	return nil
}

func (p *Pipe) CommandQueue() *queue.CommandQueue {
	return p.command
}

// PushCommand hands a command to the pipe's worker.
func (p *Pipe) PushCommand(origin object.ID, payload []byte) error {
	return p.command.Push(queue.Command{Origin: origin, Payload: payload})
}

// Start runs the pipe worker until ctx is done or Stop is called.
func (p *Pipe) Start(ctx context.Context, handler queue.Handler) error {
	if p.worker != nil {
		return fabric_errors.Violation("pipe %s already running", p.name)
	}
	var log utils.Logger
	if cfg := p.Config(); cfg != nil {
		log = cfg.log
	}
	log = utils.OrDefault(log)
	p.worker = &queue.Worker{Name: p.command.Name(), Queue: p.command, Handler: handler, Log: log}
	p.done.Add(1)
	go func() {
		defer p.done.Done()
		if err := p.worker.Run(ctx); err != nil {
			log.DebugCtx(ctx, "pipe: worker stopped", "pipe", p.name, "err", err)
		}
	}()
	return nil
}

// Stop closes the command queue and waits for the worker to process what
// was already queued.
func (p *Pipe) Stop() {
	_ = p.command.Close()
	p.done.Wait()
}

func (p *Pipe) AddWindow(name string) *Window {
	w := &Window{name: name, pipe: p}
	p.windows = append(p.windows, w)
	return w
}

func (p *Pipe) RemoveWindow(w *Window) error {
	if len(w.channels) > 0 {
		return fabric_errors.Violation("window %s still has %d channels", w.name, len(w.channels))
	}
	i := slices.Index(p.windows, w)
	if i < 0 {
		return fabric_errors.Violation("window %s is not on pipe %s", w.name, p.name)
	}
	p.windows = slices.Delete(p.windows, i, i+1)
	w.pipe = nil
	return nil
}

// Window is a drawable surface; its channels are viewports inside it.
type Window struct {
	name     string
	pipe     *Pipe
	channels []*Channel
	pvp      PixelViewport
}

func (w *Window) Name() string { return w.name }
func (w *Window) Pipe() *Pipe { return w.pipe }
func (w *Window) Channels() []*Channel { return slices.Clone(w.channels) }
func (w *Window) PixelViewport() PixelViewport { return w.pvp }

func (w *Window) Config() *Config {
	if w.pipe == nil {
		return nil
	}
	return w.pipe.Config()
}

// SetPixelViewport resizes the window; channels follow.
func (w *Window) SetPixelViewport(pvp PixelViewport) {
	w.pvp = pvp
	for _, ch := range w.channels {
		ch.windowResized(pvp)
	}
}

func (w *Window) AddChannel(name string) *Channel {
	ch := newChannel(name, w)
	w.channels = append(w.channels, ch)
	if cfg := w.Config(); cfg != nil {
		cfg.channels[name] = ch
	}
	return ch
}

// RemoveChannel detaches an unregistered channel.
func (w *Window) RemoveChannel(ch *Channel) error {
	if ch.master.ID() != object.ID0 {
		return fabric_errors.Violation("channel %s is still registered", ch.name)
	}
	i := slices.Index(w.channels, ch)
	if i < 0 {
		return fabric_errors.Violation("channel %s is not in window %s", ch.name, w.name)
	}
	w.channels = slices.Delete(w.channels, i, i+1)
	if cfg := w.Config(); cfg != nil {
		delete(cfg.channels, ch.name)
	}
	ch.window = nil
	return nil
}
