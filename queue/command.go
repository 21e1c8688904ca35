package queue

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/object"
	"github.com/drpcorg/fabric/utils"
)

// Command is one queued packet: who sent it and the opaque bytes.
type Command struct {
	Origin  object.ID
	Payload []byte
}

type CommandQueue = Queue[Command]

func NewCommandQueue(opts Options) *CommandQueue {
	return New[Command](opts)
}

type Handler func(ctx context.Context, cmd Command) error

// Worker is the single consumer of a command queue. It keeps its goroutine
// on one OS thread so that thread-bound resources (a rendering context)
// are only ever touched from there.
type Worker struct {
	Name    string
	Queue   *CommandQueue
	Handler Handler
	Log     utils.Logger
}

// Run processes commands in push order until ctx is done or the queue is
// closed and empty. A failing command is logged and skipped.
func (w *Worker) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log := utils.OrDefault(w.Log)
	ctx = log.WithDefaultArgs(ctx, "worker", w.Name)
	log.DebugCtx(ctx, "worker: started")
	for {
		cmd, err := w.Queue.Pop(ctx)
		if errors.Is(err, ErrClosed) {
			log.DebugCtx(ctx, "worker: queue closed")
			return nil
		}
		if err != nil {
			return err
		}
		start := time.Now()
		if err := w.Handler(ctx, cmd); err != nil {
			log.WarnCtx(ctx, "worker: command failed", "origin", cmd.Origin, "err", err)
		}
		CommandDuration.WithLabelValues(w.Name).Observe(float64(time.Since(start).Microseconds()) / 1000)
	}
}

// Dispatcher demultiplexes inbound commands by target identity onto the
// queue of the worker that owns the target.
type Dispatcher struct {
	queues *xsync.MapOf[object.ID, *CommandQueue]
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{queues: xsync.NewMapOf[object.ID, *CommandQueue]()}
}

func (d *Dispatcher) Bind(target object.ID, q *CommandQueue) {
	d.queues.Store(target, q)
}

func (d *Dispatcher) Unbind(target object.ID) {
	d.queues.Delete(target)
}

func (d *Dispatcher) Dispatch(target object.ID, cmd Command) error {
	q, ok := d.queues.Load(target)
	if !ok {
		return fabric_errors.ErrUnknownIdentity
	}
	return q.Push(cmd)
}
