package session

import (
	"context"

	"github.com/drpcorg/fabric/object"
)

// Mirror is where a session delivers the diffs of one slave instance.
// Deliver must not block for long: it runs under the identity's lock.
type Mirror interface {
	Member() string
	Deliver(ctx context.Context, d object.Diff) error
}

// Detacher is implemented by mirrors that want to hear about their master
// going away.
type Detacher interface {
	Detach(ctx context.Context)
}

// Attacher is implemented by mirrors whose slave must learn the identity it
// mirrors. RegisterSlave calls Attach under the identity's lock.
type Attacher interface {
	Attach(id object.ID)
}

// LocalMirror feeds a slave living in this process. Registering it attaches
// the slave.
type LocalMirror struct {
	Name  string
	Slave *object.Slave
}

func (m *LocalMirror) Member() string {
	return m.Name
}

func (m *LocalMirror) Deliver(ctx context.Context, d object.Diff) error {
	return m.Slave.Apply(d)
}

func (m *LocalMirror) Detach(ctx context.Context) {
	m.Slave.Detach()
}

func (m *LocalMirror) Attach(id object.ID) {
	m.Slave.Attach(id)
}
