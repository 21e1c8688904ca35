package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/object"
	"github.com/drpcorg/fabric/protocol"
	"github.com/drpcorg/fabric/queue"
	"github.com/drpcorg/fabric/session"
	"github.com/drpcorg/fabric/utils"
)

/*
Record types a Link sends and understands, besides the D and B diffs:

	M { I id, V version }          map: subscribe to the master, this is my version
	L { I id }                     leave: drop my subscription
	U { I id }                     unmap: the master is gone
	C { I target, O origin, P payload }  command for the owner of target
*/
const (
	RecMap     = 'M'
	RecLeave   = 'L'
	RecUnmap   = 'U'
	RecCommand = 'C'
)

// MaxOutQueueLen bounds the records waiting for the socket on one link.
// A full queue fails delivery; the session then owes that member a
// baseline.
const MaxOutQueueLen = 1 << 16

// MaxFeedBatch caps the records handed to the writer at once.
const MaxFeedBatch = 1024

// Link speaks the fabric protocol over one connection. Outbound records
// queue up until the peer's write loop feeds them; inbound records are
// applied to the session as they are drained.
type Link struct {
	name string
	sess *session.Session
	disp *queue.Dispatcher
	log  utils.Logger
	out  *queue.Queue[[]byte]

	// masters here that the other side subscribed to over this link
	served *xsync.MapOf[object.ID, struct{}]

	closeOnce sync.Once
	ctx       context.Context
}

func NewLink(name string, sess *session.Session, disp *queue.Dispatcher, log utils.Logger) *Link {
	log = utils.OrDefault(log)
	return &Link{
		name:   name,
		sess:   sess,
		disp:   disp,
		log:    log,
		out:    queue.New[[]byte](queue.Options{Limit: MaxOutQueueLen}),
		served: xsync.NewMapOf[object.ID, struct{}](),
		ctx:    log.WithDefaultArgs(context.Background(), "link", name),
	}
}

func (l *Link) GetTraceId() string {
	return l.name
}

func (l *Link) Name() string {
	return l.name
}

func (l *Link) send(rec []byte) error {
	if err := l.out.Push(rec); err != nil {
		return pkgerrors.Wrapf(err, "link %s", l.name)
	}
	LinkRecords.WithLabelValues("out", string(protocol.Lit(rec))).Inc()
	return nil
}

// Feed hands the queued records to the writer, blocking until there is
// at least one. A closed link feeds io.EOF.
func (l *Link) Feed(ctx context.Context) (protocol.Records, error) {
	rec, err := l.out.Pop(ctx)
	if errors.Is(err, queue.ErrClosed) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	recs := protocol.Records{rec}
	for len(recs) < MaxFeedBatch {
		more, ok := l.out.TryPop()
		if !ok {
			break
		}
		recs = append(recs, more)
	}
	return recs, nil
}

// Drain applies inbound records. Only malformed framing fails the link;
// records the session refuses are logged and recovered from.
func (l *Link) Drain(ctx context.Context, recs protocol.Records) error {
	for _, rec := range recs {
		lit := protocol.Lit(rec)
		LinkRecords.WithLabelValues("in", string(lit)).Inc()
		var err error
		switch lit {
		case byte(object.Delta), byte(object.Baseline):
			err = l.receiveDiff(ctx, rec)
		case RecMap:
			err = l.receiveMap(ctx, rec)
		case RecLeave:
			err = l.receiveLeave(ctx, rec)
		case RecUnmap:
			err = l.receiveUnmap(ctx, rec)
		case RecCommand:
			err = l.receiveCommand(ctx, rec)
		default:
			l.log.WarnCtx(l.ctx, "link: unknown record type", "lit", string(lit))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Link) receiveDiff(ctx context.Context, rec []byte) error {
	d, err := object.DecodeDiff(rec)
	if err != nil {
		if !d.ID.Valid() {
			return err
		}
		l.log.WarnCtx(l.ctx, "link: bad diff, asking for a baseline", "id", d.ID, "err", err)
		return l.requestBaseline(d.ID)
	}
	err = l.sess.Receive(ctx, d)
	switch {
	case err == nil:
	case errors.Is(err, fabric_errors.ErrOutOfOrderVersion),
		errors.Is(err, fabric_errors.ErrNeedsResync),
		errors.Is(err, fabric_errors.ErrBadDiff):
		return l.requestBaseline(d.ID)
	default:
		// a diff racing an unmap, nothing to do
		l.log.DebugCtx(l.ctx, "link: diff dropped", "id", d.ID, "version", d.Version, "err", err)
	}
	return nil
}

// requestBaseline re-maps the identity with the slave's current version;
// the master answers a version mismatch with a baseline.
func (l *Link) requestBaseline(id object.ID) error {
	version, ok := l.sess.LocalVersion(id)
	if !ok {
		return nil
	}
	if err := l.send(mapRecord(id, version)); err != nil {
		l.log.WarnCtx(l.ctx, "link: baseline request not sent", "id", id, "err", err)
	}
	return nil
}

func (l *Link) receiveMap(ctx context.Context, rec []byte) error {
	body, _, err := protocol.TakeWary(RecMap, rec)
	if err != nil {
		return err
	}
	idb, body, err := protocol.TakeWary('I', body)
	if err != nil {
		return pkgerrors.Wrap(err, "map: identity")
	}
	verb, _, err := protocol.TakeWary('V', body)
	if err != nil {
		return pkgerrors.Wrap(err, "map: version")
	}
	id := object.IDFromZipBytes(idb)
	have := utils.UnzipUint64(verb)

	join, err := l.sess.RegisterSlave(id, &RemoteMirror{link: l, id: id})
	if err != nil {
		l.log.WarnCtx(l.ctx, "link: map refused", "id", id, "err", err)
		_ = l.send(idRecord(RecUnmap, id))
		return nil
	}
	l.served.Store(id, struct{}{})
	if have != join.Version {
		if err := l.sess.Resync(ctx, id, l.name); err != nil {
			l.log.WarnCtx(l.ctx, "link: baseline not sent", "id", id, "err", err)
		}
	}
	return nil
}

func (l *Link) receiveLeave(ctx context.Context, rec []byte) error {
	id, err := takeID(RecLeave, rec)
	if err != nil {
		return err
	}
	if _, ok := l.served.LoadAndDelete(id); ok {
		_ = l.sess.DeregisterSlave(id, l.name)
	}
	return nil
}

func (l *Link) receiveUnmap(ctx context.Context, rec []byte) error {
	id, err := takeID(RecUnmap, rec)
	if err != nil {
		return err
	}
	l.log.DebugCtx(l.ctx, "link: master gone", "id", id)
	l.sess.UnmapLocal(id)
	return nil
}

func (l *Link) receiveCommand(ctx context.Context, rec []byte) error {
	body, _, err := protocol.TakeWary(RecCommand, rec)
	if err != nil {
		return err
	}
	target, body, err := protocol.TakeWary('I', body)
	if err != nil {
		return pkgerrors.Wrap(err, "command: target")
	}
	origin, body, err := protocol.TakeWary('O', body)
	if err != nil {
		return pkgerrors.Wrap(err, "command: origin")
	}
	payload, _, err := protocol.TakeWary('P', body)
	if err != nil {
		return pkgerrors.Wrap(err, "command: payload")
	}
	cmd := queue.Command{
		Origin:  object.IDFromZipBytes(origin),
		Payload: append([]byte(nil), payload...),
	}
	id := object.IDFromZipBytes(target)
	if l.disp == nil {
		l.log.WarnCtx(l.ctx, "link: no dispatcher for commands", "target", id)
		return nil
	}
	if err := l.disp.Dispatch(id, cmd); err != nil {
		l.log.WarnCtx(l.ctx, "link: command dropped", "target", id, "err", err)
	}
	return nil
}

// Map subscribes the local slave to the master on the other side.
func (l *Link) Map(id object.ID, slave *object.Slave) error {
	l.sess.MapLocal(id, slave)
	return l.send(mapRecord(id, slave.Version()))
}

// Leave ends the subscription and detaches the local slave.
func (l *Link) Leave(id object.ID) error {
	l.sess.UnmapLocal(id)
	return l.send(idRecord(RecLeave, id))
}

// Command sends a packet to the owner of target on the other side.
func (l *Link) Command(target, origin object.ID, payload []byte) error {
	return l.send(protocol.Record(RecCommand,
		protocol.Record('i', target.ZipBytes()),
		protocol.Record('o', origin.ZipBytes()),
		protocol.Record('P', payload),
	))
}

// Close stops the outbound queue and drops every subscription the other
// side held through this link.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		_ = l.out.Close()
		l.served.Range(func(id object.ID, _ struct{}) bool {
			_ = l.sess.DeregisterSlave(id, l.name)
			return true
		})
		l.served.Clear()
	})
	return nil
}

func mapRecord(id object.ID, version uint64) []byte {
	return protocol.Record(RecMap,
		protocol.Record('i', id.ZipBytes()),
		protocol.Record('v', utils.ZipUint(version)),
	)
}

func idRecord(lit byte, id object.ID) []byte {
	return protocol.Record(lit, protocol.Record('i', id.ZipBytes()))
}

func takeID(lit byte, rec []byte) (object.ID, error) {
	body, _, err := protocol.TakeWary(lit, rec)
	if err != nil {
		return object.BadID, err
	}
	idb, _, err := protocol.TakeWary('I', body)
	if err != nil {
		return object.BadID, fmt.Errorf("%c: identity: %w", lit, err)
	}
	return object.IDFromZipBytes(idb), nil
}

// RemoteMirror is a slave on the far end of a link.
type RemoteMirror struct {
	link *Link
	id   object.ID
}

func (m *RemoteMirror) Member() string {
	return m.link.name
}

func (m *RemoteMirror) Deliver(ctx context.Context, d object.Diff) error {
	return m.link.send(d.Encode())
}

func (m *RemoteMirror) Detach(ctx context.Context) {
	m.link.served.Delete(m.id)
	if err := m.link.send(idRecord(RecUnmap, m.id)); err != nil {
		m.link.log.DebugCtx(ctx, "link: unmap not sent", "id", m.id, "err", err)
	}
}
