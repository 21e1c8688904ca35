// Package session binds the instances of distributed objects across the
// cluster: one master per identity, any number of slave mirrors, and the
// routing of committed diffs from the former to the latter.
//
// Every identity has its own lock. Registration, deregistration and
// routing for one identity are serialized on it, so a slave can never be
// bound to an identity whose master is already gone, and diffs reach each
// mirror in version order.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/object"
	"github.com/drpcorg/fabric/store"
	"github.com/drpcorg/fabric/utils"
)

type Options struct {
	// Src is this cluster member's number, the source part of every
	// identity minted here.
	Src  uint64
	Name string
	Log  utils.Logger
	// Store keeps folded baselines; without it baselines are snapshots
	// taken from the master.
	Store      *store.Store
	Registerer prometheus.Registerer
}

func (o *Options) SetDefaults() {
	if o.Name == "" {
		o.Name = uuid.NewString()
	}
	o.Log = utils.OrDefault(o.Log)
}

// Join tells a newly registered slave where it stands.
type Join struct {
	// Version of the master at registration time.
	Version uint64
	// NeedsBaseline is set when the master already moved past version 0:
	// the diffs emitted so far are gone, so the slave starts from a
	// baseline rather than from the next diff.
	NeedsBaseline bool
}

type slaveState struct {
	mirror   Mirror
	baseline bool
}

type binding struct {
	lock    sync.Mutex
	id      object.ID
	master  *object.Master
	mirrors map[string]*slaveState
	dead    bool
}

type Session struct {
	opts    Options
	log     utils.Logger
	seq     atomic.Uint64
	objects *xsync.MapOf[object.ID, *binding]
	locals  *xsync.MapOf[object.ID, *object.Slave]
	metrics *metrics
}

func New(opts Options) (*Session, error) {
	opts.SetDefaults()
	s := &Session{
		opts:    opts,
		log:     opts.Log,
		objects: xsync.NewMapOf[object.ID, *binding](),
		locals:  xsync.NewMapOf[object.ID, *object.Slave](),
		metrics: newMetrics(opts.Name),
	}
	if opts.Registerer != nil {
		if err := s.metrics.register(opts.Registerer); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) Name() string {
	return s.opts.Name
}

func (s *Session) Src() uint64 {
	return s.opts.Src
}

// lock finds the live binding of an identity and locks it.
func (s *Session) lock(id object.ID) (*binding, error) {
	b, ok := s.objects.Load(id)
	if !ok {
		return nil, pkgerrors.Wrapf(fabric_errors.ErrUnknownIdentity, "%s", id)
	}
	b.lock.Lock()
	if b.dead {
		b.lock.Unlock()
		return nil, pkgerrors.Wrapf(fabric_errors.ErrUnknownIdentity, "%s deregistered", id)
	}
	return b, nil
}

// RegisterMaster mints a fresh identity for the master and binds it.
func (s *Session) RegisterMaster(m *object.Master) (object.ID, error) {
	id := object.NewID(s.opts.Src, s.seq.Add(1))
	if err := m.Bind(id); err != nil {
		return object.BadID, err
	}
	b := &binding{id: id, master: m, mirrors: make(map[string]*slaveState)}
	if s.opts.Store != nil {
		if err := s.opts.Store.Append(m.Snapshot()); err != nil {
			m.Unbind()
			return object.BadID, err
		}
	}
	s.objects.Store(id, b)
	s.metrics.objects.Inc()
	s.log.Debug("session: master registered", "id", id, "version", m.Version())
	return id, nil
}

// Master returns the master bound to the identity.
func (s *Session) Master(id object.ID) (*object.Master, error) {
	b, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	defer b.lock.Unlock()
	return b.master, nil
}

// RegisterSlave subscribes a mirror to the identity's diff stream.
// Registering the same member again replaces its mirror.
func (s *Session) RegisterSlave(id object.ID, mirror Mirror) (Join, error) {
	b, err := s.lock(id)
	if err != nil {
		return Join{}, err
	}
	defer b.lock.Unlock()
	if a, ok := mirror.(Attacher); ok {
		a.Attach(id)
	}
	join := Join{Version: b.master.Version()}
	join.NeedsBaseline = join.Version > 0
	if _, ok := b.mirrors[mirror.Member()]; !ok {
		s.metrics.slaves.Inc()
	}
	b.mirrors[mirror.Member()] = &slaveState{mirror: mirror, baseline: join.NeedsBaseline}
	s.log.Debug("session: slave registered", "id", id, "member", mirror.Member(),
		"version", join.Version, "baseline", join.NeedsBaseline)
	return join, nil
}

// DeregisterSlave drops one member's mirror.
func (s *Session) DeregisterSlave(id object.ID, member string) error {
	b, err := s.lock(id)
	if err != nil {
		return err
	}
	defer b.lock.Unlock()
	if _, ok := b.mirrors[member]; !ok {
		return pkgerrors.Wrapf(fabric_errors.ErrUnknownIdentity, "%s has no slave at %s", id, member)
	}
	delete(b.mirrors, member)
	s.metrics.slaves.Dec()
	return nil
}

// Deregister removes the master binding. Every mirror still subscribed is
// detached; their slaves refuse any further diff for the identity.
func (s *Session) Deregister(ctx context.Context, id object.ID) error {
	b, err := s.lock(id)
	if err != nil {
		return err
	}
	defer b.lock.Unlock()
	b.dead = true
	s.objects.Delete(id)
	b.master.Unbind()
	for _, st := range b.mirrors {
		if d, ok := st.mirror.(Detacher); ok {
			d.Detach(ctx)
		}
	}
	s.metrics.slaves.Sub(float64(len(b.mirrors)))
	s.metrics.objects.Dec()
	b.mirrors = nil
	if s.opts.Store != nil {
		if err := s.opts.Store.Delete(id); err != nil {
			s.log.WarnCtx(ctx, "session: baseline not deleted", "id", id, "err", err)
		}
	}
	s.log.DebugCtx(ctx, "session: master deregistered", "id", id)
	return nil
}

// IsMaster tells whether the identity has a live master here.
func (s *Session) IsMaster(id object.ID) bool {
	b, err := s.lock(id)
	if err != nil {
		return false
	}
	b.lock.Unlock()
	return true
}

// Commit commits the master's dirty groups selected by mask and routes
// the resulting diff.
func (s *Session) Commit(ctx context.Context, id object.ID, mask object.DirtyBits) (object.Diff, error) {
	b, err := s.lock(id)
	if err != nil {
		return object.Diff{}, err
	}
	defer b.lock.Unlock()
	d := b.master.Commit(mask)
	s.metrics.commits.Inc()
	return d, s.route(ctx, b, d)
}

// Route delivers a diff to every slave of its identity. No slaves is not
// an error. A failing mirror does not keep the others from their diff.
func (s *Session) Route(ctx context.Context, d object.Diff) error {
	b, err := s.lock(d.ID)
	if err != nil {
		return err
	}
	defer b.lock.Unlock()
	return s.route(ctx, b, d)
}

func (s *Session) route(ctx context.Context, b *binding, d object.Diff) error {
	if s.opts.Store != nil {
		if err := s.opts.Store.Append(d); err != nil {
			s.log.ErrorCtx(ctx, "session: baseline store failed", "id", b.id, "err", err)
		}
	}
	var errs []error
	for member, st := range b.mirrors {
		if st.baseline {
			if err := s.sendBaseline(ctx, b, st); err != nil {
				errs = append(errs, pkgerrors.Wrapf(err, "member %s", member))
			}
			continue
		}
		err := st.mirror.Deliver(ctx, d)
		switch {
		case err == nil:
			s.metrics.routed.Inc()
		case errors.Is(err, fabric_errors.ErrOutOfOrderVersion),
			errors.Is(err, fabric_errors.ErrNeedsResync),
			errors.Is(err, fabric_errors.ErrBadDiff):
			s.metrics.resyncs.Inc()
			s.log.WarnCtx(ctx, "session: slave lost track, resyncing",
				"id", b.id, "member", member, "version", d.Version, "err", err)
			if err := s.sendBaseline(ctx, b, st); err != nil {
				errs = append(errs, pkgerrors.Wrapf(err, "member %s", member))
			}
		default:
			// the stream now has a gap for this member
			st.baseline = true
			s.metrics.failures.WithLabelValues("deliver").Inc()
			s.log.WarnCtx(ctx, "session: delivery failed", "id", b.id, "member", member, "err", err)
			errs = append(errs, pkgerrors.Wrapf(err, "member %s", member))
		}
	}
	return errors.Join(errs...)
}

func (s *Session) baseline(b *binding) object.Diff {
	snap := b.master.Snapshot()
	if s.opts.Store == nil {
		return snap
	}
	d, err := s.opts.Store.Baseline(b.id)
	if err != nil || d.Version != snap.Version || d.Mask != snap.Mask {
		return snap
	}
	return d
}

func (s *Session) sendBaseline(ctx context.Context, b *binding, st *slaveState) error {
	err := st.mirror.Deliver(ctx, s.baseline(b))
	if err != nil {
		st.baseline = true
		s.metrics.failures.WithLabelValues("baseline").Inc()
		return err
	}
	st.baseline = false
	s.metrics.baselines.Inc()
	return nil
}

// Resync sends a baseline to one member right away.
func (s *Session) Resync(ctx context.Context, id object.ID, member string) error {
	b, err := s.lock(id)
	if err != nil {
		return err
	}
	defer b.lock.Unlock()
	st, ok := b.mirrors[member]
	if !ok {
		return pkgerrors.Wrapf(fabric_errors.ErrUnknownIdentity, "%s has no slave at %s", id, member)
	}
	s.metrics.resyncs.Inc()
	return s.sendBaseline(ctx, b, st)
}

// MapLocal registers a slave living here as the target of inbound diffs
// for the identity.
func (s *Session) MapLocal(id object.ID, slave *object.Slave) {
	slave.Attach(id)
	s.locals.Store(id, slave)
}

// UnmapLocal detaches the local slave of the identity.
func (s *Session) UnmapLocal(id object.ID) {
	if slave, ok := s.locals.LoadAndDelete(id); ok {
		slave.Detach()
	}
}

// LocalVersion is the version of the local slave mapped to the identity.
func (s *Session) LocalVersion(id object.ID) (uint64, bool) {
	slave, ok := s.locals.Load(id)
	if !ok {
		return 0, false
	}
	return slave.Version(), true
}

// Receive applies an inbound diff to the local slave of its identity.
// Sequence errors are returned so that the caller can ask the master's
// member for a baseline.
func (s *Session) Receive(ctx context.Context, d object.Diff) error {
	slave, ok := s.locals.Load(d.ID)
	if !ok {
		return pkgerrors.Wrapf(fabric_errors.ErrUnknownIdentity, "no local slave for %s", d.ID)
	}
	err := slave.Apply(d)
	if err != nil {
		s.metrics.failures.WithLabelValues("apply").Inc()
		s.log.WarnCtx(ctx, "session: inbound diff refused", "id", d.ID, "version", d.Version, "err", err)
	}
	return err
}
