package object

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/drpcorg/fabric/fabric_errors"
)

// Slave mirrors a master living elsewhere. It only changes by applying
// diffs; there is no way to mutate its state directly.
type Slave struct {
	lock     sync.Mutex
	id       ID
	codec    Codec
	version  uint64
	detached bool
	resync   bool

	// OnChange is called once per updated group after a diff is applied,
	// outside the slave lock.
	OnChange func(group DirtyBits)
}

func NewSlave(codec Codec) *Slave {
	return &Slave{codec: codec}
}

// Attach binds the mirror to the identity of its master.
func (s *Slave) Attach(id ID) {
	s.lock.Lock()
	s.id = id
	s.detached = false
	s.lock.Unlock()
}

// Detach cuts the mirror off after its master went away.
func (s *Slave) Detach() {
	s.lock.Lock()
	s.detached = true
	s.lock.Unlock()
}

func (s *Slave) ID() ID {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.id
}

func (s *Slave) Version() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.version
}

// NeedsResync is true after a sequence violation, until a baseline arrives.
func (s *Slave) NeedsResync() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.resync
}

// Read runs fn under the slave lock.
func (s *Slave) Read(fn func()) {
	s.lock.Lock()
	defer s.lock.Unlock()
	fn()
}

// Apply applies the next delta (or a baseline). A delta must be exactly
// version+1; anything else is refused without touching the state and the
// mirror then waits for a baseline.
func (s *Slave) Apply(d Diff) error {
	if d.Kind == Baseline {
		return s.ApplyBaseline(d)
	}
	s.lock.Lock()
	if err := s.check(d); err != nil {
		s.lock.Unlock()
		return err
	}
	if s.resync {
		s.lock.Unlock()
		return errors.Wrapf(fabric_errors.ErrNeedsResync, "%s v%d", d.ID, d.Version)
	}
	if d.Empty() && d.Version == s.version {
		s.lock.Unlock()
		return nil
	}
	if d.Version != s.version+1 {
		s.resync = true
		local := s.version
		s.lock.Unlock()
		return errors.Wrapf(fabric_errors.ErrOutOfOrderVersion,
			"%s: got v%d, have v%d", d.ID, d.Version, local)
	}
	return s.unpack(d)
}

// ApplyBaseline replaces the whole state. Baselines may skip versions but
// never go back.
func (s *Slave) ApplyBaseline(d Diff) error {
	s.lock.Lock()
	if err := s.check(d); err != nil {
		s.lock.Unlock()
		return err
	}
	if d.Version < s.version {
		local := s.version
		s.lock.Unlock()
		return errors.Wrapf(fabric_errors.ErrOutOfOrderVersion,
			"%s: baseline v%d behind v%d", d.ID, d.Version, local)
	}
	return s.unpack(d)
}

func (s *Slave) check(d Diff) error {
	if s.detached || d.ID != s.id {
		return errors.Wrapf(fabric_errors.ErrUnknownIdentity, "%s", d.ID)
	}
	if d.Mask.Count() != len(d.Payloads) {
		return errors.Wrapf(fabric_errors.ErrBadDiff, "%s: %d groups, %d payloads",
			d.ID, d.Mask.Count(), len(d.Payloads))
	}
	return nil
}

// unpack is entered with the lock held and releases it. The groups are
// applied all or nothing: when one fails, the ones before it are put back
// from their packed form.
func (s *Slave) unpack(d Diff) error {
	groups := (d.Mask & s.codec.Groups()).Split()
	var saved [][]byte
	if len(groups) > 1 {
		saved = make([][]byte, 0, len(groups))
		for _, g := range groups {
			saved = append(saved, s.codec.Pack(g))
		}
	}
	for i, g := range groups {
		if err := s.codec.Unpack(g, d.Payload(g)); err != nil {
			for j := 0; j < i; j++ {
				_ = s.codec.Unpack(groups[j], saved[j])
			}
			s.resync = true
			s.lock.Unlock()
			return errors.Wrapf(fabric_errors.ErrBadDiff, "%s v%d: %v", d.ID, d.Version, err)
		}
	}
	s.version = d.Version
	if d.Kind == Baseline {
		s.resync = false
	}
	notify := s.OnChange
	s.lock.Unlock()
	if notify != nil {
		for _, g := range groups {
			notify(g)
		}
	}
	return nil
}
