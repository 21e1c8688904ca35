package object

import (
	"sync"

	"github.com/drpcorg/fabric/fabric_errors"
)

// Master is the one authoritative instance of a distributed object.
// Mutation goes through Update so that the dirty mask always covers
// every group changed since the last commit.
type Master struct {
	lock    sync.Mutex
	id      ID
	codec   Codec
	version uint64
	dirty   DirtyBits
}

func NewMaster(codec Codec) *Master {
	return &Master{codec: codec}
}

func (m *Master) ID() ID {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.id
}

func (m *Master) Version() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.version
}

func (m *Master) Dirty() DirtyBits {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.dirty
}

func (m *Master) Groups() DirtyBits {
	return m.codec.Groups()
}

// Bind gives the master its identity; done once, by the session.
func (m *Master) Bind(id ID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.id != ID0 {
		return fabric_errors.Violation("master %s already registered", m.id)
	}
	m.id = id
	return nil
}

// Unbind forgets the identity after deregistration. The state and the
// version stay, so the object may be registered again.
func (m *Master) Unbind() {
	m.lock.Lock()
	m.id = ID0
	m.lock.Unlock()
}

// Update runs fn under the object lock and marks the given groups dirty.
func (m *Master) Update(groups DirtyBits, fn func()) {
	m.lock.Lock()
	defer m.lock.Unlock()
	fn()
	m.dirty |= groups & m.codec.Groups()
}

// View runs fn under the object lock, for consistent reads.
func (m *Master) View(fn func()) {
	m.lock.Lock()
	defer m.lock.Unlock()
	fn()
}

func (m *Master) MarkDirty(groups DirtyBits) {
	m.lock.Lock()
	m.dirty |= groups & m.codec.Groups()
	m.lock.Unlock()
}

// Commit packs the dirty groups selected by mask, clears them and bumps the
// version. With nothing to commit the result is an empty diff at the
// current version and the version stays.
func (m *Master) Commit(mask DirtyBits) Diff {
	m.lock.Lock()
	defer m.lock.Unlock()
	groups := m.dirty & mask
	if groups == DirtyNone {
		return Diff{ID: m.id, Version: m.version, Kind: Delta}
	}
	m.version++
	d := Diff{
		ID:       m.id,
		Version:  m.version,
		Mask:     groups,
		Kind:     Delta,
		Payloads: m.pack(groups),
	}
	m.dirty &^= groups
	return d
}

// Snapshot packs every group at the current version, for slaves that join
// late or lost track.
func (m *Master) Snapshot() Diff {
	m.lock.Lock()
	defer m.lock.Unlock()
	groups := m.codec.Groups()
	return Diff{
		ID:       m.id,
		Version:  m.version,
		Mask:     groups,
		Kind:     Baseline,
		Payloads: m.pack(groups),
	}
}

func (m *Master) pack(groups DirtyBits) [][]byte {
	split := groups.Split()
	payloads := make([][]byte, 0, len(split))
	for _, g := range split {
		payloads = append(payloads, m.codec.Pack(g))
	}
	return payloads
}
