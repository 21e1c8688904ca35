// Package store keeps the running state of every master object as one
// pebble record, so that a slave joining late (or one that lost its place
// in the diff stream) can be handed a full baseline instead of history.
//
// Every committed diff is merged under the object key; the merge operator
// folds the stream into a single baseline record at read and compaction time.
package store

import (
	"encoding/binary"
	"errors"
	"io"
	"slices"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	pkgerrors "github.com/pkg/errors"

	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/object"
	"github.com/drpcorg/fabric/utils"
)

type Options struct {
	pebble.Options

	// CacheSize is the number of decoded baselines kept in memory.
	CacheSize int
	Log       utils.Logger
}

func (o *Options) SetDefaults() {
	if o.CacheSize == 0 {
		o.CacheSize = 1024
	}
	o.Log = utils.OrDefault(o.Log)
	o.Merger = &pebble.Merger{
		Name:  "fabric.baseline",
		Merge: merger,
	}
}

type Store struct {
	db    *pebble.DB
	cache *lru.Cache[object.ID, object.Diff]
	log   utils.Logger
	wo    *pebble.WriteOptions
}

const keyLen = 1 + 8 + 8

// OKey is 'O' followed by the big-endian source and sequence.
func OKey(id object.ID) []byte {
	key := make([]byte, 1, keyLen)
	key[0] = 'O'
	key = binary.BigEndian.AppendUint64(key, id.Src())
	return binary.BigEndian.AppendUint64(key, id.Seq())
}

func OKeyID(key []byte) object.ID {
	if len(key) != keyLen || key[0] != 'O' {
		return object.BadID
	}
	return object.NewID(binary.BigEndian.Uint64(key[1:9]), binary.BigEndian.Uint64(key[9:]))
}

func Open(dirname string, opts Options) (*Store, error) {
	opts.SetDefaults()
	db, err := pebble.Open(dirname, &opts.Options)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[object.ID, object.Diff](opts.CacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	opts.Log.Info("store: open", "dir", dirname)
	return &Store{db: db, cache: cache, log: opts.Log, wo: pebble.NoSync}, nil
}

// Append merges a diff into the object's baseline. Empty diffs change
// nothing and are not written.
func (s *Store) Append(d object.Diff) error {
	if d.Empty() {
		return nil
	}
	if !d.ID.Valid() {
		return pkgerrors.Wrapf(fabric_errors.ErrUnknownIdentity, "store %s", d.ID)
	}
	s.cache.Remove(d.ID)
	return s.db.Merge(OKey(d.ID), d.Encode(), s.wo)
}

// Baseline returns the folded state of the object at its latest version.
func (s *Store) Baseline(id object.ID) (object.Diff, error) {
	if d, ok := s.cache.Get(id); ok {
		return d, nil
	}
	val, closer, err := s.db.Get(OKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return object.Diff{}, pkgerrors.Wrapf(fabric_errors.ErrUnknownIdentity, "no baseline for %s", id)
	}
	if err != nil {
		return object.Diff{}, err
	}
	defer closer.Close()
	d, err := fold([][]byte{val})
	if err != nil {
		return object.Diff{}, err
	}
	d.Payloads = clonePayloads(d.Payloads)
	s.cache.Add(id, d)
	return d, nil
}

// Delete drops the object's record after it was deregistered.
func (s *Store) Delete(id object.ID) error {
	s.cache.Remove(id)
	return s.db.Delete(OKey(id), s.wo)
}

func (s *Store) Close() error {
	s.cache.Purge()
	return s.db.Close()
}

func (s *Store) Collector() *Collector {
	return NewCollector(s.db)
}

func clonePayloads(payloads [][]byte) [][]byte {
	ret := make([][]byte, len(payloads))
	for i, p := range payloads {
		ret[i] = append([]byte(nil), p...)
	}
	return ret
}

// fold applies the records oldest to newest: a baseline resets the state,
// a delta overwrites the groups it carries.
func fold(inputs [][]byte) (object.Diff, error) {
	var (
		ret    object.Diff
		groups = map[object.DirtyBits][]byte{}
	)
	for _, input := range inputs {
		d, err := object.DecodeDiff(input)
		if err != nil {
			return ret, err
		}
		if ret.ID == object.ID0 {
			ret.ID = d.ID
		}
		if d.Kind == object.Baseline {
			clear(groups)
			ret.Mask = object.DirtyNone
		}
		for _, g := range d.Mask.Split() {
			groups[g] = d.Payload(g)
		}
		ret.Mask |= d.Mask
		if d.Version > ret.Version {
			ret.Version = d.Version
		}
	}
	ret.Kind = object.Baseline
	for _, g := range ret.Mask.Split() {
		ret.Payloads = append(ret.Payloads, groups[g])
	}
	return ret, nil
}

type baselineMerger struct {
	vals [][]byte
	old  bool
}

func merger(key, value []byte) (pebble.ValueMerger, error) {
	if OKeyID(key) == object.BadID {
		return nil, pkgerrors.Errorf("no merge for key %q", key)
	}
	return &baselineMerger{vals: [][]byte{clone(value)}}, nil
}

func clone(value []byte) []byte {
	return append(make([]byte, 0, len(value)), value...)
}

func (m *baselineMerger) MergeNewer(value []byte) error {
	m.vals = append(m.vals, clone(value))
	return nil
}

func (m *baselineMerger) MergeOlder(value []byte) error {
	m.vals = append(m.vals, clone(value))
	m.old = true
	return nil
}

func (m *baselineMerger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	if m.old {
		slices.Reverse(m.vals)
	}
	d, err := fold(m.vals)
	if err != nil {
		return nil, nil, err
	}
	return d.Encode(), nil, nil
}
