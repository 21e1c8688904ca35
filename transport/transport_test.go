package transport

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/object"
	"github.com/drpcorg/fabric/protocol"
	"github.com/drpcorg/fabric/queue"
	"github.com/drpcorg/fabric/session"
)

var dirtyText = object.Custom(0)

type text struct {
	Value string
}

func (t *text) Groups() object.DirtyBits {
	return dirtyText
}

func (t *text) Pack(group object.DirtyBits) []byte {
	return []byte(t.Value)
}

func (t *text) Unpack(group object.DirtyBits, body []byte) error {
	t.Value = string(body)
	return nil
}

func newSession(t *testing.T, src uint64) *session.Session {
	s, err := session.New(session.Options{Src: src, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	return s
}

type side struct {
	sess *session.Session
	disp *queue.Dispatcher
	link *Link
}

// pair wires two links back to back without sockets; records move only
// when pump is called.
func pair(t *testing.T) (a, b side) {
	a = side{sess: newSession(t, 0xa), disp: queue.NewDispatcher()}
	b = side{sess: newSession(t, 0xb), disp: queue.NewDispatcher()}
	a.link = NewLink("to-b", a.sess, a.disp, nil)
	b.link = NewLink("to-a", b.sess, b.disp, nil)
	t.Cleanup(func() {
		_ = a.link.Close()
		_ = b.link.Close()
	})
	return
}

func pump(t *testing.T, from, to *Link) int {
	recs := protocol.Records(from.out.Drain())
	if len(recs) > 0 {
		require.NoError(t, to.Drain(context.Background(), recs))
	}
	return len(recs)
}

func publish(t *testing.T, s *session.Session, value string) (*object.Master, *text, object.ID) {
	st := &text{Value: value}
	m := object.NewMaster(st)
	m.MarkDirty(dirtyText)
	id, err := s.RegisterMaster(m)
	require.NoError(t, err)
	_, err = s.Commit(context.Background(), id, dirtyText)
	require.NoError(t, err)
	return m, st, id
}

func set(t *testing.T, s *session.Session, m *object.Master, st *text, value string) {
	m.Update(dirtyText, func() { st.Value = value })
	_, err := s.Commit(context.Background(), m.ID(), dirtyText)
	require.NoError(t, err)
}

func read(sl *object.Slave, st *text) (v string) {
	sl.Read(func() { v = st.Value })
	return
}

func TestLink_MapGetsBaselineThenDeltas(t *testing.T) {
	a, b := pair(t)
	m, st, id := publish(t, a.sess, "hello")

	mirror := &text{}
	slave := object.NewSlave(mirror)
	require.NoError(t, b.link.Map(id, slave))
	assert.Equal(t, 1, pump(t, b.link, a.link))
	// slave at v0, master at v1: baseline
	assert.Equal(t, 1, pump(t, a.link, b.link))
	assert.Equal(t, uint64(1), slave.Version())
	assert.Equal(t, "hello", read(slave, mirror))

	set(t, a.sess, m, st, "world")
	pump(t, a.link, b.link)
	assert.Equal(t, uint64(2), slave.Version())
	assert.Equal(t, "world", read(slave, mirror))
	assert.False(t, slave.NeedsResync())
}

func TestLink_GapTriggersBaselineRequest(t *testing.T) {
	a, b := pair(t)
	m, st, id := publish(t, a.sess, "v1")

	mirror := &text{}
	slave := object.NewSlave(mirror)
	require.NoError(t, b.link.Map(id, slave))
	pump(t, b.link, a.link)
	pump(t, a.link, b.link)
	require.Equal(t, uint64(1), slave.Version())

	set(t, a.sess, m, st, "v2")
	a.link.out.Drain() // lost
	set(t, a.sess, m, st, "v3")
	pump(t, a.link, b.link)
	assert.True(t, slave.NeedsResync())
	assert.Equal(t, uint64(1), slave.Version())

	// the slave re-maps with its version, the master answers with a baseline
	assert.Equal(t, 1, pump(t, b.link, a.link))
	pump(t, a.link, b.link)
	assert.False(t, slave.NeedsResync())
	assert.Equal(t, uint64(3), slave.Version())
	assert.Equal(t, "v3", read(slave, mirror))
}

func TestLink_MapUnknownIsUnmapped(t *testing.T) {
	a, b := pair(t)
	id := object.NewID(0xa, 42)
	require.NoError(t, b.link.Map(id, object.NewSlave(&text{})))
	_, ok := b.sess.LocalVersion(id)
	require.True(t, ok)

	pump(t, b.link, a.link)
	pump(t, a.link, b.link)
	_, ok = b.sess.LocalVersion(id)
	assert.False(t, ok)
}

func TestLink_LeaveAndMasterGone(t *testing.T) {
	a, b := pair(t)
	_, _, id := publish(t, a.sess, "x")

	slave := object.NewSlave(&text{})
	require.NoError(t, b.link.Map(id, slave))
	pump(t, b.link, a.link)
	pump(t, a.link, b.link)

	require.NoError(t, b.link.Leave(id))
	pump(t, b.link, a.link)
	err := a.sess.DeregisterSlave(id, a.link.Name())
	assert.True(t, errors.Is(err, fabric_errors.ErrUnknownIdentity))

	// map again, then the master goes away
	require.NoError(t, b.link.Map(id, slave))
	pump(t, b.link, a.link)
	pump(t, a.link, b.link)
	require.NoError(t, a.sess.Deregister(context.Background(), id))
	assert.Equal(t, 1, pump(t, a.link, b.link))
	_, ok := b.sess.LocalVersion(id)
	assert.False(t, ok)
}

func TestLink_CloseDropsServedSlaves(t *testing.T) {
	a, b := pair(t)
	_, _, id := publish(t, a.sess, "x")
	require.NoError(t, b.link.Map(id, object.NewSlave(&text{})))
	pump(t, b.link, a.link)

	require.NoError(t, a.link.Close())
	err := a.sess.DeregisterSlave(id, a.link.Name())
	assert.True(t, errors.Is(err, fabric_errors.ErrUnknownIdentity))

	// the baseline queued before Close still goes out, then the feed ends
	recs, err := a.link.Feed(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	_, err = a.link.Feed(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, a.link.send([]byte("x")), queue.ErrClosed)
}

func TestLink_Command(t *testing.T) {
	a, b := pair(t)
	target := object.NewID(0xa, 7)
	q := queue.NewCommandQueue(queue.Options{})
	a.disp.Bind(target, q)

	require.NoError(t, b.link.Command(target, object.NewID(0xb, 1), []byte("resize 800 600")))
	require.NoError(t, b.link.Command(object.NewID(0xa, 99), object.ID0, []byte("nobody")))
	pump(t, b.link, a.link)

	cmd, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, object.NewID(0xb, 1), cmd.Origin)
	assert.Equal(t, "resize 800 600", string(cmd.Payload))
	assert.Equal(t, 0, q.Len())
}

func TestLink_Garbage(t *testing.T) {
	a, _ := pair(t)
	err := a.link.Drain(context.Background(), protocol.Records{protocol.Record('M', []byte{0xff})})
	assert.Error(t, err)
	// unknown types are skipped
	assert.NoError(t, a.link.Drain(context.Background(), protocol.Records{protocol.Record('Z', nil)}))
}

func TestParseAddr(t *testing.T) {
	cases := []struct {
		in   string
		typ  ConnType
		addr string
		err  bool
	}{
		{"tcp://localhost:8080", TCP, "localhost:8080", false},
		{"tls://example.com:443", TLS, "example.com:443", false},
		{"localhost:8080", TCP, "localhost:8080", false},
		{"quic://localhost:1", 0, "", true},
	}
	for _, c := range cases {
		typ, addr, err := parseAddr(c.in)
		if c.err {
			assert.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.typ, typ, c.in)
		assert.Equal(t, c.addr, addr, c.in)
	}
}

func TestHub_OverTCP(t *testing.T) {
	ctx := context.Background()
	opts := []NetOpt{
		&ReadBatchOpt{ReadTimeLimit: 50 * time.Millisecond},
		&WriteTimeoutOpt{Timeout: time.Second},
		&TcpBufferSizeOpt{Read: 1 << 16, Write: 1 << 16},
	}
	a := NewHub(newSession(t, 0xa), queue.NewDispatcher(), nil, opts...)
	b := NewHub(newSession(t, 0xb), queue.NewDispatcher(), nil, opts...)
	defer func() {
		assert.NoError(t, b.Close())
		assert.NoError(t, a.Close())
	}()

	const listen = "tcp://127.0.0.1:0"
	require.NoError(t, a.Listen(listen))
	local, ok := a.ListenAddr(listen)
	require.True(t, ok)
	assert.ErrorIs(t, a.Listen(listen), ErrAddressDuplicated)

	m, st, id := publish(t, a.sess, "first")
	target := object.NewID(0xa, 1000)
	q := queue.NewCommandQueue(queue.Options{})
	a.disp.Bind(target, q)

	addr := "tcp://" + local.String()
	peer := ConnectName(addr)
	mirror := &text{}
	slave := object.NewSlave(mirror)
	// subscribing before the link is up maps on connect
	require.NoError(t, b.Subscribe(peer, id, slave))
	require.NoError(t, b.Connect(addr))
	assert.ErrorIs(t, b.Connect(addr), ErrAddressDuplicated)

	require.Eventually(t, func() bool {
		return read(slave, mirror) == "first"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{peer}, b.Links())

	set(t, a.sess, m, st, "second")
	require.Eventually(t, func() bool {
		return slave.Version() == 2 && read(slave, mirror) == "second"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Command(peer, target, object.NewID(0xb, 1), []byte("ping")))
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd, err := q.Pop(cctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(cmd.Payload))

	require.NoError(t, b.Unsubscribe(id))
	_, ok = b.sess.LocalVersion(id)
	assert.False(t, ok)
	assert.ErrorIs(t, b.Unsubscribe(id), ErrAddressUnknown)

	require.NoError(t, b.Disconnect(addr))
	require.Eventually(t, func() bool {
		return len(b.Links()) == 0 && len(a.Links()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, b.Disconnect(addr), ErrAddressUnknown)
}
