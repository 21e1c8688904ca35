// Package transport carries fabric records between cluster members over
// long-lived TCP or TLS connections.
//
// Net owns the sockets: it listens, dials with backoff and keeps one Peer
// per connection. A Peer pumps bytes both ways and hands whole records to
// a protocol handler, the FeedDrainCloserTraced that the install callback
// returns for the connection. In this module that handler is a Link, which
// speaks the diff/map/command protocol on top of a session.
//
// Addresses are URLs: "tcp://host:port", "tls://host:port", or a bare
// "host:port" meaning TCP.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/fabric/protocol"
	"github.com/drpcorg/fabric/utils"
)

type ConnType = uint

const (
	TCP ConnType = iota + 1
	TLS
)

var (
	ErrAddressInvalid    = errors.New("transport: the address is invalid")
	ErrAddressDuplicated = errors.New("transport: the address is already used")
	ErrAddressUnknown    = errors.New("transport: address unknown")
	ErrRecordTooBig      = errors.New("transport: record does not fit the read buffer")
)

const (
	typicalMTU = 1500

	MaxRetryPeriod = time.Minute
	MinRetryPeriod = time.Second / 2

	DefaultReadTimeLimit = 5 * time.Second
	DefaultBufferMaxSize = 1 << 24
)

type InstallCallback func(name string) protocol.FeedDrainCloserTraced
type DestroyCallback func(name string, p protocol.Traced)

// Net keeps connections to and from other members. One slow receiver
// never holds up the others: every connection has its own read and write
// loops.
type Net struct {
	wg        sync.WaitGroup
	log       utils.Logger
	onInstall InstallCallback
	onDestroy DestroyCallback

	peers   *xsync.MapOf[string, *Peer]
	pools   *xsync.MapOf[string, context.CancelFunc]
	listens *xsync.MapOf[string, net.Listener]
	ctx     context.Context
	cancel  context.CancelFunc

	tlsConfig          *tls.Config
	readBufferTcpSize  int
	writeBufferTcpSize int
	readTimeLimit      time.Duration
	writeTimeout       time.Duration
	bufferMaxSize      int
	bufferMinToProcess int
}

type NetOpt interface {
	Apply(*Net)
}

type WriteTimeoutOpt struct {
	Timeout time.Duration
}

func (opt *WriteTimeoutOpt) Apply(n *Net) {
	n.writeTimeout = opt.Timeout
}

type TlsConfigOpt struct {
	Config *tls.Config
}

func (opt *TlsConfigOpt) Apply(n *Net) {
	n.tlsConfig = opt.Config
}

// ReadBatchOpt tunes read batching. Records are handed over once
// BufferMinToProcess bytes are buffered or ReadTimeLimit passes without
// more input; BufferMaxSize bounds a single record.
type ReadBatchOpt struct {
	ReadTimeLimit      time.Duration
	BufferMaxSize      int
	BufferMinToProcess int
}

func (opt *ReadBatchOpt) Apply(n *Net) {
	if opt.ReadTimeLimit > 0 {
		n.readTimeLimit = opt.ReadTimeLimit
	}
	if opt.BufferMaxSize > 0 {
		n.bufferMaxSize = opt.BufferMaxSize
	}
	n.bufferMinToProcess = opt.BufferMinToProcess
}

type TcpBufferSizeOpt struct {
	Read  int
	Write int
}

func (opt *TcpBufferSizeOpt) Apply(n *Net) {
	n.readBufferTcpSize = opt.Read
	n.writeBufferTcpSize = opt.Write
}

func NewNet(log utils.Logger, install InstallCallback, destroy DestroyCallback, opts ...NetOpt) *Net {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Net{
		log:           utils.OrDefault(log),
		onInstall:     install,
		onDestroy:     destroy,
		peers:         xsync.NewMapOf[string, *Peer](),
		pools:         xsync.NewMapOf[string, context.CancelFunc](),
		listens:       xsync.NewMapOf[string, net.Listener](),
		ctx:           ctx,
		cancel:        cancel,
		readTimeLimit: DefaultReadTimeLimit,
		bufferMaxSize: DefaultBufferMaxSize,
	}
	for _, o := range opts {
		o.Apply(n)
	}
	return n
}

type PeerStats struct {
	ReadBuffer int32
	WriteBatch float64
}

// Stats reports per-peer buffering, keyed by peer name.
func (n *Net) Stats() map[string]PeerStats {
	stats := make(map[string]PeerStats)
	n.peers.Range(func(name string, p *Peer) bool {
		stats[name] = PeerStats{
			ReadBuffer: p.incoming.Load(),
			WriteBatch: p.writeBatch.Val(),
		}
		return true
	})
	return stats
}

func (n *Net) Close() error {
	n.cancel()

	n.listens.Range(func(_ string, l net.Listener) bool {
		// nil while Listen is still creating it
		if l != nil {
			_ = l.Close()
		}
		return true
	})

	n.peers.Range(func(_ string, p *Peer) bool {
		p.Close()
		return true
	})

	n.wg.Wait()
	n.listens.Clear()
	n.peers.Clear()
	n.pools.Clear()
	return nil
}

func (n *Net) Connect(addr string) error {
	return n.ConnectPool(addr, []string{addr})
}

// ConnectPool keeps one connection to whichever of addrs answers first,
// redialing with exponential backoff whenever it drops. The peer is named
// "connect:" + name.
func (n *Net) ConnectPool(name string, addrs []string) error {
	ctx, cancel := context.WithCancel(n.ctx)
	if _, loaded := n.pools.LoadOrStore(name, cancel); loaded {
		cancel()
		return ErrAddressDuplicated
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.keepConnecting(ctx, name, addrs)
	}()
	return nil
}

// Disconnect stops a connection pool, or drops an accepted peer by name.
func (n *Net) Disconnect(name string) error {
	if cancel, ok := n.pools.LoadAndDelete(name); ok {
		cancel()
		if p, ok := n.peers.Load(connectName(name)); ok {
			p.Close()
		}
		return nil
	}
	if p, ok := n.peers.Load(name); ok {
		p.Close()
		return nil
	}
	return ErrAddressUnknown
}

// Listen starts accepting connections on addr. Port 0 picks a free port;
// ListenAddr tells which.
func (n *Net) Listen(addr string) error {
	// nil keeps a concurrent Listen on the same address out
	if _, loaded := n.listens.LoadOrStore(addr, nil); loaded {
		return ErrAddressDuplicated
	}

	listener, err := n.createListener(addr)
	if err != nil {
		n.listens.Delete(addr)
		return err
	}
	n.listens.Store(addr, listener)
	n.log.Info("transport: listening", "addr", addr, "local", listener.Addr().String())

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.keepListening(addr, listener)
	}()
	return nil
}

func (n *Net) ListenAddr(addr string) (net.Addr, bool) {
	l, ok := n.listens.Load(addr)
	if !ok || l == nil {
		return nil, false
	}
	return l.Addr(), true
}

func (n *Net) Unlisten(addr string) error {
	listener, ok := n.listens.LoadAndDelete(addr)
	if !ok || listener == nil {
		return ErrAddressUnknown
	}
	return listener.Close()
}

// Peers lists the names of live connections.
func (n *Net) Peers() (names []string) {
	n.peers.Range(func(name string, _ *Peer) bool {
		names = append(names, name)
		return true
	})
	return
}

func connectName(pool string) string {
	return "connect:" + pool
}

func (n *Net) keepConnecting(ctx context.Context, name string, addrs []string) {
	backoff := MinRetryPeriod
	peerName := connectName(name)
	for ctx.Err() == nil {
		var err error
		var conn net.Conn
		for _, addr := range addrs {
			if conn, err = n.createConn(ctx, addr); err == nil {
				break
			}
		}

		if err != nil {
			n.log.Warn("transport: couldn't connect", "name", name, "err", err, "retry", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			backoff = min(MaxRetryPeriod, backoff*2)
			continue
		}

		n.setTCPBuffersSize(n.log.WithDefaultArgs(ctx, "name", name), conn)
		n.log.Info("transport: connected", "name", name, "remote", conn.RemoteAddr().String())
		backoff = MinRetryPeriod
		n.keepPeer(ctx, peerName, conn)
	}
}

func (n *Net) keepListening(addr string, listener net.Listener) {
	for n.ctx.Err() == nil {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			// redialing is the client's job
			n.log.Warn("transport: couldn't accept", "addr", addr, "err", err)
			continue
		}

		remote := conn.RemoteAddr().String()
		n.log.Info("transport: accepted", "addr", addr, "remote", remote)
		n.setTCPBuffersSize(n.log.WithDefaultArgs(n.ctx, "addr", addr, "remote", remote), conn)
		name := fmt.Sprintf("listen:%s:%s", uuid.Must(uuid.NewV7()).String(), remote)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.keepPeer(n.ctx, name, conn)
		}()
	}

	if l, ok := n.listens.Load(addr); ok && l == listener {
		n.listens.Delete(addr)
	}
	n.log.Info("transport: listener closed", "addr", addr)
}

func (n *Net) setTCPBuffersSize(ctx context.Context, conn net.Conn) {
	if n.readBufferTcpSize <= 0 && n.writeBufferTcpSize <= 0 {
		return
	}
	var tconn *net.TCPConn
	switch c := conn.(type) {
	case *tls.Conn:
		nconn, ok := c.NetConn().(*net.TCPConn)
		if !ok {
			n.log.WarnCtx(ctx, "transport: unable to set buffers on this tls conn")
			return
		}
		tconn = nconn
	case *net.TCPConn:
		tconn = c
	default:
		n.log.WarnCtx(ctx, "transport: unable to set buffers on unknown conn type")
		return
	}
	if n.readBufferTcpSize > 0 {
		_ = tconn.SetReadBuffer(n.readBufferTcpSize)
	}
	if n.writeBufferTcpSize > 0 {
		_ = tconn.SetWriteBuffer(n.writeBufferTcpSize)
	}
}

// keepPeer runs one connection to completion.
func (n *Net) keepPeer(ctx context.Context, name string, conn net.Conn) {
	peer := &Peer{
		name:               name,
		conn:               conn,
		inout:              n.onInstall(name),
		done:               make(chan struct{}),
		readTimeLimit:      n.readTimeLimit,
		writeTimeout:       n.writeTimeout,
		bufferMaxSize:      n.bufferMaxSize,
		bufferMinToProcess: n.bufferMinToProcess,
	}
	n.peers.Store(name, peer)

	rerr, werr, cerr := peer.Keep(ctx)
	if rerr != nil {
		n.log.Warn("transport: read failed", "name", name, "err", rerr, "trace_id", peer.GetTraceId())
	}
	if werr != nil {
		n.log.Warn("transport: write failed", "name", name, "err", werr, "trace_id", peer.GetTraceId())
	}
	if cerr != nil {
		n.log.Warn("transport: close failed", "name", name, "err", cerr, "trace_id", peer.GetTraceId())
	}

	n.peers.Compute(name, func(old *Peer, loaded bool) (*Peer, bool) {
		return old, old == peer
	})
	peer.Close()
	if n.onDestroy != nil {
		n.onDestroy(name, peer)
	}
	n.log.Info("transport: peer gone", "name", name)
}

func (n *Net) createListener(addr string) (net.Listener, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	config := net.ListenConfig{}
	listener, err := config.Listen(n.ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if connType == TLS {
		if n.tlsConfig == nil {
			_ = listener.Close()
			return nil, fmt.Errorf("%w: tls without a tls config", ErrAddressInvalid)
		}
		listener = tls.NewListener(listener, n.tlsConfig)
	}
	return listener, nil
}

func (n *Net) createConn(ctx context.Context, addr string) (net.Conn, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	switch connType {
	case TLS:
		d := tls.Dialer{Config: n.tlsConfig}
		return d.DialContext(ctx, "tcp", address)
	default:
		d := net.Dialer{Timeout: time.Minute}
		return d.DialContext(ctx, "tcp", address)
	}
}

// parseAddr splits "scheme://host:port" into the connection type and the
// dialable address.
//
//	tcp://localhost:8080 -> TCP, localhost:8080
//	tls://example.com:443 -> TLS, example.com:443
//	localhost:8080 -> TCP, localhost:8080
func parseAddr(addr string) (ConnType, string, error) {
	if !strings.Contains(addr, "://") {
		return TCP, addr, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return TCP, "", err
	}
	var conn ConnType
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		conn = TCP
	case "tls":
		conn = TLS
	default:
		return conn, addr, ErrAddressInvalid
	}
	return conn, u.Host, nil
}
