package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/fabric/protocol"
	"github.com/drpcorg/fabric/utils"
)

// Peer runs one connection: a read loop that cuts the byte stream into
// records and drains them into the protocol handler, and a write loop
// that feeds records from the handler onto the socket with vectored writes.
type Peer struct {
	name      string
	conn      net.Conn
	inout     protocol.FeedDrainCloserTraced
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	incoming   atomic.Int32
	writeBatch utils.AvgVal

	readTimeLimit      time.Duration
	writeTimeout       time.Duration
	bufferMaxSize      int
	bufferMinToProcess int
}

func (p *Peer) GetTraceId() string {
	return p.inout.GetTraceId()
}

func (p *Peer) Name() string {
	return p.name
}

// keepRead reads until the connection ends. Buffered bytes are split into
// records once there are bufferMinToProcess of them or the read deadline
// passes; a partial record waits for the rest unless it outgrows
// bufferMaxSize.
func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	for !p.closed.Load() && ctx.Err() == nil {
		if buf.Available() < typicalMTU {
			buf.Grow(typicalMTU)
		}
		idle := buf.AvailableBuffer()[:buf.Available()]
		_ = p.conn.SetReadDeadline(time.Now().Add(p.readTimeLimit))
		n, err := p.conn.Read(idle)
		buf.Write(idle[:n])
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof && !errors.Is(err, os.ErrDeadlineExceeded) {
			return err
		}
		p.incoming.Store(int32(buf.Len()))

		if err == nil && buf.Len() < p.bufferMinToProcess {
			continue
		}
		if buf.Len() > 0 {
			recs, serr := protocol.Split(&buf)
			switch {
			case serr == nil:
			case errors.Is(serr, protocol.ErrIncomplete):
				if buf.Len() >= p.bufferMaxSize {
					return errors.Join(serr, ErrRecordTooBig)
				}
			default:
				return serr
			}
			if len(recs) > 0 {
				if derr := p.inout.Drain(ctx, recs); derr != nil {
					return derr
				}
			}
		}
		if eof {
			return nil
		}
	}
	return nil
}

// connWriter drains outbound records into the connection.
type connWriter struct {
	peer *Peer
}

func (w connWriter) Drain(ctx context.Context, recs protocol.Records) error {
	p := w.peer
	if p.closed.Load() {
		return net.ErrClosed
	}
	p.writeBatch.Add(float64(recs.TotalLen()))
	if p.writeTimeout != 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	b := net.Buffers(recs)
	_, err := b.WriteTo(p.conn)
	return err
}

// keepWrite writes whatever the handler feeds until it runs dry for good.
func (p *Peer) keepWrite(ctx context.Context) error {
	err := protocol.Pump(ctx, p.inout, connWriter{peer: p})
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Keep runs both loops until one of them stops, then winds down the
// other. The writer closes the connection when it is done, which ends a
// pending read; a finished reader cancels the writer's feed.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	defer close(p.done)
	if p.closed.Load() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.keepRead(ctx) }()
	go func() { writeErrCh <- p.keepWrite(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErrCh:
			if errors.Is(rerr, net.ErrClosed) {
				// we closed it ourselves
				rerr = nil
			}
			cancel()
		case werr = <-writeErrCh:
			if cerr = p.conn.Close(); errors.Is(cerr, net.ErrClosed) {
				cerr = nil
			}
		}
		p.closed.Store(true)
	}
	return
}

// Close stops the connection, waits for Keep and closes the handler.
// Close must only be called on a peer whose Keep has been or will be run.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		_ = p.conn.Close()
		<-p.done
		_ = p.inout.Close()
	})
}
