package quic

import (
	"io"
	"net"
	"time"

	"github.com/FreeMind-LJ/quic/transport"
	"github.com/rs/xid"
)

// Conn is the application-facing handle for one QUIC connection, exposed
// to a Handler after Serve is invoked.
type Conn interface {
	RemoteAddr() net.Addr
	Stream(id uint64) *Stream
	Close(appErr uint64, reason string) error
}

// remoteConn binds a transport.Conn to the remote address and connection
// IDs the endpoint uses to route datagrams to it.
type remoteConn struct {
	addr net.Addr
	scid []byte
	conn *transport.Conn

	// traceID identifies this connection across its whole lifetime in
	// logs and metrics, independent of the connection IDs that rotate
	// under NEW_CONNECTION_ID during migration.
	traceID xid.ID

	lastActive time.Time
}

func newRemoteConn(addr net.Addr, scid []byte, tc *transport.Conn) *remoteConn {
	return &remoteConn{
		addr:       addr,
		scid:       scid,
		conn:       tc,
		traceID:    xid.New(),
		lastActive: time.Now(),
	}
}

func (c *remoteConn) RemoteAddr() net.Addr { return c.addr }

func (c *remoteConn) Stream(id uint64) *Stream {
	st, err := c.conn.StreamByIDCreate(id)
	if err != nil {
		return nil
	}
	return &Stream{s: st}
}

func (c *remoteConn) Close(appErr uint64, reason string) error {
	c.conn.Close(true, appErr, reason)
	return nil
}

// Stream is a byte-stream over a QUIC connection. Unlike
// transport.Stream, Close marks the write side finished rather than
// requiring callers to pass a fin flag on every Write, matching the
// io.ReadWriteCloser idiom used elsewhere in this module.
type Stream struct {
	s *transport.Stream
}

func (s *Stream) ID() uint64 { return s.s.ID() }

func (s *Stream) Read(p []byte) (int, error) {
	n, eof, err := s.s.Read(p)
	if err != nil {
		return n, err
	}
	if eof && n == 0 {
		return n, io.EOF
	}
	return n, nil
}

func (s *Stream) Write(p []byte) (int, error) {
	return s.s.Write(p, false)
}

// Close finishes the write side of the stream by sending a zero-length
// STREAM frame with FIN set.
func (s *Stream) Close() error {
	_, err := s.s.Write(nil, true)
	return err
}
