package quic

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/FreeMind-LJ/quic/transport"
)

const localCIDLen = 8

// endpoint is the shared core of Server and Client: one UDP socket, a
// connection table keyed by the locally-issued connection ID, and the
// single goroutine that pumps datagrams in both directions.
type endpoint struct {
	mu     sync.Mutex
	conns  map[string]*remoteConn // key: hex(local scid)
	socket *net.UDPConn
	config *Config

	handler Handler
	log     logger
	stats   endpointStats

	isServer bool
	closeCh  chan struct{}
	wg       sync.WaitGroup
}

func newEndpoint(config *Config, isServer bool) *endpoint {
	if config == nil {
		config = NewConfig()
	}
	return &endpoint{
		conns:    make(map[string]*remoteConn),
		config:   config,
		isServer: isServer,
		closeCh:  make(chan struct{}),
	}
}

func (e *endpoint) listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	socket, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	if err := tuneSocket(socket, e.config); err != nil {
		e.log.log(levelError, "socket tuning failed: %v", err)
	}
	e.socket = socket
	e.wg.Add(2)
	go e.recvLoop()
	go e.timeoutLoop()
	return nil
}

func (e *endpoint) close() error {
	select {
	case <-e.closeCh:
		return nil
	default:
		close(e.closeCh)
	}
	var err error
	if e.socket != nil {
		err = e.socket.Close()
	}
	e.wg.Wait()
	return err
}

func (e *endpoint) recvLoop() {
	defer e.wg.Done()
	buf := make([]byte, transport.MaxPacketSize)
	for {
		n, addr, err := e.socket.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.closeCh:
				return
			default:
				e.log.log(levelError, "read failed: %v", err)
				return
			}
		}
		e.stats.addRecv(n)
		e.handleDatagram(buf[:n], addr)
	}
}

func (e *endpoint) timeoutLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
			e.checkTimeouts()
		}
	}
}

func (e *endpoint) checkTimeouts() {
	e.mu.Lock()
	due := make([]*remoteConn, 0)
	for _, rc := range e.conns {
		if rc.conn.Timeout() <= 0 {
			due = append(due, rc)
		}
	}
	e.mu.Unlock()
	for _, rc := range due {
		rc.conn.OnTimeout()
		e.flush(rc)
		if rc.conn.IsClosed() {
			e.removeConn(rc)
		}
	}
}

func (e *endpoint) handleDatagram(data []byte, addr *net.UDPAddr) {
	dcid, scid, isLongHeader, err := transport.PeekConnectionIDs(data, localCIDLen)
	if err != nil {
		e.stats.addDropped()
		return
	}
	if rc := e.lookupConn(dcid); rc != nil {
		e.deliverTo(rc, data)
		return
	}
	if !e.isServer {
		// A Client never accepts inbound connections; a datagram for an
		// unrecognized CID is dropped (no stateless-reset check is made).
		e.stats.addDropped()
		return
	}
	if !isLongHeader {
		e.stats.addDropped()
		return
	}
	if !transport.IsInitialPacket(data) {
		e.stats.addDropped()
		return
	}
	e.acceptNew(data, dcid, scid, addr)
}

func (e *endpoint) lookupConn(dcid []byte) *remoteConn {
	e.mu.Lock()
	rc := e.conns[hex.EncodeToString(dcid)]
	e.mu.Unlock()
	return rc
}

func (e *endpoint) addConn(rc *remoteConn) {
	e.mu.Lock()
	e.conns[hex.EncodeToString(rc.scid)] = rc
	e.mu.Unlock()
}

func (e *endpoint) removeConn(rc *remoteConn) {
	e.mu.Lock()
	delete(e.conns, hex.EncodeToString(rc.scid))
	e.mu.Unlock()
}

// acceptNew handles a datagram whose destination CID is unknown and
// whose leading packet is an Initial. An unsupported version gets a Version
// Negotiation packet. When the endpoint requires address validation, an
// Initial without a token gets a Retry and one whose token is invalid or not
// a Retry token is dropped. Otherwise a new connection is created, unless
// MaxConnsPerAddr connections from addr already exist.
func (e *endpoint) acceptNew(data []byte, odcid, clientSCID []byte, addr *net.UDPAddr) {
	version := transport.PeekVersion(data)
	if version != 0 && !e.supportsVersion(version) {
		pkt, err := transport.NegotiateVersion(clientSCID, randomLocalCID(), e.config.Transport.Versions)
		if err == nil {
			e.sendRaw(pkt, addr)
		}
		return
	}
	if e.config.Transport.Retry {
		token, hasToken := extractToken(data)
		if !hasToken {
			retrySCID := randomLocalCID()
			retryToken, err := transport.NewRetryToken(e.config.Transport.TokenKey, addr.IP, time.Now())
			if err != nil {
				e.log.log(levelError, "retry token seal failed: %v", err)
				return
			}
			// Retry's header DCID echoes the client's Initial SCID; its
			// header SCID is the new CID the client must use as DCID when
			// it resends the Initial with this token.
			pkt, err := transport.BuildRetry(version, clientSCID, retrySCID, odcid, retryToken)
			if err != nil {
				e.log.log(levelError, "retry build failed: %v", err)
				return
			}
			e.sendRaw(pkt, addr)
			return
		}
		isRetry, ok := transport.ValidateToken(e.config.Transport.TokenKey, token, addr.IP, time.Now())
		if !ok || !isRetry {
			e.stats.addDropped()
			return
		}
	}

	validatedByToken := false
	if e.config.Transport.Retry {
		_, hasToken := extractToken(data)
		validatedByToken = hasToken
	}

	if limit := e.config.MaxConnsPerAddr; limit > 0 {
		n := 0
		e.mu.Lock()
		for _, rc := range e.conns {
			if rc.addr.String() == addr.String() {
				n++
			}
		}
		e.mu.Unlock()
		if n >= limit {
			e.stats.addDropped()
			return
		}
	}

	scid := randomLocalCID()
	tc, err := transport.Accept(scid, odcid, e.config.transportConfig())
	if err != nil {
		e.log.log(levelError, "accept failed: %v", err)
		return
	}
	if validatedByToken {
		tc.MarkAddressValidated()
	}
	rc := newRemoteConn(addr, scid, tc)
	e.addConn(rc)
	e.log.attachLogger(rc)
	e.stats.addAccepted()
	e.deliverTo(rc, data)
}

func (e *endpoint) supportsVersion(v uint32) bool {
	for _, sv := range e.config.Transport.Versions {
		if sv == v {
			return true
		}
	}
	return false
}

func (e *endpoint) deliverTo(rc *remoteConn, data []byte) {
	if _, err := rc.conn.Write(data); err != nil {
		e.log.log(levelDebug, "conn %x: %v", rc.scid, err)
	}
	rc.lastActive = time.Now()
	e.flush(rc)
	events := rc.conn.Events(nil)
	if len(events) > 0 && e.handler != nil {
		e.handler.Serve(rc, events)
		e.flush(rc)
	}
	if rc.conn.IsClosed() {
		e.log.detachLogger(rc)
		e.removeConn(rc)
	}
}

// flush drains every pending outgoing packet queued by rc.conn and writes
// it to the socket, looping until Read reports nothing left to send.
func (e *endpoint) flush(rc *remoteConn) {
	buf := make([]byte, transport.MaxPacketSize)
	for {
		n, err := rc.conn.Read(buf)
		if err != nil || n == 0 {
			return
		}
		e.sendRaw(buf[:n], rc.addr.(*net.UDPAddr))
		e.stats.addSent(n)
	}
}

func (e *endpoint) sendRaw(b []byte, addr *net.UDPAddr) {
	if _, err := e.socket.WriteToUDP(b, addr); err != nil {
		e.log.log(levelError, "write failed: %v", err)
	}
}

func randomLocalCID() []byte {
	b := make([]byte, localCIDLen)
	_, _ = rand.Read(b)
	return b
}

// extractToken peeks the token carried by a long-header Initial packet
// without fully decoding it, by locating the varint-length-prefixed token
// field that follows the connection IDs.
func extractToken(data []byte) ([]byte, bool) {
	if len(data) < 6 {
		return nil, false
	}
	pos := 5 // first byte + 4-byte version
	if pos >= len(data) {
		return nil, false
	}
	dcil := int(data[pos])
	pos++
	pos += dcil
	if pos >= len(data) {
		return nil, false
	}
	scil := int(data[pos])
	pos++
	pos += scil
	if pos >= len(data) {
		return nil, false
	}
	length, n := decodeVarintLen(data[pos:])
	if n == 0 {
		return nil, false
	}
	pos += n
	if length == 0 || pos+int(length) > len(data) {
		return nil, false
	}
	return data[pos : pos+int(length)], true
}

// decodeVarintLen decodes a QUIC variable-length integer, returning its
// value and encoded length (0 if b is too short).
func decodeVarintLen(b []byte) (uint64, int) {
	if len(b) == 0 {
		return 0, 0
	}
	prefix := b[0] >> 6
	length := 1 << prefix
	if len(b) < length {
		return 0, 0
	}
	v := uint64(b[0] & 0x3f)
	for i := 1; i < length; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v, length
}

// Server accepts inbound QUIC connections on a single UDP socket.
type Server struct {
	ep *endpoint
}

// NewServer creates a Server using config, which must carry TLS
// certificates for the handshake.
func NewServer(config *Config) *Server {
	return &Server{ep: newEndpoint(config, true)}
}

func (s *Server) SetHandler(h Handler) { s.ep.handler = h }

// ListenAndServe binds addr and begins accepting connections.
func (s *Server) ListenAndServe(addr string) error {
	if s.ep.config.TLS == nil || len(s.ep.config.TLS.Certificates) == 0 {
		return errors.New("quic: server requires TLS certificates")
	}
	return s.ep.listen(addr)
}

func (s *Server) Close() error { return s.ep.close() }

// SetLogger attaches a per-transaction event log at the given verbosity.
func (s *Server) SetLogger(level int, w io.Writer) {
	s.ep.log.level = logLevel(level)
	s.ep.log.setWriter(w)
}

// Metrics returns a prometheus.Collector exposing this server's counters.
func (s *Server) Metrics() *metricsCollector {
	return newMetricsCollector(s.ep, "quic_server")
}
