package transport

import (
	"crypto/rand"
	"crypto/tls"
	"time"
)

// connectionState is the coarse connection lifecycle (spec.md §3 "Connection").
type connectionState int

const (
	stateHandshake connectionState = iota
	stateActive
	stateDraining
	stateClosed
)

const defaultLocalCIDLen = 8

// maxCryptoChunk bounds how much CRYPTO data one packet carries, leaving
// room for header, AEAD tag and other frames.
const maxCryptoChunk = 1024

// Conn is one QUIC connection's transport-layer state machine, driving an
// external TLS 1.3 provider and reassembling/dispatching frames per
// spec.md §3-§4. It has no I/O of its own: Write feeds it received
// datagrams, Read drains datagrams it wants sent.
type Conn struct {
	isClient bool
	version  uint32

	scid           []byte // our original source CID (Initial/Handshake identity)
	dcid           []byte // peer CID we currently address packets to
	odcid          []byte // original destination CID (server: client's first Initial DCID)
	retrySourceCID []byte // our SCID on the Retry we sent, if any
	localCIDLen    int

	spaces  [packetSpaceCount]*packetNumberSpace
	initial initialAEAD

	streams *streamMap
	cids    *cidManager

	localParams   Parameters
	peerParams    Parameters
	peerParamsSet bool

	handshake *tlsHandshake
	recovery  *lossRecovery
	flow      connFlowControl

	state      connectionState
	closeFrame *connectionCloseFrame
	closeSent  bool

	handshakeConfirmed bool
	derivedInitial     bool

	idleTimeoutNanos int64
	lastActivity     int64
	drainUntil       int64

	maxUDPPayloadSize int

	tokens *tokenSealer
	config *Config

	// Anti-amplification (spec.md §4.7): until the client's address is
	// validated, a server limits itself to 3x the bytes it has received.
	addressValidated bool
	bytesReceived    uint64
	bytesSent        uint64

	events []Event

	logEventFn func(LogEvent)
}

// Connect creates a client-initiated connection.
func Connect(serverName string, config *Config) (*Conn, error) {
	if config == nil {
		config = DefaultConfig()
	}
	scid := randomCID(defaultLocalCIDLen)
	dcid := randomCID(defaultLocalCIDLen)
	c := newConn(config, scid, dcid, true)
	c.dcid = dcid
	c.deriveInitialKeyMaterial(dcid)
	tlsConf := config.TLSConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	} else {
		tlsConf = tlsConf.Clone()
	}
	if serverName != "" {
		tlsConf.ServerName = serverName
	}
	c.handshake = newTLSHandshake(false, tlsConf, c.localParams.Encode())
	if err := c.handshake.start(); err != nil {
		return nil, err
	}
	if err := c.doHandshake(); err != nil {
		return nil, err
	}
	return c, nil
}

// Accept creates a server-side connection for a just-received Initial
// packet. odcid is the client's original destination connection ID
// (dcid of the first Initial), used to derive Initial secrets.
func Accept(scid, odcid []byte, config *Config) (*Conn, error) {
	if config == nil {
		config = DefaultConfig()
	}
	c := newConn(config, scid, odcid, false)
	c.odcid = append([]byte(nil), odcid...)
	c.localParams.OriginalDestinationConnectionID = c.odcid
	c.deriveInitialKeyMaterial(odcid)
	c.handshake = newTLSHandshake(true, config.TLSConfig, c.localParams.Encode())
	if err := c.handshake.start(); err != nil {
		return nil, err
	}
	c.addEvent(Event{Type: EventConnAccept})
	return c, nil
}

func newConn(config *Config, scid, dcid []byte, isClient bool) *Conn {
	version := uint32(1)
	if len(config.Versions) > 0 {
		version = config.Versions[0]
	}
	localParams := config.LocalParams
	localParams.InitialSourceConnectionID = append([]byte(nil), scid...)

	c := &Conn{
		isClient:          isClient,
		version:           version,
		scid:              append([]byte(nil), scid...),
		localCIDLen:       defaultLocalCIDLen,
		localParams:       localParams,
		config:            config,
		maxUDPPayloadSize: int(localParams.MaxUDPPayloadSize),
	}
	for i := range c.spaces {
		c.spaces[i] = newPacketNumberSpace(packetSpace(i))
	}
	c.streams = newStreamMap(!isClient)
	c.cids = newCIDManager(localParams.ActiveConnectionIDLimit)
	c.flow = newConnFlowControl(0, localParams.InitialMaxData)
	c.recovery = newLossRecovery(uint64(MaxPacketSize))
	c.streams.localInitialMaxStreamDataBidiLocal = localParams.InitialMaxStreamDataBidiLocal
	c.streams.localInitialMaxStreamDataBidiRemote = localParams.InitialMaxStreamDataBidiRemote
	c.streams.localInitialMaxStreamDataUni = localParams.InitialMaxStreamDataUni
	c.streams.bumpRemoteLimit(true, localParams.InitialMaxStreamsBidi)
	c.streams.bumpRemoteLimit(false, localParams.InitialMaxStreamsUni)
	c.idleTimeoutNanos = int64(localParams.MaxIdleTimeout) * int64(time.Millisecond)
	if config.SRTokenKey != nil {
		c.tokens = newTokenSealer(config.TokenKey)
	}
	c.lastActivity = nowNanos()
	return c
}

func nowNanos() int64 { return time.Now().UnixNano() }

func randomCID(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func (c *Conn) deriveInitialKeyMaterial(dcid []byte) {
	if c.derivedInitial {
		return
	}
	c.initial.init(dcid)
	if c.isClient {
		c.spaces[packetSpaceInitial].sealer = c.initial.client
		c.spaces[packetSpaceInitial].opener = c.initial.server
	} else {
		c.spaces[packetSpaceInitial].sealer = c.initial.server
		c.spaces[packetSpaceInitial].opener = c.initial.client
	}
	c.derivedInitial = true
}

// OnLogEvent installs a structured-event sink (spec.md "qlog-style logging").
func (c *Conn) OnLogEvent(fn func(LogEvent)) { c.logEventFn = fn }

func (c *Conn) logEvent(e LogEvent) {
	if c.logEventFn != nil {
		c.logEventFn(e)
	}
}

// ---- Receive path ----

// Write processes one received UDP datagram, which may contain several
// coalesced QUIC packets.
func (c *Conn) Write(b []byte) (int, error) {
	now := nowNanos()
	total := len(b)
	c.bytesReceived += uint64(len(b))
	for len(b) > 0 {
		n, err := c.recvPacket(b, now)
		if err != nil {
			c.logEvent(newLogEvent(time.Unix(0, now), logEventPacketDropped))
			return total, err
		}
		if n <= 0 {
			break
		}
		b = b[n:]
	}
	c.lastActivity = now
	return total, nil
}

// recvPacket parses and processes a single (possibly coalesced) packet from
// the front of b, returning the number of bytes it consumed.
func (c *Conn) recvPacket(b []byte, now int64) (int, error) {
	var p packet
	p.header.dcil = uint8(c.localCIDLen)
	if _, err := p.decodeHeader(b); err != nil {
		return 0, err
	}
	switch p.typ {
	case packetTypeVersionNegotiation:
		return c.recvPacketVersionNegotiation(&p, b)
	case packetTypeRetry:
		return c.recvPacketRetry(&p, b)
	}
	if _, err := p.decodeBody(b); err != nil {
		return 0, err
	}

	space := spaceFromPacketType(p.typ)
	pnSpace := c.spaces[space]
	if !pnSpace.canDecrypt() {
		// Keys not installed yet (e.g. 0-RTT, or Handshake before we have
		// processed the peer's first flight). Skip for now; the datagram
		// may carry more coalesced packets we also cannot use yet.
		return len(b), nil
	}

	packetLen := p.headerLen + p.payloadLen
	if p.typ == packetTypeShort {
		packetLen = len(b)
	}
	if packetLen > len(b) {
		return 0, errInvalidPacket
	}
	raw := append([]byte(nil), b[:packetLen]...)

	pnOffset := p.headerLen
	sample := raw[sampleOffset(pnOffset):]
	mask := pnSpace.opener.headerProtectionMask(sample)
	longHeader := p.typ != packetTypeShort
	if longHeader {
		raw[0] ^= mask[0] & 0x0f
	} else {
		raw[0] ^= mask[0] & 0x1f
	}
	pnLen := int(raw[0]&packetNumberLenMask) + 1
	for i := 0; i < pnLen; i++ {
		raw[pnOffset+i] ^= mask[1+i]
	}
	truncated := decodeTruncatedPacketNumber(raw[pnOffset:], pnLen)
	pn := decodePacketNumber(uint64(pnSpace.largestReceived+1), truncated, pnLen)

	if pnSpace.recvPacketNeedAck.contains(pn) {
		return packetLen, nil // duplicate
	}

	aad := append([]byte(nil), raw[:pnOffset+pnLen]...)
	ciphertext := raw[pnOffset+pnLen : packetLen]
	plaintext, err := pnSpace.opener.open(nil, aad, pn, ciphertext)
	if err != nil {
		return packetLen, nil // undecryptable: drop this packet only
	}

	if !c.isClient && space == packetSpaceInitial {
		c.odcid = append([]byte(nil), p.header.dcid...)
	}
	if len(p.header.scid) > 0 {
		c.dcid = append([]byte(nil), p.header.scid...)
	}

	if err := c.recvFrames(plaintext, space, now); err != nil {
		return 0, err
	}

	pnSpace.onPacketReceived(pn, now, 0)
	if pnSpace.ackElicited {
		pnSpace.sendAckCount++
		pnSpace.ackElicited = false
	}

	c.logEvent(newLogEventPacket(time.Unix(0, now), logEventPacketReceived, &p))

	if space == packetSpaceHandshake {
		// Receiving a valid Handshake packet confirms the client's address:
		// decrypting it required keys derived from the server's first
		// flight, which only reaches the real client address (RFC 9000
		// §8.1). Decrypting an Initial proves nothing, since the server's
		// Initial keys are derivable by anyone from the public DCID.
		c.addressValidated = true
		c.dropPacketSpace(packetSpaceInitial)
	}
	return packetLen, nil
}

func (c *Conn) recvPacketVersionNegotiation(p *packet, b []byte) (int, error) {
	n, err := p.decodeBody(b)
	if err != nil {
		return 0, err
	}
	// Non-goal: version negotiation beyond QUIC v1 is not implemented; a
	// client receiving this simply fails the connection attempt.
	c.state = stateClosed
	return p.headerLen + n, nil
}

func (c *Conn) recvPacketRetry(p *packet, b []byte) (int, error) {
	if !c.isClient || !c.derivedInitial {
		return len(b), nil
	}
	if !verifyRetryIntegrity(b, c.dcid) {
		return len(b), errInvalidPacket
	}
	n, err := p.decodeBody(b)
	if err != nil {
		return 0, err
	}
	c.retrySourceCID = append([]byte(nil), p.header.scid...)
	c.dcid = append([]byte(nil), p.header.scid...)
	c.derivedInitial = false
	c.deriveInitialKeyMaterial(c.dcid)
	return p.headerLen + n, nil
}

// recvFrames type-switches over the frame stream in one packet's plaintext.
func (c *Conn) recvFrames(b []byte, space packetSpace, now int64) error {
	pnSpace := c.spaces[space]
	for len(b) > 0 {
		typ := b[0]
		var n int
		var err error
		switch {
		case typ == frameTypePadding:
			f := &paddingFrame{}
			n, err = f.decode(b)
		case typ == frameTypePing:
			f := &pingFrame{}
			n, err = f.decode(b)
			pnSpace.ackElicited = true
		case typ == frameTypeAck || typ == frameTypeAckECN:
			f := &ackFrame{}
			n, err = f.decode(b)
			if err == nil {
				c.recvFrameAck(f, space, now)
			}
		case typ == frameTypeResetStream:
			f := &resetStreamFrame{}
			n, err = f.decode(b)
			if err == nil {
				c.recvFrameResetStream(f)
			}
			pnSpace.ackElicited = true
		case typ == frameTypeStopSending:
			f := &stopSendingFrame{}
			n, err = f.decode(b)
			if err == nil {
				c.recvFrameStopSending(f)
			}
			pnSpace.ackElicited = true
		case typ == frameTypeCrypto:
			f := &cryptoFrame{}
			n, err = f.decode(b)
			if err == nil {
				err = c.recvFrameCrypto(f, space)
			}
			pnSpace.ackElicited = true
		case typ == frameTypeNewToken:
			f := &newTokenFrame{}
			n, err = f.decode(b)
			pnSpace.ackElicited = true
		case typ >= frameTypeStream && typ <= frameTypeStreamEnd:
			f := &streamFrame{}
			n, err = f.decode(b)
			if err == nil {
				err = c.recvFrameStream(f)
			}
			pnSpace.ackElicited = true
		case typ == frameTypeMaxData:
			f := &maxDataFrame{}
			n, err = f.decode(b)
			if err == nil {
				c.flow.send.update(f.maximumData)
			}
			pnSpace.ackElicited = true
		case typ == frameTypeMaxStreamData:
			f := &maxStreamDataFrame{}
			n, err = f.decode(b)
			if err == nil {
				if s, ok := c.streams.get(f.streamID); ok {
					s.flow.send.update(f.maximumData)
					s.notifyWritable = true
				}
			}
			pnSpace.ackElicited = true
		case typ == frameTypeMaxStreamsBidi || typ == frameTypeMaxStreamsUni:
			f := &maxStreamsFrame{}
			n, err = f.decode(b)
			if err == nil {
				c.streams.applyPeerMaxStreams(f.bidi, f.maximumStreams)
			}
			pnSpace.ackElicited = true
		case typ == frameTypeDataBlocked:
			f := &dataBlockedFrame{}
			n, err = f.decode(b)
			pnSpace.ackElicited = true
		case typ == frameTypeStreamDataBlocked:
			f := &streamDataBlockedFrame{}
			n, err = f.decode(b)
			pnSpace.ackElicited = true
		case typ == frameTypeStreamsBlockedBidi || typ == frameTypeStreamsBlockedUni:
			f := &streamsBlockedFrame{}
			n, err = f.decode(b)
			pnSpace.ackElicited = true
		case typ == frameTypeNewConnectionID:
			f := &newConnectionIDFrame{}
			n, err = f.decode(b)
			if err == nil {
				err = c.recvFrameNewConnectionID(f)
			}
			pnSpace.ackElicited = true
		case typ == frameTypeRetireConnectionID:
			f := &retireConnectionIDFrame{}
			n, err = f.decode(b)
			if err == nil {
				c.recvFrameRetireConnectionID(f)
			}
			pnSpace.ackElicited = true
		case typ == frameTypePathChallenge:
			f := &pathChallengeFrame{}
			n, err = f.decode(b)
			if err == nil {
				c.spaces[packetSpaceApplication].pendingFrames = append(c.spaces[packetSpaceApplication].pendingFrames, newPathResponseFrame(f.data))
			}
			pnSpace.ackElicited = true
		case typ == frameTypePathResponse:
			f := &pathResponseFrame{}
			n, err = f.decode(b)
			pnSpace.ackElicited = true
		case typ == frameTypeConnectionClose || typ == frameTypeApplicationClose:
			f := &connectionCloseFrame{}
			n, err = f.decode(b)
			if err == nil {
				c.setDraining(now)
			}
		case typ == frameTypeHanshakeDone:
			f := &handshakeDoneFrame{}
			n, err = f.decode(b)
			if err == nil && !c.isClient {
				err = newError(ProtocolViolation, "handshake_done from client")
			}
			c.handshakeConfirmed = true
			pnSpace.ackElicited = true
		default:
			return newError(FrameEncodingError, "unknown frame type")
		}
		if err != nil {
			return err
		}
		if n <= 0 {
			return newError(FrameEncodingError, "zero-length frame decode")
		}
		b = b[n:]
	}
	return nil
}

func (c *Conn) recvFrameAck(f *ackFrame, space packetSpace, now int64) {
	pnSpace := c.spaces[space]
	acked, lost := c.recovery.onAckReceived(pnSpace, f, now, c.handshakeConfirmed)
	c.processAckedPackets(acked, space)
	c.retransmitLost(lost, space)
	if space == packetSpaceApplication {
		c.handshakeConfirmed = true
	}
}

// processAckedPackets walks the frames of each newly-acked outgoing packet
// and retires their send-side bookkeeping (spec.md §4.6). An acked ACK
// frame also tells us the peer durably has our report of its packets up to
// largestAck, so that coverage can be forgotten from recvPacketNeedAck.
func (c *Conn) processAckedPackets(acked []outgoingPacket, space packetSpace) {
	pnSpace := c.spaces[space]
	for _, op := range acked {
		for _, f := range op.frames {
			switch fr := f.(type) {
			case *cryptoFrame:
				pnSpace.cryptoSend.ack(fr.offset, uint64(len(fr.data)))
			case *streamFrame:
				if s, ok := c.streams.get(fr.streamID); ok {
					s.send.ack(fr.offset, uint64(len(fr.data)))
					if s.isFullyClosed() {
						c.addEvent(Event{Type: EventStreamComplete, StreamID: fr.streamID})
						c.streams.remove(fr.streamID)
					}
				}
			case *ackFrame:
				pnSpace.recvPacketNeedAck.removeUntil(fr.largestAck)
			}
		}
	}
}

// retransmitLost re-queues the contents of packets loss recovery has
// declared lost (spec.md §4.6): CRYPTO and STREAM bytes are resent at their
// original offsets via the owning send buffer's retransmit queue; frames
// that carry current state (MAX_DATA, MAX_STREAM_DATA, MAX_STREAMS) are
// regenerated from the connection's live values rather than replayed as a
// stale snapshot; connection-management frames are simply re-queued.
func (c *Conn) retransmitLost(lost []outgoingPacket, space packetSpace) {
	pnSpace := c.spaces[space]
	for _, op := range lost {
		for _, f := range op.frames {
			switch fr := f.(type) {
			case *cryptoFrame:
				_ = pnSpace.cryptoSend.push(fr.data, fr.offset, false)
			case *streamFrame:
				if s, ok := c.streams.get(fr.streamID); ok {
					_ = s.send.push(fr.data, fr.offset, fr.fin)
				}
			case *maxDataFrame:
				pnSpace.pendingFrames = append(pnSpace.pendingFrames, newMaxDataFrame(c.flow.recvMaxData))
			case *maxStreamDataFrame:
				if s, ok := c.streams.get(fr.streamID); ok {
					pnSpace.pendingFrames = append(pnSpace.pendingFrames, newMaxStreamDataFrame(fr.streamID, s.flow.recv.max))
				}
			case *maxStreamsFrame:
				max := c.streams.limits.maxRemoteUni
				if fr.bidi {
					max = c.streams.limits.maxRemoteBidi
				}
				pnSpace.pendingFrames = append(pnSpace.pendingFrames, newMaxStreamsFrame(max, fr.bidi))
			case *newConnectionIDFrame, *retireConnectionIDFrame, *handshakeDoneFrame, *pathResponseFrame:
				pnSpace.pendingFrames = append(pnSpace.pendingFrames, f)
			}
		}
	}
}

func (c *Conn) recvFrameResetStream(f *resetStreamFrame) {
	s, err := c.streams.getOrCreate(f.streamID)
	if err != nil || s == nil {
		return
	}
	s.onResetStream(f.errorCode, f.finalSize)
	c.addEvent(Event{Type: EventStreamReset, StreamID: f.streamID})
}

func (c *Conn) recvFrameStopSending(f *stopSendingFrame) {
	s, err := c.streams.getOrCreate(f.streamID)
	if err != nil || s == nil {
		return
	}
	s.onStopSending(f.errorCode)
	c.addEvent(Event{Type: EventStreamStopSending, StreamID: f.streamID})
}

func (c *Conn) recvFrameCrypto(f *cryptoFrame, space packetSpace) error {
	pnSpace := c.spaces[space]
	if err := pnSpace.cryptoRecv.push(f.data, f.offset, false); err != nil {
		return err
	}
	data := pnSpace.cryptoRecv.popAll()
	if len(data) == 0 {
		return nil
	}
	return c.advanceHandshake(space, data)
}

func (c *Conn) recvFrameStream(f *streamFrame) error {
	s, err := c.streams.getOrCreate(f.streamID)
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	if err := s.onReceiveFrame(f.data, f.offset, f.fin); err != nil {
		return err
	}
	newMax, should := c.flow.onBytesReceived(uint64(len(f.data)))
	if should {
		c.spaces[packetSpaceApplication].pendingFrames = append(c.spaces[packetSpaceApplication].pendingFrames, newMaxDataFrame(newMax))
	}
	c.addEvent(Event{Type: EventStream, StreamID: f.streamID})
	return nil
}

func (c *Conn) recvFrameNewConnectionID(f *newConnectionIDFrame) error {
	if err := c.cids.addPeerCID(f.seqNum, f.retirePriorTo, f.connID, f.resetToken); err != nil {
		return err
	}
	for _, retired := range c.cids.applyRetirement() {
		c.spaces[packetSpaceApplication].pendingFrames = append(c.spaces[packetSpaceApplication].pendingFrames, newRetireConnectionIDFrame(retired.seqNum))
	}
	return nil
}

func (c *Conn) recvFrameRetireConnectionID(f *retireConnectionIDFrame) {
	if _, ok := c.cids.retireLocalCID(f.seqNum); ok {
		cid := randomCID(c.localCIDLen)
		entry := c.cids.issueLocalCID(cid, c.config.SRTokenKey)
		c.spaces[packetSpaceApplication].pendingFrames = append(c.spaces[packetSpaceApplication].pendingFrames,
			newNewConnectionIDFrame(entry.seqNum, 0, entry.cid, entry.resetToken))
	}
}

// advanceHandshake feeds newly available CRYPTO bytes into the TLS state
// machine and applies whatever it produces (spec.md §6 state-object model).
func (c *Conn) advanceHandshake(space packetSpace, data []byte) error {
	result, err := c.handshake.provideData(space, data)
	if err != nil {
		return err
	}
	c.applyHandshakeOutputs()
	switch result {
	case handshakeFailed:
		return c.handshake.alert
	case handshakeDone:
		if c.state == stateHandshake {
			if err := c.completeHandshake(); err != nil {
				return err
			}
		}
	}
	return nil
}

// doHandshake is the outer driver used right after Connect/Accept to push
// the initial flight of CRYPTO data into the send buffers.
func (c *Conn) doHandshake() error {
	c.applyHandshakeOutputs()
	return nil
}

func (c *Conn) applyHandshakeOutputs() {
	for _, secret := range c.handshake.popSecrets() {
		prot := initProtection(secret.cipher, secret.secret)
		if secret.read {
			c.spaces[secret.level].opener = prot
		} else {
			c.spaces[secret.level].sealer = prot
		}
	}
	for _, space := range []packetSpace{packetSpaceInitial, packetSpaceHandshake, packetSpaceApplication} {
		data := c.handshake.popCryptoData(space)
		if len(data) > 0 {
			c.spaces[space].cryptoSend.write(data)
		}
	}
}

func (c *Conn) completeHandshake() error {
	if c.handshake.peerParams != nil && !c.peerParamsSet {
		p, err := DecodeParameters(c.handshake.peerParams)
		if err != nil {
			return err
		}
		if err := c.validatePeerTransportParams(&p); err != nil {
			return err
		}
		c.peerParams = p
		c.peerParamsSet = true
		c.flow.send = newFlowController(p.InitialMaxData)
		c.streams.peerInitialMaxStreamDataBidiLocal = p.InitialMaxStreamDataBidiLocal
		c.streams.peerInitialMaxStreamDataBidiRemote = p.InitialMaxStreamDataBidiRemote
		c.streams.peerInitialMaxStreamDataUni = p.InitialMaxStreamDataUni
		c.streams.applyPeerMaxStreams(true, p.InitialMaxStreamsBidi)
		c.streams.applyPeerMaxStreams(false, p.InitialMaxStreamsUni)
		c.recovery.maxAckDelay = int64(p.MaxAckDelay) * int64(time.Millisecond)
	}
	c.state = stateActive
	c.addEvent(Event{Type: EventConnHandshakeDone})
	if !c.isClient {
		c.spaces[packetSpaceApplication].pendingFrames = append(c.spaces[packetSpaceApplication].pendingFrames, &handshakeDoneFrame{})
		c.handshakeConfirmed = true
		c.dropPacketSpace(packetSpaceHandshake)
		c.issueInitialLocalCIDs()
	}
	return nil
}

// validatePeerTransportParams checks the CID-authentication parameters the
// peer echoed back against what this endpoint actually sent, per RFC 9000
// §7.3: the original_destination_connection_id, initial_source_connection_id
// and (if a Retry occurred) retry_source_connection_id must match exactly,
// or the handshake is an attacker-in-the-middle and must be rejected.
func (c *Conn) validatePeerTransportParams(p *Parameters) error {
	if c.isClient {
		if string(p.OriginalDestinationConnectionID) != string(c.odcid) {
			return newError(TransportParameterError, "original_destination_connection_id mismatch")
		}
		if c.retrySourceCID != nil && string(p.RetrySourceConnectionID) != string(c.retrySourceCID) {
			return newError(TransportParameterError, "retry_source_connection_id mismatch")
		}
	}
	if string(p.InitialSourceConnectionID) != string(c.dcid) {
		return newError(TransportParameterError, "initial_source_connection_id mismatch")
	}
	return nil
}

func (c *Conn) issueInitialLocalCIDs() {
	n := int(c.localParams.ActiveConnectionIDLimit)
	for i := 1; i < n; i++ {
		cid := randomCID(c.localCIDLen)
		entry := c.cids.issueLocalCID(cid, c.config.SRTokenKey)
		c.spaces[packetSpaceApplication].pendingFrames = append(c.spaces[packetSpaceApplication].pendingFrames,
			newNewConnectionIDFrame(entry.seqNum, 0, entry.cid, entry.resetToken))
	}
}

func (c *Conn) dropPacketSpace(space packetSpace) {
	c.spaces[space].drop()
	c.recovery.dropUnacked(c.spaces[space])
}

func (c *Conn) setDraining(now int64) {
	if c.state == stateDraining || c.state == stateClosed {
		return
	}
	c.state = stateDraining
	// Drain for 3*PTO, per RFC 9000 §10.2.
	pto := c.recovery.probeTimeout(packetSpaceApplication, c.handshakeConfirmed)
	c.drainUntil = now + 3*pto
	c.addEvent(Event{Type: EventConnClose})
}

func (c *Conn) addEvent(e Event) { c.events = append(c.events, e) }

// ---- Send path ----

// Read fills b with the next datagram this connection wants to send, or
// returns (0, nil) if there is nothing to send right now.
func (c *Conn) Read(b []byte) (int, error) {
	now := nowNanos()
	if c.state == stateDraining || c.state == stateClosed {
		return 0, nil
	}
	space := c.writeSpace(now)
	if space < 0 {
		return 0, nil
	}
	return c.send(b, packetSpace(space), now)
}

// writeSpace picks the earliest packet-number space with both the keys to
// encrypt and something worth sending, mirroring the teacher's
// coalescing-order preference (Initial, then Handshake, then Application).
func (c *Conn) writeSpace(now int64) int {
	if c.closeFrame != nil && !c.closeSent {
		for s := packetSpaceInitial; s <= packetSpaceApplication; s++ {
			if c.spaces[s].canEncrypt() {
				return int(s)
			}
		}
		return -1
	}
	for s := packetSpaceInitial; s <= packetSpaceApplication; s++ {
		sp := c.spaces[s]
		if !sp.canEncrypt() {
			continue
		}
		if sp.ready(now, c.recovery.maxAckDelay) {
			return int(s)
		}
		if s == packetSpaceApplication && c.streams.hasFlushable() {
			return int(s)
		}
	}
	return -1
}

// ackDelay reports how long this space has been holding a not-yet-sent ACK,
// encoded as the wire's ack_delay field: microseconds right-shifted by the
// negotiated ack_delay_exponent (RFC 9000 §13.2.5). Initial/Handshake ACKs
// are never delayed, so they always report zero.
func (c *Conn) ackDelay(sp *packetNumberSpace, now int64) uint64 {
	if sp.space != packetSpaceApplication || !sp.pendingAck {
		return 0
	}
	elapsed := now - sp.ackDelayStart
	if elapsed <= 0 {
		return 0
	}
	return uint64(elapsed/1000) >> c.localParams.AckDelayExponent
}

func (c *Conn) maxPacketSize() int {
	if c.maxUDPPayloadSize > 0 && c.maxUDPPayloadSize < MaxPacketSize {
		return c.maxUDPPayloadSize
	}
	return MaxPacketSize
}

// send builds and protects one packet for space into b.
func (c *Conn) send(b []byte, space packetSpace, now int64) (int, error) {
	pnSpace := c.spaces[space]
	if !pnSpace.canEncrypt() {
		return 0, nil
	}
	if !c.addressValidated && !c.isClient {
		if c.bytesSent >= 3*c.bytesReceived {
			return 0, nil
		}
	}

	pn := pnSpace.nextPacketNumber
	var p packet
	p.typ = packetTypeFromSpace(space)
	p.header.version = c.version
	p.header.dcid = c.dcid
	p.header.scid = c.scid
	p.token = nil
	p.packetNumber = uint64(pn)
	p.largestAckForEncode = pnSpace.largestAcked

	frames := c.sendFrames(space, now)
	if len(frames) == 0 {
		return 0, nil
	}

	maxSize := c.maxPacketSize()
	headerLen := p.encodedLen()
	const overhead = 16 // AEAD tag
	payloadBudget := maxSize - headerLen - overhead
	if payloadBudget < 0 {
		payloadBudget = 0
	}

	payload := make([]byte, 0, payloadBudget)
	for _, f := range frames {
		n := f.encodedLen()
		if n > cap(payload)-len(payload) {
			break
		}
		buf := make([]byte, n)
		if _, err := f.encode(buf); err != nil {
			return 0, err
		}
		payload = append(payload, buf...)
	}
	if space == packetSpaceInitial && c.isClient && len(payload)+headerLen+overhead < MinInitialPacketSize {
		pad := MinInitialPacketSize - (len(payload) + headerLen + overhead)
		payload = append(payload, make([]byte, pad)...)
	}

	pnLen := choosePacketNumberLen(p.packetNumber, p.largestAckForEncode)
	p.payloadLen = pnLen + len(payload) + overhead

	hdrBuf := make([]byte, headerLen+4)
	hn, err := p.encode(hdrBuf)
	if err != nil {
		return 0, err
	}
	pnOffset := hn - pnLen

	aad := append([]byte(nil), hdrBuf[:hn]...)
	sealed := pnSpace.sealer.seal(nil, aad, uint64(pn), payload)

	out := append([]byte(nil), hdrBuf[:hn]...)
	out = append(out, sealed...)

	sample := out[sampleOffset(pnOffset):]
	mask := pnSpace.sealer.headerProtectionMask(sample)
	longHeader := p.typ != packetTypeShort
	applyHeaderProtection(out, pnOffset, pnLen, mask, longHeader)

	n := copy(b, out)

	ackEliciting := false
	includesCrypto := false
	for _, f := range frames {
		switch f.(type) {
		case *paddingFrame, *ackFrame:
		default:
			ackEliciting = true
		}
		if _, ok := f.(*cryptoFrame); ok {
			includesCrypto = true
		}
	}
	op := outgoingPacket{packetNumber: pn, sentBytes: n, timeSent: now, ackEliciting: ackEliciting, inFlight: ackEliciting, includesCrypto: includesCrypto, frames: frames}
	pnSpace.onPacketSent(op)
	if ackEliciting {
		c.recovery.congestion.onPacketSentBytes(uint64(n))
	}
	c.bytesSent += uint64(n)
	c.logEvent(newLogEventPacket(time.Unix(0, now), logEventPacketSent, &p))
	return n, nil
}

// sendFrames assembles the frame list for one packet in space, draining
// overflow/regular ACKs, CRYPTO data, and (Application only) control and
// STREAM frames.
func (c *Conn) sendFrames(space packetSpace, now int64) []frame {
	pnSpace := c.spaces[space]
	var frames []frame

	if c.closeFrame != nil {
		frames = append(frames, c.closeFrame)
		c.closeSent = true
		c.setDraining(now)
		return frames
	}

	if f := pnSpace.popOverflowAck(); f != nil {
		frames = append(frames, f)
	}
	if pnSpace.pendingAck {
		if f := pnSpace.buildAck(c.ackDelay(pnSpace, now)); f != nil {
			frames = append(frames, f)
		}
	}

	if data, offset, _ := pnSpace.cryptoSend.popSend(maxCryptoChunk); len(data) > 0 {
		frames = append(frames, newCryptoFrame(data, offset))
	}

	if space != packetSpaceApplication {
		return frames
	}

	if len(pnSpace.pendingFrames) > 0 {
		frames = append(frames, pnSpace.pendingFrames...)
		pnSpace.pendingFrames = nil
	}

	for _, id := range c.streams.order {
		s := c.streams.streams[id]
		if s.send.hasPending() {
			data, offset, fin := s.send.popSend(1200)
			if len(data) > 0 || fin {
				frames = append(frames, newStreamFrame(id, data, offset, fin))
			}
		}
		if s.notifyReadable {
			newMax := s.recvMaxStreamData()
			if newMax > s.flow.recv.max {
				s.flow.recv.max = newMax
				frames = append(frames, newMaxStreamDataFrame(id, newMax))
			}
		}
	}

	return frames
}

// ---- Timers ----

// OnTimeout runs whatever retransmission or state transition is due right
// now. Callers schedule it for the duration returned by Timeout.
func (c *Conn) OnTimeout() {
	c.checkTimeout(nowNanos())
}

// Timeout reports how long the caller may wait before calling checkTimeout
// again without missing loss-detection or idle-timeout work.
func (c *Conn) Timeout() time.Duration {
	now := nowNanos()
	if c.state == stateDraining {
		return time.Duration(c.drainUntil - now)
	}
	deadline := c.lastActivity + c.idleTimeoutNanos
	for s := packetSpaceInitial; s <= packetSpaceApplication; s++ {
		sp := c.spaces[s]
		if oldest, ok := sp.oldestInFlight(); ok {
			pto := oldest.timeSent + c.recovery.probeTimeout(s, c.handshakeConfirmed)
			if pto < deadline {
				deadline = pto
			}
		}
		if sp.pendingAck && sp.space == packetSpaceApplication && c.recovery.maxAckDelay > 0 {
			due := sp.ackDelayStart + c.recovery.maxAckDelay
			if due < deadline {
				deadline = due
			}
		}
	}
	if deadline < now {
		return 0
	}
	return time.Duration(deadline - now)
}

// checkTimeout fires whichever timer has elapsed: idle timeout closes the
// connection; loss-detection timeout arms a PTO probe.
func (c *Conn) checkTimeout(now int64) {
	if c.state == stateDraining {
		if now >= c.drainUntil {
			c.state = stateClosed
		}
		return
	}
	if now-c.lastActivity >= c.idleTimeoutNanos {
		c.state = stateClosed
		c.addEvent(Event{Type: EventConnClose})
		return
	}
	for s := packetSpaceInitial; s <= packetSpaceApplication; s++ {
		sp := c.spaces[s]
		oldest, ok := sp.oldestInFlight()
		if !ok {
			continue
		}
		armed := oldest.timeSent + c.recovery.probeTimeout(s, c.handshakeConfirmed)
		if now >= armed {
			lost := c.recovery.onLossDetectionTimeout(sp)
			sp.pendingFrames = append(sp.pendingFrames, lost...)
		}
	}
}

// Close begins an immediate close (spec.md §4.9): queues a CONNECTION_CLOSE
// to be sent and transitions toward draining once it goes out.
func (c *Conn) Close(app bool, errCode uint64, reason string) {
	if c.closeFrame != nil {
		return
	}
	c.closeFrame = newConnectionCloseFrame(errCode, 0, []byte(reason), app)
}

func (c *Conn) IsEstablished() bool { return c.state == stateActive }
func (c *Conn) IsClosed() bool      { return c.state == stateClosed }

// MarkAddressValidated lifts the anti-amplification limit ahead of any
// Handshake-level packet, for a server that accepted this connection on
// the strength of a validated Retry or NEW_TOKEN token (RFC 9000 §8.1).
func (c *Conn) MarkAddressValidated() { c.addressValidated = true }

// Events drains and returns pending notifications, appending to events if
// given a non-nil slice to reuse its backing array.
func (c *Conn) Events(events []Event) []Event {
	events = append(events, c.events...)
	c.events = c.events[:0]
	return events
}

// ---- Stream API ----

// Stream is the application-facing handle for one QUIC stream.
type Stream struct {
	id   uint64
	conn *Conn
}

// OpenStream creates a new locally-initiated stream.
func (c *Conn) OpenStream(bidi bool) (*Stream, error) {
	s, err := c.streams.open(bidi)
	if err != nil {
		return nil, err
	}
	return &Stream{id: s.id, conn: c}, nil
}

// StreamByID looks up an existing stream by ID.
func (c *Conn) StreamByID(id uint64) (*Stream, error) {
	if _, ok := c.streams.get(id); !ok {
		return nil, newError(StreamStateError, "unknown stream")
	}
	return &Stream{id: id, conn: c}, nil
}

// StreamByIDCreate returns the stream for id, creating it (and any
// lower-numbered streams of the same class) if it does not exist yet. Only
// peer-initiated streams are created here; a locally-initiated id that has
// not been opened with OpenStream returns an error.
func (c *Conn) StreamByIDCreate(id uint64) (*Stream, error) {
	if _, err := c.streams.getOrCreate(id); err != nil {
		return nil, err
	}
	return &Stream{id: id, conn: c}, nil
}

// OpenStreamCount returns the number of streams currently tracked by the
// connection, for observability.
func (c *Conn) OpenStreamCount() int {
	return len(c.streams.streams)
}

func (s *Stream) ID() uint64 { return s.id }

func (s *Stream) Read(p []byte) (int, bool, error) {
	st, ok := s.conn.streams.get(s.id)
	if !ok {
		return 0, true, newError(StreamStateError, "stream closed")
	}
	if st.readError != nil {
		return 0, true, st.readError
	}
	n, eof := st.read(p)
	return n, eof, nil
}

func (s *Stream) Write(p []byte, fin bool) (int, error) {
	st, ok := s.conn.streams.get(s.id)
	if !ok {
		return 0, newError(StreamStateError, "stream closed")
	}
	if st.writeError != nil {
		return 0, st.writeError
	}
	return st.write(p, fin), nil
}
