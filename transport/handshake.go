package transport

import (
	"crypto/tls"
)

// tlsLevel mirrors crypto/tls.QUICEncryptionLevel but stays in our own
// packetSpace numbering everywhere else in the package; this is the one
// place the two are translated.
func tlsLevelToSpace(level tls.QUICEncryptionLevel) packetSpace {
	switch level {
	case tls.QUICEncryptionLevelInitial:
		return packetSpaceInitial
	case tls.QUICEncryptionLevelHandshake:
		return packetSpaceHandshake
	default:
		return packetSpaceApplication
	}
}

func spaceToTLSLevel(space packetSpace) tls.QUICEncryptionLevel {
	switch space {
	case packetSpaceInitial:
		return tls.QUICEncryptionLevelInitial
	case packetSpaceHandshake:
		return tls.QUICEncryptionLevelHandshake
	default:
		return tls.QUICEncryptionLevelApplication
	}
}

// handshakeStepResult is the state-object contract from spec.md §9: "a
// state object with explicit step() that returns one of {NeedInput,
// WantToSend, HandshakeDone, Error}; the connection engine loops until a
// step returns NeedInput or WantToSend."
type handshakeStepResult int

const (
	handshakeNeedInput handshakeStepResult = iota
	handshakeWantToSend
	handshakeDone
	handshakeFailed
)

// installedSecret is one install_read_secret/install_write_secret upcall,
// queued for the connection engine to apply to the matching
// packetNumberSpace.
type installedSecret struct {
	level  packetSpace
	read   bool
	cipher Cipher
	secret []byte
}

// tlsHandshake wraps Go's native QUIC-aware TLS 1.3 state machine
// (crypto/tls.QUICConn), chosen as the TLS provider: spec.md §6 treats TLS
// as an external collaborator reached through a fixed small interface, and
// the standard library's QUICConn implements exactly that interface
// without needing a third-party TLS stack (see DESIGN.md).
type tlsHandshake struct {
	conn *tls.QUICConn

	isServer bool
	done     bool
	alert    *Error

	pendingSecrets []installedSecret
	pendingData    map[packetSpace][]byte // outbound CRYPTO bytes staged per level
	currentReadLevel packetSpace

	peerParams []byte
}

func newTLSHandshake(isServer bool, config *tls.Config, localParams []byte) *tlsHandshake {
	h := &tlsHandshake{isServer: isServer, pendingData: make(map[packetSpace][]byte)}
	qc := &tls.QUICConfig{TLSConfig: config}
	if isServer {
		h.conn = tls.QUICServer(qc)
	} else {
		h.conn = tls.QUICClient(qc)
	}
	h.conn.SetTransportParameters(localParams)
	return h
}

func (h *tlsHandshake) start() error {
	return h.conn.Start(nil)
}

// drainEvents pulls every event QUICConn currently has queued and folds it
// into pendingSecrets/pendingData/done/alert, mirroring the upcalls named
// in spec.md §6 (install_read_secret, install_write_secret,
// add_handshake_data, send_alert) without a callback-based API.
func (h *tlsHandshake) drainEvents() {
	for {
		ev := h.conn.NextEvent()
		switch ev.Kind {
		case tls.QUICNoEvent:
			return
		case tls.QUICSetReadSecret:
			h.pendingSecrets = append(h.pendingSecrets, installedSecret{
				level: tlsLevelToSpace(ev.Level), read: true,
				cipher: cipherFromSuite(ev.Suite), secret: ev.Data,
			})
		case tls.QUICSetWriteSecret:
			h.pendingSecrets = append(h.pendingSecrets, installedSecret{
				level: tlsLevelToSpace(ev.Level), read: false,
				cipher: cipherFromSuite(ev.Suite), secret: ev.Data,
			})
		case tls.QUICWriteData:
			space := tlsLevelToSpace(ev.Level)
			h.pendingData[space] = append(h.pendingData[space], ev.Data...)
		case tls.QUICTransportParameters:
			h.peerParams = ev.Data
		case tls.QUICHandshakeDone:
			h.done = true
		}
	}
}

func cipherFromSuite(id uint16) Cipher {
	switch id {
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		return CipherChaCha20Poly1305
	case tls.TLS_AES_256_GCM_SHA384:
		return CipherAES256GCM
	default:
		return CipherAES128GCM
	}
}

// provideData feeds received CRYPTO-stream bytes (already reassembled in
// order) into the TLS state machine at the given level, then advances the
// machine and reports what the caller must do next.
func (h *tlsHandshake) provideData(space packetSpace, data []byte) (handshakeStepResult, error) {
	if len(data) > 0 {
		if err := h.conn.HandleData(spaceToTLSLevel(space), data); err != nil {
			h.alert = newError(cryptoErrorBase, err.Error())
			return handshakeFailed, h.alert
		}
	}
	return h.step()
}

// step advances the handshake without new input (used after install events
// or at startup) and classifies the result per spec.md §9.
func (h *tlsHandshake) step() (handshakeStepResult, error) {
	h.drainEvents()
	if h.alert != nil {
		return handshakeFailed, h.alert
	}
	if h.done {
		return handshakeDone, nil
	}
	if h.hasPendingData() {
		return handshakeWantToSend, nil
	}
	return handshakeNeedInput, nil
}

func (h *tlsHandshake) hasPendingData() bool {
	for _, b := range h.pendingData {
		if len(b) > 0 {
			return true
		}
	}
	return false
}

// popCryptoData drains staged outbound bytes for one level, for
// packetization into CRYPTO frames.
func (h *tlsHandshake) popCryptoData(space packetSpace) []byte {
	b := h.pendingData[space]
	h.pendingData[space] = nil
	return b
}

func (h *tlsHandshake) popSecrets() []installedSecret {
	s := h.pendingSecrets
	h.pendingSecrets = nil
	return s
}

func (h *tlsHandshake) connectionState() tls.ConnectionState {
	return h.conn.ConnectionState()
}
