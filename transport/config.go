package transport

import "crypto/tls"

// Transport parameter IDs (RFC 9000 §18.2, draft-27/28 subset this
// implementation negotiates).
const (
	tpOriginalDestinationConnectionID uint64 = 0x00
	tpMaxIdleTimeout                  uint64 = 0x01
	tpStatelessResetToken             uint64 = 0x02
	tpMaxUDPPayloadSize               uint64 = 0x03
	tpInitialMaxData                  uint64 = 0x04
	tpInitialMaxStreamDataBidiLocal   uint64 = 0x05
	tpInitialMaxStreamDataBidiRemote  uint64 = 0x06
	tpInitialMaxStreamDataUni         uint64 = 0x07
	tpInitialMaxStreamsBidi           uint64 = 0x08
	tpInitialMaxStreamsUni            uint64 = 0x09
	tpAckDelayExponent                uint64 = 0x0a
	tpMaxAckDelay                     uint64 = 0x0b
	tpDisableActiveMigration          uint64 = 0x0c
	tpActiveConnectionIDLimit         uint64 = 0x0e
	tpInitialSourceConnectionID       uint64 = 0x0f
	tpRetrySourceConnectionID         uint64 = 0x10
)

// Parameters holds the negotiated transport parameters of spec.md §6 for
// one direction (local or peer).
type Parameters struct {
	OriginalDestinationConnectionID []byte
	InitialSourceConnectionID       []byte
	RetrySourceConnectionID         []byte
	StatelessResetToken             []byte

	MaxIdleTimeout          uint64 // milliseconds
	MaxUDPPayloadSize       uint64
	InitialMaxData          uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi   uint64
	InitialMaxStreamsUni    uint64
	AckDelayExponent        uint64
	MaxAckDelay             uint64 // milliseconds
	DisableActiveMigration  bool
	ActiveConnectionIDLimit uint64
}

// DefaultParameters returns the local transport parameters this endpoint
// advertises absent explicit configuration (spec.md §6 enumerated list).
func DefaultParameters() Parameters {
	return Parameters{
		MaxIdleTimeout:                 30000,
		MaxUDPPayloadSize:              MaxPacketSize,
		InitialMaxData:                 1 << 20,
		InitialMaxStreamDataBidiLocal:  256 * 1024,
		InitialMaxStreamDataBidiRemote: 256 * 1024,
		InitialMaxStreamDataUni:        256 * 1024,
		InitialMaxStreamsBidi:          100,
		InitialMaxStreamsUni:           100,
		AckDelayExponent:               3,
		MaxAckDelay:                    25,
		ActiveConnectionIDLimit:        4,
	}
}

// Encode serializes p as a transport-parameters extension blob (TLV:
// varint id, varint length, value) for handing to
// tls.QUICConn.SetTransportParameters.
func (p *Parameters) Encode() []byte {
	var b []byte
	putTP := func(id, v uint64) {
		b = appendVarint(b, id)
		b = appendVarintBytes(b, appendVarint(nil, v))
	}
	putBytesTP := func(id uint64, v []byte) {
		if v == nil {
			return
		}
		b = appendVarint(b, id)
		b = appendVarintBytes(b, v)
	}
	putBytesTP(tpOriginalDestinationConnectionID, p.OriginalDestinationConnectionID)
	putBytesTP(tpInitialSourceConnectionID, p.InitialSourceConnectionID)
	putBytesTP(tpRetrySourceConnectionID, p.RetrySourceConnectionID)
	putBytesTP(tpStatelessResetToken, p.StatelessResetToken)
	putTP(tpMaxIdleTimeout, p.MaxIdleTimeout)
	putTP(tpMaxUDPPayloadSize, p.MaxUDPPayloadSize)
	putTP(tpInitialMaxData, p.InitialMaxData)
	putTP(tpInitialMaxStreamDataBidiLocal, p.InitialMaxStreamDataBidiLocal)
	putTP(tpInitialMaxStreamDataBidiRemote, p.InitialMaxStreamDataBidiRemote)
	putTP(tpInitialMaxStreamDataUni, p.InitialMaxStreamDataUni)
	putTP(tpInitialMaxStreamsBidi, p.InitialMaxStreamsBidi)
	putTP(tpInitialMaxStreamsUni, p.InitialMaxStreamsUni)
	putTP(tpAckDelayExponent, p.AckDelayExponent)
	putTP(tpMaxAckDelay, p.MaxAckDelay)
	putTP(tpActiveConnectionIDLimit, p.ActiveConnectionIDLimit)
	if p.DisableActiveMigration {
		b = appendVarint(b, tpDisableActiveMigration)
		b = appendVarintBytes(b, nil)
	}
	return b
}

// DecodeParameters parses a peer's transport-parameters extension blob.
// Unknown parameter IDs are ignored per RFC 9000 §7.4.1.
func DecodeParameters(b []byte) (Parameters, error) {
	var p Parameters
	for len(b) > 0 {
		var id uint64
		n := getVarint(b, &id)
		if n == 0 {
			return p, newError(TransportParameterError, "malformed transport parameter")
		}
		b = b[n:]
		val, rest, ok := getVarintBytes(b)
		if !ok {
			return p, newError(TransportParameterError, "malformed transport parameter")
		}
		b = rest
		switch id {
		case tpOriginalDestinationConnectionID:
			p.OriginalDestinationConnectionID = append([]byte(nil), val...)
		case tpInitialSourceConnectionID:
			p.InitialSourceConnectionID = append([]byte(nil), val...)
		case tpRetrySourceConnectionID:
			p.RetrySourceConnectionID = append([]byte(nil), val...)
		case tpStatelessResetToken:
			p.StatelessResetToken = append([]byte(nil), val...)
		case tpMaxIdleTimeout:
			p.MaxIdleTimeout = mustVarint(val)
		case tpMaxUDPPayloadSize:
			p.MaxUDPPayloadSize = mustVarint(val)
		case tpInitialMaxData:
			p.InitialMaxData = mustVarint(val)
		case tpInitialMaxStreamDataBidiLocal:
			p.InitialMaxStreamDataBidiLocal = mustVarint(val)
		case tpInitialMaxStreamDataBidiRemote:
			p.InitialMaxStreamDataBidiRemote = mustVarint(val)
		case tpInitialMaxStreamDataUni:
			p.InitialMaxStreamDataUni = mustVarint(val)
		case tpInitialMaxStreamsBidi:
			p.InitialMaxStreamsBidi = mustVarint(val)
		case tpInitialMaxStreamsUni:
			p.InitialMaxStreamsUni = mustVarint(val)
		case tpAckDelayExponent:
			p.AckDelayExponent = mustVarint(val)
		case tpMaxAckDelay:
			p.MaxAckDelay = mustVarint(val)
		case tpActiveConnectionIDLimit:
			p.ActiveConnectionIDLimit = mustVarint(val)
		case tpDisableActiveMigration:
			p.DisableActiveMigration = true
		}
	}
	return p, nil
}

func mustVarint(b []byte) uint64 {
	var v uint64
	getVarint(b, &v)
	return v
}

// Config holds per-endpoint configuration (spec.md §6 "Configuration").
type Config struct {
	TLSConfig    *tls.Config
	LocalParams  Parameters
	RequireALPN  bool
	Retry        bool
	TokenKey     [32]byte
	SRTokenKey   []byte
	Versions     []uint32
}

// DefaultConfig returns a Config with the documented default transport
// parameters and QUIC v1 as the sole supported version.
func DefaultConfig() *Config {
	return &Config{
		LocalParams: DefaultParameters(),
		RequireALPN: true,
		Versions:    []uint32{0x00000001},
	}
}
