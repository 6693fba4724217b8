package quic

import (
	"crypto/tls"

	"github.com/FreeMind-LJ/quic/transport"
)

// Config holds the endpoint-level configuration shared by Server and
// Client: the TLS material handed to transport.Conn plus the transport
// parameters and retry/reset policy applied to every connection accepted
// or dialed on a socket.
type Config struct {
	TLS       *tls.Config
	Transport *transport.Config

	// MaxConnsPerAddr bounds how many connections this endpoint tracks
	// for a single remote address, mitigating a single peer exhausting
	// the connection table.
	MaxConnsPerAddr int

	// RecvBufferSize/SendBufferSize tune the UDP socket's SO_RCVBUF and
	// SO_SNDBUF; zero keeps the OS default.
	RecvBufferSize int
	SendBufferSize int
}

// NewConfig returns a Config with transport defaults from
// transport.DefaultConfig and no TLS material set; callers must attach
// certificates (server) or a server name (client) before use.
func NewConfig() *Config {
	return &Config{
		TLS:             &tls.Config{NextProtos: []string{"quince"}},
		Transport:       transport.DefaultConfig(),
		MaxConnsPerAddr: 8,
		RecvBufferSize:  defaultSocketBufferSize,
		SendBufferSize:  defaultSocketBufferSize,
	}
}

const defaultSocketBufferSize = 1 << 20

func (c *Config) transportConfig() *transport.Config {
	tc := *c.Transport
	tc.TLSConfig = c.TLS
	return &tc
}
