package quic

import (
	"io"
	"net"

	"github.com/FreeMind-LJ/quic/transport"
)

// Client dials outbound QUIC connections and tracks them the same way
// Server tracks inbound ones, sharing the endpoint's dispatch loop.
type Client struct {
	ep *endpoint
}

// NewClient creates a Client. Connect uses config.TLS.ServerName as it is
// set here; it does not fill it in per dial.
func NewClient(config *Config) *Client {
	return &Client{ep: newEndpoint(config, false)}
}

func (c *Client) SetHandler(h Handler) { c.ep.handler = h }

func (c *Client) SetLogger(level int, w io.Writer) {
	c.ep.log.level = logLevel(level)
	c.ep.log.setWriter(w)
}

// ListenAndServe binds the local UDP socket used for every connection
// this client dials. addr is typically "0.0.0.0:0" for an ephemeral port.
func (c *Client) ListenAndServe(addr string) error {
	return c.ep.listen(addr)
}

// Connect dials a new connection to addr, using config.TLS.ServerName set
// by the caller (see serverName in cmd/quince) to validate the peer
// certificate.
func (c *Client) Connect(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	scid := randomLocalCID()
	serverName := c.ep.config.TLS.ServerName
	tc, err := transport.Connect(serverName, c.ep.config.transportConfig())
	if err != nil {
		return err
	}
	rc := newRemoteConn(udpAddr, scid, tc)
	c.ep.addConn(rc)
	c.ep.log.attachLogger(rc)
	c.ep.flush(rc)
	return nil
}

func (c *Client) Close() error { return c.ep.close() }

func (c *Client) Metrics() *metricsCollector {
	return newMetricsCollector(c.ep, "quic_client")
}
