package quic

import "github.com/FreeMind-LJ/quic/transport"

// Handler processes the events a connection produced since the last call,
// e.g. new data arriving on a stream or the handshake completing. Serve
// runs on the endpoint's single dispatch goroutine; a Handler that blocks
// stalls every connection sharing the socket, so long-running work should
// be handed off.
type Handler interface {
	Serve(c Conn, events []transport.Event)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(c Conn, events []transport.Event)

func (f HandlerFunc) Serve(c Conn, events []transport.Event) {
	f(c, events)
}
