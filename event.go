package quic

import "github.com/FreeMind-LJ/quic/transport"

// Event types are re-exported from transport so callers that only import
// this package can still match on c.Type in a Handler.
const (
	EventConnAccept        = transport.EventConnAccept
	EventConnHandshakeDone = transport.EventConnHandshakeDone
	EventConnClose         = transport.EventConnClose
	EventStream            = transport.EventStream
	EventStreamComplete    = transport.EventStreamComplete
	EventStreamReset       = transport.EventStreamReset
	EventStreamStopSending = transport.EventStreamStopSending
)
