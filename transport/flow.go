package transport

// flowController tracks one direction's (send or receive) byte-level credit,
// shared shape for both the connection-wide controller and each stream's
// controller (spec.md §4.10).
type flowController struct {
	used uint64 // bytes sent or received so far
	max  uint64 // current credit ceiling advertised/received
}

func newFlowController(initialMax uint64) flowController {
	return flowController{max: initialMax}
}

// canSend reports whether n more bytes fit under the current ceiling.
func (f *flowController) canSend(n uint64) bool { return f.used+n <= f.max }

// credit returns how many more bytes may be sent right now.
func (f *flowController) credit() uint64 {
	if f.used >= f.max {
		return 0
	}
	return f.max - f.used
}

func (f *flowController) consume(n uint64) { f.used += n }

// update applies a MAX_DATA/MAX_STREAM_DATA value from the peer; QUIC
// permits these to arrive out of order or duplicated, so only increases
// take effect.
func (f *flowController) update(max uint64) (increased bool) {
	if max > f.max {
		f.max = max
		return true
	}
	return false
}

// connFlowControl is the connection-wide send/receive controller (spec.md
// §4.10: "connection-level receive credit doubles ... each time the running
// received total exceeds half of the current MAX_DATA").
type connFlowControl struct {
	send flowController // our send credit, bound by peer's MAX_DATA
	recv flowController // our receive credit, advertised to peer via MAX_DATA

	recvMaxData uint64 // the value we last told the peer (== recv.max once sent)
}

func newConnFlowControl(sendInitial, recvInitial uint64) connFlowControl {
	return connFlowControl{
		send:        newFlowController(sendInitial),
		recv:        newFlowController(recvInitial),
		recvMaxData: recvInitial,
	}
}

// onBytesReceived records consumed receive credit and reports whether a new
// MAX_DATA must be advertised.
func (c *connFlowControl) onBytesReceived(n uint64) (newMax uint64, shouldAdvertise bool) {
	c.recv.consume(n)
	if c.recv.used*2 < c.recv.max {
		return 0, false
	}
	c.recv.max *= 2
	if c.recv.max == 0 {
		c.recv.max = 1
	}
	c.recvMaxData = c.recv.max
	return c.recvMaxData, true
}

// streamFlowControl is the per-stream analogue; MAX_STREAM_DATA advertises
// stream.received + free space in its buffer, rather than doubling.
type streamFlowControl struct {
	send flowController // bound by peer's MAX_STREAM_DATA for this stream
	recv flowController // bound by our own advertised MAX_STREAM_DATA
}

func newStreamFlowControl(sendInitial, recvInitial uint64) streamFlowControl {
	return streamFlowControl{
		send: newFlowController(sendInitial),
		recv: newFlowController(recvInitial),
	}
}
