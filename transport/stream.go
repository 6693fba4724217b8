package transport

const defaultStreamRecvBufferSize = 64 * 1024

// stream is one QUIC stream's state (spec.md §3 "Stream"). Streams never
// hold a back-pointer to their connection; they live in the connection's
// streamMap and are referenced only by ID (spec.md §9 arena+index design).
type stream struct {
	id      uint64
	bidi    bool
	local   bool // true if this endpoint is the initiator

	recv recvReassembler
	send sendBuffer
	flow streamFlowControl

	recvClosed bool // FIN or RESET_STREAM observed, read side fully drained/errored
	readError  *Error
	writeError *Error

	resetSent        bool
	stopSendingSent  bool
	finSent          bool
	notifyReadable   bool
	notifyWritable   bool
}

func newStream(id uint64, local bool, recvInitial, sendInitial uint64, recvBufSize int) *stream {
	if recvBufSize <= 0 {
		recvBufSize = defaultStreamRecvBufferSize
	}
	return &stream{
		id:    id,
		bidi:  isStreamBidi(id),
		local: local,
		recv:  newRecvReassembler(recvBufSize),
		send:  newSendBuffer(recvBufSize),
		flow:  newStreamFlowControl(sendInitial, recvInitial),
	}
}

// isStreamBidi reports whether the stream ID's type bit (bit 1) selects a
// bidirectional stream (spec.md §3: "bit 1 = 0 bidi / 1 uni").
func isStreamBidi(id uint64) bool { return id&0x2 == 0 }

// isStreamClientInitiated reports whether bit 0 marks the stream as
// client-initiated (spec.md §3: "bit 0 = initiator: 0 client / 1 server").
func isStreamClientInitiated(id uint64) bool { return id&0x1 == 0 }

// isStreamLocal reports whether this endpoint is the stream's initiator.
func isStreamLocal(id uint64, isServer bool) bool {
	return isStreamClientInitiated(id) == !isServer
}

// streamSequence returns the stream's ordinal within its (initiator,
// direction) class: id = sequence*4 + type-bits.
func streamSequence(id uint64) uint64 { return id >> 2 }

func makeStreamID(seq uint64, clientInitiated, bidi bool) uint64 {
	id := seq << 2
	if !clientInitiated {
		id |= 0x1
	}
	if !bidi {
		id |= 0x2
	}
	return id
}

// onReceiveFrame feeds STREAM-frame bytes into the recv reassembler and
// updates receive-side flow control bookkeeping.
func (s *stream) onReceiveFrame(data []byte, offset uint64, fin bool) error {
	end := offset + uint64(len(data))
	if end > s.flow.recv.max {
		return errFlowControl
	}
	if err := s.recv.push(data, offset, fin); err != nil {
		return err
	}
	if end > s.flow.recv.used {
		s.flow.recv.used = end
	}
	s.notifyReadable = true
	return nil
}

// read drains contiguously available bytes for the consumer.
func (s *stream) read(p []byte) (n int, eof bool) {
	return s.recv.read(p)
}

// recvMaxStreamData computes the value to advertise next: received so far
// plus remaining free space in the receive buffer (spec.md §4.10).
func (s *stream) recvMaxStreamData() uint64 {
	return s.flow.recv.used + uint64(s.recv.freeSpace())
}

// onResetStream applies a RESET_STREAM from the peer: the read side is
// marked with an error and drained no further.
func (s *stream) onResetStream(errCode uint64, finalSize uint64) {
	if finalSize > s.flow.recv.max {
		return
	}
	s.recvClosed = true
	s.readError = newError(ErrorCode(errCode), "reset by peer")
	s.notifyReadable = true
}

// onStopSending applies STOP_SENDING from the peer: the write side is marked
// with an error so no new data is accepted. No RESET_STREAM is sent in reply.
func (s *stream) onStopSending(errCode uint64) {
	s.writeError = newError(ErrorCode(errCode), "stop sending requested by peer")
}

// write appends application bytes to the send buffer, respecting per-stream
// send credit; returns the number of bytes actually accepted.
func (s *stream) write(data []byte, fin bool) int {
	credit := s.flow.send.credit()
	n := len(data)
	if uint64(n) > credit {
		n = int(credit)
	}
	if n > 0 {
		if !s.send.write(data[:n]) {
			return 0
		}
		s.flow.send.consume(uint64(n))
	}
	if fin && n == len(data) {
		s.send.closeWrite()
	}
	return n
}

func (s *stream) hasFlushable() bool {
	return s.send.hasPending() || s.notifyReadable || s.notifyWritable
}

func (s *stream) isFullyClosed() bool {
	readDone := s.recvClosed || (s.readError == nil && s.recv.finalSize >= 0 && !s.recv.hasData() && s.recv.received == uint64(s.recv.finalSize))
	writeDone := s.writeError != nil || s.send.complete() || s.resetSent
	return readDone && writeDone
}
