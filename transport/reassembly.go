package transport

import "sort"

// recvReassembler is the ordered reassembly buffer described in spec.md §2
// item 6. It is shared by the per-level CRYPTO streams and by per-stream
// STREAM-frame reassembly (spec.md §4.10): both accept (offset, length,
// bytes) fragments, deliver contiguous bytes in order, and buffer
// out-of-order fragments up to a bound.
type recvReassembler struct {
	received  uint64 // cumulative contiguous bytes ever made available
	avail     []byte // contiguous bytes waiting to be read, starting at `received - len(avail)`
	pending   []fragment
	buffered  int // bytes currently held in `pending`
	maxBuffer int
	finalSize int64 // -1 until a FIN fixes the stream length
	errCode   ErrorCode
}

type fragment struct {
	offset uint64
	data   []byte
}

func newRecvReassembler(maxBuffer int) recvReassembler {
	return recvReassembler{maxBuffer: maxBuffer, finalSize: -1, errCode: CryptoBufferExceeded}
}

// push accepts a fragment. It returns an error if the final size is
// inconsistent with data already seen, or if buffering this fragment would
// exceed maxBuffer (spec.md §4.8 / §8 boundary: CRYPTO rejects past 65535;
// stream buffers are bounded by the per-stream receive buffer size instead).
func (r *recvReassembler) push(data []byte, offset uint64, fin bool) error {
	end := offset + uint64(len(data))
	if fin {
		if r.finalSize >= 0 && uint64(r.finalSize) != end {
			return newError(FinalSizeError, "")
		}
		r.finalSize = int64(end)
	}
	if r.finalSize >= 0 && end > uint64(r.finalSize) {
		return newError(FinalSizeError, "")
	}
	if end <= r.received {
		return nil // entirely old, duplicate
	}
	if offset < r.received {
		// Trim the already-seen prefix.
		skip := r.received - offset
		data = data[skip:]
		offset = r.received
	}
	if offset == r.received {
		r.avail = append(r.avail, data...)
		r.received += uint64(len(data))
		r.absorbPending()
		return nil
	}
	// Out of order: buffer it, bounded.
	need := len(data)
	if r.buffered+need > r.maxBuffer {
		return newError(r.errCode, "")
	}
	r.insertPending(fragment{offset: offset, data: append([]byte(nil), data...)})
	r.buffered += need
	return nil
}

func (r *recvReassembler) insertPending(f fragment) {
	i := sort.Search(len(r.pending), func(i int) bool { return r.pending[i].offset >= f.offset })
	r.pending = append(r.pending, fragment{})
	copy(r.pending[i+1:], r.pending[i:])
	r.pending[i] = f
}

func (r *recvReassembler) absorbPending() {
	for len(r.pending) > 0 {
		f := r.pending[0]
		end := f.offset + uint64(len(f.data))
		if f.offset > r.received {
			return
		}
		r.buffered -= len(f.data)
		r.pending = r.pending[1:]
		if end <= r.received {
			continue // fully duplicate
		}
		skip := r.received - f.offset
		r.avail = append(r.avail, f.data[skip:]...)
		r.received += uint64(len(f.data)) - skip
	}
}

// read drains up to len(p) contiguous bytes. eof is true once all bytes up
// to finalSize have been delivered.
func (r *recvReassembler) read(p []byte) (n int, eof bool) {
	n = copy(p, r.avail)
	r.avail = r.avail[n:]
	eof = r.finalSize >= 0 && r.received == uint64(r.finalSize) && len(r.avail) == 0
	return n, eof
}

// popAll drains everything currently available (used by the CRYPTO stream,
// which is consumed in bulk by the TLS provider).
func (r *recvReassembler) popAll() []byte {
	b := r.avail
	r.avail = nil
	return b
}

func (r *recvReassembler) hasData() bool { return len(r.avail) > 0 }

// freeSpace reports how much more out-of-order data can still be buffered
// before CRYPTO_BUFFER_EXCEEDED / the stream's receive bound is hit; used to
// size MAX_STREAM_DATA advertisements (spec.md §4.10).
func (r *recvReassembler) freeSpace() int {
	n := r.maxBuffer - r.buffered
	if n < 0 {
		return 0
	}
	return n
}

// sendBuffer is the per-CRYPTO-level / per-stream outgoing byte buffer. It
// keeps all bytes ever written (trimmed once fully acked), tracks a single
// "next fresh byte" cursor, and an explicit retransmit queue so lost frames
// are resent with their original bytes at their original offsets (spec.md
// §4.6: CRYPTO "always retransmit same bytes at same offsets"; STREAM
// "re-queue unless write-side already errored").
type sendBuffer struct {
	buf  []byte
	base uint64 // offset of buf[0]
	sent uint64 // offset up to which fresh bytes have been sent at least once

	retransmit []offsetRange
	ackedUpTo  uint64 // cumulative ack high-water mark
	ackedAny   bool

	finOffset int64 // -1 until Close()/fin queued
	finSent   bool
	maxSize   int
}

type offsetRange struct {
	offset uint64
	length uint64
}

func newSendBuffer(maxSize int) sendBuffer {
	return sendBuffer{finOffset: -1, maxSize: maxSize}
}

// write appends application bytes; returns false, appending nothing, once
// the un-acked backlog already exceeds maxSize bytes (send-side flow
// blocking, spec.md §4.10).
func (s *sendBuffer) write(data []byte) bool {
	if s.maxSize > 0 && len(s.buf)-int(s.ackedUpTo-s.base) > s.maxSize {
		return false
	}
	s.buf = append(s.buf, data...)
	return true
}

func (s *sendBuffer) closeWrite() {
	if s.finOffset < 0 {
		s.finOffset = int64(s.base) + int64(len(s.buf))
	}
}

func (s *sendBuffer) complete() bool {
	return s.finOffset >= 0 && s.ackedUpTo >= uint64(s.finOffset)
}

// popSend returns up to max bytes of the next thing to (re)send: explicit
// retransmits first, then fresh bytes, then a zero-length FIN if queued and
// nothing else remains.
func (s *sendBuffer) popSend(max int) (data []byte, offset uint64, fin bool) {
	if len(s.retransmit) > 0 {
		r := s.retransmit[0]
		n := int(r.length)
		if n > max {
			n = max
		}
		off := r.offset
		data = s.slice(off, n)
		if n == int(r.length) {
			s.retransmit = s.retransmit[1:]
		} else {
			s.retransmit[0] = offsetRange{offset: off + uint64(n), length: r.length - uint64(n)}
		}
		fin = s.finOffset >= 0 && off+uint64(n) == uint64(s.finOffset) && len(s.retransmit) == 0
		return data, off, fin
	}
	avail := uint64(len(s.buf)) + s.base - s.sent
	if avail > 0 {
		n := int(avail)
		if n > max {
			n = max
		}
		off := s.sent
		data = s.slice(off, n)
		s.sent += uint64(n)
		fin = s.finOffset >= 0 && s.sent == uint64(s.finOffset)
		return data, off, fin
	}
	if s.finOffset >= 0 && s.sent == uint64(s.finOffset) && !s.finSent {
		s.finSent = true
		return nil, uint64(s.finOffset), true
	}
	return nil, 0, false
}

// hasPending reports whether popSend would return anything right now,
// without consuming or mutating any cursor.
func (s *sendBuffer) hasPending() bool {
	if len(s.retransmit) > 0 {
		return true
	}
	if uint64(len(s.buf))+s.base > s.sent {
		return true
	}
	return s.finOffset >= 0 && s.sent == uint64(s.finOffset) && !s.finSent
}

func (s *sendBuffer) slice(offset uint64, n int) []byte {
	i := int(offset - s.base)
	return s.buf[i : i+n]
}

// push re-queues a previously sent range for retransmission (spec.md §4.6:
// frames "regenerated with current values, not the snapshot at original
// send time" — but CRYPTO/STREAM bytes are the one exception, resent as is).
func (s *sendBuffer) push(data []byte, offset uint64, fin bool) error {
	if len(data) > 0 {
		s.retransmit = append(s.retransmit, offsetRange{offset: offset, length: uint64(len(data))})
	}
	return nil
}

// ack records that [offset, offset+length) was acknowledged, advancing the
// cumulative ack mark and trimming fully-acked bytes from the front of buf.
func (s *sendBuffer) ack(offset uint64, length uint64) {
	s.ackedAny = true
	end := offset + length
	if end > s.ackedUpTo {
		if offset <= s.ackedUpTo {
			s.ackedUpTo = end
		} else if offset == s.ackedUpTo {
			s.ackedUpTo = end
		}
	}
	if s.ackedUpTo > s.base {
		trim := s.ackedUpTo - s.base
		if trim > uint64(len(s.buf)) {
			trim = uint64(len(s.buf))
		}
		s.buf = s.buf[trim:]
		s.base += trim
	}
}
