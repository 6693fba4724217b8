package transport

// maxAckRanges bounds how many (gap, range) pairs a single connection
// tracks per packet-number space, mirroring nginx's NGX_QUIC_MAX_RANGES: a
// peer that deliberately scatters packet numbers to grow this structure
// without bound must not be allowed to exhaust memory (spec.md §4.4).
const maxAckRanges = 32

// ackRangeSet is both (a) the accumulator of packet numbers we have
// received and still owe an ACK for, and (b) the parsed content of an ACK
// frame we received, interpreted as ranges of our own packet numbers that
// the peer has acknowledged. largestRange is -1 when nothing has been
// recorded yet.
type ackRangeSet struct {
	largestRange int64
	firstRange   uint64
	ranges       []ackRange
}

func newEmptyAckRangeSet() *ackRangeSet {
	return &ackRangeSet{largestRange: -1}
}

func (s *ackRangeSet) clone() *ackRangeSet {
	c := &ackRangeSet{largestRange: s.largestRange, firstRange: s.firstRange}
	c.ranges = append(c.ranges, s.ranges...)
	return c
}

func (s *ackRangeSet) empty() bool { return s.largestRange < 0 }

func (s *ackRangeSet) full() bool { return len(s.ranges) >= maxAckRanges }

func (s *ackRangeSet) evictOldest() {
	if len(s.ranges) > 0 {
		s.ranges = s.ranges[:len(s.ranges)-1]
	}
}

func (s *ackRangeSet) insertRangeAt(i int, r ackRange) {
	s.ranges = append(s.ranges, ackRange{})
	copy(s.ranges[i+1:], s.ranges[i:])
	s.ranges[i] = r
}

// ackInsertOutcome describes what happened when recording a newly received
// packet number, so the caller can decide whether an already-accumulated
// ACK needs to be flushed before the update overwrites it.
type ackInsertOutcome int

const (
	ackRecorded ackInsertOutcome = iota
	ackRecordedAfterEviction       // a full set evicted its oldest range to make room
	ackTooOldToRecord              // pn is older than anything we can still track
)

// insert records pn as received. When full() would require discarding a
// tracked range to make room for a new one, the caller must have already
// captured a clone() snapshot to send as a standalone ACK first (spec.md
// §4.4: "evicting a range before it has been reported forces an immediate,
// separate ACK covering it").
func (s *ackRangeSet) insert(pn uint64) ackInsertOutcome {
	if s.empty() {
		s.largestRange = int64(pn)
		return ackRecorded
	}
	base := uint64(s.largestRange)
	if pn == base {
		return ackRecorded // duplicate of the most recent packet number
	}
	if pn > base {
		if pn == base+1 {
			s.firstRange++
			s.largestRange = int64(pn)
			return ackRecorded
		}
		outcome := ackRecorded
		if s.full() {
			s.evictOldest()
			outcome = ackRecordedAfterEviction
		}
		gap := pn - base - 2
		rng := s.firstRange
		s.firstRange = 0
		s.largestRange = int64(pn)
		s.insertRangeAt(0, ackRange{gap: gap, rng: rng})
		return outcome
	}

	// pn < base: find or create its place among the existing gap/range pairs.
	largest := base
	smallest := base - s.firstRange
	if pn >= smallest && pn <= largest {
		return ackRecorded // already within the newest range
	}
	for i := range s.ranges {
		r := &s.ranges[i]
		ge := smallest - 1
		gs := ge - r.gap
		if pn >= gs && pn <= ge {
			switch {
			case gs == ge:
				if i == 0 {
					s.firstRange += r.rng + 2
				} else {
					s.ranges[i-1].rng += r.rng + 2
				}
				s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
			case pn == gs:
				r.gap--
				r.rng++
			case pn == ge:
				r.gap--
				if i == 0 {
					s.firstRange++
				} else {
					s.ranges[i-1].rng++
				}
			default:
				newGap := ge - pn - 1
				outcome := ackRecorded
				if s.full() {
					s.evictOldest()
					outcome = ackRecordedAfterEviction
				}
				r.gap = pn - gs - 1
				s.insertRangeAt(i, ackRange{gap: newGap, rng: 0})
				return outcome
			}
			return ackRecorded
		}
		largest = gs - 1
		smallest = largest - r.rng
		if pn >= smallest && pn <= largest {
			return ackRecorded // already within a tracked range
		}
	}
	if pn == smallest-1 {
		if len(s.ranges) == 0 {
			s.firstRange++
		} else {
			s.ranges[len(s.ranges)-1].rng++
		}
		return ackRecorded
	}
	if s.full() {
		return ackTooOldToRecord
	}
	s.ranges = append(s.ranges, ackRange{gap: smallest - 2 - pn, rng: 0})
	return ackRecorded
}

// contains reports whether pn is already tracked, without mutating state;
// used as the cheap duplicate-packet filter before a packet is decrypted
// and processed (spec.md §4.3).
func (s *ackRangeSet) contains(pn uint64) bool {
	if s.empty() {
		return false
	}
	base := uint64(s.largestRange)
	largest := base
	smallest := base - s.firstRange
	if pn >= smallest && pn <= largest {
		return true
	}
	for i := range s.ranges {
		r := s.ranges[i]
		ge := smallest - 1
		gs := ge - r.gap
		if pn >= gs && pn <= ge {
			return false // inside a gap: not yet seen
		}
		largest = gs - 1
		smallest = largest - r.rng
		if pn >= smallest && pn <= largest {
			return true
		}
	}
	return false // above the newest or below the oldest tracked range: treat as new
}

// removeUntil forgets ranges that lie entirely at or below pn, once we know
// the peer has durably seen our report of them (an ACK frame carrying this
// coverage was itself acknowledged). This keeps the structure from growing
// without bound over a long connection.
func (s *ackRangeSet) removeUntil(pn uint64) {
	if s.empty() {
		return
	}
	base := uint64(s.largestRange)
	smallest := base - s.firstRange
	if smallest > pn {
		return
	}
	largest := smallest
	for i := range s.ranges {
		r := s.ranges[i]
		largest = smallest - r.gap - 2
		smallest = largest - r.rng
		if largest <= pn {
			s.ranges = s.ranges[:i]
			return
		}
	}
}

// cryptoLevel identifies which of the three packet-number spaces a
// CRYPTO/packet belongs to; it is the same enumeration as packetSpace.
type cryptoLevel = packetSpace

// outgoingPacket records what was sent under a given packet number so loss
// recovery can later credit or retransmit it (spec.md §4.5/§4.6).
type outgoingPacket struct {
	packetNumber  int64
	sentBytes     int
	timeSent      int64 // nanoseconds, monotonic
	ackEliciting  bool
	inFlight      bool
	includesCrypto bool
	frames        []frame
}

// packetNumberSpace is the per-level state named in spec.md §2 item 5:
// independent packet-number counters, CRYPTO stream, and ACK bookkeeping
// for Initial, Handshake, and Application data.
type packetNumberSpace struct {
	space cryptoLevel

	nextPacketNumber int64
	largestAcked     int64 // largest of our own packet numbers acked by the peer, -1 if none

	largestReceived     int64 // largest peer packet number seen, -1 if none
	largestReceivedTime int64

	recvPacketNeedAck ackRangeSet // packet numbers we have received, not yet durably acked
	overflowAck       *ackFrame   // snapshot to flush before recvPacketNeedAck's update displaces it

	ackElicited   bool // an ack-eliciting packet arrived since we last sent an ACK
	pendingAck    bool
	ackDelayStart int64
	sendAckCount  int // consecutive ack-eliciting packets received without sending one

	cryptoRecv recvReassembler
	cryptoSend sendBuffer

	opener *packetProtection // decrypt, peer -> us
	sealer *packetProtection // encrypt, us -> peer

	// nextKeyOpener/nextKeySealer are cleared by drop() but nothing installs
	// next key-phase keys into them, so no key update is performed.
	nextKeyOpener *packetProtection
	nextKeySealer *packetProtection
	keyPhase      bool

	pendingFrames []frame // explicit control frames queued for the next packet
	sent          []outgoingPacket // ack-eliciting-or-not packets awaiting ack/loss disposition
}

func newPacketNumberSpace(space cryptoLevel) *packetNumberSpace {
	maxCrypto := 65535
	return &packetNumberSpace{
		space:             space,
		largestAcked:      -1,
		largestReceived:   -1,
		recvPacketNeedAck: ackRangeSet{largestRange: -1},
		cryptoRecv:        newRecvReassembler(maxCrypto),
		cryptoSend:        newSendBuffer(0),
	}
}

func (s *packetNumberSpace) canEncrypt() bool { return s.sealer != nil }
func (s *packetNumberSpace) canDecrypt() bool { return s.opener != nil }

// drop discards all per-level state once a space is permanently retired
// (Initial after the Handshake keys install; Handshake once a server
// completes the handshake, while a client keeps it), per spec.md §4.2.
func (s *packetNumberSpace) drop() {
	s.opener = nil
	s.sealer = nil
	s.nextKeyOpener = nil
	s.nextKeySealer = nil
	s.pendingFrames = nil
}

// onPacketReceived records pn as received. If doing so displaced an
// already-accumulated range before it was reported, or pn is too old to
// fold into tracked history at all, an ACK covering the displaced/singleton
// coverage is staged in overflowAck for the next packet built to flush
// ahead of the regular ACK (spec.md §4.4).
func (s *packetNumberSpace) onPacketReceived(pn uint64, now int64, ackDelay uint64) {
	if int64(pn) > s.largestReceived {
		s.largestReceived = int64(pn)
		s.largestReceivedTime = now
	}
	var snapshot *ackRangeSet
	if s.recvPacketNeedAck.full() {
		snapshot = s.recvPacketNeedAck.clone()
	}
	switch s.recvPacketNeedAck.insert(pn) {
	case ackRecordedAfterEviction:
		if snapshot != nil {
			s.overflowAck = newAckFrame(ackDelay, snapshot)
		}
	case ackTooOldToRecord:
		s.overflowAck = newAckFrame(ackDelay, &ackRangeSet{largestRange: int64(pn)})
	}
	if !s.pendingAck {
		s.pendingAck = true
		s.ackDelayStart = now
	}
}

// ready reports whether this space has anything to send: queued control
// frames, pending CRYPTO bytes, or an ACK that must go out. A pending ACK
// alone only counts once it is actually due (ackNow); it may otherwise ride
// out on a packet triggered by something else instead.
func (s *packetNumberSpace) ready(now int64, maxAckDelay int64) bool {
	if len(s.pendingFrames) > 0 {
		return true
	}
	if s.overflowAck != nil {
		return true
	}
	if s.pendingAck && s.ackNow(now, maxAckDelay) {
		return true
	}
	return s.cryptoSend.hasPending()
}

// ackNow reports whether a pending ACK in this space must be sent right
// now rather than waiting for more to accumulate (spec.md §4.4/§5): always
// true outside the Application space, once two ack-eliciting packets have
// arrived since the last ACK, once max_ack_delay has elapsed, or when the
// peer has not negotiated a delay at all.
func (s *packetNumberSpace) ackNow(now int64, maxAckDelay int64) bool {
	if s.space != packetSpaceApplication {
		return true
	}
	if s.sendAckCount >= 2 {
		return true
	}
	if maxAckDelay <= 0 {
		return true
	}
	return now-s.ackDelayStart >= maxAckDelay
}

// buildAck produces the ACK frame representing everything currently owed,
// clearing the pending flag. Call sites are responsible for interleaving
// any overflowAck snapshot ahead of this one.
func (s *packetNumberSpace) buildAck(ackDelay uint64) *ackFrame {
	if s.recvPacketNeedAck.empty() {
		return nil
	}
	s.pendingAck = false
	s.sendAckCount = 0
	return newAckFrame(ackDelay, &s.recvPacketNeedAck)
}

// popOverflowAck drains the one-shot flush snapshot, if any.
func (s *packetNumberSpace) popOverflowAck() *ackFrame {
	f := s.overflowAck
	s.overflowAck = nil
	return f
}

// onPacketSent records an outgoing packet in the unacked queue and advances
// the next-packet-number counter.
func (s *packetNumberSpace) onPacketSent(op outgoingPacket) {
	s.sent = append(s.sent, op)
	s.nextPacketNumber = op.packetNumber + 1
}

// hasInFlight reports whether any ack-eliciting packet in this space is
// still awaiting ack or loss disposition (spec.md §4.5: PTO "armed iff
// there are ack-eliciting packets in flight").
func (s *packetNumberSpace) hasInFlight() bool {
	for _, op := range s.sent {
		if op.ackEliciting {
			return true
		}
	}
	return false
}

func (s *packetNumberSpace) oldestInFlight() (outgoingPacket, bool) {
	for _, op := range s.sent {
		if op.ackEliciting {
			return op, true
		}
	}
	return outgoingPacket{}, false
}
