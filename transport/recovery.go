package transport

// timeGranularity is the assumed system timer granularity added into the
// PTO floor (spec.md §4.5 "GRANULARITY"), in nanoseconds.
const timeGranularity = int64(1 * 1e6) // 1ms

const packetThreshold = 3
const timeThresholdNumerator = 9
const timeThresholdDenominator = 8

// rttStats is the RTT estimator described in spec.md §4.5.
type rttStats struct {
	latestRTT int64
	minRTT    int64
	avgRTT    int64
	rttVar    int64
	hasSample bool
}

// sample records one RTT observation. ackDelay is the peer-reported delay
// (already clamped to max_ack_delay by the caller at the Application
// level); it is ignored at Initial/Handshake per spec.md §4.5.
func (r *rttStats) sample(latest int64, ackDelay int64, applyAckDelay bool) {
	r.latestRTT = latest
	if !r.hasSample {
		r.avgRTT = latest
		r.minRTT = latest
		r.rttVar = latest / 2
		r.hasSample = true
		return
	}
	if latest < r.minRTT {
		r.minRTT = latest
	}
	adjusted := latest
	if applyAckDelay && latest-ackDelay >= r.minRTT {
		adjusted = latest - ackDelay
	}
	diff := r.avgRTT - adjusted
	if diff < 0 {
		diff = -diff
	}
	r.rttVar = (3*r.rttVar + diff) / 4
	r.avgRTT = (7*r.avgRTT + adjusted) / 8
}

// congestionController is the NewReno-style controller of spec.md §4.5.
type congestionController struct {
	window          uint64
	ssthresh        uint64
	inFlight        uint64
	recoveryStart   int64
	recoveryStarted bool
	mtu             uint64
}

// initial window = min(10*MTU, max(2*MTU, 14720)), per spec.md §4.5.
func newCongestionController(mtu uint64) *congestionController {
	floor := uint64(14720)
	if 2*mtu > floor {
		floor = 2 * mtu
	}
	w := 10 * mtu
	if floor < w {
		w = floor
	}
	return &congestionController{window: w, ssthresh: ^uint64(0), mtu: mtu}
}

func (c *congestionController) canSend(bytes uint64) bool {
	return c.inFlight+bytes <= c.window
}

func (c *congestionController) onPacketSentBytes(bytes uint64) { c.inFlight += bytes }

func (c *congestionController) onPacketAcked(bytes uint64, sentTime int64) {
	if c.inFlight >= bytes {
		c.inFlight -= bytes
	} else {
		c.inFlight = 0
	}
	if c.recoveryStarted && sentTime <= c.recoveryStart {
		return
	}
	if c.window < c.ssthresh {
		c.window += bytes
	} else {
		c.window += c.mtu * bytes / c.window
	}
}

func (c *congestionController) onPacketLost(bytes uint64, now int64) {
	if c.inFlight >= bytes {
		c.inFlight -= bytes
	} else {
		c.inFlight = 0
	}
	if c.recoveryStarted && now <= c.recoveryStart {
		return
	}
	c.recoveryStarted = true
	c.recoveryStart = now
	half := c.window / 2
	floor := 2 * c.mtu
	if half < floor {
		half = floor
	}
	c.window = half
	c.ssthresh = c.window
}

// lossRecovery owns RTT estimation, the congestion controller, and PTO
// state for one connection (spec.md §4.5). It operates on the three
// packetNumberSpace.sent queues passed in by the connection engine.
type lossRecovery struct {
	rtt        rttStats
	congestion *congestionController
	ptoCount   int
	maxAckDelay int64 // nanoseconds, from peer transport parameters
}

func newLossRecovery(mtu uint64) *lossRecovery {
	return &lossRecovery{congestion: newCongestionController(mtu)}
}

// onAckReceived applies an ACK frame's coverage to one space's sent queue.
// It returns the newly-acked packets and the packets the same pass declares
// lost by packet- or time-threshold (caller is responsible for acting on
// both: freeing stream/crypto bytes for the former, re-queuing them for the
// latter) and updates RTT and congestion state. handshakeConfirmed gates
// whether max_ack_delay applies (spec.md §4.5: only "at Application level
// with a completed handshake").
func (lr *lossRecovery) onAckReceived(space *packetNumberSpace, ack *ackFrame, now int64, handshakeConfirmed bool) (acked, lost []outgoingPacket) {
	rs := ack.toRangeSet()
	if rs == nil {
		return nil, nil
	}
	if int64(ack.largestAck) > space.largestAcked {
		space.largestAcked = int64(ack.largestAck)
	}
	remaining := space.sent[:0]
	var largestNewlyAcked *outgoingPacket
	for i := range space.sent {
		op := space.sent[i]
		if rs.contains(uint64(op.packetNumber)) {
			acked = append(acked, op)
			if op.ackEliciting && (largestNewlyAcked == nil || op.packetNumber > largestNewlyAcked.packetNumber) {
				cp := op
				largestNewlyAcked = &cp
			}
			if op.ackEliciting {
				lr.congestion.onPacketAcked(uint64(op.sentBytes), op.timeSent)
			}
		} else {
			remaining = append(remaining, op)
		}
	}
	space.sent = remaining
	if largestNewlyAcked != nil && largestNewlyAcked.packetNumber == int64(ack.largestAck) {
		latency := now - largestNewlyAcked.timeSent
		if latency > 0 {
			applyDelay := handshakeConfirmed && space.space == packetSpaceApplication
			delay := int64(ack.ackDelay)
			if applyDelay && lr.maxAckDelay > 0 && delay > lr.maxAckDelay {
				delay = lr.maxAckDelay
			}
			lr.rtt.sample(latency, delay, applyDelay)
		}
	}
	if len(acked) > 0 {
		lr.ptoCount = 0
	}
	lost = lr.detectLost(space, now)
	return acked, lost
}

// detectLost applies packet- and time-threshold loss detection (spec.md
// §4.5) and moves lost packets out of the sent queue.
func (lr *lossRecovery) detectLost(space *packetNumberSpace, now int64) []outgoingPacket {
	if space.largestAcked < 0 {
		return nil
	}
	threshold := lr.rtt.latestRTT
	if lr.rtt.avgRTT > threshold {
		threshold = lr.rtt.avgRTT
	}
	threshold = threshold * timeThresholdNumerator / timeThresholdDenominator

	var lost []outgoingPacket
	remaining := space.sent[:0]
	for _, op := range space.sent {
		byCount := space.largestAcked-op.packetNumber >= packetThreshold
		byTime := threshold > 0 && now-op.timeSent >= threshold
		if byCount || byTime {
			lost = append(lost, op)
			if op.ackEliciting {
				lr.congestion.onPacketLost(uint64(op.sentBytes), now)
			}
		} else {
			remaining = append(remaining, op)
		}
	}
	space.sent = remaining
	return lost
}

// probeTimeout computes the PTO duration (spec.md §4.5).
func (lr *lossRecovery) probeTimeout(space packetSpace, handshakeConfirmed bool) int64 {
	pto := lr.rtt.avgRTT
	margin := 4 * lr.rtt.rttVar
	if margin < timeGranularity {
		margin = timeGranularity
	}
	pto += margin
	pto <<= uint(lr.ptoCount)
	if handshakeConfirmed && space == packetSpaceApplication && lr.maxAckDelay > 0 {
		pto += lr.maxAckDelay << uint(lr.ptoCount)
	}
	return pto
}

// onLossDetectionTimeout fires a probe: increments ptoCount and marks the
// oldest in-flight packet of the earliest-armed space for retransmission,
// returning the frames that must be re-queued.
func (lr *lossRecovery) onLossDetectionTimeout(space *packetNumberSpace) []frame {
	lr.ptoCount++
	op, ok := space.oldestInFlight()
	if !ok {
		return nil
	}
	return op.frames
}

func (lr *lossRecovery) dropUnacked(space *packetNumberSpace) {
	for _, op := range space.sent {
		if op.ackEliciting {
			if lr.congestion.inFlight >= uint64(op.sentBytes) {
				lr.congestion.inFlight -= uint64(op.sentBytes)
			} else {
				lr.congestion.inFlight = 0
			}
		}
	}
	space.sent = nil
}
