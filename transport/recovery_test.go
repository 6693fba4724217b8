package transport

import (
	"testing"
	"time"
)

func TestLossRecoverySplitsAckedAndLost(t *testing.T) {
	lr := newLossRecovery(1200)
	sp := newPacketNumberSpace(packetSpaceApplication)

	sp.onPacketSent(outgoingPacket{packetNumber: 0, sentBytes: 100, timeSent: 0, ackEliciting: true})
	sp.onPacketSent(outgoingPacket{packetNumber: 1, sentBytes: 100, timeSent: 0, ackEliciting: true})
	sp.onPacketSent(outgoingPacket{packetNumber: 2, sentBytes: 100, timeSent: 0, ackEliciting: true})
	sp.onPacketSent(outgoingPacket{packetNumber: 3, sentBytes: 100, timeSent: 0, ackEliciting: true})

	// Ack only packet 3; 0 is packetThreshold (3) behind the largest
	// acked and must be declared lost, 1 and 2 remain in flight.
	ack := newAckFrame(0, &ackRangeSet{largestRange: 3})
	acked, lost := lr.onAckReceived(sp, ack, 1000, false)

	if len(acked) != 1 || acked[0].packetNumber != 3 {
		t.Fatalf("expected packet 3 acked, got %+v", acked)
	}
	if len(lost) != 1 || lost[0].packetNumber != 0 {
		t.Fatalf("expected packet 0 lost, got %+v", lost)
	}
	if len(sp.sent) != 2 {
		t.Fatalf("expected packets 1 and 2 still in flight, got %+v", sp.sent)
	}
}

func TestCheckTimeoutArmsPTOFromOldestInFlight(t *testing.T) {
	c := &Conn{}
	c.recovery = newLossRecovery(1200)
	c.spaces[packetSpaceApplication] = newPacketNumberSpace(packetSpaceApplication)
	c.spaces[packetSpaceInitial] = newPacketNumberSpace(packetSpaceInitial)
	c.spaces[packetSpaceHandshake] = newPacketNumberSpace(packetSpaceHandshake)
	c.idleTimeoutNanos = int64(time.Hour)

	sp := c.spaces[packetSpaceApplication]
	sp.onPacketSent(outgoingPacket{packetNumber: 0, sentBytes: 100, timeSent: 1000, ackEliciting: true, frames: []frame{&pingFrame{}}})

	pto := c.recovery.probeTimeout(packetSpaceApplication, c.handshakeConfirmed)

	c.checkTimeout(1000 + pto - 1)
	if c.recovery.ptoCount != 0 {
		t.Fatalf("PTO fired early: ptoCount=%d", c.recovery.ptoCount)
	}

	c.checkTimeout(1000 + pto)
	if c.recovery.ptoCount != 1 {
		t.Fatalf("PTO did not fire when due: ptoCount=%d", c.recovery.ptoCount)
	}
}

func TestPacketNumberSpaceAckNow(t *testing.T) {
	sp := newPacketNumberSpace(packetSpaceApplication)
	sp.pendingAck = true
	sp.ackDelayStart = 0

	maxAckDelay := int64(25 * 1e6)
	if sp.ackNow(1, maxAckDelay) {
		t.Fatalf("ACK fired before sendAckCount threshold or delay elapsed")
	}
	sp.sendAckCount = 2
	if !sp.ackNow(1, maxAckDelay) {
		t.Fatalf("ACK did not fire once two ack-eliciting packets arrived")
	}
	sp.sendAckCount = 0
	if !sp.ackNow(maxAckDelay, maxAckDelay) {
		t.Fatalf("ACK did not fire once max_ack_delay elapsed")
	}

	init := newPacketNumberSpace(packetSpaceInitial)
	init.pendingAck = true
	if !init.ackNow(0, maxAckDelay) {
		t.Fatalf("Initial-space ACK must never be delayed")
	}
}
