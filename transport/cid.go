package transport

// clientIDEntry is one CID the peer has told us we may use to address it
// (spec.md §3 "Client-ID entry").
type clientIDEntry struct {
	seqNum     uint64
	cid        []byte
	resetToken [16]byte
	hasToken   bool
}

// cidManager tracks the peer-issued connection IDs available to this
// connection and the server's own issued CIDs (spec.md §4.11). "client" in
// field names here means "the CIDs we use to address the peer", regardless
// of which endpoint is actually the client.
type cidManager struct {
	peerCIDs        []clientIDEntry
	maxRetiredSeqnum uint64
	activeLimit      uint64 // peer's active_connection_id_limit advertised to us... actually ours to them
	localLimit       uint64 // our own active_connection_id_limit, bounds len(peerCIDs)

	// localCIDs are the CIDs we issued to the peer (seqnum-ordered), the
	// ones that can appear as DCID on packets addressed to us.
	localCIDs    []clientIDEntry
	nextLocalSeq uint64

	originalDCID       []byte // the client's first Initial DCID
	retrySourceCID     []byte // our SCID on the Retry we sent, if any
}

func newCIDManager(localLimit uint64) *cidManager {
	return &cidManager{localLimit: localLimit}
}

// addPeerCID processes a NEW_CONNECTION_ID received from the peer, failing
// PROTOCOL_VIOLATION if a duplicate sequence number carries different
// payload (spec.md §4.11).
func (m *cidManager) addPeerCID(seq, retirePriorTo uint64, cid []byte, token [16]byte) error {
	for _, e := range m.peerCIDs {
		if e.seqNum == seq {
			if string(e.cid) != string(cid) || e.resetToken != token {
				return newError(ProtocolViolation, "new_connection_id mismatch")
			}
			return nil
		}
	}
	m.peerCIDs = append(m.peerCIDs, clientIDEntry{seqNum: seq, cid: cid, resetToken: token, hasToken: true})
	if retirePriorTo > m.maxRetiredSeqnum {
		m.maxRetiredSeqnum = retirePriorTo
	}
	active := 0
	for _, e := range m.peerCIDs {
		if e.seqNum >= m.maxRetiredSeqnum {
			active++
		}
	}
	if uint64(active) > m.localLimit {
		return newError(ConnectionIDLimitError, "too many active connection ids")
	}
	return nil
}

// applyRetirement removes entries below maxRetiredSeqnum, returning
// the ones removed so the caller can emit RETIRE_CONNECTION_ID for each.
func (m *cidManager) applyRetirement() []clientIDEntry {
	var retired []clientIDEntry
	kept := m.peerCIDs[:0]
	for _, e := range m.peerCIDs {
		if e.seqNum < m.maxRetiredSeqnum {
			retired = append(retired, e)
		} else {
			kept = append(kept, e)
		}
	}
	m.peerCIDs = kept
	return retired
}

func (m *cidManager) activeEntries() []clientIDEntry { return m.peerCIDs }

// currentPeerCID returns the CID with the highest sequence number, which
// this endpoint uses as the outbound SCID target (spec.md §4.11).
func (m *cidManager) currentPeerCID() ([]byte, bool) {
	if len(m.peerCIDs) == 0 {
		return nil, false
	}
	best := m.peerCIDs[0]
	for _, e := range m.peerCIDs[1:] {
		if e.seqNum > best.seqNum {
			best = e
		}
	}
	return best.cid, true
}

// issueLocalCID generates a new CID to offer the peer via
// NEW_CONNECTION_ID, deriving its stateless-reset token from srTokenKey.
func (m *cidManager) issueLocalCID(cid []byte, srTokenKey []byte) clientIDEntry {
	e := clientIDEntry{
		seqNum:     m.nextLocalSeq,
		cid:        cid,
		resetToken: deriveStatelessResetToken(srTokenKey, cid),
		hasToken:   true,
	}
	m.nextLocalSeq++
	m.localCIDs = append(m.localCIDs, e)
	return e
}

// retireLocalCID handles a RETIRE_CONNECTION_ID from the peer naming one of
// our issued CIDs (spec.md §9 open question: "retires the named
// server-issued CID and triggers issuance of a replacement").
func (m *cidManager) retireLocalCID(seq uint64) (retired clientIDEntry, found bool) {
	for i, e := range m.localCIDs {
		if e.seqNum == seq {
			m.localCIDs = append(m.localCIDs[:i], m.localCIDs[i+1:]...)
			return e, true
		}
	}
	return clientIDEntry{}, false
}

func (m *cidManager) localCIDCount() int { return len(m.localCIDs) }
