package transport

// maxStreamsAbsoluteLimit is the semantic ceiling from spec.md §9's open
// question about NGX_QUIC_STREAMS_LIMIT: the source defines it via a
// left-shift that reads as a typo, but the intended value in both readings
// is 2^60. We enforce 2^60 and never advertise or accept a MAX_STREAMS
// value above it (spec.md §8: "MAX_STREAMS limit: 2^60 upper bound
// enforced").
const maxStreamsAbsoluteLimit = uint64(1) << 60

// streamLimits tracks the four (initiator, direction) counters and the
// negotiated ceilings for each, for one connection (spec.md §3 "Streams
// subsystem").
type streamLimits struct {
	// Streams the peer may open, as advertised by us via initial_max_streams_*
	// and subsequent MAX_STREAMS frames we send.
	maxRemoteBidi uint64
	maxRemoteUni  uint64
	countRemoteBidi uint64
	countRemoteUni  uint64

	// Streams we may open, as told to us by the peer's initial_max_streams_*
	// and subsequent MAX_STREAMS frames from the peer.
	maxLocalBidi uint64
	maxLocalUni  uint64
	countLocalBidi uint64
	countLocalUni  uint64
}

// streamMap is the per-connection stream table: an ordered map from stream
// ID to state plus the bookkeeping needed to enforce type/initiator/limit
// rules on creation (spec.md §2 item 7).
type streamMap struct {
	isServer bool
	streams  map[uint64]*stream
	order    []uint64

	limits streamLimits

	recvBufferSize int // per-stream receive buffer size (spec.md §4.10 default 64 KiB)

	// Credit values to hand new streams, taken from local/peer transport
	// parameters once negotiated.
	localInitialMaxStreamDataBidiLocal  uint64
	localInitialMaxStreamDataBidiRemote uint64
	localInitialMaxStreamDataUni        uint64
	peerInitialMaxStreamDataBidiLocal   uint64
	peerInitialMaxStreamDataBidiRemote  uint64
	peerInitialMaxStreamDataUni         uint64
}

func newStreamMap(isServer bool) *streamMap {
	return &streamMap{
		isServer:       isServer,
		streams:        make(map[uint64]*stream),
		recvBufferSize: defaultStreamRecvBufferSize,
	}
}

func (m *streamMap) get(id uint64) (*stream, bool) {
	s, ok := m.streams[id]
	return s, ok
}

// streamClass groups a stream ID's (bidi, local) combination for limit
// bookkeeping.
func (m *streamMap) streamClass(id uint64) (bidi, local bool) {
	return isStreamBidi(id), isStreamLocal(id, m.isServer)
}

// currentMax returns the current (seq-space) limit on peer-initiated
// streams of the given direction, used to enforce their creation.
func (m *streamMap) currentMax(bidi bool) uint64 {
	if bidi {
		return m.limits.maxRemoteBidi
	}
	return m.limits.maxRemoteUni
}

// getOrCreate looks up a stream by ID, creating it (and every
// lower-numbered stream of the same class not yet seen) if this is the
// first frame referencing it, per spec.md §4.10. It returns
// STREAM_LIMIT_ERROR if id's sequence number is at or past the advertised
// limit for its class.
func (m *streamMap) getOrCreate(id uint64) (*stream, error) {
	if s, ok := m.streams[id]; ok {
		return s, nil
	}
	bidi, local := m.streamClass(id)
	if local {
		// A frame referencing a stream we are supposed to have initiated,
		// but haven't, is a protocol violation rather than a new stream.
		return nil, newError(StreamStateError, "unknown locally-initiated stream")
	}
	seq := streamSequence(id)
	limit := m.currentMax(bidi)
	if seq >= limit {
		return nil, newError(StreamLimitError, "stream id exceeds advertised limit")
	}
	recvInitial, sendInitial := m.creditsFor(bidi, local)
	// Create every lower-numbered stream of the same class that does not
	// exist yet, then the requested one (spec.md §4.10).
	var created *stream
	for s := uint64(0); s <= seq; s++ {
		sid := makeStreamID(s, isStreamClientInitiated(id), bidi)
		if _, ok := m.streams[sid]; ok {
			continue
		}
		st := newStream(sid, local, recvInitial, sendInitial, m.recvBufferSize)
		m.streams[sid] = st
		m.order = append(m.order, sid)
		if bidi {
			m.limits.countRemoteBidi++
		} else {
			m.limits.countRemoteUni++
		}
		created = st
	}
	return created, nil
}

// open creates a new locally-initiated stream, failing with
// STREAM_LIMIT_ERROR if the peer's MAX_STREAMS for this class has been
// reached.
func (m *streamMap) open(bidi bool) (*stream, error) {
	var seq, max *uint64
	if bidi {
		seq, max = &m.limits.countLocalBidi, &m.limits.maxLocalBidi
	} else {
		seq, max = &m.limits.countLocalUni, &m.limits.maxLocalUni
	}
	if *seq >= *max {
		return nil, newError(StreamLimitError, "local stream limit reached")
	}
	id := makeStreamID(*seq, !m.isServer, bidi)
	*seq++
	recvInitial, sendInitial := m.creditsFor(bidi, true)
	s := newStream(id, true, recvInitial, sendInitial, m.recvBufferSize)
	m.streams[id] = s
	m.order = append(m.order, id)
	return s, nil
}

func (m *streamMap) creditsFor(bidi, local bool) (recvInitial, sendInitial uint64) {
	switch {
	case bidi && local:
		return m.localInitialMaxStreamDataBidiLocal, m.peerInitialMaxStreamDataBidiRemote
	case bidi && !local:
		return m.localInitialMaxStreamDataBidiRemote, m.peerInitialMaxStreamDataBidiLocal
	case !bidi && local:
		return 0, m.peerInitialMaxStreamDataUni // local-initiated uni streams never receive
	default:
		return m.localInitialMaxStreamDataUni, 0 // remote-initiated uni streams never send
	}
}

// applyPeerMaxStreams installs a MAX_STREAMS value from the peer, clamped
// to the absolute ceiling; only increases take effect.
func (m *streamMap) applyPeerMaxStreams(bidi bool, max uint64) {
	if max > maxStreamsAbsoluteLimit {
		max = maxStreamsAbsoluteLimit
	}
	if bidi {
		if max > m.limits.maxLocalBidi {
			m.limits.maxLocalBidi = max
		}
	} else if max > m.limits.maxLocalUni {
		m.limits.maxLocalUni = max
	}
}

// bumpRemoteLimit advances how many peer-initiated streams of a class we
// will accept, clamped to the absolute ceiling; only increases take effect.
// It installs our own initial_max_streams limits when a connection is set up.
func (m *streamMap) bumpRemoteLimit(bidi bool, max uint64) {
	if max > maxStreamsAbsoluteLimit {
		max = maxStreamsAbsoluteLimit
	}
	if bidi {
		if max > m.limits.maxRemoteBidi {
			m.limits.maxRemoteBidi = max
		}
	} else if max > m.limits.maxRemoteUni {
		m.limits.maxRemoteUni = max
	}
}

func (m *streamMap) remove(id uint64) {
	if _, ok := m.streams[id]; !ok {
		return
	}
	delete(m.streams, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// hasFlushable reports whether any stream has pending send data or a
// notification owed to the consumer, in insertion order.
func (m *streamMap) hasFlushable() bool {
	for _, id := range m.order {
		if m.streams[id].hasFlushable() {
			return true
		}
	}
	return false
}
