package transport

import "fmt"

// Frame type codes (spec.md §2 item 4, RFC 9000 §19).
const (
	frameTypePadding             = 0x00
	frameTypePing                = 0x01
	frameTypeAck                 = 0x02
	frameTypeAckECN              = 0x03
	frameTypeResetStream         = 0x04
	frameTypeStopSending         = 0x05
	frameTypeCrypto              = 0x06
	frameTypeNewToken            = 0x07
	frameTypeStream              = 0x08
	frameTypeStreamEnd           = 0x0f
	frameTypeMaxData             = 0x10
	frameTypeMaxStreamData       = 0x11
	frameTypeMaxStreamsBidi      = 0x12
	frameTypeMaxStreamsUni       = 0x13
	frameTypeDataBlocked         = 0x14
	frameTypeStreamDataBlocked   = 0x15
	frameTypeStreamsBlockedBidi  = 0x16
	frameTypeStreamsBlockedUni   = 0x17
	frameTypeNewConnectionID     = 0x18
	frameTypeRetireConnectionID  = 0x19
	frameTypePathChallenge       = 0x1a
	frameTypePathResponse        = 0x1b
	frameTypeConnectionClose     = 0x1c
	frameTypeApplicationClose    = 0x1d
	frameTypeHanshakeDone        = 0x1e
)

// Stream frame flag bits, part of the type byte (frameTypeStream..frameTypeStreamEnd).
const (
	streamFlagFin = 0x01
	streamFlagLen = 0x02
	streamFlagOff = 0x04
)

// frame is the tagged-variant interface every frame kind satisfies
// (spec.md §9: "polymorphism over frame kinds is a tagged variant").
type frame interface {
	encode(b []byte) (int, error)
	decode(b []byte) (int, error)
	encodedLen() int
	fmt.Stringer
}

func isFrameAckEliciting(typ uint64) bool {
	switch typ {
	case frameTypePadding, frameTypeAck, frameTypeAckECN, frameTypeConnectionClose, frameTypeApplicationClose:
		return false
	default:
		return true
	}
}

// encodeFrames serializes frames in order into b.
func encodeFrames(b []byte, frames []frame) (int, error) {
	pos := 0
	for _, f := range frames {
		n, err := f.encode(b[pos:])
		if err != nil {
			return 0, err
		}
		pos += n
	}
	return pos, nil
}

// --- PADDING ---

type paddingFrame struct {
	length int
}

func newPaddingFrame(length int) *paddingFrame {
	return &paddingFrame{length: length}
}

func (f *paddingFrame) encode(b []byte) (int, error) {
	if len(b) < f.length {
		return 0, errShortBuffer
	}
	for i := 0; i < f.length; i++ {
		b[i] = frameTypePadding
	}
	return f.length, nil
}

func (f *paddingFrame) decode(b []byte) (int, error) {
	n := 0
	for n < len(b) && b[n] == frameTypePadding {
		n++
	}
	f.length = n
	if n == 0 {
		n = 1
	}
	return n, nil
}

func (f *paddingFrame) encodedLen() int { return f.length }
func (f *paddingFrame) String() string  { return "PADDING" }

// --- PING ---

type pingFrame struct{}

func (f *pingFrame) encode(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	b[0] = frameTypePing
	return 1, nil
}

func (f *pingFrame) decode(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, newError(FrameEncodingError, "ping")
	}
	return 1, nil
}

func (f *pingFrame) encodedLen() int { return 1 }
func (f *pingFrame) String() string  { return "PING" }

// --- ACK ---

// ackRange is one (gap, range) pair as carried on the wire, oldest-adjacent
// ordering matching ackRangeSet.ranges (spec.md §3, §4.4).
type ackRange struct {
	gap   uint64
	rng   uint64
}

type ackFrame struct {
	largestAck    uint64
	ackDelay      uint64
	firstAckRange uint64
	ranges        []ackRange
}

func newAckFrame(ackDelay uint64, rs *ackRangeSet) *ackFrame {
	f := &ackFrame{
		ackDelay: ackDelay,
	}
	if rs == nil || rs.largestRange < 0 {
		return f
	}
	f.largestAck = uint64(rs.largestRange)
	f.firstAckRange = rs.firstRange
	f.ranges = make([]ackRange, len(rs.ranges))
	copy(f.ranges, rs.ranges)
	return f
}

func (f *ackFrame) encode(b []byte) (int, error) {
	need := f.encodedLen()
	if len(b) < need {
		return 0, errShortBuffer
	}
	pos := 0
	pos += putVarint(b[pos:], frameTypeAck)
	pos += putVarint(b[pos:], f.largestAck)
	pos += putVarint(b[pos:], f.ackDelay)
	pos += putVarint(b[pos:], uint64(len(f.ranges)))
	pos += putVarint(b[pos:], f.firstAckRange)
	for _, r := range f.ranges {
		pos += putVarint(b[pos:], r.gap)
		pos += putVarint(b[pos:], r.rng)
	}
	return pos, nil
}

func (f *ackFrame) decode(b []byte) (int, error) {
	pos := 0
	var typ uint64
	n := getVarint(b[pos:], &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "ack type")
	}
	pos += n
	n = getVarint(b[pos:], &f.largestAck)
	if n == 0 {
		return 0, newError(FrameEncodingError, "ack largest")
	}
	pos += n
	n = getVarint(b[pos:], &f.ackDelay)
	if n == 0 {
		return 0, newError(FrameEncodingError, "ack delay")
	}
	pos += n
	var count uint64
	n = getVarint(b[pos:], &count)
	if n == 0 {
		return 0, newError(FrameEncodingError, "ack range count")
	}
	pos += n
	n = getVarint(b[pos:], &f.firstAckRange)
	if n == 0 {
		return 0, newError(FrameEncodingError, "ack first range")
	}
	pos += n
	f.ranges = make([]ackRange, 0, count)
	for i := uint64(0); i < count; i++ {
		var gap, rng uint64
		n = getVarint(b[pos:], &gap)
		if n == 0 {
			return 0, newError(FrameEncodingError, "ack gap")
		}
		pos += n
		n = getVarint(b[pos:], &rng)
		if n == 0 {
			return 0, newError(FrameEncodingError, "ack range")
		}
		pos += n
		f.ranges = append(f.ranges, ackRange{gap: gap, rng: rng})
	}
	if typ == frameTypeAckECN {
		for i := 0; i < 3; i++ {
			var ecn uint64
			n = getVarint(b[pos:], &ecn)
			if n == 0 {
				return 0, newError(FrameEncodingError, "ack ecn")
			}
			pos += n
		}
	}
	return pos, nil
}

func (f *ackFrame) encodedLen() int {
	n := varintLen(frameTypeAck) + varintLen(f.largestAck) + varintLen(f.ackDelay) +
		varintLen(uint64(len(f.ranges))) + varintLen(f.firstAckRange)
	for _, r := range f.ranges {
		n += varintLen(r.gap) + varintLen(r.rng)
	}
	return n
}

func (f *ackFrame) String() string {
	return fmt.Sprintf("ACK largest=%d delay=%d first_range=%d ranges=%d", f.largestAck, f.ackDelay, f.firstAckRange, len(f.ranges))
}

// toRangeSet reconstructs the set of acked packet numbers this frame covers,
// used by loss recovery to walk acked packets without re-deriving bit math
// at every call site.
func (f *ackFrame) toRangeSet() *ackRangeSet {
	rs := &ackRangeSet{
		largestRange: int64(f.largestAck),
		firstRange:   f.firstAckRange,
	}
	if f.firstAckRange > f.largestAck {
		return nil
	}
	rs.ranges = make([]ackRange, len(f.ranges))
	copy(rs.ranges, f.ranges)
	// Validate that ranges do not underflow.
	largest := int64(f.largestAck) - int64(f.firstAckRange)
	for _, r := range f.ranges {
		largest -= int64(r.gap) + 2
		if largest < 0 {
			return nil
		}
		largest -= int64(r.rng)
		if largest < -1 {
			return nil
		}
	}
	return rs
}

// --- RESET_STREAM ---

type resetStreamFrame struct {
	streamID  uint64
	errorCode uint64
	finalSize uint64
}

func newResetStreamFrame(streamID, errorCode, finalSize uint64) *resetStreamFrame {
	return &resetStreamFrame{streamID: streamID, errorCode: errorCode, finalSize: finalSize}
}

func (f *resetStreamFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	pos := putVarint(b, frameTypeResetStream)
	pos += putVarint(b[pos:], f.streamID)
	pos += putVarint(b[pos:], f.errorCode)
	pos += putVarint(b[pos:], f.finalSize)
	return pos, nil
}

func (f *resetStreamFrame) decode(b []byte) (int, error) {
	pos := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "reset_stream")
	}
	pos += n
	for _, v := range []*uint64{&f.streamID, &f.errorCode, &f.finalSize} {
		n = getVarint(b[pos:], v)
		if n == 0 {
			return 0, newError(FrameEncodingError, "reset_stream")
		}
		pos += n
	}
	return pos, nil
}

func (f *resetStreamFrame) encodedLen() int {
	return varintLen(frameTypeResetStream) + varintLen(f.streamID) + varintLen(f.errorCode) + varintLen(f.finalSize)
}

func (f *resetStreamFrame) String() string {
	return fmt.Sprintf("RESET_STREAM id=%d code=%d final=%d", f.streamID, f.errorCode, f.finalSize)
}

// --- STOP_SENDING ---

type stopSendingFrame struct {
	streamID  uint64
	errorCode uint64
}

func newStopSendingFrame(streamID, errorCode uint64) *stopSendingFrame {
	return &stopSendingFrame{streamID: streamID, errorCode: errorCode}
}

func (f *stopSendingFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	pos := putVarint(b, frameTypeStopSending)
	pos += putVarint(b[pos:], f.streamID)
	pos += putVarint(b[pos:], f.errorCode)
	return pos, nil
}

func (f *stopSendingFrame) decode(b []byte) (int, error) {
	pos := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "stop_sending")
	}
	pos += n
	n = getVarint(b[pos:], &f.streamID)
	if n == 0 {
		return 0, newError(FrameEncodingError, "stop_sending")
	}
	pos += n
	n = getVarint(b[pos:], &f.errorCode)
	if n == 0 {
		return 0, newError(FrameEncodingError, "stop_sending")
	}
	pos += n
	return pos, nil
}

func (f *stopSendingFrame) encodedLen() int {
	return varintLen(frameTypeStopSending) + varintLen(f.streamID) + varintLen(f.errorCode)
}

func (f *stopSendingFrame) String() string {
	return fmt.Sprintf("STOP_SENDING id=%d code=%d", f.streamID, f.errorCode)
}

// --- CRYPTO ---

type cryptoFrame struct {
	offset uint64
	data   []byte
}

func newCryptoFrame(data []byte, offset uint64) *cryptoFrame {
	return &cryptoFrame{data: data, offset: offset}
}

func (f *cryptoFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	pos := putVarint(b, frameTypeCrypto)
	pos += putVarint(b[pos:], f.offset)
	pos += putVarint(b[pos:], uint64(len(f.data)))
	pos += copy(b[pos:], f.data)
	return pos, nil
}

func (f *cryptoFrame) decode(b []byte) (int, error) {
	pos := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "crypto")
	}
	pos += n
	n = getVarint(b[pos:], &f.offset)
	if n == 0 {
		return 0, newError(FrameEncodingError, "crypto")
	}
	pos += n
	data, rest, ok := getVarintBytes(b[pos:])
	if !ok {
		return 0, newError(FrameEncodingError, "crypto")
	}
	f.data = append([]byte(nil), data...)
	pos += len(b[pos:]) - len(rest)
	return pos, nil
}

func (f *cryptoFrame) encodedLen() int {
	return varintLen(frameTypeCrypto) + varintLen(f.offset) + varintLen(uint64(len(f.data))) + len(f.data)
}

func (f *cryptoFrame) String() string {
	return fmt.Sprintf("CRYPTO offset=%d len=%d", f.offset, len(f.data))
}

const maxCryptoFrameOverhead = 1 + 8 + 8 // type + offset + length, worst case

// --- NEW_TOKEN ---

type newTokenFrame struct {
	token []byte
}

func newNewTokenFrame(token []byte) *newTokenFrame {
	return &newTokenFrame{token: token}
}

func (f *newTokenFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	pos := putVarint(b, frameTypeNewToken)
	pos += putVarint(b[pos:], uint64(len(f.token)))
	pos += copy(b[pos:], f.token)
	return pos, nil
}

func (f *newTokenFrame) decode(b []byte) (int, error) {
	pos := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "new_token")
	}
	pos += n
	data, rest, ok := getVarintBytes(b[pos:])
	if !ok {
		return 0, newError(FrameEncodingError, "new_token")
	}
	f.token = append([]byte(nil), data...)
	pos += len(b[pos:]) - len(rest)
	return pos, nil
}

func (f *newTokenFrame) encodedLen() int {
	return varintLen(frameTypeNewToken) + varintLen(uint64(len(f.token))) + len(f.token)
}

func (f *newTokenFrame) String() string { return fmt.Sprintf("NEW_TOKEN len=%d", len(f.token)) }

// --- STREAM ---

type streamFrame struct {
	streamID uint64
	offset   uint64
	data     []byte
	fin      bool
}

func newStreamFrame(streamID uint64, data []byte, offset uint64, fin bool) *streamFrame {
	return &streamFrame{streamID: streamID, data: data, offset: offset, fin: fin}
}

func (f *streamFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	typ := uint64(frameTypeStream) | streamFlagLen
	if f.offset > 0 {
		typ |= streamFlagOff
	}
	if f.fin {
		typ |= streamFlagFin
	}
	pos := putVarint(b, typ)
	pos += putVarint(b[pos:], f.streamID)
	if f.offset > 0 {
		pos += putVarint(b[pos:], f.offset)
	}
	pos += putVarint(b[pos:], uint64(len(f.data)))
	pos += copy(b[pos:], f.data)
	return pos, nil
}

func (f *streamFrame) decode(b []byte) (int, error) {
	pos := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "stream")
	}
	pos += n
	n = getVarint(b[pos:], &f.streamID)
	if n == 0 {
		return 0, newError(FrameEncodingError, "stream")
	}
	pos += n
	f.offset = 0
	if typ&streamFlagOff != 0 {
		n = getVarint(b[pos:], &f.offset)
		if n == 0 {
			return 0, newError(FrameEncodingError, "stream")
		}
		pos += n
	}
	f.fin = typ&streamFlagFin != 0
	if typ&streamFlagLen != 0 {
		data, rest, ok := getVarintBytes(b[pos:])
		if !ok {
			return 0, newError(FrameEncodingError, "stream")
		}
		f.data = append([]byte(nil), data...)
		pos += len(b[pos:]) - len(rest)
	} else {
		// Extends to the end of the packet.
		f.data = append([]byte(nil), b[pos:]...)
		pos = len(b)
	}
	return pos, nil
}

func (f *streamFrame) encodedLen() int {
	n := 1 // type, always fits in 1 byte since top 3 bits of 0x08-0x0f stay within 1-byte varint range
	n += varintLen(f.streamID)
	if f.offset > 0 {
		n += varintLen(f.offset)
	}
	n += varintLen(uint64(len(f.data))) + len(f.data)
	return n
}

func (f *streamFrame) String() string {
	return fmt.Sprintf("STREAM id=%d offset=%d len=%d fin=%v", f.streamID, f.offset, len(f.data), f.fin)
}

const maxStreamFrameOverhead = 1 + 8 + 8 + 8 // type + id + offset + length, worst case

// --- MAX_DATA ---

type maxDataFrame struct {
	maximumData uint64
}

func newMaxDataFrame(max uint64) *maxDataFrame { return &maxDataFrame{maximumData: max} }

func (f *maxDataFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	pos := putVarint(b, frameTypeMaxData)
	pos += putVarint(b[pos:], f.maximumData)
	return pos, nil
}

func (f *maxDataFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "max_data")
	}
	pos := n
	n = getVarint(b[pos:], &f.maximumData)
	if n == 0 {
		return 0, newError(FrameEncodingError, "max_data")
	}
	return pos + n, nil
}

func (f *maxDataFrame) encodedLen() int {
	return varintLen(frameTypeMaxData) + varintLen(f.maximumData)
}
func (f *maxDataFrame) String() string { return fmt.Sprintf("MAX_DATA max=%d", f.maximumData) }

// --- MAX_STREAM_DATA ---

type maxStreamDataFrame struct {
	streamID    uint64
	maximumData uint64
}

func newMaxStreamDataFrame(streamID, max uint64) *maxStreamDataFrame {
	return &maxStreamDataFrame{streamID: streamID, maximumData: max}
}

func (f *maxStreamDataFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	pos := putVarint(b, frameTypeMaxStreamData)
	pos += putVarint(b[pos:], f.streamID)
	pos += putVarint(b[pos:], f.maximumData)
	return pos, nil
}

func (f *maxStreamDataFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "max_stream_data")
	}
	pos := n
	n = getVarint(b[pos:], &f.streamID)
	if n == 0 {
		return 0, newError(FrameEncodingError, "max_stream_data")
	}
	pos += n
	n = getVarint(b[pos:], &f.maximumData)
	if n == 0 {
		return 0, newError(FrameEncodingError, "max_stream_data")
	}
	return pos + n, nil
}

func (f *maxStreamDataFrame) encodedLen() int {
	return varintLen(frameTypeMaxStreamData) + varintLen(f.streamID) + varintLen(f.maximumData)
}

func (f *maxStreamDataFrame) String() string {
	return fmt.Sprintf("MAX_STREAM_DATA id=%d max=%d", f.streamID, f.maximumData)
}

// --- MAX_STREAMS ---

type maxStreamsFrame struct {
	maximumStreams uint64
	bidi           bool
}

func newMaxStreamsFrame(max uint64, bidi bool) *maxStreamsFrame {
	return &maxStreamsFrame{maximumStreams: max, bidi: bidi}
}

func (f *maxStreamsFrame) typ() uint64 {
	if f.bidi {
		return frameTypeMaxStreamsBidi
	}
	return frameTypeMaxStreamsUni
}

func (f *maxStreamsFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	pos := putVarint(b, f.typ())
	pos += putVarint(b[pos:], f.maximumStreams)
	return pos, nil
}

func (f *maxStreamsFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "max_streams")
	}
	f.bidi = typ == frameTypeMaxStreamsBidi
	pos := n
	n = getVarint(b[pos:], &f.maximumStreams)
	if n == 0 {
		return 0, newError(FrameEncodingError, "max_streams")
	}
	return pos + n, nil
}

func (f *maxStreamsFrame) encodedLen() int {
	return varintLen(f.typ()) + varintLen(f.maximumStreams)
}

func (f *maxStreamsFrame) String() string {
	return fmt.Sprintf("MAX_STREAMS bidi=%v max=%d", f.bidi, f.maximumStreams)
}

// --- DATA_BLOCKED / STREAM_DATA_BLOCKED / STREAMS_BLOCKED ---
// Peer-blocked accounting is informational only: these frames are decoded
// and otherwise ignored, and no back-pressure is applied based on them.

type dataBlockedFrame struct{ dataLimit uint64 }

func newDataBlockedFrame(limit uint64) *dataBlockedFrame { return &dataBlockedFrame{dataLimit: limit} }

func (f *dataBlockedFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	pos := putVarint(b, frameTypeDataBlocked)
	pos += putVarint(b[pos:], f.dataLimit)
	return pos, nil
}

func (f *dataBlockedFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "data_blocked")
	}
	pos := n
	n = getVarint(b[pos:], &f.dataLimit)
	if n == 0 {
		return 0, newError(FrameEncodingError, "data_blocked")
	}
	return pos + n, nil
}

func (f *dataBlockedFrame) encodedLen() int {
	return varintLen(frameTypeDataBlocked) + varintLen(f.dataLimit)
}
func (f *dataBlockedFrame) String() string { return fmt.Sprintf("DATA_BLOCKED limit=%d", f.dataLimit) }

type streamDataBlockedFrame struct {
	streamID  uint64
	dataLimit uint64
}

func newStreamDataBlockedFrame(streamID, limit uint64) *streamDataBlockedFrame {
	return &streamDataBlockedFrame{streamID: streamID, dataLimit: limit}
}

func (f *streamDataBlockedFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	pos := putVarint(b, frameTypeStreamDataBlocked)
	pos += putVarint(b[pos:], f.streamID)
	pos += putVarint(b[pos:], f.dataLimit)
	return pos, nil
}

func (f *streamDataBlockedFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "stream_data_blocked")
	}
	pos := n
	n = getVarint(b[pos:], &f.streamID)
	if n == 0 {
		return 0, newError(FrameEncodingError, "stream_data_blocked")
	}
	pos += n
	n = getVarint(b[pos:], &f.dataLimit)
	if n == 0 {
		return 0, newError(FrameEncodingError, "stream_data_blocked")
	}
	return pos + n, nil
}

func (f *streamDataBlockedFrame) encodedLen() int {
	return varintLen(frameTypeStreamDataBlocked) + varintLen(f.streamID) + varintLen(f.dataLimit)
}

func (f *streamDataBlockedFrame) String() string {
	return fmt.Sprintf("STREAM_DATA_BLOCKED id=%d limit=%d", f.streamID, f.dataLimit)
}

type streamsBlockedFrame struct {
	streamLimit uint64
	bidi        bool
}

func newStreamsBlockedFrame(limit uint64, bidi bool) *streamsBlockedFrame {
	return &streamsBlockedFrame{streamLimit: limit, bidi: bidi}
}

func (f *streamsBlockedFrame) typ() uint64 {
	if f.bidi {
		return frameTypeStreamsBlockedBidi
	}
	return frameTypeStreamsBlockedUni
}

func (f *streamsBlockedFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	pos := putVarint(b, f.typ())
	pos += putVarint(b[pos:], f.streamLimit)
	return pos, nil
}

func (f *streamsBlockedFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "streams_blocked")
	}
	f.bidi = typ == frameTypeStreamsBlockedBidi
	pos := n
	n = getVarint(b[pos:], &f.streamLimit)
	if n == 0 {
		return 0, newError(FrameEncodingError, "streams_blocked")
	}
	return pos + n, nil
}

func (f *streamsBlockedFrame) encodedLen() int {
	return varintLen(f.typ()) + varintLen(f.streamLimit)
}

func (f *streamsBlockedFrame) String() string {
	return fmt.Sprintf("STREAMS_BLOCKED bidi=%v limit=%d", f.bidi, f.streamLimit)
}

// --- NEW_CONNECTION_ID ---

type newConnectionIDFrame struct {
	seqNum        uint64
	retirePriorTo uint64
	connID        []byte
	resetToken    [16]byte
}

func newNewConnectionIDFrame(seq, retirePriorTo uint64, cid []byte, token [16]byte) *newConnectionIDFrame {
	return &newConnectionIDFrame{seqNum: seq, retirePriorTo: retirePriorTo, connID: cid, resetToken: token}
}

func (f *newConnectionIDFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	pos := putVarint(b, frameTypeNewConnectionID)
	pos += putVarint(b[pos:], f.seqNum)
	pos += putVarint(b[pos:], f.retirePriorTo)
	b[pos] = byte(len(f.connID))
	pos++
	pos += copy(b[pos:], f.connID)
	pos += copy(b[pos:], f.resetToken[:])
	return pos, nil
}

func (f *newConnectionIDFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "new_connection_id")
	}
	pos := n
	n = getVarint(b[pos:], &f.seqNum)
	if n == 0 {
		return 0, newError(FrameEncodingError, "new_connection_id")
	}
	pos += n
	n = getVarint(b[pos:], &f.retirePriorTo)
	if n == 0 {
		return 0, newError(FrameEncodingError, "new_connection_id")
	}
	pos += n
	if len(b) <= pos {
		return 0, newError(FrameEncodingError, "new_connection_id")
	}
	cidLen := int(b[pos])
	pos++
	if cidLen == 0 || cidLen > MaxCIDLength || len(b) < pos+cidLen+16 {
		return 0, newError(FrameEncodingError, "new_connection_id")
	}
	f.connID = append([]byte(nil), b[pos:pos+cidLen]...)
	pos += cidLen
	copy(f.resetToken[:], b[pos:pos+16])
	pos += 16
	return pos, nil
}

func (f *newConnectionIDFrame) encodedLen() int {
	return varintLen(frameTypeNewConnectionID) + varintLen(f.seqNum) + varintLen(f.retirePriorTo) + 1 + len(f.connID) + 16
}

func (f *newConnectionIDFrame) String() string {
	return fmt.Sprintf("NEW_CONNECTION_ID seq=%d retire_prior_to=%d cid=%x", f.seqNum, f.retirePriorTo, f.connID)
}

// --- RETIRE_CONNECTION_ID ---

type retireConnectionIDFrame struct {
	seqNum uint64
}

func newRetireConnectionIDFrame(seq uint64) *retireConnectionIDFrame {
	return &retireConnectionIDFrame{seqNum: seq}
}

func (f *retireConnectionIDFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	pos := putVarint(b, frameTypeRetireConnectionID)
	pos += putVarint(b[pos:], f.seqNum)
	return pos, nil
}

func (f *retireConnectionIDFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "retire_connection_id")
	}
	pos := n
	n = getVarint(b[pos:], &f.seqNum)
	if n == 0 {
		return 0, newError(FrameEncodingError, "retire_connection_id")
	}
	return pos + n, nil
}

func (f *retireConnectionIDFrame) encodedLen() int {
	return varintLen(frameTypeRetireConnectionID) + varintLen(f.seqNum)
}

func (f *retireConnectionIDFrame) String() string {
	return fmt.Sprintf("RETIRE_CONNECTION_ID seq=%d", f.seqNum)
}

// --- PATH_CHALLENGE / PATH_RESPONSE ---

type pathChallengeFrame struct {
	data [8]byte
}

func (f *pathChallengeFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	pos := putVarint(b, frameTypePathChallenge)
	pos += copy(b[pos:], f.data[:])
	return pos, nil
}

func (f *pathChallengeFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || len(b) < n+8 {
		return 0, newError(FrameEncodingError, "path_challenge")
	}
	copy(f.data[:], b[n:n+8])
	return n + 8, nil
}

func (f *pathChallengeFrame) encodedLen() int { return varintLen(frameTypePathChallenge) + 8 }
func (f *pathChallengeFrame) String() string  { return fmt.Sprintf("PATH_CHALLENGE data=%x", f.data) }

type pathResponseFrame struct {
	data [8]byte
}

func newPathResponseFrame(data [8]byte) *pathResponseFrame { return &pathResponseFrame{data: data} }

func (f *pathResponseFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	pos := putVarint(b, frameTypePathResponse)
	pos += copy(b[pos:], f.data[:])
	return pos, nil
}

func (f *pathResponseFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || len(b) < n+8 {
		return 0, newError(FrameEncodingError, "path_response")
	}
	copy(f.data[:], b[n:n+8])
	return n + 8, nil
}

func (f *pathResponseFrame) encodedLen() int { return varintLen(frameTypePathResponse) + 8 }
func (f *pathResponseFrame) String() string  { return fmt.Sprintf("PATH_RESPONSE data=%x", f.data) }

// --- CONNECTION_CLOSE ---

type connectionCloseFrame struct {
	application  bool
	errorCode    uint64
	frameType    uint64
	reasonPhrase []byte
}

func newConnectionCloseFrame(errorCode, frameType uint64, reason []byte, app bool) *connectionCloseFrame {
	return &connectionCloseFrame{application: app, errorCode: errorCode, frameType: frameType, reasonPhrase: reason}
}

func (f *connectionCloseFrame) typ() uint64 {
	if f.application {
		return frameTypeApplicationClose
	}
	return frameTypeConnectionClose
}

func (f *connectionCloseFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	pos := putVarint(b, f.typ())
	pos += putVarint(b[pos:], f.errorCode)
	if !f.application {
		pos += putVarint(b[pos:], f.frameType)
	}
	pos += putVarint(b[pos:], uint64(len(f.reasonPhrase)))
	pos += copy(b[pos:], f.reasonPhrase)
	return pos, nil
}

func (f *connectionCloseFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "connection_close")
	}
	f.application = typ == frameTypeApplicationClose
	pos := n
	n = getVarint(b[pos:], &f.errorCode)
	if n == 0 {
		return 0, newError(FrameEncodingError, "connection_close")
	}
	pos += n
	if !f.application {
		n = getVarint(b[pos:], &f.frameType)
		if n == 0 {
			return 0, newError(FrameEncodingError, "connection_close")
		}
		pos += n
	}
	data, rest, ok := getVarintBytes(b[pos:])
	if !ok {
		return 0, newError(FrameEncodingError, "connection_close")
	}
	f.reasonPhrase = append([]byte(nil), data...)
	pos += len(b[pos:]) - len(rest)
	return pos, nil
}

func (f *connectionCloseFrame) encodedLen() int {
	n := varintLen(f.typ()) + varintLen(f.errorCode)
	if !f.application {
		n += varintLen(f.frameType)
	}
	n += varintLen(uint64(len(f.reasonPhrase))) + len(f.reasonPhrase)
	return n
}

func (f *connectionCloseFrame) String() string {
	return fmt.Sprintf("CONNECTION_CLOSE app=%v code=%s reason=%s", f.application, errorCodeString(ErrorCode(f.errorCode)), f.reasonPhrase)
}

// --- HANDSHAKE_DONE ---

type handshakeDoneFrame struct{}

func (f *handshakeDoneFrame) encode(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	b[0] = frameTypeHanshakeDone
	return 1, nil
}

func (f *handshakeDoneFrame) decode(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, newError(FrameEncodingError, "handshake_done")
	}
	return 1, nil
}

func (f *handshakeDoneFrame) encodedLen() int { return 1 }
func (f *handshakeDoneFrame) String() string  { return "HANDSHAKE_DONE" }
