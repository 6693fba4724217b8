package transport

import "fmt"

// ErrorCode is a QUIC transport error code sent in a CONNECTION_CLOSE frame.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#name-transport-error-codes
type ErrorCode uint64

// Transport error codes.
const (
	NoError                  ErrorCode = 0x0
	InternalError            ErrorCode = 0x1
	ConnectionRefused        ErrorCode = 0x2
	FlowControlError         ErrorCode = 0x3
	StreamLimitError         ErrorCode = 0x4
	StreamStateError         ErrorCode = 0x5
	FinalSizeError           ErrorCode = 0x6
	FrameEncodingError       ErrorCode = 0x7
	TransportParameterError  ErrorCode = 0x8
	ConnectionIDLimitError   ErrorCode = 0x9
	ProtocolViolation        ErrorCode = 0xa
	InvalidToken             ErrorCode = 0xb
	ApplicationError         ErrorCode = 0xc
	CryptoBufferExceeded     ErrorCode = 0xd
	KeyUpdateError           ErrorCode = 0xe
	AEADLimitReached         ErrorCode = 0xf
	NoViablePathError        ErrorCode = 0x10
	cryptoErrorBase          ErrorCode = 0x100
)

// Error is a QUIC connection error. It is either a transport error (is_app
// false) or an application-level error (is_app true). The first offense
// populates it; it must not be overwritten afterwards (spec.md §7).
type Error struct {
	Code      ErrorCode
	FrameType uint64 // Frame type that triggered the error, 0 if none.
	Message   string
	IsApp     bool
}

func (e *Error) Error() string {
	if e.Message == "" {
		return errorCodeString(e.Code)
	}
	return fmt.Sprintf("%s: %s", errorCodeString(e.Code), e.Message)
}

func newError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func errorCodeString(code ErrorCode) string {
	if code >= cryptoErrorBase && code <= 0x1ff {
		return fmt.Sprintf("crypto_error_%d", code-cryptoErrorBase)
	}
	switch code {
	case NoError:
		return "no_error"
	case InternalError:
		return "internal_error"
	case ConnectionRefused:
		return "connection_refused"
	case FlowControlError:
		return "flow_control_error"
	case StreamLimitError:
		return "stream_limit_error"
	case StreamStateError:
		return "stream_state_error"
	case FinalSizeError:
		return "final_size_error"
	case FrameEncodingError:
		return "frame_encoding_error"
	case TransportParameterError:
		return "transport_parameter_error"
	case ConnectionIDLimitError:
		return "connection_id_limit_error"
	case ProtocolViolation:
		return "protocol_violation"
	case InvalidToken:
		return "invalid_token"
	case ApplicationError:
		return "application_error"
	case CryptoBufferExceeded:
		return "crypto_buffer_exceeded"
	case KeyUpdateError:
		return "key_update_error"
	case AEADLimitReached:
		return "aead_limit_reached"
	case NoViablePathError:
		return "no_viable_path_error"
	default:
		return fmt.Sprintf("unknown_error_%#x", uint64(code))
	}
}

var (
	errInvalidToken  = newError(InvalidToken, "invalid token")
	errFlowControl   = newError(FlowControlError, "")
	errShortBuffer   = newError(InternalError, "short buffer")
	errInvalidPacket = newError(ProtocolViolation, "invalid packet")
)
