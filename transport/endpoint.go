package transport

import (
	"net"
	"time"
)

// This file is the narrow surface a UDP-facing listener needs before a
// Conn exists: routing an unrecognized datagram to Version Negotiation,
// Retry or a brand-new Accept, and recognizing a stateless reset. Conn
// itself covers everything after a connection ID is known.

// NegotiateVersion builds a Version Negotiation packet offering versions
// to a client whose requested version this endpoint does not support
// (spec.md §4.1).
func NegotiateVersion(dcid, scid []byte, versions []uint32) ([]byte, error) {
	b := make([]byte, 7+len(dcid)+len(scid)+4*len(versions))
	n, err := encodeVersionNegotiation(b, dcid, scid, versions)
	if err != nil {
		return nil, err
	}
	return b[:n], nil
}

// NewRetryToken seals a Retry token binding addr to now, for inclusion in
// a Retry packet built by BuildRetry.
func NewRetryToken(tokenKey [32]byte, addr net.IP, now time.Time) ([]byte, error) {
	s := tokenSealer{key: tokenKey}
	return s.seal(addr, now.UnixNano(), true)
}

// NewAddressToken seals a longer-lived NEW_TOKEN value (spec.md §6), used
// to let a returning client skip the Retry round trip.
func NewAddressToken(tokenKey [32]byte, addr net.IP, now time.Time) ([]byte, error) {
	s := tokenSealer{key: tokenKey}
	return s.seal(addr, now.UnixNano(), false)
}

// ValidateToken opens a token produced by NewRetryToken or
// NewAddressToken, checking the bound address and lifetime. ok is false
// for a token that is malformed, address-mismatched or expired.
func ValidateToken(tokenKey [32]byte, token []byte, addr net.IP, now time.Time) (isRetry bool, ok bool) {
	s := tokenSealer{key: tokenKey}
	return s.open(token, addr, now.UnixNano())
}

// BuildRetry constructs a Retry packet in response to an Initial carrying
// no (or an invalid) token, binding the client's original DCID into the
// integrity tag per RFC 9001 §5.8.
func BuildRetry(version uint32, dcid, scid, odcid, token []byte) ([]byte, error) {
	b := make([]byte, 7+len(dcid)+len(scid)+len(token)+retryIntegrityTagLen)
	n, err := encodeRetry(b, version, dcid, scid, odcid, token)
	if err != nil {
		return nil, err
	}
	return b[:n], nil
}

// StatelessResetToken derives the per-CID token an endpoint embeds in
// NEW_CONNECTION_ID frames and later matches against to recognize its own
// stateless resets.
func StatelessResetToken(srTokenKey, cid []byte) [16]byte {
	return deriveStatelessResetToken(srTokenKey, cid)
}

// BuildStatelessReset constructs a stateless-reset datagram for a DCID
// this endpoint does not recognize as belonging to any live connection.
func BuildStatelessReset(srTokenKey, dcid []byte, received int) ([]byte, error) {
	return buildStatelessReset(srTokenKey, dcid, received)
}

// IsStatelessReset reports whether data's trailing bytes match the
// stateless-reset token for cid.
func IsStatelessReset(srTokenKey, cid []byte, data []byte) bool {
	token := deriveStatelessResetToken(srTokenKey, cid)
	return isStatelessReset(data, token)
}
