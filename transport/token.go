package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"net"
)

// retryTokenLifetimeNanos bounds how old a Retry token may be before it is
// rejected (spec.md §6 "RETRY_LIFETIME (e.g., 10 seconds)").
const retryTokenLifetimeNanos = int64(10 * 1e9)

// newTokenLifetimeNanos is the longer-lived NEW_TOKEN lifetime, per
// spec.md §6 ("NEW_TOKEN uses the same construction with a longer
// lifetime").
const newTokenLifetimeNanos = int64(7 * 24 * 3600 * 1e9)

// tokenSealer implements the retry/NEW_TOKEN construction of spec.md §6:
// AES-256-CBC(IV || client_address_bytes || timestamp) under token_key.
// Grounded on nginx's ngx_quic_new_token / ngx_quic_validate_token, which
// use the same IV-prefixed CBC construction over a (address, timestamp)
// payload.
type tokenSealer struct {
	key [32]byte
}

func newTokenSealer(key [32]byte) *tokenSealer { return &tokenSealer{key: key} }

// seal produces a token binding addr and now (nanoseconds since an
// arbitrary but consistent epoch, supplied by the caller). isRetry selects
// which lifetime open() will later enforce via a leading tag byte.
func (s *tokenSealer) seal(addr net.IP, now int64, isRetry bool) ([]byte, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, err
	}
	plain := make([]byte, 1+16+8)
	if isRetry {
		plain[0] = 1
	}
	copy(plain[1:17], addr.To16())
	binary.BigEndian.PutUint64(plain[17:], uint64(now))

	iv := make([]byte, block.BlockSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, len(iv)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// open validates and unpacks a token produced by seal, checking the client
// address matches and the token has not expired for its kind.
func (s *tokenSealer) open(token []byte, addr net.IP, now int64) (isRetry bool, ok bool) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return false, false
	}
	bs := block.BlockSize()
	if len(token) < bs || (len(token)-bs)%bs != 0 || len(token)-bs == 0 {
		return false, false
	}
	iv, ciphertext := token[:bs], token[bs:]
	plainPadded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plainPadded, ciphertext)
	plain, ok := pkcs7Unpad(plainPadded, bs)
	if !ok || len(plain) != 1+16+8 {
		return false, false
	}
	isRetry = plain[0] == 1
	tokenAddr := net.IP(plain[1:17])
	if !tokenAddr.Equal(addr.To16()) {
		return isRetry, false
	}
	issued := int64(binary.BigEndian.Uint64(plain[17:]))
	lifetime := newTokenLifetimeNanos
	if isRetry {
		lifetime = retryTokenLifetimeNanos
	}
	if now-issued > lifetime || now < issued {
		return isRetry, false
	}
	return isRetry, true
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, bool) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, false
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}

// deriveStatelessResetToken computes a per-CID token from a keyed PRF
// (spec.md §4.3, §6 "sr_token_key"): an HMAC-SHA256 of the CID under the
// endpoint's reset-token key, truncated to 16 bytes. isStatelessReset
// compares a datagram's trailing 16 bytes against such a token.
func deriveStatelessResetToken(srTokenKey []byte, cid []byte) [16]byte {
	mac := hmac.New(sha256.New, srTokenKey)
	mac.Write(cid)
	sum := mac.Sum(nil)
	var token [16]byte
	copy(token[:], sum[:16])
	return token
}

// buildStatelessReset constructs a stateless-reset datagram for an unknown
// DCID: a random prefix followed by the 16-byte token, sized per spec.md
// §4.3 between NGX_QUIC_MIN_SR_PACKET (43) and
// min(NGX_QUIC_MAX_SR_PACKET=1200, 3*received).
func buildStatelessReset(srTokenKey, dcid []byte, received int) ([]byte, error) {
	const minSRPacket = 43
	const maxSRPacket = 1200
	size := 3 * received
	if size > maxSRPacket {
		size = maxSRPacket
	}
	if size < minSRPacket {
		size = minSRPacket
	}
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	b[0] = (b[0] &^ longHeaderForm) | fixedBit
	token := deriveStatelessResetToken(srTokenKey, dcid)
	copy(b[len(b)-16:], token[:])
	return b, nil
}

// isStatelessReset checks a received short-header datagram's trailing 16
// bytes against the token for one of our locally-issued CIDs.
func isStatelessReset(data []byte, token [16]byte) bool {
	if len(data) < 16 {
		return false
	}
	return constantTimeEqual(data[len(data)-16:], token[:])
}
