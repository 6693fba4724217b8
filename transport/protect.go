package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Cipher identifies the negotiated AEAD, surfaced by the TLS provider via
// install_read_secret/install_write_secret (spec.md §6).
type Cipher int

const (
	CipherAES128GCM Cipher = iota
	CipherAES256GCM
	CipherChaCha20Poly1305
)

// QUIC v1 Initial salt (RFC 9001 §5.2).
var initialSalt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0a,
}

// hkdfExpandLabel implements the TLS 1.3 / QUIC HKDF-Expand-Label construct
// used throughout key derivation (spec.md §4.2).
func hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	fullLabel := "tls13 " + label
	info := make([]byte, 0, 2+1+len(fullLabel)+1+len(context))
	info = append(info, byte(length>>8), byte(length))
	info = append(info, byte(len(fullLabel)))
	info = append(info, fullLabel...)
	info = append(info, byte(len(context)))
	info = append(info, context...)
	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, info)
	if _, err := r.Read(out); err != nil {
		panic(err)
	}
	return out
}

func hkdfExtract(salt, ikm []byte) []byte {
	r := hkdf.Extract(sha256.New, ikm, salt)
	out := make([]byte, sha256.Size)
	if _, err := r.Read(out); err != nil {
		panic(err)
	}
	return out
}

// packetProtection holds the keys derived for one direction (read or write)
// at one encryption level.
type packetProtection struct {
	cipher  Cipher
	aead    cipher.AEAD
	hpKey   []byte
	ivBase  []byte
	keyPhase bool
}

func newAEAD(c Cipher, key []byte) cipher.AEAD {
	switch c {
	case CipherChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			panic(err)
		}
		return aead
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			panic(err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			panic(err)
		}
		return aead
	}
}

func keyLen(c Cipher) int {
	switch c {
	case CipherAES128GCM:
		return 16
	case CipherAES256GCM, CipherChaCha20Poly1305:
		return 32
	default:
		return 16
	}
}

func initProtection(c Cipher, secret []byte) *packetProtection {
	p := &packetProtection{cipher: c}
	key := hkdfExpandLabel(secret, "quic key", nil, keyLen(c))
	p.aead = newAEAD(c, key)
	p.ivBase = hkdfExpandLabel(secret, "quic iv", nil, 12)
	p.hpKey = hkdfExpandLabel(secret, "quic hp", nil, keyLen(c))
	return p
}

// updateSecret derives the next key-phase generation secret, per spec.md
// §4.2 key update.
func updateSecret(secret []byte) []byte {
	return hkdfExpandLabel(secret, "quic ku", nil, len(secret))
}

func (p *packetProtection) nonce(pn uint64) []byte {
	n := make([]byte, len(p.ivBase))
	copy(n, p.ivBase)
	for i := 0; i < 8; i++ {
		n[len(n)-1-i] ^= byte(pn >> (8 * i))
	}
	return n
}

func (p *packetProtection) seal(dst, aad []byte, pn uint64, plaintext []byte) []byte {
	return p.aead.Seal(dst, p.nonce(pn), plaintext, aad)
}

func (p *packetProtection) open(dst, aad []byte, pn uint64, ciphertext []byte) ([]byte, error) {
	return p.aead.Open(dst, p.nonce(pn), ciphertext, aad)
}

// headerProtectionMask computes the 5-byte mask applied to the first byte's
// low bits and the truncated packet number, sampled at a fixed 16-byte
// window starting 4 bytes into the packet-number field per spec.md §4.2.
func (p *packetProtection) headerProtectionMask(sample []byte) []byte {
	switch p.cipher {
	case CipherChaCha20Poly1305:
		var counter uint32
		counter = uint32(sample[0]) | uint32(sample[1])<<8 | uint32(sample[2])<<16 | uint32(sample[3])<<24
		nonce := sample[4:16]
		c, err := chacha20.NewUnauthenticatedCipher(p.hpKey, nonce)
		if err != nil {
			panic(err)
		}
		c.SetCounter(counter)
		mask := make([]byte, 5)
		c.XORKeyStream(mask, mask)
		return mask
	default:
		block, err := aes.NewCipher(p.hpKey)
		if err != nil {
			panic(err)
		}
		mask := make([]byte, block.BlockSize())
		block.Encrypt(mask, sample)
		return mask[:5]
	}
}

// applyHeaderProtection masks (or unmasks, it is an XOR) the first byte and
// packet number in place. longHeader selects which bits of byte 0 are
// maskable (4 bits long header, 5 bits short header).
func applyHeaderProtection(b []byte, pnOffset, pnLen int, mask []byte, longHeader bool) {
	if longHeader {
		b[0] ^= mask[0] & 0x0f
	} else {
		b[0] ^= mask[0] & 0x1f
	}
	for i := 0; i < pnLen; i++ {
		b[pnOffset+i] ^= mask[1+i]
	}
}

// initialAEAD derives the client and server Initial packet protection keys
// from a connection's original DCID (spec.md §4.2).
type initialAEAD struct {
	client *packetProtection
	server *packetProtection
}

func (a *initialAEAD) init(dcid []byte) {
	initSecret := hkdfExtract(initialSalt, dcid)
	clientSecret := hkdfExpandLabel(initSecret, "client in", nil, sha256.Size)
	serverSecret := hkdfExpandLabel(initSecret, "server in", nil, sha256.Size)
	a.client = initProtection(CipherAES128GCM, clientSecret)
	a.server = initProtection(CipherAES128GCM, serverSecret)
}

// sampleOffset returns the header-protection sample start: 4 bytes past the
// start of the (max 4-byte) packet-number field, per spec.md §4.2.
func sampleOffset(pnOffset int) int {
	return pnOffset + 4
}
