// Package hashengine provides the narrow set of cryptographic primitives
// the cube subsystem needs: content hashing, proof-of-work difficulty
// measurement, Ed25519 signing for mutable blocks, X25519 key agreement
// and a BLAKE2b-based KDF for field-level encryption, and Argon2id for
// deriving long-term key material from a password.
//
// Nothing here is a package-level singleton; every caller constructs an
// Engine value (or uses the zero value, which is stateless) explicitly.
package hashengine

import (
	"crypto/ed25519"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/sha3"
)

// Engine is stateless; its methods are pure functions of their inputs.
// It exists as a value (rather than bare package functions) so callers
// that need a narrower interface for testing can define one over it.
type Engine struct{}

// Hash returns the SHA3-256 digest of input.
func (Engine) Hash(input []byte) [32]byte {
	return sha3.Sum256(input)
}

// TrailingZeroBits counts zero bits starting from the least significant
// bit of digest's last byte, scanning toward the first byte. A value of
// 256 means the digest is all zero.
func (Engine) TrailingZeroBits(digest [32]byte) int {
	count := 0
	for i := len(digest) - 1; i >= 0; i-- {
		b := digest[i]
		if b == 0 {
			count += 8
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) != 0 {
				return count + bit
			}
		}
	}
	return count
}

// GenerateKey returns a new Ed25519 keypair.
func (Engine) GenerateKey(rand io.Reader) (pub [32]byte, priv [64]byte, err error) {
	p, s, err := ed25519.GenerateKey(rand)
	if err != nil {
		return pub, priv, err
	}
	copy(pub[:], p)
	copy(priv[:], s)
	return pub, priv, nil
}

// Sign produces a 64-byte Ed25519 signature of message under priv.
func (Engine) Sign(priv [64]byte, message []byte) [64]byte {
	var out [64]byte
	sig := ed25519.Sign(ed25519.PrivateKey(priv[:]), message)
	copy(out[:], sig)
	return out
}

// Verify checks an Ed25519 signature of message under pub.
func (Engine) Verify(pub [32]byte, sig [64]byte, message []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), message, sig[:])
}

// KeyAgree performs an X25519 Diffie-Hellman exchange, returning the
// shared secret for priv (our scalar) and peerPub (their point).
func (Engine) KeyAgree(priv, peerPub [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	return out, nil
}

// kdfPersonalBytes is the fixed width of the KDF's ASCII context string,
// matching the libsodium-style crypto_kdf convention this API mirrors.
const kdfPersonalBytes = 16

// KDF derives a 32-byte subkey from masterKey, an index, and a 16-byte
// ASCII context string, in the style of libsodium's crypto_kdf_derive_from_key:
// a keyed BLAKE2b-256 hash of index and context, keyed by masterKey.
func (Engine) KDF(masterKey [32]byte, index uint64, context string) ([32]byte, error) {
	var out [32]byte
	if len(context) > kdfPersonalBytes {
		return out, errors.New("hashengine: kdf context exceeds 16 ASCII bytes")
	}
	var ctx [kdfPersonalBytes]byte
	copy(ctx[:], context)

	h, err := blake2b.New256(masterKey[:])
	if err != nil {
		return out, err
	}
	var idxBytes [8]byte
	for i := 0; i < 8; i++ {
		idxBytes[i] = byte(index >> (8 * uint(i)))
	}
	_, _ = h.Write(idxBytes[:])
	_, _ = h.Write(ctx[:])
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Argon2Params configures DeriveSeed. The algorithm is always Argon2id;
// there is no parameter that selects argon2i/2d.
type Argon2Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultArgon2Params are interactive-login-grade parameters.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}
}

// DeriveSeed derives a 32-byte seed from password and salt using Argon2id.
func (Engine) DeriveSeed(password, salt []byte, p Argon2Params) [32]byte {
	var out [32]byte
	key := argon2.IDKey(password, salt, p.Time, p.MemoryKiB, p.Threads, 32)
	copy(out[:], key)
	return out
}
