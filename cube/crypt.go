package cube

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"cubenet.dev/node/hashengine"
)

// sharedKeyKDFContext is the fixed KDF context string used when deriving
// the key-wrapping key for a block's SHARED_KEY field from an X25519
// agreement, kept under hashengine's 16-byte context limit.
const sharedKeyKDFContext = "cube-shared-key"

// DeriveWrapKey runs X25519 key agreement between priv and the recipient's
// ephemeral/static public key, then feeds the shared secret through the
// KDF to produce the key-encryption key used to wrap a block's SHARED_KEY.
// This is the concrete mechanism behind KEY_DISTRIBUTION: the ephemeral
// public key travels on the wire, the wrap key never does.
func DeriveWrapKey(eng hashengine.Engine, priv, peerPub [32]byte) ([32]byte, error) {
	shared, err := eng.KeyAgree(priv, peerPub)
	if err != nil {
		return [32]byte{}, err
	}
	return eng.KDF(shared, 0, sharedKeyKDFContext)
}

// WrapSharedKey wraps a 32-byte symmetric content key under a key-encryption
// key using AES Key Wrap, producing a 40-byte value: the 32-byte key plus
// the 8-byte integrity block that UnwrapSharedKey checks.
func WrapSharedKey(eng hashengine.Engine, kek, contentKey [32]byte) ([]byte, error) {
	return eng.KeyWrap(kek[:], contentKey[:])
}

// UnwrapSharedKey reverses WrapSharedKey.
func UnwrapSharedKey(eng hashengine.Engine, kek [32]byte, wrapped []byte) ([32]byte, error) {
	var out [32]byte
	plain, err := eng.KeyUnwrap(kek[:], wrapped)
	if err != nil {
		return out, err
	}
	copy(out[:], plain)
	return out, nil
}

// SealEncrypted encrypts plaintext under contentKey using AES-256-GCM,
// producing the ciphertext blob that follows an ENCRYPTED field's
// fingerprint prefix: a random 12-byte nonce followed by the sealed box.
func SealEncrypted(contentKey [32]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(contentKey[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenEncrypted reverses SealEncrypted.
func OpenEncrypted(contentKey [32]byte, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(contentKey[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, newErr(ErrMalformedFraming, "encrypted blob shorter than nonce")
	}
	nonce, ct := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}
