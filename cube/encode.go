package cube

import (
	"cubenet.dev/node/hashengine"
)

// Builder assembles a block's fields before encoding. Fields are appended
// in the order they will appear on the wire; SPECIAL_BLOCK, if present,
// must be appended first.
type Builder struct {
	date   uint64
	fields []Field
}

// NewBuilder starts a block with the given date (seconds since epoch,
// truncated to 5 bytes on encode).
func NewBuilder(date uint64) *Builder {
	return &Builder{date: date}
}

// Special appends a SPECIAL_BLOCK field marking the block as MUC or IPB.
// It must be called before any other field is appended.
func (b *Builder) Special(variant SpecialVariant) *Builder {
	b.fields = append(b.fields, Field{Type: FieldSpecialBlock, Value: []byte{byte(variant)}})
	return b
}

// PublicKey appends a PUBLIC_KEY field.
func (b *Builder) PublicKey(pub [32]byte) *Builder {
	b.fields = append(b.fields, Field{Type: FieldPublicKey, Value: append([]byte(nil), pub[:]...)})
	return b
}

// RelatesTo appends a RELATES_TO field referencing another block's identity.
func (b *Builder) RelatesTo(id [32]byte) *Builder {
	b.fields = append(b.fields, Field{Type: FieldRelatesTo, Value: append([]byte(nil), id[:]...)})
	return b
}

// Payload appends a variable-length PAYLOAD field.
func (b *Builder) Payload(data []byte) *Builder {
	b.fields = append(b.fields, Field{Type: FieldPayload, Value: append([]byte(nil), data...)})
	return b
}

// KeyDistribution appends a KEY_DISTRIBUTION field (fingerprint + ephemeral pubkey).
func (b *Builder) KeyDistribution(fingerprint [8]byte, ephemeral [32]byte) *Builder {
	v := make([]byte, 0, KeyDistributionFingerprintLen+KeyDistributionEphemeralLen)
	v = append(v, fingerprint[:]...)
	v = append(v, ephemeral[:]...)
	b.fields = append(b.fields, Field{Type: FieldKeyDistribution, Value: v})
	return b
}

// SharedKey appends a SHARED_KEY field (wrapped key material).
func (b *Builder) SharedKey(wrapped [32]byte) *Builder {
	b.fields = append(b.fields, Field{Type: FieldSharedKey, Value: append([]byte(nil), wrapped[:]...)})
	return b
}

// Encrypted appends an ENCRYPTED field (fingerprint prefix + ciphertext).
func (b *Builder) Encrypted(fingerprint [8]byte, ciphertext []byte) *Builder {
	v := make([]byte, 0, EncryptedFingerprintLen+len(ciphertext))
	v = append(v, fingerprint[:]...)
	v = append(v, ciphertext...)
	b.fields = append(b.fields, Field{Type: FieldEncrypted, Value: v})
	return b
}

func (b *Builder) fieldBytesLen() int {
	total := 0
	for _, f := range b.fields {
		total += f.totalLen()
	}
	return total
}

// signedPrefixLen returns the byte offset, from the start of the buffer, at
// which a SIGNATURE field's header byte would sit, i.e. the length of the header+fields region as it stands right
// before SIGNATURE is appended. Signing covers exactly this prefix plus the
// SIGNATURE type header byte, mirroring block.go's verifySignature.
func (b *Builder) signedPrefixLen() int {
	return HeaderLen + b.fieldBytesLen()
}

// Encode assembles, signs (if priv is non-nil), pads, and mines the block,
// returning the final 1024-byte buffer. Signing happens before mining is
// ever invoked; the signed prefix never covers the nonce region, so the
// nonce search cannot invalidate a signature already written.
//
// A non-nil priv requires a PUBLIC_KEY field among the builder's fields
// (its value is the key the signature is checked against) and adds a
// SIGNATURE; pass a nil priv to produce a block with no signature.
func Encode(b *Builder, eng hashengine.Engine, priv *[64]byte, difficulty int, minerCtx MineContext) ([]byte, error) {
	buf := make([]byte, Size)
	buf[0] = ProtocolVersion << 4
	putDate(buf[1:6], b.date)

	cursor := HeaderLen
	for _, f := range b.fields {
		n, err := writeField(buf[cursor:], f)
		if err != nil {
			return nil, err
		}
		cursor += n
	}

	if priv != nil {
		pub, ok := b.publicKeyValue()
		if !ok {
			return nil, newErr(ErrMalformedFraming, "cannot sign without a PUBLIC_KEY field")
		}
		if cursor >= Size {
			return nil, newErr(ErrOverflow, "no room left for SIGNATURE field")
		}
		// The signed prefix runs through the SIGNATURE field's type byte,
		// so that byte is written before signing.
		buf[cursor] = byte(FieldSignature) << 2
		signedPrefix := buf[:cursor+1]
		sig := eng.Sign(*priv, signedPrefix)
		fingerprint := eng.Hash(pub)

		sigValue := make([]byte, 0, fixedFieldLen[FieldSignature])
		sigValue = append(sigValue, fingerprint[:SignatureFingerprintLen]...)
		sigValue = append(sigValue, sig[:]...)

		n, err := writeField(buf[cursor:], Field{Type: FieldSignature, Value: sigValue})
		if err != nil {
			return nil, err
		}
		cursor += n
	}

	remaining := Size - cursor
	if remaining < 2 {
		return nil, newErr(ErrOverflow, "no room left for trailing PADDING_NONCE")
	}
	padLen := remaining - 2
	if padLen > maxVariableLength {
		return nil, newErr(ErrOverflow, "padding length exceeds 10-bit variable length field")
	}
	padField := Field{Type: FieldPaddingNonce, Value: make([]byte, padLen)}
	if _, err := writeField(buf[cursor:], padField); err != nil {
		return nil, err
	}

	return mine(buf, eng, difficulty, minerCtx)
}

func (b *Builder) publicKeyValue() ([]byte, bool) {
	for _, f := range b.fields {
		if f.Type == FieldPublicKey {
			return f.Value, true
		}
	}
	return nil, false
}

func putDate(dst []byte, date uint64) {
	for i := 0; i < 5; i++ {
		dst[4-i] = byte(date >> (8 * uint(i)))
	}
}

func writeField(dst []byte, f Field) (int, error) {
	n, fixed := isFixedLength(f.Type)
	if fixed {
		if len(f.Value) != n {
			return 0, newErr(ErrMalformedFraming, "fixed field value has wrong length")
		}
		if len(dst) < 1+n {
			return 0, newErr(ErrOverflow, "fixed field does not fit in remaining buffer")
		}
		dst[0] = byte(f.Type) << 2
		copy(dst[1:1+n], f.Value)
		return 1 + n, nil
	}

	l := len(f.Value)
	if l > maxVariableLength {
		return 0, newErr(ErrOverflow, "variable field exceeds 10-bit length")
	}
	if len(dst) < 2+l {
		return 0, newErr(ErrOverflow, "variable field does not fit in remaining buffer")
	}
	dst[0] = byte(f.Type)<<2 | byte((l>>8)&0x03)
	dst[1] = byte(l)
	copy(dst[2:2+l], f.Value)
	return 2 + l, nil
}
