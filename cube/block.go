// Package cube implements the 1024-byte packed block codec: TLV field
// parsing, encoding, proof-of-work mining, block identity derivation for
// immutable, mutable (MUC), and immutable-persistence (IPB) blocks, and
// the block-lifetime calibration function used by store eviction.
package cube

import (
	"cubenet.dev/node/hashengine"
)

const (
	// Size is the total encoded size of every block.
	Size = 1024

	// HeaderLen is the version/reserved byte plus the 5-byte date field.
	HeaderLen = 6

	// FieldAreaLen is the number of bytes available for TLV fields.
	FieldAreaLen = Size - HeaderLen

	// ProtocolVersion is the only version this codec accepts.
	ProtocolVersion = 0
)

// Kind identifies how a block's identity is derived.
type Kind int

const (
	KindImmutable Kind = iota
	KindMutable
	KindIPB
)

func (k Kind) String() string {
	switch k {
	case KindImmutable:
		return "immutable"
	case KindMutable:
		return "mutable"
	case KindIPB:
		return "ipb"
	default:
		return "unknown"
	}
}

// Block is a fully decoded, validated 1024-byte block.
type Block struct {
	Version  byte
	Reserved byte
	Date     uint64 // seconds since UNIX epoch, 5 bytes on the wire
	Fields   []Field
	Kind     Kind
	Raw      [Size]byte
}

// Identity returns the block's content-addressing key: the full SHA3-256
// digest for immutable blocks, the public key for mutable blocks, and a
// truncated content hash (excluding date and padding/nonce) for IPB blocks.
func (b *Block) Identity(eng hashengine.Engine) [32]byte {
	switch b.Kind {
	case KindMutable:
		if pk, ok := b.field(FieldPublicKey); ok {
			var out [32]byte
			copy(out[:], pk.Value)
			return out
		}
		return eng.Hash(b.Raw[:])
	case KindIPB:
		return ipbIdentity(eng, b)
	default:
		return eng.Hash(b.Raw[:])
	}
}

// ipbIdentity hashes version+reserved and every TLV field byte except the
// date field and PADDING_NONCE, then truncates to 16 bytes zero-padded
// into a 32-byte array. Anyone can re-publish the same content with a
// fresh date and nonce without changing the identity.
func ipbIdentity(eng hashengine.Engine, b *Block) [32]byte {
	buf := make([]byte, 0, Size)
	buf = append(buf, b.Raw[0])
	for _, f := range b.Fields {
		if f.Type == FieldPaddingNonce {
			continue
		}
		buf = append(buf, byte(f.Type)<<2)
		if _, fixed := isFixedLength(f.Type); !fixed {
			l := len(f.Value)
			buf = append(buf, byte(l>>8), byte(l))
		}
		buf = append(buf, f.Value...)
	}
	full := eng.Hash(buf)
	var out [32]byte
	copy(out[:16], full[:16])
	return out
}

func (b *Block) field(t FieldType) (Field, bool) {
	for _, f := range b.Fields {
		if f.Type == t {
			return f, true
		}
	}
	return Field{}, false
}

// Field looks up the first field of the given type, if present.
func (b *Block) Field(t FieldType) (Field, bool) {
	return b.field(t)
}

// Decode parses and fully validates a 1024-byte buffer. The difficulty
// parameter is the minimum required trailing-zero-bit count of the
// buffer's SHA3-256 digest.
func Decode(buf []byte, eng hashengine.Engine, difficulty int) (*Block, error) {
	if len(buf) != Size {
		return nil, newErr(ErrInvalidSize, "buffer must be exactly 1024 bytes")
	}

	digest := eng.Hash(buf)
	if tz := eng.TrailingZeroBits(digest); tz < difficulty {
		return nil, newErr(ErrDifficultyUnmet, "trailing zero bits below required difficulty")
	}

	version := buf[0] >> 4
	reserved := buf[0] & 0x0F
	if version != ProtocolVersion {
		return nil, newErr(ErrUnsupportedVersion, "only protocol version 0 is accepted")
	}
	date := parseDate(buf[1:6])

	fields, err := parseFields(buf)
	if err != nil {
		return nil, err
	}

	if err := checkSpecialFirst(fields); err != nil {
		return nil, err
	}
	if err := checkSignatureLast(fields); err != nil {
		return nil, err
	}

	kind, err := classify(fields)
	if err != nil {
		return nil, err
	}

	b := &Block{
		Version:  version,
		Reserved: reserved,
		Date:     date,
		Fields:   fields,
		Kind:     kind,
	}
	copy(b.Raw[:], buf)

	if sig, ok := b.field(FieldSignature); ok {
		if err := verifySignature(eng, b, sig); err != nil {
			return nil, err
		}
	}

	return b, nil
}

func parseDate(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func parseFields(buf []byte) ([]Field, error) {
	fields := make([]Field, 0, 8)
	cursor := HeaderLen
	for cursor < Size {
		header0 := buf[cursor]
		t := FieldType(header0 >> 2)
		if !isKnownFieldType(t) {
			return nil, newErr(ErrInvalidTlvType, "unrecognized TLV type")
		}

		var value []byte
		var headerSize, length int
		if n, fixed := isFixedLength(t); fixed {
			headerSize = 1
			length = n
		} else {
			if cursor+1 >= Size {
				return nil, newErr(ErrTruncatedField, "variable-length header truncated")
			}
			header1 := buf[cursor+1]
			headerSize = 2
			length = int(header0&0x03)<<8 | int(header1)
		}

		valueStart := cursor + headerSize
		valueEnd := valueStart + length
		if valueEnd > Size {
			return nil, newErr(ErrTruncatedField, "field value exceeds buffer end")
		}
		value = buf[valueStart:valueEnd]
		fields = append(fields, Field{Type: t, Value: append([]byte(nil), value...)})
		cursor = valueEnd
	}
	if cursor != Size {
		return nil, newErr(ErrMalformedFraming, "field cursor overshot buffer end")
	}
	return fields, nil
}

func checkSpecialFirst(fields []Field) error {
	for i, f := range fields {
		if f.Type == FieldSpecialBlock && i != 0 {
			return newErr(ErrSpecialNotFirst, "SPECIAL_BLOCK must be the first field")
		}
	}
	if len(fields) > 0 && fields[0].Type == FieldSpecialBlock {
		variant := SpecialVariant(fields[0].Value[0] & 0x03)
		if !variant.recognized() {
			return newErr(ErrInvalidTlvType, "unrecognized SPECIAL_BLOCK variant")
		}
	}
	return nil
}

// checkSignatureLast requires SIGNATURE, if present, to be the last
// non-padding field. The auto-appended trailing PADDING_NONCE is mining
// scratch space, not application content, so it may follow the signature;
// mining runs after signing and mutates only the nonce region, which the
// signed prefix never covers.
func checkSignatureLast(fields []Field) error {
	sigIdx := -1
	for i, f := range fields {
		if f.Type == FieldSignature {
			sigIdx = i
		}
	}
	if sigIdx == -1 {
		return nil
	}
	for _, f := range fields[sigIdx+1:] {
		if f.Type != FieldPaddingNonce {
			return newErr(ErrMalformedFraming, "SIGNATURE must be the last non-padding field")
		}
	}
	return nil
}

func classify(fields []Field) (Kind, error) {
	if len(fields) == 0 || fields[0].Type != FieldSpecialBlock {
		return KindImmutable, nil
	}
	switch SpecialVariant(fields[0].Value[0] & 0x03) {
	case SpecialVariantMUC:
		return KindMutable, nil
	case SpecialVariantIPB:
		return KindIPB, nil
	default:
		return KindImmutable, newErr(ErrInvalidTlvType, "unrecognized SPECIAL_BLOCK variant")
	}
}

// verifySignature checks the fingerprint prefix against the PUBLIC_KEY
// field and verifies the Ed25519 signature over the signed prefix.
func verifySignature(eng hashengine.Engine, b *Block, sig Field) error {
	if len(sig.Value) != fixedFieldLen[FieldSignature] {
		return newErr(ErrBadSignature, "signature field has unexpected length")
	}
	fingerprint := sig.Value[:SignatureFingerprintLen]
	var sigBytes [64]byte
	copy(sigBytes[:], sig.Value[SignatureFingerprintLen:])

	pkField, ok := b.field(FieldPublicKey)
	if !ok {
		return newErr(ErrFingerprintMismatch, "SIGNATURE present without PUBLIC_KEY")
	}
	var pubkey [32]byte
	copy(pubkey[:], pkField.Value)

	wantFingerprint := eng.Hash(pubkey[:])
	for i := 0; i < SignatureFingerprintLen; i++ {
		if fingerprint[i] != wantFingerprint[i] {
			return newErr(ErrFingerprintMismatch, "signature fingerprint does not match public key")
		}
	}

	sigTypeByteOffset, ok := offsetOfFieldTypeByte(b.Raw[:], FieldSignature)
	if !ok {
		return newErr(ErrBadSignature, "could not locate signature field offset")
	}
	signedPrefix := b.Raw[:sigTypeByteOffset+1]
	if !eng.Verify(pubkey, sigBytes, signedPrefix) {
		return newErr(ErrBadSignature, "ed25519 verification failed")
	}
	return nil
}

// offsetOfFieldTypeByte re-walks the buffer to find the byte offset of the
// header byte (the one carrying the type) for the first field of type t.
func offsetOfFieldTypeByte(buf []byte, t FieldType) (int, bool) {
	cursor := HeaderLen
	for cursor < Size {
		header0 := buf[cursor]
		ft := FieldType(header0 >> 2)
		if ft == t {
			return cursor, true
		}
		var headerSize, length int
		if n, fixed := isFixedLength(ft); fixed {
			headerSize = 1
			length = n
		} else {
			header1 := buf[cursor+1]
			headerSize = 2
			length = int(header0&0x03)<<8 | int(header1)
		}
		cursor += headerSize + length
	}
	return 0, false
}
