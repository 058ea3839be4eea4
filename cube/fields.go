package cube

// FieldType is the 6-bit TLV type tag occupying the top bits of a field's
// header byte. Only the values below are recognized; anything else fails
// decode with ErrInvalidTlvType.
type FieldType byte

const (
	FieldSpecialBlock    FieldType = 0
	FieldPublicKey       FieldType = 1
	FieldRelatesTo       FieldType = 2
	FieldKeyDistribution FieldType = 3
	FieldSharedKey       FieldType = 4
	FieldSignature       FieldType = 5
	FieldPayload         FieldType = 6
	FieldEncrypted       FieldType = 7
	FieldPaddingNonce    FieldType = 8
)

func (t FieldType) String() string {
	switch t {
	case FieldSpecialBlock:
		return "SPECIAL_BLOCK"
	case FieldPublicKey:
		return "PUBLIC_KEY"
	case FieldRelatesTo:
		return "RELATES_TO"
	case FieldKeyDistribution:
		return "KEY_DISTRIBUTION"
	case FieldSharedKey:
		return "SHARED_KEY"
	case FieldSignature:
		return "SIGNATURE"
	case FieldPayload:
		return "PAYLOAD"
	case FieldEncrypted:
		return "ENCRYPTED"
	case FieldPaddingNonce:
		return "PADDING_NONCE"
	default:
		return "UNKNOWN"
	}
}

// Fixed-length field sizes, keyed by type. A type not present here is
// variable-length and carries an explicit 10-bit length in its header.
//
// SIGNATURE is fixed at 72 bytes: an 8-byte signer-key fingerprint (the
// leading bytes of SHA3-256 over the PUBLIC_KEY value) followed by the
// 64-byte Ed25519 signature itself.
var fixedFieldLen = map[FieldType]int{
	FieldSpecialBlock:    1,
	FieldPublicKey:       32,
	FieldRelatesTo:       32,
	FieldKeyDistribution: 40,
	FieldSharedKey:       32,
	FieldSignature:       72,
}

// SignatureFingerprintLen and SignatureLen are the two parts of a
// SIGNATURE field's fixed 72-byte value.
const (
	SignatureFingerprintLen = 8
	SignatureLen            = 64
)

// KeyDistributionFingerprintLen and KeyDistributionEphemeralLen are the two
// parts of a KEY_DISTRIBUTION field's fixed 40-byte value.
const (
	KeyDistributionFingerprintLen = 8
	KeyDistributionEphemeralLen   = 32
)

// EncryptedFingerprintLen is the fixed prefix of an ENCRYPTED field's
// variable-length value, identifying the symmetric key used without
// revealing it.
const EncryptedFingerprintLen = 8

func isKnownFieldType(t FieldType) bool {
	switch t {
	case FieldSpecialBlock, FieldPublicKey, FieldRelatesTo, FieldKeyDistribution,
		FieldSharedKey, FieldSignature, FieldPayload, FieldEncrypted, FieldPaddingNonce:
		return true
	default:
		return false
	}
}

func isFixedLength(t FieldType) (int, bool) {
	n, ok := fixedFieldLen[t]
	return n, ok
}

// SpecialVariant is the 2-bit payload of a SPECIAL_BLOCK field.
type SpecialVariant byte

const (
	SpecialVariantReservedLow SpecialVariant = 0
	SpecialVariantMUC         SpecialVariant = 1
	SpecialVariantIPB         SpecialVariant = 2
	SpecialVariantReservedHi  SpecialVariant = 3
)

func (v SpecialVariant) recognized() bool {
	return v == SpecialVariantMUC || v == SpecialVariantIPB
}

// Field is one decoded or to-be-encoded TLV field.
type Field struct {
	Type  FieldType
	Value []byte
}

func (f Field) headerLen() int {
	if _, fixed := isFixedLength(f.Type); fixed {
		return 1
	}
	return 2
}

func (f Field) totalLen() int {
	return f.headerLen() + len(f.Value)
}

// maxVariableLength is the largest length a 10-bit variable-length header
// can express.
const maxVariableLength = 1023
