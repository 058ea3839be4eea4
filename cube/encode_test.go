package cube

import (
	"crypto/rand"
	"testing"

	"cubenet.dev/node/hashengine"
)

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	var eng hashengine.Engine
	b := NewBuilder(1).Payload(make([]byte, 2000))
	_, err := Encode(b, eng, nil, 1, DefaultMineContext())
	assertCode(t, err, ErrOverflow)
}

func TestEncodeDefaultPaddingLengthMatchesInvariant(t *testing.T) {
	var eng hashengine.Engine
	b := NewBuilder(1)
	buf, err := Encode(b, eng, nil, 1, DefaultMineContext())
	if err != nil {
		t.Fatal(err)
	}
	block, err := Decode(buf, eng, 1)
	if err != nil {
		t.Fatal(err)
	}
	f, ok := block.Field(FieldPaddingNonce)
	if !ok {
		t.Fatal("missing PADDING_NONCE field")
	}
	if len(f.Value) != 1016 {
		t.Fatalf("default padding length = %d, want 1016", len(f.Value))
	}
}

func TestEncodeSignsBeforeMining(t *testing.T) {
	// Signing happens before the nonce region varies, so mining at a
	// higher difficulty (forcing more nonce attempts) must not break the
	// signature written before it: the signed prefix never includes nonce bytes.
	var eng hashengine.Engine
	pub, priv, err := eng.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	b := NewBuilder(1).Special(SpecialVariantMUC).PublicKey(pub).Payload([]byte("p"))
	buf, err := Encode(b, eng, &priv, 8, DefaultMineContext())
	if err != nil {
		t.Fatal(err)
	}
	block, err := Decode(buf, eng, 8)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := block.Field(FieldSignature); !ok {
		t.Fatal("missing signature")
	}
}
