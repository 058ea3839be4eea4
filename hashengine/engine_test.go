package hashengine

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestTrailingZeroBits(t *testing.T) {
	cases := []struct {
		name string
		b    [32]byte
		want int
	}{
		{"0x01", lastByte(0x01), 0},
		{"0x02", lastByte(0x02), 1},
		{"0x04", lastByte(0x04), 2},
		{"0x08", lastByte(0x08), 3},
		{"0x10", lastByte(0x10), 4},
		{"0x20", lastByte(0x20), 5},
		{"all-zero", [32]byte{}, 256},
	}
	var e Engine
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := e.TrailingZeroBits(c.b); got != c.want {
				t.Fatalf("TrailingZeroBits(%v) = %d, want %d", c.b, got, c.want)
			}
		})
	}
}

func lastByte(b byte) [32]byte {
	var out [32]byte
	out[31] = b
	return out
}

func TestTrailingZeroBitsAcrossZeroBytes(t *testing.T) {
	var e Engine
	var digest [32]byte
	digest[30] = 0x04 // two trailing zero bytes would be wrong; this is one zero byte then bit 2
	if got := e.TrailingZeroBits(digest); got != 8+2 {
		t.Fatalf("got %d, want %d", got, 10)
	}
}

func TestSignVerifyRoundtrip(t *testing.T) {
	var e Engine
	pub, priv, err := e.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("hello, cube")
	sig := e.Sign(priv, msg)
	if !e.Verify(pub, sig, msg) {
		t.Fatal("verify failed for valid signature")
	}
	if e.Verify(pub, sig, []byte("tampered")) {
		t.Fatal("verify succeeded for tampered message")
	}
}

func TestKeyAgreeSymmetric(t *testing.T) {
	var e Engine
	var privA, privB [32]byte
	if _, err := rand.Read(privA[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(privB[:]); err != nil {
		t.Fatal(err)
	}
	pubA, err := e.KeyAgree(privA, basePoint())
	if err != nil {
		t.Fatal(err)
	}
	pubB, err := e.KeyAgree(privB, basePoint())
	if err != nil {
		t.Fatal(err)
	}
	sharedA, err := e.KeyAgree(privA, pubB)
	if err != nil {
		t.Fatal(err)
	}
	sharedB, err := e.KeyAgree(privB, pubA)
	if err != nil {
		t.Fatal(err)
	}
	if sharedA != sharedB {
		t.Fatalf("shared secrets differ: %x vs %x", sharedA, sharedB)
	}
}

func basePoint() [32]byte {
	return [32]byte{9}
}

func TestKDFDeterministicAndIndexSensitive(t *testing.T) {
	var e Engine
	var master [32]byte
	for i := range master {
		master[i] = byte(i)
	}
	k1, err := e.KDF(master, 0, "cube-field-key")
	if err != nil {
		t.Fatal(err)
	}
	k1Again, err := e.KDF(master, 0, "cube-field-key")
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k1Again {
		t.Fatal("KDF is not deterministic")
	}
	k2, err := e.KDF(master, 1, "cube-field-key")
	if err != nil {
		t.Fatal(err)
	}
	if k1 == k2 {
		t.Fatal("KDF did not vary with index")
	}
}

func TestKDFRejectsOverlongContext(t *testing.T) {
	var e Engine
	var master [32]byte
	if _, err := e.KDF(master, 0, "this-context-string-is-too-long"); err == nil {
		t.Fatal("expected error for context longer than 16 bytes")
	}
}

func TestDeriveSeedDeterministic(t *testing.T) {
	var e Engine
	params := Argon2Params{Time: 1, MemoryKiB: 8 * 1024, Threads: 1}
	s1 := e.DeriveSeed([]byte("password"), []byte("salt-value-16by!"), params)
	s2 := e.DeriveSeed([]byte("password"), []byte("salt-value-16by!"), params)
	if s1 != s2 {
		t.Fatal("DeriveSeed is not deterministic for identical inputs")
	}
	s3 := e.DeriveSeed([]byte("different"), []byte("salt-value-16by!"), params)
	if s1 == s3 {
		t.Fatal("DeriveSeed did not vary with password")
	}
}

func TestKeyWrapRoundtrip(t *testing.T) {
	var e Engine
	kek := bytes.Repeat([]byte{0x11}, 32)
	keyIn := bytes.Repeat([]byte{0x22}, 32)
	wrapped, err := e.KeyWrap(kek, keyIn)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := e.KeyUnwrap(kek, wrapped)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, keyIn) {
		t.Fatal("unwrap mismatch")
	}
}

func TestKeyUnwrapRejectsTamperedBlob(t *testing.T) {
	var e Engine
	kek := bytes.Repeat([]byte{0x11}, 32)
	keyIn := bytes.Repeat([]byte{0x22}, 32)
	wrapped, err := e.KeyWrap(kek, keyIn)
	if err != nil {
		t.Fatal(err)
	}
	wrapped[0] ^= 0xff
	if _, err := e.KeyUnwrap(kek, wrapped); err == nil {
		t.Fatal("expected integrity check failure")
	}
}
