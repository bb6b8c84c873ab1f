package custody

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestSPKIRoundTrip(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	uncompressed := priv.PubKey().SerializeUncompressed()

	spki, err := MarshalSPKI(uncompressed)
	if err != nil {
		t.Fatalf("marshal SPKI: %v", err)
	}
	point, err := UncompressedPointFromSPKI(spki)
	if err != nil {
		t.Fatalf("decode SPKI: %v", err)
	}
	if !bytes.Equal(point, uncompressed) {
		t.Fatal("decoded point differs from original")
	}

	compressed, err := CompressPoint(point)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if !bytes.Equal(compressed, priv.PubKey().SerializeCompressed()) {
		t.Fatal("compressed point differs from library encoding")
	}
}

func TestUncompressedPointFromSPKIRejectsWrongCurve(t *testing.T) {
	// An all-zero payload in an otherwise valid envelope must be rejected.
	spki, err := MarshalSPKI(make([]byte, 65))
	if err != nil {
		t.Fatalf("marshal SPKI: %v", err)
	}
	if _, err := UncompressedPointFromSPKI(spki); !errors.Is(err, ErrMalformedKey) {
		t.Fatalf("expected ErrMalformedKey for off-curve point, got %v", err)
	}

	if _, err := UncompressedPointFromSPKI([]byte{0x30, 0x03, 0x02, 0x01, 0x00}); !errors.Is(err, ErrMalformedKey) {
		t.Fatalf("expected ErrMalformedKey for junk DER, got %v", err)
	}
}

func TestFingerprintStable(t *testing.T) {
	compressed, _ := hex.DecodeString("02" + "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	want := Fingerprint(compressed)
	if len(want) != 64 {
		t.Fatalf("expected hex sha256 fingerprint, got %q", want)
	}
	if Fingerprint(compressed) != want {
		t.Fatal("fingerprint must be deterministic")
	}
}

func TestDERSignatureToRaw64(t *testing.T) {
	// Minimal DER signature with one-byte integers.
	der := []byte{0x30, 0x06, 0x02, 0x01, 0x05, 0x02, 0x01, 0x07}

	raw, err := DERSignatureToRaw64(der)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(raw) != 64 {
		t.Fatalf("expected 64 bytes, got %d", len(raw))
	}
	if raw[31] != 0x05 || raw[63] != 0x07 {
		t.Fatalf("expected left-padded r=5 s=7, got r[31]=%#x s[31]=%#x", raw[31], raw[63])
	}
	for i := 0; i < 31; i++ {
		if raw[i] != 0 || raw[32+i] != 0 {
			t.Fatal("expected zero padding")
		}
	}
}

func TestDERSignatureToRaw64NormalizesHighS(t *testing.T) {
	n := secp256k1.S256().Params().N
	highS := new(big.Int).Sub(n, big.NewInt(7)) // n-7 is in the upper half

	sBytes := highS.Bytes()
	// DER INTEGER needs a sign byte when the high bit is set.
	if sBytes[0]&0x80 != 0 {
		sBytes = append([]byte{0x00}, sBytes...)
	}
	der := []byte{0x30, byte(3 + 2 + len(sBytes)), 0x02, 0x01, 0x05, 0x02, byte(len(sBytes))}
	der = append(der, sBytes...)

	raw, err := DERSignatureToRaw64(der)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got := new(big.Int).SetBytes(raw[32:]); got.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("expected s normalized to n-s=7, got %s", got)
	}
}

func TestDERSignatureToRaw64RejectsTrailingBytes(t *testing.T) {
	der := []byte{0x30, 0x06, 0x02, 0x01, 0x05, 0x02, 0x01, 0x07, 0xff}
	if _, err := DERSignatureToRaw64(der); err == nil {
		t.Fatal("expected trailing bytes to be rejected")
	}
}

func TestFakeKeyManagerSignaturesDecode(t *testing.T) {
	fake := NewFakeKeyManager()
	ctx := context.Background()

	created, err := fake.CreateUserKey(ctx, "user-1")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	spki, err := fake.PublicKeyDER(ctx, created.KeyID)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	if _, err := UncompressedPointFromSPKI(spki); err != nil {
		t.Fatalf("fake SPKI must decode: %v", err)
	}

	sig, err := fake.SignRaw(ctx, created.KeyID, []byte("message"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, err := DERSignatureToRaw64(sig)
	if err != nil {
		t.Fatalf("fake signature must convert: %v", err)
	}
	if len(raw) != 64 {
		t.Fatalf("expected 64-byte signature, got %d", len(raw))
	}
}
