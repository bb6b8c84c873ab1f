package custody

import (
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ErrMalformedKey indicates key material from the custody service that does
// not match the expected secp256k1 layout. This is a fatal integration
// error, never retried.
var ErrMalformedKey = errors.New("malformed custody key material")

var (
	oidECPublicKey = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidSecp256k1   = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
)

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// UncompressedPointFromSPKI decodes an SPKI/DER public key as returned by
// the custody service into the 65-byte uncompressed secp256k1 point. The
// stdlib x509 parser rejects secp256k1, so the envelope is unwrapped here.
func UncompressedPointFromSPKI(spkiDER []byte) ([]byte, error) {
	var spki subjectPublicKeyInfo
	rest, err := asn1.Unmarshal(spkiDER, &spki)
	if err != nil {
		return nil, fmt.Errorf("%w: parse SPKI: %v", ErrMalformedKey, err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after SPKI", ErrMalformedKey)
	}
	if !spki.Algorithm.Algorithm.Equal(oidECPublicKey) {
		return nil, fmt.Errorf("%w: not an EC public key", ErrMalformedKey)
	}

	var curve asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(spki.Algorithm.Parameters.FullBytes, &curve); err != nil {
		return nil, fmt.Errorf("%w: parse curve parameters: %v", ErrMalformedKey, err)
	}
	if !curve.Equal(oidSecp256k1) {
		return nil, fmt.Errorf("%w: expected secp256k1, got %s", ErrMalformedKey, curve)
	}

	point := spki.PublicKey.RightAlign()
	if len(point) != 65 || point[0] != 0x04 {
		return nil, fmt.Errorf("%w: expected 65-byte uncompressed point", ErrMalformedKey)
	}
	if _, err := secp256k1.ParsePubKey(point); err != nil {
		return nil, fmt.Errorf("%w: point not on curve: %v", ErrMalformedKey, err)
	}
	return point, nil
}

// CompressPoint converts a 65-byte uncompressed secp256k1 point into its
// 33-byte compressed representation.
func CompressPoint(uncompressed []byte) ([]byte, error) {
	if len(uncompressed) != 65 || uncompressed[0] != 0x04 {
		return nil, fmt.Errorf("%w: expected 65-byte uncompressed point", ErrMalformedKey)
	}
	pub, err := secp256k1.ParsePubKey(uncompressed)
	if err != nil {
		return nil, fmt.Errorf("%w: point not on curve: %v", ErrMalformedKey, err)
	}
	return pub.SerializeCompressed(), nil
}

// Fingerprint computes the stable audit fingerprint of a compressed public
// key point.
func Fingerprint(compressed []byte) string {
	sum := sha256.Sum256(compressed)
	return hex.EncodeToString(sum[:])
}

type derReader struct {
	buf []byte
	off int
}

func (r *derReader) readByte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, errors.New("unexpected end of signature")
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *derReader) readLength() (int, error) {
	first, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if first&0x80 == 0 {
		return int(first), nil
	}
	count := int(first & 0x7f)
	if count == 0 || count > 2 {
		return 0, errors.New("unsupported length encoding")
	}
	length := 0
	for i := 0; i < count; i++ {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		length = length<<8 | int(b)
	}
	return length, nil
}

func (r *derReader) readInteger() ([]byte, error) {
	tag, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if tag != 0x02 {
		return nil, errors.New("expected INTEGER")
	}
	length, err := r.readLength()
	if err != nil {
		return nil, err
	}
	if r.off+length > len(r.buf) {
		return nil, errors.New("truncated INTEGER")
	}
	value := r.buf[r.off : r.off+length]
	r.off += length
	// Drop the optional leading sign byte.
	if len(value) > 0 && value[0] == 0x00 {
		value = value[1:]
	}
	return value, nil
}

// derSignatureToRS splits a DER-encoded ECDSA signature into its two
// integers, rejecting any trailing or malformed bytes.
func derSignatureToRS(der []byte) (r, s []byte, err error) {
	reader := &derReader{buf: der}

	tag, err := reader.readByte()
	if err != nil {
		return nil, nil, err
	}
	if tag != 0x30 {
		return nil, nil, errors.New("expected SEQUENCE")
	}
	seqLen, err := reader.readLength()
	if err != nil {
		return nil, nil, err
	}
	seqEnd := reader.off + seqLen

	if r, err = reader.readInteger(); err != nil {
		return nil, nil, err
	}
	if s, err = reader.readInteger(); err != nil {
		return nil, nil, err
	}
	if reader.off != seqEnd {
		return nil, nil, errors.New("trailing bytes in sequence")
	}
	if seqEnd != len(der) {
		return nil, nil, errors.New("trailing bytes after sequence")
	}
	return r, s, nil
}

func leftPad32(value []byte) ([]byte, error) {
	if len(value) > 32 {
		return nil, fmt.Errorf("expected <= 32 bytes but got %d", len(value))
	}
	padded := make([]byte, 32)
	copy(padded[32-len(value):], value)
	return padded, nil
}

// normalizeS maps the signature's s component into the curve's lower half:
// s > N/2 becomes N - s. The ledger rejects high-s signatures, and the exact
// rule is consensus-critical, so this must stay bit-for-bit stable.
func normalizeS(s []byte) []byte {
	n := secp256k1.S256().Params().N
	halfN := new(big.Int).Rsh(n, 1)

	sInt := new(big.Int).SetBytes(s)
	if sInt.Cmp(halfN) > 0 {
		sInt.Sub(n, sInt)
	}
	return sInt.FillBytes(make([]byte, 32))
}

// DERSignatureToRaw64 converts the custody service's DER-encoded ECDSA
// signature into the 64-byte r||s form the ledger expects, with s in
// canonical low-s form.
func DERSignatureToRaw64(der []byte) ([]byte, error) {
	r, s, err := derSignatureToRS(der)
	if err != nil {
		return nil, fmt.Errorf("decode DER signature: %w", err)
	}
	paddedR, err := leftPad32(r)
	if err != nil {
		return nil, fmt.Errorf("signature r component: %w", err)
	}
	if len(s) > 32 {
		return nil, fmt.Errorf("signature s component: expected <= 32 bytes but got %d", len(s))
	}
	return append(paddedR, normalizeS(s)...), nil
}
