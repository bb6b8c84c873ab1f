package custody

import (
	"context"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// FakeKeyManager is an in-process KeyManager for tests. It holds real
// secp256k1 keys so the SPKI and DER codecs are exercised end to end.
type FakeKeyManager struct {
	mu     sync.Mutex
	nextID int
	keys   map[string]*secp256k1.PrivateKey

	// FailCreate makes CreateUserKey fail, simulating a custody outage.
	FailCreate bool
}

// NewFakeKeyManager builds an empty fake custody service.
func NewFakeKeyManager() *FakeKeyManager {
	return &FakeKeyManager{keys: make(map[string]*secp256k1.PrivateKey)}
}

// CreateUserKey generates a fresh in-memory key pair.
func (f *FakeKeyManager) CreateUserKey(_ context.Context, userID string) (CreatedKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailCreate {
		return CreatedKey{}, fmt.Errorf("custody service unavailable")
	}

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return CreatedKey{}, err
	}
	f.nextID++
	keyID := fmt.Sprintf("fake-key-%d", f.nextID)
	f.keys[keyID] = priv
	return CreatedKey{
		KeyID:     keyID,
		KeyARN:    "arn:aws:kms:local:000000000000:key/" + keyID,
		AliasName: "alias/workit/user/" + userID,
	}, nil
}

// PublicKeyDER returns the key's public half wrapped in an SPKI envelope,
// matching the encoding AWS KMS produces.
func (f *FakeKeyManager) PublicKeyDER(_ context.Context, keyID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	priv, ok := f.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id: %s", keyID)
	}
	return MarshalSPKI(priv.PubKey().SerializeUncompressed())
}

// SignRaw hashes the message with SHA-256 and signs it, returning the
// DER-encoded signature as the custody service would.
func (f *FakeKeyManager) SignRaw(_ context.Context, keyID string, message []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	priv, ok := f.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id: %s", keyID)
	}
	digest := sha256.Sum256(message)
	return secpecdsa.Sign(priv, digest[:]).Serialize(), nil
}

// MarshalSPKI wraps an uncompressed secp256k1 point in the SPKI/DER envelope
// used by the custody service's public key export.
func MarshalSPKI(uncompressed []byte) ([]byte, error) {
	params, err := asn1.Marshal(oidSecp256k1)
	if err != nil {
		return nil, err
	}
	return asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: pkix.AlgorithmIdentifier{
			Algorithm:  oidECPublicKey,
			Parameters: asn1.RawValue{FullBytes: params},
		},
		PublicKey: asn1.BitString{Bytes: uncompressed, BitLength: len(uncompressed) * 8},
	})
}
