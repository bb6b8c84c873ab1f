package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLedger is an in-process Ledger for tests. It drives the external
// signer with deterministic body bytes and records what was signed.
type MemoryLedger struct {
	mu       sync.Mutex
	nextID   int
	accounts map[string][]byte
	signed   [][]byte

	// FailNext makes the next CreateAccount return ErrUnavailable.
	FailNext bool
}

// NewMemoryLedger builds an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{nextID: 1000, accounts: make(map[string][]byte)}
}

// CreateAccount mints a sequential account id after collecting a signature
// over synthetic body bytes.
func (l *MemoryLedger) CreateAccount(_ context.Context, compressedPublicKey []byte, sign AccountSigner) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailNext {
		l.FailNext = false
		return "", ErrUnavailable
	}

	body := append([]byte("account-create:"), compressedPublicKey...)
	signature, err := sign(body)
	if err != nil {
		return "", err
	}
	if len(signature) != 64 {
		return "", fmt.Errorf("expected 64-byte raw signature, got %d bytes", len(signature))
	}
	l.signed = append(l.signed, signature)

	l.nextID++
	accountID := fmt.Sprintf("0.0.%d", l.nextID)
	l.accounts[accountID] = compressedPublicKey
	return accountID, nil
}

// SignedCount reports how many account creations were signed.
func (l *MemoryLedger) SignedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.signed)
}

// AccountKey returns the owning public key recorded for an account id.
func (l *MemoryLedger) AccountKey(accountID string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key, ok := l.accounts[accountID]
	return key, ok
}
