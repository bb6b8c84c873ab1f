package ledger

import (
	"context"
	"errors"
)

// ErrUnavailable wraps transient network or node failures. Callers may retry;
// any other error is terminal for the attempt.
var ErrUnavailable = errors.New("ledger unavailable")

// AccountSigner produces the raw 64-byte signature over a frozen
// transaction's canonical body bytes. The signature comes from the custody
// service; no private key material is present in process.
type AccountSigner func(message []byte) ([]byte, error)

// Ledger is the account-creation contract the provisioner depends on: freeze
// an account-creation transaction owned by the given public key, have it
// signed externally, submit it, and read the new account id from the receipt.
type Ledger interface {
	CreateAccount(ctx context.Context, compressedPublicKey []byte, sign AccountSigner) (string, error)
}
