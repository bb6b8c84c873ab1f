package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/workit-app/authcore/internal/custody"
	"github.com/workit-app/authcore/internal/ledger"
)

// ProvisionedWallet is the result folded into the user record after a
// successful provisioning run.
type ProvisionedWallet struct {
	AccountID            string
	KeyID                string
	PublicKeyFingerprint string
}

// Provisioner creates a custody-held signing key and a ledger account owned
// by that key for a newly authenticated user. The two external round trips
// dominate auth latency, so the provisioner carries its own timeout and
// bounded backoff, separate from the fast database-bound calls.
type Provisioner struct {
	keys       custody.KeyManager
	ledger     ledger.Ledger
	timeout    time.Duration
	maxRetries uint64
	logger     *slog.Logger
}

// NewProvisioner wires a provisioner from its custody and ledger clients.
func NewProvisioner(keys custody.KeyManager, l ledger.Ledger, timeout time.Duration, maxRetries uint64, logger *slog.Logger) *Provisioner {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Provisioner{keys: keys, ledger: l, timeout: timeout, maxRetries: maxRetries, logger: logger}
}

// Provision runs the provisioning sequence: create the custody key, derive
// and fingerprint its public key, then submit a ledger account creation
// signed by the custody service. Transient custody or ledger failures are
// retried with exponential backoff; malformed key material is a fatal
// integration error and fails immediately.
func (p *Provisioner) Provision(ctx context.Context, userID string) (ProvisionedWallet, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var provisioned ProvisionedWallet
	backoff := retry.WithMaxRetries(p.maxRetries, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		result, err := p.provisionOnce(ctx, userID)
		if err != nil {
			if errors.Is(err, custody.ErrMalformedKey) {
				return err
			}
			p.logger.Warn("wallet provisioning attempt failed", "user_id", userID, "error", err)
			return retry.RetryableError(err)
		}
		provisioned = result
		return nil
	})
	if err != nil {
		return ProvisionedWallet{}, fmt.Errorf("provision wallet: %w", err)
	}

	p.logger.Info("wallet provisioned",
		"user_id", userID,
		"account_id", provisioned.AccountID,
		"key_id", provisioned.KeyID,
		"fingerprint", provisioned.PublicKeyFingerprint)
	return provisioned, nil
}

func (p *Provisioner) provisionOnce(ctx context.Context, userID string) (ProvisionedWallet, error) {
	created, err := p.keys.CreateUserKey(ctx, userID)
	if err != nil {
		return ProvisionedWallet{}, fmt.Errorf("create custody key: %w", err)
	}

	spki, err := p.keys.PublicKeyDER(ctx, created.KeyID)
	if err != nil {
		return ProvisionedWallet{}, fmt.Errorf("fetch custody public key: %w", err)
	}
	uncompressed, err := custody.UncompressedPointFromSPKI(spki)
	if err != nil {
		return ProvisionedWallet{}, err
	}
	compressed, err := custody.CompressPoint(uncompressed)
	if err != nil {
		return ProvisionedWallet{}, err
	}

	accountID, err := p.ledger.CreateAccount(ctx, compressed, func(message []byte) ([]byte, error) {
		derSignature, err := p.keys.SignRaw(ctx, created.KeyID, message)
		if err != nil {
			return nil, fmt.Errorf("custody sign: %w", err)
		}
		return custody.DERSignatureToRaw64(derSignature)
	})
	if err != nil {
		return ProvisionedWallet{}, fmt.Errorf("create ledger account: %w", err)
	}

	return ProvisionedWallet{
		AccountID:            accountID,
		KeyID:                created.KeyID,
		PublicKeyFingerprint: custody.Fingerprint(compressed),
	}, nil
}
