package ledger

import (
	"context"
	"fmt"

	"github.com/hashgraph/hedera-sdk-go/v2"
)

// HederaLedger implements Ledger against a Hedera network using an
// operator-funded client. Account-creation transactions are signed by the
// new account's custody key through the external signer.
type HederaLedger struct {
	client      *hedera.Client
	initialHbar float64
}

// Config holds the operator credentials and funding amount for new accounts.
type Config struct {
	Network     string
	OperatorID  string
	OperatorKey string
	InitialHbar float64
}

// NewHederaLedger builds a ledger client authenticated as the funding
// operator.
func NewHederaLedger(cfg Config) (*HederaLedger, error) {
	var client *hedera.Client
	switch cfg.Network {
	case "mainnet":
		client = hedera.ClientForMainnet()
	case "testnet", "":
		client = hedera.ClientForTestnet()
	default:
		return nil, fmt.Errorf("unsupported hedera network: %s", cfg.Network)
	}

	operatorID, err := hedera.AccountIDFromString(cfg.OperatorID)
	if err != nil {
		return nil, fmt.Errorf("parse operator id: %w", err)
	}
	operatorKey, err := hedera.PrivateKeyFromString(cfg.OperatorKey)
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}
	client.SetOperator(operatorID, operatorKey)

	return &HederaLedger{client: client, initialHbar: cfg.InitialHbar}, nil
}

// Close releases the underlying network client.
func (l *HederaLedger) Close() error {
	return l.client.Close()
}

// CreateAccount freezes an account-creation transaction owned by the given
// compressed secp256k1 public key, attaches the externally produced
// signature and submits it, returning the new account id from the receipt.
func (l *HederaLedger) CreateAccount(ctx context.Context, compressedPublicKey []byte, sign AccountSigner) (string, error) {
	publicKey, err := hedera.PublicKeyFromBytesECDSA(compressedPublicKey)
	if err != nil {
		return "", fmt.Errorf("parse account public key: %w", err)
	}

	frozen, err := hedera.NewAccountCreateTransaction().
		SetKey(publicKey).
		SetInitialBalance(hedera.NewHbar(l.initialHbar)).
		FreezeWith(l.client)
	if err != nil {
		return "", fmt.Errorf("%w: freeze account create: %v", ErrUnavailable, err)
	}

	// The SDK signer callback cannot return an error, so capture it and
	// check before submitting.
	var signErr error
	frozen.SignWith(publicKey, func(message []byte) []byte {
		signature, err := sign(message)
		if err != nil {
			signErr = err
			return nil
		}
		return signature
	})
	if signErr != nil {
		return "", fmt.Errorf("sign account create: %w", signErr)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	response, err := frozen.Execute(l.client)
	if err != nil {
		return "", fmt.Errorf("%w: execute account create: %v", ErrUnavailable, err)
	}
	receipt, err := response.GetReceipt(l.client)
	if err != nil {
		return "", fmt.Errorf("%w: account create receipt: %v", ErrUnavailable, err)
	}
	if receipt.Status != hedera.StatusSuccess {
		return "", fmt.Errorf("account create failed with status %s", receipt.Status)
	}
	if receipt.AccountID == nil {
		return "", fmt.Errorf("account create receipt is missing an account id")
	}
	return receipt.AccountID.String(), nil
}
