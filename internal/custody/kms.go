package custody

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// CreatedKey describes a freshly created custody key.
type CreatedKey struct {
	KeyID     string
	KeyARN    string
	AliasName string
}

// KeyManager is the custody-service contract: the private key material never
// leaves the custody boundary, so signing happens remotely against a key id.
type KeyManager interface {
	CreateUserKey(ctx context.Context, userID string) (CreatedKey, error)
	PublicKeyDER(ctx context.Context, keyID string) ([]byte, error)
	SignRaw(ctx context.Context, keyID string, message []byte) ([]byte, error)
}

// KMSKeyManager implements KeyManager against AWS KMS using asymmetric
// secp256k1 signing keys.
type KMSKeyManager struct {
	client            *kms.Client
	aliasPrefix       string
	descriptionPrefix string
}

// KMSOptions tune key naming for provisioned user keys.
type KMSOptions struct {
	AliasPrefix       string
	DescriptionPrefix string
}

// NewKMSKeyManager builds a key manager from the default AWS credential
// chain in the given region.
func NewKMSKeyManager(ctx context.Context, region string, opts KMSOptions) (*KMSKeyManager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewKMSKeyManagerFromClient(kms.NewFromConfig(cfg), opts), nil
}

// NewKMSKeyManagerFromClient wraps an existing KMS client.
func NewKMSKeyManagerFromClient(client *kms.Client, opts KMSOptions) *KMSKeyManager {
	if opts.AliasPrefix == "" {
		opts.AliasPrefix = "alias/workit/user"
	}
	if opts.DescriptionPrefix == "" {
		opts.DescriptionPrefix = "Workit signing key for user"
	}
	return &KMSKeyManager{
		client:            client,
		aliasPrefix:       opts.AliasPrefix,
		descriptionPrefix: opts.DescriptionPrefix,
	}
}

var aliasUnsafe = regexp.MustCompile(`[^a-zA-Z0-9/_-]`)

func (m *KMSKeyManager) aliasName(userID string) string {
	prefix := m.aliasPrefix
	if !strings.HasPrefix(prefix, "alias/") {
		prefix = "alias/" + prefix
	}
	return prefix + "/" + aliasUnsafe.ReplaceAllString(userID, "-")
}

// CreateUserKey creates a signing-only secp256k1 key labeled for the user
// and binds a human-readable alias to it.
func (m *KMSKeyManager) CreateUserKey(ctx context.Context, userID string) (CreatedKey, error) {
	created, err := m.client.CreateKey(ctx, &kms.CreateKeyInput{
		KeySpec:     types.KeySpecEccSecgP256k1,
		KeyUsage:    types.KeyUsageTypeSignVerify,
		Description: aws.String(m.descriptionPrefix + " " + userID),
		Tags: []types.Tag{
			{TagKey: aws.String("app"), TagValue: aws.String("workit")},
			{TagKey: aws.String("userId"), TagValue: aws.String(userID)},
		},
	})
	if err != nil {
		return CreatedKey{}, fmt.Errorf("create kms key: %w", err)
	}
	metadata := created.KeyMetadata
	if metadata == nil || metadata.KeyId == nil || metadata.Arn == nil {
		return CreatedKey{}, fmt.Errorf("kms did not return key metadata")
	}

	alias := m.aliasName(userID)
	if _, err := m.client.CreateAlias(ctx, &kms.CreateAliasInput{
		AliasName:   aws.String(alias),
		TargetKeyId: metadata.KeyId,
	}); err != nil {
		return CreatedKey{}, fmt.Errorf("create kms alias: %w", err)
	}

	return CreatedKey{KeyID: *metadata.KeyId, KeyARN: *metadata.Arn, AliasName: alias}, nil
}

// PublicKeyDER fetches the key's public half in SPKI/DER encoding.
func (m *KMSKeyManager) PublicKeyDER(ctx context.Context, keyID string) ([]byte, error) {
	out, err := m.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, fmt.Errorf("get kms public key: %w", err)
	}
	if len(out.PublicKey) == 0 {
		return nil, fmt.Errorf("kms did not return public key bytes")
	}
	return out.PublicKey, nil
}

// SignRaw requests an ECDSA signature over the raw message bytes. KMS
// returns the signature DER-encoded; callers convert it with
// DERSignatureToRaw64 before handing it to the ledger.
func (m *KMSKeyManager) SignRaw(ctx context.Context, keyID string, message []byte) ([]byte, error) {
	out, err := m.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(keyID),
		Message:          message,
		MessageType:      types.MessageTypeRaw,
		SigningAlgorithm: types.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return nil, fmt.Errorf("kms sign: %w", err)
	}
	if len(out.Signature) == 0 {
		return nil, fmt.Errorf("kms did not return signature bytes")
	}
	return out.Signature, nil
}
