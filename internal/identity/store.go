package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested record does not exist or no longer
	// matches the lookup filters.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate indicates an insert or link violated a uniqueness
	// constraint (email, provider id, token hash).
	ErrDuplicate = errors.New("record already exists")
)

// Store is the persistence interface consumed by the auth service. It owns
// user rows, refresh token rows and OTP challenge rows, and must provide the
// two atomic primitives the flows rely on: RotateRefreshToken (insert-new +
// revoke-old as one unit) and RecordFailedOtpAttempt (serialized
// compare-and-increment per challenge).
type Store interface {
	CreateUser(ctx context.Context, input NewUser) (User, error)
	FindUserByID(ctx context.Context, id string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	FindUserByProviderID(ctx context.Context, provider Provider, providerUserID string) (User, error)
	LinkProvider(ctx context.Context, userID string, provider Provider, providerUserID string) (User, error)
	SetProvisionedWallet(ctx context.Context, userID, accountID, keyID, fingerprint string) (User, error)
	DeleteUser(ctx context.Context, id string) error

	CreateRefreshToken(ctx context.Context, input NewRefreshToken) (RefreshToken, error)
	FindActiveRefreshToken(ctx context.Context, tokenHash string, now time.Time) (RefreshToken, User, error)
	FindUnrevokedRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id string, at time.Time) error
	RotateRefreshToken(ctx context.Context, currentID string, next NewRefreshToken) (RefreshToken, error)

	CreateOtpChallenge(ctx context.Context, input NewOtpChallenge) (EmailOtpChallenge, error)
	BindOtpCodeHash(ctx context.Context, id, codeHash string) error
	FindOtpChallenge(ctx context.Context, id, email string) (EmailOtpChallenge, error)
	RecordFailedOtpAttempt(ctx context.Context, id string, maxAttempts int) error
	ConsumeOtpChallenge(ctx context.Context, id, ipAddress, userAgent string) error
}
