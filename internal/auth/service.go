package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/workit-app/authcore/internal/config"
	"github.com/workit-app/authcore/internal/identity"
	"github.com/workit-app/authcore/internal/notification"
	"github.com/workit-app/authcore/internal/oauth"
	"github.com/workit-app/authcore/internal/password"
	"github.com/workit-app/authcore/internal/ratelimit"
	"github.com/workit-app/authcore/internal/token"
	"github.com/workit-app/authcore/internal/wallet"
)

// WalletProvisioner creates the custody key and ledger account for a brand
// new user. A nil provisioner disables provisioning entirely.
type WalletProvisioner interface {
	Provision(ctx context.Context, userID string) (wallet.ProvisionedWallet, error)
}

// SessionContext carries request metadata recorded alongside issued
// credentials.
type SessionContext struct {
	IPAddress string
	UserAgent string
}

// AuthUser is the caller-visible projection of a user record.
type AuthUser struct {
	ID              string    `json:"id"`
	Email           string    `json:"email,omitempty"`
	HederaAccountID string    `json:"hederaAccountId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// TokenPair is one issued credential set. The raw refresh token appears here
// once and is never reconstructable afterwards.
type TokenPair struct {
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// Session is the result of every successful authentication flow.
type Session struct {
	User   AuthUser
	Tokens TokenPair
}

// OtpChallenge is the public result of requesting a login code. DebugCode is
// populated outside production so local clients can complete the flow
// without a mail hookup.
type OtpChallenge struct {
	ChallengeID string
	ExpiresAt   time.Time
	DebugCode   string
}

// Service is the auth orchestrator. It ties rate limiting, credential
// verification, persistence, and wallet provisioning into the public flows.
type Service struct {
	cfg         config.Config
	store       identity.Store
	hasher      *password.Hasher
	issuer      *token.Issuer
	broker      *oauth.Broker
	limiter     ratelimit.Limiter
	provisioner WalletProvisioner
	dispatcher  notification.OtpDispatcher
	logger      *slog.Logger
	now         func() time.Time
}

// NewService wires the auth orchestrator. provisioner may be nil when wallet
// provisioning is disabled.
func NewService(cfg config.Config, store identity.Store, hasher *password.Hasher, issuer *token.Issuer, broker *oauth.Broker, limiter ratelimit.Limiter, provisioner WalletProvisioner, dispatcher notification.OtpDispatcher, logger *slog.Logger) *Service {
	return &Service{
		cfg:         cfg,
		store:       store,
		hasher:      hasher,
		issuer:      issuer,
		broker:      broker,
		limiter:     limiter,
		provisioner: provisioner,
		dispatcher:  dispatcher,
		logger:      logger,
		now:         time.Now,
	}
}

// Register creates an email/password account, provisions its wallet, and
// issues a first token pair.
func (s *Service) Register(ctx context.Context, email, plaintext string, sctx SessionContext) (Session, error) {
	if err := s.allow(ctx, "auth:register", sctx); err != nil {
		return Session{}, err
	}
	normalized, err := normalizeEmail(email)
	if err != nil {
		return Session{}, err
	}
	if err := validatePassword(plaintext); err != nil {
		return Session{}, err
	}

	if _, err := s.store.FindUserByEmail(ctx, normalized); err == nil {
		return Session{}, ErrEmailTaken
	} else if !errors.Is(err, identity.ErrNotFound) {
		return Session{}, fmt.Errorf("look up email: %w", err)
	}

	hash, err := s.hasher.Hash(plaintext)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	user, err := s.createUserWithWallet(ctx, identity.NewUser{Email: normalized, PasswordHash: hash})
	if err != nil {
		if errors.Is(err, identity.ErrDuplicate) {
			return Session{}, ErrEmailTaken
		}
		return Session{}, err
	}
	return s.openSession(ctx, user, sctx)
}

// Login verifies an email/password credential and issues tokens. Failures
// are indistinguishable between unknown email, passwordless account, and
// wrong password.
func (s *Service) Login(ctx context.Context, email, plaintext string, sctx SessionContext) (Session, error) {
	if err := s.allow(ctx, "auth:login", sctx); err != nil {
		return Session{}, err
	}
	normalized, err := normalizeEmail(email)
	if err != nil {
		return Session{}, err
	}
	if plaintext == "" {
		return Session{}, validationError("Password is required")
	}

	user, err := s.store.FindUserByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, fmt.Errorf("look up email: %w", err)
	}
	if user.PasswordHash == "" || !s.hasher.Verify(plaintext, user.PasswordHash) {
		return Session{}, ErrInvalidCredentials
	}
	return s.openSession(ctx, user, sctx)
}

// AuthenticateOAuth verifies provider credentials and signs the user in,
// linking the provider identity to an email-matched account or creating a
// new account as needed.
func (s *Service) AuthenticateOAuth(ctx context.Context, input oauth.Input, sctx SessionContext) (Session, error) {
	if !input.Provider.Valid() || !s.broker.Supports(input.Provider) {
		return Session{}, validationError("Unsupported OAuth provider")
	}
	if err := s.allow(ctx, "auth:oauth:"+string(input.Provider), sctx); err != nil {
		return Session{}, err
	}

	profile, err := s.broker.Verify(ctx, input)
	if err != nil {
		s.logger.Warn("oauth verification rejected", "provider", input.Provider, "error", err)
		return Session{}, ErrOAuthRejected
	}

	user, err := s.userForProfile(ctx, profile)
	if err != nil {
		return Session{}, err
	}
	return s.openSession(ctx, user, sctx)
}

// userForProfile resolves the account for a verified provider identity:
// provider-id match first, then email-based linking, then a fresh account.
// A unique violation on create means a concurrent first-login won the race,
// so the lookup is retried instead of surfacing the conflict.
func (s *Service) userForProfile(ctx context.Context, profile oauth.Profile) (identity.User, error) {
	user, err := s.store.FindUserByProviderID(ctx, profile.Provider, profile.ProviderUserID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return identity.User{}, fmt.Errorf("look up provider id: %w", err)
	}

	if existing, err := s.store.FindUserByEmail(ctx, profile.Email); err == nil {
		linked, err := s.store.LinkProvider(ctx, existing.ID, profile.Provider, profile.ProviderUserID)
		if err != nil {
			return identity.User{}, fmt.Errorf("link provider: %w", err)
		}
		return linked, nil
	} else if !errors.Is(err, identity.ErrNotFound) {
		return identity.User{}, fmt.Errorf("look up email: %w", err)
	}

	input := identity.NewUser{Email: profile.Email}
	switch profile.Provider {
	case identity.ProviderGoogle:
		input.GoogleID = profile.ProviderUserID
	case identity.ProviderFacebook:
		input.FacebookID = profile.ProviderUserID
	case identity.ProviderTwitter:
		input.TwitterID = profile.ProviderUserID
	case identity.ProviderDiscord:
		input.DiscordID = profile.ProviderUserID
	}

	user, err = s.createUserWithWallet(ctx, input)
	if errors.Is(err, identity.ErrDuplicate) {
		user, err = s.store.FindUserByProviderID(ctx, profile.Provider, profile.ProviderUserID)
		if err != nil {
			return identity.User{}, fmt.Errorf("re-resolve provider id after conflict: %w", err)
		}
		return user, nil
	}
	if err != nil {
		return identity.User{}, err
	}
	return user, nil
}

// RequestEmailOtp creates a login-code challenge and dispatches the code out
// of band. The response never reveals whether the email has an account.
func (s *Service) RequestEmailOtp(ctx context.Context, email string, sctx SessionContext) (OtpChallenge, error) {
	if err := s.allow(ctx, "auth:otp:request", sctx); err != nil {
		return OtpChallenge{}, err
	}
	normalized, err := normalizeEmail(email)
	if err != nil {
		return OtpChallenge{}, err
	}

	code, err := generateOtpCode()
	if err != nil {
		return OtpChallenge{}, fmt.Errorf("generate otp code: %w", err)
	}
	expiresAt := s.now().Add(s.cfg.OtpTTL)

	challenge, err := s.store.CreateOtpChallenge(ctx, identity.NewOtpChallenge{
		Email:     normalized,
		ExpiresAt: expiresAt,
		IPAddress: sctx.IPAddress,
		UserAgent: sctx.UserAgent,
	})
	if err != nil {
		return OtpChallenge{}, fmt.Errorf("create otp challenge: %w", err)
	}
	// The code hash binds the challenge id, so it can only be computed once
	// the row exists.
	if err := s.store.BindOtpCodeHash(ctx, challenge.ID, password.HashOtpCode(challenge.ID, code)); err != nil {
		return OtpChallenge{}, fmt.Errorf("bind otp code hash: %w", err)
	}

	if err := s.dispatcher.SendOtp(ctx, notification.OtpMessage{
		Email:      normalized,
		Code:       code,
		TTLMinutes: int(s.cfg.OtpTTL.Round(time.Minute) / time.Minute),
	}); err != nil {
		return OtpChallenge{}, fmt.Errorf("dispatch otp code: %w", err)
	}

	result := OtpChallenge{ChallengeID: challenge.ID, ExpiresAt: expiresAt}
	if !s.cfg.IsProduction() {
		result.DebugCode = code
	}
	return result, nil
}

// VerifyEmailOtp checks a submitted code against its challenge and signs the
// email in, creating an account on first use. Every wrong guess consumes an
// attempt; the challenge locks permanently once the limit is reached.
func (s *Service) VerifyEmailOtp(ctx context.Context, challengeID, email, code string, sctx SessionContext) (Session, error) {
	if err := s.allow(ctx, "auth:otp:verify", sctx); err != nil {
		return Session{}, err
	}
	normalized, err := normalizeEmail(email)
	if err != nil {
		return Session{}, err
	}
	if challengeID == "" {
		return Session{}, validationError("Challenge id is required")
	}
	if err := validateOtpCode(code); err != nil {
		return Session{}, err
	}

	challenge, err := s.store.FindOtpChallenge(ctx, challengeID, normalized)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return Session{}, ErrOtpChallengeInvalid
		}
		return Session{}, fmt.Errorf("look up otp challenge: %w", err)
	}
	now := s.now()
	if challenge.Consumed() || !challenge.ExpiresAt.After(now) {
		return Session{}, ErrOtpChallengeInvalid
	}
	if challenge.AttemptCount >= s.cfg.OtpMaxAttempts {
		return Session{}, ErrOtpLockedOut
	}

	if !password.OtpCodeMatches(challenge.CodeHash, password.HashOtpCode(challenge.ID, code)) {
		if err := s.store.RecordFailedOtpAttempt(ctx, challenge.ID, s.cfg.OtpMaxAttempts); err != nil {
			return Session{}, fmt.Errorf("record otp attempt: %w", err)
		}
		return Session{}, ErrOtpCodeInvalid
	}

	if err := s.store.ConsumeOtpChallenge(ctx, challenge.ID, sctx.IPAddress, sctx.UserAgent); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			// Lost a race with a concurrent verification of the same code.
			return Session{}, ErrOtpChallengeInvalid
		}
		return Session{}, fmt.Errorf("consume otp challenge: %w", err)
	}

	user, err := s.store.FindUserByEmail(ctx, normalized)
	if errors.Is(err, identity.ErrNotFound) {
		user, err = s.createUserWithWallet(ctx, identity.NewUser{Email: normalized})
	}
	if err != nil {
		return Session{}, err
	}
	return s.openSession(ctx, user, sctx)
}

// Rotate exchanges a valid refresh token for a fresh token pair, revoking
// the presented token and chaining it to its replacement atomically.
func (s *Service) Rotate(ctx context.Context, rawRefreshToken string, sctx SessionContext) (Session, error) {
	if err := s.allow(ctx, "auth:refresh", sctx); err != nil {
		return Session{}, err
	}
	if rawRefreshToken == "" {
		return Session{}, ErrInvalidRefreshToken
	}

	current, user, err := s.store.FindActiveRefreshToken(ctx, token.HashRefreshToken(rawRefreshToken), s.now())
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return Session{}, ErrInvalidRefreshToken
		}
		return Session{}, fmt.Errorf("look up refresh token: %w", err)
	}

	nextValue, err := token.NewRefreshTokenValue()
	if err != nil {
		return Session{}, fmt.Errorf("generate refresh token: %w", err)
	}
	nextExpires := s.now().Add(s.cfg.RefreshTokenTTL)
	next, err := s.store.RotateRefreshToken(ctx, current.ID, identity.NewRefreshToken{
		UserID:    user.ID,
		TokenHash: token.HashRefreshToken(nextValue),
		ExpiresAt: nextExpires,
		IPAddress: sctx.IPAddress,
		UserAgent: sctx.UserAgent,
	})
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			// A concurrent rotation already revoked the presented token.
			return Session{}, ErrInvalidRefreshToken
		}
		return Session{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	access, accessExpires, err := s.issuer.CreateAccessToken(user.ID, user.Email)
	if err != nil {
		return Session{}, fmt.Errorf("sign access token: %w", err)
	}
	return Session{
		User: toAuthUser(user),
		Tokens: TokenPair{
			AccessToken:           access,
			AccessTokenExpiresAt:  accessExpires,
			RefreshToken:          nextValue,
			RefreshTokenExpiresAt: next.ExpiresAt,
		},
	}, nil
}

// Revoke invalidates a refresh token. Unknown or already-revoked tokens are
// a no-op so logout is idempotent.
func (s *Service) Revoke(ctx context.Context, rawRefreshToken string) error {
	if rawRefreshToken == "" {
		return nil
	}
	current, err := s.store.FindUnrevokedRefreshToken(ctx, token.HashRefreshToken(rawRefreshToken))
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("look up refresh token: %w", err)
	}
	if err := s.store.RevokeRefreshToken(ctx, current.ID, s.now()); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			// A concurrent logout revoked it between lookup and revoke.
			return nil
		}
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// ResolveBearer validates an Authorization header and returns the identity
// it carries.
func (s *Service) ResolveBearer(ctx context.Context, authorization string) (AuthUser, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return AuthUser{}, ErrInvalidAccessToken
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
	if raw == "" {
		return AuthUser{}, ErrInvalidAccessToken
	}

	claims, err := s.issuer.VerifyAccessToken(raw)
	if err != nil {
		return AuthUser{}, ErrInvalidAccessToken
	}
	user, err := s.store.FindUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return AuthUser{}, ErrInvalidAccessToken
		}
		return AuthUser{}, fmt.Errorf("look up user: %w", err)
	}
	return toAuthUser(user), nil
}

// createUserWithWallet persists a new user and provisions its custody key
// and ledger account. Provisioning failure deletes the user so the flow can
// be retried from scratch.
func (s *Service) createUserWithWallet(ctx context.Context, input identity.NewUser) (identity.User, error) {
	user, err := s.store.CreateUser(ctx, input)
	if err != nil {
		return identity.User{}, err
	}
	if s.provisioner == nil {
		return user, nil
	}

	provisioned, err := s.provisioner.Provision(ctx, user.ID)
	if err != nil {
		if deleteErr := s.store.DeleteUser(ctx, user.ID); deleteErr != nil {
			s.logger.Error("compensating user delete failed", "user_id", user.ID, "error", deleteErr)
		}
		return identity.User{}, fmt.Errorf("provision wallet for new user: %w", err)
	}

	updated, err := s.store.SetProvisionedWallet(ctx, user.ID, provisioned.AccountID, provisioned.KeyID, provisioned.PublicKeyFingerprint)
	if err != nil {
		return identity.User{}, fmt.Errorf("persist provisioned wallet: %w", err)
	}
	return updated, nil
}

// openSession issues a token pair for an authenticated user and persists the
// refresh token hash.
func (s *Service) openSession(ctx context.Context, user identity.User, sctx SessionContext) (Session, error) {
	refreshValue, err := token.NewRefreshTokenValue()
	if err != nil {
		return Session{}, fmt.Errorf("generate refresh token: %w", err)
	}
	refreshExpires := s.now().Add(s.cfg.RefreshTokenTTL)
	if _, err := s.store.CreateRefreshToken(ctx, identity.NewRefreshToken{
		UserID:    user.ID,
		TokenHash: token.HashRefreshToken(refreshValue),
		ExpiresAt: refreshExpires,
		IPAddress: sctx.IPAddress,
		UserAgent: sctx.UserAgent,
	}); err != nil {
		return Session{}, fmt.Errorf("persist refresh token: %w", err)
	}

	access, accessExpires, err := s.issuer.CreateAccessToken(user.ID, user.Email)
	if err != nil {
		return Session{}, fmt.Errorf("sign access token: %w", err)
	}
	return Session{
		User: toAuthUser(user),
		Tokens: TokenPair{
			AccessToken:           access,
			AccessTokenExpiresAt:  accessExpires,
			RefreshToken:          refreshValue,
			RefreshTokenExpiresAt: refreshExpires,
		},
	}, nil
}

// allow applies the per-route fixed-window rate limit keyed by client
// address. Limiter failures fail closed.
func (s *Service) allow(ctx context.Context, route string, sctx SessionContext) error {
	ip := sctx.IPAddress
	if ip == "" {
		ip = "unknown"
	}
	if err := s.limiter.Allow(ctx, route+":"+ip); err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			return ErrRateLimited
		}
		return fmt.Errorf("rate limit check: %w", err)
	}
	return nil
}

func toAuthUser(user identity.User) AuthUser {
	return AuthUser{
		ID:              user.ID,
		Email:           user.Email,
		HederaAccountID: user.HederaAccountID,
		CreatedAt:       user.CreatedAt,
	}
}

func generateOtpCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
