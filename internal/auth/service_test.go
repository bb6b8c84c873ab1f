package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/workit-app/authcore/internal/config"
	"github.com/workit-app/authcore/internal/custody"
	"github.com/workit-app/authcore/internal/identity"
	"github.com/workit-app/authcore/internal/ledger"
	"github.com/workit-app/authcore/internal/logging"
	"github.com/workit-app/authcore/internal/notification"
	"github.com/workit-app/authcore/internal/oauth"
	"github.com/workit-app/authcore/internal/password"
	"github.com/workit-app/authcore/internal/ratelimit"
	"github.com/workit-app/authcore/internal/token"
	"github.com/workit-app/authcore/internal/wallet"
)

type testEnv struct {
	svc    *Service
	store  *identity.MemoryStore
	keys   *custody.FakeKeyManager
	ledger *ledger.MemoryLedger
	codes  []notification.OtpMessage
}

type captureDispatcher struct {
	env *testEnv
}

func (d *captureDispatcher) SendOtp(_ context.Context, message notification.OtpMessage) error {
	d.env.codes = append(d.env.codes, message)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		AppEnv:               "test",
		AccessTokenSecret:    "test-secret",
		JWTIssuer:            "workit-auth",
		JWTAudience:          "workit-api",
		AccessTokenTTL:       15 * time.Minute,
		RefreshTokenTTL:      30 * 24 * time.Hour,
		BcryptCost:           4,
		OtpTTL:               5 * time.Minute,
		OtpMaxAttempts:       5,
		RateLimitMaxRequests: 20,
		RateLimitWindow:      time.Minute,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig()
	env := &testEnv{
		store:  identity.NewMemoryStore(),
		keys:   custody.NewFakeKeyManager(),
		ledger: ledger.NewMemoryLedger(),
	}

	broker := oauth.NewBroker()
	broker.Register(identity.ProviderFacebook, oauth.NewTrustedProfileVerifier(identity.ProviderFacebook, true))
	broker.Register(identity.ProviderTwitter, oauth.NewTrustedProfileVerifier(identity.ProviderTwitter, true))

	provisioner := wallet.NewProvisioner(env.keys, env.ledger, 5*time.Second, 0, logging.Discard())
	hasher := password.NewHasher(cfg.BcryptCost)
	issuer := token.NewIssuer(cfg.AccessTokenSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTokenTTL)
	limiter := ratelimit.NewMemoryLimiter(cfg.RateLimitMaxRequests, cfg.RateLimitWindow)

	env.svc = NewService(cfg, env.store, hasher, issuer, broker, limiter, provisioner, &captureDispatcher{env: env}, logging.Discard())
	return env
}

var testSession = SessionContext{IPAddress: "1.2.3.4", UserAgent: "test-agent"}

func TestRegisterIssuesSessionAndWallet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.Register(ctx, "New.User@Example.com", "Sup3r-secret!x", testSession)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if session.User.Email != "new.user@example.com" {
		t.Fatalf("expected normalized email, got %q", session.User.Email)
	}
	if session.Tokens.AccessToken == "" || session.Tokens.RefreshToken == "" {
		t.Fatal("expected token pair")
	}
	if session.User.HederaAccountID == "" {
		t.Fatal("expected provisioned ledger account")
	}
	if env.ledger.SignedCount() != 1 {
		t.Fatalf("expected one custody-signed ledger submission, got %d", env.ledger.SignedCount())
	}

	// The access token resolves back to the user.
	resolved, err := env.svc.ResolveBearer(ctx, "Bearer "+session.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("resolve bearer: %v", err)
	}
	if resolved.ID != session.User.ID {
		t.Fatal("bearer resolved to a different user")
	}
}

func TestRegisterDuplicateEmailIsCaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.Register(ctx, "dup@example.com", "Sup3r-secret!x", testSession); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := env.svc.Register(ctx, "DUP@EXAMPLE.COM", "Sup3r-secret!x", testSession); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRegisterPasswordPolicy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []string{
		"Short1!",            // too short
		"alllowercase1!aaaa", // no uppercase
		"ALLUPPERCASE1!AAAA", // no lowercase
		"NoDigitsHere!aaaa",  // no number
		"NoSymbolsHere1aaaa", // no symbol
	}
	for _, pw := range cases {
		var verr *ValidationError
		if _, err := env.svc.Register(ctx, "p@example.com", pw, testSession); !errors.As(err, &verr) {
			t.Fatalf("password %q: expected validation error, got %v", pw, err)
		}
	}
}

func TestLoginFailuresAreGeneric(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.Register(ctx, "login@example.com", "Sup3r-secret!x", testSession); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := env.svc.Login(ctx, "login@example.com", "wrong-password", testSession); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected generic failure for wrong password, got %v", err)
	}
	if _, err := env.svc.Login(ctx, "unknown@example.com", "whatever", testSession); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected generic failure for unknown email, got %v", err)
	}

	session, err := env.svc.Login(ctx, "login@example.com", "Sup3r-secret!x", testSession)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if session.Tokens.RefreshToken == "" {
		t.Fatal("expected refresh token")
	}
}

func TestOtpFlowCreatesUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	challenge, err := env.svc.RequestEmailOtp(ctx, "otp@example.com", testSession)
	if err != nil {
		t.Fatalf("request otp: %v", err)
	}
	if challenge.DebugCode == "" {
		t.Fatal("expected debug code outside production")
	}
	if len(env.codes) != 1 || env.codes[0].Code != challenge.DebugCode {
		t.Fatal("dispatched code does not match challenge")
	}

	session, err := env.svc.VerifyEmailOtp(ctx, challenge.ChallengeID, "otp@example.com", challenge.DebugCode, testSession)
	if err != nil {
		t.Fatalf("verify otp: %v", err)
	}
	if session.User.Email != "otp@example.com" {
		t.Fatalf("unexpected user %+v", session.User)
	}
	if session.User.HederaAccountID == "" {
		t.Fatal("first OTP sign-in must provision a wallet")
	}

	// Replay of a consumed challenge fails.
	if _, err := env.svc.VerifyEmailOtp(ctx, challenge.ChallengeID, "otp@example.com", challenge.DebugCode, testSession); !errors.Is(err, ErrOtpChallengeInvalid) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestOtpLockoutAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	challenge, err := env.svc.RequestEmailOtp(ctx, "lock@example.com", testSession)
	if err != nil {
		t.Fatalf("request otp: %v", err)
	}
	wrong := "000000"
	if wrong == challenge.DebugCode {
		wrong = "000001"
	}

	for i := 0; i < 5; i++ {
		if _, err := env.svc.VerifyEmailOtp(ctx, challenge.ChallengeID, "lock@example.com", wrong, testSession); !errors.Is(err, ErrOtpCodeInvalid) {
			t.Fatalf("attempt %d: expected invalid code, got %v", i+1, err)
		}
	}

	// Even the correct code is rejected once the challenge is locked.
	if _, err := env.svc.VerifyEmailOtp(ctx, challenge.ChallengeID, "lock@example.com", challenge.DebugCode, testSession); !errors.Is(err, ErrOtpChallengeInvalid) {
		t.Fatalf("expected locked challenge, got %v", err)
	}
}

func TestOtpExpiredChallenge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	challenge, err := env.svc.RequestEmailOtp(ctx, "late@example.com", testSession)
	if err != nil {
		t.Fatalf("request otp: %v", err)
	}

	env.svc.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	if _, err := env.svc.VerifyEmailOtp(ctx, challenge.ChallengeID, "late@example.com", challenge.DebugCode, testSession); !errors.Is(err, ErrOtpChallengeInvalid) {
		t.Fatalf("expected expired challenge, got %v", err)
	}
}

func TestRotateInvalidatesOldToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.Register(ctx, "rot@example.com", "Sup3r-secret!x", testSession)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	rotated, err := env.svc.Rotate(ctx, session.Tokens.RefreshToken, testSession)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.Tokens.RefreshToken == session.Tokens.RefreshToken {
		t.Fatal("rotation must mint a new refresh token")
	}

	// The old token is now dead; the new one still rotates.
	if _, err := env.svc.Rotate(ctx, session.Tokens.RefreshToken, testSession); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected old token rejection, got %v", err)
	}
	if _, err := env.svc.Rotate(ctx, rotated.Tokens.RefreshToken, testSession); err != nil {
		t.Fatalf("rotate new token: %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.Register(ctx, "rev@example.com", "Sup3r-secret!x", testSession)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := env.svc.Revoke(ctx, session.Tokens.RefreshToken); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := env.svc.Revoke(ctx, session.Tokens.RefreshToken); err != nil {
		t.Fatalf("second revoke must be a no-op: %v", err)
	}
	if err := env.svc.Revoke(ctx, "unknown-token"); err != nil {
		t.Fatalf("revoking unknown token must be a no-op: %v", err)
	}

	if _, err := env.svc.Rotate(ctx, session.Tokens.RefreshToken, testSession); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected revoked token rejection, got %v", err)
	}
}

// racingLogoutStore revokes the token it just looked up before returning it,
// reproducing a concurrent logout landing between lookup and revoke.
type racingLogoutStore struct {
	identity.Store
}

func (s *racingLogoutStore) FindUnrevokedRefreshToken(ctx context.Context, tokenHash string) (identity.RefreshToken, error) {
	tok, err := s.Store.FindUnrevokedRefreshToken(ctx, tokenHash)
	if err != nil {
		return tok, err
	}
	if err := s.Store.RevokeRefreshToken(ctx, tok.ID, time.Now()); err != nil {
		return identity.RefreshToken{}, err
	}
	return tok, nil
}

func TestRevokeToleratesConcurrentLogout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.svc.Register(ctx, "race@example.com", "Sup3r-secret!x", testSession)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	env.svc.store = &racingLogoutStore{Store: env.store}
	if err := env.svc.Revoke(ctx, session.Tokens.RefreshToken); err != nil {
		t.Fatalf("revoke losing the race must succeed: %v", err)
	}
}

func TestOAuthCreatesThenLinks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// First OAuth sign-in for an unseen identity creates an account.
	first, err := env.svc.AuthenticateOAuth(ctx, oauth.Input{
		Provider:       identity.ProviderFacebook,
		ProviderUserID: "fb-77",
		Email:          "social@example.com",
	}, testSession)
	if err != nil {
		t.Fatalf("oauth: %v", err)
	}
	if first.User.HederaAccountID == "" {
		t.Fatal("new OAuth user must get a wallet")
	}

	// Same identity signs in again without creating a second account.
	second, err := env.svc.AuthenticateOAuth(ctx, oauth.Input{
		Provider:       identity.ProviderFacebook,
		ProviderUserID: "fb-77",
		Email:          "social@example.com",
	}, testSession)
	if err != nil {
		t.Fatalf("oauth repeat: %v", err)
	}
	if second.User.ID != first.User.ID {
		t.Fatal("repeat OAuth login created a new account")
	}

	// A different provider with the same email links onto the account.
	linked, err := env.svc.AuthenticateOAuth(ctx, oauth.Input{
		Provider:       identity.ProviderTwitter,
		ProviderUserID: "tw-88",
		Email:          "Social@Example.com",
	}, testSession)
	if err != nil {
		t.Fatalf("oauth link: %v", err)
	}
	if linked.User.ID != first.User.ID {
		t.Fatal("email-matched OAuth login must link, not create")
	}

	user, err := env.store.FindUserByID(ctx, first.User.ID)
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if user.FacebookID != "fb-77" || user.TwitterID != "tw-88" {
		t.Fatalf("linking overwrote provider ids: %+v", user)
	}
}

func TestOAuthUnsupportedProvider(t *testing.T) {
	env := newTestEnv(t)
	var verr *ValidationError
	_, err := env.svc.AuthenticateOAuth(context.Background(), oauth.Input{Provider: "github"}, testSession)
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestProvisioningFailureDeletesUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.keys.FailCreate = true

	if _, err := env.svc.Register(ctx, "ghost@example.com", "Sup3r-secret!x", testSession); err == nil {
		t.Fatal("expected provisioning failure to fail registration")
	}

	// The half-created user was compensated away, so the email is free again.
	if _, err := env.store.FindUserByEmail(ctx, "ghost@example.com"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected compensating delete, got %v", err)
	}
	env.keys.FailCreate = false
	if _, err := env.svc.Register(ctx, "ghost@example.com", "Sup3r-secret!x", testSession); err != nil {
		t.Fatalf("retry after compensation: %v", err)
	}
}

func TestRateLimitBlocksTwentyFirstRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := env.svc.Login(ctx, "nobody@example.com", "whatever", testSession); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("request %d: expected credential failure, got %v", i+1, err)
		}
	}
	if _, err := env.svc.Login(ctx, "nobody@example.com", "whatever", testSession); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit on request 21, got %v", err)
	}

	// Another address has its own budget.
	other := SessionContext{IPAddress: "9.9.9.9"}
	if _, err := env.svc.Login(ctx, "nobody@example.com", "whatever", other); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("independent address limited: %v", err)
	}
}

func TestResolveBearerRejectsBadTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.ResolveBearer(ctx, ""); !errors.Is(err, ErrInvalidAccessToken) {
		t.Fatalf("expected rejection of empty header, got %v", err)
	}
	if _, err := env.svc.ResolveBearer(ctx, "Bearer garbage"); !errors.Is(err, ErrInvalidAccessToken) {
		t.Fatalf("expected rejection of garbage token, got %v", err)
	}
	if _, err := env.svc.ResolveBearer(ctx, "Basic abc"); !errors.Is(err, ErrInvalidAccessToken) {
		t.Fatalf("expected rejection of non-bearer scheme, got %v", err)
	}
}
