package identity

import "time"

// Provider identifies a supported OAuth identity provider.
type Provider string

const (
	ProviderGoogle   Provider = "google"
	ProviderFacebook Provider = "facebook"
	ProviderTwitter  Provider = "twitter"
	ProviderDiscord  Provider = "discord"
)

// Valid reports whether the provider is one of the supported values.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderFacebook, ProviderTwitter, ProviderDiscord:
		return true
	}
	return false
}

// User is a registered account. Empty string fields stand for absent values:
// an OAuth-only account has no password hash, an OTP-only account may carry
// nothing but an email. The wallet fields are set exactly once, after
// provisioning succeeds.
type User struct {
	ID                   string
	Email                string
	PasswordHash         string
	GoogleID             string
	FacebookID           string
	TwitterID            string
	DiscordID            string
	HederaAccountID      string
	KMSKeyID             string
	PublicKeyFingerprint string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ProviderID returns the external identifier linked for the given provider.
func (u User) ProviderID(p Provider) string {
	switch p {
	case ProviderGoogle:
		return u.GoogleID
	case ProviderFacebook:
		return u.FacebookID
	case ProviderTwitter:
		return u.TwitterID
	case ProviderDiscord:
		return u.DiscordID
	}
	return ""
}

// NewUser carries the fields persisted when an account is first created.
type NewUser struct {
	Email        string
	PasswordHash string
	GoogleID     string
	FacebookID   string
	TwitterID    string
	DiscordID    string
}

// RefreshToken is one session credential. Only the secret's hash is stored;
// the raw secret exists transiently in the response cookie.
type RefreshToken struct {
	ID                string
	UserID            string
	TokenHash         string
	ExpiresAt         time.Time
	RevokedAt         time.Time
	ReplacedByTokenID string
	IPAddress         string
	UserAgent         string
	CreatedAt         time.Time
}

// Revoked reports whether the token has been revoked.
func (t RefreshToken) Revoked() bool {
	return !t.RevokedAt.IsZero()
}

// NewRefreshToken carries the fields persisted for a freshly issued token.
type NewRefreshToken struct {
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	IPAddress string
	UserAgent string
}

// EmailOtpChallenge is a time-boxed, attempt-limited proof of email
// ownership.
type EmailOtpChallenge struct {
	ID           string
	Email        string
	CodeHash     string
	ExpiresAt    time.Time
	ConsumedAt   time.Time
	AttemptCount int
	IPAddress    string
	UserAgent    string
	CreatedAt    time.Time
}

// Consumed reports whether the challenge has been used or exhausted.
func (c EmailOtpChallenge) Consumed() bool {
	return !c.ConsumedAt.IsZero()
}

// NewOtpChallenge carries the fields persisted when a challenge is created.
type NewOtpChallenge struct {
	Email     string
	CodeHash  string
	ExpiresAt time.Time
	IPAddress string
	UserAgent string
}
