package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/workit-app/authcore/internal/identity"
)

var (
	// ErrUnsupportedProvider is returned when no verifier is registered for
	// the requested provider.
	ErrUnsupportedProvider = errors.New("oauth: unsupported provider")
	// ErrVerificationFailed covers every provider-side rejection. Callers
	// must not leak which verification step failed.
	ErrVerificationFailed = errors.New("oauth: verification failed")
	// ErrTrustedModeDisabled is returned when a trusted-profile provider is
	// used without the explicit trusted-mode flag.
	ErrTrustedModeDisabled = errors.New("oauth: provider requires trusted profile mode or server-side verification")
)

// Profile is the normalized identity every verification strategy produces.
// Email is always lowercased.
type Profile struct {
	Provider       identity.Provider
	ProviderUserID string
	Email          string
}

// Input carries the caller-supplied credentials for one verification
// attempt. Which fields are required depends on the provider's strategy:
// ID-token providers need IDToken, code-flow providers need Code plus the
// PKCE verifier, and trusted-profile providers need ProviderUserID and
// Email directly.
type Input struct {
	Provider       identity.Provider
	IDToken        string
	Code           string
	CodeVerifier   string
	ProviderUserID string
	Email          string
}

// Verifier checks provider credentials and normalizes them to a Profile.
type Verifier interface {
	Verify(ctx context.Context, input Input) (Profile, error)
}

// Broker dispatches verification to the verifier registered for each
// provider.
type Broker struct {
	verifiers map[identity.Provider]Verifier
}

// NewBroker builds an empty broker. Register verifiers before use.
func NewBroker() *Broker {
	return &Broker{verifiers: make(map[identity.Provider]Verifier)}
}

// Register installs the verifier for a provider, replacing any existing one.
func (b *Broker) Register(provider identity.Provider, v Verifier) {
	b.verifiers[provider] = v
}

// Supports reports whether a verifier is registered for the provider.
func (b *Broker) Supports(provider identity.Provider) bool {
	_, ok := b.verifiers[provider]
	return ok
}

// StrategySelector routes one provider's verification by the credential
// present in the input: an ID token when the provider issues them
// client-side, otherwise an authorization code. Used for providers that
// support both entry points.
type StrategySelector struct {
	IDToken Verifier
	Code    Verifier
}

// Verify dispatches to the strategy matching the supplied credential.
func (s *StrategySelector) Verify(ctx context.Context, input Input) (Profile, error) {
	switch {
	case input.IDToken != "" && s.IDToken != nil:
		return s.IDToken.Verify(ctx, input)
	case input.Code != "" && s.Code != nil:
		return s.Code.Verify(ctx, input)
	}
	return Profile{}, fmt.Errorf("%w: no usable credential supplied", ErrVerificationFailed)
}

// Verify routes the input to the provider's verifier.
func (b *Broker) Verify(ctx context.Context, input Input) (Profile, error) {
	v, ok := b.verifiers[input.Provider]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnsupportedProvider, input.Provider)
	}
	profile, err := v.Verify(ctx, input)
	if err != nil {
		return Profile{}, err
	}
	if profile.ProviderUserID == "" || profile.Email == "" {
		return Profile{}, fmt.Errorf("%w: profile missing subject or email", ErrVerificationFailed)
	}
	profile.Email = strings.ToLower(profile.Email)
	return profile, nil
}
