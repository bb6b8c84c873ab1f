package oauth

import (
	"context"
	"fmt"

	"github.com/workit-app/authcore/internal/identity"
)

// TrustedProfileVerifier accepts a caller-supplied provider user id and
// email without cryptographic verification. It exists for providers whose
// server-side verification is not wired yet and must only be enabled on
// trusted networks or in development.
type TrustedProfileVerifier struct {
	provider identity.Provider
	enabled  bool
}

// NewTrustedProfileVerifier builds a trusted-profile verifier. When enabled
// is false every verification attempt is rejected.
func NewTrustedProfileVerifier(provider identity.Provider, enabled bool) *TrustedProfileVerifier {
	return &TrustedProfileVerifier{provider: provider, enabled: enabled}
}

// Verify passes the supplied identity through after checking the
// trusted-mode gate.
func (v *TrustedProfileVerifier) Verify(_ context.Context, input Input) (Profile, error) {
	if !v.enabled {
		return Profile{}, ErrTrustedModeDisabled
	}
	if input.ProviderUserID == "" || input.Email == "" {
		return Profile{}, fmt.Errorf("%w: providerUserId and email are required", ErrVerificationFailed)
	}
	return Profile{
		Provider:       v.provider,
		ProviderUserID: input.ProviderUserID,
		Email:          input.Email,
	}, nil
}
