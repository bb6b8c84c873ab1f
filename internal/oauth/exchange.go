package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/workit-app/authcore/internal/identity"
)

// AuthorizationRequest is the start of one code-flow attempt. State and
// CodeVerifier must be held by the caller (typically in a short-lived
// cookie or server-side session) until the provider calls back.
type AuthorizationRequest struct {
	URL          string
	State        string
	CodeVerifier string
}

// CodeExchanger implements the authorization-code + PKCE strategy. After
// exchanging the code it resolves the profile either by verifying the
// returned ID token (OIDC-capable providers) or by calling the provider's
// profile endpoint with the access token.
type CodeExchanger struct {
	provider   identity.Provider
	config     *oauth2.Config
	idVerifier *OIDCVerifier
	profileURL string
	client     *http.Client
}

// NewCodeExchanger builds a code-flow verifier. Exactly one of idVerifier
// or profileURL should be set; when both are present the ID token wins.
func NewCodeExchanger(provider identity.Provider, config *oauth2.Config, idVerifier *OIDCVerifier, profileURL string, client *http.Client) *CodeExchanger {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &CodeExchanger{
		provider:   provider,
		config:     config,
		idVerifier: idVerifier,
		profileURL: profileURL,
		client:     client,
	}
}

// Begin generates a fresh state value and PKCE verifier and builds the
// provider authorization URL carrying the S256 challenge.
func (e *CodeExchanger) Begin() (AuthorizationRequest, error) {
	state, err := randomState()
	if err != nil {
		return AuthorizationRequest{}, err
	}
	verifier := oauth2.GenerateVerifier()
	return AuthorizationRequest{
		URL:          e.config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
		State:        state,
		CodeVerifier: verifier,
	}, nil
}

// Verify exchanges the callback code for provider tokens and resolves the
// normalized profile.
func (e *CodeExchanger) Verify(ctx context.Context, input Input) (Profile, error) {
	if input.Code == "" || input.CodeVerifier == "" {
		return Profile{}, fmt.Errorf("%w: code and code verifier are required", ErrVerificationFailed)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)
	token, err := e.config.Exchange(ctx, input.Code, oauth2.VerifierOption(input.CodeVerifier))
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	if e.idVerifier != nil {
		rawIDToken, ok := token.Extra("id_token").(string)
		if !ok || rawIDToken == "" {
			return Profile{}, fmt.Errorf("%w: provider response missing id_token", ErrVerificationFailed)
		}
		return e.idVerifier.Verify(ctx, Input{Provider: e.provider, IDToken: rawIDToken})
	}
	return e.fetchProfile(ctx, token.AccessToken)
}

func (e *CodeExchanger) fetchProfile(ctx context.Context, accessToken string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.profileURL, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Profile{}, fmt.Errorf("%w: profile request returned status %d", ErrVerificationFailed, resp.StatusCode)
	}

	var payload struct {
		Sub   string `json:"sub"`
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	subject := payload.Sub
	if subject == "" {
		subject = payload.ID
	}
	return Profile{
		Provider:       e.provider,
		ProviderUserID: subject,
		Email:          payload.Email,
	}, nil
}

func randomState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("oauth: generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
