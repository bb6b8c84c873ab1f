package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"golang.org/x/oauth2"

	"github.com/workit-app/authcore/internal/identity"
)

func TestTrustedProfileVerifier(t *testing.T) {
	ctx := context.Background()

	disabled := NewTrustedProfileVerifier(identity.ProviderFacebook, false)
	if _, err := disabled.Verify(ctx, Input{ProviderUserID: "fb-1", Email: "a@example.com"}); !errors.Is(err, ErrTrustedModeDisabled) {
		t.Fatalf("expected trusted mode gate, got %v", err)
	}

	enabled := NewTrustedProfileVerifier(identity.ProviderFacebook, true)
	if _, err := enabled.Verify(ctx, Input{ProviderUserID: "fb-1"}); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected missing email rejection, got %v", err)
	}

	profile, err := enabled.Verify(ctx, Input{ProviderUserID: "fb-1", Email: "A@Example.com"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if profile.Provider != identity.ProviderFacebook || profile.ProviderUserID != "fb-1" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
}

func TestBrokerNormalizesEmail(t *testing.T) {
	broker := NewBroker()
	broker.Register(identity.ProviderTwitter, NewTrustedProfileVerifier(identity.ProviderTwitter, true))

	profile, err := broker.Verify(context.Background(), Input{
		Provider:       identity.ProviderTwitter,
		ProviderUserID: "tw-1",
		Email:          "MiXeD@Example.COM",
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if profile.Email != "mixed@example.com" {
		t.Fatalf("expected lowercased email, got %q", profile.Email)
	}
}

func TestBrokerUnsupportedProvider(t *testing.T) {
	broker := NewBroker()
	if _, err := broker.Verify(context.Background(), Input{Provider: identity.ProviderGoogle}); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}
}

func TestStrategySelector(t *testing.T) {
	selector := &StrategySelector{
		IDToken: NewTrustedProfileVerifier(identity.ProviderGoogle, true),
	}
	if _, err := selector.Verify(context.Background(), Input{Code: "abc"}); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected rejection without a matching strategy, got %v", err)
	}
}

func TestCodeExchangerBegin(t *testing.T) {
	exchanger := NewCodeExchanger(identity.ProviderDiscord, &oauth2.Config{
		ClientID:    "client-1",
		RedirectURL: "https://app.example.com/callback",
		Scopes:      []string{"identify", "email"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://provider.example.com/authorize",
			TokenURL: "https://provider.example.com/token",
		},
	}, nil, "https://provider.example.com/me", nil)

	req, err := exchanger.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if req.State == "" || req.CodeVerifier == "" {
		t.Fatal("expected state and code verifier")
	}

	parsed, err := url.Parse(req.URL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	query := parsed.Query()
	if query.Get("state") != req.State {
		t.Fatal("state missing from authorization URL")
	}
	if query.Get("code_challenge_method") != "S256" {
		t.Fatalf("expected S256 challenge, got %q", query.Get("code_challenge_method"))
	}
	digest := sha256.Sum256([]byte(req.CodeVerifier))
	if query.Get("code_challenge") != base64.RawURLEncoding.EncodeToString(digest[:]) {
		t.Fatal("code challenge is not the S256 digest of the verifier")
	}

	// Each attempt gets fresh randomness.
	again, err := exchanger.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if again.State == req.State || again.CodeVerifier == req.CodeVerifier {
		t.Fatal("state and verifier must be unique per attempt")
	}
}

func TestCodeExchangerProfileFlow(t *testing.T) {
	var sawVerifier string
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		sawVerifier = r.FormValue("code_verifier")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-1",
			"token_type":   "Bearer",
		})
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "dc-42", "email": "User@Example.com"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	exchanger := NewCodeExchanger(identity.ProviderDiscord, &oauth2.Config{
		ClientID:     "client-1",
		ClientSecret: "secret",
		RedirectURL:  "https://app.example.com/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:  srv.URL + "/authorize",
			TokenURL: srv.URL + "/token",
		},
	}, nil, srv.URL+"/me", srv.Client())

	profile, err := exchanger.Verify(context.Background(), Input{
		Provider:     identity.ProviderDiscord,
		Code:         "auth-code",
		CodeVerifier: "verifier-value-verifier-value-verifier-value",
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sawVerifier != "verifier-value-verifier-value-verifier-value" {
		t.Fatalf("PKCE verifier not sent to token endpoint, got %q", sawVerifier)
	}
	if profile.ProviderUserID != "dc-42" {
		t.Fatalf("unexpected provider user id %q", profile.ProviderUserID)
	}
	if profile.Email != "User@Example.com" {
		// Broker normalizes case; the exchanger passes it through.
		t.Fatalf("unexpected email %q", profile.Email)
	}
}

func TestCodeExchangerRequiresCode(t *testing.T) {
	exchanger := NewCodeExchanger(identity.ProviderDiscord, &oauth2.Config{}, nil, "", nil)
	if _, err := exchanger.Verify(context.Background(), Input{}); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected rejection without code, got %v", err)
	}
}
