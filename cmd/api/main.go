package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/workit-app/authcore/internal/auth"
	"github.com/workit-app/authcore/internal/config"
	"github.com/workit-app/authcore/internal/custody"
	"github.com/workit-app/authcore/internal/identity"
	"github.com/workit-app/authcore/internal/infra"
	"github.com/workit-app/authcore/internal/ledger"
	"github.com/workit-app/authcore/internal/logging"
	"github.com/workit-app/authcore/internal/oauth"
	"github.com/workit-app/authcore/internal/server"
	"github.com/workit-app/authcore/internal/wallet"
)

const discordProfileURL = "https://discord.com/api/users/@me"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	ctx := context.Background()

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cache, err := infra.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		if cfg.IsProduction() || cfg.RedisURL != "" {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		logger.Warn("redis not configured, using in-memory rate limiting")
	}
	if cache != nil {
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	broker, err := buildBroker(ctx, cfg)
	if err != nil {
		logger.Error("configure oauth providers", "error", err)
		os.Exit(1)
	}

	var provisioner auth.WalletProvisioner
	if cfg.ProvisioningEnabled {
		keys, err := custody.NewKMSKeyManager(ctx, cfg.AWSRegion, custody.KMSOptions{
			AliasPrefix:       cfg.KMSAliasPrefix,
			DescriptionPrefix: cfg.KMSDescriptionPrefix,
		})
		if err != nil {
			logger.Error("configure kms", "error", err)
			os.Exit(1)
		}
		hederaLedger, err := ledger.NewHederaLedger(ledger.Config{
			Network:     cfg.HederaNetwork,
			OperatorID:  cfg.HederaOperatorID,
			OperatorKey: cfg.HederaOperatorKey,
			InitialHbar: cfg.InitialBalanceHbar,
		})
		if err != nil {
			logger.Error("configure hedera", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := hederaLedger.Close(); err != nil {
				logger.Warn("close hedera client", "error", err)
			}
		}()
		provisioner = wallet.NewProvisioner(keys, hederaLedger, cfg.ProvisionTimeout, cfg.ProvisionMaxRetries, logger)
	} else {
		logger.Warn("wallet provisioning disabled, new users get no custody key or ledger account")
	}

	srv, err := server.New(cfg, db, cache, broker, provisioner, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}

// buildBroker registers one verification strategy per configured provider.
// Google verifies ID tokens and, when a redirect URL is configured, also
// accepts the code flow. Discord uses the code flow with a profile-endpoint
// lookup. Facebook and Twitter fall back to trusted-profile mode until
// server-side verification is wired for them.
func buildBroker(ctx context.Context, cfg config.Config) (*oauth.Broker, error) {
	broker := oauth.NewBroker()

	if cfg.GoogleClientID != "" {
		idVerifier, err := oauth.NewGoogleVerifier(ctx, cfg.GoogleClientID)
		if err != nil {
			return nil, err
		}
		var google oauth.Verifier = idVerifier
		if cfg.GoogleClientSecret != "" && cfg.GoogleRedirectURL != "" {
			google = &oauth.StrategySelector{
				IDToken: idVerifier,
				Code: oauth.NewCodeExchanger(identity.ProviderGoogle, &oauth2.Config{
					ClientID:     cfg.GoogleClientID,
					ClientSecret: cfg.GoogleClientSecret,
					RedirectURL:  cfg.GoogleRedirectURL,
					Scopes:       []string{"openid", "email"},
					Endpoint:     endpoints.Google,
				}, idVerifier, "", nil),
			}
		}
		broker.Register(identity.ProviderGoogle, google)
	}

	if cfg.DiscordClientID != "" && cfg.DiscordClientSecret != "" && cfg.DiscordRedirectURL != "" {
		broker.Register(identity.ProviderDiscord, oauth.NewCodeExchanger(identity.ProviderDiscord, &oauth2.Config{
			ClientID:     cfg.DiscordClientID,
			ClientSecret: cfg.DiscordClientSecret,
			RedirectURL:  cfg.DiscordRedirectURL,
			Scopes:       []string{"identify", "email"},
			Endpoint:     endpoints.Discord,
		}, nil, discordProfileURL, nil))
	}

	broker.Register(identity.ProviderFacebook, oauth.NewTrustedProfileVerifier(identity.ProviderFacebook, cfg.OAuthTrustedProfiles))
	broker.Register(identity.ProviderTwitter, oauth.NewTrustedProfileVerifier(identity.ProviderTwitter, cfg.OAuthTrustedProfiles))

	return broker, nil
}
