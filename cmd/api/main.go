// Package main is the entry point for the entitlebridge API server.
//
// It loads configuration (environment, dotenv, SSM secrets), builds the
// identity provider client and the provisioning service, wires the Stripe
// webhook handler into the core chassis (middleware, routing, health checks),
// and serves HTTP until a termination signal arrives.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"entitlebridge/internal/api/handlers"
	"entitlebridge/internal/billing"
	"entitlebridge/internal/config"
	"entitlebridge/internal/core"
	"entitlebridge/internal/external"
	"entitlebridge/internal/provision"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	// Load configuration. SSM resolution is bypassed when APP_ENV=local, so
	// the provider is only built for deployed environments.
	cfg, err := config.LoadConfig(newSecretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("entitlebridge API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	// The plan table is parsed once at startup; an unparseable table is a
	// deployment defect, not something to discover on the first webhook.
	planTable, err := cfg.Plans.PlanMapping()
	if err != nil {
		return fmt.Errorf("loading plan mapping: %w", err)
	}
	plans := billing.NewStaticPlanResolver(planTable)
	logger.Info("plan mapping loaded", "entries", plans.Known())

	identityClient := external.NewIdentityClient(
		&http.Client{Timeout: cfg.Identity.CallTimeout},
		external.IdentityClientConfig{
			BaseURL:      cfg.Identity.BaseURL,
			ClientID:     cfg.Identity.ClientID,
			ClientSecret: cfg.Identity.ClientSecret.Unmask(),
			Logger:       logger,
		},
	)

	provisioner := provision.NewProvisioner(identityClient, logger)

	webhookHandler := handlers.NewProvisionWebhookHandler(
		&external.StripeVerifier{},
		provisioner,
		plans,
		cfg.Webhook.SigningSecret.Unmask(),
		logger,
	)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = append(srv.HealthProbes, identityClient)
	srv.RouteRegistrars = append(srv.RouteRegistrars, func(r chi.Router) {
		webhookHandler.RegisterRoutes(r)
	})
	srv.MountRoutes()

	return srv.ListenAndServe()
}

// newSecretProvider chooses the secret backend before configuration is
// loaded, so the region and environment are read straight from the process
// environment with the same defaults the config layer applies.
func newSecretProvider() config.SecretProvider {
	if os.Getenv("APP_ENV") == "local" {
		return config.NewEnvSecretProvider()
	}
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	return config.NewSSMSecretProvider(region)
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler)
}
