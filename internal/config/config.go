// Package config defines the configuration for the entitlebridge service.
// Configuration is loaded once at process start and is immutable thereafter,
// following 12-Factor principles: code is strictly separated from config.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format causes startup to fail
// immediately (fail fast). The rest of the service treats the loaded Config
// as already-validated input.
package config

import (
	"encoding/json"
	"time"

	"entitlebridge/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"entitlebridge"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Webhook  WebhookConfig
	Identity IdentityConfig
	Plans    PlanConfig
	AWS      AWSConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
}

// WebhookConfig holds the Stripe webhook verification secret and the event
// shape the deployment listens for.
type WebhookConfig struct {
	// SigningSecret verifies the Stripe-Signature header against the raw body.
	SigningSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
}

// IdentityConfig holds the identity provider API endpoint and vendor
// credentials used for the bearer-token exchange.
type IdentityConfig struct {
	BaseURL      string       `envconfig:"IDENTITY_BASE_URL" validate:"required,url"`
	ClientID     string       `envconfig:"IDENTITY_CLIENT_ID" validate:"required"`
	ClientSecret SecretString `envconfig:"IDENTITY_API_KEY" validate:"required"`

	// CallTimeout bounds each outbound identity API call so a slow upstream
	// cannot hold the inbound webhook open indefinitely.
	CallTimeout time.Duration `envconfig:"IDENTITY_CALL_TIMEOUT" default:"10s"`
}

// PlanConfig holds the static price-to-feature mapping table.
type PlanConfig struct {
	// MappingJSON is a JSON object mapping Stripe price IDs to identity
	// provider feature IDs.
	// Example: {"price_basic_monthly": "feat-basic", "price_pro_yearly": "feat-pro"}
	MappingJSON string `envconfig:"PLAN_FEATURE_MAP_JSON" validate:"required,json"`
}

// AWSConfig holds regional configuration for SSM secret resolution.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
}

// PlanMapping parses the configured price-to-feature table.
// LoadConfig has already validated that MappingJSON is well-formed JSON, so
// an error here indicates the value is valid JSON but not a string map.
func (p PlanConfig) PlanMapping() (map[string]string, error) {
	m := make(map[string]string)
	if err := json.Unmarshal([]byte(p.MappingJSON), &m); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "PLAN_FEATURE_MAP_JSON must be a JSON object of price ID to feature ID",
			Err:     err,
		}
	}
	return m, nil
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
