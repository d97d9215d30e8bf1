package config

import (
	"context"
	"os"
)

// EnvSecretProvider resolves secrets directly from environment variables.
// Used for local development where SSM is unavailable. The "paths" passed to
// GetParametersBatch are treated as environment variable names.
type EnvSecretProvider struct{}

// NewEnvSecretProvider creates a new environment-backed secret provider.
func NewEnvSecretProvider() *EnvSecretProvider {
	return &EnvSecretProvider{}
}

// GetParametersBatch looks up each key as an environment variable. Keys that
// are not set are omitted from the result map rather than treated as errors,
// matching the partial-result contract of the interface.
func (p *EnvSecretProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok {
			result[key] = value
		}
	}
	return result, nil
}
