// SPDX-License-Identifier: MPL-2.0

package config

import "context"

// LoadOptions selects the configuration source.
type LoadOptions struct {
	// ConfigFilePath overrides FRT_CONFIG and DefaultPath when set.
	ConfigFilePath string
}

// Provider loads the effective configuration and names the file it read.
// The Config is non-nil even when the error is a *ConfigError, so the local
// fallback always has client settings.
type Provider interface {
	Load(ctx context.Context, opts LoadOptions) (*Config, string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, opts LoadOptions) (*Config, string, error)

func (f ProviderFunc) Load(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	return f(ctx, opts)
}

// NewProvider returns the provider that reads the INI file and applies the
// FRT_* environment overrides.
func NewProvider() Provider {
	return ProviderFunc(loadWithOptions)
}
