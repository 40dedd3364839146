package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates the realtime endpoint API key
func (v *Validator) ValidateAPIKey(key string) error {
	if key == "" {
		return fmt.Errorf("realtime API key cannot be empty")
	}
	if !strings.HasPrefix(key, "sk-") {
		return fmt.Errorf("invalid realtime API key format (should start with sk-)")
	}
	return nil
}

// ValidateProviderURL checks that a provider URL uses a supported scheme
func (v *Validator) ValidateProviderURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid provider url %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("unsupported provider url scheme %q (must be one of: ws, wss, http, https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("provider url %q has no host", raw)
	}
	return nil
}

// ValidateAuth checks that the credential material matches the auth kind
func (v *Validator) ValidateAuth(auth AuthConfig) error {
	switch auth.Kind {
	case "", "none":
		return nil
	case "bearer":
		if auth.Token == "" {
			return fmt.Errorf("bearer auth requires token")
		}
	case "api_key":
		if auth.APIKey == "" {
			return fmt.Errorf("api_key auth requires api_key")
		}
	case "basic":
		if auth.Username == "" {
			return fmt.Errorf("basic auth requires username")
		}
	case "custom":
		if auth.HeaderName == "" || auth.APIKey == "" {
			return fmt.Errorf("custom auth requires header_name and api_key")
		}
	case "oauth":
		if auth.OAuth == nil || auth.OAuth.TokenURL == "" || auth.OAuth.ClientID == "" {
			return fmt.Errorf("oauth auth requires oauth.token_url and oauth.client_id")
		}
	default:
		return fmt.Errorf("invalid auth kind: %s (must be one of: none, bearer, api_key, basic, custom, oauth)", auth.Kind)
	}
	return nil
}

// ValidateTurnDetection validates the turn detection mode
func (v *Validator) ValidateTurnDetection(mode string) error {
	if mode == "" {
		return nil
	}

	validModes := []string{"semantic_vad", "server_vad", "none"}
	for _, valid := range validModes {
		if mode == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid turn detection: %s (must be one of: %s)", mode, strings.Join(validModes, ", "))
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateAPIKey(cfg.Realtime.APIKey); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateTurnDetection(cfg.Realtime.TurnDetection); err != nil {
		errors = append(errors, err)
	}

	errors = append(errors, v.ValidateProviders(cfg)...)

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	if cfg.Gateway.Enabled && (cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535) {
		errors = append(errors, fmt.Errorf("gateway.port must be between 1 and 65535, got %d", cfg.Gateway.Port))
	}

	return errors
}

// ValidateProviders checks the provider list and bridge tuning only
func (v *Validator) ValidateProviders(cfg *Config) []error {
	var errors []error

	seen := make(map[string]bool, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if p.Name == "" {
			errors = append(errors, fmt.Errorf("provider %d: name is required", i))
		} else if seen[p.Name] {
			errors = append(errors, fmt.Errorf("provider %s: duplicate name", p.Name))
		}
		seen[p.Name] = true

		if !p.Enabled {
			continue
		}
		if err := v.ValidateProviderURL(p.URL); err != nil {
			errors = append(errors, fmt.Errorf("provider %d (%s): %w", i, p.Name, err))
		}
		if err := v.ValidateAuth(p.Auth); err != nil {
			errors = append(errors, fmt.Errorf("provider %d (%s): %w", i, p.Name, err))
		}
	}

	if cfg.Bridge.SettleDelayMs < 0 {
		errors = append(errors, fmt.Errorf("bridge.settle_delay_ms must be >= 0"))
	}
	return errors
}
