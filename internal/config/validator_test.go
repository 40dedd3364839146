package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAPIKey("sk-abc"))
	assert.Error(t, v.ValidateAPIKey(""))
	assert.Error(t, v.ValidateAPIKey("abc"))
}

func TestValidateProviderURL(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"websocket", "ws://localhost:9000/tools", false},
		{"secure websocket", "wss://tools.example.com", false},
		{"http", "http://localhost:8000/mcp", false},
		{"https", "https://tools.example.com/mcp", false},
		{"ftp", "ftp://tools.example.com", true},
		{"no scheme", "tools.example.com", true},
		{"no host", "https://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateProviderURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateAuth(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		auth    AuthConfig
		wantErr bool
	}{
		{"empty kind", AuthConfig{}, false},
		{"none", AuthConfig{Kind: "none"}, false},
		{"bearer ok", AuthConfig{Kind: "bearer", Token: "t"}, false},
		{"bearer missing token", AuthConfig{Kind: "bearer"}, true},
		{"api key ok", AuthConfig{Kind: "api_key", APIKey: "k"}, false},
		{"api key missing", AuthConfig{Kind: "api_key"}, true},
		{"basic ok", AuthConfig{Kind: "basic", Username: "u", Password: "p"}, false},
		{"basic missing user", AuthConfig{Kind: "basic", Password: "p"}, true},
		{"custom ok", AuthConfig{Kind: "custom", HeaderName: "X-T", APIKey: "v"}, false},
		{"custom missing header", AuthConfig{Kind: "custom", APIKey: "v"}, true},
		{"oauth ok", AuthConfig{Kind: "oauth", OAuth: &OAuthConfig{TokenURL: "https://id/token", ClientID: "c"}}, false},
		{"oauth missing block", AuthConfig{Kind: "oauth"}, true},
		{"unknown", AuthConfig{Kind: "kerberos"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateAuth(tt.auth)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTurnDetection(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTurnDetection(""))
	assert.NoError(t, v.ValidateTurnDetection("semantic_vad"))
	assert.NoError(t, v.ValidateTurnDetection("server_vad"))
	assert.Error(t, v.ValidateTurnDetection("push_to_talk"))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("verbose"))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("valid", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Realtime.APIKey = "sk-ok"
		cfg.Providers = []ProviderConfig{
			{Name: "weather", URL: "https://weather.example.com", Enabled: true, Auth: AuthConfig{Kind: "bearer", Token: "t"}},
		}

		assert.Empty(t, v.ValidateConfig(cfg))
	})

	t.Run("collects every error", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Realtime.APIKey = ""
		cfg.Logging.Level = "loud"
		cfg.Providers = []ProviderConfig{
			{Name: "bad", URL: "gopher://x", Enabled: true, Auth: AuthConfig{Kind: "bearer"}},
			{Name: "skipped", URL: "gopher://y", Enabled: false},
		}

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 4)
	})
}

func TestValidateProviders(t *testing.T) {
	v := NewValidator()

	cfg := DefaultConfig()
	cfg.Providers = []ProviderConfig{
		{Name: "weather", URL: "http://weather.local/mcp", Enabled: true},
		{Name: "weather", URL: "ws://other.local", Enabled: true},
		{Name: "", URL: "ws://anon.local", Enabled: true},
	}

	errs := v.ValidateProviders(cfg)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error(), "duplicate name")
	assert.Contains(t, errs[1].Error(), "name is required")

	cfg.Providers = cfg.Providers[:1]
	assert.Empty(t, v.ValidateProviders(cfg))
}
