package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Config represents the main Parla configuration
type Config struct {
	// Realtime conversational endpoint
	Realtime RealtimeConfig `json:"realtime" mapstructure:"realtime"`

	// Tool providers, in routing order
	Providers []ProviderConfig `json:"providers" mapstructure:"providers"`

	// Tool bridge tuning
	Bridge BridgeConfig `json:"bridge" mapstructure:"bridge"`

	// Per-provider tool overrides file (json or yaml)
	ToolOverridesFile string `json:"tool_overrides_file" mapstructure:"tool_overrides_file"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Monitor gateway
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// RealtimeConfig holds the realtime session settings
type RealtimeConfig struct {
	APIKey           string `json:"api_key" mapstructure:"api_key"`
	URL              string `json:"url" mapstructure:"url"`
	Model            string `json:"model" mapstructure:"model"`
	Voice            string `json:"voice" mapstructure:"voice"`
	Instructions     string `json:"instructions" mapstructure:"instructions"`
	TurnDetection    string `json:"turn_detection" mapstructure:"turn_detection"` // semantic_vad, server_vad, none
	KeepAliveSeconds int    `json:"keepalive_seconds" mapstructure:"keepalive_seconds"`
	ToolWaitSeconds  int    `json:"tool_wait_seconds" mapstructure:"tool_wait_seconds"`
}

// ProviderConfig describes one tool provider
type ProviderConfig struct {
	Name    string     `json:"name" mapstructure:"name"`
	URL     string     `json:"url" mapstructure:"url"`
	Enabled bool       `json:"enabled" mapstructure:"enabled"`
	Auth    AuthConfig `json:"auth" mapstructure:"auth"`
}

// AuthConfig holds provider credentials. Kind selects which fields apply.
type AuthConfig struct {
	Kind       string       `json:"kind" mapstructure:"kind"` // none, bearer, api_key, basic, custom, oauth
	Token      string       `json:"token,omitempty" mapstructure:"token"`
	APIKey     string       `json:"api_key,omitempty" mapstructure:"api_key"`
	Username   string       `json:"username,omitempty" mapstructure:"username"`
	Password   string       `json:"password,omitempty" mapstructure:"password"`
	HeaderName string       `json:"header_name,omitempty" mapstructure:"header_name"`
	OAuth      *OAuthConfig `json:"oauth,omitempty" mapstructure:"oauth"`
}

// OAuthConfig configures a token endpoint used to mint bearer tokens
type OAuthConfig struct {
	TokenURL     string   `json:"token_url" mapstructure:"token_url"`
	ClientID     string   `json:"client_id" mapstructure:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty" mapstructure:"client_secret"`
	Scopes       []string `json:"scopes,omitempty" mapstructure:"scopes"`
	Username     string   `json:"username,omitempty" mapstructure:"username"` // password grant when set
	Password     string   `json:"password,omitempty" mapstructure:"password"`
}

// BridgeConfig holds tool bridge tuning
type BridgeConfig struct {
	SettleDelayMs         int    `json:"settle_delay_ms" mapstructure:"settle_delay_ms"`
	CallTimeoutSeconds    int    `json:"call_timeout_seconds" mapstructure:"call_timeout_seconds"`
	ConnectTimeoutSeconds int    `json:"connect_timeout_seconds" mapstructure:"connect_timeout_seconds"`
	MaxConcurrency        int    `json:"max_concurrency" mapstructure:"max_concurrency"`
	ValidateArguments     bool   `json:"validate_arguments" mapstructure:"validate_arguments"`
	AuditLog              string `json:"audit_log" mapstructure:"audit_log"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// GatewayConfig holds monitor server configuration
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// Addr returns host:port for the gateway listener
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Realtime: RealtimeConfig{
			URL:              "wss://api.openai.com/v1/realtime",
			Model:            "gpt-realtime",
			Voice:            "alloy",
			TurnDetection:    "semantic_vad",
			KeepAliveSeconds: 20,
			ToolWaitSeconds:  15,
		},
		Providers: []ProviderConfig{},
		Bridge: BridgeConfig{
			SettleDelayMs:         500,
			CallTimeoutSeconds:    60,
			ConnectTimeoutSeconds: 60,
			MaxConcurrency:        8,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Port:    8089,
			Host:    "127.0.0.1",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// EnabledProviders returns the enabled providers in declaration order
func (c *Config) EnabledProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Realtime.APIKey == "" {
		return fmt.Errorf("realtime api_key is required")
	}
	if c.Realtime.URL == "" {
		return fmt.Errorf("realtime url is required")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("provider %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %s: duplicate name", p.Name)
		}
		seen[p.Name] = true

		if p.URL == "" {
			return fmt.Errorf("provider %s: url is required", p.Name)
		}
		if _, err := url.Parse(p.URL); err != nil {
			return fmt.Errorf("provider %s: invalid url: %w", p.Name, err)
		}
	}

	if c.Bridge.MaxConcurrency < 0 {
		return fmt.Errorf("bridge max_concurrency must be >= 0")
	}
	if c.Bridge.CallTimeoutSeconds < 0 {
		return fmt.Errorf("bridge call_timeout_seconds must be >= 0")
	}
	if c.Bridge.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("bridge connect_timeout_seconds must be >= 0")
	}

	return nil
}
