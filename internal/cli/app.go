package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/harun/parla/internal/config"
	"github.com/harun/parla/internal/logger"
	"github.com/harun/parla/internal/observability"
	"github.com/harun/parla/pkg/toolbridge"
	"github.com/rs/zerolog/log"
)

// loadConfig reads the config file and checks the provider section. The
// realtime section is checked only when a session will be opened.
func loadConfig(requireRealtime bool) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	validator := config.NewValidator()
	var problems []error
	if requireRealtime {
		problems = validator.ValidateConfig(cfg)
		if err := cfg.Validate(); err != nil {
			problems = append(problems, err)
		}
	} else {
		problems = validator.ValidateProviders(cfg)
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", problems[0])
	}
	return cfg, nil
}

// setupLogging installs the global logger. Console output goes to stderr so
// stdout stays machine readable.
func setupLogging(cfg *config.Config, stderr io.Writer) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Output:    stderr,
	})
}

// setupAudit opens the tool-call audit log when configured
func setupAudit(cfg *config.Config) {
	if cfg.Bridge.AuditLog == "" {
		return
	}
	path := cfg.Bridge.AuditLog
	if !filepath.IsAbs(path) && cfg.DataDir != "" {
		path = filepath.Join(cfg.DataDir, path)
	}
	if err := observability.InitAuditLogger(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Audit log disabled")
	}
}

func toProviderConfigs(providers []config.ProviderConfig) []toolbridge.ProviderConfig {
	out := make([]toolbridge.ProviderConfig, 0, len(providers))
	for _, p := range providers {
		out = append(out, toolbridge.ProviderConfig{
			Name:    p.Name,
			URL:     p.URL,
			Enabled: p.Enabled,
			Auth: toolbridge.AuthConfig{
				Kind:       toolbridge.AuthKind(p.Auth.Kind),
				Token:      p.Auth.Token,
				APIKey:     p.Auth.APIKey,
				Username:   p.Auth.Username,
				Password:   p.Auth.Password,
				HeaderName: p.Auth.HeaderName,
			},
		})
	}
	return out
}

func toToolOverrides(overrides config.ToolOverrides) map[string][]toolbridge.ToolOverride {
	out := make(map[string][]toolbridge.ToolOverride, len(overrides))
	for provider, entries := range overrides {
		for _, o := range entries {
			out[provider] = append(out[provider], toolbridge.ToolOverride{
				ToolName:          o.ToolName,
				Enabled:           o.Enabled,
				CustomDescription: o.CustomDescription,
			})
		}
	}
	return out
}

// newBridge builds a tool bridge from config, minting OAuth credential
// providers where configured
func newBridge(ctx context.Context, cfg *config.Config) (*toolbridge.Bridge, error) {
	opts := []toolbridge.Option{
		toolbridge.WithClientInfo("parla", version),
		toolbridge.WithArgumentValidation(cfg.Bridge.ValidateArguments),
	}
	if cfg.Bridge.SettleDelayMs > 0 {
		opts = append(opts, toolbridge.WithSettleDelay(time.Duration(cfg.Bridge.SettleDelayMs)*time.Millisecond))
	}
	if cfg.Bridge.CallTimeoutSeconds > 0 {
		opts = append(opts, toolbridge.WithCallTimeout(time.Duration(cfg.Bridge.CallTimeoutSeconds)*time.Second))
	}
	if cfg.Bridge.ConnectTimeoutSeconds > 0 {
		opts = append(opts, toolbridge.WithConnectTimeout(time.Duration(cfg.Bridge.ConnectTimeoutSeconds)*time.Second))
	}
	if cfg.Bridge.MaxConcurrency > 0 {
		opts = append(opts, toolbridge.WithMaxConcurrency(cfg.Bridge.MaxConcurrency))
	}

	for _, p := range cfg.Providers {
		if p.Auth.Kind != string(toolbridge.AuthOAuth) || p.Auth.OAuth == nil {
			continue
		}
		creds, err := toolbridge.NewOAuthCredentials(ctx, toolbridge.OAuthConfig{
			TokenURL:     p.Auth.OAuth.TokenURL,
			ClientID:     p.Auth.OAuth.ClientID,
			ClientSecret: p.Auth.OAuth.ClientSecret,
			Scopes:       p.Auth.OAuth.Scopes,
			Username:     p.Auth.OAuth.Username,
			Password:     p.Auth.OAuth.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		opts = append(opts, toolbridge.WithCredentialProvider(p.Name, creds))
	}

	bridge := toolbridge.New(toProviderConfigs(cfg.Providers), opts...)

	if cfg.ToolOverridesFile != "" {
		overrides, err := config.LoadToolOverrides(cfg.ToolOverridesFile)
		if err != nil {
			return nil, err
		}
		bridge.SetToolOverrides(toToolOverrides(overrides))
	}
	return bridge, nil
}

// connectBridge builds and connects a bridge, draining its error channel
// into the log
func connectBridge(ctx context.Context, cfg *config.Config) (*toolbridge.Bridge, error) {
	bridge, err := newBridge(ctx, cfg)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			select {
			case err := <-bridge.Errors():
				log.Warn().Err(err).Msg("Tool bridge error")
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := bridge.ConnectToServers(ctx); err != nil {
		bridge.Close(context.Background())
		return nil, err
	}
	return bridge, nil
}
