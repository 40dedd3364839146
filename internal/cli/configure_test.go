package cli

import (
	"path/filepath"
	"testing"

	"github.com/harun/parla/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, _, err := executeCommand(t, "configure", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "interactive configuration wizard")
	})

	t.Run("defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "parla.json")

		out, _, err := executeCommand(t, "configure", "--defaults", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, path)

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, "gpt-realtime", cfg.Realtime.Model)
		assert.Equal(t, 500, cfg.Bridge.SettleDelayMs)
	})

	t.Run("wizard", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "parla.json")
		input := "sk-test\n" + // api key
			"\n" + // default voice
			"weather\n" +
			"https://weather.example.com/mcp\n" +
			"bearer\n" +
			"tok\n" +
			"\n" // no more providers

		_, _, err := executeWithInput(t, input, "configure", "--config", path)
		require.NoError(t, err)

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, "sk-test", cfg.Realtime.APIKey)
		require.Len(t, cfg.Providers, 1)
		assert.Equal(t, "weather", cfg.Providers[0].Name)
		assert.Equal(t, "bearer", cfg.Providers[0].Auth.Kind)
		assert.Equal(t, "tok", cfg.Providers[0].Auth.Token)
	})
}
