package cli

import (
	"fmt"

	"github.com/harun/parla/internal/config"
	"github.com/spf13/cobra"
)

var configureDefaults bool

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard to set up Parla.
The wizard will guide you through the realtime API key, voice and tool providers.
With --defaults a default configuration is written without prompting.`,
	Args: cobra.NoArgs,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().BoolVar(&configureDefaults, "defaults", false, "write the default configuration without prompting")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	if configureDefaults {
		cfg = config.DefaultConfig()
	} else {
		wizard := config.NewWizardWithIO(cmd.InOrStdin(), cmd.OutOrStdout())

		var err error
		cfg, err = wizard.Run()
		if err != nil {
			return fmt.Errorf("configuration failed: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	loader := config.NewLoader(cfgFile)
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nConfiguration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(out, "\nYou can now start Parla with: parla run")
	return nil
}
