package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call <tool> [json-args]",
	Short: "Invoke one tool and print its result",
	Long: `Connect to the enabled providers, route the named tool to the provider
that owns it, and print the tool output.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)
}

func parseArgs(raw string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func runCall(cmd *cobra.Command, args []string) error {
	raw := ""
	if len(args) == 2 {
		raw = args[1]
	}
	toolArgs, err := parseArgs(raw)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	logs, err := setupLogging(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logs.Close()
	setupAudit(cfg)

	bridge, err := connectBridge(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer bridge.Close(cmd.Context())

	res := <-bridge.Execute(cmd.Context(), args[0], toolArgs, uuid.NewString())
	if res.Err != nil {
		return fmt.Errorf("tool %s failed: %w", args[0], res.Err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), res.Output)
	return nil
}
