package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var toolsOutput string

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List tools discovered from providers",
	Long: `Connect to every enabled provider and list the tools each one advertises,
including tools rejected by schema validation.`,
	Args: cobra.NoArgs,
	RunE: runTools,
}

func init() {
	toolsCmd.Flags().StringVarP(&toolsOutput, "output", "o", outputTable, "output format (table, json, yaml)")
	rootCmd.AddCommand(toolsCmd)
}

type toolRow struct {
	Provider    string      `json:"provider" yaml:"provider"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description" yaml:"description"`
	Valid       bool        `json:"valid" yaml:"valid"`
	Problems    []string    `json:"problems,omitempty" yaml:"problems,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	logs, err := setupLogging(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logs.Close()

	bridge, err := connectBridge(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer bridge.Close(cmd.Context())

	rows := []toolRow{}
	for _, st := range bridge.Status() {
		for _, t := range st.Tools {
			rows = append(rows, toolRow{
				Provider:    st.Name,
				Name:        t.Name,
				Description: t.Description,
				Valid:       t.Valid,
				Problems:    t.Problems,
				Parameters:  schemaValue(t.Parameters),
			})
		}
	}

	return writeOutput(cmd.OutOrStdout(), toolsOutput, rows, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "PROVIDER\tTOOL\tVALID\tDESCRIPTION")
		for _, r := range rows {
			desc := truncate(r.Description, 60)
			if !r.Valid {
				desc = strings.Join(r.Problems, "; ")
			}
			fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", r.Provider, r.Name, r.Valid, desc)
		}
	})
}
