package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/harun/parla/pkg/toolbridge"
	"github.com/spf13/cobra"
)

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show provider connection status",
	Long:  `Connect to every enabled provider and report its transport, state and tool counts.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", outputTable, "output format (table, json, yaml)")
	rootCmd.AddCommand(statusCmd)
}

type statusRow struct {
	Name       string `json:"name" yaml:"name"`
	Transport  string `json:"transport" yaml:"transport"`
	State      string `json:"state" yaml:"state"`
	Tools      int    `json:"tools" yaml:"tools"`
	Rejected   int    `json:"rejected" yaml:"rejected"`
	HasSession bool   `json:"has_session" yaml:"has_session"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

func statusRows(statuses []toolbridge.ProviderStatus) []statusRow {
	rows := make([]statusRow, 0, len(statuses))
	for _, st := range statuses {
		valid := len(st.ValidTools())
		rows = append(rows, statusRow{
			Name:       st.Name,
			Transport:  string(st.Transport),
			State:      string(st.State),
			Tools:      valid,
			Rejected:   len(st.Tools) - valid,
			HasSession: st.HasSession,
			Error:      st.Error,
		})
	}
	return rows
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	rows := statusRows(bridge.Status())
	return writeOutput(cmd.OutOrStdout(), statusOutput, rows, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "PROVIDER\tTRANSPORT\tSTATE\tTOOLS\tREJECTED\tERROR")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", r.Name, r.Transport, r.State, r.Tools, r.Rejected, truncate(r.Error, 60))
		}
	})
}
