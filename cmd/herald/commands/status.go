package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/herald/internal/feed"
	"github.com/dyluth/herald/internal/printer"
)

var statusOutputFormat string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect to the configured relays and show their status",
	Long: `Connect to every configured relay, retrying per the configured policy,
and print one row per relay.

Output Formats:
  default - Table with URL, status, last acknowledgement and last error
  json    - Connection state and endpoints as a JSON object

Examples:
  herald status
  herald status --relay wss://relay.example.com --output json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutputFormat, "output", "o", "default", "Output format: default or json")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusOutputFormat != "default" && statusOutputFormat != "json" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", statusOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	client, _, closer, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := signalContext()
	defer cancel()

	connectErr := client.Connect(ctx)
	status := client.Status()

	if statusOutputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(status); err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
	} else {
		printer.Info("Connection: %s\n\n", status.State)
		feed.FormatEndpoints(os.Stdout, status.Relays)
	}

	if connectErr != nil {
		return printer.Explain(connectErr)
	}
	return nil
}
