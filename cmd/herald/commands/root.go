package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "herald",
	Short: "Herald - publish and query events across a set of relays",
	Long: `Herald keeps a supervised connection to a set of relays, composes events
from templates, signs them with a detected key and publishes them to every
connected relay.

Relays and connection behaviour are configured in herald.yml. Any setting can
be overridden with HERALD_* environment variables, a .env file, or flags.`,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	// Enable strict flag parsing - unknown flags will cause an error
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "herald.yml", "Path to the configuration file")
	flags.StringSlice("relay", nil, "Relay URL to use instead of the configured list (repeatable)")
	flags.String("log-level", "", "Log level: trace, debug, info, warn, error")
	flags.BoolP("verbose", "v", false, "Enable debug logging")
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
