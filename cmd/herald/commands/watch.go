package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/herald/internal/app"
	"github.com/dyluth/herald/internal/printer"
	"github.com/dyluth/herald/internal/watch"
)

var (
	watchKey          string
	watchOutputFormat string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream read-cache changes in real time",
	Long: `Stream merge and replace notifications from the shared read cache as
publishers and reconcilers update it. Requires the redis cache backend.

Output Formats:
  default - Human-readable lines with timestamps and emojis
  jsonl   - Line-delimited JSON for programmatic processing

Examples:
  herald watch
  herald watch --key replies --output jsonl`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchKey, "key", "", "Only show changes to this cache key")
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format: default or jsonl")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var outputFormat watch.OutputFormat
	switch watchOutputFormat {
	case "default":
		outputFormat = watch.OutputFormatDefault
	case "jsonl":
		outputFormat = watch.OutputFormatJSONL
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	client, _, closer, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := signalContext()
	defer cancel()

	sub, err := client.SubscribeCacheEvents(ctx)
	if errors.Is(err, app.ErrNoCacheEvents) {
		return printer.Error(
			"cache changes are not shared",
			"The memory cache backend lives inside one process and publishes no changes.",
			[]string{"Set cache.backend: redis and cache.redis_url in herald.yml"},
		)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to cache events: %w", err)
	}
	defer sub.Close()

	if outputFormat == watch.OutputFormatDefault {
		printer.Step("Watching cache changes (Ctrl+C to stop)\n")
	}

	if err := watch.StreamCacheEvents(ctx, sub, watchKey, outputFormat, os.Stdout); err != nil && !errors.Is(err, ctx.Err()) {
		return err
	}
	return nil
}
