package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/cobra"

	"github.com/dyluth/herald/internal/printer"
	"github.com/dyluth/herald/internal/watch"
	"github.com/dyluth/herald/pkg/event"
)

var (
	publishSet          []string
	publishCacheKey     string
	publishWait         time.Duration
	publishOutputFormat string
)

var publishCmd = &cobra.Command{
	Use:   "publish TEMPLATE",
	Short: "Build, sign and publish an event from a template file",
	Long: `Build an event from a YAML or JSON template, substitute placeholders,
sign it with the detected key and publish it to every connected relay.

Placeholders are literal tokens such as ${name}. --set name=value replaces
${name}; tokens without a value are left unchanged.

The signing key is read from the configured key file (default ~/.herald/key)
or from the HERALD_SECRET_KEY environment variable.

Examples:
  # Publish a note
  herald publish note.yml --set name=world

  # Record the event in the read cache and wait until a relay serves it
  herald publish reply.yml --set eventId=abc123 --cache-key replies --wait 10s`,
	Args: cobra.ExactArgs(1),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringArrayVar(&publishSet, "set", nil, "Placeholder value as name=value (repeatable)")
	publishCmd.Flags().StringVar(&publishCacheKey, "cache-key", "", "Record the published event in the read cache under this key")
	publishCmd.Flags().DurationVar(&publishWait, "wait", 0, "Wait up to this long for a relay to serve the event")
	publishCmd.Flags().StringVarP(&publishOutputFormat, "output", "o", "default", "Output format: default or json")
	rootCmd.AddCommand(publishCmd)
}

// parsePlaceholders turns name=value pairs into placeholder tokens. A bare
// name becomes ${name}; a name already in token form is kept.
func parsePlaceholders(pairs []string) (event.Placeholders, error) {
	placeholders := make(event.Placeholders, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid placeholder %q: expected name=value", pair)
		}
		if !strings.HasPrefix(name, "${") {
			name = "${" + name + "}"
		}
		placeholders[name] = value
	}
	return placeholders, nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	if publishOutputFormat != "default" && publishOutputFormat != "json" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", publishOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	placeholders, err := parsePlaceholders(publishSet)
	if err != nil {
		return printer.Error("invalid placeholder", err.Error(), []string{"Use --set name=value"})
	}

	tmpl, err := event.LoadTemplate(args[0])
	if err != nil {
		return printer.ErrorWithContext(
			"invalid template",
			err.Error(),
			map[string]string{"File": args[0]},
			nil,
		)
	}

	client, _, closer, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := signalContext()
	defer cancel()

	result, err := client.Publish(ctx, tmpl, placeholders, publishCacheKey)
	if err != nil {
		return printer.Explain(err)
	}

	if publishWait > 0 {
		if _, err := watch.PollForEvent(ctx, client, result.EventID, publishWait); err != nil {
			printer.Warning("event %s not served by any relay yet: %v\n", result.EventID, err)
		}
	}

	if publishOutputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	printer.Success("Published event %s\n", result.EventID)
	if nevent, err := nip19.EncodeEvent(result.EventID, result.Receipt.Accepted, result.Event.PubKey); err == nil {
		printer.Info("  %s\n", nevent)
	}
	printer.Info("  accepted by %d relay(s)\n", len(result.Receipt.Accepted))
	for url, failure := range result.Receipt.Failed {
		printer.Warning("%s: %v\n", url, failure)
	}
	if publishCacheKey != "" {
		printer.Info("  cached under %q\n", publishCacheKey)
	}
	return nil
}
