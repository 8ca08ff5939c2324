package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/herald/internal/feed"
	"github.com/dyluth/herald/internal/filter"
	"github.com/dyluth/herald/internal/printer"
)

var (
	fetchOutputFormat string
	fetchKinds        []int
	fetchAuthors      []string
	fetchSince        string
	fetchUntil        string
	fetchLimit        int
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [REF]",
	Short: "Query the relays for events",
	Long: `Query every connected relay and print the merged, deduplicated results.

Get Mode (REF only):
  REF is a hex event id or a NIP-19 reference (note1, nevent1, naddr1).
  The newest matching event is printed as pretty JSON.

List Mode (flags, optionally narrowing REF):
  Prints matching events oldest first as a table or JSONL stream.
  npub1 and nprofile1 references list events by that author.

Time Filters:
  --since / --until accept a duration ago (1h, 30m), unix seconds or RFC3339.

Examples:
  herald fetch note1...
  herald fetch --kind 1 --since 2h
  herald fetch npub1... --limit 20 --output jsonl | jq .content`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchOutputFormat, "output", "o", "default", "Output format: default or jsonl (list mode)")
	fetchCmd.Flags().IntSliceVarP(&fetchKinds, "kind", "k", nil, "Event kind (repeatable)")
	fetchCmd.Flags().StringSliceVarP(&fetchAuthors, "author", "a", nil, "Author npub or hex public key (repeatable)")
	fetchCmd.Flags().StringVar(&fetchSince, "since", "", "Show events after time (duration, unix or RFC3339)")
	fetchCmd.Flags().StringVar(&fetchUntil, "until", "", "Show events before time (duration, unix or RFC3339)")
	fetchCmd.Flags().IntVarP(&fetchLimit, "limit", "l", 0, "Maximum events per relay (0 = relay default)")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	criteria := filter.Criteria{
		Kinds:   fetchKinds,
		Authors: fetchAuthors,
		Since:   fetchSince,
		Until:   fetchUntil,
		Limit:   fetchLimit,
	}
	listMode := criteria.HasFilters() || fetchLimit > 0
	if len(args) > 0 {
		criteria.Ref = args[0]
	}

	if !criteria.HasFilters() {
		return printer.Error(
			"nothing to fetch",
			"Give a reference or at least one filter flag.",
			[]string{"herald fetch note1...", "herald fetch --kind 1 --since 1h"},
		)
	}

	var outputFormat feed.OutputFormat
	switch fetchOutputFormat {
	case "default":
		outputFormat = feed.OutputFormatDefault
	case "jsonl":
		outputFormat = feed.OutputFormatJSONL
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", fetchOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	query, err := criteria.Filter()
	if err != nil {
		return printer.Explain(err)
	}

	// Author references select a feed, not a single event.
	if len(query.IDs) == 0 && len(query.Tags) == 0 {
		listMode = true
	}

	client, _, closer, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if listMode {
		err = feed.ListEvents(ctx, client.Supervisor(), query, outputFormat, os.Stdout)
	} else {
		err = feed.GetEvent(ctx, client.Supervisor(), query, os.Stdout)
	}
	if err != nil {
		return printer.Explain(err)
	}
	return nil
}
