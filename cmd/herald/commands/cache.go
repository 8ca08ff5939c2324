package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/herald/internal/feed"
	"github.com/dyluth/herald/internal/filter"
	"github.com/dyluth/herald/internal/printer"
)

var (
	cacheReconcile    bool
	cacheKinds        []int
	cacheAuthors      []string
	cacheOutputFormat string
)

var cacheCmd = &cobra.Command{
	Use:   "cache KEY",
	Short: "Show or reconcile the read cache for a key",
	Long: `Show the events recorded in the read cache under KEY, newest first.
Entries published by this client and not yet confirmed by a relay are
marked local.

With --reconcile the cache is first replaced by what the relays report.
--kind and --author give the query that defines KEY; without them only the
cached event ids are re-queried.

Examples:
  herald cache replies
  herald cache replies --reconcile --kind 1111 --author npub1...`,
	Args: cobra.ExactArgs(1),
	RunE: runCache,
}

func init() {
	cacheCmd.Flags().BoolVar(&cacheReconcile, "reconcile", false, "Reconcile the key against the relays first")
	cacheCmd.Flags().IntSliceVarP(&cacheKinds, "kind", "k", nil, "Event kind defining the key (repeatable)")
	cacheCmd.Flags().StringSliceVarP(&cacheAuthors, "author", "a", nil, "Author defining the key (repeatable)")
	cacheCmd.Flags().StringVarP(&cacheOutputFormat, "output", "o", "default", "Output format: default or json")
	rootCmd.AddCommand(cacheCmd)
}

func runCache(cmd *cobra.Command, args []string) error {
	key := args[0]
	if cacheOutputFormat != "default" && cacheOutputFormat != "json" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", cacheOutputFormat),
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

	if cacheReconcile {
		criteria := filter.Criteria{Kinds: cacheKinds, Authors: cacheAuthors}
		if criteria.HasFilters() {
			query, err := criteria.Filter()
			if err != nil {
				return printer.Explain(err)
			}
			client.Register(key, query)
		}
		if err := client.Reconcile(ctx, key); err != nil {
			return printer.Explain(err)
		}
	}

	entries, err := client.Entries(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read cache: %w", err)
	}

	if cacheOutputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	}

	feed.FormatEntries(os.Stdout, key, entries)
	return nil
}
