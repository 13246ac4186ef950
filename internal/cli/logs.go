package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CrapTheKid/safe-proxy-site/internal/eventstore"
)

func logsCmd() *cobra.Command {
	var storePath string
	var eventType string
	var last int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query recorded proxy events",
		Long: `Query the local event store written by "safeproxy serve" when
emit.store_path is configured. Events print newest first, one JSON
object per line.

Examples:
  safeproxy logs --store safeproxy-events.db
  safeproxy logs --store safeproxy-events.db --type rejected
  safeproxy logs --store safeproxy-events.db --type tunnel_close -n 20`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if storePath == "" {
				return fmt.Errorf("--store is required (path to the event store)")
			}

			store, err := eventstore.Open(storePath)
			if err != nil {
				return fmt.Errorf("opening event store: %w", err)
			}
			defer store.Close()

			records, err := store.Recent(cmd.Context(), eventType, last)
			if err != nil {
				return fmt.Errorf("querying events: %w", err)
			}

			for _, rec := range records {
				line, err := json.Marshal(rec)
				if err != nil {
					return fmt.Errorf("encoding record %d: %w", rec.ID, err)
				}
				cmd.Println(string(line))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&storePath, "store", "", "event store file path")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type (forwarded, rejected, tunnel_open, ...)")
	cmd.Flags().IntVarP(&last, "last", "n", 50, "show at most N events")

	return cmd
}
