package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		dbPath     string
		resource   string
		outcome    string
		limit      int
		nodes      bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show reconciliation history",
		Long: `List recent dispatches from the reconciliation journal, newest first.

With --nodes the outcome of every dependent resource is listed below each
dispatch.`,
		Example: `  converge history --db converge.db
  converge history --db converge.db --resource web/blog --nodes
  converge history --db converge.db --outcome exhausted --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			filter := stores.DispatchFilter{
				Outcome: engine.DispatchOutcome(outcome),
				Limit:   limit,
			}
			if resource != "" {
				id, err := engine.ParseResourceID(resource)
				if err != nil {
					return err
				}
				filter.Resource = &id
			}

			store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
			if err != nil {
				return err
			}
			if err := store.Init(ctx); err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}

			records, err := store.ListDispatches(ctx, filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "COMPLETED\tRESOURCE\tATTEMPT\tOUTCOME\tDURATION\tERROR")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					r.CompletedAt.Format(time.RFC3339), r.Resource, r.Attempt, r.Outcome,
					r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond), r.Error)

				if !nodes {
					continue
				}
				outcomes, err := store.ListNodeOutcomes(ctx, r.ID)
				if err != nil {
					return err
				}
				for _, o := range outcomes {
					msg := ""
					if o.Error != nil {
						msg = *o.Error
					}
					fmt.Fprintf(w, "\t  %s/%s\t\t%s\t\t%s\n", o.Phase, o.Node, o.Outcome, msg)
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "converge.db", "journal database path")
	cmd.Flags().StringVarP(&resource, "resource", "r", "", "only show this resource (name or namespace/name)")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only show this outcome (success, retry, exhausted)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of dispatches")
	cmd.Flags().BoolVar(&nodes, "nodes", false, "show dependent resource outcomes")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}
