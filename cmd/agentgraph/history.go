package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scottdavis/agentgraph/pkg/runstore"
)

func historyCmd(g *globalFlags) *cobra.Command {
	var (
		dsn    string
		limit  int
		id     string
		asJSON bool
		clean  bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs",
		Long: `Lists runs recorded by "agentgraph run --store ...", most recent first.
With --id, prints one run, including its final context, as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return fmt.Errorf("no run store: pass --store or set AGENTGRAPH_STORE")
			}
			store, err := runstore.Open(dsn)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()

			if clean {
				n, err := store.CleanExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "removed %d expired runs\n", n)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if id != "" {
				rec, err := store.Get(ctx, id)
				if err != nil {
					return err
				}
				return enc.Encode(rec)
			}

			recs, err := store.List(ctx, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return enc.Encode(recs)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tAGENT\tSTATUS\tSTARTED\tDURATION\tERROR")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Agent, r.Status,
					r.StartedAt.Local().Format(time.DateTime),
					r.Duration().Round(time.Millisecond),
					firstLine(r.Error))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&dsn, "store", os.Getenv("AGENTGRAPH_STORE"), "run history store: memory, sqlite:PATH or redis:ADDR")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "show at most this many runs (0 for all)")
	cmd.Flags().StringVar(&id, "id", "", "show a single run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	cmd.Flags().BoolVar(&clean, "clean", false, "remove expired runs first")
	return cmd
}
