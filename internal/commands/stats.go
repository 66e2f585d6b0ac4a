package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/grumpyguvner/tempmail/internal/config"
	"github.com/spf13/cobra"
)

func NewStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Inspect sender statistics",
	}

	cmd.AddCommand(newTopSendersCommand())

	return cmd
}

func newTopSendersCommand() *cobra.Command {
	var (
		limit      int
		refresh    bool
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "top-senders",
		Short: "Show the sending domains with the most delivered emails",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			ctx := context.Background()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if refresh {
				if _, err := a.senders.Refresh(ctx); err != nil {
					return fmt.Errorf("failed to refresh ranking: %w", err)
				}
			}

			senders := a.senders.TopSenders(ctx, limit)
			out := cmd.OutOrStdout()

			if outputJSON {
				data, err := json.MarshalIndent(senders, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			if len(senders) == 0 {
				fmt.Fprintln(out, "No senders recorded yet")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RANK\tSENDER\tEMAILS")
			for i, s := range senders {
				fmt.Fprintf(w, "%d\t%s\t%d\n", i+1, s.Sender, s.Count)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of senders to show (default from stats_default_limit)")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "recompute the ranking instead of using the cache")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output as JSON")

	return cmd
}
