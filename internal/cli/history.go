package cli

import (
	"fmt"

	"codeberg.org/mutker/telesync/internal/client"
	"codeberg.org/mutker/telesync/internal/errors"
	"github.com/spf13/cobra"
)

const defaultHistoryMinutes = 60

func newHistoryCmd() *cobra.Command {
	var (
		minutes int
		refresh bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the snapshots recorded over a recent window",
		Long: `Fetch the snapshots the backend recorded over the last N minutes.

When the backend cannot be reached and the journal is enabled, the
locally recorded window is printed instead and marked as stale.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if minutes < 1 {
				return errors.New().WithData(errors.ErrInvalidArgument, "--minutes must be at least 1")
			}

			return withClient(cmd.Context(), func(c *client.Client) error {
				get := c.GetRange
				if refresh {
					get = c.RefreshRange
				}

				series, err := get(cmd.Context(), minutes)
				if series == nil {
					return err
				}

				out := cmd.OutOrStdout()
				if series.Stale {
					msg := "warning: backend unavailable, showing stale data"
					if err != nil {
						msg += ": " + err.Error()
					}
					fmt.Fprintln(out, styleWarning.Render(msg))
				}
				for _, s := range series.Points {
					fmt.Fprintln(out, renderSnapshot(s))
				}
				fmt.Fprintln(out, styleMuted.Render(fmt.Sprintf("%d snapshots over %d minutes", series.Len(), minutes)))

				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&minutes, "minutes", "m", defaultHistoryMinutes, "Window length in minutes")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the cache")
	cmd.Flags().Bool("journal", false, "Fall back to the local journal when the backend is unavailable")
	cmd.Flags().String("journal-path", "", "Journal database path")

	return cmd
}
