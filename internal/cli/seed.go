package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yourname/dailytally/internal/app"
	"github.com/yourname/dailytally/internal/response"
)

func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Overwrite today's fast cache counters with backing store totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, app.Options{RequireFastCache: true}, func(a *app.App) error {
				res, err := a.RunSeed(cmd.Context())
				if err != nil {
					return err
				}
				out := response.SeedData{Total: res.Total, Date: res.Date, UserCount: res.UserCount, PendingQueue: res.PendingQueue}
				text := fmt.Sprintf("seeded %s: total %d across %d users", res.Date, res.Total, res.UserCount)
				if res.PendingQueue > 0 {
					text += fmt.Sprintf(" (%d readings still queued)", res.PendingQueue)
				}
				return printResult(cmd.OutOrStdout(), rootOpts, out, text)
			})
		},
	}
}
