package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yourname/dailytally/internal/app"
	"github.com/yourname/dailytally/internal/response"
)

// NewReplayCommand drains one batch of the replay queue, for external
// schedulers that prefer a process over the HTTP trigger.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay one batch of queued readings into the backing store",
		Long: `Replay one batch of queued readings into the backing store.

Exits non-zero when another replay is running or the batch could not be
stored. In reliable queue mode a failed batch stays queued.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, app.Options{RequireFastCache: true}, func(a *app.App) error {
				synced, err := a.RunReplay(cmd.Context())
				if err != nil {
					return err
				}
				out := response.Synced{Message: "Queue empty"}
				if synced > 0 {
					out = response.Synced{Success: true, Message: fmt.Sprintf("Synced %d items", synced), SyncCount: synced}
				}
				return printResult(cmd.OutOrStdout(), rootOpts, out, out.Message)
			})
		},
	}
}
