package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func syncCmd(configPath *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push pending intents, pull the remote snapshot and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(a *app) error {
				if !a.session.IsAuthenticated() {
					return errors.New("sync requires session.user_id and session.access_token")
				}

				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()

				a.prepare(ctx)
				res, err := a.orch.SyncNow(ctx)
				if err != nil {
					return err
				}
				if res.Pass.Skipped {
					fmt.Fprintf(cmd.OutOrStdout(), "skipped: %s\n", res.Pass.SkipReason)
					return nil
				}

				fmt.Fprintf(cmd.OutOrStdout(), "created=%d updated=%d deleted=%d failed=%d duplicates=%d fetched=%d merged=%t\n",
					res.Pass.Created, res.Pass.Updated, res.Pass.Deleted, res.Pass.Failed, res.Pass.Duplicates,
					res.Fetched, res.Merged)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Abort the pass after this long")

	return cmd
}
