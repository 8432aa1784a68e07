package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"getitdone/internal/models"

	"github.com/spf13/cobra"
)

func tasksCmd(configPath *string) *cobra.Command {
	var (
		all        bool
		asJSON     bool
		remoteOnly bool
	)

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Print the visible task list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(a *app) error {
				list := a.tasks.List
				if remoteOnly {
					list = a.remoteTasks
				}
				tasks, err := list(cmd.Context(), all)
				if err != nil {
					return err
				}

				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(tasks)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTIME\tNAME\tPRIORITY\tDONE\tPENDING")
				for _, t := range tasks {
					fmt.Fprintf(w, "%s\t%s-%s\t%s\t%s\t%t\t%s\n",
						t.ID, t.StartTime, t.EndTime, t.Name, t.Priority, t.Completed, t.PendingSync)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include tasks pending remote deletion")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	cmd.Flags().BoolVar(&remoteOnly, "remote", false, "Fetch from the remote store, falling back to the local cache")

	return cmd
}

// remoteTasks lists the remote snapshot of the signed-in owner. An
// unreachable remote yields the cached rows of that owner.
func (a *app) remoteTasks(ctx context.Context, _ bool) ([]models.Task, error) {
	records, err := a.remote.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	tasks := make([]models.Task, 0, len(records))
	for _, rec := range records {
		tasks = append(tasks, rec.Apply(models.Task{}))
	}
	return tasks, nil
}
