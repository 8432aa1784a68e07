package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func queueCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the retry queue",
	}

	cmd.AddCommand(queueStatsCmd(configPath))
	cmd.AddCommand(queuePurgeCmd(configPath))
	cmd.AddCommand(queueClearCmd(configPath))
	cmd.AddCommand(queueDeadLettersCmd(configPath))

	return cmd
}

// withApp loads config and wires the components for a one-shot command.
func withApp(configPath string, fn func(a *app) error) error {
	cfg, logger, closer, err := loadConfigAndLogger(configPath)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func queueStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue totals by operation and priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(a *app) error {
				stats, err := a.db.QueueStats(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			})
		},
	}
}

func queuePurgeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove items older than queue.max_age",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(a *app) error {
				n, err := a.queue.Purge(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d item(s)\n", n)
				return nil
			})
		},
	}
}

func queueClearCmd(configPath *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every queued item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear the queue without --yes")
			}
			return withApp(*configPath, func(a *app) error {
				n, err := a.db.ClearQueue(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d item(s)\n", n)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm clearing the queue")

	return cmd
}

func queueDeadLettersCmd(configPath *string) *cobra.Command {
	var limit int64

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List abandoned items kept in Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(a *app) error {
				if a.redis == nil {
					return fmt.Errorf("dead letters require redis.address")
				}
				items, err := a.queue.DeadLetters(cmd.Context(), limit)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(items)
			})
		},
	}

	cmd.Flags().Int64VarP(&limit, "limit", "n", 20, "Maximum items to show")

	return cmd
}
