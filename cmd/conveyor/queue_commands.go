package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"conveyor/internal/daemonrun"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the durable queues",
	}
	queueCmd.AddCommand(newQueueStatsCommand(ctx))
	return queueCmd
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show message counts per queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, func(c *daemonrun.Components) error {
				stats, err := c.Service.QueueStats(cmd.Context())
				if err != nil {
					return err
				}
				return ctx.emit(cmd, stats, func() error {
					rows := make([][]string, 0, len(stats))
					for _, s := range stats {
						rows = append(rows, []string{
							s.Queue,
							strconv.Itoa(s.Ready),
							strconv.Itoa(s.Inflight),
							strconv.Itoa(s.Delayed),
							strconv.Itoa(s.Archived),
						})
					}
					printTable(cmd.OutOrStdout(), "No queues registered",
						[]string{"Queue", "Ready", "In flight", "Delayed", "Archived"}, rows,
						[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight})
					return nil
				})
			})
		},
	}
}
