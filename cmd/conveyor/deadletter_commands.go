package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"conveyor/internal/api"
	"conveyor/internal/daemonrun"
)

func newDeadLetterCommand(ctx *commandContext) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:     "dlq",
		Aliases: []string{"dead-letters"},
		Short:   "Inspect and replay dead letters",
	}
	dlqCmd.AddCommand(newDeadLetterListCommand(ctx))
	dlqCmd.AddCommand(newDeadLetterReplayCommand(ctx))
	return dlqCmd
}

func newDeadLetterListCommand(ctx *commandContext) *cobra.Command {
	var (
		queueName string
		limit     int
		all       bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, func(c *daemonrun.Components) error {
				letters, err := c.Service.ListDeadLetters(cmd.Context(), queueName, limit, all)
				if err != nil {
					return err
				}
				return ctx.emit(cmd, api.DeadLetterListResponse{DeadLetters: letters}, func() error {
					rows := make([][]string, 0, len(letters))
					for _, dl := range letters {
						replayed := "-"
						if dl.ReplayedAt != "" {
							replayed = "as " + strconv.FormatInt(dl.ReplayMsgID, 10)
						}
						rows = append(rows, []string{
							dl.Queue,
							strconv.FormatInt(dl.MsgID, 10),
							orDash(dl.JobID),
							orDash(dl.Stage),
							dl.FailureReason,
							strconv.Itoa(dl.AttemptCount),
							dl.RoutedAt,
							replayed,
						})
					}
					printTable(cmd.OutOrStdout(), "No dead letters",
						[]string{"Queue", "Message", "Job", "Stage", "Reason", "Attempts", "Routed", "Replayed"}, rows,
						[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft})
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", "", "Only entries from this queue")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entries to list")
	cmd.Flags().BoolVar(&all, "all", false, "Include entries that were already replayed")
	return cmd
}

func newDeadLetterReplayCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <queue> <msg-id>",
		Short: "Reset a dead-lettered stage and queue it again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid message id %q", args[1])
			}
			return ctx.withComponents(cmd, func(c *daemonrun.Components) error {
				result, err := c.Service.ReplayDeadLetter(cmd.Context(), args[0], msgID)
				if err != nil {
					return err
				}
				return ctx.emit(cmd, result, func() error {
					fmt.Fprintf(cmd.OutOrStdout(), "Replayed %s/%d as message %d (job %s, stage %s)\n",
						result.Queue, result.MsgID, result.NewMsgID, result.JobID, result.Stage)
					return nil
				})
			})
		},
	}
}
