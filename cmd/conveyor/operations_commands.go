package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"conveyor/internal/api"
	"conveyor/internal/daemonrun"
	"conveyor/internal/worker"
)

func newDispatchCommand(ctx *commandContext) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatcher cycle",
		Long: "Compute per-stage backlog and launch workers within each stage's concurrency limit.\n" +
			"With the pool launcher the workers run in this process and the command waits for them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, func(c *daemonrun.Components) error {
				summary, err := c.Service.Dispatch(cmd.Context(), source)
				if err != nil {
					return err
				}
				return ctx.emit(cmd, summary, func() error {
					out := cmd.OutOrStdout()
					rows := make([][]string, 0, len(summary.Dispatches))
					for _, d := range summary.Dispatches {
						rows = append(rows, []string{d.Stage, d.Queue, strconv.Itoa(d.WorkersTriggered)})
					}
					printTable(out, "No stages dispatched", []string{"Stage", "Queue", "Workers"}, rows,
						[]columnAlignment{alignLeft, alignLeft, alignRight})
					fmt.Fprintf(out, "%s (%dms)\n", summary.Message, summary.DurationMS)
					for _, msg := range summary.Errors {
						fmt.Fprintf(out, "error: %s\n", msg)
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "cli", "Label recorded with the cycle")
	return cmd
}

func newWorkCommand(ctx *commandContext) *cobra.Command {
	var stage string
	var count int

	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run worker invocations for a stage in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			stage = strings.TrimSpace(stage)
			if stage == "" {
				return fmt.Errorf("--stage is required")
			}
			return ctx.withComponents(cmd, func(c *daemonrun.Components) error {
				results, err := c.Service.Work(cmd.Context(), stage, count)
				if err != nil {
					return err
				}
				return ctx.emit(cmd, workResults(results), func() error {
					rows := make([][]string, 0, len(results))
					for _, res := range results {
						rows = append(rows, []string{
							string(res.Outcome),
							orDash(res.JobID),
							msgIDLabel(res.MsgID),
							attemptLabel(res.Attempt),
							orDash(resultDetail(res)),
						})
					}
					printTable(cmd.OutOrStdout(), "No invocations ran",
						[]string{"Outcome", "Job", "Message", "Attempt", "Detail"}, rows,
						[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft})
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVarP(&stage, "stage", "s", "", "Stage to work")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Maximum invocations; stops early when the queue is empty")
	return cmd
}

func newRescueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rescue",
		Short: "Run one stuck-job sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, func(c *daemonrun.Components) error {
				summary, err := c.Service.Rescue(cmd.Context())
				if err != nil {
					return err
				}
				return ctx.emit(cmd, summary, func() error {
					fmt.Fprintf(cmd.OutOrStdout(), "Examined %d, requeued %d, failed %d, skipped %d\n",
						summary.Examined, summary.Requeued, summary.Failed, summary.Skipped)
					return nil
				})
			})
		},
	}
}

func newBacklogCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "backlog",
		Short: "Show ready and in-flight work per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, func(c *daemonrun.Components) error {
				rows, err := c.Service.Backlog(cmd.Context())
				if err != nil {
					return err
				}
				return ctx.emit(cmd, api.BacklogResponse{Stages: rows}, func() error {
					printTable(cmd.OutOrStdout(), "No enabled stages", []string{"Stage", "Ready", "In flight"},
						backlogRows(rows), []columnAlignment{alignLeft, alignRight, alignRight})
					return nil
				})
			})
		},
	}
}

type workResult struct {
	Outcome string `json:"outcome"`
	JobID   string `json:"job_id,omitempty"`
	MsgID   int64  `json:"msg_id,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	DelayMS int64  `json:"delay_ms,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func workResults(results []worker.Result) []workResult {
	out := make([]workResult, 0, len(results))
	for _, res := range results {
		out = append(out, workResult{
			Outcome: string(res.Outcome),
			JobID:   res.JobID,
			MsgID:   res.MsgID,
			Attempt: res.Attempt,
			DelayMS: res.Delay.Milliseconds(),
			Detail:  resultDetail(res),
		})
	}
	return out
}

func resultDetail(res worker.Result) string {
	switch {
	case res.Err != nil:
		return res.Err.Error()
	case res.StageErr != nil && res.Delay > 0:
		return fmt.Sprintf("%v (retry in %s)", res.StageErr, res.Delay.Round(time.Second))
	case res.StageErr != nil:
		return res.StageErr.Error()
	}
	return res.Reason
}

func backlogRows(rows []api.BacklogRow) [][]string {
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, []string{row.Stage, strconv.Itoa(row.Ready), strconv.Itoa(row.Inflight)})
	}
	return out
}

func msgIDLabel(id int64) string {
	if id == 0 {
		return "-"
	}
	return strconv.FormatInt(id, 10)
}

func attemptLabel(attempt int) string {
	if attempt == 0 {
		return "-"
	}
	return strconv.Itoa(attempt)
}
