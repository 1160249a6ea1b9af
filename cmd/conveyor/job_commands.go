package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"conveyor/internal/api"
	"conveyor/internal/daemonrun"
)

func newJobCommand(ctx *commandContext) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and inspect jobs",
	}
	jobCmd.AddCommand(newJobSubmitCommand(ctx))
	jobCmd.AddCommand(newJobShowCommand(ctx))
	jobCmd.AddCommand(newJobListCommand(ctx))
	jobCmd.AddCommand(newJobCancelCommand(ctx))
	return jobCmd
}

func newJobSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		req         api.SubmitRequest
		payload     string
		payloadFile string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a job and queue its first stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(cmd.InOrStdin(), payload, payloadFile)
			if err != nil {
				return err
			}
			req.Payload = raw
			return ctx.withComponents(cmd, func(c *daemonrun.Components) error {
				detail, err := c.Service.SubmitJob(cmd.Context(), req)
				if err != nil {
					return err
				}
				return ctx.emit(cmd, detail, func() error {
					fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s at stage %s\n", detail.Job.ID, detail.Job.Stage)
					return nil
				})
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.Type, "type", "", "Job type")
	flags.StringVar(&req.ID, "id", "", "Job id (generated when empty)")
	flags.StringVar(&req.Stage, "stage", "", "Starting stage (defaults to the first stage)")
	flags.IntVar(&req.Priority, "priority", 0, "Message priority; higher runs first")
	flags.IntVar(&req.DelaySeconds, "delay", 0, "Seconds before the first stage becomes visible")
	flags.IntVar(&req.VisibilitySeconds, "visibility", 0, "Lease length in seconds")
	flags.IntVar(&req.MaxAttempts, "max-attempts", 0, "Attempts per stage before dead-lettering")
	flags.IntVar(&req.RetryDelaySeconds, "retry-delay", 0, "Base retry backoff in seconds")
	flags.StringVar(&payload, "payload", "", "Inline JSON payload")
	flags.StringVar(&payloadFile, "payload-file", "", "Read the JSON payload from a file (- for stdin)")
	return cmd
}

func readPayload(stdin io.Reader, inline, path string) (json.RawMessage, error) {
	inline = strings.TrimSpace(inline)
	path = strings.TrimSpace(path)
	switch {
	case inline != "" && path != "":
		return nil, fmt.Errorf("use either --payload or --payload-file, not both")
	case inline != "":
		return json.RawMessage(inline), nil
	case path == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return json.RawMessage(data), nil
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return json.RawMessage(data), nil
	}
	return nil, nil
}

func newJobShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job and its stage records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, func(c *daemonrun.Components) error {
				detail, err := c.Service.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return ctx.emit(cmd, detail, func() error {
					renderJobDetail(cmd.OutOrStdout(), detail)
					return nil
				})
			})
		},
	}
}

func renderJobDetail(out io.Writer, detail api.JobDetail) {
	job := detail.Job
	fmt.Fprintf(out, "Job %s (%s)\n", job.ID, job.Type)
	fmt.Fprintf(out, "  Status:    %s\n", job.Status)
	fmt.Fprintf(out, "  Stage:     %s (%s)\n", job.Stage, job.StageLabel)
	fmt.Fprintf(out, "  Priority:  %d\n", job.Priority)
	fmt.Fprintf(out, "  Attempts:  %d/%d\n", job.AttemptCount, job.MaxAttempts)
	fmt.Fprintf(out, "  Created:   %s\n", orDash(job.CreatedAt))
	fmt.Fprintf(out, "  Updated:   %s\n", orDash(job.UpdatedAt))
	if job.LastError != "" {
		fmt.Fprintf(out, "  Error:     %s\n", job.LastError)
	}
	if len(job.Payload) > 0 {
		fmt.Fprintf(out, "  Payload:   %s\n", string(job.Payload))
	}

	rows := make([][]string, 0, len(detail.Stages))
	for _, rec := range detail.Stages {
		note := rec.LastError
		if rec.DeadLetterReason != "" {
			note = rec.DeadLetterReason
		}
		rows = append(rows, []string{
			rec.Stage,
			rec.Status,
			fmt.Sprintf("%d/%d", rec.AttemptCount, rec.MaxAttempts),
			msgIDLabel(rec.MsgID),
			orDash(rec.FinishedAt),
			orDash(note),
		})
	}
	fmt.Fprintln(out)
	printTable(out, "No stage records", []string{"Stage", "Status", "Attempts", "Message", "Finished", "Note"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft})
}

func newJobListCommand(ctx *commandContext) *cobra.Command {
	var query api.JobQuery

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, func(c *daemonrun.Components) error {
				jobs, err := c.Service.ListJobs(cmd.Context(), query)
				if err != nil {
					return err
				}
				return ctx.emit(cmd, api.JobListResponse{Jobs: jobs}, func() error {
					rows := make([][]string, 0, len(jobs))
					for _, job := range jobs {
						rows = append(rows, []string{
							job.ID,
							job.Type,
							job.Status,
							job.Stage,
							strconv.Itoa(job.Priority),
							orDash(job.UpdatedAt),
						})
					}
					printTable(cmd.OutOrStdout(), "No jobs found",
						[]string{"ID", "Type", "Status", "Stage", "Priority", "Updated"}, rows,
						[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft})
					return nil
				})
			})
		},
	}
	cmd.Flags().StringSliceVar(&query.Statuses, "status", nil, "Filter by status (queued, processing, completed, failed)")
	cmd.Flags().StringVar(&query.Stage, "stage", "", "Filter by current stage")
	cmd.Flags().IntVar(&query.Limit, "limit", 0, "Maximum jobs to list")
	return cmd
}

func newJobCancelCommand(ctx *commandContext) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Fail a job so no further stages run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, func(c *daemonrun.Components) error {
				job, err := c.Service.CancelJob(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				return ctx.emit(cmd, job, func() error {
					fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s at stage %s\n", job.ID, job.Stage)
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded as the job's last error")
	return cmd
}
