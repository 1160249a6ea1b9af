package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"conveyor/internal/api"
	"conveyor/internal/config"
	"conveyor/internal/daemon"
	"conveyor/internal/daemonrun"
	"conveyor/internal/preflight"
)

type daemonReport struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	API     string `json:"api,omitempty"`
	Lock    string `json:"lock_file"`
	Error   string `json:"error,omitempty"`
}

type statusReport struct {
	Daemon       daemonReport       `json:"daemon"`
	Orchestrator api.Status         `json:"orchestrator"`
	Checks       []preflight.Result `json:"checks"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, pipeline, and dependency status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			report := statusReport{Daemon: probeDaemon(cfg)}
			err = ctx.withComponents(cmd, func(c *daemonrun.Components) error {
				summary, err := c.Service.Status(cmd.Context())
				if err != nil {
					return err
				}
				report.Orchestrator = summary
				return nil
			})
			if err != nil {
				return err
			}
			report.Checks = preflight.RunAll(cmd.Context(), cfg)

			return ctx.emit(cmd, report, func() error {
				out := cmd.OutOrStdout()
				for _, line := range statusLines(report, shouldColorize(out)) {
					fmt.Fprintln(out, line)
				}
				return nil
			})
		},
	}
}

func probeDaemon(cfg *config.Config) daemonReport {
	report := daemonReport{Lock: cfg.LockPath()}
	running, err := daemon.IsRunning(cfg.Paths.DataDir)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.Running = running
	if running {
		report.PID = daemonrun.ReadPID(cfg.Paths.DataDir)
		report.API = cfg.Paths.APIBind
	}
	return report
}

func statusLines(report statusReport, colorize bool) []string {
	var lines []string
	lines = append(lines, renderSectionHeader("Daemon", colorize)...)
	lines = append(lines, daemonLine(report.Daemon, colorize))
	if report.Daemon.Running && report.Daemon.API != "" {
		lines = append(lines, renderStatusLine("API", statusInfo, report.Daemon.API, colorize))
	}

	sum := report.Orchestrator
	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Pipeline", colorize)...)
	lines = append(lines, renderStatusLine("Stages", statusInfo, fmt.Sprintf("%d configured, %d enabled", sum.Stages, sum.Enabled), colorize))
	lines = append(lines, renderStatusLine("Jobs", statusInfo, jobCounts(sum.Jobs), colorize))
	dlqKind := statusOK
	if sum.DeadLetters > 0 {
		dlqKind = statusWarn
	}
	lines = append(lines, renderStatusLine("Dead letters", dlqKind, fmt.Sprintf("%d awaiting replay", sum.DeadLetters), colorize))
	for _, row := range sum.Backlog {
		lines = append(lines, renderStatusLine("Backlog "+row.Stage, statusInfo,
			fmt.Sprintf("%d ready, %d in flight", row.Ready, row.Inflight), colorize))
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Dependencies", colorize)...)
	for _, check := range report.Checks {
		kind := statusOK
		if !check.Passed {
			kind = statusError
		}
		lines = append(lines, renderStatusLine(check.Name, kind, check.Detail, colorize))
	}
	return lines
}

func daemonLine(d daemonReport, colorize bool) string {
	switch {
	case d.Error != "":
		return renderStatusLine("Conveyor", statusWarn, "Unknown ("+d.Error+")", colorize)
	case d.Running && d.PID > 0:
		return renderStatusLine("Conveyor", statusOK, fmt.Sprintf("Running (pid %d)", d.PID), colorize)
	case d.Running:
		return renderStatusLine("Conveyor", statusOK, "Running", colorize)
	}
	return renderStatusLine("Conveyor", statusWarn, "Not running", colorize)
}

func jobCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %d", k, counts[k]))
	}
	return strings.Join(parts, ", ")
}
