package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"conveyor/internal/api"
	"conveyor/internal/daemonrun"
)

// stageFile is the document read by "stages apply" and written by
// "stages export".
type stageFile struct {
	Stages []api.StageUpdate `yaml:"stages"`
}

func newStagesCommand(ctx *commandContext) *cobra.Command {
	stagesCmd := &cobra.Command{
		Use:   "stages",
		Short: "Inspect and change stage configuration",
	}
	stagesCmd.AddCommand(newStagesListCommand(ctx))
	stagesCmd.AddCommand(newStagesSetCommand(ctx))
	stagesCmd.AddCommand(newStagesExportCommand(ctx))
	stagesCmd.AddCommand(newStagesApplyCommand(ctx))
	return stagesCmd
}

func newStagesListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stage configurations in pipeline order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, func(c *daemonrun.Components) error {
				stages, err := c.Service.ListStages(cmd.Context())
				if err != nil {
					return err
				}
				return ctx.emit(cmd, api.StageListResponse{Stages: stages}, func() error {
					renderStageTable(cmd.OutOrStdout(), stages)
					return nil
				})
			})
		},
	}
}

func renderStageTable(out io.Writer, stages []api.StageConfig) {
	rows := make([][]string, 0, len(stages))
	for _, sc := range stages {
		rows = append(rows, []string{
			sc.Stage,
			sc.Queue,
			strconv.Itoa(sc.MaxConcurrency),
			strconv.Itoa(sc.TriggerBatchSize),
			yesNo(sc.Enabled),
			orDash(sc.WorkerEndpoint),
		})
	}
	printTable(out, "No stages configured",
		[]string{"Stage", "Queue", "Concurrency", "Batch", "Enabled", "Endpoint"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft})
}

func newStagesSetCommand(ctx *commandContext) *cobra.Command {
	var (
		queueName   string
		endpoint    string
		concurrency int
		batch       int
		enable      bool
		disable     bool
	)

	cmd := &cobra.Command{
		Use:   "set <stage>",
		Short: "Change one stage's configuration",
		Long:  "Change one stage's configuration. Only the flags given are applied; other fields keep their stored value.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable && disable {
				return fmt.Errorf("use either --enable or --disable, not both")
			}
			update := api.StageUpdate{
				Stage:          strings.TrimSpace(args[0]),
				Queue:          strings.TrimSpace(queueName),
				WorkerEndpoint: strings.TrimSpace(endpoint),
			}
			flags := cmd.Flags()
			if flags.Changed("max-concurrency") {
				update.MaxConcurrency = &concurrency
			}
			if flags.Changed("batch-size") {
				update.TriggerBatchSize = &batch
			}
			if enable || disable {
				enabled := enable
				update.Enabled = &enabled
			}
			return ctx.withComponents(cmd, func(c *daemonrun.Components) error {
				sc, err := c.Service.UpsertStage(cmd.Context(), update)
				if err != nil {
					return err
				}
				return ctx.emit(cmd, sc, func() error {
					renderStageTable(cmd.OutOrStdout(), []api.StageConfig{sc})
					return nil
				})
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&queueName, "queue", "", "Queue the stage's messages use")
	flags.StringVar(&endpoint, "endpoint", "", "Worker endpoint for the http launcher")
	flags.IntVar(&concurrency, "max-concurrency", 0, "Maximum concurrent workers (0 pauses the stage)")
	flags.IntVar(&batch, "batch-size", 0, "Ready messages per launched worker")
	flags.BoolVar(&enable, "enable", false, "Enable dispatching for the stage")
	flags.BoolVar(&disable, "disable", false, "Disable dispatching for the stage")
	return cmd
}

func newStagesExportCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stage configurations as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, func(c *daemonrun.Components) error {
				stages, err := c.Service.ListStages(cmd.Context())
				if err != nil {
					return err
				}
				doc := stageFile{Stages: make([]api.StageUpdate, 0, len(stages))}
				for _, sc := range stages {
					doc.Stages = append(doc.Stages, sc.Update())
				}
				data, err := yaml.Marshal(doc)
				if err != nil {
					return fmt.Errorf("encode stages: %w", err)
				}
				if strings.TrimSpace(output) == "" || output == "-" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				if err := os.WriteFile(output, data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", output, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d stages to %s\n", len(stages), output)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file (stdout when empty)")
	return cmd
}

func newStagesApplyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <file>",
		Short: "Apply stage configurations from a YAML file",
		Long:  "Apply stage configurations from a YAML file (- for stdin). Every entry is validated before any is written.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read stages: %w", err)
			}
			var doc stageFile
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("parse stages: %w", err)
			}
			if len(doc.Stages) == 0 {
				return fmt.Errorf("%s lists no stages", args[0])
			}
			return ctx.withComponents(cmd, func(c *daemonrun.Components) error {
				applied, err := c.Service.ApplyStages(cmd.Context(), doc.Stages)
				if err != nil {
					return err
				}
				return ctx.emit(cmd, api.StageListResponse{Stages: applied}, func() error {
					renderStageTable(cmd.OutOrStdout(), applied)
					return nil
				})
			})
		},
	}
}
