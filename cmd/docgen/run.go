package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/longform/internal/activities"
	"github.com/Kocoro-lab/longform/internal/config"
	"github.com/Kocoro-lab/longform/internal/constants"
	"github.com/Kocoro-lab/longform/internal/temporal"
	"github.com/Kocoro-lab/longform/internal/workflows"
)

var (
	runPrompt  string
	runOutline string
	runOut     string
	runJobID   string
	runNoWait  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a document job and write the Markdown result",
	Example: `  docgen run --prompt "A field guide to vector search" --out guide.md
  docgen run --prompt "Postgres internals" --outline outline.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(runPrompt) == "" && runOutline == "" {
			return fmt.Errorf("--prompt or --outline is required")
		}
		logger := newLogger()
		defer logger.Sync()

		conf, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		input := workflows.DocumentInput{
			JobID:      runJobID,
			TaskPrompt: runPrompt,
			Config:     workflows.DocumentConfigFrom(conf.Document),
		}
		if input.JobID == "" {
			input.JobID = "doc-" + uuid.NewString()
		}
		if runOutline != "" {
			data, err := os.ReadFile(runOutline)
			if err != nil {
				return fmt.Errorf("read outline: %w", err)
			}
			outline, err := activities.ParseOutline(data)
			if err != nil {
				return err
			}
			input.Outline = outline
		}

		c, err := client.Dial(client.Options{
			HostPort:  conf.Temporal.HostPort,
			Namespace: conf.Temporal.Namespace,
			Logger:    temporal.NewZapAdapter(logger),
		})
		if err != nil {
			return fmt.Errorf("dial temporal: %w", err)
		}
		defer c.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
			ID:                    input.JobID,
			TaskQueue:             conf.Temporal.TaskQueue,
			WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		}, constants.DocumentWorkflowName, input)
		if err != nil {
			return fmt.Errorf("start document workflow: %w", err)
		}
		logger.Info("Document job started",
			zap.String("job_id", input.JobID),
			zap.String("run_id", run.GetRunID()),
			zap.String("queue", conf.Temporal.TaskQueue),
		)
		if runNoWait {
			fmt.Fprintln(cmd.OutOrStdout(), input.JobID)
			return nil
		}

		var res workflows.DocumentResult
		if err := run.Get(ctx, &res); err != nil {
			return fmt.Errorf("document workflow failed: %w", err)
		}
		for _, w := range res.Warnings {
			logger.Warn("Document warning", zap.String("job_id", res.JobID), zap.String("warning", w))
		}
		logger.Info("Document job finished",
			zap.String("job_id", res.JobID),
			zap.String("status", res.Status),
			zap.Int("chapters", len(res.Chapters)),
			zap.Int("references", len(res.Sources)),
		)

		if runOut == "" {
			_, err = fmt.Fprint(cmd.OutOrStdout(), res.Document)
			return err
		}
		return os.WriteFile(runOut, []byte(res.Document), 0o644)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runPrompt, "prompt", "p", "", "task prompt describing the document")
	runCmd.Flags().StringVar(&runOutline, "outline", "", "outline file (YAML or JSON); generated when omitted")
	runCmd.Flags().StringVar(&runOut, "out", "", "write the Markdown here instead of stdout")
	runCmd.Flags().StringVar(&runJobID, "job-id", "", "job id (default: generated)")
	runCmd.Flags().BoolVar(&runNoWait, "no-wait", false, "print the job id and return without waiting")
}
