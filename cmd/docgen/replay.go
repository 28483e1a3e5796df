package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/Kocoro-lab/longform/internal/constants"
	"github.com/Kocoro-lab/longform/internal/temporal"
	"github.com/Kocoro-lab/longform/internal/workflows"
)

var historyPath string

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a workflow history against the current workflow code",
	Long: `replay fails on any non-determinism between a recorded history
(exported with "temporal workflow show --output json") and this build.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyPath == "" {
			return fmt.Errorf("--history is required")
		}
		logger := newLogger()
		defer logger.Sync()

		if err := replayHistory(historyPath, temporal.NewZapAdapter(logger)); err != nil {
			return fmt.Errorf("replay failed (non-deterministic change or invalid history): %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Replay succeeded for %s\n", historyPath)
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&historyPath, "history", "", "path to a workflow history JSON file")
}

func newReplayer() worker.WorkflowReplayer {
	replayer := worker.NewWorkflowReplayer()
	replayer.RegisterWorkflowWithOptions(workflows.DocumentWorkflow, workflow.RegisterOptions{Name: constants.DocumentWorkflowName})
	replayer.RegisterWorkflowWithOptions(workflows.ChapterWorkflow, workflow.RegisterOptions{Name: constants.ChapterWorkflowName})
	return replayer
}

func replayHistory(path string, logger log.Logger) error {
	return newReplayer().ReplayWorkflowHistoryFromJSONFile(logger, path)
}
