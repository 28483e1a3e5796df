package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/longform/internal/config"
	"github.com/Kocoro-lab/longform/internal/db"
	"github.com/Kocoro-lab/longform/internal/streaming"
)

var (
	statusJobID    string
	statusDocument bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a stored document run and its event log",
	Example: `  docgen status --job-id doc-42
  docgen status --job-id doc-42 --document > doc.md`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusJobID == "" {
			return fmt.Errorf("--job-id is required")
		}
		logger := newLogger()
		defer logger.Sync()

		conf, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		store, err := openStore(conf, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		return printStatus(commandContext(cmd), cmd.OutOrStdout(), store, statusJobID, statusDocument)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusJobID, "job-id", "", "document job id")
	statusCmd.Flags().BoolVar(&statusDocument, "document", false, "print the stored Markdown instead of the summary")
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func openStore(conf *config.Config, logger *zap.Logger) (*db.Client, error) {
	if !conf.Postgres.Enabled {
		return nil, fmt.Errorf("postgres is disabled in the configuration")
	}
	client, err := db.NewClient(&db.Config{
		Host:           conf.Postgres.Host,
		Port:           conf.Postgres.Port,
		User:           conf.Postgres.User,
		Password:       conf.Postgres.Password,
		Database:       conf.Postgres.Database,
		SSLMode:        conf.Postgres.SSLMode,
		MaxConnections: 2,
		MaxLifetime:    conf.Postgres.MaxLifetime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return client, nil
}

// printStatus writes the stored run of jobID followed by its event log. A
// job that has not finished yet has events but no run.
func printStatus(ctx context.Context, w io.Writer, store *db.Client, jobID string, documentOnly bool) error {
	run, err := store.GetDocumentByJobID(ctx, jobID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		run = nil
	case err != nil:
		return fmt.Errorf("load document %s: %w", jobID, err)
	}

	if documentOnly {
		if run == nil {
			return fmt.Errorf("no stored document for job %s", jobID)
		}
		_, err := io.WriteString(w, run.Document)
		return err
	}

	logs, err := store.ListEventLogs(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load events of %s: %w", jobID, err)
	}

	fmt.Fprintf(w, "job:        %s\n", jobID)
	if run == nil {
		fmt.Fprintln(w, "status:     running or not persisted")
	} else {
		fmt.Fprintf(w, "title:      %s\n", run.Title)
		fmt.Fprintf(w, "status:     %s\n", run.Status)
		fmt.Fprintf(w, "chapters:   %d done, %d failed\n", run.ChaptersDone, run.ChaptersFailed)
		fmt.Fprintf(w, "references: %d\n", run.ReferenceCount)
		fmt.Fprintf(w, "started:    %s\n", run.StartedAt.UTC().Format(time.RFC3339))
		if run.CompletedAt != nil {
			fmt.Fprintf(w, "completed:  %s\n", run.CompletedAt.UTC().Format(time.RFC3339))
		}
	}
	fmt.Fprintf(w, "events:     %d\n", len(logs))
	for _, l := range logs {
		fmt.Fprintln(w, "  "+formatEvent(eventFromLog(l)))
	}
	return nil
}

func eventFromLog(l db.EventLog) streaming.Event {
	e := streaming.Event{
		JobID:     l.JobID,
		Type:      l.Type,
		Chapter:   l.Chapter,
		Message:   l.Message,
		Data:      l.Payload,
		Timestamp: l.Timestamp,
		Seq:       l.Seq,
	}
	switch r := l.Payload["round"].(type) {
	case float64:
		e.Round = int(r)
	case int:
		e.Round = r
	}
	return e
}

func formatEvent(e streaming.Event) string {
	line := fmt.Sprintf("#%-3d %s %-18s", e.Seq, e.Timestamp.UTC().Format(time.RFC3339), e.Type)
	if e.Chapter > 0 {
		line += fmt.Sprintf(" chapter=%d", e.Chapter)
	}
	if e.Round > 0 {
		line += fmt.Sprintf(" round=%d", e.Round)
	}
	if e.Message != "" {
		line += " " + e.Message
	}
	return line
}
