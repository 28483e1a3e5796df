package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/longform/internal/config"
	"github.com/Kocoro-lab/longform/internal/streaming"
)

var (
	eventsJobID    string
	eventsSince    uint64
	eventsFollow   bool
	eventsInterval time.Duration
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print the progress events of a document job",
	Long: `events reads the job's Redis stream. With --follow it keeps polling
until the document completes. When Redis is disabled it prints the
persisted event log instead.`,
	Example: `  docgen events --job-id doc-42 --follow`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if eventsJobID == "" {
			return fmt.Errorf("--job-id is required")
		}
		logger := newLogger()
		defer logger.Sync()

		conf, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)

		if !conf.Redis.Enabled {
			if eventsFollow {
				return fmt.Errorf("--follow needs redis")
			}
			store, err := openStore(conf, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			logs, err := store.ListEventLogs(ctx, eventsJobID)
			if err != nil {
				return err
			}
			for _, l := range logs {
				if l.Seq > eventsSince {
					fmt.Fprintln(cmd.OutOrStdout(), formatEvent(eventFromLog(l)))
				}
			}
			return nil
		}

		rdb := redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		defer rdb.Close()
		read := func(ctx context.Context, since uint64) ([]streaming.Event, error) {
			return streaming.ReadStream(ctx, rdb, eventsJobID, since)
		}
		return tailEvents(ctx, cmd.OutOrStdout(), read, eventsSince, eventsFollow, eventsInterval)
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsJobID, "job-id", "", "document job id")
	eventsCmd.Flags().Uint64Var(&eventsSince, "since", 0, "only events after this sequence number")
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "keep polling until the document completes")
	eventsCmd.Flags().DurationVar(&eventsInterval, "interval", 2*time.Second, "poll interval with --follow")
}

type eventReader func(ctx context.Context, since uint64) ([]streaming.Event, error)

// tailEvents prints events after since. With follow it polls until a
// document_completed event is printed or ctx ends.
func tailEvents(ctx context.Context, w io.Writer, read eventReader, since uint64, follow bool, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for {
		evs, err := read(ctx, since)
		if err != nil {
			return err
		}
		for _, e := range evs {
			fmt.Fprintln(w, formatEvent(e))
			if e.Seq > since {
				since = e.Seq
			}
			if e.Type == streaming.EventDocumentCompleted {
				return nil
			}
		}
		if !follow {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
