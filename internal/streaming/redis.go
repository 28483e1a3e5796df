package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamMaxLen = 1000
	streamTTL    = 24 * time.Hour
	writeTimeout = 2 * time.Second
)

// StreamKey is the Redis stream holding events of a job.
func StreamKey(jobID string) string {
	return fmt.Sprintf("longform:events:%s", jobID)
}

type redisMirror struct {
	rdb *redis.Client
	log *zap.Logger
}

func newRedisMirror(rdb *redis.Client, logger *zap.Logger) *redisMirror {
	return &redisMirror{rdb: rdb, log: logger}
}

// add appends evt to the job stream, capped and expiring. Failures are logged.
func (r *redisMirror) add(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	key := StreamKey(evt.JobID)
	pipe := r.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":     strconv.FormatUint(evt.Seq, 10),
			"type":    evt.Type,
			"payload": string(evt.Marshal()),
		},
	})
	pipe.Expire(ctx, key, streamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warn("Failed to mirror event to Redis stream",
			zap.String("job_id", evt.JobID),
			zap.String("type", evt.Type),
			zap.Error(err))
	}
}

// ReadStream returns events stored in the Redis stream of jobID with a
// sequence number above since.
func ReadStream(ctx context.Context, rdb *redis.Client, jobID string, since uint64) ([]Event, error) {
	msgs, err := rdb.XRange(ctx, StreamKey(jobID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", jobID, err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		payload, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}
