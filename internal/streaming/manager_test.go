package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPublishReturnsSequencedEvent(t *testing.T) {
	m := NewManager(nil, zaptest.NewLogger(t))
	first := m.Publish("job-s", Event{Type: EventDocumentStarted})
	second := m.Publish("job-s", Event{Type: EventOutlineReady})
	other := m.Publish("job-t", Event{Type: EventDocumentStarted})

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, uint64(1), other.Seq)
	assert.Equal(t, "job-s", second.JobID)
	assert.False(t, second.Timestamp.IsZero())
}

func TestPublishKeepsTimestamp(t *testing.T) {
	m := NewManager(nil, nil)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	evt := m.Publish("job", Event{Type: EventChapterStarted, Timestamp: ts})
	assert.True(t, ts.Equal(evt.Timestamp))
}

func TestDocumentCompletedReleasesCounter(t *testing.T) {
	m := NewManager(nil, nil)
	m.Publish("job", Event{Type: EventDocumentStarted})
	last := m.Publish("job", Event{Type: EventDocumentCompleted})
	assert.Equal(t, uint64(2), last.Seq)

	m.mu.Lock()
	_, held := m.seqs["job"]
	m.mu.Unlock()
	assert.False(t, held)
}

func TestConcurrentPublishNumbersDensely(t *testing.T) {
	m := NewManager(nil, nil)
	const n = 50
	seen := make(chan uint64, n)
	for i := 0; i < n; i++ {
		go func() { seen <- m.Publish("job", Event{Type: EventRoundAdvanced}).Seq }()
	}
	got := make(map[uint64]bool, n)
	for i := 0; i < n; i++ {
		got[<-seen] = true
	}
	assert.Len(t, got, n)
	assert.True(t, got[1])
	assert.True(t, got[n])
}

func TestRedisMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	m := NewManager(rdb, zaptest.NewLogger(t))
	m.Publish("job-9", Event{Type: EventOutlineReady, Data: map[string]interface{}{"chapters": 3}})
	m.Publish("job-9", Event{Type: EventChapterStarted, Chapter: 1})

	evs, err := ReadStream(context.Background(), rdb, "job-9", 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, EventOutlineReady, evs[0].Type)
	assert.EqualValues(t, 3, evs[0].Data["chapters"])
	assert.Equal(t, 1, evs[1].Chapter)

	evs, err = ReadStream(context.Background(), rdb, "job-9", 1)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
	assert.Greater(t, mr.TTL(StreamKey("job-9")), time.Duration(0))
}

func TestReadStreamMissingJob(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	evs, err := ReadStream(context.Background(), rdb, "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}
