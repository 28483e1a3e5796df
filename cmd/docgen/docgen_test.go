package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/longform/internal/db"
	"github.com/Kocoro-lab/longform/internal/streaming"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["replay"])
	assert.True(t, names["status"])
	assert.True(t, names["events"])
}

func TestRunRequiresPromptOrOutline(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"run"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--prompt or --outline")
}

func TestReplayRequiresHistory(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"replay"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--history")
}

func TestReplayMissingFile(t *testing.T) {
	require.Error(t, replayHistory("testdata/does-not-exist.json", nil))
}

func TestStatusRequiresJobID(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"status"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--job-id")
}

func TestEventsRequiresJobID(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"events"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--job-id")
}

func newMockStore(t *testing.T) (*db.Client, sqlmock.Sqlmock) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := db.NewClientWithDB(sqlx.NewDb(raw, "postgres"), zaptest.NewLogger(t))
	t.Cleanup(func() {
		mock.ExpectClose()
		_ = store.Close()
	})
	return store, mock
}

var (
	runColumns   = []string{"id", "job_id", "title", "task_prompt", "status", "document", "reference_count", "chapters_done", "chapters_failed", "started_at", "completed_at", "metadata"}
	eventColumns = []string{"id", "job_id", "type", "chapter", "message", "payload", "timestamp", "seq", "created_at"}
)

func TestPrintStatusSummarizesRunAndEvents(t *testing.T) {
	store, mock := newMockStore(t)
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	completed := started.Add(4 * time.Minute)

	mock.ExpectQuery(`FROM document_runs WHERE job_id`).WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows(runColumns).AddRow(
			uuid.New().String(), "doc-1", "Tide Pools", "write about tide pools", "partial",
			"# Tide Pools\n", 7, 3, 1, started, completed, []byte(`{}`)))
	mock.ExpectQuery(`FROM event_logs WHERE job_id`).WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow(uuid.New().String(), "doc-1", streaming.EventChapterStarted, 2, "", []byte(`{}`), started, 4, started).
			AddRow(uuid.New().String(), "doc-1", streaming.EventRoundAdvanced, 2, "insufficient material", []byte(`{"round":2}`), started, 5, started))

	var out bytes.Buffer
	require.NoError(t, printStatus(context.Background(), &out, store, "doc-1", false))

	text := out.String()
	assert.Contains(t, text, "title:      Tide Pools")
	assert.Contains(t, text, "status:     partial")
	assert.Contains(t, text, "chapters:   3 done, 1 failed")
	assert.Contains(t, text, "references: 7")
	assert.Contains(t, text, "completed:  2026-03-01T09:04:00Z")
	assert.Contains(t, text, "events:     2")
	assert.Contains(t, text, "chapter=2 round=2 insufficient material")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPrintStatusWithoutStoredRun(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`FROM document_runs WHERE job_id`).WithArgs("doc-2").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`FROM event_logs WHERE job_id`).WithArgs("doc-2").
		WillReturnRows(sqlmock.NewRows(eventColumns))

	var out bytes.Buffer
	require.NoError(t, printStatus(context.Background(), &out, store, "doc-2", false))
	assert.Contains(t, out.String(), "running or not persisted")
	assert.Contains(t, out.String(), "events:     0")
}

func TestPrintStatusDocumentOnly(t *testing.T) {
	store, mock := newMockStore(t)
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM document_runs WHERE job_id`).WithArgs("doc-3").
		WillReturnRows(sqlmock.NewRows(runColumns).AddRow(
			uuid.New().String(), "doc-3", "T", "p", "completed",
			"# T\n\nBody [1].\n", 1, 1, 0, started, nil, []byte(`{}`)))

	var out bytes.Buffer
	require.NoError(t, printStatus(context.Background(), &out, store, "doc-3", true))
	assert.Equal(t, "# T\n\nBody [1].\n", out.String())
}

func TestPrintStatusDocumentOnlyMissingRun(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`FROM document_runs WHERE job_id`).WithArgs("doc-4").WillReturnError(sql.ErrNoRows)

	err := printStatus(context.Background(), &bytes.Buffer{}, store, "doc-4", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stored document")
}

func TestFormatEvent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	line := formatEvent(streaming.Event{Seq: 12, Type: streaming.EventChapterFailed, Chapter: 3, Message: "timeout", Timestamp: ts})
	assert.True(t, strings.HasPrefix(line, "#12  2026-03-01T09:00:00Z chapter_failed"))
	assert.True(t, strings.HasSuffix(line, " chapter=3 timeout"))
	assert.NotContains(t, line, "round=")
}

func TestTailEventsReadsRedisStream(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	m := streaming.NewManager(rdb, zaptest.NewLogger(t))
	m.Publish("doc-5", streaming.Event{Type: streaming.EventDocumentStarted})
	m.Publish("doc-5", streaming.Event{Type: streaming.EventChapterStarted, Chapter: 1})
	m.Publish("doc-5", streaming.Event{Type: streaming.EventChapterCompleted, Chapter: 1})

	read := func(ctx context.Context, since uint64) ([]streaming.Event, error) {
		return streaming.ReadStream(ctx, rdb, "doc-5", since)
	}
	var out bytes.Buffer
	require.NoError(t, tailEvents(context.Background(), &out, read, 1, false, time.Millisecond))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "#2")
	assert.Contains(t, lines[1], streaming.EventChapterCompleted)
}

func TestTailEventsFollowStopsAtCompletion(t *testing.T) {
	batches := [][]streaming.Event{
		{{Seq: 1, Type: streaming.EventDocumentStarted}},
		nil,
		{{Seq: 2, Type: streaming.EventDocumentCompleted}, {Seq: 3, Type: streaming.EventChapterStarted}},
	}
	var sinces []uint64
	read := func(ctx context.Context, since uint64) ([]streaming.Event, error) {
		sinces = append(sinces, since)
		if len(batches) == 0 {
			return nil, errors.New("read after completion")
		}
		b := batches[0]
		batches = batches[1:]
		return b, nil
	}

	var out bytes.Buffer
	require.NoError(t, tailEvents(context.Background(), &out, read, 0, true, time.Millisecond))
	assert.Equal(t, []uint64{0, 1, 1}, sinces)
	assert.Contains(t, out.String(), streaming.EventDocumentCompleted)
	assert.NotContains(t, out.String(), streaming.EventChapterStarted)
}

func TestTailEventsFollowHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	read := func(context.Context, uint64) ([]streaming.Event, error) {
		cancel()
		return nil, nil
	}
	err := tailEvents(ctx, &bytes.Buffer{}, read, 0, true, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
