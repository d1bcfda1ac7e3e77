package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/apmctl/internal/apm"
	"github.com/danmuck/apmctl/internal/testutil/testlog"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromOutcomeFlattensIDs(t *testing.T) {
	testlog.Start(t)
	out := apm.Outcome{
		CommandID:        "cmd-1",
		Opcode:           apm.CmdGetConfig,
		Status:           apm.StatusNotReady,
		Payloads:         map[apm.ContainerID][]byte{4: []byte("x")},
		PendingSubGraphs: []apm.SubGraphID{2, 3},
		Duration:         1500 * time.Millisecond,
	}
	e := FromOutcome(out)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "cmd-1", e.CommandID)
	assert.Equal(t, "get_cfg", e.Opcode)
	assert.Equal(t, "not_ready", e.Status)
	assert.Equal(t, uint32(apm.StatusNotReady), e.StatusCode)
	assert.Equal(t, []uint32{2, 3}, e.PendingSubGraphs)
	assert.Equal(t, []byte("x"), e.Payloads[4])
	assert.Equal(t, int64(1500), e.DurationMS)
	assert.False(t, e.OK())
}

func TestMemoryJournalWaitFor(t *testing.T) {
	testlog.Start(t)
	j := NewMemoryJournal()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		_ = j.Report(ctx, apm.Outcome{CommandID: "a", Status: apm.StatusOK})
		_ = j.Report(ctx, apm.Outcome{CommandID: "b", Status: apm.StatusBusy})
	}()
	require.NoError(t, j.WaitFor(ctx, 2))

	e, err := j.Find("b")
	require.NoError(t, err)
	assert.Equal(t, "busy", e.Status)
	_, err = j.Find("c")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, j.Entries(), 2)
}

func TestMemoryJournalWaitForHonorsContext(t *testing.T) {
	testlog.Start(t)
	j := NewMemoryJournal()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := j.WaitFor(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type failingReporter struct{ err error }

func (f failingReporter) Report(context.Context, apm.Outcome) error { return f.err }

func TestTeeReportsToEveryReporter(t *testing.T) {
	testlog.Start(t)
	first := errors.New("first")
	mem := NewMemoryJournal()
	tee := Tee{failingReporter{err: first}, mem, failingReporter{err: errors.New("second")}}

	err := tee.Report(context.Background(), apm.Outcome{CommandID: "x"})
	assert.ErrorIs(t, err, first)
	assert.Len(t, mem.Entries(), 1)
}

func TestRedisJournalKeys(t *testing.T) {
	testlog.Start(t)
	j := NewRedisJournal(nil, "", 0)
	assert.Equal(t, "apmctl:outcomes", j.OutcomesKey())
	assert.Equal(t, "apmctl:status", j.StatusKey())
}

func TestDialRedisJournalRejectsBadURL(t *testing.T) {
	testlog.Start(t)
	_, err := DialRedisJournal(context.Background(), "not-a-url", "x", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}

func TestRedisJournalReportSurfacesConnectionErrors(t *testing.T) {
	testlog.Start(t)
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	j := NewRedisJournal(client, "test", time.Minute)
	defer j.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := j.Report(ctx, apm.Outcome{CommandID: "c1", Status: apm.StatusOK})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal: write c1")

	_, err = j.Status(ctx, "c1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
