package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ailinux/llmesh/internal/meshtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func todayUTC() string {
	return time.Now().UTC().Format("2006-01-02")
}

type recordingSubscriber struct {
	received []meshtypes.AuditEntry
	fail     bool
}

func (r *recordingSubscriber) Deliver(entry meshtypes.AuditEntry) error {
	if r.fail {
		return fmt.Errorf("subscriber unavailable")
	}
	r.received = append(r.received, entry)
	return nil
}

func TestRecordFillsTraceIDAndDefaultLevel(t *testing.T) {
	log, err := New(Config{}, nil)
	require.NoError(t, err)

	entry := log.Record(context.Background(), EntryParams{CallerID: "caller-1", Action: "tool_call"})
	assert.NotEmpty(t, entry.TraceID)
	assert.Equal(t, meshtypes.LevelInfo, entry.Level)
}

func TestRecordRedactsSensitiveParamKeys(t *testing.T) {
	log, err := New(Config{}, nil)
	require.NoError(t, err)

	entry := log.Record(context.Background(), EntryParams{
		Action: "tool_call",
		Params: map[string]any{"api_key": "sk-secret", "query": "weather"},
	})
	assert.Equal(t, sentinelValue, entry.Params["api_key"])
	assert.Equal(t, "weather", entry.Params["query"])
}

func TestRecordTruncatesLongParamStrings(t *testing.T) {
	log, err := New(Config{}, nil)
	require.NoError(t, err)

	long := make([]byte, maxParamStringLen+100)
	for i := range long {
		long[i] = 'a'
	}
	entry := log.Record(context.Background(), EntryParams{Params: map[string]any{"body": string(long)}})
	assert.Less(t, len(entry.Params["body"].(string)), len(long))
}

func TestLatestNReturnsMostRecentInOrder(t *testing.T) {
	log, err := New(Config{}, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		log.Record(context.Background(), EntryParams{Action: fmt.Sprintf("action-%d", i)})
	}

	latest := log.LatestN(2)
	require.Len(t, latest, 2)
	assert.Equal(t, "action-3", latest[0].Action)
	assert.Equal(t, "action-4", latest[1].Action)
}

func TestRingEvictsOldestBeyondCapacity(t *testing.T) {
	log, err := New(Config{RingSize: 3}, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		log.Record(context.Background(), EntryParams{Action: fmt.Sprintf("action-%d", i)})
	}

	all := log.LatestN(10)
	require.Len(t, all, 3)
	assert.Equal(t, "action-2", all[0].Action)
}

func TestByTraceAndByCallerFilter(t *testing.T) {
	log, err := New(Config{}, nil)
	require.NoError(t, err)

	log.Record(context.Background(), EntryParams{TraceID: "trace-a", CallerID: "caller-1", Action: "x"})
	log.Record(context.Background(), EntryParams{TraceID: "trace-b", CallerID: "caller-2", Action: "y"})

	assert.Len(t, log.ByTrace("trace-a"), 1)
	assert.Len(t, log.ByCaller("caller-2"), 1)
}

func TestSecurityOnlyAndErrorsOnlyFilterByLevel(t *testing.T) {
	log, err := New(Config{}, nil)
	require.NoError(t, err)

	log.Record(context.Background(), EntryParams{Level: meshtypes.LevelSecurity, Action: "rbac_denied"})
	log.Record(context.Background(), EntryParams{Level: meshtypes.LevelError, Action: "call_failed"})
	log.Record(context.Background(), EntryParams{Level: meshtypes.LevelCritical, Action: "panic"})
	log.Record(context.Background(), EntryParams{Level: meshtypes.LevelInfo, Action: "tool_call"})

	assert.Len(t, log.SecurityOnly(), 1)
	assert.Len(t, log.ErrorsOnly(), 2)
}

func TestSubscriberReceivesEveryEntry(t *testing.T) {
	log, err := New(Config{}, nil)
	require.NoError(t, err)

	sub := &recordingSubscriber{}
	log.Subscribe(sub)
	log.Record(context.Background(), EntryParams{Action: "a"})
	log.Record(context.Background(), EntryParams{Action: "b"})

	assert.Len(t, sub.received, 2)
}

func TestFailingSubscriberIsRemoved(t *testing.T) {
	log, err := New(Config{}, nil)
	require.NoError(t, err)

	sub := &recordingSubscriber{fail: true}
	id := log.Subscribe(sub)
	log.Record(context.Background(), EntryParams{Action: "a"})
	assert.Empty(t, sub.received)

	// second record must not attempt delivery again since the subscriber
	// was dropped after its first failure
	other := &recordingSubscriber{}
	log.Subscribe(other)
	log.Record(context.Background(), EntryParams{Action: "b"})
	assert.Len(t, other.received, 1)

	log.Unsubscribe(id)
}

func TestFlushAndByDateRoundTripsThroughDisk(t *testing.T) {
	dir := t.TempDir()
	log, err := New(Config{Dir: dir, FlushThreshold: 1000}, nil)
	require.NoError(t, err)

	log.Record(context.Background(), EntryParams{Action: "persisted"})
	require.NoError(t, log.Flush())

	today := todayUTC()
	entries, err := log.ByDate(today)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "persisted", entries[0].Action)
}

func TestByDateReturnsNilForMissingFile(t *testing.T) {
	dir := t.TempDir()
	log, err := New(Config{Dir: dir}, nil)
	require.NoError(t, err)

	entries, err := log.ByDate("1999-01-01")
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestRecordAutoFlushesAtThreshold(t *testing.T) {
	dir := t.TempDir()
	log, err := New(Config{Dir: dir, FlushThreshold: 2}, nil)
	require.NoError(t, err)

	log.Record(context.Background(), EntryParams{Action: "a"})
	log.Record(context.Background(), EntryParams{Action: "b"})

	today := todayUTC()
	entries, err := log.ByDate(today)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "reaching the flush threshold must persist without an explicit Flush call")
}

func TestCloseFlushesPendingEntries(t *testing.T) {
	dir := t.TempDir()
	log, err := New(Config{Dir: dir, FlushThreshold: 1000}, nil)
	require.NoError(t, err)

	log.Record(context.Background(), EntryParams{Action: "closing"})
	require.NoError(t, log.Close())

	entries, err := log.ByDate(todayUTC())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
