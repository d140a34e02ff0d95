package memory

import (
	"testing"
	"time"

	"github.com/ailinux/llmesh/internal/meshtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreDefaultsConfidenceAndVersion(t *testing.T) {
	store, err := New(Config{}, nil)
	require.NoError(t, err)

	entry := store.Store(StoreParams{Content: "the sky is blue", Type: meshtypes.MemoryFact})
	assert.Equal(t, 0.8, entry.Confidence)
	assert.Equal(t, 1, entry.Version)
	assert.NotEmpty(t, entry.ID)
}

func TestStoreSetsExpiryFromTTL(t *testing.T) {
	store, err := New(Config{}, nil)
	require.NoError(t, err)

	entry := store.Store(StoreParams{Content: "short lived", TTL: time.Millisecond})
	require.NotNil(t, entry.ExpiresAt)
	time.Sleep(5 * time.Millisecond)
	assert.True(t, entry.Expired(time.Now().UTC()))
}

func TestRecallFiltersByProjectTypeAndConfidence(t *testing.T) {
	store, err := New(Config{}, nil)
	require.NoError(t, err)

	store.Store(StoreParams{Content: "alpha fact", Type: meshtypes.MemoryFact, ProjectID: "proj-a", Confidence: 0.9})
	store.Store(StoreParams{Content: "beta decision", Type: meshtypes.MemoryDecision, ProjectID: "proj-a", Confidence: 0.3})
	store.Store(StoreParams{Content: "gamma fact", Type: meshtypes.MemoryFact, ProjectID: "proj-b", Confidence: 0.9})

	results := store.Recall(RecallParams{ProjectID: "proj-a", Type: meshtypes.MemoryFact, MinConfidence: 0.5})
	require.Len(t, results, 1)
	assert.Equal(t, "alpha fact", results[0].Content)
}

func TestRecallOrdersByConfidenceThenRecency(t *testing.T) {
	store, err := New(Config{}, nil)
	require.NoError(t, err)

	store.Store(StoreParams{Content: "low", Confidence: 0.2})
	store.Store(StoreParams{Content: "high", Confidence: 0.9})

	results := store.Recall(RecallParams{})
	require.Len(t, results, 2)
	assert.Equal(t, "high", results[0].Content)
}

func TestRecallExcludesExpiredByDefault(t *testing.T) {
	store, err := New(Config{}, nil)
	require.NoError(t, err)

	store.Store(StoreParams{Content: "fresh", Confidence: 0.5})
	expired := store.Store(StoreParams{Content: "stale", Confidence: 0.5, TTL: time.Millisecond})
	time.Sleep(5 * time.Millisecond)

	results := store.Recall(RecallParams{})
	assert.Len(t, results, 1)

	withExpired := store.Recall(RecallParams{IncludeExpired: true})
	ids := make(map[string]bool)
	for _, r := range withExpired {
		ids[r.ID] = true
	}
	assert.True(t, ids[expired.ID])
}

func TestRecallMatchesQueryAgainstContentKeywordsAndTags(t *testing.T) {
	store, err := New(Config{}, nil)
	require.NoError(t, err)
	store.Store(StoreParams{Content: "nothing relevant", Keywords: []string{"outage"}, Tags: []string{"incident"}})

	byKeyword := store.Recall(RecallParams{Query: "outage"})
	assert.Len(t, byKeyword, 1)

	byTag := store.Recall(RecallParams{Tags: []string{"incident"}})
	assert.Len(t, byTag, 1)

	noMatch := store.Recall(RecallParams{Query: "unrelated-term"})
	assert.Empty(t, noMatch)
}

func TestUpdateCreatesNewVersionAndPreservesHistory(t *testing.T) {
	store, err := New(Config{}, nil)
	require.NoError(t, err)

	original := store.Store(StoreParams{Content: "v1"})
	newConf := 0.95
	updated := store.Update(original.ID, UpdateParams{Content: "v2", Confidence: &newConf})
	require.NotNil(t, updated)

	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, original.ID, updated.PreviousVersionID)
	assert.Equal(t, "v2", updated.Content)

	history := store.History(original.ID)
	require.Len(t, history, 2)
	assert.Equal(t, original.ID, history[0].ID)
	assert.Equal(t, updated.ID, history[1].ID)

	// the original entry itself is untouched
	assert.Equal(t, "v1", store.Get(original.ID).Content)
}

func TestUpdateUnknownIDReturnsNil(t *testing.T) {
	store, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.Nil(t, store.Update("does-not-exist", UpdateParams{}))
}

func TestValidateRaisesConfidenceOncePerEndorser(t *testing.T) {
	store, err := New(Config{}, nil)
	require.NoError(t, err)
	entry := store.Store(StoreParams{Content: "x", Confidence: 0.5})

	store.Validate(entry.ID, "gemini")
	assert.InDelta(t, 0.55, store.Get(entry.ID).Confidence, 0.0001)

	store.Validate(entry.ID, "gemini")
	assert.InDelta(t, 0.55, store.Get(entry.ID).Confidence, 0.0001, "the same endorser validating twice must not double-count")

	store.Validate(entry.ID, "claude")
	assert.InDelta(t, 0.60, store.Get(entry.ID).Confidence, 0.0001)
}

func TestValidateCapsConfidenceAtOne(t *testing.T) {
	store, err := New(Config{}, nil)
	require.NoError(t, err)
	entry := store.Store(StoreParams{Content: "x", Confidence: 0.99})

	store.Validate(entry.ID, "gemini")
	assert.Equal(t, 1.0, store.Get(entry.ID).Confidence)
}

func TestInvalidateLowersConfidenceFlooredAtZero(t *testing.T) {
	store, err := New(Config{}, nil)
	require.NoError(t, err)
	entry := store.Store(StoreParams{Content: "x", Confidence: 0.03})

	store.Invalidate(entry.ID)
	assert.Equal(t, 0.0, store.Get(entry.ID).Confidence)
}

func TestDeleteRemovesEntryAndIndexes(t *testing.T) {
	store, err := New(Config{}, nil)
	require.NoError(t, err)
	entry := store.Store(StoreParams{Content: "x", ProjectID: "proj-a", Tags: []string{"t1"}})

	assert.True(t, store.Delete(entry.ID))
	assert.Nil(t, store.Get(entry.ID))
	assert.False(t, store.Delete(entry.ID), "deleting an already-removed id must return false")
}

func TestCleanupExpiredRemovesOnlyExpiredEntries(t *testing.T) {
	store, err := New(Config{}, nil)
	require.NoError(t, err)
	store.Store(StoreParams{Content: "keep"})
	store.Store(StoreParams{Content: "drop", TTL: time.Millisecond})
	time.Sleep(5 * time.Millisecond)

	removed := store.CleanupExpired()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Stats().Total)
}

func TestStatsAggregatesByTypeAndProject(t *testing.T) {
	store, err := New(Config{}, nil)
	require.NoError(t, err)
	store.Store(StoreParams{Content: "a", Type: meshtypes.MemoryFact, ProjectID: "proj-a", Confidence: 0.5})
	store.Store(StoreParams{Content: "b", Type: meshtypes.MemoryFact, Confidence: 0.5})

	stats := store.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByType[string(meshtypes.MemoryFact)])
	assert.Equal(t, 1, stats.ByProject["proj-a"])
	assert.Equal(t, 1, stats.ByProject["global"])
	assert.InDelta(t, 0.5, stats.AvgConfidence, 0.0001)
}

func TestEvictIfOverCapacityDropsOldestFirst(t *testing.T) {
	store, err := New(Config{MaxEntries: 2}, nil)
	require.NoError(t, err)

	first := store.Store(StoreParams{Content: "first"})
	store.Store(StoreParams{Content: "second"})
	store.Store(StoreParams{Content: "third"})

	assert.Equal(t, 2, store.Stats().Total)
	assert.Nil(t, store.Get(first.ID), "the oldest entry must be evicted once capacity is exceeded")
}

func TestNewRehydratesFromPersistedFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := New(Config{Dir: dir}, nil)
	require.NoError(t, err)
	stored := store.Store(StoreParams{Content: "durable fact", ProjectID: "proj-a"})

	reopened, err := New(Config{Dir: dir}, nil)
	require.NoError(t, err)
	got := reopened.Get(stored.ID)
	require.NotNil(t, got)
	assert.Equal(t, "durable fact", got.Content)
}
