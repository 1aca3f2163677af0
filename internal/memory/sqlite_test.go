package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestSQLiteStoreCreateAndListMemories(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	m, err := store.CreateMemory(ctx, "u1", "likes tea", []string{"tea", "drink"}, "preference")
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)

	listed, err := store.ListMemories(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "likes tea", listed[0].Text)
	require.ElementsMatch(t, []string{"tea", "drink"}, listed[0].Keywords)
}

func TestSQLiteStoreUpdateDeleteMemory(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	m, err := store.CreateMemory(ctx, "u1", "old text", nil, "")
	require.NoError(t, err)

	require.NoError(t, store.UpdateMemoryText(ctx, m.ID, "new text"))
	listed, err := store.ListMemories(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "new text", listed[0].Text)

	require.NoError(t, store.DeleteMemory(ctx, m.ID))
	listed, err = store.ListMemories(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, listed)
}

func TestSQLiteStoreEmbeddingSearch(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	a, err := store.CreateMemory(ctx, "u1", "likes coffee", nil, "")
	require.NoError(t, err)
	b, err := store.CreateMemory(ctx, "u1", "dislikes tea", nil, "")
	require.NoError(t, err)

	require.NoError(t, store.UpdateMemoryEmbedding(ctx, a.ID, []float32{1, 0}))
	require.NoError(t, store.UpdateMemoryEmbedding(ctx, b.ID, []float32{0, 1}))

	found, err := store.SearchByEmbedding(ctx, "u1", []float32{0.9, 0.1}, 1)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "likes coffee", found[0].Text)
}

func TestSQLiteStoreTopicLifecycle(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	m, err := store.CreateMemory(ctx, "u1", "project notes", nil, "")
	require.NoError(t, err)

	store.RegisterTopic(Topic{ID: "t1", Name: "work"})
	store.RegisterTopic(Topic{ID: "t2", Name: "work-old"})
	require.NoError(t, store.AttachTopic(ctx, m.ID, "t2"))

	topics, err := store.TopicsWithMemoryCounts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	require.Equal(t, "t2", topics[0].ID)

	require.NoError(t, store.MergeTopics(ctx, "t1", "work", []string{"t2"}))
	topics, err = store.TopicsWithMemoryCounts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	require.Equal(t, "t1", topics[0].ID)
	require.Equal(t, "work", topics[0].Name)
}
