package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunTopicDedupMergesClusterKeepingLargerTopic(t *testing.T) {
	store := newFakeStore(nil)
	store.topics = []Topic{
		{ID: "t1", Name: "Cooking", MemoryCount: 5},
		{ID: "t2", Name: "Cuisine", MemoryCount: 2},
		{ID: "t3", Name: "Astronomy", MemoryCount: 3},
	}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"Cooking":   {1, 0},
		"Cuisine":   {0.98, 0.02},
		"Astronomy": {0, 1},
	}}
	merger := &fakeMerger{topicOK: true, topicDecision: TopicMergeDecision{
		PrimaryID: "t1", FinalName: "Cooking", SecondaryIDs: []string{"t2"},
	}}
	eng := New(store, embedder, merger, Config{SimilarityThreshold: 0.9, MinSamples: 2, MinMemoryCount: 1})

	plans, err := eng.RunTopicDedup(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 1)
	require.Equal(t, "t1", store.mergedPrimary)
	require.Equal(t, []string{"t2"}, store.mergedSecondaries)
}

func TestRunTopicDedupFallsBackOnMalformedDecision(t *testing.T) {
	store := newFakeStore(nil)
	store.topics = []Topic{
		{ID: "t1", Name: "Cooking", MemoryCount: 5},
		{ID: "t2", Name: "Cuisine", MemoryCount: 2},
	}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"Cooking": {1, 0},
		"Cuisine": {0.98, 0.02},
	}}
	merger := &fakeMerger{topicOK: false}
	eng := New(store, embedder, merger, Config{SimilarityThreshold: 0.9, MinSamples: 2, MinMemoryCount: 1})

	plans, err := eng.RunTopicDedup(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 1)
	require.True(t, plans[0].Fallback)
	require.Equal(t, "t1", store.mergedPrimary)
}
