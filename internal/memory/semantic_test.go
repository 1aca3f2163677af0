package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vectors[t]
	}
	return out, nil
}

func TestRunSemanticDedupMergesCloseVectors(t *testing.T) {
	store := newFakeStore([]Memory{
		{ID: "m1", Text: "likes coffee"},
		{ID: "m2", Text: "enjoys coffee"},
		{ID: "m3", Text: "dislikes tea"},
	})
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"likes coffee":  {1, 0},
		"enjoys coffee": {0.99, 0.01},
		"dislikes tea":  {0, 1},
	}}
	merger := &fakeMerger{groupOK: true, groupDecision: MergeDecision{
		Update: map[string]string{"m1": "coffee fan"},
		Delete: []string{"m2"},
	}}
	eng := New(store, embedder, merger, Config{SimilarityThreshold: 0.9, MinSamples: 2})

	plan, err := eng.RunSemanticDedup(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, plan.Groups, 1)
	require.True(t, plan.Groups[0].Applied)
	require.True(t, store.deleted["m2"])
	require.False(t, store.deleted["m3"])
}

func TestRunSemanticDedupNoClusterWhenTooFewMemories(t *testing.T) {
	store := newFakeStore([]Memory{{ID: "m1", Text: "solo"}})
	eng := New(store, &fakeEmbedder{}, &fakeMerger{}, Config{})

	plan, err := eng.RunSemanticDedup(context.Background(), "u1")
	require.NoError(t, err)
	require.Empty(t, plan.Groups)
}
