package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	memories     []Memory
	updated      map[string]string
	deleted      map[string]bool
	topics       []Topic
	mergedPrimary string
	mergedSecondaries []string
}

func newFakeStore(memories []Memory) *fakeStore {
	return &fakeStore{memories: memories, updated: map[string]string{}, deleted: map[string]bool{}}
}

func (s *fakeStore) Init(ctx context.Context) error { return nil }

func (s *fakeStore) ListMemories(ctx context.Context, userID string) ([]Memory, error) {
	var out []Memory
	for _, m := range s.memories {
		if !s.deleted[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateMemory(ctx context.Context, userID, text string, keywords []string, category string) (Memory, error) {
	return Memory{ID: "new", UserID: userID, Text: text, Keywords: keywords, Category: category}, nil
}

func (s *fakeStore) UpdateMemoryText(ctx context.Context, id, text string) error {
	s.updated[id] = text
	return nil
}

func (s *fakeStore) DeleteMemory(ctx context.Context, id string) error {
	s.deleted[id] = true
	return nil
}

func (s *fakeStore) AttachTopic(ctx context.Context, memoryID, topicID string) error { return nil }

func (s *fakeStore) UpdateMemoryEmbedding(ctx context.Context, id string, embedding []float32) error {
	return nil
}

func (s *fakeStore) SearchByEmbedding(ctx context.Context, userID string, query []float32, limit int) ([]Memory, error) {
	return nil, nil
}

func (s *fakeStore) TopicsWithMemoryCounts(ctx context.Context, minCount int) ([]Topic, error) {
	var out []Topic
	for _, t := range s.topics {
		if t.MemoryCount >= minCount {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) MergeTopics(ctx context.Context, primaryID, finalName string, secondaryIDs []string) error {
	s.mergedPrimary = primaryID
	s.mergedSecondaries = secondaryIDs
	return nil
}

type fakeMerger struct {
	groupDecision MergeDecision
	groupOK       bool
	topicDecision TopicMergeDecision
	topicOK       bool
}

func (m *fakeMerger) MergeGroup(ctx context.Context, group []Memory) (MergeDecision, bool) {
	return m.groupDecision, m.groupOK
}

func (m *fakeMerger) ChooseTopicMerge(ctx context.Context, topics []Topic) (TopicMergeDecision, bool) {
	return m.topicDecision, m.topicOK
}

func TestGroupByKeywordOverlapFormsOneGroupOfThree(t *testing.T) {
	m1 := Memory{ID: "m1", Keywords: []string{"a", "b", "c"}}
	m2 := Memory{ID: "m2", Keywords: []string{"a", "b", "d"}}
	m3 := Memory{ID: "m3", Keywords: []string{"b", "c", "d"}}
	m4 := Memory{ID: "m4", Keywords: []string{"x", "y"}}

	groups := GroupByKeywordOverlap([]Memory{m1, m2, m3, m4}, 2)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Memories, 3)
	ids := map[string]bool{}
	for _, m := range groups[0].Memories {
		ids[m.ID] = true
	}
	require.True(t, ids["m1"] && ids["m2"] && ids["m3"])
	require.False(t, ids["m4"])
}

func TestRunKeywordDedupAppliesUpdateThenDelete(t *testing.T) {
	store := newFakeStore([]Memory{
		{ID: "m1", Keywords: []string{"a", "b", "c"}},
		{ID: "m2", Keywords: []string{"a", "b", "d"}},
	})
	merger := &fakeMerger{groupOK: true, groupDecision: MergeDecision{
		Update: map[string]string{"m1": "merged text"},
		Delete: []string{"m2"},
	}}
	eng := New(store, nil, merger, Config{MinSharedKeywords: 2})

	plan, err := eng.RunKeywordDedup(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, plan.Groups, 1)
	require.True(t, plan.Groups[0].Applied)
	require.Equal(t, "merged text", store.updated["m1"])
	require.True(t, store.deleted["m2"])
}

func TestRunKeywordDedupSkipsGroupOnMalformedDecision(t *testing.T) {
	store := newFakeStore([]Memory{
		{ID: "m1", Keywords: []string{"a", "b", "c"}},
		{ID: "m2", Keywords: []string{"a", "b", "d"}},
	})
	merger := &fakeMerger{groupOK: false}
	eng := New(store, nil, merger, Config{MinSharedKeywords: 2})

	plan, err := eng.RunKeywordDedup(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, plan.Groups, 1)
	require.False(t, plan.Groups[0].Applied)
	require.Empty(t, store.deleted)
}

func TestApplyGroupAbortsDeleteWhenAnUpdateFails(t *testing.T) {
	store := newFakeStore([]Memory{{ID: "m1"}, {ID: "m2"}})
	failingStore := &failingUpdateStore{fakeStore: store}
	eng := New(failingStore, nil, &fakeMerger{}, Config{})

	g := PlannedMerge{
		MemoryIDs: []string{"m1", "m2"},
		Decision: MergeDecision{
			Update: map[string]string{"m1": "text"},
			Delete: []string{"m2"},
		},
	}
	eng.applyGroup(context.Background(), &g)
	require.False(t, g.Applied)
	require.Empty(t, store.deleted)
}

type failingUpdateStore struct {
	*fakeStore
}

func (s *failingUpdateStore) UpdateMemoryText(ctx context.Context, id, text string) error {
	return errUpdateFailed
}

var errUpdateFailed = &updateFailedError{}

type updateFailedError struct{}

func (e *updateFailedError) Error() string { return "update failed" }
