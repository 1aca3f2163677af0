package ledger

import (
	"context"
	"testing"
	"time"

	"aegis/internal/llm"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	content string
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, opts llm.Options) (llm.ProxyResponse, error) {
	return llm.ProxyResponse{Message: llm.Message{Role: "assistant", Content: f.content}}, nil
}

type fakeSink struct {
	created  []string
	attached map[string]string
}

func (f *fakeSink) CreateMemory(ctx context.Context, userID, text string, keywords []string, category string) (string, error) {
	f.created = append(f.created, text)
	return "mem-" + text, nil
}
func (f *fakeSink) AttachTopic(ctx context.Context, memoryID, topicID string) error {
	if f.attached == nil {
		f.attached = map[string]string{}
	}
	f.attached[memoryID] = topicID
	return nil
}

func TestReviewLogCreatesTopicsAndMemories(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, 10)
	ctx := context.Background()
	_, err := store.InsertIfAbsent(ctx, []Message{
		{UserID: "u1", Platform: "api", Role: "user", Content: "I started a new job"},
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	content := `{"topics":[{"topic":"Career","start":"` + now.Add(-time.Hour).Format(time.RFC3339) + `","end":"` + now.Add(time.Hour).Format(time.RFC3339) + `","memories":[{"text":"started new job","keywords":["job","career"],"category":"Career"}]}]}`
	provider := &fakeProvider{content: content}
	sink := &fakeSink{}

	err = ReviewLog(ctx, l, provider, "gpt-4o-mini", sink)
	require.NoError(t, err)
	require.Equal(t, []string{"started new job"}, sink.created)
}

func TestReviewLogSkipsUserOnMalformedJSON(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, 10)
	ctx := context.Background()
	_, err := store.InsertIfAbsent(ctx, []Message{{UserID: "u1", Platform: "api", Role: "user", Content: "hi"}})
	require.NoError(t, err)

	provider := &fakeProvider{content: "not json at all"}
	sink := &fakeSink{}
	err = ReviewLog(ctx, l, provider, "gpt-4o-mini", sink)
	require.NoError(t, err)
	require.Empty(t, sink.created)
}
