package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestSyncIsIdempotentByPlatformMsgID(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, 10)
	ctx := context.Background()

	snapshot := []Message{
		{UserID: "u1", Platform: "discord", PlatformMsgID: strPtr("d-1"), Role: "user", Content: "hi"},
	}
	_, err := l.Sync(ctx, "u1", snapshot)
	require.NoError(t, err)
	tail2, err := l.Sync(ctx, "u1", snapshot)
	require.NoError(t, err)
	require.Len(t, tail2, 1)
}

func TestSyncAlwaysAppendsMessagesWithoutPlatformMsgID(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, 10)
	ctx := context.Background()

	msg := Message{UserID: "u1", Platform: "api", Role: "user", Content: "hi"}
	_, err := l.Sync(ctx, "u1", []Message{msg})
	require.NoError(t, err)
	tail, err := l.Sync(ctx, "u1", []Message{msg})
	require.NoError(t, err)
	require.Len(t, tail, 2)
}

func TestTailRespectsBufferWindow(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, 2)
	ctx := context.Background()
	var snap []Message
	for i := 0; i < 5; i++ {
		snap = append(snap, Message{UserID: "u1", Platform: "api", Role: "user", Content: "msg"})
	}
	tail, err := l.Sync(ctx, "u1", snap)
	require.NoError(t, err)
	require.Len(t, tail, 2)
}

func TestSanitizeContentStripsDetailsBlocks(t *testing.T) {
	in := "  hello <details><summary>x</summary>secret</details> world  "
	require.Equal(t, "hello  world", SanitizeContent(in))
}

func TestRecentSummaryBlockLabelsNonDailyWithDate(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, 10)
	ctx := context.Background()
	begin := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	_, err := store.CreateSummary(ctx, Summary{UserID: "u1", Content: "woke up", SummaryType: SummaryMorning, TimestampBegin: begin, TimestampEnd: begin.Add(4 * time.Hour)})
	require.NoError(t, err)

	block, err := l.RecentSummaryBlock(ctx, "u1", 4)
	require.NoError(t, err)
	require.Contains(t, block, "MORNING (2026-01-02)")
	require.Contains(t, block, "woke up")
}

func TestAssignRangeMovesMatchingMessagesOnly(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.messages = []Message{
		{ID: "m1", UserID: "u1", CreatedAt: base},
		{ID: "m2", UserID: "u1", CreatedAt: base.Add(time.Hour)},
		{ID: "m3", UserID: "u1", CreatedAt: base.Add(3 * time.Hour)},
	}
	topic, err := store.CreateTopic(ctx, "u1", "morning chat")
	require.NoError(t, err)
	n, err := store.AssignRange(ctx, topic.ID, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestSweepOrphansRemovesUnreferencedTopics(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, err := store.CreateTopic(ctx, "u1", "orphan")
	require.NoError(t, err)
	swept, err := store.SweepOrphans(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, swept)
}
