package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"aegis/internal/llm"

	"github.com/rs/zerolog/log"
)

// MemorySink is the narrow slice of the memory engine (C4) the review job
// needs; kept here instead of importing the memory package to avoid a
// C3->C4 dependency cycle (C4 depends on nothing in the ledger).
type MemorySink interface {
	CreateMemory(ctx context.Context, userID, text string, keywords []string, category string) (string, error)
	AttachTopic(ctx context.Context, memoryID, topicID string) error
}

type reviewTopic struct {
	Topic     string          `json:"topic"`
	Start     time.Time       `json:"start"`
	End       time.Time       `json:"end"`
	Memories  []reviewMemory  `json:"memories"`
}

type reviewMemory struct {
	Text     string   `json:"text"`
	Keywords []string `json:"keywords"`
	Category string   `json:"category"`
}

type reviewResponse struct {
	Topics []reviewTopic `json:"topics"`
}

// ReviewLog is the spec §4.3 background job: for each active user, it looks
// at untagged messages plus the most recent topic's tail, asks the model for
// topic shifts and candidate memories, and materializes both.
func ReviewLog(ctx context.Context, l *Ledger, provider llm.Provider, model string, sink MemorySink) error {
	users, err := l.store.ActiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("list active users: %w", err)
	}
	for _, userID := range users {
		if err := reviewUser(ctx, l, provider, model, sink, userID); err != nil {
			log.Error().Str("user_id", userID).Err(err).Msg("review_log failed for user")
		}
	}
	return nil
}

func reviewUser(ctx context.Context, l *Ledger, provider llm.Provider, model string, sink MemorySink, userID string) error {
	untagged, err := l.store.UntaggedMessages(ctx, userID)
	if err != nil {
		return err
	}
	recentTopics, err := l.store.TopicsRecent(ctx, userID, 1)
	if err != nil {
		return err
	}
	var tail []Message
	if len(recentTopics) > 0 {
		tail, err = l.store.TopicMessages(ctx, recentTopics[0].ID)
		if err != nil {
			return err
		}
	}
	all := append(append([]Message{}, tail...), untagged...)
	if len(all) == 0 {
		return nil
	}

	var transcript strings.Builder
	for _, m := range all {
		fmt.Fprintf(&transcript, "[%s] %s: %s\n", m.CreatedAt.Format(time.RFC3339), m.Role, m.Content)
	}

	prompt := reviewPrompt(transcript.String())
	resp, err := provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: reviewSystemPrompt},
		{Role: "user", Content: prompt},
	}, nil, model, llm.Options{})
	if err != nil {
		return fmt.Errorf("review_log llm call: %w", err)
	}

	parsed, ok := parseReviewResponse(resp.Message.Content)
	if !ok {
		log.Warn().Str("user_id", userID).Msg("review_log: malformed LLM JSON, skipping this user")
		return nil
	}

	for _, t := range parsed.Topics {
		topic, err := l.store.CreateTopic(ctx, userID, t.Topic)
		if err != nil {
			log.Error().Err(err).Msg("review_log: create topic failed")
			continue
		}
		if _, err := l.store.AssignRange(ctx, topic.ID, t.Start, t.End); err != nil {
			log.Error().Err(err).Msg("review_log: assign range failed")
		}
		for _, mem := range t.Memories {
			id, err := sink.CreateMemory(ctx, userID, mem.Text, mem.Keywords, mem.Category)
			if err != nil {
				log.Error().Err(err).Msg("review_log: create memory failed")
				continue
			}
			if err := sink.AttachTopic(ctx, id, topic.ID); err != nil {
				log.Error().Err(err).Msg("review_log: attach topic failed")
			}
		}
	}
	return nil
}

const reviewSystemPrompt = `You review a user's recent conversation and identify major topic shifts and durable facts worth remembering. Respond with strict JSON only, no prose.`

func reviewPrompt(transcript string) string {
	return "Transcript:\n" + transcript + "\n\nRespond with JSON: " +
		`{"topics":[{"topic":"name","start":"RFC3339","end":"RFC3339","memories":[{"text":"...","keywords":["..."],"category":"..."}]}]}`
}

func parseReviewResponse(content string) (reviewResponse, bool) {
	content = strings.TrimSpace(content)
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end < start {
		return reviewResponse{}, false
	}
	var out reviewResponse
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return reviewResponse{}, false
	}
	return out, true
}
