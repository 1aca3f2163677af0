package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"aegis/internal/llm"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Merger is the LLM dependency both keyword and semantic memory dedup use to
// decide, for one group of candidate-duplicate memories, which survive with
// rewritten text and which are deleted.
type Merger interface {
	// MergeGroup asks the model to return {update, delete} for the group and
	// returns the parsed decision. A malformed response must not error the
	// caller into crashing; parseMergeDecision below is what enforces that.
	MergeGroup(ctx context.Context, group []Memory) (MergeDecision, bool)
	// ChooseTopicMerge asks the model to pick a primary topic id/name for a
	// cluster of similar topics.
	ChooseTopicMerge(ctx context.Context, topics []Topic) (TopicMergeDecision, bool)
}

// MergeDecision is the memory-level dedup verdict for one group.
type MergeDecision struct {
	Update map[string]string `json:"update"` // mem_id -> new_text
	Delete []string          `json:"delete"` // mem_id
}

// TopicMergeDecision is the topic-level dedup verdict for one cluster.
type TopicMergeDecision struct {
	PrimaryID   string   `json:"primary_id"`
	FinalName   string   `json:"final_name"`
	SecondaryIDs []string `json:"secondary_ids"`
}

var mergeDecisionSchema = compileSchema(`{
  "type": "object",
  "properties": {
    "update": {"type": "object", "additionalProperties": {"type": "string"}},
    "delete": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["update", "delete"]
}`)

var topicMergeSchema = compileSchema(`{
  "type": "object",
  "properties": {
    "primary_id": {"type": "string"},
    "final_name": {"type": "string"},
    "secondary_ids": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["primary_id", "final_name", "secondary_ids"]
}`)

func compileSchema(src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", mustUnmarshalSchema(src)); err != nil {
		panic(err)
	}
	s, err := c.Compile("schema.json")
	if err != nil {
		panic(err)
	}
	return s
}

func mustUnmarshalSchema(src string) any {
	var v any
	if err := json.Unmarshal([]byte(src), &v); err != nil {
		panic(err)
	}
	return v
}

// LLMMerger is the default Merger, grounded on spec §4.4's requirement that
// every JSON-expecting LLM interaction validate the parsed response
// defensively before use.
type LLMMerger struct {
	provider llm.Provider
	model    string
}

// NewLLMMerger constructs a Merger dispatching through provider/model.
func NewLLMMerger(provider llm.Provider, model string) *LLMMerger {
	return &LLMMerger{provider: provider, model: model}
}

func (m *LLMMerger) MergeGroup(ctx context.Context, group []Memory) (MergeDecision, bool) {
	prompt := buildMergePrompt(group)
	resp, err := m.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: "Return strict JSON only: {\"update\": {mem_id: new_text}, \"delete\": [mem_id]}."},
		{Role: "user", Content: prompt},
	}, nil, m.model, llm.Options{})
	if err != nil {
		log.Warn().Err(err).Msg("memory dedup: merge group llm call failed")
		return MergeDecision{}, false
	}
	return parseMergeDecision(resp.Message.Content)
}

func buildMergePrompt(group []Memory) string {
	var b strings.Builder
	b.WriteString("Candidate duplicate memories:\n")
	for _, m := range group {
		fmt.Fprintf(&b, "- id=%s text=%q keywords=%v\n", m.ID, m.Text, m.Keywords)
	}
	return b.String()
}

func parseMergeDecision(content string) (MergeDecision, bool) {
	raw, ok := extractJSONObject(content)
	if !ok {
		return MergeDecision{}, false
	}
	var inst any
	if err := json.Unmarshal(raw, &inst); err != nil {
		return MergeDecision{}, false
	}
	if err := mergeDecisionSchema.Validate(inst); err != nil {
		log.Warn().Err(err).Msg("memory dedup: merge decision failed schema validation")
		return MergeDecision{}, false
	}
	var decision MergeDecision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return MergeDecision{}, false
	}
	return decision, true
}

func (m *LLMMerger) ChooseTopicMerge(ctx context.Context, topics []Topic) (TopicMergeDecision, bool) {
	var b strings.Builder
	b.WriteString("Candidate duplicate topics:\n")
	for _, t := range topics {
		fmt.Fprintf(&b, "- id=%s name=%q memory_count=%d\n", t.ID, t.Name, t.MemoryCount)
	}
	resp, err := m.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: "Return strict JSON only: {\"primary_id\": id, \"final_name\": name, \"secondary_ids\": [id,...]}."},
		{Role: "user", Content: b.String()},
	}, nil, m.model, llm.Options{})
	if err != nil {
		log.Warn().Err(err).Msg("memory dedup: topic merge llm call failed")
		return TopicMergeDecision{}, false
	}
	return parseTopicMergeDecision(resp.Message.Content)
}

func parseTopicMergeDecision(content string) (TopicMergeDecision, bool) {
	raw, ok := extractJSONObject(content)
	if !ok {
		return TopicMergeDecision{}, false
	}
	var inst any
	if err := json.Unmarshal(raw, &inst); err != nil {
		return TopicMergeDecision{}, false
	}
	if err := topicMergeSchema.Validate(inst); err != nil {
		log.Warn().Err(err).Msg("memory dedup: topic merge decision failed schema validation")
		return TopicMergeDecision{}, false
	}
	var decision TopicMergeDecision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return TopicMergeDecision{}, false
	}
	return decision, true
}

func extractJSONObject(content string) ([]byte, bool) {
	content = strings.TrimSpace(content)
	start := bytes.IndexByte([]byte(content), '{')
	end := bytes.LastIndexByte([]byte(content), '}')
	if start == -1 || end == -1 || end < start {
		return nil, false
	}
	return []byte(content[start : end+1]), true
}

// FallbackTopicMerge is the deterministic rule used when the LLM's JSON is
// malformed: keep the topic with the most memories, keep its original name.
func FallbackTopicMerge(topics []Topic) TopicMergeDecision {
	primary := topics[0]
	for _, t := range topics[1:] {
		if t.MemoryCount > primary.MemoryCount {
			primary = t
		}
	}
	var secondaries []string
	for _, t := range topics {
		if t.ID != primary.ID {
			secondaries = append(secondaries, t.ID)
		}
	}
	return TopicMergeDecision{PrimaryID: primary.ID, FinalName: primary.Name, SecondaryIDs: secondaries}
}
