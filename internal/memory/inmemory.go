package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// InMemoryStore is a Store implementation backed by in-process maps, used in
// tests and for running the engine without a database.
type InMemoryStore struct {
	mu       sync.Mutex
	memories map[string]Memory
	topics   map[string]Topic
	byTopic  map[string]map[string]bool // topicID -> memoryID -> true
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		memories: map[string]Memory{},
		topics:   map[string]Topic{},
		byTopic:  map[string]map[string]bool{},
	}
}

func (s *InMemoryStore) Init(ctx context.Context) error { return nil }

func (s *InMemoryStore) ListMemories(ctx context.Context, userID string) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Memory
	for _, m := range s.memories {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateMemory(ctx context.Context, userID, text string, keywords []string, category string) (Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Memory{ID: uuid.NewString(), UserID: userID, Text: text, Keywords: keywords, Category: category}
	s.memories[m.ID] = m
	return m, nil
}

func (s *InMemoryStore) UpdateMemoryText(ctx context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return nil
	}
	m.Text = text
	s.memories[id] = m
	return nil
}

func (s *InMemoryStore) DeleteMemory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memories, id)
	for topicID, members := range s.byTopic {
		delete(members, id)
		_ = topicID
	}
	return nil
}

func (s *InMemoryStore) AttachTopic(ctx context.Context, memoryID, topicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[memoryID]
	if !ok {
		return nil
	}
	for _, id := range m.TopicIDs {
		if id == topicID {
			return nil
		}
	}
	m.TopicIDs = append(m.TopicIDs, topicID)
	s.memories[memoryID] = m
	if s.byTopic[topicID] == nil {
		s.byTopic[topicID] = map[string]bool{}
	}
	s.byTopic[topicID][memoryID] = true
	return nil
}

func (s *InMemoryStore) UpdateMemoryEmbedding(ctx context.Context, id string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return nil
	}
	m.Embedding = embedding
	s.memories[id] = m
	return nil
}

func (s *InMemoryStore) SearchByEmbedding(ctx context.Context, userID string, query []float32, limit int) ([]Memory, error) {
	s.mu.Lock()
	var candidates []Memory
	for _, m := range s.memories {
		if m.UserID == userID && m.Embedding != nil {
			candidates = append(candidates, m)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		return CosineSimilarity(query, candidates[i].Embedding) > CosineSimilarity(query, candidates[j].Embedding)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// RegisterTopic lets callers (or the ledger) register a topic name/id this
// store should count associations against; memory.Store does not own topic
// creation itself.
func (s *InMemoryStore) RegisterTopic(t Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[t.ID] = t
}

func (s *InMemoryStore) TopicsWithMemoryCounts(ctx context.Context, minCount int) ([]Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Topic
	for id, t := range s.topics {
		count := len(s.byTopic[id])
		if count >= minCount {
			t.MemoryCount = count
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *InMemoryStore) MergeTopics(ctx context.Context, primaryID, finalName string, secondaryIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.topics[primaryID]; ok {
		t.Name = finalName
		s.topics[primaryID] = t
	}
	if s.byTopic[primaryID] == nil {
		s.byTopic[primaryID] = map[string]bool{}
	}
	for _, secondary := range secondaryIDs {
		for memberID := range s.byTopic[secondary] {
			s.byTopic[primaryID][memberID] = true
			m := s.memories[memberID]
			m.TopicIDs = replaceTopicID(m.TopicIDs, secondary, primaryID)
			s.memories[memberID] = m
		}
		delete(s.byTopic, secondary)
		delete(s.topics, secondary)
	}
	return nil
}

func replaceTopicID(ids []string, old, replacement string) []string {
	out := make([]string, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		if id == old {
			id = replacement
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
