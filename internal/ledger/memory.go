package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and single-node setups
// without Postgres.
type MemoryStore struct {
	mu       sync.Mutex
	messages []Message
	seen     map[string]bool // "(user,platform,platform_msg_id)" existence set
	topics   map[string]Topic
	summaries map[string]Summary
}

// NewMemoryStore constructs an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seen:      map[string]bool{},
		topics:    map[string]Topic{},
		summaries: map[string]Summary{},
	}
}

func (s *MemoryStore) Init(ctx context.Context) error { return nil }

func syncKey(userID, platform, platformMsgID string) string {
	return userID + "\x00" + platform + "\x00" + platformMsgID
}

func (s *MemoryStore) InsertIfAbsent(ctx context.Context, msgs []Message) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted []Message
	for _, m := range msgs {
		if m.PlatformMsgID != nil {
			key := syncKey(m.UserID, m.Platform, *m.PlatformMsgID)
			if s.seen[key] {
				continue
			}
			s.seen[key] = true
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		s.messages = append(s.messages, m)
		inserted = append(inserted, m)
	}
	return inserted, nil
}

func (s *MemoryStore) Tail(ctx context.Context, userID string, n int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (s *MemoryStore) Messages(ctx context.Context, userID string, filter MessageFilter) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.UserID != userID {
			continue
		}
		if !filter.Since.IsZero() && m.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && m.CreatedAt.After(filter.Until) {
			continue
		}
		if filter.TopicID != "" && (m.TopicID == nil || *m.TopicID != filter.TopicID) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UntaggedMessages(ctx context.Context, userID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.UserID == userID && m.TopicID == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) TopicsRecent(ctx context.Context, userID string, n int) ([]Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Topic
	for _, t := range s.topics {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) TopicMessages(ctx context.Context, topicID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.TopicID != nil && *m.TopicID == topicID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateTopic(ctx context.Context, userID, name string) (Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := Topic{ID: uuid.NewString(), UserID: userID, Name: name, CreatedAt: time.Now().UTC()}
	s.topics[t.ID] = t
	return t, nil
}

func (s *MemoryStore) AssignRange(ctx context.Context, topicID string, start, end time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.messages {
		m := &s.messages[i]
		if (m.CreatedAt.Equal(start) || m.CreatedAt.After(start)) && m.CreatedAt.Before(end) {
			id := topicID
			m.TopicID = &id
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Summaries(ctx context.Context, userID string, filter SummaryFilter) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Summary
	for _, sm := range s.summaries {
		if sm.UserID != userID {
			continue
		}
		if filter.Type != "" && sm.SummaryType != filter.Type {
			continue
		}
		if !filter.From.IsZero() && sm.TimestampBegin.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && sm.TimestampEnd.After(filter.To) {
			continue
		}
		out = append(out, sm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampBegin.After(out[j].TimestampBegin) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateSummary(ctx context.Context, sm Summary) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Idempotence by (user_id, summary_type, window): refuse duplicates.
	for _, existing := range s.summaries {
		if existing.UserID == sm.UserID && existing.SummaryType == sm.SummaryType &&
			existing.TimestampBegin.Equal(sm.TimestampBegin) && existing.TimestampEnd.Equal(sm.TimestampEnd) {
			return existing, nil
		}
	}
	if sm.ID == "" {
		sm.ID = uuid.NewString()
	}
	s.summaries[sm.ID] = sm
	return sm, nil
}

func (s *MemoryStore) DeleteSummaries(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.summaries, id)
	}
	return nil
}

func (s *MemoryStore) ActiveUsers(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, m := range s.messages {
		if !seen[m.UserID] {
			seen[m.UserID] = true
			out = append(out, m.UserID)
		}
	}
	return out, nil
}

func (s *MemoryStore) SweepOrphans(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	referenced := map[string]bool{}
	for _, m := range s.messages {
		if m.TopicID != nil {
			referenced[*m.TopicID] = true
		}
	}
	var swept int64
	for id := range s.topics {
		if !referenced[id] {
			delete(s.topics, id)
			swept++
		}
	}
	return swept, nil
}
