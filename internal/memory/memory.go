// Package memory is the C4 Memory Engine: keyword-overlap and
// embedding-cluster deduplication of memories, plus semantic topic merge,
// each LLM-assisted and defensive against malformed model output.
package memory

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Memory is a durable fact extracted from conversation (spec §3 Memory).
type Memory struct {
	ID        string
	UserID    string
	Text      string
	Keywords  []string // lowercased, deduplicated, sorted
	Category  string
	Priority  float64
	CreatedAt time.Time
	TopicIDs  []string
	Embedding []float32 // stored by CreateMemory's backfill; PostgresStore reads leave it nil
}

// NormalizeKeywords lowercases, deduplicates and sorts a keyword set; stable
// under repeated application (spec §8 round-trip law).
func NormalizeKeywords(raw []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Topic is a named bucket of memories, as seen by the dedup engine (a
// thinner view than ledger.Topic: it only needs name + associated count).
type Topic struct {
	ID           string
	Name         string
	CreatedAt    time.Time
	MemoryCount  int
}

// Store is the persistence boundary C4 owns exclusively (spec §3 Ownership).
type Store interface {
	Init(ctx context.Context) error

	ListMemories(ctx context.Context, userID string) ([]Memory, error)
	CreateMemory(ctx context.Context, userID, text string, keywords []string, category string) (Memory, error)
	UpdateMemoryText(ctx context.Context, id, text string) error
	DeleteMemory(ctx context.Context, id string) error
	AttachTopic(ctx context.Context, memoryID, topicID string) error

	// UpdateMemoryEmbedding persists the embedding vector computed for a
	// memory's text, so later turns can be answered with a similarity search
	// instead of recomputing every memory's vector.
	UpdateMemoryEmbedding(ctx context.Context, id string, embedding []float32) error
	// SearchByEmbedding returns the limit memories owned by userID closest to
	// query by vector distance, nearest first. Memories with no stored
	// embedding yet are excluded.
	SearchByEmbedding(ctx context.Context, userID string, query []float32, limit int) ([]Memory, error)

	// TopicsWithMemoryCounts lists topics having at least minCount associated
	// memories, for semantic topic dedup eligibility.
	TopicsWithMemoryCounts(ctx context.Context, minCount int) ([]Topic, error)
	// MergeTopics renames primaryID to finalName and atomically moves every
	// memory association from each id in secondaryIDs onto primaryID,
	// skipping associations that already exist, then deletes the secondary
	// topics. Aborts (returns an error, no partial effect) if any secondary
	// still has associations after the move.
	MergeTopics(ctx context.Context, primaryID, finalName string, secondaryIDs []string) error
}

// Engine wires Store + Embedder + an LLM provider into the three dedup
// families spec §4.4 describes.
type Engine struct {
	store    Store
	embedder Embedder
	merger   Merger
	cfg      Config
}

// Config carries the tunable thresholds (spec config.dedup).
type Config struct {
	MinSharedKeywords    int
	MaxGroupsToProcess   int
	MaxMemoriesPerGroup  int
	GroupTokenBudget     int
	SimilarityThreshold  float64
	MinSamples           int
	MaxClustersToProcess int
	MinMemoryCount       int
}

// New constructs an Engine with sane defaults applied to zero-valued Config
// fields.
func New(store Store, embedder Embedder, merger Merger, cfg Config) *Engine {
	if cfg.MinSharedKeywords <= 0 {
		cfg.MinSharedKeywords = 2
	}
	if cfg.MaxGroupsToProcess <= 0 {
		cfg.MaxGroupsToProcess = 10
	}
	if cfg.MaxMemoriesPerGroup <= 0 {
		cfg.MaxMemoriesPerGroup = 20
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.65
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 2
	}
	if cfg.MaxClustersToProcess <= 0 {
		cfg.MaxClustersToProcess = 10
	}
	if cfg.MinMemoryCount <= 0 {
		cfg.MinMemoryCount = 1
	}
	return &Engine{store: store, embedder: embedder, merger: merger, cfg: cfg}
}

func (e *Engine) CreateMemory(ctx context.Context, userID, text string, keywords []string, category string) (string, error) {
	m, err := e.store.CreateMemory(ctx, userID, text, NormalizeKeywords(keywords), category)
	if err != nil {
		return "", err
	}
	e.backfillEmbedding(ctx, m.ID, text)
	return m.ID, nil
}

// backfillEmbedding computes and stores a memory's embedding vector
// best-effort: a failure here only degrades RelevantMemories' ranking, never
// the write that just succeeded.
func (e *Engine) backfillEmbedding(ctx context.Context, id, text string) {
	if e.embedder == nil {
		return
	}
	vectors, err := e.embedder.Embed(ctx, []string{text})
	if err != nil || len(vectors) == 0 {
		return
	}
	_ = e.store.UpdateMemoryEmbedding(ctx, id, vectors[0])
}

// RelevantMemories embeds query and returns the limit closest memories by
// vector similarity, falling back to the last limit memories ListMemories
// returns (the most recent ones for the SQL stores, which list oldest first)
// when no embedder is configured or the search turns up nothing (e.g. a fresh
// store with no backfilled embeddings yet).
func (e *Engine) RelevantMemories(ctx context.Context, userID, query string, limit int) ([]Memory, error) {
	if e.embedder != nil {
		vectors, err := e.embedder.Embed(ctx, []string{query})
		if err == nil && len(vectors) > 0 {
			found, err := e.store.SearchByEmbedding(ctx, userID, vectors[0], limit)
			if err == nil && len(found) > 0 {
				return found, nil
			}
		}
	}
	all, err := e.store.ListMemories(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (e *Engine) AttachTopic(ctx context.Context, memoryID, topicID string) error {
	return e.store.AttachTopic(ctx, memoryID, topicID)
}

// ListMemories returns every memory owned by userID, used by the
// orchestrator's per-turn memory fetch (spec §4.5 step 5).
func (e *Engine) ListMemories(ctx context.Context, userID string) ([]Memory, error) {
	return e.store.ListMemories(ctx, userID)
}

// DeleteMemory removes a memory by id, the side effect of the intent
// handler's memory_delete(...) directive.
func (e *Engine) DeleteMemory(ctx context.Context, id string) error {
	return e.store.DeleteMemory(ctx, id)
}

// SearchMemory does a naive case-insensitive substring match over a user's
// memories, joining matches into one block. Good enough for the
// memory_search(...) directive; the store interface has no full-text index
// of its own (spec does not mandate one).
func (e *Engine) SearchMemory(ctx context.Context, userID, query string) (string, error) {
	memories, err := e.store.ListMemories(ctx, userID)
	if err != nil {
		return "", err
	}
	q := strings.ToLower(query)
	var b strings.Builder
	for _, m := range memories {
		if strings.Contains(strings.ToLower(m.Text), q) {
			b.WriteString(m.Text)
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}
