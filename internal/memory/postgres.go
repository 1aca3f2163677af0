package memory

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore is the canonical Store implementation: tables memories,
// memory_topics (association), with topics themselves owned by the ledger
// package but referenced here by id (spec §3 Ownership: the memory engine
// owns Memories and memory-topic associations, not Topics).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres memory store requires pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    text TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    priority DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    embedding vector
);
CREATE INDEX IF NOT EXISTS memories_user_created_idx ON memories(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS memory_tags (
    memory_id UUID NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    keyword TEXT NOT NULL,
    PRIMARY KEY (memory_id, keyword)
);
CREATE INDEX IF NOT EXISTS memory_tags_keyword_idx ON memory_tags(keyword);

CREATE TABLE IF NOT EXISTS memory_topics (
    memory_id UUID NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    topic_id UUID NOT NULL,
    PRIMARY KEY (memory_id, topic_id)
);
CREATE INDEX IF NOT EXISTS memory_topics_topic_idx ON memory_topics(topic_id);
`)
	return err
}

func (s *PostgresStore) ListMemories(ctx context.Context, userID string) ([]Memory, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, text, category, priority, created_at
FROM memories WHERE user_id = $1 ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.UserID, &m.Text, &m.Category, &m.Priority, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		keywords, topicIDs, err := s.loadAssociations(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Keywords = keywords
		out[i].TopicIDs = topicIDs
	}
	return out, nil
}

func (s *PostgresStore) loadAssociations(ctx context.Context, memoryID string) ([]string, []string, error) {
	kwRows, err := s.pool.Query(ctx, `SELECT keyword FROM memory_tags WHERE memory_id = $1 ORDER BY keyword`, memoryID)
	if err != nil {
		return nil, nil, err
	}
	defer kwRows.Close()
	var keywords []string
	for kwRows.Next() {
		var k string
		if err := kwRows.Scan(&k); err != nil {
			return nil, nil, err
		}
		keywords = append(keywords, k)
	}
	if err := kwRows.Err(); err != nil {
		return nil, nil, err
	}

	tRows, err := s.pool.Query(ctx, `SELECT topic_id FROM memory_topics WHERE memory_id = $1`, memoryID)
	if err != nil {
		return nil, nil, err
	}
	defer tRows.Close()
	var topicIDs []string
	for tRows.Next() {
		var t string
		if err := tRows.Scan(&t); err != nil {
			return nil, nil, err
		}
		topicIDs = append(topicIDs, t)
	}
	return keywords, topicIDs, tRows.Err()
}

func (s *PostgresStore) CreateMemory(ctx context.Context, userID, text string, keywords []string, category string) (Memory, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Memory{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	id := uuid.NewString()
	row := tx.QueryRow(ctx, `
INSERT INTO memories (id, user_id, text, category) VALUES ($1, $2, $3, $4)
RETURNING id, user_id, text, category, priority, created_at`, id, userID, text, category)
	var m Memory
	if err := row.Scan(&m.ID, &m.UserID, &m.Text, &m.Category, &m.Priority, &m.CreatedAt); err != nil {
		return Memory{}, err
	}
	for _, k := range keywords {
		if _, err := tx.Exec(ctx, `INSERT INTO memory_tags (memory_id, keyword) VALUES ($1, $2) ON CONFLICT DO NOTHING`, m.ID, k); err != nil {
			return Memory{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Memory{}, err
	}
	m.Keywords = keywords
	return m, nil
}

func (s *PostgresStore) UpdateMemoryText(ctx context.Context, id, text string) error {
	_, err := s.pool.Exec(ctx, `UPDATE memories SET text = $1 WHERE id = $2`, text, id)
	return err
}

func (s *PostgresStore) DeleteMemory(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) AttachTopic(ctx context.Context, memoryID, topicID string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO memory_topics (memory_id, topic_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, memoryID, topicID)
	return err
}

func (s *PostgresStore) UpdateMemoryEmbedding(ctx context.Context, id string, embedding []float32) error {
	_, err := s.pool.Exec(ctx, `UPDATE memories SET embedding = $1 WHERE id = $2`, pgvector.NewVector(embedding), id)
	return err
}

// SearchByEmbedding orders by cosine distance (pgvector's <=> operator),
// nearest first, excluding rows with no embedding yet.
func (s *PostgresStore) SearchByEmbedding(ctx context.Context, userID string, query []float32, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, text, category, priority, created_at
FROM memories
WHERE user_id = $1 AND embedding IS NOT NULL
ORDER BY embedding <=> $2
LIMIT $3`, userID, pgvector.NewVector(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.UserID, &m.Text, &m.Category, &m.Priority, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		keywords, topicIDs, err := s.loadAssociations(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Keywords = keywords
		out[i].TopicIDs = topicIDs
	}
	return out, nil
}

func (s *PostgresStore) TopicsWithMemoryCounts(ctx context.Context, minCount int) ([]Topic, error) {
	rows, err := s.pool.Query(ctx, `
SELECT t.id, t.name, t.created_at, COUNT(mt.memory_id) AS memory_count
FROM topics t
JOIN memory_topics mt ON mt.topic_id = t.id
GROUP BY t.id, t.name, t.created_at
HAVING COUNT(mt.memory_id) >= $1
ORDER BY memory_count DESC`, minCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt, &t.MemoryCount); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MergeTopics renames primaryID, moves every memory_topics row from a
// secondary onto primaryID (skipping rows that would collide), then deletes
// the secondary topics. Aborts without effect if any secondary still has an
// association afterward (spec §4.4 atomicity requirement).
func (s *PostgresStore) MergeTopics(ctx context.Context, primaryID, finalName string, secondaryIDs []string) error {
	if len(secondaryIDs) == 0 {
		_, err := s.pool.Exec(ctx, `UPDATE topics SET name = $1 WHERE id = $2`, finalName, primaryID)
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE topics SET name = $1 WHERE id = $2`, finalName, primaryID); err != nil {
		return err
	}
	for _, secondary := range secondaryIDs {
		if _, err := tx.Exec(ctx, `
UPDATE memory_topics SET topic_id = $1
WHERE topic_id = $2
  AND memory_id NOT IN (SELECT memory_id FROM memory_topics WHERE topic_id = $1)`, primaryID, secondary); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM memory_topics WHERE topic_id = $1`, secondary); err != nil {
			return err
		}
	}

	var remaining int
	row := tx.QueryRow(ctx, `SELECT COUNT(*) FROM memory_topics WHERE topic_id = ANY($1)`, secondaryIDs)
	if err := row.Scan(&remaining); err != nil {
		return err
	}
	if remaining > 0 {
		return errors.New("memory: secondary topics still have associations after merge, aborting: " + strings.Join(secondaryIDs, ","))
	}

	if _, err := tx.Exec(ctx, `DELETE FROM topics WHERE id = ANY($1)`, secondaryIDs); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
