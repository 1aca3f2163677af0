package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the single-node Store implementation (config.DB.MemorySQLite):
// a local file in place of the Postgres-backed PostgresStore, for operators
// who don't want to run a database server. It has no vector extension, so
// SearchByEmbedding scores every candidate in Go rather than pushing the
// distance computation into SQL.
type SQLiteStore struct {
	db     *sql.DB
	topics map[string]Topic // local topic name cache, populated via RegisterTopic
}

// NewSQLiteStore opens (creating if absent) the database file at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers
	return &SQLiteStore{db: db, topics: map[string]Topic{}}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    text TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    priority REAL NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    embedding TEXT
);
CREATE INDEX IF NOT EXISTS memories_user_created_idx ON memories(user_id, created_at);

CREATE TABLE IF NOT EXISTS memory_tags (
    memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    keyword TEXT NOT NULL,
    PRIMARY KEY (memory_id, keyword)
);

CREATE TABLE IF NOT EXISTS memory_topics (
    memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    topic_id TEXT NOT NULL,
    PRIMARY KEY (memory_id, topic_id)
);
`)
	return err
}

func (s *SQLiteStore) ListMemories(ctx context.Context, userID string) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, text, category, priority, created_at, embedding
FROM memories WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
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

func scanMemory(rows *sql.Rows) (Memory, error) {
	var m Memory
	var embedding sql.NullString
	if err := rows.Scan(&m.ID, &m.UserID, &m.Text, &m.Category, &m.Priority, &m.CreatedAt, &embedding); err != nil {
		return Memory{}, err
	}
	if embedding.Valid && embedding.String != "" {
		_ = json.Unmarshal([]byte(embedding.String), &m.Embedding)
	}
	return m, nil
}

func (s *SQLiteStore) loadAssociations(ctx context.Context, memoryID string) ([]string, []string, error) {
	kwRows, err := s.db.QueryContext(ctx, `SELECT keyword FROM memory_tags WHERE memory_id = ? ORDER BY keyword`, memoryID)
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

	tRows, err := s.db.QueryContext(ctx, `SELECT topic_id FROM memory_topics WHERE memory_id = ?`, memoryID)
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

func (s *SQLiteStore) CreateMemory(ctx context.Context, userID, text string, keywords []string, category string) (Memory, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Memory{}, err
	}
	defer func() { _ = tx.Rollback() }()

	m := Memory{ID: uuid.NewString(), UserID: userID, Text: text, Category: category, CreatedAt: time.Now(), Keywords: keywords}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO memories (id, user_id, text, category, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Text, m.Category, m.CreatedAt); err != nil {
		return Memory{}, err
	}
	for _, k := range keywords {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO memory_tags (memory_id, keyword) VALUES (?, ?)`, m.ID, k); err != nil {
			return Memory{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Memory{}, err
	}
	return m, nil
}

func (s *SQLiteStore) UpdateMemoryText(ctx context.Context, id, text string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE memories SET text = ? WHERE id = ?`, text, id)
	return err
}

func (s *SQLiteStore) DeleteMemory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) AttachTopic(ctx context.Context, memoryID, topicID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO memory_topics (memory_id, topic_id) VALUES (?, ?)`, memoryID, topicID)
	return err
}

func (s *SQLiteStore) UpdateMemoryEmbedding(ctx context.Context, id string, embedding []float32) error {
	encoded, err := json.Marshal(embedding)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE memories SET embedding = ? WHERE id = ?`, string(encoded), id)
	return err
}

// SearchByEmbedding scans every one of userID's embedded memories and scores
// them with CosineSimilarity in Go, since SQLite has no vector index to push
// the distance computation into.
func (s *SQLiteStore) SearchByEmbedding(ctx context.Context, userID string, query []float32, limit int) ([]Memory, error) {
	all, err := s.ListMemories(ctx, userID)
	if err != nil {
		return nil, err
	}
	var candidates []Memory
	for _, m := range all {
		if m.Embedding != nil {
			candidates = append(candidates, m)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return CosineSimilarity(query, candidates[i].Embedding) > CosineSimilarity(query, candidates[j].Embedding)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// RegisterTopic lets the ledger hand this store a topic name/id it should
// track for TopicsWithMemoryCounts/MergeTopics, since single-node mode keeps
// no shared "topics" table across the ledger and memory SQLite files.
func (s *SQLiteStore) RegisterTopic(t Topic) {
	s.topics[t.ID] = t
}

func (s *SQLiteStore) TopicsWithMemoryCounts(ctx context.Context, minCount int) ([]Topic, error) {
	var out []Topic
	for id, t := range s.topics {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_topics WHERE topic_id = ?`, id).Scan(&count); err != nil {
			return nil, err
		}
		if count >= minCount {
			t.MemoryCount = count
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *SQLiteStore) MergeTopics(ctx context.Context, primaryID, finalName string, secondaryIDs []string) error {
	if t, ok := s.topics[primaryID]; ok {
		t.Name = finalName
		s.topics[primaryID] = t
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, secondary := range secondaryIDs {
		if _, err := tx.ExecContext(ctx, `
UPDATE memory_topics SET topic_id = ?
WHERE topic_id = ?
  AND memory_id NOT IN (SELECT memory_id FROM memory_topics WHERE topic_id = ?)`, primaryID, secondary, primaryID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_topics WHERE topic_id = ?`, secondary); err != nil {
			return err
		}
		var remaining int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_topics WHERE topic_id = ?`, secondary).Scan(&remaining); err != nil {
			return err
		}
		if remaining > 0 {
			return errors.New("merge topics: secondary topic still has associations after move")
		}
		delete(s.topics, secondary)
	}
	return tx.Commit()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
