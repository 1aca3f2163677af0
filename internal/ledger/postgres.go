package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the canonical Store implementation: tables
// user_messages, topics, summaries with foreign-key enforcement (spec §6
// Persisted state).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres ledger store requires pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS topics (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS topics_user_created_idx ON topics(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS user_messages (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    platform TEXT NOT NULL,
    platform_msg_id TEXT,
    role TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    tool_calls JSONB,
    tool_call_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    topic_id UUID REFERENCES topics(id) ON DELETE SET NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS user_messages_platform_msg_idx
    ON user_messages(user_id, platform, platform_msg_id) WHERE platform_msg_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS user_messages_user_created_idx ON user_messages(user_id, created_at ASC);
CREATE INDEX IF NOT EXISTS user_messages_topic_idx ON user_messages(topic_id);

CREATE TABLE IF NOT EXISTS summaries (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    content TEXT NOT NULL,
    summary_type TEXT NOT NULL,
    timestamp_begin TIMESTAMPTZ NOT NULL,
    timestamp_end TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS summaries_window_idx
    ON summaries(user_id, summary_type, timestamp_begin, timestamp_end);
CREATE INDEX IF NOT EXISTS summaries_user_type_idx ON summaries(user_id, summary_type, timestamp_begin DESC);
`)
	return err
}

func (s *PostgresStore) InsertIfAbsent(ctx context.Context, msgs []Message) ([]Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var inserted []Message
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		toolCalls, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return nil, err
		}
		var platformMsgID any
		if m.PlatformMsgID != nil {
			platformMsgID = *m.PlatformMsgID
		}

		tag, err := tx.Exec(ctx, `
INSERT INTO user_messages (id, user_id, platform, platform_msg_id, role, content, tool_calls, tool_call_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (user_id, platform, platform_msg_id) WHERE platform_msg_id IS NOT NULL DO NOTHING`,
			m.ID, m.UserID, m.Platform, platformMsgID, m.Role, m.Content, toolCalls, m.ToolCallID, m.CreatedAt)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() > 0 {
			inserted = append(inserted, m)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return inserted, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	var platformMsgID sql.NullString
	var topicID sql.NullString
	var toolCalls []byte
	if err := row.Scan(&m.ID, &m.UserID, &m.Platform, &platformMsgID, &m.Role, &m.Content, &toolCalls, &m.ToolCallID, &m.CreatedAt, &topicID); err != nil {
		return Message{}, err
	}
	if platformMsgID.Valid {
		v := platformMsgID.String
		m.PlatformMsgID = &v
	}
	if topicID.Valid {
		v := topicID.String
		m.TopicID = &v
	}
	if len(toolCalls) > 0 {
		_ = json.Unmarshal(toolCalls, &m.ToolCalls)
	}
	return m, nil
}

const selectMessageCols = `id, user_id, platform, platform_msg_id, role, content, tool_calls, tool_call_id, created_at, topic_id`

func (s *PostgresStore) Tail(ctx context.Context, userID string, n int) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+selectMessageCols+` FROM (
    SELECT `+selectMessageCols+`
    FROM user_messages
    WHERE user_id = $1
    ORDER BY created_at DESC, id DESC
    LIMIT $2
) sub
ORDER BY created_at ASC, id ASC`, userID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Messages(ctx context.Context, userID string, filter MessageFilter) ([]Message, error) {
	query := `SELECT ` + selectMessageCols + ` FROM user_messages WHERE user_id = $1`
	args := []any{userID}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	if filter.TopicID != "" {
		args = append(args, filter.TopicID)
		query += fmt.Sprintf(" AND topic_id = $%d", len(args))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *PostgresStore) UntaggedMessages(ctx context.Context, userID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+selectMessageCols+` FROM user_messages
WHERE user_id = $1 AND topic_id IS NULL
ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *PostgresStore) TopicsRecent(ctx context.Context, userID string, n int) ([]Topic, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, name, created_at FROM topics
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`, userID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TopicMessages(ctx context.Context, topicID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+selectMessageCols+` FROM user_messages
WHERE topic_id = $1
ORDER BY created_at ASC, id ASC`, topicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *PostgresStore) CreateTopic(ctx context.Context, userID, name string) (Topic, error) {
	id := uuid.NewString()
	row := s.pool.QueryRow(ctx, `
INSERT INTO topics (id, user_id, name) VALUES ($1, $2, $3)
RETURNING id, user_id, name, created_at`, id, userID, name)
	var t Topic
	if err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.CreatedAt); err != nil {
		return Topic{}, err
	}
	return t, nil
}

func (s *PostgresStore) AssignRange(ctx context.Context, topicID string, start, end time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE user_messages SET topic_id = $1
WHERE topic_id IS NULL AND created_at >= $2 AND created_at < $3`, topicID, start, end)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Summaries(ctx context.Context, userID string, filter SummaryFilter) ([]Summary, error) {
	query := `SELECT id, user_id, content, summary_type, timestamp_begin, timestamp_end FROM summaries WHERE user_id = $1`
	args := []any{userID}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += fmt.Sprintf(" AND summary_type = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(" AND timestamp_begin >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(" AND timestamp_end <= $%d", len(args))
	}
	query += ` ORDER BY timestamp_begin DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var sm Summary
		var st string
		if err := rows.Scan(&sm.ID, &sm.UserID, &sm.Content, &st, &sm.TimestampBegin, &sm.TimestampEnd); err != nil {
			return nil, err
		}
		sm.SummaryType = SummaryType(st)
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateSummary(ctx context.Context, sm Summary) (Summary, error) {
	if sm.ID == "" {
		sm.ID = uuid.NewString()
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO summaries (id, user_id, content, summary_type, timestamp_begin, timestamp_end)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, summary_type, timestamp_begin, timestamp_end)
    DO UPDATE SET content = summaries.content
RETURNING id, user_id, content, summary_type, timestamp_begin, timestamp_end`,
		sm.ID, sm.UserID, sm.Content, string(sm.SummaryType), sm.TimestampBegin, sm.TimestampEnd)
	var out Summary
	var st string
	if err := row.Scan(&out.ID, &out.UserID, &out.Content, &st, &out.TimestampBegin, &out.TimestampEnd); err != nil {
		return Summary{}, err
	}
	out.SummaryType = SummaryType(st)
	return out, nil
}

func (s *PostgresStore) DeleteSummaries(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM summaries WHERE id = ANY($1)`, ids)
	return err
}

func (s *PostgresStore) ActiveUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT user_id FROM user_messages`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SweepOrphans(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM topics t
WHERE NOT EXISTS (SELECT 1 FROM user_messages m WHERE m.topic_id = t.id)`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
