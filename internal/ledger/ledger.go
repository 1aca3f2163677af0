// Package ledger is the canonical conversation store (C3): messages, topics,
// and summaries for every user, plus the buffer-sync protocol the
// orchestrator uses to keep its rolling context window consistent.
package ledger

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// ToolCallRecord mirrors llm.ToolCall but is persisted as plain fields so the
// ledger package has no dependency on the proxy's wire types.
type ToolCallRecord struct {
	ID        string
	Name      string
	Arguments string
}

// Message is the atomic conversation unit (spec §3 Message).
type Message struct {
	ID            string
	UserID        string
	Platform      string
	PlatformMsgID *string
	Role          string // user | assistant | system | tool
	Content       string
	ToolCalls     []ToolCallRecord
	ToolCallID    string
	CreatedAt     time.Time
	TopicID       *string
}

// Topic is a named bucket of one user's messages.
type Topic struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
}

// SummaryType enumerates the rollup levels, in the hierarchy the scheduler
// climbs: period (morning/afternoon/evening/night) -> daily -> weekly ->
// monthly.
type SummaryType string

const (
	SummaryMorning   SummaryType = "morning"
	SummaryAfternoon SummaryType = "afternoon"
	SummaryEvening   SummaryType = "evening"
	SummaryNight     SummaryType = "night"
	SummaryDaily     SummaryType = "daily"
	SummaryWeekly    SummaryType = "weekly"
	SummaryMonthly   SummaryType = "monthly"
)

// PeriodTypes lists the four intra-day buckets in chronological order.
var PeriodTypes = []SummaryType{SummaryMorning, SummaryAfternoon, SummaryEvening, SummaryNight}

// Summary is a derived text spanning a time window for one user.
type Summary struct {
	ID              string
	UserID          string
	Content         string
	SummaryType     SummaryType
	TimestampBegin  time.Time
	TimestampEnd    time.Time
}

// MessageFilter narrows Messages() queries. Zero values mean "no filter".
type MessageFilter struct {
	Since   time.Time
	Until   time.Time
	TopicID string
}

// SummaryFilter narrows Summaries() queries.
type SummaryFilter struct {
	Type  SummaryType // empty means any type
	From  time.Time
	To    time.Time
	Limit int
}

// Store is the persistence boundary the Ledger facade drives. Concrete
// implementations enforce the entity invariants from spec §3: unique
// (user_id, platform, platform_msg_id), immutable created_at, and foreign-key
// integrity between messages/topics/summaries.
type Store interface {
	Init(ctx context.Context) error

	// InsertIfAbsent appends entries lacking a PlatformMsgID unconditionally,
	// and skips entries whose (UserID, Platform, PlatformMsgID) already
	// exists. Returns only the messages actually inserted.
	InsertIfAbsent(ctx context.Context, msgs []Message) ([]Message, error)
	// Tail returns the most recent n messages for userID, chronological order.
	Tail(ctx context.Context, userID string, n int) ([]Message, error)
	Messages(ctx context.Context, userID string, filter MessageFilter) ([]Message, error)
	UntaggedMessages(ctx context.Context, userID string) ([]Message, error)

	TopicsRecent(ctx context.Context, userID string, n int) ([]Topic, error)
	TopicMessages(ctx context.Context, topicID string) ([]Message, error)
	CreateTopic(ctx context.Context, userID, name string) (Topic, error)
	AssignRange(ctx context.Context, topicID string, start, end time.Time) (int64, error)

	Summaries(ctx context.Context, userID string, filter SummaryFilter) ([]Summary, error)
	CreateSummary(ctx context.Context, s Summary) (Summary, error)
	DeleteSummaries(ctx context.Context, ids []string) error

	// ActiveUsers lists users with at least one message, for the scheduler
	// loop and review_log to iterate over.
	ActiveUsers(ctx context.Context) ([]string, error)

	// SweepOrphans removes topic rows that no message references (spec §4.3
	// foreign-key cleanup); category and tag rows are not swept.
	SweepOrphans(ctx context.Context) (int64, error)
}

// Ledger is the facade the orchestrator and scheduler call into. It adds the
// buffer-window policy on top of the raw Store.
type Ledger struct {
	store        Store
	bufferWindow int
}

// New wraps store with the configured rolling-buffer tail size.
func New(store Store, bufferWindow int) *Ledger {
	if bufferWindow <= 0 {
		bufferWindow = 40
	}
	return &Ledger{store: store, bufferWindow: bufferWindow}
}

func (l *Ledger) Init(ctx context.Context) error { return l.store.Init(ctx) }

// Sync is spec §4.3's sync(user_id, snapshot) operation: insert idempotently,
// then return the post-sync rolling buffer.
func (l *Ledger) Sync(ctx context.Context, userID string, snapshot []Message) ([]Message, error) {
	if _, err := l.store.InsertIfAbsent(ctx, snapshot); err != nil {
		return nil, err
	}
	return l.store.Tail(ctx, userID, l.bufferWindow)
}

func (l *Ledger) Messages(ctx context.Context, userID string, filter MessageFilter) ([]Message, error) {
	return l.store.Messages(ctx, userID, filter)
}

func (l *Ledger) TopicsRecent(ctx context.Context, userID string, n int) ([]Topic, error) {
	return l.store.TopicsRecent(ctx, userID, n)
}

func (l *Ledger) TopicMessages(ctx context.Context, topicID string) ([]Message, error) {
	return l.store.TopicMessages(ctx, topicID)
}

func (l *Ledger) CreateTopic(ctx context.Context, userID, name string) (Topic, error) {
	return l.store.CreateTopic(ctx, userID, name)
}

func (l *Ledger) AssignRange(ctx context.Context, topicID string, start, end time.Time) (int64, error) {
	return l.store.AssignRange(ctx, topicID, start, end)
}

func (l *Ledger) Summaries(ctx context.Context, userID string, filter SummaryFilter) ([]Summary, error) {
	return l.store.Summaries(ctx, userID, filter)
}

// CreateSummaryDirect and DeleteSummariesDirect expose the raw Store
// mutation methods the scheduler's rollup jobs need; named "Direct" because
// unlike Sync they bypass buffer-window bookkeeping.
func (l *Ledger) CreateSummaryDirect(ctx context.Context, s Summary) (Summary, error) {
	return l.store.CreateSummary(ctx, s)
}

func (l *Ledger) DeleteSummariesDirect(ctx context.Context, ids []string) error {
	return l.store.DeleteSummaries(ctx, ids)
}

// RecentSummaryBlock pulls the most recent n summaries (default 4) and
// concatenates them into the labeled block spec §4.5 step 7 describes: the
// label is the upper-cased type, plus the formatted begin-date for
// non-daily types.
func (l *Ledger) RecentSummaryBlock(ctx context.Context, userID string, n int) (string, error) {
	if n <= 0 {
		n = 4
	}
	summaries, err := l.store.Summaries(ctx, userID, SummaryFilter{Limit: n})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, s := range summaries {
		label := strings.ToUpper(string(s.SummaryType))
		if s.SummaryType != SummaryDaily {
			label += " (" + s.TimestampBegin.Format("2006-01-02") + ")"
		}
		b.WriteString("[" + label + "]\n")
		b.WriteString(s.Content)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String()), nil
}

func (l *Ledger) SweepOrphans(ctx context.Context) (int64, error) {
	return l.store.SweepOrphans(ctx)
}

// ActiveUsers lists every user with at least one ledger message, driving the
// scheduler's rollup sweep.
func (l *Ledger) ActiveUsers(ctx context.Context) ([]string, error) {
	return l.store.ActiveUsers(ctx)
}

var detailsBlockPattern = regexp.MustCompile(`(?is)<details.*?</details>`)

// SanitizeContent strips HTML <details> blocks and surrounding whitespace
// from a buffer entry's content before it is sent to the model (spec §4.5
// step 6).
func SanitizeContent(content string) string {
	stripped := detailsBlockPattern.ReplaceAllString(content, "")
	return strings.TrimSpace(stripped)
}

// SanitizeBuffer applies SanitizeContent to every message in place and
// returns the buffer for chaining.
func SanitizeBuffer(msgs []Message) []Message {
	for i := range msgs {
		msgs[i].Content = SanitizeContent(msgs[i].Content)
	}
	return msgs
}
