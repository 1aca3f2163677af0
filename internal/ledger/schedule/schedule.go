// Package schedule drives the ledger's hierarchical summarizer: period
// summaries roll up into daily, daily into weekly (Monday only) and monthly
// (1st of month only). Every rollup is idempotent by (user_id, summary_type,
// window) — CreateSummary itself refuses to duplicate a window, so a retried
// run is always safe.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"aegis/internal/ledger"
	"aegis/internal/llm"

	"github.com/rs/zerolog/log"
)

// Budgets carries the per-level token ceilings from config.SummaryBudgets.
type Budgets struct {
	PeriodicMaxTokens int
	DailyMaxTokens    int
	WeeklyMaxTokens   int
	MonthlyMaxTokens  int
}

// Scheduler owns the LLM dependency the rollups use to produce summary text.
type Scheduler struct {
	ledger   *ledger.Ledger
	provider llm.Provider
	model    string
	budgets  Budgets
}

// New constructs a Scheduler. budgets.PeriodicMaxTokens defaults to 4096 when
// zero, per spec §4.3.
func New(l *ledger.Ledger, provider llm.Provider, model string, budgets Budgets) *Scheduler {
	if budgets.PeriodicMaxTokens <= 0 {
		budgets.PeriodicMaxTokens = 4096
	}
	return &Scheduler{ledger: l, provider: provider, model: model, budgets: budgets}
}

// estimateTokens is a rough chars/4 heuristic; no tokenizer library ships in
// the dependency set this module draws from, so chunk sizing uses this
// conservative approximation instead.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

func periodWindow(day time.Time, period ledger.SummaryType) (time.Time, time.Time) {
	base := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	switch period {
	case ledger.SummaryMorning:
		return base.Add(5 * time.Hour), base.Add(12 * time.Hour)
	case ledger.SummaryAfternoon:
		return base.Add(12 * time.Hour), base.Add(17 * time.Hour)
	case ledger.SummaryEvening:
		return base.Add(17 * time.Hour), base.Add(21 * time.Hour)
	default: // night
		return base.Add(21 * time.Hour), base.Add(29 * time.Hour) // spills into next day's early morning
	}
}

// RunPeriod produces (or is a no-op for an already-existing) period summary
// for the given user/day/period.
func (s *Scheduler) RunPeriod(ctx context.Context, userID string, day time.Time, period ledger.SummaryType) error {
	begin, end := periodWindow(day, period)
	msgs, err := s.ledger.Messages(ctx, userID, ledger.MessageFilter{Since: begin, Until: end})
	if err != nil {
		return fmt.Errorf("period messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	chunks := chunkMessages(msgs, s.budgets.PeriodicMaxTokens)
	chunkSummaries := make([]string, 0, len(chunks))
	for _, c := range chunks {
		summary, err := s.summarizeChunk(ctx, c)
		if err != nil {
			return fmt.Errorf("summarize chunk: %w", err)
		}
		chunkSummaries = append(chunkSummaries, summary)
	}

	content := chunkSummaries[0]
	if len(chunkSummaries) > 1 {
		content, err = s.collapseChunks(ctx, chunkSummaries)
		if err != nil {
			return fmt.Errorf("collapse chunks: %w", err)
		}
	}

	return s.createSummary(ctx, userID, period, content, begin, end)
}

func (s *Scheduler) createSummary(ctx context.Context, userID string, t ledger.SummaryType, content string, begin, end time.Time) error {
	_, err := s.ledger.CreateSummaryDirect(ctx, ledger.Summary{
		UserID:         userID,
		Content:        content,
		SummaryType:    t,
		TimestampBegin: begin,
		TimestampEnd:   end,
	})
	return err
}

// RunDaily aggregates a user's day into one daily summary from the four
// period summaries, then deletes the period summaries it consumed.
func (s *Scheduler) RunDaily(ctx context.Context, userID string, day time.Time) error {
	begin := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := begin.Add(24 * time.Hour)

	var pieces []string
	var ids []string
	for _, period := range ledger.PeriodTypes {
		pBegin, pEnd := periodWindow(day, period)
		summaries, err := s.ledger.Summaries(ctx, userID, ledger.SummaryFilter{Type: period, From: pBegin, To: pEnd.Add(time.Second)})
		if err != nil {
			return err
		}
		for _, sm := range summaries {
			pieces = append(pieces, "["+strings.ToUpper(string(period))+"] "+sm.Content)
			ids = append(ids, sm.ID)
		}
	}
	if len(pieces) == 0 {
		return nil
	}

	content, err := s.summarizeChunk(ctx, strings.Join(pieces, "\n\n"))
	if err != nil {
		return fmt.Errorf("daily rollup llm call: %w", err)
	}
	if err := s.createSummary(ctx, userID, ledger.SummaryDaily, content, begin, end); err != nil {
		return err
	}
	if err := s.ledger.DeleteSummariesDirect(ctx, ids); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("daily rollup: failed to delete consumed period summaries")
		return err
	}
	return nil
}

// RunWeekly aggregates the daily summaries of the seven days starting at
// midnight of weekStart's date. This method does not check the weekday;
// cmd/ledger calls it on Mondays with the previous Monday as weekStart.
func (s *Scheduler) RunWeekly(ctx context.Context, userID string, weekStart time.Time) error {
	begin := time.Date(weekStart.Year(), weekStart.Month(), weekStart.Day(), 0, 0, 0, 0, weekStart.Location())
	end := begin.Add(7 * 24 * time.Hour)

	dailies, err := s.ledger.Summaries(ctx, userID, ledger.SummaryFilter{Type: ledger.SummaryDaily, From: begin, To: end})
	if err != nil {
		return err
	}
	if len(dailies) == 0 {
		return nil
	}
	var pieces []string
	for _, d := range dailies {
		pieces = append(pieces, "["+d.TimestampBegin.Format("2006-01-02")+"] "+d.Content)
	}
	content, err := s.summarizeChunk(ctx, strings.Join(pieces, "\n\n"))
	if err != nil {
		return fmt.Errorf("weekly rollup llm call: %w", err)
	}
	// Weekly is additive: daily summaries are NOT deleted.
	return s.createSummary(ctx, userID, ledger.SummaryWeekly, content, begin, end)
}

// RunMonthly aggregates a previous month's daily summaries; the caller's
// cron schedule is expected to invoke this on the 1st for the prior month.
func (s *Scheduler) RunMonthly(ctx context.Context, userID string, monthStart time.Time) error {
	begin := time.Date(monthStart.Year(), monthStart.Month(), 1, 0, 0, 0, 0, monthStart.Location())
	end := begin.AddDate(0, 1, 0)

	dailies, err := s.ledger.Summaries(ctx, userID, ledger.SummaryFilter{Type: ledger.SummaryDaily, From: begin, To: end})
	if err != nil {
		return err
	}
	if len(dailies) == 0 {
		return nil
	}
	var pieces []string
	for _, d := range dailies {
		pieces = append(pieces, "["+d.TimestampBegin.Format("2006-01-02")+"] "+d.Content)
	}
	content, err := s.summarizeChunk(ctx, strings.Join(pieces, "\n\n"))
	if err != nil {
		return fmt.Errorf("monthly rollup llm call: %w", err)
	}
	// Monthly is additive: daily summaries are NOT deleted.
	return s.createSummary(ctx, userID, ledger.SummaryMonthly, content, begin, end)
}

func (s *Scheduler) summarizeChunk(ctx context.Context, text string) (string, error) {
	resp, err := s.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: "Summarize the following conversation content concisely, preserving concrete facts."},
		{Role: "user", Content: text},
	}, nil, s.model, llm.Options{})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

func (s *Scheduler) collapseChunks(ctx context.Context, chunkSummaries []string) (string, error) {
	resp, err := s.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: "Combine the following chunk summaries into one chronologically organized summary."},
		{Role: "user", Content: strings.Join(chunkSummaries, "\n\n---\n\n")},
	}, nil, s.model, llm.Options{})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

// chunkMessages packs messages into text blocks, each below maxTokens.
func chunkMessages(msgs []ledger.Message, maxTokens int) []string {
	var chunks []string
	var b strings.Builder
	tokens := 0
	for _, m := range msgs {
		line := fmt.Sprintf("%s: %s\n", m.Role, m.Content)
		lineTokens := estimateTokens(line)
		if tokens > 0 && tokens+lineTokens > maxTokens {
			chunks = append(chunks, b.String())
			b.Reset()
			tokens = 0
		}
		b.WriteString(line)
		tokens += lineTokens
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
