// Package orchestrator implements C5: the per-turn pipeline that resolves
// identity, gathers mode/memory/summary context, synchronizes the ledger
// buffer, dispatches to the proxy, and writes the reply back (spec §4.5).
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"aegis/internal/contacts"
	"aegis/internal/intents"
	"aegis/internal/ledger"
	"aegis/internal/llm"
	"aegis/internal/memory"
	"aegis/internal/mode"
	"aegis/internal/proxy"

	"github.com/rs/zerolog/log"
)

// State is one step of the per-turn state machine (spec §4.5).
type State string

const (
	StateReceived State = "received"
	StateResolved State = "resolved"
	StatePreIntent State = "pre_intent"
	StateEnriched  State = "enriched"
	StateDispatched State = "dispatched"
	StatePostIntent State = "post_intent"
	StatePersisted  State = "persisted"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// StrangerDangerText is returned, without touching the LLM or the ledger,
// when a messaging-platform author is not a known contact (spec §8 S6).
const StrangerDangerText = "I don't know you yet. Ask my admin to introduce us first."

// TurnInput is one inbound message for the pipeline to process.
type TurnInput struct {
	Platform      string // "discord" | "imessage" | "api"
	ExternalID    string // platform-native author id
	Content       string
	PlatformMsgID *string
	// IsMessagingPlatform marks Discord/iMessage-style inbound messages,
	// which get a stranger-danger rejection for unknown identities instead
	// of a placeholder contact (spec §4.5 step 1).
	IsMessagingPlatform bool
	// Model, when set, overrides Orchestrator.DefaultModel for this turn -
	// e.g. a caller-supplied "claude-..."/"gpt-..." model on the
	// OpenAI-compatible chat endpoint (spec §4.1 C1 model-prefix routing).
	Model string
	// Options carries per-request sampling overrides (temperature,
	// max_tokens) through to the dispatched provider.
	Options llm.Options
}

// TurnResult is the outcome of one pipeline run.
type TurnResult struct {
	Response        string
	PromptTokens    int
	GeneratedTokens int
	Timestamp       int64
	State           State
	Err             error
}

// Dispatcher is the C2 queue boundary the orchestrator dispatches through.
// proxy.Manager satisfies this directly.
type Dispatcher interface {
	Enqueue(ctx context.Context, req proxy.Request, priority int, blocking bool, timeout time.Duration, callback func(llm.ProxyResponse, error)) (string, *llm.ProxyResponse, error)
}

// Orchestrator wires every collaborator the pipeline needs.
type Orchestrator struct {
	Contacts   contacts.Store
	Mode       *mode.Store
	Memory     *memory.Engine
	Ledger     *ledger.Ledger
	Dispatcher Dispatcher

	AdminUserID   string
	DefaultModel  string
	DispatchTimeout time.Duration
	SummaryCount  int // how many recent summaries to pull, default 4

	locks *turnLocks
}

// New constructs an Orchestrator with a fresh per-(user,platform) lock table.
func New(c contacts.Store, m *mode.Store, mem *memory.Engine, l *ledger.Ledger, d Dispatcher, adminUserID, defaultModel string) *Orchestrator {
	return &Orchestrator{
		Contacts:      c,
		Mode:          m,
		Memory:        mem,
		Ledger:        l,
		Dispatcher:    d,
		AdminUserID:   adminUserID,
		DefaultModel:  defaultModel,
		DispatchTimeout: 60 * time.Second,
		SummaryCount:  4,
		locks:         newTurnLocks(),
	}
}

// HandleTurn runs the 11-step pipeline for one inbound message. Enrichment
// failures (memory/summary fetch) are non-fatal and only logged; a dispatch
// or ledger-write failure aborts the turn and is surfaced to the caller
// (spec §4.5, §5 Propagation policy).
func (o *Orchestrator) HandleTurn(ctx context.Context, in TurnInput) TurnResult {
	result := TurnResult{State: StateReceived}

	// Step 1: Identity.
	contact, isStranger, err := o.resolveIdentity(ctx, in)
	if err != nil {
		return o.fail(result, fmt.Errorf("resolve identity: %w", err))
	}
	if isStranger {
		return TurnResult{Response: StrangerDangerText, Timestamp: time.Now().Unix(), State: StateDone}
	}
	result.State = StateResolved

	// Per-(user,platform) serialization (spec §5 Ordering requirement (i)).
	unlock := o.locks.lock(contact.ID, in.Platform)
	defer unlock()

	// Step 2: Admin gate.
	isAdmin := o.AdminUserID != "" && contact.ID == o.AdminUserID

	// Step 3: Pre-intent pass (admin only enrichment; directives still strip
	// from guest content, but with both flags forced off so no side effect
	// fires for a non-admin).
	flags := intents.Flags{Mode: isAdmin, Memory: isAdmin}
	content := intents.Scan(in.Content, flags, o.effectsFor(ctx, contact.ID))
	result.State = StatePreIntent

	// Step 4: Mode fetch.
	modeName := mode.Guest
	if isAdmin {
		modeName = o.Mode.Get().Name
	}

	// Step 5: Memory fetch (admin only, non-fatal on failure).
	var memoryBlock string
	if isAdmin && o.Memory != nil {
		memoryBlock = o.fetchMemoryBlock(ctx, contact.ID, content)
	}

	// Step 6: Ledger sync.
	buffer, err := o.syncLedger(ctx, contact.ID, in.Platform, in.PlatformMsgID, content)
	if err != nil {
		log.Warn().Err(err).Str("user_id", contact.ID).Msg("ledger sync failed, continuing with empty buffer")
	}

	// Step 7: Summary fetch (non-fatal).
	summaryBlock := o.fetchSummaryBlock(ctx, contact.ID)
	result.State = StateEnriched

	// Step 8: Dispatch.
	systemPrompt := buildSystemPrompt(modeName, memoryBlock, summaryBlock, contact.DisplayName(), in.Platform)
	reply, usage, err := o.dispatch(ctx, in.Model, in.Options, systemPrompt, buffer)
	if err != nil {
		return o.fail(result, fmt.Errorf("dispatch: %w", err))
	}
	result.State = StateDispatched

	// Step 9: Post-intent pass (admin only); must never lose the reply.
	finalReply := reply
	if isAdmin {
		rewritten := intents.Scan(reply, flags, o.effectsFor(ctx, contact.ID))
		if strings.TrimSpace(rewritten) != "" {
			finalReply = rewritten
		}
	}
	result.State = StatePostIntent

	// Step 10: Ledger write.
	if o.Ledger != nil {
		if _, err := o.Ledger.Sync(ctx, contact.ID, []ledger.Message{{
			UserID:   contact.ID,
			Platform: in.Platform,
			Role:     "assistant",
			Content:  finalReply,
		}}); err != nil {
			return o.fail(result, fmt.Errorf("ledger write: %w", err))
		}
	}
	result.State = StatePersisted

	// Step 11: last-seen update is the platform adapter's responsibility
	// once it has the contact id; nothing to do for API-only flows.

	result.Response = finalReply
	result.PromptTokens = usage.PromptTokens
	result.GeneratedTokens = usage.CompletionTokens
	result.Timestamp = time.Now().Unix()
	result.State = StateDone
	return result
}

func (o *Orchestrator) fail(partial TurnResult, err error) TurnResult {
	partial.Err = err
	partial.State = StateFailed
	log.Error().Err(err).Str("state", string(partial.State)).Msg("turn failed")
	return partial
}

func (o *Orchestrator) resolveIdentity(ctx context.Context, in TurnInput) (contacts.Contact, bool, error) {
	if o.Contacts == nil {
		return contacts.Contact{ID: in.ExternalID, Aliases: []string{in.ExternalID}}, false, nil
	}
	c, err := o.Contacts.Resolve(ctx, in.Platform, in.ExternalID)
	if err == nil {
		return c, false, nil
	}
	if err != contacts.ErrNotFound {
		return contacts.Contact{}, false, err
	}
	if in.IsMessagingPlatform {
		return contacts.Contact{}, true, nil
	}
	c, err = o.Contacts.EnsurePlaceholder(ctx, in.Platform, in.ExternalID)
	if err != nil {
		return contacts.Contact{}, false, err
	}
	return c, false, nil
}

// fetchMemoryBlock returns the memories most relevant to the turn's content
// by embedding similarity, falling back to a recency-ordered list when no
// embedder/vector search is available (spec §4.5 step 5).
func (o *Orchestrator) fetchMemoryBlock(ctx context.Context, userID, queryText string) string {
	memories, err := o.Memory.RelevantMemories(ctx, userID, queryText, 100)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("memory fetch failed, continuing without memories")
		return ""
	}
	var b strings.Builder
	for _, m := range memories {
		fmt.Fprintf(&b, "- %s\n", m.Text)
	}
	return b.String()
}

func (o *Orchestrator) syncLedger(ctx context.Context, userID, platform string, platformMsgID *string, content string) ([]ledger.Message, error) {
	if o.Ledger == nil {
		return nil, nil
	}
	snapshot := []ledger.Message{{
		UserID:        userID,
		Platform:      platform,
		PlatformMsgID: platformMsgID,
		Role:          "user",
		Content:       content,
	}}
	buf, err := o.Ledger.Sync(ctx, userID, snapshot)
	if err != nil {
		return nil, err
	}
	return ledger.SanitizeBuffer(buf), nil
}

func (o *Orchestrator) fetchSummaryBlock(ctx context.Context, userID string) string {
	if o.Ledger == nil {
		return ""
	}
	n := o.SummaryCount
	if n <= 0 {
		n = 4
	}
	block, err := o.Ledger.RecentSummaryBlock(ctx, userID, n)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("summary fetch failed, continuing without summaries")
		return ""
	}
	return block
}

func buildSystemPrompt(modeName, memoryBlock, summaryBlock, displayName, platform string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode: %s\n", modeName)
	if displayName != "" {
		fmt.Fprintf(&b, "speaking with: %s (platform=%s)\n", displayName, platform)
	}
	if memoryBlock != "" {
		b.WriteString("known facts:\n")
		b.WriteString(memoryBlock)
	}
	if summaryBlock != "" {
		b.WriteString("recent summaries:\n")
		b.WriteString(summaryBlock)
	}
	fmt.Fprintf(&b, "timestamp: %s\n", time.Now().UTC().Format(time.RFC3339))
	return b.String()
}

// dispatch sends the assembled conversation to C2. model, when non-empty,
// overrides o.DefaultModel so the inbound request's model (and therefore C1's
// model-prefix provider resolution) reaches the proxy on every path, not just
// the task-prefix single-turn shortcut.
func (o *Orchestrator) dispatch(ctx context.Context, model string, opts llm.Options, systemPrompt string, buffer []ledger.Message) (string, llm.Usage, error) {
	msgs := make([]llm.Message, 0, len(buffer)+1)
	msgs = append(msgs, llm.Message{Role: "system", Content: systemPrompt})
	for _, m := range buffer {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	if strings.TrimSpace(model) == "" {
		model = o.DefaultModel
	}
	req := proxy.Request{Model: model, Messages: msgs, Options: opts}
	_, resp, err := o.Dispatcher.Enqueue(ctx, req, 0, true, o.DispatchTimeout, nil)
	if err != nil {
		return "", llm.Usage{}, err
	}
	return resp.Message.Content, resp.Usage, nil
}
