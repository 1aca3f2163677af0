// Package anthropic implements the Anthropic messages adapter for C1. Three
// shape translations happen at this boundary: system-role extraction, the
// OpenAI tool_calls -> tool_use block rewrite, and collection of the
// role=tool messages following a tool_use turn into a single tool_result
// user message, dropping orphans.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"aegis/internal/config"
	"aegis/internal/llm"

	"github.com/rs/zerolog/log"
)

const defaultMaxTokens int64 = 1024

// Client dispatches provider-neutral requests through the Anthropic messages
// API.
type Client struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
}

// New builds a Client from the given configuration. A nil httpClient uses
// the SDK's default transport.
func New(cfg config.AnthropicConfig, httpClient *http.Client) *Client {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Client{
		sdk:       anthropic.NewClient(opts...),
		model:     strings.TrimSpace(cfg.Model),
		maxTokens: maxTokens,
	}
}

// adaptTools converts tools declared by the caller in OpenAI format to
// Anthropic's custom tool shape. Tools already expressed purely as a server
// tool name/description/schema triple pass through unchanged — there is no
// separate server-tool wire shape distinct from this one at our boundary.
func adaptTools(tools []llm.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("anthropic adapter: tool name required")
		}
		schema := anthropic.ToolInputSchemaParam{Type: constant.ValueOf[constant.Object]()}
		extras := map[string]any{}
		for k, v := range t.Parameters {
			extras[k] = v
		}
		if props, ok := extras["properties"]; ok {
			schema.Properties = props
			delete(extras, "properties")
		}
		if req, ok := extras["required"]; ok {
			delete(extras, "required")
			switch v := req.(type) {
			case []string:
				schema.Required = v
			case []any:
				for _, item := range v {
					if s, ok := item.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}
		delete(extras, "type")
		if len(extras) > 0 {
			schema.ExtraFields = extras
		}

		param := anthropic.ToolParam{Name: name, InputSchema: schema}
		if desc := strings.TrimSpace(t.Description); desc != "" {
			param.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, nil
}

// adaptMessages implements the three mandatory Anthropic shape translations
// (spec.md §4.1): system extraction, tool_calls -> tool_use rewrite, and
// tool_result grouping with orphan drop.
func adaptMessages(msgs []llm.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	var system []anthropic.TextBlockParam
	out := make([]anthropic.MessageParam, 0, len(msgs))

	// openToolUseIDs tracks tool_use ids emitted by the most recent assistant
	// turn that have not yet been matched by a tool_result.
	var openToolUseIDs map[string]bool
	var pendingResults []anthropic.ContentBlockParamUnion

	flushPendingResults := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
		openToolUseIDs = nil
	}

	for _, m := range msgs {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case "system":
			flushPendingResults()
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, anthropic.TextBlockParam{Text: m.Content})
			}
		case "user":
			flushPendingResults()
			if strings.TrimSpace(m.Content) != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		case "assistant":
			flushPendingResults()
			blocks := []anthropic.ContentBlockParamUnion{}
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			if len(m.ToolCalls) > 0 {
				openToolUseIDs = make(map[string]bool, len(m.ToolCalls))
			}
			for i, tc := range m.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					id = fmt.Sprintf("call-%d", i+1)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, decodeArgs(tc.Args), tc.Name))
				openToolUseIDs[id] = true
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case "tool":
			// A tool result with no matching tool_use happens when a
			// conversation is replayed against a different provider than the
			// one that originally emitted the call (spec.md §9 allows either
			// drop or error here; we drop and warn rather than fail the whole
			// turn over stale history). A tool_use left with no tool_result
			// at all is not dropped - it's sent to Anthropic as-is, which
			// rejects it; that's surfaced as a normal provider HTTP error
			// rather than guessed-at client side.
			id := strings.TrimSpace(m.ToolCallID)
			if id == "" || !openToolUseIDs[id] {
				log.Warn().Str("tool_call_id", id).Msg("dropping orphan tool result: no matching tool_use in preceding assistant turn")
				continue
			}
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(id, m.Content, false))
			delete(openToolUseIDs, id)
		default:
			return nil, nil, fmt.Errorf("unsupported role for anthropic adapter: %s", m.Role)
		}
	}
	flushPendingResults()

	return system, out, nil
}

func decodeArgs(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	return map[string]any{}
}

func messageFromResponse(resp *anthropic.Message) llm.Message {
	if resp == nil {
		return llm.Message{}
	}
	var sb strings.Builder
	var calls []llm.ToolCall
	callIdx := 0

	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			callIdx++
			id := strings.TrimSpace(v.ID)
			if id == "" {
				id = fmt.Sprintf("call-%d", callIdx)
			}
			args := v.Input
			if len(args) == 0 {
				if b, err := json.Marshal(v.Input); err == nil {
					args = b
				}
			}
			calls = append(calls, llm.ToolCall{ID: id, Name: v.Name, Args: args})
		}
	}

	return llm.Message{Role: "assistant", Content: sb.String(), ToolCalls: calls}
}

func usagePromptTokens(cacheCreation, cacheRead, input int64) int {
	return int(cacheCreation + cacheRead + input)
}

func (c *Client) pickModel(model string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return c.model
}

// Chat dispatches a single provider-neutral request through the Anthropic
// messages API.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, opts llm.Options) (llm.ProxyResponse, error) {
	sys, converted, err := adaptMessages(msgs)
	if err != nil {
		return llm.ProxyResponse{}, &llm.ProviderDecodeError{Cause: err}
	}
	toolDefs, err := adaptTools(tools)
	if err != nil {
		return llm.ProxyResponse{}, &llm.ProviderDecodeError{Cause: err}
	}

	maxTokens := c.maxTokens
	if opts.MaxTokens != nil {
		maxTokens = int64(*opts.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.pickModel(model)),
		Messages:  converted,
		System:    sys,
		Tools:     toolDefs,
		MaxTokens: maxTokens,
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}

	ctx, span := llm.StartRequestSpan(ctx, "Anthropic Chat", string(params.Model), len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPrompt(ctx, msgs)

	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", dur).Msg("anthropic chat dispatch failed")
		return llm.ProxyResponse{}, classifyError(err)
	}

	out := messageFromResponse(resp)
	promptTokens := usagePromptTokens(resp.Usage.CacheCreationInputTokens, resp.Usage.CacheReadInputTokens, resp.Usage.InputTokens)
	completionTokens := int(resp.Usage.OutputTokens)

	llm.RecordTokenAttributes(span, promptTokens, completionTokens, promptTokens+completionTokens)
	llm.RecordTokenMetrics(string(params.Model), promptTokens, completionTokens)

	log.Debug().Str("model", string(params.Model)).Dur("duration", dur).
		Int("prompt_tokens", promptTokens).Int("completion_tokens", completionTokens).
		Msg("anthropic chat dispatch ok")

	return llm.ProxyResponse{
		Message:   out,
		Usage:     llm.Usage{PromptTokens: promptTokens, CompletionTokens: completionTokens},
		Timestamp: time.Now().Unix(),
	}, nil
}

func classifyError(err error) error {
	var apiErr *anthropic.Error
	if asAnthropicError(err, &apiErr) {
		return &llm.ProviderHTTPError{Status: apiErr.StatusCode, Body: apiErr.RawJSON()}
	}
	return &llm.ProviderConnectError{Cause: err}
}

func asAnthropicError(err error, target **anthropic.Error) bool {
	if apiErr, ok := err.(*anthropic.Error); ok {
		*target = apiErr
		return true
	}
	return false
}
