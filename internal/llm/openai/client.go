// Package openai implements the OpenAI chat adapter for C1. Messages pass
// through to the SDK with one normalization: a tool_calls field that arrives
// as a single object is wrapped into a one-element list (handled by the
// caller before AdaptMessages ever sees it — see NormalizeToolCalls).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"aegis/internal/config"
	"aegis/internal/llm"

	"github.com/rs/zerolog/log"
)

// Client dispatches provider-neutral requests through the OpenAI chat
// completions API.
type Client struct {
	sdk   sdk.Client
	model string
}

// New builds a Client from the given configuration. A nil httpClient uses the
// SDK's default transport.
func New(c config.OpenAIConfig, httpClient *http.Client) *Client {
	opts := []option.RequestOption{option.WithAPIKey(c.APIKey)}
	if c.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.BaseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &Client{sdk: sdk.NewClient(opts...), model: c.Model}
}

// NormalizeToolCalls wraps a raw JSON tool_calls field that decoded as a
// single object into a one-element array, per spec.md §4.1's OpenAI
// normalization rule. Called by transports that decode caller-supplied JSON
// before constructing llm.Message values.
func NormalizeToolCalls(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw, nil
	}
	var single map[string]any
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return raw, nil
	}
	wrapped, err := json.Marshal([]any{single})
	if err != nil {
		return raw, fmt.Errorf("normalize tool_calls: %w", err)
	}
	return wrapped, nil
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}

// AdaptSchemas converts portable tool schemas into OpenAI SDK tool params.
func AdaptSchemas(schemas []llm.ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		def := sdk.FunctionDefinitionParam{
			Name:        s.Name,
			Description: sdk.String(s.Description),
			Parameters:  s.Parameters,
		}
		out = append(out, sdk.ChatCompletionFunctionTool(def))
	}
	return out
}

// AdaptMessages converts the portable message history to OpenAI SDK message
// params. Tools and tool_choice pass through verbatim when present — there is
// no other shape translation for this adapter (spec.md §4.1).
func AdaptMessages(msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "user":
			out = append(out, sdk.UserMessage(m.Content))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(m.Content))
				continue
			}
			var asst sdk.ChatCompletionAssistantMessageParam
			asst.Content.OfString = sdk.String(m.Content)
			for _, tc := range m.ToolCalls {
				fn := sdk.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Arguments: string(tc.Args),
						Name:      tc.Name,
					},
				}
				asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{OfFunction: &fn})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case "tool":
			out = append(out, sdk.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Chat dispatches a single provider-neutral request through the OpenAI chat
// completions API.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, opts llm.Options) (llm.ProxyResponse, error) {
	effectiveModel := firstNonEmpty(model, c.model)

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(effectiveModel),
		Messages: AdaptMessages(msgs),
	}
	if len(tools) > 0 {
		params.Tools = AdaptSchemas(tools)
	}
	if opts.Temperature != nil {
		params.Temperature = sdk.Float(*opts.Temperature)
	}
	if opts.MaxTokens != nil {
		params.MaxCompletionTokens = sdk.Int(int64(*opts.MaxTokens))
	}

	ctx, span := llm.StartRequestSpan(ctx, "OpenAI Chat", effectiveModel, len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPrompt(ctx, msgs)

	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", effectiveModel).Dur("duration", dur).Msg("openai chat dispatch failed")
		return llm.ProxyResponse{}, classifyError(err)
	}

	llm.RecordTokenAttributes(span, int(comp.Usage.PromptTokens), int(comp.Usage.CompletionTokens), int(comp.Usage.TotalTokens))
	llm.RecordTokenMetrics(effectiveModel, int(comp.Usage.PromptTokens), int(comp.Usage.CompletionTokens))

	log.Debug().Str("model", effectiveModel).Dur("duration", dur).
		Int("prompt_tokens", int(comp.Usage.PromptTokens)).
		Int("completion_tokens", int(comp.Usage.CompletionTokens)).
		Msg("openai chat dispatch ok")

	var out llm.Message
	if len(comp.Choices) > 0 {
		msg := comp.Choices[0].Message
		out = llm.Message{Role: "assistant", Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			switch v := tc.AsAny().(type) {
			case sdk.ChatCompletionMessageFunctionToolCall:
				out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
					ID:   v.ID,
					Name: v.Function.Name,
					Args: json.RawMessage(v.Function.Arguments),
				})
			case sdk.ChatCompletionMessageCustomToolCall:
				out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
					ID:   v.ID,
					Name: v.Custom.Name,
					Args: json.RawMessage(v.Custom.Input),
				})
			}
		}
	}

	return llm.ProxyResponse{
		Message: out,
		Usage: llm.Usage{
			PromptTokens:     int(comp.Usage.PromptTokens),
			CompletionTokens: int(comp.Usage.CompletionTokens),
		},
		Timestamp: time.Now().Unix(),
	}, nil
}

// classifyError maps SDK errors onto the typed provider errors required by
// spec.md §4.1. The SDK surfaces HTTP status errors as *sdk.Error; anything
// else is a connect failure.
func classifyError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &llm.ProviderHTTPError{Status: apiErr.StatusCode, Body: apiErr.RawJSON()}
	}
	return &llm.ProviderConnectError{Cause: err}
}
