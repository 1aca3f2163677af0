// Package ollama implements the raw-instruct Ollama adapter for C1. The
// conversation is linearized into a single instruct-style prompt and posted
// to /api/generate with raw=true, stream=false.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"aegis/internal/llm"

	"github.com/rs/zerolog/log"
)

// Client dispatches provider-neutral requests to an Ollama /api/generate
// endpoint using the raw instruct-format prompt.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client against the given Ollama host (e.g. "http://localhost:11434").
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Raw     bool           `json:"raw"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// linearize converts the canonical message list into the Llama-2 instruct
// format: system text becomes "[INST] <<SYS>>...<</SYS>> [/INST]" and each
// user message becomes its own self-closed "[INST] ... [/INST]" block.
func linearize(msgs []llm.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case "system":
			b.WriteString("[INST] <<SYS>>")
			b.WriteString(m.Content)
			b.WriteString("<</SYS>> [/INST]")
		case "user":
			b.WriteString(" [INST] ")
			b.WriteString(m.Content)
			b.WriteString(" [/INST]")
		case "assistant":
			b.WriteString(" ")
			b.WriteString(m.Content)
		case "tool":
			b.WriteString(" ")
			b.WriteString(m.Content)
		}
	}
	return strings.TrimSpace(b.String())
}

// optionsMap merges the per-request overrides into Ollama's "options" body
// field (spec.md §4.1, "Options are merged into the request body"). Ollama
// calls temperature "temperature" and the generation cap "num_predict".
func optionsMap(opts llm.Options) map[string]any {
	out := map[string]any{}
	if opts.Temperature != nil {
		out["temperature"] = *opts.Temperature
	}
	if opts.MaxTokens != nil {
		out["num_predict"] = *opts.MaxTokens
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Chat dispatches a single provider-neutral request. tools is accepted to
// satisfy llm.Provider but Ollama raw-instruct has no tool-calling shape; any
// tools supplied are ignored (spec.md §4.1 names no tool translation for this
// adapter).
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, opts llm.Options) (llm.ProxyResponse, error) {
	prompt := linearize(msgs)

	reqBody := generateRequest{
		Model:   model,
		Prompt:  prompt,
		Raw:     true,
		Stream:  false,
		Options: optionsMap(opts),
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return llm.ProxyResponse{}, &llm.ProviderDecodeError{Cause: fmt.Errorf("marshal request: %w", err)}
	}

	url := c.baseURL + "/api/generate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return llm.ProxyResponse{}, &llm.ProviderConnectError{Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	log.Debug().Str("provider", "ollama").Str("model", model).Msg("dispatching request")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return llm.ProxyResponse{}, &llm.ProviderConnectError{Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.ProxyResponse{}, &llm.ProviderDecodeError{Cause: fmt.Errorf("read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return llm.ProxyResponse{}, &llm.ProviderHTTPError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return llm.ProxyResponse{}, &llm.ProviderDecodeError{Cause: fmt.Errorf("unmarshal response: %w", err)}
	}

	return llm.ProxyResponse{
		Message: llm.Message{
			Role:    "assistant",
			Content: strings.TrimSpace(parsed.Response),
		},
		Usage: llm.Usage{
			PromptTokens:     parsed.PromptEvalCount,
			CompletionTokens: parsed.EvalCount,
		},
		Timestamp: time.Now().Unix(),
	}, nil
}
