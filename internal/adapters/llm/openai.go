// Package llm adapts an OpenAI-compatible chat completion API to the
// rebalancer's ChatModel and TargetParser ports.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/supaandu/rebalancer/internal/core/domain"
)

// DefaultModel is used when no model is configured.
const DefaultModel = openai.GPT4oMini

const targetSystemPrompt = `You convert a user's description of a desired crypto portfolio into a target allocation.
Reply with a single JSON object mapping token symbols to percentages of total portfolio value.
Spell held tokens exactly as listed, including their letter case.
Percentages are plain numbers and should sum to 100. Do not add explanations.
Example: {"ETH": 60, "USDC": 40}`

// OpenAIClient talks to an OpenAI-compatible chat completion endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
	log    zerolog.Logger
}

// NewOpenAIClient creates a client. baseURL may point at any OpenAI-compatible
// server; empty uses the OpenAI default.
func NewOpenAIClient(apiKey, baseURL, model string, timeout time.Duration, log zerolog.Logger) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key: %w", domain.ErrNotConfigured)
	}
	if model == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		log:    log.With().Str("component", "openai").Str("model", model).Logger(),
	}, nil
}

// Chat runs one completion step. Tools may be empty to force a text answer.
func (c *OpenAIClient) Chat(ctx context.Context, messages []domain.ChatMessage, tools []domain.ToolSpec) (domain.ChatMessage, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toOpenAIMessages(messages),
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	msg, err := c.complete(ctx, req)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return fromOpenAIMessage(msg), nil
}

// ParseTarget asks the model for a target allocation matching query. The raw
// model content is returned alongside the allocation for diagnostics.
func (c *OpenAIClient) ParseTarget(ctx context.Context, query string, symbols []string) (domain.TargetAllocation, string, error) {
	user := query
	if len(symbols) > 0 {
		user = fmt.Sprintf("Tokens currently held: %s.\nRequest: %s", strings.Join(symbols, ", "), query)
	}

	msg, err := c.complete(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: targetSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, "", err
	}

	target, err := DecodeAllocation(msg.Content)
	if err != nil {
		return nil, msg.Content, &domain.ParseError{Raw: msg.Content, Err: err}
	}
	c.log.Debug().Str("query", query).Interface("target", target).Msg("Parsed target allocation")
	return target, msg.Content, nil
}

func (c *OpenAIClient) complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionMessage, error) {
	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			c.log.Error().Int("status", apiErr.HTTPStatusCode).Str("type", apiErr.Type).Msg(apiErr.Message)
		}
		return openai.ChatCompletionMessage{}, &domain.UpstreamLookupError{Service: "openai", Err: err}
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}, &domain.UpstreamLookupError{Service: "openai", Err: errors.New("no choices in response")}
	}

	c.log.Debug().
		Dur("elapsed", time.Since(start)).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Str("finish_reason", string(resp.Choices[0].FinishReason)).
		Msg("Chat completion")
	return resp.Choices[0].Message, nil
}

func toOpenAIMessages(messages []domain.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) domain.ChatMessage {
	out := domain.ChatMessage{
		Role:    m.Role,
		Content: m.Content,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

// ExtractJSONObject returns the first complete JSON object in s, tolerating
// markdown code fences and surrounding prose that may itself contain braces.
func ExtractJSONObject(s string) (string, error) {
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		var obj json.RawMessage
		if err := json.NewDecoder(strings.NewReader(s[i:])).Decode(&obj); err != nil {
			continue
		}
		return string(obj), nil
	}
	return "", errors.New("no JSON object in model output")
}

// DecodeAllocation parses model output into a target allocation. Symbols are
// kept as returned; keys differing only in case are rejected. A single
// wrapping key such as "allocation" is unwrapped.
func DecodeAllocation(content string) (domain.TargetAllocation, error) {
	obj, err := ExtractJSONObject(content)
	if err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(raw) == 1 {
		for _, v := range raw {
			var inner map[string]json.RawMessage
			if json.Unmarshal(v, &inner) == nil {
				raw = inner
			}
		}
	}
	if len(raw) == 0 {
		return nil, errors.New("empty allocation")
	}

	out := make(domain.TargetAllocation, len(raw))
	seen := make(map[string]string, len(raw))
	for key, v := range raw {
		symbol := strings.TrimSpace(key)
		if symbol == "" {
			return nil, errors.New("empty token symbol")
		}
		if prev, ok := seen[strings.ToLower(symbol)]; ok {
			return nil, fmt.Errorf("duplicate symbols %q and %q", prev, symbol)
		}
		seen[strings.ToLower(symbol)] = symbol

		var pct float64
		if err := json.Unmarshal(v, &pct); err != nil {
			return nil, fmt.Errorf("value for %s is not a number: %s", symbol, string(v))
		}
		out[symbol] = pct
	}
	return out, nil
}
