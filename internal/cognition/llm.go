package cognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"github.com/vthunder/medulla/internal/logging"
)

// Client is an OpenAI-compatible chat-completions client for one model
// tier.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	label      string
	httpClient *http.Client
}

// normalizeBaseURL strips trailing slashes and a "/chat/completions"
// suffix so the path is never doubled when the client appends it.
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// NewTier creates a Client for a named tier. Each config key first
// tries {prefix}_{KEY}, then falls back to the shared OPENAI_{KEY}, so
// a deployment can point tiers at different models or providers:
//
//	SMART_API_KEY  -> OPENAI_API_KEY
//	SMART_BASE_URL -> OPENAI_BASE_URL
//	SMART_MODEL    -> OPENAI_MODEL
//
// An empty prefix reads only the shared vars.
func NewTier(prefix string) *Client {
	get := func(suffix, fallback string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + "_" + suffix); v != "" {
				return v
			}
		}
		return os.Getenv(fallback)
	}
	label := prefix
	if label == "" {
		label = "LLM"
	}
	return &Client{
		baseURL:    normalizeBaseURL(get("BASE_URL", "OPENAI_BASE_URL")),
		apiKey:     get("API_KEY", "OPENAI_API_KEY"),
		model:      get("MODEL", "OPENAI_MODEL"),
		label:      label,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// Validate reports which credentials are missing for this tier.
func (c *Client) Validate() error {
	var missing []string
	if c.baseURL == "" {
		missing = append(missing, "base URL")
	}
	if c.apiKey == "" {
		missing = append(missing, "API key")
	}
	if c.model == "" {
		missing = append(missing, "model")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s tier missing %s", c.label, strings.Join(missing, ", "))
	}
	return nil
}

type chatRequest struct {
	Model      string    `json:"model"`
	Messages   []Message `json:"messages"`
	Tools      []ToolDef `json:"tools,omitempty"`
	ToolChoice string    `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends one chat-completions call, retrying transient
// failures. 4xx responses other than 429 fail immediately.
func (c *Client) Generate(ctx context.Context, req Request) (*Reply, error) {
	payload := chatRequest{
		Model:    c.model,
		Messages: req.Messages,
		Tools:    req.Tools,
	}
	if len(req.Tools) > 0 {
		payload.ToolChoice = "auto"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var reply *Reply
	err = retry.Do(
		func() error {
			r, err := c.post(ctx, body)
			if err != nil {
				return err
			}
			reply = r
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) post(ctx context.Context, body []byte) (*Reply, error) {
	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, logging.Truncate(string(respBody), 200))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Unrecoverable(err)
		}
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to decode response: %w", err))
	}
	if parsed.Error != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("API error: %s", parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return nil, retry.Unrecoverable(fmt.Errorf("no choices in response"))
	}

	msg := parsed.Choices[0].Message
	logging.Debug("cognition", "[%s] %d prompt + %d completion tokens, %d tool calls",
		c.label, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, len(msg.ToolCalls))
	return &Reply{
		Content:   msg.Content,
		ToolCalls: msg.ToolCalls,
		Usage:     parsed.Usage,
	}, nil
}

// StripThinkBlocks removes <think>...</think> blocks that reasoning
// models emit around structured output.
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}

// StripFences removes markdown code fences and think blocks from model
// output, leaving bare JSON.
func StripFences(s string) string {
	s = StripThinkBlocks(strings.TrimSpace(s))
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
