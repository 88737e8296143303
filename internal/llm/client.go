// Package llm is the OpenAI-compatible chat client used by the Brain and the
// VoicePipeline. It works against any /v1/chat/completions endpoint (Ollama,
// vLLM, OpenAI) and normalizes the tool-call quirks of local models.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout     = 120 * time.Second
	defaultTemperature = 0.3
	defaultMaxTokens   = 1024
)

// Message is one turn in a chat conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is an LLM request to invoke one tool.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// UnmarshalJSON accepts arguments as either a JSON string (OpenAI) or an
// inline object (several local models emit this).
func (f *FunctionCall) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.Name = raw.Name

	trimmed := bytes.TrimSpace(raw.Arguments)
	if len(trimmed) == 0 {
		f.Arguments = "{}"
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		f.Arguments = s
	} else {
		f.Arguments = string(trimmed)
	}
	if strings.TrimSpace(f.Arguments) == "" {
		f.Arguments = "{}"
	}
	return nil
}

// ToolDef is an OpenAI-style function declaration.
type ToolDef struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes one callable function and its JSON-schema parameters.
type FunctionDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []ToolDef `json:"tools,omitempty"`
	ToolChoice  string    `json:"tool_choice,omitempty"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Client is a thin chat-completions client. Safe for concurrent use.
type Client struct {
	apiURL string
	apiKey string
	model  string

	httpClient *http.Client
	logger     *log.Logger

	Temperature float64
	MaxTokens   int
}

// NewClient builds a client against an OpenAI-compatible endpoint. apiKey may
// be empty for local backends.
func NewClient(apiURL, apiKey, model string) *Client {
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		apiKey: apiKey,
		model:  model,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:      log.New(log.Writer(), "[LLM] ", log.LstdFlags),
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	}
}

// Chat sends the conversation with optional tool definitions and returns the
// assistant message.
func (c *Client) Chat(ctx context.Context, messages []Message, tools []ToolDef) (*Message, error) {
	reqBody := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Tools:       tools,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	}
	if len(tools) > 0 {
		reqBody.ToolChoice = "auto"
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read llm response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode llm response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("llm error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llm returned no choices")
	}

	msg := parsed.Choices[0].Message
	c.logger.Printf("💬 Completion in %.1fs (%d tool calls)",
		time.Since(start).Seconds(), len(msg.ToolCalls))
	return &msg, nil
}

// Complete is the tool-free convenience used by the voice text generators.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	msg, err := c.Chat(ctx, []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(msg.Content), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
