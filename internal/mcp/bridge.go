// Package mcp implements JSON-RPC 2.0 request/response over the message bus,
// the protocol edge agents speak. Requests go to
// mcp/{agent_id}/request/call_tool and responses come back on
// mcp/{agent_id}/response/{id}.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soms/backend/internal/bus"
)

const (
	// DefaultTimeout bounds how long a caller waits for an agent reply.
	DefaultTimeout = 10 * time.Second

	responseFilter = "mcp/+/response/#"
)

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      string    `json:"id"`
}

type rpcParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      string          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Bridge tracks in-flight RPCs by id. Responses arriving on the bus thread
// are handed to the waiting caller through a buffered channel; the bus
// goroutine never blocks and never runs caller code.
type Bridge struct {
	bus     bus.Bus
	timeout time.Duration
	logger  *log.Logger

	mu      sync.Mutex
	pending map[string]chan *rpcResponse
}

// NewBridge subscribes to the response wildcard and returns a ready bridge.
func NewBridge(b bus.Bus) (*Bridge, error) {
	br := &Bridge{
		bus:     b,
		timeout: DefaultTimeout,
		logger:  log.New(log.Writer(), "[MCP] ", log.LstdFlags),
		pending: make(map[string]chan *rpcResponse),
	}
	if err := b.Subscribe(responseFilter, br.handleResponse); err != nil {
		return nil, fmt.Errorf("subscribe mcp responses: %w", err)
	}
	return br, nil
}

// CallTool sends one tool invocation to an agent and waits for the reply.
// The returned string is what the LLM sees as the tool result.
func (br *Bridge) CallTool(ctx context.Context, agentID, toolName string, args map[string]interface{}) (string, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	id := uuid.New().String()

	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "call_tool",
		Params:  rpcParams{Name: toolName, Arguments: args},
		ID:      id,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal mcp request: %w", err)
	}

	ch := make(chan *rpcResponse, 1)
	br.mu.Lock()
	br.pending[id] = ch
	br.mu.Unlock()
	defer func() {
		br.mu.Lock()
		delete(br.pending, id)
		br.mu.Unlock()
	}()

	topic := fmt.Sprintf("mcp/%s/request/call_tool", agentID)
	if err := br.bus.Publish(topic, payload); err != nil {
		return "", fmt.Errorf("publish mcp request: %w", err)
	}
	br.logger.Printf("📡 %s.%s (id=%s)", agentID, toolName, id[:8])

	timer := time.NewTimer(br.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("agent %s did not respond within %s", agentID, br.timeout)
	case resp := <-ch:
		if resp.Error != nil {
			return "", fmt.Errorf("agent %s error %d: %s", agentID, resp.Error.Code, resp.Error.Message)
		}
		return renderResult(resp.Result), nil
	}
}

// handleResponse runs on the bus transport goroutine. The body's id field is
// authoritative; the topic id is only a routing hint.
func (br *Bridge) handleResponse(msg bus.Message) {
	var resp rpcResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		br.logger.Printf("⚠️ Bad response on %s: %v", msg.Topic, err)
		return
	}
	if resp.ID == "" {
		if parts := strings.Split(msg.Topic, "/"); len(parts) >= 4 {
			resp.ID = parts[3]
		}
	}

	br.mu.Lock()
	ch, ok := br.pending[resp.ID]
	br.mu.Unlock()
	if !ok {
		// late reply after timeout, or a response meant for another process
		return
	}

	select {
	case ch <- &resp:
	default:
	}
}

// renderResult flattens an MCP result into the text the LLM ingests.
// MCP-shaped results ({"content":[{"type":"text","text":...}]}) become the
// joined text; anything else is returned as raw JSON.
func renderResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "ok"
	}
	var mcpShaped struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &mcpShaped); err == nil && len(mcpShaped.Content) > 0 {
		parts := make([]string, 0, len(mcpShaped.Content))
		for _, c := range mcpShaped.Content {
			if c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return string(raw)
}
