// Package tools defines the closed set of actions the Brain's LLM can take.
// Each tool is a typed argument struct; the OpenAI-facing JSON schema is
// generated from the same definitions, so adding a tool touches one place.
package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/soms/backend/internal/llm"
)

// Tool kinds.
const (
	KindCreateTask        = "create_task"
	KindSendDeviceCommand = "send_device_command"
	KindSpeak             = "speak"
	KindGetZoneStatus     = "get_zone_status"
	KindGetActiveTasks    = "get_active_tasks"
)

// CreateTaskArgs asks the TaskStore to create (or dedup-update) a task.
type CreateTaskArgs struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Bounty      int      `json:"bounty"`
	Urgency     int      `json:"urgency"`
	Zone        string   `json:"zone,omitempty"`
	TaskTypes   []string `json:"task_types,omitempty"`
}

// SendDeviceCommandArgs is an RPC to an edge agent over the bus.
type SendDeviceCommandArgs struct {
	AgentID   string                 `json:"agent_id"`
	ToolName  string                 `json:"tool_name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// SpeakArgs synthesizes and plays an announcement.
type SpeakArgs struct {
	Message string `json:"message"`
	Zone    string `json:"zone,omitempty"`
	Tone    string `json:"tone,omitempty"`
}

// GetZoneStatusArgs queries the world model.
type GetZoneStatusArgs struct {
	Zone string `json:"zone,omitempty"`
}

// Call is one parsed, typed tool invocation. Exactly one of the argument
// pointers is non-nil, matching Kind.
type Call struct {
	Kind string

	CreateTask        *CreateTaskArgs
	SendDeviceCommand *SendDeviceCommandArgs
	Speak             *SpeakArgs
	GetZoneStatus     *GetZoneStatusArgs
}

// Parse decodes an LLM tool call into a typed Call. Unknown tool names and
// malformed arguments are errors the ReAct loop surfaces back to the model.
func Parse(name, rawArgs string) (*Call, error) {
	if strings.TrimSpace(rawArgs) == "" {
		rawArgs = "{}"
	}

	switch name {
	case KindCreateTask:
		var raw struct {
			Title       string          `json:"title"`
			Description string          `json:"description"`
			Bounty      int             `json:"bounty"`
			Urgency     int             `json:"urgency"`
			Zone        string          `json:"zone"`
			TaskTypes   json.RawMessage `json:"task_types"`
		}
		if err := json.Unmarshal([]byte(rawArgs), &raw); err != nil {
			return nil, fmt.Errorf("create_task: bad arguments: %w", err)
		}
		types, err := parseTaskTypes(raw.TaskTypes)
		if err != nil {
			return nil, fmt.Errorf("create_task: %w", err)
		}
		return &Call{Kind: KindCreateTask, CreateTask: &CreateTaskArgs{
			Title:       strings.TrimSpace(raw.Title),
			Description: strings.TrimSpace(raw.Description),
			Bounty:      raw.Bounty,
			Urgency:     raw.Urgency,
			Zone:        strings.TrimSpace(raw.Zone),
			TaskTypes:   types,
		}}, nil

	case KindSendDeviceCommand:
		var raw struct {
			AgentID   string          `json:"agent_id"`
			ToolName  string          `json:"tool_name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(rawArgs), &raw); err != nil {
			return nil, fmt.Errorf("send_device_command: bad arguments: %w", err)
		}
		args, err := parseDeviceArguments(raw.Arguments)
		if err != nil {
			return nil, fmt.Errorf("send_device_command: %w", err)
		}
		return &Call{Kind: KindSendDeviceCommand, SendDeviceCommand: &SendDeviceCommandArgs{
			AgentID:   strings.TrimSpace(raw.AgentID),
			ToolName:  strings.TrimSpace(raw.ToolName),
			Arguments: args,
		}}, nil

	case KindSpeak:
		var args SpeakArgs
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return nil, fmt.Errorf("speak: bad arguments: %w", err)
		}
		args.Message = strings.TrimSpace(args.Message)
		return &Call{Kind: KindSpeak, Speak: &args}, nil

	case KindGetZoneStatus:
		var args GetZoneStatusArgs
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return nil, fmt.Errorf("get_zone_status: bad arguments: %w", err)
		}
		return &Call{Kind: KindGetZoneStatus, GetZoneStatus: &args}, nil

	case KindGetActiveTasks:
		return &Call{Kind: KindGetActiveTasks}, nil
	}

	return nil, fmt.Errorf("unknown tool: %s", name)
}

// parseTaskTypes accepts a CSV string or a JSON array and returns an ordered
// set. Empty-string elements are rejected.
func parseTaskTypes(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var parts []string
	var csv string
	if err := json.Unmarshal(raw, &csv); err == nil {
		if strings.TrimSpace(csv) == "" {
			return nil, nil
		}
		parts = strings.Split(csv, ",")
	} else if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("task_types must be a csv string or array")
	}

	seen := make(map[string]bool, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("task_types contains an empty element")
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// parseDeviceArguments accepts an object or a JSON-encoded object string.
func parseDeviceArguments(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object or object string")
	}
	if strings.TrimSpace(s) == "" {
		return map[string]interface{}{}, nil
	}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, fmt.Errorf("arguments string is not valid JSON: %w", err)
	}
	return obj, nil
}

// Summary renders the one-line action-history description of a call.
func (c *Call) Summary() string {
	switch c.Kind {
	case KindCreateTask:
		return fmt.Sprintf("create_task(%q, urgency=%d)", c.CreateTask.Title, c.CreateTask.Urgency)
	case KindSendDeviceCommand:
		return fmt.Sprintf("send_device_command(%s.%s)", c.SendDeviceCommand.AgentID, c.SendDeviceCommand.ToolName)
	case KindSpeak:
		return fmt.Sprintf("speak(%q, zone=%s)", c.Speak.Message, c.Speak.Zone)
	case KindGetZoneStatus:
		return fmt.Sprintf("get_zone_status(%s)", c.GetZoneStatus.Zone)
	}
	return c.Kind
}

// Definitions returns the OpenAI function schemas for the whole tool set.
func Definitions() []llm.ToolDef {
	return []llm.ToolDef{
		fn(KindCreateTask,
			"オフィスの課題を解決するためのタスクを作成します。人間のメンバーが報酬（ゴールド）と引き換えに対応します。既存タスクと重複する場合は既存タスクが更新されます。",
			params{
				"title":       prop("string", "タスクの短いタイトル（日本語）"),
				"description": prop("string", "何をすべきかの具体的な説明"),
				"bounty":      prop("integer", "報酬ゴールド（最大5000）"),
				"urgency":     prop("integer", "緊急度 0〜4（4は即時対応）"),
				"zone":        prop("string", "対象ゾーンID（例: zone_a）。全体の場合は省略"),
				"task_types":  prop("string", "タスク種別のカンマ区切り（例: environment,cleaning）"),
			},
			[]string{"title", "description", "bounty", "urgency"}),
		fn(KindSendDeviceCommand,
			"エッジデバイスのエージェントにコマンドを送信します（空調、ポンプ、照明など）。",
			params{
				"agent_id":  prop("string", "対象エージェントID"),
				"tool_name": prop("string", "実行するツール名（例: set_temperature, run_pump）"),
				"arguments": prop("string", "ツール引数のJSON文字列"),
			},
			[]string{"agent_id", "tool_name"}),
		fn(KindSpeak,
			"音声合成でオフィスにアナウンスします。同じゾーンへの連続アナウンスは5分間できません。",
			params{
				"message": prop("string", "話す内容（日本語、簡潔に）"),
				"zone":    prop("string", "対象ゾーンID。全体放送の場合は省略"),
				"tone":    prop("string", "口調: normal | friendly | urgent"),
			},
			[]string{"message"}),
		fn(KindGetZoneStatus,
			"ゾーンの現在の環境・在室状況を取得します。",
			params{
				"zone": prop("string", "ゾーンID。省略時は全ゾーン"),
			},
			nil),
		fn(KindGetActiveTasks,
			"現在アクティブな（未完了の）タスク一覧を取得します。",
			params{},
			nil),
	}
}

type params map[string]interface{}

func prop(typ, desc string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": desc}
}

func fn(name, desc string, p params, required []string) llm.ToolDef {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}(p),
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return llm.ToolDef{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        name,
			Description: desc,
			Parameters:  schema,
		},
	}
}
