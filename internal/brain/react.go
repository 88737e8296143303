package brain

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/soms/backend/internal/llm"
	"github.com/soms/backend/internal/sanitizer"
	"github.com/soms/backend/internal/tools"
)

const (
	reactMaxIterations   = 5
	maxSpeakPerCycle     = 1
	maxConsecutiveErrors = 1
)

// ChatClient is the LLM surface the loop needs.
type ChatClient interface {
	Chat(ctx context.Context, messages []llm.Message, defs []llm.ToolDef) (*llm.Message, error)
}

// reactLoop runs one multi-turn reason/act exchange. State lives for one
// cycle only; cross-cycle memory is the action history.
type reactLoop struct {
	llm      ChatClient
	policy   *sanitizer.Sanitizer
	executor *Executor
	history  *actionHistory
	logger   *log.Logger
}

// run drives up to five LLM turns, executing validated tool calls and feeding
// results back as tool messages. It stops when the model answers with plain
// text, when a call fails or is rejected, or when the iteration cap hits.
func (r *reactLoop) run(ctx context.Context, systemPrompt, userPrompt string) error {
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
	defs := tools.Definitions()

	seen := make(map[string]bool) // name+args dedup within the cycle
	speaks := 0
	consecutiveErrors := 0

	for iter := 0; iter < reactMaxIterations; iter++ {
		start := time.Now()
		reply, err := r.llm.Chat(ctx, messages, defs)
		llmLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("llm turn %d: %w", iter+1, err)
		}

		if len(reply.ToolCalls) == 0 {
			if reply.Content != "" {
				r.logger.Printf("💭 %s", truncateRunes(reply.Content, 200))
			}
			return nil
		}

		// keep only calls that survive in-cycle dedup and the speak cap;
		// the assistant message must list exactly the calls we answer
		var accepted []llm.ToolCall
		for _, tc := range reply.ToolCalls {
			key := tc.Function.Name + "|" + tc.Function.Arguments
			if seen[key] {
				r.logger.Printf("🔁 Skipping duplicate call %s in this cycle", tc.Function.Name)
				continue
			}
			if tc.Function.Name == tools.KindSpeak && speaks >= maxSpeakPerCycle {
				r.logger.Printf("🔇 Speak cap reached this cycle, skipping")
				continue
			}
			seen[key] = true
			if tc.Function.Name == tools.KindSpeak {
				speaks++
			}
			accepted = append(accepted, tc)
		}
		if len(accepted) == 0 {
			return nil
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   reply.Content,
			ToolCalls: accepted,
		})

		for _, tc := range accepted {
			result, failed := r.runCall(ctx, tc)
			if failed {
				consecutiveErrors++
			} else {
				consecutiveErrors = 0
			}
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
				Name:       tc.Function.Name,
			})
			if consecutiveErrors >= maxConsecutiveErrors {
				r.logger.Printf("🛑 Aborting cycle after %d failed call(s)", consecutiveErrors)
				return nil
			}
		}
	}

	r.logger.Printf("⏹️ Iteration cap reached, ending cycle")
	return nil
}

// runCall parses, validates and executes one tool call. The returned string
// always goes back to the model; failed reports whether it was an error or a
// rejection rather than a success.
func (r *reactLoop) runCall(ctx context.Context, tc llm.ToolCall) (result string, failed bool) {
	call, err := tools.Parse(tc.Function.Name, tc.Function.Arguments)
	if err != nil {
		toolCallsTotal.WithLabelValues(tc.Function.Name, outcomeRejected).Inc()
		return fmt.Sprintf("引数エラー: %v", err), true
	}

	if err := r.policy.Validate(call); err != nil {
		toolCallsTotal.WithLabelValues(call.Kind, outcomeRejected).Inc()
		r.history.Add(call.Kind, call.Summary(), false)
		return fmt.Sprintf("このアクションは拒否されました: %v", err), true
	}

	out, err := r.executor.Execute(ctx, call)
	if err != nil {
		toolCallsTotal.WithLabelValues(call.Kind, outcomeError).Inc()
		r.history.Add(call.Kind, call.Summary(), false)
		r.logger.Printf("❌ %s failed: %v", call.Kind, err)
		return fmt.Sprintf("実行エラー: %v", err), true
	}

	toolCallsTotal.WithLabelValues(call.Kind, outcomeOK).Inc()
	if call.Kind != tools.KindGetZoneStatus && call.Kind != tools.KindGetActiveTasks {
		r.history.Add(call.Kind, call.Summary(), true)
	}
	r.logger.Printf("✅ %s", call.Summary())
	return out, false
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
