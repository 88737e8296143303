package voice

import (
	"context"
	"fmt"
	"strings"
)

// TextGen produces short Japanese utterances. Satisfied by llm.Client.
type TextGen interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

const speechPersona = `あなたはオフィスを管理するAI「SOMS」の声です。` +
	`短く、自然な日本語の話し言葉で応答してください。` +
	`出力は読み上げるテキストのみで、引用符や説明は不要です。`

// Speech generates the Japanese text behind every clip. Each generator has a
// canned fallback so a dead LLM degrades to repetitive but working audio.
type Speech struct {
	llm TextGen
}

// NewSpeech wraps a text generator.
func NewSpeech(gen TextGen) *Speech {
	return &Speech{llm: gen}
}

// AnnouncementText produces the clip played when a task is created.
func (s *Speech) AnnouncementText(ctx context.Context, title, description, zone string) string {
	user := fmt.Sprintf(
		"新しいタスクを作成しました。アナウンス文を1〜2文で作ってください。\nタイトル: %s\n内容: %s",
		title, description)
	if zone != "" {
		user += "\n場所: " + zone
	}
	if text := s.generate(ctx, user); text != "" {
		return text
	}
	return fmt.Sprintf("新しいタスク「%s」が登録されました。対応をお願いします。", title)
}

// CompletionText produces the clip played when the task gets completed,
// generated ahead of time so completion feedback is instant.
func (s *Speech) CompletionText(ctx context.Context, title, description, zone string) string {
	user := fmt.Sprintf(
		"タスクが完了したときに流すお礼の一言を作ってください。1文で。\nタイトル: %s\n内容: %s",
		title, description)
	if text := s.generate(ctx, user); text != "" {
		return text
	}
	return fmt.Sprintf("「%s」の完了を確認しました。ありがとうございます。", title)
}

// RejectionText produces one stock rejection line, the phrase played when a
// human declines or ignores a task.
func (s *Speech) RejectionText(ctx context.Context) string {
	user := "タスクを断られたときの、少し残念そうだけど嫌味のない一言を作ってください。1文、バリエーション豊かに。"
	if text := s.generate(ctx, user); text != "" {
		return text
	}
	return "そうですか、残念です。また今度お願いしますね。"
}

// FeedbackText produces the short reaction clip for a lifecycle event type
// (accept, complete, thanks).
func (s *Speech) FeedbackText(ctx context.Context, kind string) string {
	prompts := map[string]string{
		"accept":   "誰かがタスクを引き受けてくれました。嬉しそうな一言を1文で。",
		"complete": "タスクが完了しました。労いの一言を1文で。",
		"thanks":   "感謝を伝える一言を1文で。",
	}
	fallbacks := map[string]string{
		"accept":   "引き受けてくれてありがとうございます。よろしくお願いします。",
		"complete": "お疲れさまでした。助かりました。",
		"thanks":   "いつもありがとうございます。",
	}

	if prompt, ok := prompts[kind]; ok {
		if text := s.generate(ctx, prompt); text != "" {
			return text
		}
	}
	if fb, ok := fallbacks[kind]; ok {
		return fb
	}
	return "ありがとうございます。"
}

func (s *Speech) generate(ctx context.Context, user string) string {
	if s.llm == nil {
		return ""
	}
	text, err := s.llm.Complete(ctx, speechPersona, user)
	if err != nil {
		return ""
	}
	return strings.Trim(strings.TrimSpace(text), `"「」`)
}
