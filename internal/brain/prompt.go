package brain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/soms/backend/internal/worldmodel"
)

const eventWindow = 5 * time.Minute

// buildUserPrompt assembles the per-cycle situation report the LLM reasons
// over: world snapshot, fresh events, reports awaiting follow-up, active
// tasks and the recent-action block with its no-repeat directive.
func buildUserPrompt(ctx context.Context, world *worldmodel.WorldModel, taskAPI TaskAPI, history *actionHistory) string {
	var b strings.Builder

	b.WriteString(world.GetLLMContext())
	b.WriteString("\n\n## 最近のイベント（5分以内）\n")
	events := world.RecentEvents(eventWindow)
	if len(events) == 0 {
		b.WriteString("なし\n")
	} else {
		for _, e := range events {
			fmt.Fprintf(&b, "- [%s] %s\n", e.Timestamp.Format("15:04:05"), e.Description())
		}
	}

	if reports := world.ActionableReports(eventWindow); len(reports) > 0 {
		b.WriteString("\n## 要対応の報告\n")
		b.WriteString("以下のタスク報告は追加対応が必要です。内容を確認し、必要ならフォローアップタスクを作成してください。\n")
		for _, e := range reports {
			fmt.Fprintf(&b, "- %s\n", e.Description())
		}
	}

	b.WriteString("\n## アクティブなタスク\n")
	tasks, err := taskAPI.ActiveTasks(ctx)
	switch {
	case err != nil:
		b.WriteString("（取得できませんでした）\n")
	case len(tasks) == 0:
		b.WriteString("なし\n")
	default:
		b.WriteString("以下のタスクは既に存在します。同じ内容のタスクを重複して作成しないでください。\n")
		for _, t := range tasks {
			zone := ""
			if t.Zone != nil && *t.Zone != "" {
				zone = " / " + *t.Zone
			}
			fmt.Fprintf(&b, "- [%d] %s (緊急度%d%s)\n", t.ID, t.Title, t.Urgency, zone)
		}
	}

	b.WriteString("\n## 最近の行動（30分以内）\n")
	b.WriteString(history.Render())
	b.WriteString("\n\n上記の行動は繰り返さないでください。特に同じ内容のアナウンス（speak）は禁止です。")
	b.WriteString("\n\n現在の状況を踏まえ、必要なアクションがあれば実行してください。何もする必要がなければ、その旨を簡潔に述べてください。")

	return b.String()
}
