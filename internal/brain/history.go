package brain

import (
	"fmt"
	"strings"
	"time"
)

const (
	historyRetention = 2 * time.Hour
	repeatWindow     = 30 * time.Minute
)

// Action is one executed (or rejected) tool call kept for the LLM's
// self-awareness: the prompt shows recent actions with a directive not to
// repeat them.
type Action struct {
	Time    time.Time
	Tool    string
	Summary string
	Success bool
}

// actionHistory is owned by the Brain scheduler goroutine.
type actionHistory struct {
	actions []Action
	now     func() time.Time
}

func newActionHistory() *actionHistory {
	return &actionHistory{now: time.Now}
}

func (h *actionHistory) Add(tool, summary string, success bool) {
	h.actions = append(h.actions, Action{
		Time: h.now(), Tool: tool, Summary: summary, Success: success,
	})
}

// Prune drops actions older than the retention window. Called after every
// cycle.
func (h *actionHistory) Prune() {
	cutoff := h.now().Add(-historyRetention)
	start := 0
	for start < len(h.actions) && h.actions[start].Time.Before(cutoff) {
		start++
	}
	h.actions = h.actions[start:]
}

// Recent returns actions inside the repeat window, oldest first.
func (h *actionHistory) Recent() []Action {
	cutoff := h.now().Add(-repeatWindow)
	var out []Action
	for _, a := range h.actions {
		if a.Time.After(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// Render formats the recent-action block for the prompt.
func (h *actionHistory) Render() string {
	recent := h.Recent()
	if len(recent) == 0 {
		return "なし"
	}
	var b strings.Builder
	for _, a := range recent {
		mark := "✓"
		if !a.Success {
			mark = "✗"
		}
		fmt.Fprintf(&b, "- [%s] %s %s\n", a.Time.Format("15:04"), a.Summary, mark)
	}
	return strings.TrimRight(b.String(), "\n")
}
