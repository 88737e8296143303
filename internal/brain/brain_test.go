package brain

import (
	"context"
	"fmt"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soms/backend/internal/clients"
	"github.com/soms/backend/internal/llm"
	"github.com/soms/backend/internal/sanitizer"
	"github.com/soms/backend/internal/scheduler"
	"github.com/soms/backend/internal/taskstore"
	"github.com/soms/backend/internal/tools"
	"github.com/soms/backend/internal/worldmodel"
)

type fakeLLM struct {
	replies []*llm.Message
	calls   int
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.Message, defs []llm.ToolDef) (*llm.Message, error) {
	if f.calls >= len(f.replies) {
		return &llm.Message{Role: "assistant", Content: "完了しました"}, nil
	}
	reply := f.replies[f.calls]
	f.calls++
	return reply, nil
}

type fakeTasks struct {
	mu          sync.Mutex
	created     []taskstore.CreateInput
	active      []taskstore.Task
	voiceEvents []string
	reminded    []int64
	nextID      int64
}

func (f *fakeTasks) CreateTask(ctx context.Context, in taskstore.CreateInput) (*taskstore.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, in)
	f.nextID++
	return &taskstore.Task{
		ID:         f.nextID,
		Title:      in.Title,
		Urgency:    in.Urgency,
		BountyGold: in.BountyGold,
		Zone:       in.Zone,
	}, nil
}

func (f *fakeTasks) ActiveTasks(ctx context.Context) ([]taskstore.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]taskstore.Task(nil), f.active...), nil
}

func (f *fakeTasks) MarkReminded(ctx context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reminded = append(f.reminded, taskID)
	return nil
}

func (f *fakeTasks) RecordVoiceEvent(ctx context.Context, eventType, message string, zone, audioURL *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voiceEvents = append(f.voiceEvents, eventType+":"+message)
	return nil
}

type fakeVoice struct {
	mu         sync.Mutex
	synthFail  bool
	annFail    bool
	synthCalls []string
}

func (f *fakeVoice) Synthesize(ctx context.Context, text, zone, tone string) (*clients.SynthesisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.synthFail {
		return nil, fmt.Errorf("synth down")
	}
	f.synthCalls = append(f.synthCalls, text)
	return &clients.SynthesisResult{AudioURL: "/audio/test.wav", Text: text}, nil
}

func (f *fakeVoice) RejectionRandom(ctx context.Context) (*clients.SynthesisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.synthFail {
		return nil, fmt.Errorf("voice down")
	}
	return &clients.SynthesisResult{
		AudioURL: "/audio/rejections/clip.wav",
		Text:     "そうですか、残念です。",
	}, nil
}

func (f *fakeVoice) AnnounceWithCompletion(ctx context.Context, title, description, zone string) (*clients.Announcement, error) {
	if f.annFail {
		return nil, fmt.Errorf("synth down")
	}
	return &clients.Announcement{
		AnnouncementAudioURL: "/audio/ann.wav",
		AnnouncementText:     "新しいタスクです",
		CompletionAudioURL:   "/audio/done.wav",
		CompletionText:       "完了しました",
	}, nil
}

type fakeRPC struct {
	calls []string
}

func (f *fakeRPC) CallTool(ctx context.Context, agentID, toolName string, args map[string]interface{}) (string, error) {
	f.calls = append(f.calls, agentID+"."+toolName)
	return "ok", nil
}

type noopDispatcher struct{ dispatched []int64 }

func (d *noopDispatcher) DispatchTask(taskID int64) error {
	d.dispatched = append(d.dispatched, taskID)
	return nil
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{
		ID:       id,
		Type:     "function",
		Function: llm.FunctionCall{Name: name, Arguments: args},
	}
}

type testRig struct {
	loop   *reactLoop
	llm    *fakeLLM
	tasks  *fakeTasks
	voice  *fakeVoice
	rpc    *fakeRPC
	disp   *noopDispatcher
	policy *sanitizer.Sanitizer
}

func newRig(t *testing.T, replies ...*llm.Message) *testRig {
	t.Helper()
	world := worldmodel.New(nil)
	disp := &noopDispatcher{}
	sched := scheduler.New(world, disp)
	policy := sanitizer.New([]string{"hvac_agent"})
	tasks := &fakeTasks{}
	voice := &fakeVoice{}
	rpc := &fakeRPC{}
	exec := NewExecutor(world, sched, policy, tasks, voice, rpc)
	chat := &fakeLLM{replies: replies}
	return &testRig{
		loop: &reactLoop{
			llm:      chat,
			policy:   policy,
			executor: exec,
			history:  newActionHistory(),
			logger:   log.New(log.Writer(), "[TEST] ", 0),
		},
		llm: chat, tasks: tasks, voice: voice, rpc: rpc, disp: disp, policy: policy,
	}
}

func TestReactSpeakFlow(t *testing.T) {
	rig := newRig(t,
		&llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
			toolCall("c1", tools.KindSpeak, `{"message":"換気をお願いします","zone":"zone_a"}`),
		}},
		&llm.Message{Role: "assistant", Content: "アナウンスしました"},
	)

	err := rig.loop.run(context.Background(), "system", "user")
	require.NoError(t, err)

	assert.Equal(t, 2, rig.llm.calls)
	assert.Equal(t, []string{"換気をお願いします"}, rig.voice.synthCalls)
	assert.Equal(t, []string{"speak:換気をお願いします"}, rig.tasks.voiceEvents)
	assert.Len(t, rig.loop.history.Recent(), 1)
}

func TestReactCreateTaskFlow(t *testing.T) {
	rig := newRig(t,
		&llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
			toolCall("c1", tools.KindCreateTask,
				`{"title":"ゴミ出し","description":"会議室のゴミを出してください","bounty":500,"urgency":2,"zone":"zone_a","task_types":"cleaning"}`),
		}},
	)

	err := rig.loop.run(context.Background(), "system", "user")
	require.NoError(t, err)

	require.Len(t, rig.tasks.created, 1)
	in := rig.tasks.created[0]
	assert.Equal(t, "ゴミ出し", in.Title)
	assert.Equal(t, int64(500), in.BountyGold)
	assert.Equal(t, int64(50), in.BountyXP)
	assert.Equal(t, []string{"cleaning"}, in.TaskType)
	require.NotNil(t, in.AnnouncementAudioURL)
	assert.Equal(t, "/audio/ann.wav", *in.AnnouncementAudioURL)
}

func TestReactCreateTaskVoiceFallback(t *testing.T) {
	rig := newRig(t,
		&llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
			toolCall("c1", tools.KindCreateTask,
				`{"title":"掃除","description":"床を拭く","bounty":300,"urgency":1}`),
		}},
	)
	rig.voice.annFail = true

	err := rig.loop.run(context.Background(), "system", "user")
	require.NoError(t, err)

	require.Len(t, rig.tasks.created, 1)
	assert.Nil(t, rig.tasks.created[0].AnnouncementAudioURL)
	assert.Nil(t, rig.tasks.created[0].CompletionText)
}

func TestReactSpeakCapPerCycle(t *testing.T) {
	rig := newRig(t,
		&llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
			toolCall("c1", tools.KindSpeak, `{"message":"一つ目","zone":"zone_a"}`),
			toolCall("c2", tools.KindSpeak, `{"message":"二つ目","zone":"zone_b"}`),
		}},
	)

	err := rig.loop.run(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, []string{"一つ目"}, rig.voice.synthCalls)
}

func TestReactDuplicateCallSkipped(t *testing.T) {
	args := `{"agent_id":"hvac_agent","tool_name":"get_status","arguments":"{}"}`
	rig := newRig(t,
		&llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
			toolCall("c1", tools.KindSendDeviceCommand, args),
		}},
		&llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
			toolCall("c2", tools.KindSendDeviceCommand, args),
		}},
	)

	err := rig.loop.run(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, []string{"hvac_agent.get_status"}, rig.rpc.calls)
	// the second reply was all duplicates, so the loop ended there
	assert.Equal(t, 2, rig.llm.calls)
}

func TestReactRejectionAbortsCycle(t *testing.T) {
	rig := newRig(t,
		&llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
			toolCall("c1", tools.KindCreateTask,
				`{"title":"a","description":"a","bounty":9000,"urgency":1}`),
			toolCall("c2", tools.KindCreateTask,
				`{"title":"b","description":"b","bounty":8000,"urgency":1}`),
		}},
		&llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
			toolCall("c3", tools.KindSpeak, `{"message":"まだ続ける"}`),
		}},
	)

	err := rig.loop.run(context.Background(), "system", "user")
	require.NoError(t, err)

	// the first rejection ends the cycle before the next LLM turn
	assert.Equal(t, 1, rig.llm.calls)
	assert.Empty(t, rig.tasks.created)
	assert.Empty(t, rig.voice.synthCalls)
}

func TestReactRejectionConsumesNoBudget(t *testing.T) {
	rig := newRig(t,
		&llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
			toolCall("c1", tools.KindCreateTask,
				`{"title":"高額","description":"x","bounty":9000,"urgency":1}`),
		}},
		&llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
			toolCall("c2", tools.KindCreateTask,
				`{"title":"適正","description":"x","bounty":1000,"urgency":1}`),
		}},
	)

	// first cycle: the over-cap bounty is rejected and the cycle ends
	err := rig.loop.run(context.Background(), "system", "user")
	require.NoError(t, err)
	require.Empty(t, rig.tasks.created)

	// next cycle: the rejection left the creation counters untouched
	err = rig.loop.run(context.Background(), "system", "user")
	require.NoError(t, err)
	require.Len(t, rig.tasks.created, 1)
	assert.Equal(t, "適正", rig.tasks.created[0].Title)
}

func TestReactRegistersWithScheduler(t *testing.T) {
	rig := newRig(t,
		&llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
			toolCall("c1", tools.KindCreateTask,
				`{"title":"全体清掃","description":"x","bounty":100,"urgency":1}`),
		}},
	)

	err := rig.loop.run(context.Background(), "system", "user")
	require.NoError(t, err)
	// no zone means office-wide, which dispatches immediately
	assert.Equal(t, []int64{1}, rig.disp.dispatched)
}

func TestBuildUserPromptSections(t *testing.T) {
	world := worldmodel.New(nil)
	tasks := &fakeTasks{}
	zone := "zone_a"
	tasks.active = []taskstore.Task{{ID: 7, Title: "換気扇の修理", Urgency: 3, Zone: &zone}}
	history := newActionHistory()
	history.Add("speak", `speak("テスト", zone=zone_a)`, true)

	prompt := buildUserPrompt(context.Background(), world, tasks, history)

	assert.Contains(t, prompt, "## 最近のイベント")
	assert.Contains(t, prompt, "## アクティブなタスク")
	assert.Contains(t, prompt, "換気扇の修理")
	assert.Contains(t, prompt, "重複して作成しないでください")
	assert.Contains(t, prompt, "## 最近の行動")
	assert.Contains(t, prompt, "繰り返さないでください")
}

func TestNeedsReminder(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	dispatched := now.Add(-45 * time.Minute)
	recent := now.Add(-5 * time.Minute)
	staleReminder := now.Add(-2 * time.Hour)

	assert.True(t, needsReminder(&taskstore.Task{DispatchedAt: &dispatched}, now))
	assert.False(t, needsReminder(&taskstore.Task{DispatchedAt: &recent}, now))
	assert.False(t, needsReminder(&taskstore.Task{}, now), "undispatched tasks are not reminded")
	assert.False(t, needsReminder(&taskstore.Task{DispatchedAt: &dispatched, IsCompleted: true}, now))
	assert.False(t, needsReminder(&taskstore.Task{DispatchedAt: &dispatched, LastRemindedAt: &recent}, now),
		"a fresh reminder resets the clock")
	assert.True(t, needsReminder(&taskstore.Task{DispatchedAt: &dispatched, LastRemindedAt: &staleReminder}, now))
}

func TestReminderScan(t *testing.T) {
	tasks := &fakeTasks{}
	voice := &fakeVoice{}

	zone := "zone_a"
	dispatched := time.Now().Add(-time.Hour)
	tasks.active = []taskstore.Task{
		{ID: 1, Title: "配線整理", Zone: &zone, DispatchedAt: &dispatched},
		{ID: 2, Title: "未配信タスク"},
	}

	r := newReminder(tasks, voice, log.New(log.Writer(), "[TEST] ", 0))
	r.scan(context.Background())

	assert.Equal(t, []int64{1}, tasks.reminded)
	assert.Equal(t, []string{"reminder:そうですか、残念です。"}, tasks.voiceEvents)
}

func TestReminderSkipsOnVoiceFailure(t *testing.T) {
	tasks := &fakeTasks{}
	voice := &fakeVoice{synthFail: true}

	dispatched := time.Now().Add(-time.Hour)
	tasks.active = []taskstore.Task{{ID: 1, Title: "配線整理", DispatchedAt: &dispatched}}

	r := newReminder(tasks, voice, log.New(log.Writer(), "[TEST] ", 0))
	r.scan(context.Background())

	assert.Empty(t, tasks.reminded, "no reminder stamp without a clip")
}

func TestHistoryPruneAndRepeatWindow(t *testing.T) {
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	current := base
	h := &actionHistory{now: func() time.Time { return current }}

	h.Add("speak", "old", true)
	current = base.Add(40 * time.Minute)
	h.Add("speak", "recent", false)

	recent := h.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, "recent", recent[0].Summary)
	assert.Contains(t, h.Render(), "✗")

	current = base.Add(3 * time.Hour)
	h.Prune()
	assert.Empty(t, h.actions)
}
