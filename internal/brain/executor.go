package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/soms/backend/internal/clients"
	"github.com/soms/backend/internal/sanitizer"
	"github.com/soms/backend/internal/scheduler"
	"github.com/soms/backend/internal/taskstore"
	"github.com/soms/backend/internal/tools"
	"github.com/soms/backend/internal/worldmodel"
)

// TaskAPI is the TaskStore surface the executor needs.
type TaskAPI interface {
	CreateTask(ctx context.Context, in taskstore.CreateInput) (*taskstore.Task, error)
	ActiveTasks(ctx context.Context) ([]taskstore.Task, error)
	MarkReminded(ctx context.Context, taskID int64) error
	RecordVoiceEvent(ctx context.Context, eventType, message string, zone, audioURL *string) error
}

// VoiceAPI is the voice-pipeline surface the executor and reminder need.
type VoiceAPI interface {
	Synthesize(ctx context.Context, text, zone, tone string) (*clients.SynthesisResult, error)
	AnnounceWithCompletion(ctx context.Context, title, description, zone string) (*clients.Announcement, error)
	RejectionRandom(ctx context.Context) (*clients.SynthesisResult, error)
}

// DeviceRPC sends tool invocations to edge agents.
type DeviceRPC interface {
	CallTool(ctx context.Context, agentID, toolName string, args map[string]interface{}) (string, error)
}

// Executor turns validated tool calls into side effects. Results are strings
// because that is what goes back to the LLM as tool-message content.
type Executor struct {
	world   *worldmodel.WorldModel
	sched   *scheduler.Scheduler
	policy  *sanitizer.Sanitizer
	taskAPI TaskAPI
	voice   VoiceAPI
	devices DeviceRPC
	logger  *log.Logger
}

// NewExecutor wires the executor's dependencies.
func NewExecutor(world *worldmodel.WorldModel, sched *scheduler.Scheduler,
	policy *sanitizer.Sanitizer, taskAPI TaskAPI, voice VoiceAPI, devices DeviceRPC) *Executor {
	return &Executor{
		world:   world,
		sched:   sched,
		policy:  policy,
		taskAPI: taskAPI,
		voice:   voice,
		devices: devices,
		logger:  log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags),
	}
}

// Execute runs one validated call and returns the LLM-facing result text.
func (e *Executor) Execute(ctx context.Context, call *tools.Call) (string, error) {
	switch call.Kind {
	case tools.KindCreateTask:
		return e.createTask(ctx, call.CreateTask)
	case tools.KindSendDeviceCommand:
		return e.sendDeviceCommand(ctx, call.SendDeviceCommand)
	case tools.KindSpeak:
		return e.speak(ctx, call.Speak)
	case tools.KindGetZoneStatus:
		return e.zoneStatus(call.GetZoneStatus)
	case tools.KindGetActiveTasks:
		return e.activeTasks(ctx)
	}
	return "", fmt.Errorf("unknown tool kind: %s", call.Kind)
}

func (e *Executor) createTask(ctx context.Context, args *tools.CreateTaskArgs) (string, error) {
	in := taskstore.CreateInput{
		Title:       args.Title,
		Description: args.Description,
		Location:    args.Zone,
		TaskType:    args.TaskTypes,
		BountyGold:  int64(args.Bounty),
		BountyXP:    int64(args.Bounty / 10),
		Urgency:     args.Urgency,
	}
	if in.Location == "" {
		in.Location = "Office"
	}
	if args.Zone != "" {
		zone := args.Zone
		in.Zone = &zone
	}

	// voice generation is best-effort: a silent task beats no task
	if ann, err := e.voice.AnnounceWithCompletion(ctx, args.Title, args.Description, args.Zone); err != nil {
		e.logger.Printf("⚠️ Voice generation failed for %q, creating silently: %v", args.Title, err)
	} else {
		in.AnnouncementAudioURL = &ann.AnnouncementAudioURL
		in.AnnouncementText = &ann.AnnouncementText
		in.CompletionAudioURL = &ann.CompletionAudioURL
		in.CompletionText = &ann.CompletionText
	}

	task, err := e.taskAPI.CreateTask(ctx, in)
	if err != nil {
		return "", fmt.Errorf("タスク作成に失敗しました: %w", err)
	}

	e.policy.RecordTaskCreated()
	e.sched.Register(scheduler.QueuedTask{
		TaskID:            task.ID,
		Urgency:           task.Urgency,
		Zone:              args.Zone,
		MinPeopleRequired: task.MinPeopleRequired,
		EstimatedDuration: task.EstimatedDurationMin,
	})

	return fmt.Sprintf("タスクを作成しました (id=%d, title=%q, bounty=%d)",
		task.ID, task.Title, task.BountyGold), nil
}

func (e *Executor) sendDeviceCommand(ctx context.Context, args *tools.SendDeviceCommandArgs) (string, error) {
	result, err := e.devices.CallTool(ctx, args.AgentID, args.ToolName, args.Arguments)
	if err != nil {
		return "", fmt.Errorf("デバイスコマンドに失敗しました: %w", err)
	}
	return fmt.Sprintf("%s.%s → %s", args.AgentID, args.ToolName, result), nil
}

func (e *Executor) speak(ctx context.Context, args *tools.SpeakArgs) (string, error) {
	var zone *string
	if args.Zone != "" {
		z := args.Zone
		zone = &z
	}

	var audioURL *string
	if result, err := e.voice.Synthesize(ctx, args.Message, args.Zone, args.Tone); err != nil {
		// the transcript still records what we tried to say
		e.logger.Printf("⚠️ Synthesis failed, recording without audio: %v", err)
	} else {
		audioURL = &result.AudioURL
	}

	if err := e.taskAPI.RecordVoiceEvent(ctx, "speak", args.Message, zone, audioURL); err != nil {
		e.logger.Printf("⚠️ Voice event record failed: %v", err)
	}

	e.policy.RecordSpeak(args.Zone)
	if audioURL == nil {
		return "アナウンスを記録しました（音声合成は失敗）", nil
	}
	return fmt.Sprintf("アナウンスしました: %q", args.Message), nil
}

func (e *Executor) zoneStatus(args *tools.GetZoneStatusArgs) (string, error) {
	if args.Zone == "" {
		return e.world.GetLLMContext(), nil
	}
	zone := e.world.GetZone(args.Zone)
	if zone == nil {
		return "", fmt.Errorf("ゾーン %s はまだ観測されていません", args.Zone)
	}
	data, err := json.MarshalIndent(zone, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *Executor) activeTasks(ctx context.Context) (string, error) {
	tasks, err := e.taskAPI.ActiveTasks(ctx)
	if err != nil {
		return "", fmt.Errorf("タスク一覧の取得に失敗しました: %w", err)
	}
	if len(tasks) == 0 {
		return "アクティブなタスクはありません", nil
	}
	var b strings.Builder
	for _, t := range tasks {
		zone := ""
		if t.Zone != nil {
			zone = " zone=" + *t.Zone
		}
		fmt.Fprintf(&b, "- [%d] %s (urgency=%d, bounty=%d%s)\n",
			t.ID, t.Title, t.Urgency, t.BountyGold, zone)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
