package brain

import (
	"context"
	"log"
	"time"

	"github.com/soms/backend/internal/taskstore"
)

const (
	reminderScanInterval = 10 * time.Minute
	reminderIdleAfter    = 30 * time.Minute
	reminderRepeatAfter  = time.Hour
)

// reminder nudges people about dispatched tasks that have gone quiet by
// playing a stocked rejection clip. It runs on its own goroutine; everything
// it touches is already concurrency-safe.
type reminder struct {
	taskAPI TaskAPI
	voice   VoiceAPI
	logger  *log.Logger
	now     func() time.Time
}

func newReminder(taskAPI TaskAPI, voice VoiceAPI, logger *log.Logger) *reminder {
	return &reminder{
		taskAPI: taskAPI,
		voice:   voice,
		logger:  logger,
		now:     time.Now,
	}
}

func (r *reminder) run(ctx context.Context) {
	ticker := time.NewTicker(reminderScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

func (r *reminder) scan(ctx context.Context) {
	tasks, err := r.taskAPI.ActiveTasks(ctx)
	if err != nil {
		r.logger.Printf("⚠️ Reminder scan failed: %v", err)
		return
	}

	now := r.now()
	for _, t := range tasks {
		if !needsReminder(&t, now) {
			continue
		}
		r.remind(ctx, &t)
	}
}

// needsReminder: dispatched, not completed, idle for 30 min, and not
// reminded within the last hour.
func needsReminder(t *taskstore.Task, now time.Time) bool {
	if t.IsCompleted || t.DispatchedAt == nil {
		return false
	}
	if now.Sub(*t.DispatchedAt) < reminderIdleAfter {
		return false
	}
	if t.LastRemindedAt != nil && now.Sub(*t.LastRemindedAt) < reminderRepeatAfter {
		return false
	}
	return true
}

func (r *reminder) remind(ctx context.Context, t *taskstore.Task) {
	clip, err := r.voice.RejectionRandom(ctx)
	if err != nil {
		r.logger.Printf("⚠️ Rejection clip fetch failed for task %d: %v", t.ID, err)
		return
	}

	var zonePtr *string
	if t.Zone != nil && *t.Zone != "" {
		zonePtr = t.Zone
	}
	audioURL := clip.AudioURL
	if err := r.taskAPI.RecordVoiceEvent(ctx, "reminder", clip.Text, zonePtr, &audioURL); err != nil {
		r.logger.Printf("⚠️ Reminder voice event failed for task %d: %v", t.ID, err)
	}

	if err := r.taskAPI.MarkReminded(ctx, t.ID); err != nil {
		r.logger.Printf("⚠️ MarkReminded failed for task %d: %v", t.ID, err)
		return
	}
	r.logger.Printf("🔔 Reminded about task %d (%s)", t.ID, t.Title)
}
