package clients

import (
	"context"
	"fmt"
	"net/http"

	"github.com/soms/backend/internal/taskstore"
)

// TaskStore is the HTTP client for the task service.
type TaskStore struct {
	base string
	http *http.Client
}

// NewTaskStore points at the TaskStore base URL (e.g. http://taskstore:8001).
func NewTaskStore(base string) *TaskStore {
	return &TaskStore{base: trimBase(base), http: newHTTPClient()}
}

// CreateTask posts a dedup-aware creation and returns the surviving task.
func (c *TaskStore) CreateTask(ctx context.Context, in taskstore.CreateInput) (*taskstore.Task, error) {
	var task taskstore.Task
	if err := doJSON(ctx, c.http, http.MethodPost, c.base+"/tasks/", in, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ActiveTasks lists non-completed, non-expired tasks.
func (c *TaskStore) ActiveTasks(ctx context.Context) ([]taskstore.Task, error) {
	var tasks []taskstore.Task
	// the list endpoint already filters expiry; completed are filtered here
	if err := doJSON(ctx, c.http, http.MethodGet, c.base+"/tasks/?limit=200", nil, &tasks); err != nil {
		return nil, err
	}
	active := tasks[:0]
	for _, t := range tasks {
		if !t.IsCompleted {
			active = append(active, t)
		}
	}
	return active, nil
}

// DispatchTask satisfies scheduler.Dispatcher.
func (c *TaskStore) DispatchTask(taskID int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	return doJSON(ctx, c.http, http.MethodPut,
		fmt.Sprintf("%s/tasks/%d/dispatch", c.base, taskID), nil, nil)
}

// MarkReminded stamps last_reminded_at after a reminder announcement.
func (c *TaskStore) MarkReminded(ctx context.Context, taskID int64) error {
	return doJSON(ctx, c.http, http.MethodPut,
		fmt.Sprintf("%s/tasks/%d/reminded", c.base, taskID), nil, nil)
}

// RecordVoiceEvent stores a transcript row for something the system spoke.
func (c *TaskStore) RecordVoiceEvent(ctx context.Context, eventType, message string, zone, audioURL *string) error {
	body := map[string]interface{}{
		"event_type": eventType,
		"message":    message,
	}
	if zone != nil {
		body["zone"] = *zone
	}
	if audioURL != nil {
		body["audio_url"] = *audioURL
	}
	return doJSON(ctx, c.http, http.MethodPost, c.base+"/voice-events", body, nil)
}

// Stats fetches the live system counters.
func (c *TaskStore) Stats(ctx context.Context) (*taskstore.SystemStats, error) {
	var stats taskstore.SystemStats
	if err := doJSON(ctx, c.http, http.MethodGet, c.base+"/tasks/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}
