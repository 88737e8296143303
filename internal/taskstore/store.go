// Package taskstore persists tasks and their lifecycle: dedup-aware creation,
// accept/complete/dispatch transitions, expiry filtering, and the completion
// side effects (XP grant, wallet payment, task_report publish).
package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/soms/backend/internal/database"
)

var (
	ErrNotFound         = errors.New("task not found")
	ErrAlreadyCompleted = errors.New("task already completed")
	ErrAlreadyAccepted  = errors.New("task already accepted")
)

const completionNoteMax = 500

// Task is the persisted record. task_type marshals as a JSON array.
type Task struct {
	ID                  int64      `json:"id"`
	Title               string     `json:"title"`
	Description         string     `json:"description"`
	Location            string     `json:"location"`
	Zone                *string    `json:"zone,omitempty"`
	TaskType            []string   `json:"task_type"`
	BountyGold          int64      `json:"bounty_gold"`
	BountyXP            int64      `json:"bounty_xp"`
	Urgency             int        `json:"urgency"`
	MinPeopleRequired   int        `json:"min_people_required"`
	EstimatedDurationMin int       `json:"estimated_duration_min"`
	IsCompleted         bool       `json:"is_completed"`
	IsQueued            bool       `json:"is_queued"`
	DispatchedAt        *time.Time `json:"dispatched_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	LastRemindedAt      *time.Time `json:"last_reminded_at,omitempty"`
	AssignedTo          *int64     `json:"assigned_to,omitempty"`
	AcceptedAt          *time.Time `json:"accepted_at,omitempty"`
	AnnouncementAudioURL *string   `json:"announcement_audio_url,omitempty"`
	AnnouncementText    *string    `json:"announcement_text,omitempty"`
	CompletionAudioURL  *string    `json:"completion_audio_url,omitempty"`
	CompletionText      *string    `json:"completion_text,omitempty"`
	ReportStatus        *string    `json:"report_status,omitempty"`
	CompletionNote      *string    `json:"completion_note,omitempty"`
}

// SystemStats is the singleton counters row plus live queue counts.
type SystemStats struct {
	TotalXP           int64 `json:"total_xp"`
	TasksCompleted    int64 `json:"tasks_completed"`
	TasksCreated      int64 `json:"tasks_created"`
	QueuedTasks       int64 `json:"queued_tasks"`
	ActiveTasks       int64 `json:"active_tasks"`
	CompletedLastHour int64 `json:"completed_last_hour"`
}

// Store is the SQL-backed task repository.
type Store struct {
	db     *database.DB
	logger *log.Logger
	now    func() time.Time
}

// NewStore creates a store over an opened database.
func NewStore(db *database.DB) *Store {
	return &Store{
		db:     db,
		logger: log.New(log.Writer(), "[TASKSTORE] ", log.LstdFlags),
		now:    time.Now,
	}
}

const taskColumns = `id, title, description, location, zone, task_type,
	bounty_gold, bounty_xp, urgency, min_people_required, estimated_duration_min,
	is_completed, is_queued, dispatched_at, created_at, completed_at, expires_at,
	last_reminded_at, assigned_to, accepted_at, announcement_audio_url,
	announcement_text, completion_audio_url, completion_text, report_status,
	completion_note`

func scanTask(row interface{ Scan(...interface{}) error }) (*Task, error) {
	var t Task
	var taskType string
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Location, &t.Zone, &taskType,
		&t.BountyGold, &t.BountyXP, &t.Urgency, &t.MinPeopleRequired, &t.EstimatedDurationMin,
		&t.IsCompleted, &t.IsQueued, &t.DispatchedAt, &t.CreatedAt, &t.CompletedAt, &t.ExpiresAt,
		&t.LastRemindedAt, &t.AssignedTo, &t.AcceptedAt, &t.AnnouncementAudioURL,
		&t.AnnouncementText, &t.CompletionAudioURL, &t.CompletionText, &t.ReportStatus,
		&t.CompletionNote)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(taskType), &t.TaskType); err != nil {
		t.TaskType = nil
	}
	if t.TaskType == nil {
		t.TaskType = []string{}
	}
	return &t, nil
}

func encodeTaskType(types []string) string {
	if types == nil {
		types = []string{}
	}
	b, _ := json.Marshal(types)
	return string(b)
}

// Get reads one task by id.
func (s *Store) Get(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?"), id)
	return scanTask(row)
}

// CreateInput is the create payload. Voice fields are optional pass-through.
type CreateInput struct {
	Title                string     `json:"title"`
	Description          string     `json:"description"`
	Location             string     `json:"location"`
	Zone                 *string    `json:"zone"`
	TaskType             []string   `json:"task_type"`
	BountyGold           int64      `json:"bounty_gold"`
	BountyXP             int64      `json:"bounty_xp"`
	Urgency              int        `json:"urgency"`
	MinPeopleRequired    int        `json:"min_people_required"`
	EstimatedDurationMin int        `json:"estimated_duration_min"`
	ExpiresAt            *time.Time `json:"expires_at"`
	AnnouncementAudioURL *string    `json:"announcement_audio_url"`
	AnnouncementText     *string    `json:"announcement_text"`
	CompletionAudioURL   *string    `json:"completion_audio_url"`
	CompletionText       *string    `json:"completion_text"`
}

// Create inserts a task, first trying exact then semantic deduplication.
// The bool reports whether a new row was created (false = dedup update).
func (s *Store) Create(ctx context.Context, in CreateInput) (*Task, bool, error) {
	if existing, err := s.findDuplicate(ctx, in); err != nil {
		return nil, false, err
	} else if existing != nil {
		updated, err := s.applyDedupUpdate(ctx, existing, in)
		if err != nil {
			return nil, false, err
		}
		s.logger.Printf("♻️ Task %d updated in place (dedup: %q)", updated.ID, in.Title)
		return updated, false, nil
	}

	now := s.now()
	query := s.db.Rebind(`INSERT INTO tasks
		(title, description, location, zone, task_type, bounty_gold, bounty_xp,
		 urgency, min_people_required, estimated_duration_min, is_completed, is_queued,
		 created_at, expires_at, announcement_audio_url, announcement_text,
		 completion_audio_url, completion_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE, TRUE, ?, ?, ?, ?, ?, ?)`)
	args := []interface{}{
		in.Title, in.Description, in.Location, in.Zone, encodeTaskType(in.TaskType),
		in.BountyGold, in.BountyXP, in.Urgency, in.MinPeopleRequired,
		in.EstimatedDurationMin, now, in.ExpiresAt,
		in.AnnouncementAudioURL, in.AnnouncementText,
		in.CompletionAudioURL, in.CompletionText,
	}

	var id int64
	if s.db.Driver == database.DriverPostgres {
		err := s.db.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id)
		if err != nil {
			return nil, false, err
		}
	} else {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, false, err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return nil, false, err
		}
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE system_stats SET tasks_created = tasks_created + 1 WHERE id = 1"); err != nil {
		return nil, false, err
	}

	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	s.logger.Printf("📝 Task %d created: %q (urgency %d)", id, in.Title, in.Urgency)
	return task, true, nil
}

// findDuplicate implements the two dedup stages.
func (s *Store) findDuplicate(ctx context.Context, in CreateInput) (*Task, error) {
	// stage 1: exact title + location among non-completed tasks
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		"SELECT "+taskColumns+" FROM tasks WHERE is_completed = FALSE AND title = ? AND location = ? ORDER BY id LIMIT 1"),
		in.Title, in.Location)
	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// stage 2: same zone with at least one overlapping task_type element
	if in.Zone == nil || *in.Zone == "" || len(in.TaskType) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		"SELECT "+taskColumns+" FROM tasks WHERE is_completed = FALSE AND zone = ? ORDER BY id"),
		*in.Zone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	newTypes := make(map[string]bool, len(in.TaskType))
	for _, t := range in.TaskType {
		newTypes[t] = true
	}
	for rows.Next() {
		candidate, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		for _, t := range candidate.TaskType {
			if newTypes[t] {
				return candidate, nil
			}
		}
	}
	return nil, rows.Err()
}

// applyDedupUpdate refreshes the surviving task in place. Voice fields are
// replaced only when the new payload supplies them.
func (s *Store) applyDedupUpdate(ctx context.Context, existing *Task, in CreateInput) (*Task, error) {
	if in.AnnouncementAudioURL == nil {
		in.AnnouncementAudioURL = existing.AnnouncementAudioURL
	}
	if in.AnnouncementText == nil {
		in.AnnouncementText = existing.AnnouncementText
	}
	if in.CompletionAudioURL == nil {
		in.CompletionAudioURL = existing.CompletionAudioURL
	}
	if in.CompletionText == nil {
		in.CompletionText = existing.CompletionText
	}
	zone := existing.Zone
	if in.Zone != nil && *in.Zone != "" {
		zone = in.Zone
	}
	taskType := existing.TaskType
	if len(in.TaskType) > 0 {
		taskType = in.TaskType
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET
		description = ?, bounty_gold = ?, bounty_xp = ?, expires_at = ?,
		task_type = ?, urgency = ?, zone = ?,
		announcement_audio_url = ?, announcement_text = ?,
		completion_audio_url = ?, completion_text = ?
		WHERE id = ?`),
		in.Description, in.BountyGold, in.BountyXP, in.ExpiresAt,
		encodeTaskType(taskType), in.Urgency, zone,
		in.AnnouncementAudioURL, in.AnnouncementText,
		in.CompletionAudioURL, in.CompletionText,
		existing.ID)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, existing.ID)
}

// List returns non-expired tasks, newest first.
func (s *Store) List(ctx context.Context, skip, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		"SELECT "+taskColumns+" FROM tasks WHERE expires_at IS NULL OR expires_at > ? ORDER BY id DESC LIMIT ? OFFSET ?"),
		s.now(), limit, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Active returns non-completed, non-expired tasks.
func (s *Store) Active(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		"SELECT "+taskColumns+" FROM tasks WHERE is_completed = FALSE AND (expires_at IS NULL OR expires_at > ?) ORDER BY id DESC"),
		s.now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Queued returns waiting tasks ordered urgency desc, created_at asc.
func (s *Store) Queued(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT `+taskColumns+` FROM tasks
		WHERE is_completed = FALSE AND is_queued = TRUE AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY urgency DESC, created_at ASC`),
		s.now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	tasks := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// Accept assigns a task. userID may be nil (anonymous kiosk accept).
func (s *Store) Accept(ctx context.Context, id int64, userID *int64) (*Task, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.IsCompleted {
		return nil, ErrAlreadyCompleted
	}
	if task.AcceptedAt != nil {
		return nil, ErrAlreadyAccepted
	}

	now := s.now()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE tasks SET assigned_to = ?, accepted_at = ? WHERE id = ?"),
		userID, now, id)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("🤝 Task %d accepted", id)
	return s.Get(ctx, id)
}

// Complete finishes a task, stores the report, and advances SystemStats.
// Side effects (XP, payment, bus publish) are the server's responsibility.
func (s *Store) Complete(ctx context.Context, id int64, reportStatus, completionNote *string) (*Task, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.IsCompleted {
		return nil, ErrAlreadyCompleted
	}

	if completionNote != nil {
		note := *completionNote
		if len([]rune(note)) > completionNoteMax {
			note = string([]rune(note)[:completionNoteMax])
		}
		completionNote = &note
	}

	now := s.now()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET
		is_completed = TRUE, completed_at = ?, report_status = ?, completion_note = ?
		WHERE id = ?`),
		now, reportStatus, completionNote, id)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE system_stats SET tasks_completed = tasks_completed + 1, total_xp = total_xp + ? WHERE id = 1"),
		task.BountyXP); err != nil {
		return nil, err
	}

	s.logger.Printf("✅ Task %d completed", id)
	return s.Get(ctx, id)
}

// Dispatch releases a task from the scheduler queue.
func (s *Store) Dispatch(ctx context.Context, id int64) (*Task, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE tasks SET is_queued = FALSE, dispatched_at = ? WHERE id = ?"),
		s.now(), id)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Reminded stamps last_reminded_at.
func (s *Store) Reminded(ctx context.Context, id int64) (*Task, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE tasks SET last_reminded_at = ? WHERE id = ?"), s.now(), id)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// NeedingReminder returns accepted, uncompleted tasks idle longer than the
// threshold since accept (or since the last reminder).
func (s *Store) NeedingReminder(ctx context.Context, idleFor time.Duration) ([]Task, error) {
	cutoff := s.now().Add(-idleFor)
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT `+taskColumns+` FROM tasks
		WHERE is_completed = FALSE AND accepted_at IS NOT NULL AND accepted_at < ?
		AND (last_reminded_at IS NULL OR last_reminded_at < ?)`),
		cutoff, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Stats reads the singleton counters plus live queue counts.
func (s *Store) Stats(ctx context.Context) (*SystemStats, error) {
	var st SystemStats
	err := s.db.QueryRowContext(ctx,
		"SELECT total_xp, tasks_completed, tasks_created FROM system_stats WHERE id = 1").
		Scan(&st.TotalXP, &st.TasksCompleted, &st.TasksCreated)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(
		"SELECT COUNT(*) FROM tasks WHERE is_completed = FALSE AND is_queued = TRUE AND (expires_at IS NULL OR expires_at > ?)"),
		now).Scan(&st.QueuedTasks); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(
		"SELECT COUNT(*) FROM tasks WHERE is_completed = FALSE AND (expires_at IS NULL OR expires_at > ?)"),
		now).Scan(&st.ActiveTasks); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(
		"SELECT COUNT(*) FROM tasks WHERE is_completed = TRUE AND completed_at > ?"),
		now.Add(-time.Hour)).Scan(&st.CompletedLastHour); err != nil {
		return nil, err
	}
	return &st, nil
}
