package taskstore

import (
	"context"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soms/backend/internal/database"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func ctx() context.Context { return context.Background() }

func strPtr(s string) *string { return &s }
func i64Ptr(n int64) *int64   { return &n }

func basicInput(title, location string) CreateInput {
	return CreateInput{
		Title:       title,
		Description: "desc",
		Location:    location,
		BountyGold:  500,
		BountyXP:    50,
		Urgency:     2,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := testStore(t)

	task, created, err := s.Create(ctx(), basicInput("換気してください", "Office"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, task.IsQueued, "new tasks start queued")
	assert.False(t, task.IsCompleted)
	assert.Equal(t, []string{}, task.TaskType)

	got, err := s.Get(ctx(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "換気してください", got.Title)

	_, err = s.Get(ctx(), 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExactDedup(t *testing.T) {
	s := testStore(t)

	first, created, err := s.Create(ctx(), basicInput("T", "L"))
	require.NoError(t, err)
	require.True(t, created)

	in := basicInput("T", "L")
	in.Description = "updated description"
	in.BountyGold = 999
	in.AnnouncementText = strPtr("アナウンス")
	second, created, err := s.Create(ctx(), in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID, "same title+location dedups to the same id")
	assert.Equal(t, "updated description", second.Description)
	assert.Equal(t, int64(999), second.BountyGold)
	assert.Equal(t, "アナウンス", *second.AnnouncementText)

	// voice fields survive an update that omits them
	in2 := basicInput("T", "L")
	third, _, err := s.Create(ctx(), in2)
	require.NoError(t, err)
	require.NotNil(t, third.AnnouncementText)
	assert.Equal(t, "アナウンス", *third.AnnouncementText)
}

func TestSemanticDedup(t *testing.T) {
	s := testStore(t)

	in1 := basicInput("CO2が高い", "Office A")
	in1.Zone = strPtr("zone_a")
	in1.TaskType = []string{"environment", "ventilation"}
	first, _, err := s.Create(ctx(), in1)
	require.NoError(t, err)

	// different title, same zone, overlapping type
	in2 := basicInput("換気のお願い", "Office B")
	in2.Zone = strPtr("zone_a")
	in2.TaskType = []string{"environment"}
	second, created, err := s.Create(ctx(), in2)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// different zone → distinct task
	in3 := basicInput("換気のお願い2", "Office C")
	in3.Zone = strPtr("zone_b")
	in3.TaskType = []string{"environment"}
	third, created, err := s.Create(ctx(), in3)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)

	// same zone but disjoint types → distinct task
	in4 := basicInput("掃除", "Office D")
	in4.Zone = strPtr("zone_a")
	in4.TaskType = []string{"cleaning"}
	fourth, created, err := s.Create(ctx(), in4)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, fourth.ID)
}

func TestDedupIgnoresCompletedTasks(t *testing.T) {
	s := testStore(t)

	first, _, err := s.Create(ctx(), basicInput("T", "L"))
	require.NoError(t, err)
	_, err = s.Complete(ctx(), first.ID, nil, nil)
	require.NoError(t, err)

	second, created, err := s.Create(ctx(), basicInput("T", "L"))
	require.NoError(t, err)
	assert.True(t, created, "completed tasks never absorb new creations")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestAcceptLifecycle(t *testing.T) {
	s := testStore(t)
	task, _, err := s.Create(ctx(), basicInput("T", "L"))
	require.NoError(t, err)

	accepted, err := s.Accept(ctx(), task.ID, i64Ptr(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), *accepted.AssignedTo)
	assert.NotNil(t, accepted.AcceptedAt)

	// double accept rejected
	_, err = s.Accept(ctx(), task.ID, i64Ptr(8))
	assert.ErrorIs(t, err, ErrAlreadyAccepted)

	// accept after completion rejected
	task2, _, err := s.Create(ctx(), basicInput("T2", "L"))
	require.NoError(t, err)
	_, err = s.Complete(ctx(), task2.ID, nil, nil)
	require.NoError(t, err)
	_, err = s.Accept(ctx(), task2.ID, nil)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	// anonymous kiosk accept
	task3, _, err := s.Create(ctx(), basicInput("T3", "L"))
	require.NoError(t, err)
	anon, err := s.Accept(ctx(), task3.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, anon.AssignedTo)
	assert.NotNil(t, anon.AcceptedAt)
}

func TestCompleteStoresReportAndClampsNote(t *testing.T) {
	s := testStore(t)
	task, _, err := s.Create(ctx(), basicInput("T", "L"))
	require.NoError(t, err)

	longNote := strings.Repeat("あ", 600)
	done, err := s.Complete(ctx(), task.ID, strPtr("needs_followup"), &longNote)
	require.NoError(t, err)
	assert.True(t, done.IsCompleted)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, "needs_followup", *done.ReportStatus)
	assert.Equal(t, 500, len([]rune(*done.CompletionNote)))

	_, err = s.Complete(ctx(), task.ID, nil, nil)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestCompleteAdvancesStats(t *testing.T) {
	s := testStore(t)
	task, _, err := s.Create(ctx(), basicInput("T", "L"))
	require.NoError(t, err)

	_, err = s.Complete(ctx(), task.ID, nil, nil)
	require.NoError(t, err)

	stats, err := s.Stats(ctx())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TasksCreated)
	assert.Equal(t, int64(1), stats.TasksCompleted)
	assert.Equal(t, int64(50), stats.TotalXP)
	assert.Equal(t, int64(1), stats.CompletedLastHour)
	assert.Equal(t, int64(0), stats.ActiveTasks)
}

func TestDedupDoesNotCountAsCreated(t *testing.T) {
	s := testStore(t)
	_, _, err := s.Create(ctx(), basicInput("T", "L"))
	require.NoError(t, err)
	_, _, err = s.Create(ctx(), basicInput("T", "L"))
	require.NoError(t, err)

	stats, err := s.Stats(ctx())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TasksCreated)
}

func TestDispatchAndReminded(t *testing.T) {
	s := testStore(t)
	task, _, err := s.Create(ctx(), basicInput("T", "L"))
	require.NoError(t, err)
	require.True(t, task.IsQueued)

	dispatched, err := s.Dispatch(ctx(), task.ID)
	require.NoError(t, err)
	assert.False(t, dispatched.IsQueued)
	assert.NotNil(t, dispatched.DispatchedAt)

	reminded, err := s.Reminded(ctx(), task.ID)
	require.NoError(t, err)
	assert.NotNil(t, reminded.LastRemindedAt)
}

func TestExpiryHidesTasks(t *testing.T) {
	s := testStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	in1 := basicInput("expired", "L1")
	in1.ExpiresAt = &past
	expired, _, err := s.Create(ctx(), in1)
	require.NoError(t, err)

	in2 := basicInput("fresh", "L2")
	in2.ExpiresAt = &future
	_, _, err = s.Create(ctx(), in2)
	require.NoError(t, err)

	in3 := basicInput("forever", "L3")
	_, _, err = s.Create(ctx(), in3)
	require.NoError(t, err)

	tasks, err := s.List(ctx(), 0, 100)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.NotEqual(t, "expired", task.Title)
	}

	active, err := s.Active(ctx())
	require.NoError(t, err)
	assert.Len(t, active, 2)

	// still on disk
	_, err = s.Get(ctx(), expired.ID)
	assert.NoError(t, err)
}

func TestQueuedOrdering(t *testing.T) {
	s := testStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	mk := func(title string, urgency int) int64 {
		in := basicInput(title, "L-"+title)
		in.Urgency = urgency
		task, _, err := s.Create(ctx(), in)
		require.NoError(t, err)
		now = now.Add(time.Second)
		return task.ID
	}
	low := mk("low", 1)
	high := mk("high", 3)
	mid1 := mk("mid1", 2)
	mid2 := mk("mid2", 2)

	queued, err := s.Queued(ctx())
	require.NoError(t, err)
	require.Len(t, queued, 4)
	assert.Equal(t, high, queued[0].ID)
	assert.Equal(t, mid1, queued[1].ID, "equal urgency orders by creation time")
	assert.Equal(t, mid2, queued[2].ID)
	assert.Equal(t, low, queued[3].ID)

	// dispatch removes from queue view
	_, err = s.Dispatch(ctx(), high)
	require.NoError(t, err)
	queued, err = s.Queued(ctx())
	require.NoError(t, err)
	assert.Len(t, queued, 3)
}

func TestNeedingReminder(t *testing.T) {
	s := testStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	task, _, err := s.Create(ctx(), basicInput("T", "L"))
	require.NoError(t, err)
	_, err = s.Accept(ctx(), task.ID, i64Ptr(7))
	require.NoError(t, err)

	// just accepted: no reminder yet
	due, err := s.NeedingReminder(ctx(), 30*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, due)

	now = now.Add(45 * time.Minute)
	due, err = s.NeedingReminder(ctx(), 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, task.ID, due[0].ID)

	// reminding resets the clock
	_, err = s.Reminded(ctx(), task.ID)
	require.NoError(t, err)
	due, err = s.NeedingReminder(ctx(), 30*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestVoiceEventsAndUsers(t *testing.T) {
	s := testStore(t)

	_, err := s.RecordVoiceEvent(ctx(), "speak", "換気してください", strPtr("zone_a"), nil)
	require.NoError(t, err)
	_, err = s.RecordVoiceEvent(ctx(), "announce", "新しいタスクです", nil, strPtr("/audio/a.wav"))
	require.NoError(t, err)

	events, err := s.RecentVoiceEvents(ctx(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "announce", events[0].EventType, "newest first")

	user, err := s.CreateUser(ctx(), "alice", "Alice")
	require.NoError(t, err)
	again, err := s.CreateUser(ctx(), "alice", "Someone Else")
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID, "usernames are unique")

	require.NoError(t, s.AddUserXP(ctx(), user.ID, 50))
	users, err := s.ListUsers(ctx())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, int64(50), users[0].XP)
}
