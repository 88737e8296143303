package taskstore

import (
	"context"
	"database/sql"
	"time"
)

// VoiceEvent is an ephemeral record of something the system spoke, kept so
// the dashboard can show a transcript.
type VoiceEvent struct {
	ID        int64     `json:"id"`
	EventType string    `json:"event_type"` // speak | announce | rejection
	Message   string    `json:"message"`
	Zone      *string   `json:"zone,omitempty"`
	AudioURL  *string   `json:"audio_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordVoiceEvent appends one spoken-message record.
func (s *Store) RecordVoiceEvent(ctx context.Context, eventType, message string, zone, audioURL *string) (*VoiceEvent, error) {
	now := s.now()
	query := s.db.Rebind(`INSERT INTO voice_events
		(event_type, message, zone, audio_url, created_at) VALUES (?, ?, ?, ?, ?)`)

	var id int64
	if s.db.Driver == "postgres" {
		if err := s.db.QueryRowContext(ctx, query+" RETURNING id",
			eventType, message, zone, audioURL, now).Scan(&id); err != nil {
			return nil, err
		}
	} else {
		res, err := s.db.ExecContext(ctx, query, eventType, message, zone, audioURL, now)
		if err != nil {
			return nil, err
		}
		id, _ = res.LastInsertId()
	}
	return &VoiceEvent{
		ID: id, EventType: eventType, Message: message,
		Zone: zone, AudioURL: audioURL, CreatedAt: now,
	}, nil
}

// RecentVoiceEvents lists the newest spoken messages.
func (s *Store) RecentVoiceEvents(ctx context.Context, limit int) ([]VoiceEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		"SELECT id, event_type, message, zone, audio_url, created_at FROM voice_events ORDER BY id DESC LIMIT ?"),
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []VoiceEvent{}
	for rows.Next() {
		var e VoiceEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Message, &e.Zone, &e.AudioURL, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// User is a member of the office earning XP and gold.
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	XP          int64     `json:"xp"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateUser registers a member; existing usernames are returned as-is.
func (s *Store) CreateUser(ctx context.Context, username, displayName string) (*User, error) {
	if u, err := s.GetUserByName(ctx, username); err == nil {
		return u, nil
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	now := s.now()
	query := s.db.Rebind(
		"INSERT INTO users (username, display_name, xp, created_at) VALUES (?, ?, 0, ?)")
	if s.db.Driver == "postgres" {
		var id int64
		if err := s.db.QueryRowContext(ctx, query+" RETURNING id",
			username, displayName, now).Scan(&id); err != nil {
			return nil, err
		}
	} else if _, err := s.db.ExecContext(ctx, query, username, displayName, now); err != nil {
		return nil, err
	}
	return s.GetUserByName(ctx, username)
}

// GetUserByName reads one user; sql.ErrNoRows when absent.
func (s *Store) GetUserByName(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		"SELECT id, username, display_name, xp, created_at FROM users WHERE username = ?"),
		username).Scan(&u.ID, &u.Username, &u.DisplayName, &u.XP, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns everyone, highest XP first.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, username, display_name, xp, created_at FROM users ORDER BY xp DESC, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.XP, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// AddUserXP credits task XP to a member. Unknown ids are a no-op.
func (s *Store) AddUserXP(ctx context.Context, userID, xp int64) error {
	if xp <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE users SET xp = xp + ? WHERE id = ?"), xp, userID)
	return err
}
