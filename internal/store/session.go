package store

import (
	"database/sql"
	"time"
)

// UpsertSession inserts or updates a session record.
func (db *DB) UpsertSession(s *ChatSession) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sessions (id, name, kind, audio_enabled, member_count, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			audio_enabled = excluded.audio_enabled,
			member_count = excluded.member_count,
			unread_count = excluded.unread_count,
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview,
			updated_at = excluded.updated_at`,
		s.ID, s.Name, s.Kind, s.AudioEnabled, s.MemberCount, s.UnreadCount, s.LastMessageAt, s.LastMessagePreview, now)
	return err
}

// TouchSession bumps a session's last-message preview, creating the session
// row if it is not known yet. The newest activity wins.
func (db *DB) TouchSession(id string, lastMessageAt int64, preview string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sessions (id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_at = MAX(sessions.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= sessions.last_message_at THEN excluded.last_message_preview ELSE sessions.last_message_preview END,
			updated_at = excluded.updated_at`,
		id, lastMessageAt, preview, now)
	return err
}

// ListSessions returns the chat list in display order: sessions with unread
// messages first, then most-recent-activity first within each group.
func (db *DB) ListSessions(limit int) ([]ChatSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, name, kind, audio_enabled, member_count, unread_count, last_message_at, last_message_preview
		FROM sessions
		ORDER BY (unread_count > 0) DESC, last_message_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []ChatSession
	for rows.Next() {
		var s ChatSession
		if err := rows.Scan(&s.ID, &s.Name, &s.Kind, &s.AudioEnabled, &s.MemberCount, &s.UnreadCount, &s.LastMessageAt, &s.LastMessagePreview); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// GetSession returns a single session, or nil if unknown.
func (db *DB) GetSession(id string) (*ChatSession, error) {
	var s ChatSession
	err := db.QueryRow(`
		SELECT id, name, kind, audio_enabled, member_count, unread_count, last_message_at, last_message_preview
		FROM sessions WHERE id = ?`, id).
		Scan(&s.ID, &s.Name, &s.Kind, &s.AudioEnabled, &s.MemberCount, &s.UnreadCount, &s.LastMessageAt, &s.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSession removes a session and everything it owns.
func (db *DB) DeleteSession(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM message_reads WHERE session_id = ?`,
		`DELETE FROM messages WHERE session_id = ?`,
		`DELETE FROM outbox WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// IncrementUnread adds one to a session's unread counter.
func (db *DB) IncrementUnread(id string) error {
	_, err := db.Exec(`UPDATE sessions SET unread_count = unread_count + 1 WHERE id = ?`, id)
	return err
}

// DecrementUnread subtracts n from a session's unread counter, never going
// below zero.
func (db *DB) DecrementUnread(id string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := db.Exec(`UPDATE sessions SET unread_count = MAX(0, unread_count - ?) WHERE id = ?`, n, id)
	return err
}
