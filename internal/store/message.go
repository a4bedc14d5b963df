package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on
// session_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (session_id, msg_id, client_msg_id, sender_id, sender_name, body, content_type, from_me, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			status = excluded.status`,
		m.SessionID, m.MsgID, m.ClientMsgID, m.SenderID, m.SenderName, m.Body, m.ContentType, m.FromMe, m.Status, m.Timestamp, now)
	return err
}

// HasMessage reports whether a message id is already present in a session.
func (db *DB) HasMessage(sessionID, msgID string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM messages WHERE session_id = ? AND msg_id = ?`, sessionID, msgID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ConfirmMessage rewrites a locally-pending message with its
// server-assigned id. If the server id is already present (both send paths
// succeeded, or the live channel echoed the message first), the pending row
// is removed instead so the id never shows twice. Returns true if the
// pending row was rewritten, false if it was dropped as a duplicate.
func (db *DB) ConfirmMessage(sessionID, clientMsgID, serverMsgID string, timestamp int64) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRow(`SELECT 1 FROM messages WHERE session_id = ? AND msg_id = ?`, sessionID, serverMsgID).Scan(&one)
	switch err {
	case nil:
		if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ? AND msg_id = ?`, sessionID, clientMsgID); err != nil {
			return false, err
		}
		return false, tx.Commit()
	case sql.ErrNoRows:
		if _, err := tx.Exec(`
			UPDATE messages SET msg_id = ?, status = ?, timestamp = ?
			WHERE session_id = ? AND msg_id = ?`,
			serverMsgID, StatusSent, timestamp, sessionID, clientMsgID); err != nil {
			return false, err
		}
		return true, tx.Commit()
	default:
		return false, err
	}
}

// DeleteMessage removes a single message (used to roll back a failed
// optimistic send).
func (db *DB) DeleteMessage(sessionID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE session_id = ? AND msg_id = ?`, sessionID, msgID)
	return err
}

// ListThread returns a session's messages in display order: confirmed
// messages by server timestamp ascending, locally-pending messages at the
// tail in send order.
func (db *DB) ListThread(sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT id, session_id, msg_id, client_msg_id, sender_id, sender_name, body, content_type, from_me, status, timestamp
		FROM messages
		WHERE session_id = ?
		ORDER BY (status = 'pending') ASC, timestamp ASC, id ASC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.RowID, &m.SessionID, &m.MsgID, &m.ClientMsgID, &m.SenderID, &m.SenderName, &m.Body, &m.ContentType, &m.FromMe, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AdvanceStatus moves messages forward along the pending→sent→delivered→read
// walk. A message never moves backward.
func (db *DB) AdvanceStatus(sessionID string, msgIDs []string, to MessageStatus) error {
	if len(msgIDs) == 0 {
		return nil
	}
	targetRank, ok := statusRank[to]
	if !ok {
		return fmt.Errorf("unknown status %q", to)
	}

	args := []any{string(to)}
	for _, id := range msgIDs {
		args = append(args, id)
	}
	args = append(args, sessionID)

	// Ranks are encoded in SQL so the comparison happens in one statement.
	_, err := db.Exec(fmt.Sprintf(`
		UPDATE messages SET status = ?
		WHERE msg_id IN (%s) AND session_id = ?
		AND CASE status
			WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0
		END < %d`,
		placeholders(len(msgIDs)), targetRank), args...)
	return err
}

// MarkMessagesRead flips inbound messages to read and returns how many rows
// actually changed. The unread counter is decremented by exactly that count.
func (db *DB) MarkMessagesRead(sessionID string, msgIDs []string) (int, error) {
	if len(msgIDs) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(msgIDs)+1)
	for _, id := range msgIDs {
		args = append(args, id)
	}
	args = append(args, sessionID)

	res, err := db.Exec(fmt.Sprintf(`
		UPDATE messages SET status = 'read'
		WHERE msg_id IN (%s) AND session_id = ? AND from_me = 0 AND status != 'read'`,
		placeholders(len(msgIDs))), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// AddReader records that readerID has read a message.
func (db *DB) AddReader(sessionID, msgID, readerID string, readAt int64) error {
	_, err := db.Exec(`
		INSERT OR IGNORE INTO message_reads (session_id, msg_id, reader_id, read_at)
		VALUES (?, ?, ?, ?)`,
		sessionID, msgID, readerID, readAt)
	return err
}

// Readers returns the ids of users who have read a message.
func (db *DB) Readers(sessionID, msgID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT reader_id FROM message_reads
		WHERE session_id = ? AND msg_id = ? ORDER BY read_at ASC`, sessionID, msgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var readers []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		readers = append(readers, r)
	}
	return readers, rows.Err()
}

// FindPendingEcho looks for a locally-pending own message with the same
// body whose timestamp falls inside the bucket around ts. Last-resort
// duplicate suppression for servers that echo a send as a plain new-message
// event without the correlation id.
func (db *DB) FindPendingEcho(sessionID, body string, ts, bucket int64) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, session_id, msg_id, client_msg_id, sender_id, sender_name, body, content_type, from_me, status, timestamp
		FROM messages
		WHERE session_id = ? AND from_me = 1 AND status = 'pending' AND body = ?
		AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp ASC LIMIT 1`,
		sessionID, body, ts-bucket, ts+bucket)

	var m Message
	err := row.Scan(&m.RowID, &m.SessionID, &m.MsgID, &m.ClientMsgID, &m.SenderID, &m.SenderName, &m.Body, &m.ContentType, &m.FromMe, &m.Status, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
