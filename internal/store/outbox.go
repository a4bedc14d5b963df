package store

import (
	"database/sql"
	"time"
)

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(clientMsgID, sessionID, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, session_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)`,
		clientMsgID, sessionID, body, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' on the given
// channel and bumps the attempt counter.
func (db *DB) MarkOutboxSending(clientMsgID, channel string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'sending', channel = ?, attempts = attempts + 1, updated_at = ?
		WHERE client_msg_id = ?`, channel, now, clientMsgID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(clientMsgID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`, serverMsgID, now, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// GetOutbox returns a single outbox entry, or nil if unknown.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, session_id, body, channel, attempts, status, error_message, server_msg_id
		FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	entries, err := scanOutbox(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// PendingOutbox returns outbox entries that are queued or mid-send, oldest
// first. Used to resume interrupted sends after a restart.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, session_id, body, channel, attempts, status, error_message, server_msg_id
		FROM outbox WHERE status IN ('queued', 'sending') ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOutbox(rows)
}

func scanOutbox(rows *sql.Rows) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.SessionID, &e.Body, &e.Channel, &e.Attempts, &e.Status, &e.ErrorMessage, &e.ServerMsgID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
