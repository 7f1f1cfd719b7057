package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"pigeon/models"
)

func (d *database) upsertConversation(conv models.Conversation, updatedAt int64) error {
	if conv.ID == "" {
		return errors.New("conversation id is required")
	}
	payload, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation %q: %w", conv.ID, err)
	}

	_, err = d.db.Exec(
		`INSERT INTO conversations (id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		conv.ID,
		string(payload),
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation %q: %w", conv.ID, err)
	}
	return nil
}

// deleteConversation drops the index row together with the conversation's
// messages and cursors in one transaction.
func (d *database) deleteConversation(id string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete conversation %q: %w", id, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range []string{
		`DELETE FROM conversations WHERE id = ?`,
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM sync_states WHERE conversation_id = ?`,
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return fmt.Errorf("delete conversation %q: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation %q: %w", id, err)
	}
	return nil
}

func (d *database) loadConversations() ([]models.Conversation, error) {
	rows, err := d.db.Query(`SELECT id, payload FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		var conv models.Conversation
		if err := json.Unmarshal([]byte(payload), &conv); err != nil {
			return nil, fmt.Errorf("decode conversation %q: %w", id, err)
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return conversations, nil
}

func (d *database) insertLeft(id string, leftAt int64) error {
	_, err := d.db.Exec(
		`INSERT INTO left_conversations (conversation_id, left_at)
		VALUES (?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET left_at = excluded.left_at`,
		id,
		leftAt,
	)
	if err != nil {
		return fmt.Errorf("insert left conversation %q: %w", id, err)
	}
	return nil
}

func (d *database) deleteLeft(id string) error {
	if _, err := d.db.Exec(`DELETE FROM left_conversations WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete left conversation %q: %w", id, err)
	}
	return nil
}

func (d *database) loadLeft() (map[string]int64, error) {
	rows, err := d.db.Query(`SELECT conversation_id, left_at FROM left_conversations`)
	if err != nil {
		return nil, fmt.Errorf("query left conversations: %w", err)
	}
	defer rows.Close()

	left := make(map[string]int64)
	for rows.Next() {
		var id string
		var at int64
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("scan left conversation row: %w", err)
		}
		left[id] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate left conversation rows: %w", err)
	}
	return left, nil
}

// upsertMessages writes one conversation's messages in a single transaction so
// a failed write leaves every other conversation untouched.
func (d *database) upsertMessages(conversationID string, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin message write for %q: %w", conversationID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.Prepare(
		`INSERT INTO messages (conversation_id, message_id, timestamp, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, message_id) DO UPDATE SET
			timestamp = excluded.timestamp,
			payload = excluded.payload`,
	)
	if err != nil {
		return fmt.Errorf("prepare message write: %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message %q: %w", msg.ID, err)
		}
		if _, err := stmt.Exec(conversationID, msg.ID, msg.Timestamp, string(payload)); err != nil {
			return fmt.Errorf("upsert message %q: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message write for %q: %w", conversationID, err)
	}
	return nil
}

func (d *database) loadMessages(conversationID string) ([]models.Message, error) {
	rows, err := d.db.Query(
		`SELECT message_id, payload
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, message_id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages for %q: %w", conversationID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("decode message %q: %w", id, err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

func (d *database) upsertSyncState(conversationID string, state models.SyncState) error {
	status := state.Status
	if status == "" {
		status = models.SyncOffline
	}
	_, err := d.db.Exec(
		`INSERT INTO sync_states (conversation_id, local_length, remote_length, last_sync_timestamp, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			local_length = excluded.local_length,
			remote_length = excluded.remote_length,
			last_sync_timestamp = excluded.last_sync_timestamp,
			status = excluded.status`,
		conversationID,
		state.LocalLength,
		state.RemoteLength,
		state.LastSyncTimestamp,
		string(status),
	)
	if err != nil {
		return fmt.Errorf("upsert sync state %q: %w", conversationID, err)
	}
	return nil
}

func (d *database) loadSyncStates() (map[string]models.SyncState, error) {
	rows, err := d.db.Query(
		`SELECT conversation_id, local_length, remote_length, last_sync_timestamp, status FROM sync_states`,
	)
	if err != nil {
		return nil, fmt.Errorf("query sync states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]models.SyncState)
	for rows.Next() {
		var id, status string
		var state models.SyncState
		if err := rows.Scan(&id, &state.LocalLength, &state.RemoteLength, &state.LastSyncTimestamp, &status); err != nil {
			return nil, fmt.Errorf("scan sync state row: %w", err)
		}
		state.Status = models.SyncStatusKind(status)
		states[id] = state
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync state rows: %w", err)
	}
	return states, nil
}
