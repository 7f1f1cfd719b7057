package models

import (
	"sort"
	"strings"
)

// SyncStatus tracks replication and delivery progress of one message.
type SyncStatus string

const (
	StatusPending   SyncStatus = "pending"
	StatusSyncing   SyncStatus = "syncing"
	StatusSent      SyncStatus = "sent"
	StatusDelivered SyncStatus = "delivered"
	StatusRead      SyncStatus = "read"
	StatusSynced    SyncStatus = "synced"
	StatusFailed    SyncStatus = "failed"
)

var statusRank = map[SyncStatus]int{
	StatusPending:   0,
	StatusSyncing:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
	StatusSynced:    5,
}

// Advance returns the status a message should show after observing next.
//
// Progress never moves backwards: the most advanced of the relay path
// (sent/delivered/read) and the log path (synced) wins. Failed only replaces
// pending or syncing, so a message already durable in the log stays synced
// even when every relay send fails.
func (s SyncStatus) Advance(next SyncStatus) SyncStatus {
	if next == StatusFailed {
		if s == "" || s == StatusPending || s == StatusSyncing {
			return StatusFailed
		}
		return s
	}
	if s == StatusFailed {
		// Only an explicit retry (Reset) leaves failed.
		return s
	}
	if statusRank[next] > statusRank[s] {
		return next
	}
	return s
}

// Reset moves a failed message back to pending for a user-initiated retry.
func (s SyncStatus) Reset() SyncStatus {
	if s == StatusFailed {
		return StatusPending
	}
	return s
}

// Message is one conversation message. Identity is (ConversationID, ID).
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        Content    `json:"content"`
	Timestamp      int64      `json:"timestamp"`
	ReplyTo        string     `json:"reply_to,omitempty"`
	IsOutgoing     bool       `json:"is_outgoing"`
	SyncStatus     SyncStatus `json:"sync_status"`
	Signature      string     `json:"signature,omitempty"`
	ReadBy         []string   `json:"read_by,omitempty"`
	UpdatedAt      int64      `json:"updated_at,omitempty"`
}

// MarkReadBy adds reader to ReadBy. It reports false when the reader was
// already recorded.
func (m *Message) MarkReadBy(reader string) bool {
	reader = NormalizeHandle(reader)
	if reader == "" {
		return false
	}
	for _, existing := range m.ReadBy {
		if existing == reader {
			return false
		}
	}
	m.ReadBy = append(m.ReadBy, reader)
	sort.Strings(m.ReadBy)
	return true
}

// Merge folds a re-observed copy of the same message into m. Content and
// signature follow the newer observation; status only advances; readers union.
// Opaque encrypted content never replaces a readable copy.
func (m *Message) Merge(other Message) {
	if !other.Content.IsZero() && !m.hidesReadableContent(other.Content) {
		m.Content = other.Content
	}
	if other.Timestamp != 0 {
		m.Timestamp = other.Timestamp
	}
	if other.ReplyTo != "" {
		m.ReplyTo = other.ReplyTo
	}
	if other.Signature != "" {
		m.Signature = other.Signature
	}
	if other.SyncStatus != "" {
		m.SyncStatus = m.SyncStatus.Advance(other.SyncStatus)
	}
	for _, reader := range other.ReadBy {
		m.MarkReadBy(reader)
	}
	if other.UpdatedAt > m.UpdatedAt {
		m.UpdatedAt = other.UpdatedAt
	}
}

// SortMessages orders messages oldest first, breaking timestamp ties by ID so
// every replica agrees on the order.
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Timestamp != messages[j].Timestamp {
			return messages[i].Timestamp < messages[j].Timestamp
		}
		return strings.Compare(messages[i].ID, messages[j].ID) < 0
	})
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	m.ReadBy = append([]string(nil), m.ReadBy...)
	return m
}

func (m *Message) hidesReadableContent(next Content) bool {
	return next.Kind() == KindEncrypted && !m.Content.IsZero() && m.Content.Kind() != KindEncrypted
}
