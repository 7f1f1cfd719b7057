package models

import (
	"sort"
	"strings"
)

const (
	// DirectConversationPrefix starts every direct conversation ID.
	DirectConversationPrefix = "dm_"
	// GroupConversationPrefix starts group IDs generated by this client.
	GroupConversationPrefix = "group_"

	directSeparator = "_"
)

// directHandleEscaper keeps the separator out of handles so distinct pairs
// never share an ID.
var directHandleEscaper = strings.NewReplacer("%", "%25", directSeparator, "%5f")

// SyncStatusKind is the conversation-level replication state.
type SyncStatusKind string

const (
	SyncOffline SyncStatusKind = "offline"
	SyncSyncing SyncStatusKind = "syncing"
	SyncSynced  SyncStatusKind = "synced"
)

// SyncState holds the replication cursors of one conversation log.
type SyncState struct {
	LocalLength       int64          `json:"local_length"`
	RemoteLength      int64          `json:"remote_length"`
	LastSyncTimestamp int64          `json:"last_sync_timestamp"`
	Status            SyncStatusKind `json:"status"`
}

// Participant is one other member of a conversation.
type Participant struct {
	Handle             string `json:"handle"`
	WriteKey           string `json:"write_key,omitempty"`
	MessagingPublicKey string `json:"messaging_public_key,omitempty"`
	DisplayName        string `json:"display_name,omitempty"`
	AddedAt            int64  `json:"added_at,omitempty"`
	AddedBy            string `json:"added_by,omitempty"`
}

// Conversation is the cached state of a direct or group conversation.
//
// Participants never contains the local user.
type Conversation struct {
	ID                 string        `json:"id"`
	Participants       []Participant `json:"participants"`
	IsGroup            bool          `json:"is_group"`
	GroupName          string        `json:"group_name,omitempty"`
	LastMessageAt      int64         `json:"last_message_at,omitempty"`
	LastMessagePreview string        `json:"last_message_preview,omitempty"`
	LastMessageSender  string        `json:"last_message_sender,omitempty"`
	UnreadCount        int           `json:"unread_count"`
	Pinned             bool          `json:"pinned"`
	Muted              bool          `json:"muted"`
	LogKey             string        `json:"log_key,omitempty"`
	LocalLength        int64         `json:"local_length"`
	RemoteLength       int64         `json:"remote_length"`
	LastSyncedAt       int64         `json:"last_synced_at,omitempty"`
	NameUpdatedAt      int64         `json:"name_updated_at,omitempty"`
	NameSource         Channel       `json:"name_source,omitempty"`
	CreatedAt          int64         `json:"created_at"`
}

// NormalizeHandle canonicalizes a handle: trimmed, no leading @, lower case.
func NormalizeHandle(handle string) string {
	handle = strings.TrimSpace(handle)
	handle = strings.TrimPrefix(handle, "@")
	return strings.ToLower(handle)
}

// DirectConversationID derives the shared ID of a direct conversation. Both
// sides compute the same value without coordinating.
func DirectConversationID(a, b string) string {
	handles := []string{NormalizeHandle(a), NormalizeHandle(b)}
	sort.Strings(handles)
	for i, handle := range handles {
		handles[i] = directHandleEscaper.Replace(handle)
	}
	return DirectConversationPrefix + strings.Join(handles, directSeparator)
}

// IsDirectConversationID reports whether id has the direct conversation shape.
func IsDirectConversationID(id string) bool {
	return strings.HasPrefix(id, DirectConversationPrefix)
}

// HasParticipant reports whether handle is one of the other participants.
func (c *Conversation) HasParticipant(handle string) bool {
	handle = NormalizeHandle(handle)
	for _, p := range c.Participants {
		if NormalizeHandle(p.Handle) == handle {
			return true
		}
	}
	return false
}

// AddParticipant appends p unless it is self or already present.
func (c *Conversation) AddParticipant(p Participant, self string) bool {
	p.Handle = NormalizeHandle(p.Handle)
	if p.Handle == "" || p.Handle == NormalizeHandle(self) || c.HasParticipant(p.Handle) {
		return false
	}
	c.Participants = append(c.Participants, p)
	return true
}

// RemoveParticipant drops handle from the participant list.
func (c *Conversation) RemoveParticipant(handle string) bool {
	handle = NormalizeHandle(handle)
	for i, p := range c.Participants {
		if NormalizeHandle(p.Handle) == handle {
			c.Participants = append(c.Participants[:i:i], c.Participants[i+1:]...)
			return true
		}
	}
	return false
}

// ParticipantHandles returns the other participants' handles.
func (c *Conversation) ParticipantHandles() []string {
	handles := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		handles = append(handles, p.Handle)
	}
	return handles
}

// ApplyLastMessage refreshes the last-message cache when msg is newer.
func (c *Conversation) ApplyLastMessage(msg Message) bool {
	if msg.Timestamp < c.LastMessageAt {
		return false
	}
	c.LastMessageAt = msg.Timestamp
	c.LastMessagePreview = msg.Content.Preview()
	c.LastMessageSender = msg.SenderID
	return true
}

// SortConversations orders pinned conversations first, then most recent.
func SortConversations(conversations []Conversation) {
	sort.SliceStable(conversations, func(i, j int) bool {
		a, b := conversations[i], conversations[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		aAt, bAt := a.LastMessageAt, b.LastMessageAt
		if aAt == 0 {
			aAt = a.CreatedAt
		}
		if bAt == 0 {
			bAt = b.CreatedAt
		}
		if aAt != bAt {
			return aAt > bAt
		}
		return a.ID < b.ID
	})
}

// Clone returns a copy that shares no slices with c.
func (c Conversation) Clone() Conversation {
	c.Participants = append([]Participant(nil), c.Participants...)
	return c
}
