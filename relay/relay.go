package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pigeon/models"
)

// DefaultSubjectPrefix roots every relay subject.
const DefaultSubjectPrefix = "pigeon"

// EventType identifies an inbound relay event.
type EventType string

const (
	EventMessage             EventType = "message"
	EventTyping              EventType = "typing"
	EventReadReceipt         EventType = "read-receipt"
	EventGroupNameUpdated    EventType = "group-name-updated"
	EventParticipantLeft     EventType = "participant-left"
	EventConversationDeleted EventType = "conversation-deleted"
	EventGroupAdded          EventType = "group-added"
	EventGroupMemberAdded    EventType = "group-member-added"
	EventGroupCreated        EventType = "group-created"
)

var (
	// ErrNotConnected means the relay connection is not authenticated.
	ErrNotConnected = errors.New("relay: not connected")
	// ErrInvalidEvent indicates an inbound payload without a type.
	ErrInvalidEvent = errors.New("relay: invalid event")
)

// Event is the envelope of everything published on the relay. Which fields are
// set depends on Type.
type Event struct {
	Type           EventType      `json:"type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Sender         string         `json:"sender"`
	Timestamp      int64          `json:"timestamp"`
	MessageID      string         `json:"message_id,omitempty"`
	Content        models.Content `json:"content,omitzero"`
	ReplyTo        string         `json:"reply_to,omitempty"`
	Signature      string         `json:"signature,omitempty"`
	IsGroup        bool           `json:"is_group,omitempty"`
	GroupName      string         `json:"group_name,omitempty"`
	Participants   []string       `json:"participants,omitempty"`
	LogKey         string         `json:"log_key,omitempty"`
	// Handle is the member a membership event is about.
	Handle   string `json:"handle,omitempty"`
	IsTyping bool   `json:"is_typing,omitempty"`
}

// OutgoingMessage is one per-recipient message send.
type OutgoingMessage struct {
	ID             string
	ConversationID string
	Recipient      string
	Content        models.Content
	ReplyTo        string
	Timestamp      int64
	Signature      string
	IsGroup        bool
	GroupName      string
	Participants   []string
	LogKey         string
}

// Group describes a group for create and member-add notices.
type Group struct {
	ConversationID string
	Name           string
	Participants   []string
	LogKey         string
}

// EncodeEvent marshals an event for publication.
func EncodeEvent(event Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal relay event: %w", err)
	}
	return payload, nil
}

// DecodeEvent parses one relay payload.
func DecodeEvent(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, fmt.Errorf("decode relay event: %w", err)
	}
	if event.Type == "" {
		return Event{}, ErrInvalidEvent
	}
	event.Sender = models.NormalizeHandle(event.Sender)
	event.Handle = models.NormalizeHandle(event.Handle)
	return event, nil
}

// UserSubject is the inbox subject of one handle.
func UserSubject(prefix, handle string) string {
	return prefix + ".user." + subjectToken(models.NormalizeHandle(handle))
}

// RoomSubject is the broadcast subject of one conversation.
func RoomSubject(prefix, conversationID string) string {
	return prefix + ".room." + subjectToken(conversationID)
}

// subjectToken escapes characters NATS treats as separators or wildcards so
// any handle or ID maps to exactly one subject token.
func subjectToken(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			for _, c := range []byte(string(r)) {
				fmt.Fprintf(&b, "~%02x", c)
			}
		}
	}
	if b.Len() == 0 {
		return "~"
	}
	return b.String()
}
