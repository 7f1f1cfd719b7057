package models

// EntryType identifies one replicated log record.
type EntryType string

const (
	EntryInit         EntryType = "init"
	EntryMessage      EntryType = "message"
	EntryMemberAdd    EntryType = "member-add"
	EntryMemberRemove EntryType = "member-remove"
	EntryReadReceipt  EntryType = "read-receipt"
	EntryTyping       EntryType = "typing"
	EntryMetadata     EntryType = "metadata"
)

// Entry is one record of a conversation's append-only log. Which fields are
// set depends on Type.
type Entry struct {
	Type      EntryType `json:"type"`
	Sender    string    `json:"sender"`
	Timestamp int64     `json:"timestamp"`

	// message
	ID        string  `json:"id,omitempty"`
	Content   Content `json:"content,omitzero"`
	ReplyTo   string  `json:"reply_to,omitempty"`
	Signature string  `json:"signature,omitempty"`

	// init
	Participants []Participant `json:"participants,omitempty"`
	IsGroup      bool          `json:"is_group,omitempty"`

	// init, metadata
	GroupName string `json:"group_name,omitempty"`

	// member-add, member-remove
	Handle      string       `json:"handle,omitempty"`
	Participant *Participant `json:"participant,omitempty"`

	// read-receipt
	MessageID string `json:"message_id,omitempty"`

	// typing
	IsTyping bool `json:"is_typing,omitempty"`
}

// MessageEntry builds the log record for an outgoing message.
func MessageEntry(msg Message) Entry {
	return Entry{
		Type:      EntryMessage,
		Sender:    msg.SenderID,
		Timestamp: msg.Timestamp,
		ID:        msg.ID,
		Content:   msg.Content,
		ReplyTo:   msg.ReplyTo,
		Signature: msg.Signature,
	}
}
