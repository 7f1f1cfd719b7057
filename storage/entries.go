package storage

import (
	"go.uber.org/zap"

	"pigeon/models"
)

// MergeResult describes what ProcessEntries changed.
type MergeResult struct {
	ConversationID string
	// Created is set when the entries created the conversation locally.
	Created bool
	// Changed is set when the conversation record itself changed.
	Changed bool
	// Dropped is set when the conversation is tombstoned and nothing was applied.
	Dropped bool
	// ReAdded is set when the batch ends with the local user added back and
	// that cleared a tombstone.
	ReAdded bool
	// SelfRemoved is set when the batch ends with the local user removed.
	SelfRemoved     bool
	NewMessages     []models.Message
	UpdatedMessages []models.Message
	// Typing maps sender handle to typing state. Typing is never persisted.
	Typing map[string]bool
}

// Empty reports whether nothing observable happened.
func (r MergeResult) Empty() bool {
	return !r.Created && !r.Changed && !r.ReAdded && !r.SelfRemoved &&
		len(r.NewMessages) == 0 && len(r.UpdatedMessages) == 0 && len(r.Typing) == 0
}

// ProcessEntries merges replicated log entries for one conversation into the
// store. Message entries become synced messages, membership entries edit the
// participant list, read receipts extend ReadBy and metadata entries go through
// the metadata resolver.
//
// The local user's membership follows the last member-add or member-remove
// naming self in the batch, so a replayed leave followed by a re-add leaves the
// user a member. When that last entry is an add it clears the tombstone before
// the tombstone check. Any other entry for a tombstoned conversation is dropped.
func (s *Store) ProcessEntries(entries []models.Entry, conversationID, self string) MergeResult {
	result := MergeResult{ConversationID: conversationID}
	if conversationID == "" || len(entries) == 0 {
		return result
	}
	self = models.NormalizeHandle(self)

	s.mu.Lock()
	defer s.mu.Unlock()

	membership := selfMembership(entries, self)
	if membership == models.EntryMemberAdd && s.clearLeftLocked(conversationID) {
		result.ReAdded = true
	}
	if _, left := s.left[conversationID]; left {
		result.Dropped = true
		s.logger.Debug("dropped entries for left conversation",
			zap.String("conversation", conversationID),
			zap.Int("entries", len(entries)),
		)
		return result
	}

	conv, exists := s.conversations[conversationID]
	if !exists {
		if !createsConversation(entries) {
			return s.typingOnly(entries, self, result)
		}
		conv = models.Conversation{
			ID:        conversationID,
			IsGroup:   !models.IsDirectConversationID(conversationID),
			CreatedAt: s.now().UnixMilli(),
		}
		result.Created = true
	}
	conv = conv.Clone()

	touched := make(map[string]models.Message)
	var order []string
	touch := func(msg models.Message, isNew bool) {
		if _, seen := touched[msg.ID]; !seen {
			order = append(order, msg.ID)
			if isNew {
				result.NewMessages = append(result.NewMessages, msg)
			}
		}
		touched[msg.ID] = msg
	}

	for _, entry := range entries {
		sender := models.NormalizeHandle(entry.Sender)
		switch entry.Type {
		case models.EntryInit:
			for _, p := range entry.Participants {
				if conv.AddParticipant(p, self) {
					result.Changed = true
				}
			}
			if sender != "" && conv.AddParticipant(models.Participant{Handle: sender, AddedAt: entry.Timestamp}, self) {
				result.Changed = true
			}
			if entry.IsGroup && !conv.IsGroup {
				conv.IsGroup = true
				result.Changed = true
			}
			if entry.GroupName != "" && s.resolver.Apply(&conv, models.MetadataUpdate{
				Name: entry.GroupName, Timestamp: entry.Timestamp, Channel: models.ChannelLog,
			}) {
				result.Changed = true
			}

		case models.EntryMessage:
			if entry.ID == "" {
				continue
			}
			if sender != self && conv.AddParticipant(models.Participant{Handle: sender, AddedAt: entry.Timestamp}, self) {
				result.Changed = true
			}
			merged, isNew := s.mergeMessageLocked(models.Message{
				ID:             entry.ID,
				ConversationID: conversationID,
				SenderID:       sender,
				Content:        entry.Content,
				Timestamp:      entry.Timestamp,
				ReplyTo:        entry.ReplyTo,
				IsOutgoing:     sender == self,
				SyncStatus:     models.StatusSynced,
				Signature:      entry.Signature,
			})
			touch(merged, isNew)
			if isNew && sender != self {
				conv.UnreadCount++
				result.Changed = true
			}

		case models.EntryMemberAdd:
			handle := entryHandle(entry)
			if handle == self {
				continue
			}
			p := models.Participant{Handle: handle, AddedAt: entry.Timestamp, AddedBy: sender}
			if entry.Participant != nil {
				p = *entry.Participant
				p.Handle = handle
				if p.AddedAt == 0 {
					p.AddedAt = entry.Timestamp
				}
				if p.AddedBy == "" {
					p.AddedBy = sender
				}
			}
			if conv.AddParticipant(p, self) {
				result.Changed = true
			}

		case models.EntryMemberRemove:
			handle := entryHandle(entry)
			if handle == self {
				continue
			}
			if conv.RemoveParticipant(handle) {
				result.Changed = true
			}

		case models.EntryReadReceipt:
			if sender == "" || sender == self || entry.MessageID == "" {
				continue
			}
			list := s.messagesLocked(conversationID)
			i := indexOf(list, entry.MessageID)
			if i < 0 {
				continue
			}
			msg := list[i].Clone()
			if !msg.MarkReadBy(sender) {
				continue
			}
			if msg.IsOutgoing {
				msg.SyncStatus = msg.SyncStatus.Advance(models.StatusRead)
			}
			msg.UpdatedAt = s.now().UnixMilli()
			s.putMessageLocked(msg)
			touch(msg, false)

		case models.EntryTyping:
			if sender == "" || sender == self {
				continue
			}
			if result.Typing == nil {
				result.Typing = make(map[string]bool)
			}
			result.Typing[sender] = entry.IsTyping

		case models.EntryMetadata:
			if s.resolver.Apply(&conv, models.MetadataUpdate{
				Name: entry.GroupName, Timestamp: entry.Timestamp, Channel: models.ChannelLog,
			}) {
				result.Changed = true
			}

		default:
			s.logger.Debug("skipping unknown entry type",
				zap.String("conversation", conversationID),
				zap.String("type", string(entry.Type)),
			)
		}
	}

	result.SelfRemoved = membership == models.EntryMemberRemove

	written := make([]models.Message, 0, len(order))
	for _, id := range order {
		msg := touched[id]
		written = append(written, msg)
		if !containsMessage(result.NewMessages, id) {
			result.UpdatedMessages = append(result.UpdatedMessages, msg)
		}
	}
	for i := range result.NewMessages {
		result.NewMessages[i] = touched[result.NewMessages[i].ID].Clone()
	}

	s.conversations[conversationID] = conv
	if result.Created || result.Changed {
		s.persistConversationLocked(conv)
	}
	s.finishMessageWriteLocked(conversationID, written)
	return result
}

func (s *Store) typingOnly(entries []models.Entry, self string, result MergeResult) MergeResult {
	for _, entry := range entries {
		sender := models.NormalizeHandle(entry.Sender)
		if entry.Type != models.EntryTyping || sender == "" || sender == self {
			continue
		}
		if result.Typing == nil {
			result.Typing = make(map[string]bool)
		}
		result.Typing[sender] = entry.IsTyping
	}
	return result
}

// createsConversation reports whether entries carry anything worth a local
// conversation record. Typing alone does not.
func createsConversation(entries []models.Entry) bool {
	for _, entry := range entries {
		switch entry.Type {
		case models.EntryInit, models.EntryMessage, models.EntryMemberAdd, models.EntryMetadata:
			return true
		}
	}
	return false
}

// selfMembership returns the type of the last membership entry naming self,
// or "" when the batch does not mention self.
func selfMembership(entries []models.Entry, self string) models.EntryType {
	for i := len(entries) - 1; i >= 0; i-- {
		switch entries[i].Type {
		case models.EntryMemberAdd, models.EntryMemberRemove:
			if entryHandle(entries[i]) == self {
				return entries[i].Type
			}
		}
	}
	return ""
}

func entryHandle(entry models.Entry) string {
	if entry.Handle != "" {
		return models.NormalizeHandle(entry.Handle)
	}
	if entry.Participant != nil {
		return models.NormalizeHandle(entry.Participant.Handle)
	}
	return ""
}

func containsMessage(list []models.Message, id string) bool {
	for _, msg := range list {
		if msg.ID == id {
			return true
		}
	}
	return false
}
