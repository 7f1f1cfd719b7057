package storage

import (
	"go.uber.org/zap"

	"pigeon/models"
)

// SaveMessage inserts or replaces one message, keyed by (conversation, ID).
func (s *Store) SaveMessage(msg models.Message) {
	s.SaveMessages(msg.ConversationID, []models.Message{msg})
}

// SaveMessages upserts messages into one conversation. Re-saving an existing ID
// replaces it in place; the list stays ordered by timestamp.
func (s *Store) SaveMessages(conversationID string, messages []models.Message) {
	if conversationID == "" || len(messages) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	written := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.ID == "" {
			continue
		}
		msg.ConversationID = conversationID
		s.putMessageLocked(msg)
		written = append(written, msg)
	}
	s.finishMessageWriteLocked(conversationID, written)
}

// MergeMessage folds msg into the stored copy (or inserts it) using
// Message.Merge, so a replay never regresses status. It reports whether the
// message was new.
func (s *Store) MergeMessage(msg models.Message) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged, isNew := s.mergeMessageLocked(msg)
	s.finishMessageWriteLocked(msg.ConversationID, []models.Message{merged})
	return merged.Clone(), isNew
}

// Message returns one message.
func (s *Store) Message(conversationID, messageID string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messagesLocked(conversationID)
	if i := indexOf(list, messageID); i >= 0 {
		return list[i].Clone(), true
	}
	return models.Message{}, false
}

// Messages returns the most recent limit messages with timestamp at or before
// before, oldest first. before <= 0 means no upper bound; limit <= 0 means all.
func (s *Store) Messages(conversationID string, limit int, before int64) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messagesLocked(conversationID)
	end := len(list)
	if before > 0 {
		end = 0
		for end < len(list) && list[end].Timestamp <= before {
			end++
		}
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}

	out := make([]models.Message, 0, end-start)
	for _, msg := range list[start:end] {
		out = append(out, msg.Clone())
	}
	return out
}

// UpdateMessage applies fn to a stored message and persists it.
func (s *Store) UpdateMessage(conversationID, messageID string, fn func(*models.Message)) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messagesLocked(conversationID)
	i := indexOf(list, messageID)
	if i < 0 {
		return models.Message{}, false
	}
	msg := list[i].Clone()
	fn(&msg)
	msg.ID = messageID
	msg.ConversationID = conversationID
	msg.UpdatedAt = s.now().UnixMilli()
	s.putMessageLocked(msg)
	s.finishMessageWriteLocked(conversationID, []models.Message{msg})
	return msg.Clone(), true
}

// messagesLocked returns the cached list, loading it from disk on first use.
func (s *Store) messagesLocked(conversationID string) []models.Message {
	if list, ok := s.messages[conversationID]; ok {
		return list
	}
	var list []models.Message
	if s.db != nil {
		loaded, err := s.db.loadMessages(conversationID)
		if err != nil {
			s.logger.Error("load messages failed", zap.String("conversation", conversationID), zap.Error(err))
		} else {
			list = loaded
			models.SortMessages(list)
		}
	}
	s.messages[conversationID] = list
	return list
}

func (s *Store) putMessageLocked(msg models.Message) {
	list := s.messagesLocked(msg.ConversationID)
	msg = msg.Clone()
	if i := indexOf(list, msg.ID); i >= 0 {
		list[i] = msg
	} else {
		list = append(list, msg)
	}
	models.SortMessages(list)
	s.messages[msg.ConversationID] = list
}

func (s *Store) mergeMessageLocked(msg models.Message) (models.Message, bool) {
	list := s.messagesLocked(msg.ConversationID)
	if i := indexOf(list, msg.ID); i >= 0 {
		merged := list[i].Clone()
		merged.Merge(msg)
		s.putMessageLocked(merged)
		return merged, false
	}
	s.putMessageLocked(msg)
	return msg, true
}

// finishMessageWriteLocked persists written messages as one unit and refreshes
// the conversation's last-message cache.
func (s *Store) finishMessageWriteLocked(conversationID string, written []models.Message) {
	if len(written) == 0 {
		return
	}
	if s.db != nil {
		if err := s.db.upsertMessages(conversationID, written); err != nil {
			s.logger.Error("persist messages failed", zap.String("conversation", conversationID), zap.Error(err))
		}
	}

	conv, ok := s.conversations[conversationID]
	if !ok {
		return
	}
	list := s.messages[conversationID]
	if len(list) == 0 {
		return
	}
	if conv.ApplyLastMessage(list[len(list)-1]) {
		s.conversations[conversationID] = conv
		s.persistConversationLocked(conv)
	}
}

func indexOf(list []models.Message, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}
