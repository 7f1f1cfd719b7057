package orchestrator

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"pigeon/models"
	"pigeon/relay"
	"pigeon/replog"
)

// handleRelayEvent merges one relay event. Re-add signals clear the tombstone
// first; everything else for a tombstoned conversation is dropped before any
// lookup or creation happens.
func (o *Orchestrator) handleRelayEvent(ctx context.Context, event relay.Event) {
	o.mu.Lock()
	self, err := o.requireSessionLocked()
	if err != nil {
		o.mu.Unlock()
		return
	}
	if event.Sender == self {
		o.mu.Unlock()
		return
	}
	conversationID := resolveConversationID(event, self)
	if conversationID == "" {
		o.mu.Unlock()
		o.logger.Debug("relay event without conversation", zap.String("type", string(event.Type)))
		return
	}
	logger := o.logger.With(zap.String("conversation", conversationID), zap.String("type", string(event.Type)))

	if isReAddSignal(event, self) && o.store.ClearLeftStatus(conversationID) {
		logger.Info("re-added to conversation, tombstone cleared")
	}
	if o.store.HasLeftConversation(conversationID) {
		o.mu.Unlock()
		logger.Debug("dropped relay event for left conversation")
		return
	}

	var (
		created bool
		changed bool
		typing  *TypingUpdate
		remove  bool
	)
	switch event.Type {
	case relay.EventMessage:
		_, created = o.ensureConversationLocked(conversationID, event, self)
		if event.MessageID == "" {
			break
		}
		msg, isNew := o.store.MergeMessage(models.Message{
			ID:             event.MessageID,
			ConversationID: conversationID,
			SenderID:       event.Sender,
			Content:        event.Content,
			Timestamp:      event.Timestamp,
			ReplyTo:        event.ReplyTo,
			SyncStatus:     models.StatusDelivered,
			Signature:      event.Signature,
		})
		changed = true
		if isNew {
			o.store.UpdateConversation(conversationID, func(c *models.Conversation) {
				c.AddParticipant(models.Participant{Handle: msg.SenderID, AddedAt: msg.Timestamp}, self)
				c.UnreadCount++
				if c.LogKey == "" && event.LogKey != "" {
					c.LogKey = event.LogKey
				}
			})
		}

	case relay.EventTyping:
		if _, ok := o.store.Conversation(conversationID); ok {
			typing = &TypingUpdate{ConversationID: conversationID, Handle: event.Sender, IsTyping: event.IsTyping}
		}

	case relay.EventReadReceipt:
		_, changed = o.store.UpdateMessage(conversationID, event.MessageID, func(m *models.Message) {
			if m.MarkReadBy(event.Sender) && m.IsOutgoing {
				m.SyncStatus = m.SyncStatus.Advance(models.StatusRead)
			}
		})

	case relay.EventGroupNameUpdated:
		_, changed = o.store.UpdateConversation(conversationID, func(c *models.Conversation) {
			o.resolver.Apply(c, models.MetadataUpdate{
				Name: event.GroupName, Timestamp: event.Timestamp, Channel: models.ChannelRelay,
			})
		})

	case relay.EventParticipantLeft:
		if event.Handle == "" || event.Handle == self {
			break
		}
		_, changed = o.store.UpdateConversation(conversationID, func(c *models.Conversation) {
			c.RemoveParticipant(event.Handle)
		})

	case relay.EventConversationDeleted:
		if _, ok := o.store.Conversation(conversationID); ok {
			o.store.RemoveConversation(conversationID)
			o.stopSyncLoopLocked(conversationID)
			if active, _ := o.active.Load().(string); active == conversationID {
				o.active.Store("")
			}
			remove = true
			changed = true
		}

	case relay.EventGroupAdded, relay.EventGroupCreated:
		_, created = o.ensureConversationLocked(conversationID, event, self)
		if !created {
			_, changed = o.store.UpdateConversation(conversationID, func(c *models.Conversation) {
				mergeGroupEvent(c, event, self, o.resolver)
			})
		}

	case relay.EventGroupMemberAdded:
		if event.Handle == self {
			_, created = o.ensureConversationLocked(conversationID, event, self)
			break
		}
		_, changed = o.store.UpdateConversation(conversationID, func(c *models.Conversation) {
			c.AddParticipant(models.Participant{
				Handle:  event.Handle,
				AddedAt: event.Timestamp,
				AddedBy: event.Sender,
			}, self)
		})

	default:
		logger.Debug("ignoring relay event")
	}

	if created {
		conv, _ := o.store.Conversation(conversationID)
		o.attachInBackgroundLocked(conv)
		logger.Info("conversation created from relay")
	}
	o.mu.Unlock()

	if typing != nil {
		o.publisher.Emit(Update{Typing: typing})
	}
	if remove {
		if err := o.relay.LeaveRoom(ctx, conversationID); err != nil {
			logger.Debug("leave relay room failed", zap.Error(err))
		}
	}
	if created || changed {
		o.publisher.Schedule()
	}
}

// ensureConversationLocked returns the conversation, creating it from the
// event's shape when it does not exist yet.
func (o *Orchestrator) ensureConversationLocked(conversationID string, event relay.Event, self string) (models.Conversation, bool) {
	if conv, ok := o.store.Conversation(conversationID); ok {
		return conv, false
	}
	now := o.now().UnixMilli()
	conv := models.Conversation{
		ID:        conversationID,
		IsGroup:   event.IsGroup || !models.IsDirectConversationID(conversationID),
		LogKey:    event.LogKey,
		CreatedAt: now,
	}
	for _, handle := range event.Participants {
		conv.AddParticipant(models.Participant{Handle: handle, AddedAt: now, AddedBy: event.Sender}, self)
	}
	conv.AddParticipant(models.Participant{Handle: event.Sender, AddedAt: now}, self)
	if event.GroupName != "" {
		o.resolver.Apply(&conv, models.MetadataUpdate{
			Name: event.GroupName, Timestamp: event.Timestamp, Channel: models.ChannelRelay,
		})
	}
	o.store.SaveConversation(conv)
	return conv, true
}

func mergeGroupEvent(c *models.Conversation, event relay.Event, self string, resolver models.MetadataResolver) {
	for _, handle := range event.Participants {
		c.AddParticipant(models.Participant{Handle: handle, AddedAt: event.Timestamp, AddedBy: event.Sender}, self)
	}
	if c.LogKey == "" && event.LogKey != "" {
		c.LogKey = event.LogKey
	}
	if event.GroupName != "" {
		resolver.Apply(c, models.MetadataUpdate{
			Name: event.GroupName, Timestamp: event.Timestamp, Channel: models.ChannelRelay,
		})
	}
}

// resolveConversationID maps a relay event to its local conversation ID.
// Direct messages resolve to the shared direct ID of sender and self so both
// sides agree without coordinating.
func resolveConversationID(event relay.Event, self string) string {
	if event.Type == relay.EventMessage && !event.IsGroup &&
		(event.ConversationID == "" || models.IsDirectConversationID(event.ConversationID)) {
		if event.Sender == "" {
			return ""
		}
		return models.DirectConversationID(self, event.Sender)
	}
	return event.ConversationID
}

// isReAddSignal reports whether event explicitly adds self back to its
// conversation.
func isReAddSignal(event relay.Event, self string) bool {
	switch event.Type {
	case relay.EventMessage:
		if event.Content.Kind() != models.KindSystem {
			return false
		}
		body, ok := event.Content.Body.(models.SystemBody)
		return ok && strings.Contains(strings.ToLower(body.Text), "added @"+self+" to the group")
	case relay.EventGroupAdded:
		return event.Handle == "" || event.Handle == self
	case relay.EventGroupMemberAdded:
		return event.Handle == self
	}
	return false
}

// handleLogEvent merges one replicated log event.
func (o *Orchestrator) handleLogEvent(ctx context.Context, event replog.Event) {
	logger := o.logger.With(zap.String("conversation", event.ConversationID), zap.String("type", event.Type))
	switch event.Type {
	case replog.TypeEntries:
		o.applyEntries(ctx, event.ConversationID, event.Start, event.Entries)

	case replog.TypeSyncStarted:
		o.updateSyncState(event.ConversationID, func(state *models.SyncState) {
			state.Status = models.SyncSyncing
		})

	case replog.TypeSyncCompleted:
		previous := o.store.SyncState(event.ConversationID).LocalLength
		o.updateSyncState(event.ConversationID, func(state *models.SyncState) {
			if event.Length > state.LocalLength {
				state.LocalLength = event.Length
			}
			if event.RemoteLength > 0 {
				state.RemoteLength = event.RemoteLength
			}
			state.LastSyncTimestamp = o.now().UnixMilli()
			state.Status = models.SyncSynced
		})
		if event.Length > previous {
			o.pull(ctx, event.ConversationID, previous, event.Length)
		}

	case replog.TypePeerConnected, replog.TypePeerDisconnected:
		logger.Debug("log peer", zap.String("peer", event.Peer))

	case replog.TypeModuleError, replog.TypeError:
		logger.Warn("log worker reported error", zap.String("message", event.Message), zap.Bool("fatal", event.Fatal))

	default:
		logger.Debug("ignoring log event")
	}
}

// pull fetches entries [start, end) and merges them. end <= 0 reads to the
// current end of the log.
func (o *Orchestrator) pull(ctx context.Context, conversationID string, start, end int64) {
	if !o.LogReady() {
		return
	}
	entries, err := o.log.GetEntries(ctx, conversationID, start, end)
	if err != nil {
		o.logger.Warn("fetch log entries failed",
			zap.String("conversation", conversationID),
			zap.Int64("start", start),
			zap.Error(err),
		)
		return
	}
	o.applyEntries(ctx, conversationID, start, entries)
}

// applyEntries decrypts and merges a batch of log entries for one conversation.
func (o *Orchestrator) applyEntries(ctx context.Context, conversationID string, start int64, entries []models.Entry) {
	if conversationID == "" || len(entries) == 0 {
		return
	}
	conv, _ := o.store.Conversation(conversationID)
	entries = o.decryptEntries(conv.LogKey, entries)

	o.mu.Lock()
	self, err := o.requireSessionLocked()
	if err != nil {
		o.mu.Unlock()
		return
	}
	result := o.store.ProcessEntries(entries, conversationID, self)
	if result.Dropped {
		o.mu.Unlock()
		return
	}
	if result.ReAdded {
		o.logger.Info("re-added to conversation by log entry", zap.String("conversation", conversationID))
	}
	if result.SelfRemoved {
		o.store.MarkConversationAsLeft(conversationID)
		o.store.RemoveConversation(conversationID)
		o.stopSyncLoopLocked(conversationID)
		if active, _ := o.active.Load().(string); active == conversationID {
			o.active.Store("")
		}
	} else if end := start + int64(len(entries)); end > o.store.SyncState(conversationID).LocalLength {
		state := o.store.SyncState(conversationID)
		state.LocalLength = end
		if state.RemoteLength < end {
			state.RemoteLength = end
		}
		o.store.SaveSyncState(conversationID, state)
	}
	if result.Created && !result.SelfRemoved {
		conv, _ := o.store.Conversation(conversationID)
		o.attachInBackgroundLocked(conv)
	}
	o.mu.Unlock()

	for handle, isTyping := range result.Typing {
		o.publisher.Emit(Update{Typing: &TypingUpdate{ConversationID: conversationID, Handle: handle, IsTyping: isTyping}})
	}
	if result.SelfRemoved {
		o.logger.Info("removed from conversation", zap.String("conversation", conversationID))
		if err := o.relay.LeaveRoom(ctx, conversationID); err != nil {
			o.logger.Debug("leave relay room failed", zap.String("conversation", conversationID), zap.Error(err))
		}
	}
	if !result.Empty() {
		o.publisher.Schedule()
	}
}

// decryptEntries opens message content sealed to the conversation's core key.
// Content that cannot be opened stays encrypted.
func (o *Orchestrator) decryptEntries(logKey string, entries []models.Entry) []models.Entry {
	if o.crypto == nil || logKey == "" {
		return entries
	}
	out := make([]models.Entry, len(entries))
	copy(out, entries)
	for i, entry := range out {
		body, ok := entry.Content.Body.(models.EncryptedBody)
		if entry.Type != models.EntryMessage || !ok {
			continue
		}
		plaintext, err := o.crypto.DecryptFromCore(body, logKey)
		if err != nil {
			o.logger.Debug("entry content not decryptable", zap.String("message", entry.ID), zap.Error(err))
			continue
		}
		var content models.Content
		if err := json.Unmarshal(plaintext, &content); err != nil {
			o.logger.Debug("decrypted content malformed", zap.String("message", entry.ID), zap.Error(err))
			continue
		}
		out[i].Content = content
	}
	return out
}

func (o *Orchestrator) updateSyncState(conversationID string, fn func(*models.SyncState)) {
	if conversationID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.ready {
		return
	}
	state := o.store.SyncState(conversationID)
	fn(&state)
	o.store.SaveSyncState(conversationID, state)
}
