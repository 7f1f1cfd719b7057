package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pigeon/models"
	"pigeon/relay"
	"pigeon/replog"
)

// CreateConversation creates a direct conversation (one participant, no name)
// or a group. Creating a conversation is an explicit re-add, so any tombstone
// for the resulting ID is cleared. An existing direct conversation is
// returned as is.
func (o *Orchestrator) CreateConversation(ctx context.Context, participants []string, groupName string) (models.Conversation, error) {
	o.mu.Lock()
	self, err := o.requireSessionLocked()
	if err != nil {
		o.mu.Unlock()
		return models.Conversation{}, err
	}
	members := normalizeMembers(participants, self)
	if len(members) == 0 {
		o.mu.Unlock()
		return models.Conversation{}, fmt.Errorf("create conversation: %w", ErrInvalidParticipants)
	}
	groupName = strings.TrimSpace(groupName)
	isGroup := len(members) > 1 || groupName != ""

	id := models.DirectConversationID(self, members[0])
	if isGroup {
		id = models.GroupConversationPrefix + o.newID()
	}
	o.store.ClearLeftStatus(id)
	if existing, ok := o.store.Conversation(id); ok {
		o.mu.Unlock()
		return existing, nil
	}

	now := o.now().UnixMilli()
	conv := models.Conversation{ID: id, IsGroup: isGroup, CreatedAt: now}
	for _, handle := range members {
		conv.AddParticipant(models.Participant{Handle: handle, AddedAt: now, AddedBy: self}, self)
	}
	if groupName != "" {
		o.resolver.Apply(&conv, models.MetadataUpdate{Name: groupName, Timestamp: now, Channel: models.ChannelLocal})
	}
	o.store.SaveConversation(conv)
	o.mu.Unlock()
	o.publisher.Schedule()

	o.logger.Info("conversation created",
		zap.String("conversation", id),
		zap.Bool("group", isGroup),
		zap.Int("participants", len(members)),
	)

	if o.LogReady() {
		keys, err := o.log.CreateConversation(ctx, replog.CreateConfig{
			ConversationID: id,
			Participants:   conv.Participants,
			IsGroup:        isGroup,
			GroupName:      conv.GroupName,
			Creator:        self,
			Timestamp:      now,
		})
		if err != nil {
			o.logger.Warn("create conversation log failed", zap.String("conversation", id), zap.Error(err))
		} else {
			o.mu.Lock()
			if updated, ok := o.store.UpdateConversation(id, func(c *models.Conversation) { c.LogKey = keys.Key }); ok {
				conv = updated
			}
			o.startSyncLoopLocked(id)
			o.mu.Unlock()
		}
	}

	if err := o.relay.JoinRoom(ctx, id); err != nil {
		o.logger.Debug("join relay room failed", zap.String("conversation", id), zap.Error(err))
	}
	if isGroup {
		if err := o.relay.CreateGroup(ctx, relay.Group{
			ConversationID: id,
			Name:           conv.GroupName,
			Participants:   append([]string{self}, members...),
			LogKey:         conv.LogKey,
		}); err != nil {
			o.logger.Warn("announce group failed", zap.String("conversation", id), zap.Error(err))
		}
	}
	return conv, nil
}

// LeaveConversation leaves a conversation for good. The relay learns first,
// then the remaining members, then the tombstone is written, and only after
// that are the log and room released and the local record removed, so no
// inbound event racing the leave can bring the conversation back.
func (o *Orchestrator) LeaveConversation(ctx context.Context, conversationID string) error {
	o.mu.Lock()
	self, err := o.requireSessionLocked()
	if err != nil {
		o.mu.Unlock()
		return err
	}
	conv, ok := o.store.Conversation(conversationID)
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("leave conversation %q: %w", conversationID, ErrConversationNotFound)
	}
	logger := o.logger.With(zap.String("conversation", conversationID))

	if err := o.relay.LeaveGroup(ctx, conversationID); err != nil {
		logger.Warn("relay leave notice failed", zap.Error(err))
	}

	if o.LogReady() {
		if _, err := o.log.AppendEntry(ctx, conversationID, models.Entry{
			Type:      models.EntryMemberRemove,
			Sender:    self,
			Timestamp: o.now().UnixMilli(),
			Handle:    self,
		}); err != nil {
			logger.Debug("log leave entry failed", zap.Error(err))
		}
	}
	notice := o.systemMessageFrom(conv, self, fmt.Sprintf("@%s left the group", self))
	if failed := o.fanOut(ctx, conv, notice, conv.ParticipantHandles()); len(failed) > 0 {
		logger.Debug("leave notice not delivered", zap.Strings("failed", failed))
	}

	o.mu.Lock()
	o.store.MarkConversationAsLeft(conversationID)
	o.stopSyncLoopLocked(conversationID)
	delete(o.typingLimiters, conversationID)
	o.mu.Unlock()

	if o.LogReady() {
		if err := o.log.LeaveConversation(ctx, conversationID); err != nil {
			logger.Debug("leave conversation log failed", zap.Error(err))
		}
	}
	if err := o.relay.LeaveRoom(ctx, conversationID); err != nil {
		logger.Debug("leave relay room failed", zap.Error(err))
	}

	o.mu.Lock()
	o.store.RemoveConversation(conversationID)
	if active, _ := o.active.Load().(string); active == conversationID {
		o.active.Store("")
	}
	o.mu.Unlock()

	logger.Info("conversation left")
	o.publisher.Schedule()
	return nil
}

// AddParticipant adds handle to a group and announces it on both channels.
func (o *Orchestrator) AddParticipant(ctx context.Context, conversationID, handle string) (models.Conversation, error) {
	handle = models.NormalizeHandle(handle)

	o.mu.Lock()
	self, err := o.requireSessionLocked()
	if err != nil {
		o.mu.Unlock()
		return models.Conversation{}, err
	}
	conv, ok := o.store.Conversation(conversationID)
	if !ok {
		o.mu.Unlock()
		return models.Conversation{}, fmt.Errorf("add participant to %q: %w", conversationID, ErrConversationNotFound)
	}
	if !conv.IsGroup {
		o.mu.Unlock()
		return models.Conversation{}, fmt.Errorf("add participant to %q: %w", conversationID, ErrNotGroup)
	}
	if handle == "" || handle == self {
		o.mu.Unlock()
		return models.Conversation{}, fmt.Errorf("add participant %q: %w", handle, ErrInvalidParticipants)
	}
	if conv.HasParticipant(handle) {
		o.mu.Unlock()
		return conv, nil
	}
	participant := models.Participant{Handle: handle, AddedAt: o.now().UnixMilli(), AddedBy: self}
	conv, _ = o.store.UpdateConversation(conversationID, func(c *models.Conversation) {
		c.AddParticipant(participant, self)
	})
	notice := o.systemMessageFrom(conv, self, fmt.Sprintf("@%s added @%s to the group", self, handle))
	o.store.SaveMessage(notice)
	o.mu.Unlock()
	o.publisher.Schedule()

	if o.LogReady() {
		if _, err := o.log.AppendEntry(ctx, conversationID, models.Entry{
			Type:        models.EntryMemberAdd,
			Sender:      self,
			Timestamp:   participant.AddedAt,
			Handle:      handle,
			Participant: &participant,
		}); err != nil {
			o.logger.Warn("log member-add failed", zap.String("conversation", conversationID), zap.Error(err))
		}
	}
	if err := o.relay.AddGroupMember(ctx, o.groupOf(conv, self), handle); err != nil {
		o.logger.Warn("relay member-add failed", zap.String("conversation", conversationID), zap.Error(err))
	}
	if _, err := o.deliver(ctx, conv, notice); err != nil {
		o.logger.Debug("member-add notice not delivered", zap.String("conversation", conversationID), zap.Error(err))
	}
	return conv, nil
}

// RemoveParticipant removes handle from a group. The removed member still
// receives the notice.
func (o *Orchestrator) RemoveParticipant(ctx context.Context, conversationID, handle string) (models.Conversation, error) {
	handle = models.NormalizeHandle(handle)

	o.mu.Lock()
	self, err := o.requireSessionLocked()
	if err != nil {
		o.mu.Unlock()
		return models.Conversation{}, err
	}
	before, ok := o.store.Conversation(conversationID)
	if !ok {
		o.mu.Unlock()
		return models.Conversation{}, fmt.Errorf("remove participant from %q: %w", conversationID, ErrConversationNotFound)
	}
	if !before.IsGroup {
		o.mu.Unlock()
		return models.Conversation{}, fmt.Errorf("remove participant from %q: %w", conversationID, ErrNotGroup)
	}
	if !before.HasParticipant(handle) {
		o.mu.Unlock()
		return before, nil
	}
	conv, _ := o.store.UpdateConversation(conversationID, func(c *models.Conversation) {
		c.RemoveParticipant(handle)
	})
	notice := o.systemMessageFrom(conv, self, fmt.Sprintf("@%s removed @%s from the group", self, handle))
	o.store.SaveMessage(notice)
	o.mu.Unlock()
	o.publisher.Schedule()

	if o.LogReady() {
		if _, err := o.log.AppendEntry(ctx, conversationID, models.Entry{
			Type:      models.EntryMemberRemove,
			Sender:    self,
			Timestamp: o.now().UnixMilli(),
			Handle:    handle,
		}); err != nil {
			o.logger.Warn("log member-remove failed", zap.String("conversation", conversationID), zap.Error(err))
		}
	}
	if err := o.relay.RemoveGroupMember(ctx, conversationID, handle); err != nil {
		o.logger.Warn("relay member-remove failed", zap.String("conversation", conversationID), zap.Error(err))
	}
	if _, err := o.deliver(ctx, before, notice); err != nil {
		o.logger.Debug("member-remove notice not delivered", zap.String("conversation", conversationID), zap.Error(err))
	}
	return conv, nil
}

// RenameGroup sets a group's name locally and broadcasts it on both channels.
func (o *Orchestrator) RenameGroup(ctx context.Context, conversationID, name string) (models.Conversation, error) {
	name = strings.TrimSpace(name)

	o.mu.Lock()
	self, err := o.requireSessionLocked()
	if err != nil {
		o.mu.Unlock()
		return models.Conversation{}, err
	}
	conv, ok := o.store.Conversation(conversationID)
	if !ok {
		o.mu.Unlock()
		return models.Conversation{}, fmt.Errorf("rename %q: %w", conversationID, ErrConversationNotFound)
	}
	if !conv.IsGroup {
		o.mu.Unlock()
		return models.Conversation{}, fmt.Errorf("rename %q: %w", conversationID, ErrNotGroup)
	}
	at := o.now().UnixMilli()
	conv, _ = o.store.UpdateConversation(conversationID, func(c *models.Conversation) {
		o.resolver.Apply(c, models.MetadataUpdate{Name: name, Timestamp: at, Channel: models.ChannelLocal})
	})
	o.mu.Unlock()
	o.publisher.Schedule()

	if o.LogReady() {
		if _, err := o.log.AppendEntry(ctx, conversationID, models.Entry{
			Type:      models.EntryMetadata,
			Sender:    self,
			Timestamp: at,
			GroupName: name,
		}); err != nil {
			o.logger.Warn("log rename failed", zap.String("conversation", conversationID), zap.Error(err))
		}
	}
	if err := o.relay.UpdateGroupName(ctx, conversationID, name, at); err != nil {
		o.logger.Warn("relay rename failed", zap.String("conversation", conversationID), zap.Error(err))
	}
	return conv, nil
}

// SetPinned pins or unpins a conversation.
func (o *Orchestrator) SetPinned(conversationID string, pinned bool) error {
	return o.updateLocal(conversationID, func(c *models.Conversation) { c.Pinned = pinned })
}

// SetMuted mutes or unmutes a conversation.
func (o *Orchestrator) SetMuted(conversationID string, muted bool) error {
	return o.updateLocal(conversationID, func(c *models.Conversation) { c.Muted = muted })
}

func (o *Orchestrator) updateLocal(conversationID string, fn func(*models.Conversation)) error {
	o.mu.Lock()
	if _, err := o.requireSessionLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	_, ok := o.store.UpdateConversation(conversationID, fn)
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("update %q: %w", conversationID, ErrConversationNotFound)
	}
	o.publisher.Schedule()
	return nil
}

// SetActiveConversation selects the conversation whose messages accompany
// every published update. An empty ID clears the selection.
func (o *Orchestrator) SetActiveConversation(conversationID string) error {
	if conversationID != "" {
		o.mu.Lock()
		_, err := o.requireSessionLocked()
		_, ok := o.store.Conversation(conversationID)
		o.mu.Unlock()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("activate %q: %w", conversationID, ErrConversationNotFound)
		}
	}
	o.active.Store(conversationID)
	o.publisher.Schedule()
	return nil
}

// ActiveConversation returns the selected conversation ID.
func (o *Orchestrator) ActiveConversation() string {
	active, _ := o.active.Load().(string)
	return active
}

// MarkConversationRead clears the unread count and sends read receipts for
// every incoming message not yet receipted, over both channels.
func (o *Orchestrator) MarkConversationRead(ctx context.Context, conversationID string) error {
	o.mu.Lock()
	self, err := o.requireSessionLocked()
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if _, ok := o.store.UpdateConversation(conversationID, func(c *models.Conversation) { c.UnreadCount = 0 }); !ok {
		o.mu.Unlock()
		return fmt.Errorf("mark read %q: %w", conversationID, ErrConversationNotFound)
	}
	var unreceipted []string
	for _, msg := range o.store.Messages(conversationID, 0, 0) {
		if msg.IsOutgoing || msg.Content.Kind() == models.KindSystem || containsHandle(msg.ReadBy, self) {
			continue
		}
		o.store.UpdateMessage(conversationID, msg.ID, func(m *models.Message) { m.MarkReadBy(self) })
		unreceipted = append(unreceipted, msg.ID)
	}
	o.mu.Unlock()
	o.publisher.Schedule()

	for _, messageID := range unreceipted {
		if o.LogReady() {
			if _, err := o.log.AppendEntry(ctx, conversationID, models.Entry{
				Type:      models.EntryReadReceipt,
				Sender:    self,
				Timestamp: o.now().UnixMilli(),
				MessageID: messageID,
			}); err != nil {
				o.logger.Debug("log read receipt failed", zap.String("message", messageID), zap.Error(err))
			}
		}
		if err := o.relay.SendReadReceipt(ctx, conversationID, messageID); err != nil {
			o.logger.Debug("relay read receipt failed", zap.String("message", messageID), zap.Error(err))
		}
	}
	return nil
}

// SendTyping broadcasts the local typing state over the relay. Typing starts
// are rate limited per conversation; stops always go out.
func (o *Orchestrator) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	o.mu.Lock()
	if _, err := o.requireSessionLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	if _, ok := o.store.Conversation(conversationID); !ok {
		o.mu.Unlock()
		return fmt.Errorf("typing in %q: %w", conversationID, ErrConversationNotFound)
	}
	limiter, ok := o.typingLimiters[conversationID]
	if !ok {
		limiter = rate.NewLimiter(o.typingRate, o.typingBurst)
		o.typingLimiters[conversationID] = limiter
	}
	o.mu.Unlock()

	if isTyping && !limiter.Allow() {
		return nil
	}
	return o.relay.SendTyping(ctx, conversationID, isTyping)
}

// RecoverFromKeys re-attaches conversation logs from backed-up keys and
// rebuilds the local records from their entries. Tombstoned conversations are
// skipped. It returns the recovered conversation IDs.
func (o *Orchestrator) RecoverFromKeys(ctx context.Context, identityKey string, conversationKeys map[string]string) ([]string, error) {
	o.mu.Lock()
	_, err := o.requireSessionLocked()
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if o.log == nil {
		return nil, fmt.Errorf("recover: %w", replog.ErrTransportUnavailable)
	}
	ids, err := o.log.RecoverFromKeys(ctx, identityKey, conversationKeys)
	if err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	}
	sort.Strings(ids)

	recovered := make([]string, 0, len(ids))
	for _, id := range ids {
		o.mu.Lock()
		if o.store.HasLeftConversation(id) {
			o.mu.Unlock()
			continue
		}
		conv, ok := o.store.Conversation(id)
		if !ok {
			conv = models.Conversation{
				ID:        id,
				IsGroup:   !models.IsDirectConversationID(id),
				LogKey:    conversationKeys[id],
				CreatedAt: o.now().UnixMilli(),
			}
			o.store.SaveConversation(conv)
		}
		o.mu.Unlock()

		o.attach(ctx, conv)
		o.pull(ctx, id, 0, 0)
		recovered = append(recovered, id)
	}
	o.logger.Info("recovered conversations", zap.Int("count", len(recovered)))
	o.publisher.Schedule()
	return recovered, nil
}

// systemMessageFrom builds an outgoing system notice for conv.
func (o *Orchestrator) systemMessageFrom(conv models.Conversation, sender, text string) models.Message {
	return models.Message{
		ID:             o.newID(),
		ConversationID: conv.ID,
		SenderID:       sender,
		Content:        models.System(text),
		Timestamp:      o.now().UnixMilli(),
		IsOutgoing:     true,
		SyncStatus:     models.StatusPending,
	}
}

func (o *Orchestrator) groupOf(conv models.Conversation, self string) relay.Group {
	return relay.Group{
		ConversationID: conv.ID,
		Name:           conv.GroupName,
		Participants:   append([]string{self}, conv.ParticipantHandles()...),
		LogKey:         conv.LogKey,
	}
}

// normalizeMembers canonicalizes, dedupes and sorts handles, dropping self.
func normalizeMembers(handles []string, self string) []string {
	seen := make(map[string]struct{}, len(handles))
	out := make([]string, 0, len(handles))
	for _, handle := range handles {
		handle = models.NormalizeHandle(handle)
		if handle == "" || handle == self {
			continue
		}
		if _, ok := seen[handle]; ok {
			continue
		}
		seen[handle] = struct{}{}
		out = append(out, handle)
	}
	sort.Strings(out)
	return out
}

func containsHandle(handles []string, handle string) bool {
	for _, h := range handles {
		if h == handle {
			return true
		}
	}
	return false
}
