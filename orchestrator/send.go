package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pigeon/models"
	"pigeon/relay"
)

// SendMessage stores a new outgoing message and dual-writes it to the log and
// every other participant over the relay. The returned message reflects the
// final status; ErrDeliveryFailed is returned only when the message ended up
// failed. The message is stored before any network attempt, whatever the
// outcome.
func (o *Orchestrator) SendMessage(ctx context.Context, conversationID string, content models.Content, replyTo string) (models.Message, error) {
	if content.IsZero() {
		return models.Message{}, fmt.Errorf("send message: %w", models.ErrMissingContentKind)
	}

	o.mu.Lock()
	self, err := o.requireSessionLocked()
	if err != nil {
		o.mu.Unlock()
		return models.Message{}, err
	}
	conv, ok := o.store.Conversation(conversationID)
	if !ok {
		o.mu.Unlock()
		return models.Message{}, fmt.Errorf("send message to %q: %w", conversationID, ErrConversationNotFound)
	}
	msg := models.Message{
		ID:             o.newID(),
		ConversationID: conversationID,
		SenderID:       self,
		Content:        content,
		Timestamp:      o.now().UnixMilli(),
		ReplyTo:        replyTo,
		IsOutgoing:     true,
		SyncStatus:     models.StatusPending,
	}
	o.store.SaveMessage(msg)
	o.mu.Unlock()
	o.publisher.Schedule()

	return o.deliver(ctx, conv, msg)
}

// SendDirectMessage sends content to recipient, creating the direct
// conversation first when it does not exist yet.
func (o *Orchestrator) SendDirectMessage(ctx context.Context, recipient string, content models.Content) (models.Message, error) {
	self := o.Self()
	if self == "" {
		return models.Message{}, ErrNotConnected
	}
	recipient = models.NormalizeHandle(recipient)
	if recipient == "" || recipient == self {
		return models.Message{}, fmt.Errorf("send direct message: %w", ErrInvalidParticipants)
	}
	conv, ok := o.store.Conversation(models.DirectConversationID(self, recipient))
	if !ok {
		var err error
		if conv, err = o.CreateConversation(ctx, []string{recipient}, ""); err != nil {
			return models.Message{}, err
		}
	}
	return o.SendMessage(ctx, conv.ID, content, "")
}

// RetryMessage re-sends a failed outgoing message over both channels. Any other
// status is returned unchanged.
func (o *Orchestrator) RetryMessage(ctx context.Context, conversationID, messageID string) (models.Message, error) {
	o.mu.Lock()
	if _, err := o.requireSessionLocked(); err != nil {
		o.mu.Unlock()
		return models.Message{}, err
	}
	conv, ok := o.store.Conversation(conversationID)
	if !ok {
		o.mu.Unlock()
		return models.Message{}, fmt.Errorf("retry message in %q: %w", conversationID, ErrConversationNotFound)
	}
	msg, ok := o.store.Message(conversationID, messageID)
	if !ok {
		o.mu.Unlock()
		return models.Message{}, fmt.Errorf("retry message %q: %w", messageID, ErrMessageNotFound)
	}
	if !msg.IsOutgoing || msg.SyncStatus != models.StatusFailed {
		o.mu.Unlock()
		return msg, nil
	}
	msg, _ = o.store.UpdateMessage(conversationID, messageID, func(m *models.Message) {
		m.SyncStatus = m.SyncStatus.Reset()
	})
	o.mu.Unlock()
	o.publisher.Schedule()

	return o.deliver(ctx, conv, msg)
}

// deliver runs the network half of a send: log append, then relay fan-out.
func (o *Orchestrator) deliver(ctx context.Context, conv models.Conversation, msg models.Message) (models.Message, error) {
	logger := o.logger.With(zap.String("conversation", conv.ID), zap.String("message", msg.ID))

	if o.LogReady() {
		o.advance(msg, models.StatusSyncing, "")
		msg.SyncStatus = msg.SyncStatus.Advance(models.StatusSyncing)
		signature, err := o.appendToLog(ctx, conv, msg)
		if err != nil {
			logger.Warn("log append failed, relying on relay", zap.Error(err))
		} else {
			msg.Signature = signature
			msg.SyncStatus = msg.SyncStatus.Advance(models.StatusSynced)
			o.advance(msg, models.StatusSynced, signature)
		}
	}

	recipients := conv.ParticipantHandles()
	if len(recipients) == 0 {
		return o.finish(msg, models.StatusSent)
	}

	authCtx, cancel := context.WithTimeout(ctx, o.authTimeout)
	err := o.relay.WaitAuthenticated(authCtx)
	cancel()
	if err != nil {
		logger.Warn("relay not authenticated", zap.Error(err))
		return o.finish(msg, models.StatusFailed)
	}

	failed := o.fanOut(ctx, conv, msg, recipients)
	switch {
	case len(failed) == 0:
		return o.finish(msg, models.StatusSent)
	case len(failed) < len(recipients):
		logger.Warn("partial relay delivery",
			zap.Strings("failed", failed),
			zap.Int("recipients", len(recipients)),
		)
		return o.finish(msg, models.StatusSent)
	default:
		logger.Warn("relay delivery failed for every recipient", zap.Strings("failed", failed))
		return o.finish(msg, models.StatusFailed)
	}
}

// appendToLog signs the plaintext content, encrypts it to the conversation's
// core key when one is known and appends the entry. It returns the signature.
func (o *Orchestrator) appendToLog(ctx context.Context, conv models.Conversation, msg models.Message) (string, error) {
	entry := models.MessageEntry(msg)
	if o.crypto != nil {
		plaintext, err := json.Marshal(msg.Content)
		if err != nil {
			return "", fmt.Errorf("marshal content: %w", err)
		}
		raw, err := o.crypto.Sign(plaintext)
		if err != nil {
			return "", fmt.Errorf("sign content: %w", err)
		}
		entry.Signature = base64.StdEncoding.EncodeToString(raw)

		if conv.LogKey != "" {
			corePublicKey, err := o.crypto.CorePublicKey(conv.LogKey)
			if err != nil {
				return "", fmt.Errorf("derive core key: %w", err)
			}
			sealed, err := o.crypto.EncryptForCore(plaintext, corePublicKey)
			if err != nil {
				return "", fmt.Errorf("encrypt content: %w", err)
			}
			entry.Content = models.Content{Body: sealed}
		}
	}
	if _, err := o.log.AppendEntry(ctx, conv.ID, entry); err != nil {
		return "", err
	}
	return entry.Signature, nil
}

// fanOut sends msg to each recipient individually and returns the handles
// that could not be reached.
func (o *Orchestrator) fanOut(ctx context.Context, conv models.Conversation, msg models.Message, recipients []string) []string {
	var (
		mu     sync.Mutex
		failed []string
		g      errgroup.Group
	)
	g.SetLimit(sendConcurrency)
	participants := append([]string{msg.SenderID}, recipients...)
	for _, recipient := range recipients {
		g.Go(func() error {
			err := o.relay.Send(ctx, relay.OutgoingMessage{
				ID:             msg.ID,
				ConversationID: conv.ID,
				Recipient:      recipient,
				Content:        msg.Content,
				ReplyTo:        msg.ReplyTo,
				Timestamp:      msg.Timestamp,
				Signature:      msg.Signature,
				IsGroup:        conv.IsGroup,
				GroupName:      conv.GroupName,
				Participants:   participants,
				LogKey:         conv.LogKey,
			})
			if err != nil {
				o.logger.Debug("relay send failed",
					zap.String("conversation", conv.ID),
					zap.String("recipient", recipient),
					zap.Error(err),
				)
				mu.Lock()
				failed = append(failed, recipient)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(failed)
	return failed
}

// advance moves a stored message forward and schedules a publication.
func (o *Orchestrator) advance(msg models.Message, status models.SyncStatus, signature string) (models.Message, bool) {
	o.mu.Lock()
	updated, ok := o.store.UpdateMessage(msg.ConversationID, msg.ID, func(m *models.Message) {
		m.SyncStatus = m.SyncStatus.Advance(status)
		if signature != "" {
			m.Signature = signature
		}
	})
	o.mu.Unlock()
	if ok {
		o.publisher.Schedule()
	}
	return updated, ok
}

func (o *Orchestrator) finish(msg models.Message, status models.SyncStatus) (models.Message, error) {
	updated, ok := o.advance(msg, status, "")
	if !ok {
		// The session ended mid-send; report what this send observed.
		updated = msg
		updated.SyncStatus = msg.SyncStatus.Advance(status)
	}
	if updated.SyncStatus == models.StatusFailed {
		return updated, fmt.Errorf("send message %q: %w", msg.ID, ErrDeliveryFailed)
	}
	return updated, nil
}
