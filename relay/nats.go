package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"pigeon/models"
)

const (
	// DefaultReconnectWait is the pause between reconnect attempts.
	DefaultReconnectWait = 2 * time.Second
	// DefaultMaxReconnects of -1 reconnects forever.
	DefaultMaxReconnects = -1
)

// Options configures a Client.
type Options struct {
	URL           string
	SubjectPrefix string
	Token         string
	ReconnectWait time.Duration
	MaxReconnects int
	Logger        *zap.Logger
	Now           func() time.Time
}

// Client is the NATS-backed relay. Direct traffic goes to per-user inbox
// subjects, room traffic to per-conversation subjects. Echo is disabled so a
// client never receives its own room publications.
type Client struct {
	url           string
	prefix        string
	token         string
	reconnectWait time.Duration
	maxReconnects int
	logger        *zap.Logger
	now           func() time.Time

	events chan Event

	mu            sync.Mutex
	nc            *nats.Conn
	handle        string
	inbox         *nats.Subscription
	rooms         map[string]*nats.Subscription
	authenticated bool
	authed        chan struct{}
}

// New creates a disconnected client.
func New(options Options) *Client {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := options.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	url := options.URL
	if url == "" {
		url = nats.DefaultURL
	}
	wait := options.ReconnectWait
	if wait <= 0 {
		wait = DefaultReconnectWait
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = DefaultMaxReconnects
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		url:           url,
		prefix:        prefix,
		token:         options.Token,
		reconnectWait: wait,
		maxReconnects: maxReconnects,
		logger:        logger.Named("relay"),
		now:           now,
		events:        make(chan Event, 256),
		rooms:         make(map[string]*nats.Subscription),
		authed:        make(chan struct{}),
	}
}

// Events delivers inbound relay events. The channel is never closed.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connect opens the connection for handle and subscribes its inbox. It returns
// once the connection attempt is underway; authentication completes in the
// background and is observed through WaitAuthenticated.
func (c *Client) Connect(ctx context.Context, handle string) error {
	handle = models.NormalizeHandle(handle)
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil && c.handle == handle {
		return nil
	}
	c.closeLocked()

	opts := []nats.Option{
		nats.Name("pigeon:" + handle),
		nats.NoEcho(),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.ConnectHandler(func(*nats.Conn) {
			c.logger.Info("relay connected", zap.String("handle", handle))
			c.setAuthenticated(true)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("relay reconnected", zap.String("url", nc.ConnectedUrl()))
			c.setAuthenticated(true)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("relay disconnected", zap.Error(err))
			c.setAuthenticated(false)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.setAuthenticated(false)
		}),
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}

	nc, err := nats.Connect(c.url, opts...)
	if err != nil {
		return fmt.Errorf("connect relay %s: %w", c.url, err)
	}
	inbox, err := nc.Subscribe(UserSubject(c.prefix, handle), c.handleMsg)
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe inbox: %w", err)
	}

	c.nc = nc
	c.handle = handle
	c.inbox = inbox
	if nc.IsConnected() {
		c.markAuthenticatedLocked(true)
	}
	return nil
}

// Close drops every subscription and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if c.nc == nil {
		return
	}
	c.rooms = make(map[string]*nats.Subscription)
	c.inbox = nil
	nc := c.nc
	c.nc = nil
	c.handle = ""
	c.markAuthenticatedLocked(false)
	nc.Close()
}

// IsAuthenticated reports whether the relay is usable right now.
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// WaitAuthenticated blocks until the relay is authenticated or ctx is done.
func (c *Client) WaitAuthenticated(ctx context.Context) error {
	c.mu.Lock()
	authed := c.authed
	c.mu.Unlock()

	select {
	case <-authed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotConnected, ctx.Err())
	}
}

func (c *Client) setAuthenticated(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markAuthenticatedLocked(ok)
}

// markAuthenticatedLocked closes authed on the first transition to true and
// replaces it with a fresh channel on the way back down.
func (c *Client) markAuthenticatedLocked(ok bool) {
	if ok == c.authenticated {
		return
	}
	c.authenticated = ok
	if ok {
		close(c.authed)
	} else {
		c.authed = make(chan struct{})
	}
}

// Send delivers one message to one recipient's inbox.
func (c *Client) Send(_ context.Context, msg OutgoingMessage) error {
	return c.publish(UserSubject(c.prefix, msg.Recipient), Event{
		Type:           EventMessage,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Content:        msg.Content,
		ReplyTo:        msg.ReplyTo,
		Timestamp:      msg.Timestamp,
		Signature:      msg.Signature,
		IsGroup:        msg.IsGroup,
		GroupName:      msg.GroupName,
		Participants:   msg.Participants,
		LogKey:         msg.LogKey,
	})
}

// JoinRoom subscribes to a conversation's room subject.
func (c *Client) JoinRoom(_ context.Context, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return ErrNotConnected
	}
	if _, ok := c.rooms[conversationID]; ok {
		return nil
	}
	sub, err := c.nc.Subscribe(RoomSubject(c.prefix, conversationID), c.handleMsg)
	if err != nil {
		return fmt.Errorf("join room %q: %w", conversationID, err)
	}
	c.rooms[conversationID] = sub
	return nil
}

// LeaveRoom unsubscribes from a conversation's room subject.
func (c *Client) LeaveRoom(_ context.Context, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.rooms[conversationID]
	if !ok {
		return nil
	}
	delete(c.rooms, conversationID)
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("leave room %q: %w", conversationID, err)
	}
	return nil
}

// CreateGroup announces a new group to each member's inbox.
func (c *Client) CreateGroup(_ context.Context, group Group) error {
	event := Event{
		Type:           EventGroupAdded,
		ConversationID: group.ConversationID,
		IsGroup:        true,
		GroupName:      group.Name,
		Participants:   group.Participants,
		LogKey:         group.LogKey,
	}
	var firstErr error
	for _, member := range group.Participants {
		if models.NormalizeHandle(member) == c.currentHandle() {
			continue
		}
		event.Handle = member
		if err := c.publish(UserSubject(c.prefix, member), event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("create group %q: %w", group.ConversationID, firstErr)
	}
	return c.publish(RoomSubject(c.prefix, group.ConversationID), Event{
		Type:           EventGroupCreated,
		ConversationID: group.ConversationID,
		IsGroup:        true,
		GroupName:      group.Name,
		Participants:   group.Participants,
	})
}

// LeaveGroup tells the room the local user left.
func (c *Client) LeaveGroup(_ context.Context, conversationID string) error {
	return c.publish(RoomSubject(c.prefix, conversationID), Event{
		Type:           EventParticipantLeft,
		ConversationID: conversationID,
		Handle:         c.currentHandle(),
	})
}

// AddGroupMember announces handle to the room and invites it by inbox.
func (c *Client) AddGroupMember(_ context.Context, group Group, handle string) error {
	if err := c.publish(UserSubject(c.prefix, handle), Event{
		Type:           EventGroupAdded,
		ConversationID: group.ConversationID,
		IsGroup:        true,
		GroupName:      group.Name,
		Participants:   group.Participants,
		LogKey:         group.LogKey,
		Handle:         handle,
	}); err != nil {
		return err
	}
	return c.publish(RoomSubject(c.prefix, group.ConversationID), Event{
		Type:           EventGroupMemberAdded,
		ConversationID: group.ConversationID,
		IsGroup:        true,
		Participants:   group.Participants,
		Handle:         handle,
	})
}

// RemoveGroupMember announces that handle left or was removed.
func (c *Client) RemoveGroupMember(_ context.Context, conversationID, handle string) error {
	return c.publish(RoomSubject(c.prefix, conversationID), Event{
		Type:           EventParticipantLeft,
		ConversationID: conversationID,
		Handle:         handle,
	})
}

// UpdateGroupName broadcasts a rename.
func (c *Client) UpdateGroupName(_ context.Context, conversationID, name string, at int64) error {
	return c.publish(RoomSubject(c.prefix, conversationID), Event{
		Type:           EventGroupNameUpdated,
		ConversationID: conversationID,
		GroupName:      name,
		Timestamp:      at,
	})
}

// SendReadReceipt reports messageID as read by the local user.
func (c *Client) SendReadReceipt(_ context.Context, conversationID, messageID string) error {
	return c.publish(RoomSubject(c.prefix, conversationID), Event{
		Type:           EventReadReceipt,
		ConversationID: conversationID,
		MessageID:      messageID,
	})
}

// SendTyping broadcasts the local user's typing state.
func (c *Client) SendTyping(_ context.Context, conversationID string, isTyping bool) error {
	return c.publish(RoomSubject(c.prefix, conversationID), Event{
		Type:           EventTyping,
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
}

func (c *Client) currentHandle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *Client) publish(subject string, event Event) error {
	c.mu.Lock()
	nc := c.nc
	event.Sender = c.handle
	c.mu.Unlock()

	if nc == nil || !nc.IsConnected() {
		return ErrNotConnected
	}
	if event.Timestamp == 0 {
		event.Timestamp = c.now().UnixMilli()
	}
	payload, err := EncodeEvent(event)
	if err != nil {
		return err
	}
	if err := nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

func (c *Client) handleMsg(msg *nats.Msg) {
	c.deliver(msg.Data)
}

func (c *Client) deliver(payload []byte) {
	event, err := DecodeEvent(payload)
	if err != nil {
		c.logger.Warn("dropping undecodable relay payload", zap.Error(err))
		return
	}
	select {
	case c.events <- event:
	default:
		c.logger.Warn("relay event buffer full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("conversation", event.ConversationID),
		)
	}
}
