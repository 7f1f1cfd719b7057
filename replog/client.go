package replog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pigeon/models"
)

// DefaultCommandTimeout bounds every command round trip.
const DefaultCommandTimeout = 30 * time.Second

var (
	// ErrTransportUnavailable means the worker or its P2P modules are missing.
	// The client degrades permanently.
	ErrTransportUnavailable = errors.New("replog: transport unavailable")
	// ErrCommandTimeout fails one command; the client stays usable.
	ErrCommandTimeout = errors.New("replog: command timed out")
	// ErrClientDisabled is returned by every call after a permanent degrade.
	ErrClientDisabled = errors.New("replog: client disabled")
	// ErrWorkerError means the worker answered the command with an error.
	ErrWorkerError = errors.New("replog: worker error")
	// ErrNotInitialized is returned before Initialize succeeds.
	ErrNotInitialized = errors.New("replog: client not initialized")
	// ErrClosed fails commands still in flight at Shutdown.
	ErrClosed = errors.New("replog: client shut down")
)

// Dialer opens the channel to a worker.
type Dialer func(ctx context.Context) (Channel, error)

// NewWorkerDialer returns a Dialer that launches the worker executable.
func NewWorkerDialer(config WorkerConfig) Dialer {
	return func(context.Context) (Channel, error) {
		return StartWorker(config)
	}
}

// Options configures a Client.
type Options struct {
	Dial           Dialer
	Logger         *zap.Logger
	CommandTimeout time.Duration
	NewID          func() string
}

// LogKeys is the public key material of one conversation log.
type LogKeys struct {
	Key          string
	DiscoveryKey string
	WriteKey     string
}

// Event is an async notification from the worker, delivered independently of
// any pending command.
type Event struct {
	Type           string
	ConversationID string
	Peer           string
	Entries        []models.Entry
	Start          int64
	Length         int64
	RemoteLength   int64
	Message        string
	Fatal          bool
}

type commandResult struct {
	resp Response
	err  error
}

type pendingCommand struct {
	id             string
	expect         string
	conversationID string
	seq            uint64
	done           chan commandResult
}

// Client is the façade over the replicated log worker. Commands carry a
// correlation ID; responses without one are matched to the oldest pending
// command expecting that response type.
type Client struct {
	dial    Dialer
	logger  *zap.Logger
	timeout time.Duration
	newID   func() string

	events chan Event

	mu          sync.Mutex
	channel     Channel
	loopCancel  context.CancelFunc
	loopDone    chan struct{}
	handle      string
	identityKey string
	ready       bool
	disabled    bool
	disabledErr error
	pending     map[string]*pendingCommand
	seq         uint64
}

// New creates an uninitialized client.
func New(options Options) *Client {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := options.CommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	newID := options.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Client{
		dial:    options.Dial,
		logger:  logger.Named("replog"),
		timeout: timeout,
		newID:   newID,
		events:  make(chan Event, 128),
		pending: make(map[string]*pendingCommand),
	}
}

// Events delivers async worker events. The channel is never closed.
func (c *Client) Events() <-chan Event {
	return c.events
}

// IsReady reports whether commands can be issued.
func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.disabled
}

// IsDisabled reports whether the client degraded permanently.
func (c *Client) IsDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

// IdentityKey returns the public key of the user's identity log.
func (c *Client) IdentityKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identityKey
}

// Initialize starts the worker if needed and opens handle's local storage and
// identity log. A missing worker or missing modules disable the client.
func (c *Client) Initialize(ctx context.Context, handle string) (string, error) {
	handle = models.NormalizeHandle(handle)

	c.mu.Lock()
	if c.disabled {
		err := c.disabledErrorLocked()
		c.mu.Unlock()
		return "", err
	}
	if c.ready && c.handle == handle {
		key := c.identityKey
		c.mu.Unlock()
		return key, nil
	}
	needDial := c.channel == nil
	if needDial && c.dial == nil {
		c.disableLocked(fmt.Errorf("%w: no worker configured", ErrTransportUnavailable))
		err := c.disabledErrorLocked()
		c.mu.Unlock()
		return "", err
	}
	c.mu.Unlock()

	if needDial {
		if err := c.connect(ctx); err != nil {
			return "", err
		}
	}

	resp, err := c.request(ctx, CmdInitialize, "", InitializeConfig{Handle: handle})
	if err != nil {
		return "", fmt.Errorf("initialize log client: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return "", c.disabledErrorLocked()
	}
	c.ready = true
	c.handle = handle
	c.identityKey = resp.IdentityKey
	if c.identityKey == "" {
		c.identityKey = resp.Key
	}
	c.logger.Info("replicated log ready", zap.String("handle", handle))
	return c.identityKey, nil
}

// CreateConversation creates a log for a new conversation. The worker writes
// the init entry and returns the log's key material.
func (c *Client) CreateConversation(ctx context.Context, config CreateConfig) (LogKeys, error) {
	if err := c.checkReady(); err != nil {
		return LogKeys{}, err
	}
	resp, err := c.request(ctx, CmdCreateConversation, config.ConversationID, config)
	if err != nil {
		return LogKeys{}, fmt.Errorf("create conversation log %q: %w", config.ConversationID, err)
	}
	return keysFrom(resp), nil
}

// JoinConversation attaches to an existing log by key, or by a name derived
// from the conversation ID when key is empty, and starts replicating it.
func (c *Client) JoinConversation(ctx context.Context, conversationID, key string) (LogKeys, error) {
	if err := c.checkReady(); err != nil {
		return LogKeys{}, err
	}
	resp, err := c.request(ctx, CmdJoinConversation, conversationID, JoinConfig{ConversationID: conversationID, Key: key})
	if err != nil {
		return LogKeys{}, fmt.Errorf("join conversation log %q: %w", conversationID, err)
	}
	return keysFrom(resp), nil
}

// LeaveConversation stops replicating a log and releases it.
func (c *Client) LeaveConversation(ctx context.Context, conversationID string) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if _, err := c.request(ctx, CmdLeaveConversation, conversationID, ConversationConfig{ConversationID: conversationID}); err != nil {
		return fmt.Errorf("leave conversation log %q: %w", conversationID, err)
	}
	return nil
}

// AppendEntry returns once the entry is durable in the local log, not once
// peers have it. It returns the new local length.
func (c *Client) AppendEntry(ctx context.Context, conversationID string, entry models.Entry) (int64, error) {
	if err := c.checkReady(); err != nil {
		return 0, err
	}
	resp, err := c.request(ctx, CmdAppendEntry, conversationID, AppendConfig{ConversationID: conversationID, Entry: entry})
	if err != nil {
		return 0, fmt.Errorf("append %s entry to %q: %w", entry.Type, conversationID, err)
	}
	return resp.Length, nil
}

// AppendMessage appends msg as a message entry.
func (c *Client) AppendMessage(ctx context.Context, msg models.Message) (int64, error) {
	return c.AppendEntry(ctx, msg.ConversationID, models.MessageEntry(msg))
}

// GetEntries reads entries [start, end) of the merged view. end <= 0 reads to
// the end of the log.
func (c *Client) GetEntries(ctx context.Context, conversationID string, start, end int64) ([]models.Entry, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}
	if start < 0 {
		start = 0
	}
	resp, err := c.request(ctx, CmdGetEntries, conversationID, RangeConfig{ConversationID: conversationID, Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("get entries of %q: %w", conversationID, err)
	}
	return resp.Entries, nil
}

// Sync triggers replication of one log. Completion arrives as a
// sync-completed event.
func (c *Client) Sync(conversationID string) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if _, err := c.request(context.Background(), CmdSync, conversationID, ConversationConfig{ConversationID: conversationID}); err != nil {
		return fmt.Errorf("sync %q: %w", conversationID, err)
	}
	return nil
}

// SyncAll triggers replication of every open log.
func (c *Client) SyncAll() error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if _, err := c.request(context.Background(), CmdSyncAll, "", nil); err != nil {
		return fmt.Errorf("sync all: %w", err)
	}
	return nil
}

// RecoverFromKeys reopens prior conversation logs from exported key material.
// conversationKeys maps conversation ID to log key. It returns the IDs the
// worker recovered.
func (c *Client) RecoverFromKeys(ctx context.Context, identityKey string, conversationKeys map[string]string) ([]string, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, CmdRecover, "", RecoverConfig{IdentityKey: identityKey, ConversationKeys: conversationKeys})
	if err != nil {
		return nil, fmt.Errorf("recover from keys: %w", err)
	}
	if resp.IdentityKey != "" {
		c.mu.Lock()
		c.identityKey = resp.IdentityKey
		c.mu.Unlock()
	}
	return resp.Recovered, nil
}

// Shutdown asks the worker to exit, waits for it until ctx is done, then
// closes the channel. The client can be initialized again afterwards.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	channel := c.channel
	cancel := c.loopCancel
	done := c.loopDone
	c.channel = nil
	c.loopCancel = nil
	c.loopDone = nil
	c.ready = false
	c.handle = ""
	c.failPendingLocked(ErrClosed)
	c.mu.Unlock()

	if channel == nil {
		return nil
	}

	if payload, err := json.Marshal(Command{Type: CmdShutdown, ID: c.newID()}); err == nil {
		if err := channel.Send(payload); err != nil {
			c.logger.Debug("send shutdown failed", zap.Error(err))
		}
	}

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	cancel()
	if err := channel.Close(); err != nil {
		c.logger.Debug("close worker channel failed", zap.Error(err))
	}
	if waitErr != nil {
		return fmt.Errorf("wait for log worker exit: %w", waitErr)
	}
	return nil
}

func (c *Client) checkReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return c.disabledErrorLocked()
	}
	if !c.ready {
		return ErrNotInitialized
	}
	return nil
}

func (c *Client) disabledErrorLocked() error {
	if c.disabledErr == nil || errors.Is(c.disabledErr, ErrClientDisabled) {
		return ErrClientDisabled
	}
	return fmt.Errorf("%w: %w", ErrClientDisabled, c.disabledErr)
}

// request sends one command and, when the command has a terminal response,
// waits for it up to the command timeout.
func (c *Client) request(ctx context.Context, cmdType, conversationID string, config any) (Response, error) {
	id := c.newID()
	cmd, err := newCommand(cmdType, id, config)
	if err != nil {
		return Response{}, err
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return Response{}, fmt.Errorf("marshal %s command: %w", cmdType, err)
	}

	c.mu.Lock()
	if c.disabled {
		err := c.disabledErrorLocked()
		c.mu.Unlock()
		return Response{}, err
	}
	channel := c.channel
	if channel == nil {
		c.mu.Unlock()
		return Response{}, ErrNotInitialized
	}
	var pending *pendingCommand
	if expect, ok := responseTypes[cmdType]; ok {
		c.seq++
		pending = &pendingCommand{
			id:             id,
			expect:         expect,
			conversationID: conversationID,
			seq:            c.seq,
			done:           make(chan commandResult, 1),
		}
		c.pending[id] = pending
	}
	c.mu.Unlock()

	if err := channel.Send(payload); err != nil {
		c.removePending(id)
		return Response{}, fmt.Errorf("send %s: %w", cmdType, err)
	}
	if pending == nil {
		return Response{}, nil
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case result := <-pending.done:
		if result.err != nil {
			return Response{}, result.err
		}
		if result.resp.Error != "" {
			return Response{}, fmt.Errorf("%w: %s", ErrWorkerError, result.resp.Error)
		}
		return result.resp, nil
	case <-timer.C:
		c.removePending(id)
		c.logger.Warn("log command timed out", zap.String("type", cmdType), zap.String("id", id), zap.Duration("timeout", c.timeout))
		return Response{}, fmt.Errorf("%s: %w", cmdType, ErrCommandTimeout)
	case <-ctx.Done():
		c.removePending(id)
		return Response{}, ctx.Err()
	}
}

// connect dials the worker without holding c.mu, since starting the process
// can take a while. A channel attached meanwhile by a concurrent Initialize
// wins and the new one is closed.
func (c *Client) connect(ctx context.Context) error {
	channel, err := c.dial(ctx)

	c.mu.Lock()
	if err != nil {
		if !errors.Is(err, ErrTransportUnavailable) {
			err = fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
		c.disableLocked(err)
		c.mu.Unlock()
		return fmt.Errorf("initialize log client: %w", err)
	}
	if c.disabled {
		err := c.disabledErrorLocked()
		c.mu.Unlock()
		_ = channel.Close()
		return err
	}
	if c.channel != nil {
		c.mu.Unlock()
		_ = channel.Close()
		return nil
	}
	c.attachLocked(channel)
	c.mu.Unlock()
	return nil
}

func (c *Client) attachLocked(channel Channel) {
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.channel = channel
	c.loopCancel = cancel
	c.loopDone = done
	go c.readLoop(loopCtx, channel, done)
}

func (c *Client) readLoop(ctx context.Context, channel Channel, done chan struct{}) {
	defer close(done)
	for {
		payload, err := channel.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.channelClosed(channel, err)
			}
			return
		}
		resp, err := DecodeResponse(payload)
		if err != nil {
			c.logger.Warn("dropping undecodable worker frame", zap.Error(err))
			continue
		}
		c.dispatch(resp)
	}
}

func (c *Client) channelClosed(channel Channel, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != channel {
		return
	}
	if err == nil {
		err = io.EOF
	}
	c.channel = nil
	c.ready = false
	c.failPendingLocked(fmt.Errorf("log worker closed: %w", err))
	if !c.disabled {
		c.logger.Warn("log worker channel closed", zap.Error(err))
	}
}

func (c *Client) dispatch(resp Response) {
	switch resp.Type {
	case TypeModuleError:
		c.disable(fmt.Errorf("%w: %s", ErrTransportUnavailable, resp.Error))
		c.emit(eventFrom(resp))
		return
	case TypeError:
		if resp.Fatal {
			c.disable(fmt.Errorf("%w: %s", ErrClientDisabled, resp.Error))
			c.emit(eventFrom(resp))
			return
		}
		if pending := c.takePending(resp); pending != nil {
			pending.done <- commandResult{err: fmt.Errorf("%w: %s", ErrWorkerError, resp.Error)}
			return
		}
		c.logger.Warn("log worker error", zap.String("conversation", resp.ConversationID), zap.String("error", resp.Error))
		c.emit(eventFrom(resp))
		return
	}

	if pending := c.takePending(resp); pending != nil {
		pending.done <- commandResult{resp: resp}
		return
	}

	switch resp.Type {
	case TypeEntries, TypePeerConnected, TypePeerDisconnected, TypeSyncStarted, TypeSyncCompleted:
		c.emit(eventFrom(resp))
	default:
		c.logger.Debug("unmatched worker response", zap.String("type", resp.Type), zap.String("id", resp.ID))
	}
}

// takePending resolves which in-flight command a response belongs to.
func (c *Client) takePending(resp Response) *pendingCommand {
	c.mu.Lock()
	defer c.mu.Unlock()

	if resp.ID != "" {
		pending, ok := c.pending[resp.ID]
		if !ok {
			return nil
		}
		if resp.Type != TypeError && pending.expect != resp.Type {
			return nil
		}
		delete(c.pending, resp.ID)
		return pending
	}
	if resp.Type == TypeError {
		return nil
	}

	var oldest *pendingCommand
	for _, pending := range c.pending {
		if pending.expect != resp.Type {
			continue
		}
		if resp.ConversationID != "" && pending.conversationID != "" && resp.ConversationID != pending.conversationID {
			continue
		}
		if oldest == nil || pending.seq < oldest.seq {
			oldest = pending
		}
	}
	if oldest != nil {
		delete(c.pending, oldest.id)
	}
	return oldest
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Client) failPendingLocked(err error) {
	for id, pending := range c.pending {
		pending.done <- commandResult{err: err}
		delete(c.pending, id)
	}
}

func (c *Client) disable(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disableLocked(err)
}

// disableLocked degrades the client permanently. It logs only the first time.
func (c *Client) disableLocked(err error) {
	if c.disabled {
		return
	}
	c.disabled = true
	c.ready = false
	c.disabledErr = err
	c.failPendingLocked(c.disabledErrorLocked())
	c.logger.Warn("replicated log unavailable, continuing relay-only", zap.Error(err))

	if c.channel != nil {
		channel := c.channel
		cancel := c.loopCancel
		c.channel = nil
		c.loopCancel = nil
		go func() {
			cancel()
			_ = channel.Close()
		}()
	}
}

func (c *Client) emit(event Event) {
	select {
	case c.events <- event:
	default:
		c.logger.Warn("log event buffer full, dropping event",
			zap.String("type", event.Type),
			zap.String("conversation", event.ConversationID),
		)
	}
}

func eventFrom(resp Response) Event {
	return Event{
		Type:           resp.Type,
		ConversationID: resp.ConversationID,
		Peer:           resp.Peer,
		Entries:        resp.Entries,
		Start:          resp.Start,
		Length:         resp.Length,
		RemoteLength:   resp.RemoteLength,
		Message:        resp.Error,
		Fatal:          resp.Fatal,
	}
}

func keysFrom(resp Response) LogKeys {
	return LogKeys{Key: resp.Key, DiscoveryKey: resp.DiscoveryKey, WriteKey: resp.WriteKey}
}
