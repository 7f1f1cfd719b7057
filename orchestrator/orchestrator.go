package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pigeon/models"
	"pigeon/relay"
	"pigeon/replog"
	"pigeon/storage"
)

const (
	// DefaultRelayAuthTimeout bounds the wait for relay authentication per send.
	DefaultRelayAuthTimeout = 5 * time.Second
	// DefaultSyncInterval is the per-conversation log sync period.
	DefaultSyncInterval = 30 * time.Second
	// DefaultTypingRate limits outgoing typing notices per conversation.
	DefaultTypingRate = rate.Limit(0.5)
	// DefaultTypingBurst is the typing notice burst per conversation.
	DefaultTypingBurst = 1

	shutdownTimeout = 5 * time.Second
	joinConcurrency = 4
	sendConcurrency = 8
)

var (
	// ErrNotConnected means no session is active.
	ErrNotConnected = errors.New("orchestrator: session not ready")
	// ErrConversationNotFound means the conversation is not in the active store.
	ErrConversationNotFound = errors.New("orchestrator: conversation not found")
	// ErrDeliveryFailed means neither the log nor any relay recipient took the message.
	ErrDeliveryFailed = errors.New("orchestrator: delivery failed")
	// ErrNotGroup rejects membership and rename operations on direct conversations.
	ErrNotGroup = errors.New("orchestrator: not a group conversation")
	// ErrInvalidParticipants rejects conversation creation without valid members.
	ErrInvalidParticipants = errors.New("orchestrator: invalid participants")
	// ErrMessageNotFound means the message is not stored.
	ErrMessageNotFound = errors.New("orchestrator: message not found")
)

// Log is the replicated log client consumed by the orchestrator.
type Log interface {
	Initialize(ctx context.Context, handle string) (string, error)
	IsReady() bool
	CreateConversation(ctx context.Context, config replog.CreateConfig) (replog.LogKeys, error)
	JoinConversation(ctx context.Context, conversationID, key string) (replog.LogKeys, error)
	LeaveConversation(ctx context.Context, conversationID string) error
	AppendEntry(ctx context.Context, conversationID string, entry models.Entry) (int64, error)
	GetEntries(ctx context.Context, conversationID string, start, end int64) ([]models.Entry, error)
	Sync(conversationID string) error
	SyncAll() error
	RecoverFromKeys(ctx context.Context, identityKey string, conversationKeys map[string]string) ([]string, error)
	Shutdown(ctx context.Context) error
	Events() <-chan replog.Event
}

// Relay is the real-time transport consumed by the orchestrator.
type Relay interface {
	Connect(ctx context.Context, handle string) error
	Close() error
	WaitAuthenticated(ctx context.Context) error
	Send(ctx context.Context, msg relay.OutgoingMessage) error
	JoinRoom(ctx context.Context, conversationID string) error
	LeaveRoom(ctx context.Context, conversationID string) error
	CreateGroup(ctx context.Context, group relay.Group) error
	LeaveGroup(ctx context.Context, conversationID string) error
	AddGroupMember(ctx context.Context, group relay.Group, handle string) error
	RemoveGroupMember(ctx context.Context, conversationID, handle string) error
	UpdateGroupName(ctx context.Context, conversationID, name string, at int64) error
	SendReadReceipt(ctx context.Context, conversationID, messageID string) error
	SendTyping(ctx context.Context, conversationID string, isTyping bool) error
	Events() <-chan relay.Event
}

// Crypto signs and encrypts content bound for the log.
type Crypto interface {
	Sign(data []byte) ([]byte, error)
	EncryptForCore(data, recipientPublicKey []byte) (models.EncryptedBody, error)
	CorePublicKey(logKey string) ([]byte, error)
	DecryptFromCore(body models.EncryptedBody, logKey string) ([]byte, error)
}

// Options configures an Orchestrator. Store and Relay are required; without
// Log the orchestrator runs relay-only, without Crypto log content is appended
// unsigned and in the clear.
type Options struct {
	Store  *storage.Store
	Log    Log
	Relay  Relay
	Crypto Crypto
	Logger *zap.Logger

	RelayAuthTimeout time.Duration
	SyncInterval     time.Duration
	Debounce         time.Duration
	Resolver         models.MetadataResolver
	TypingRate       rate.Limit
	TypingBurst      int

	Now   func() time.Time
	NewID func() string
}

// Orchestrator is the only writer of the conversation store. It dual-writes
// outgoing traffic to the log and the relay and merges inbound traffic from
// both. mu serializes every store mutation; network calls run outside it.
type Orchestrator struct {
	store       *storage.Store
	log         Log
	relay       Relay
	crypto      Crypto
	logger      *zap.Logger
	authTimeout time.Duration
	interval    time.Duration
	resolver    models.MetadataResolver
	typingRate  rate.Limit
	typingBurst int
	now         func() time.Time
	newID       func() string

	publisher *Publisher
	active    atomic.Value

	mu             sync.Mutex
	self           string
	ready          bool
	sessionCtx     context.Context
	sessionCancel  context.CancelFunc
	wg             sync.WaitGroup
	syncLoops      map[string]context.CancelFunc
	typingLimiters map[string]*rate.Limiter
}

// New wires an orchestrator. No session is active until StartSession.
func New(options Options) (*Orchestrator, error) {
	if options.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if options.Relay == nil {
		return nil, errors.New("orchestrator: relay is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	authTimeout := options.RelayAuthTimeout
	if authTimeout <= 0 {
		authTimeout = DefaultRelayAuthTimeout
	}
	interval := options.SyncInterval
	if interval == 0 {
		interval = DefaultSyncInterval
	}
	debounce := options.Debounce
	if debounce == 0 {
		debounce = DefaultDebounce
	}
	resolver := options.Resolver
	if resolver.Policy == "" {
		resolver = models.DefaultMetadataResolver()
	}
	typingRate := options.TypingRate
	if typingRate == 0 {
		typingRate = DefaultTypingRate
	}
	typingBurst := options.TypingBurst
	if typingBurst <= 0 {
		typingBurst = DefaultTypingBurst
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	newID := options.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	o := &Orchestrator{
		store:          options.Store,
		log:            options.Log,
		relay:          options.Relay,
		crypto:         options.Crypto,
		logger:         logger.Named("orchestrator"),
		authTimeout:    authTimeout,
		interval:       interval,
		resolver:       resolver,
		typingRate:     typingRate,
		typingBurst:    typingBurst,
		now:            now,
		newID:          newID,
		syncLoops:      make(map[string]context.CancelFunc),
		typingLimiters: make(map[string]*rate.Limiter),
	}
	o.active.Store("")
	o.publisher = NewPublisher(debounce, o.snapshot)
	return o, nil
}

// Subscribe registers fn for conversation list and typing updates.
func (o *Orchestrator) Subscribe(fn func(Update)) func() {
	return o.publisher.Subscribe(fn)
}

// Flush publishes any pending debounced update now.
func (o *Orchestrator) Flush() {
	o.publisher.Flush()
}

// Self returns the active session's handle.
func (o *Orchestrator) Self() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.self
}

// Conversations returns the active store's conversation list.
func (o *Orchestrator) Conversations() []models.Conversation {
	return o.store.Conversations()
}

// Messages returns the most recent limit messages at or before before.
func (o *Orchestrator) Messages(conversationID string, limit int, before int64) []models.Message {
	return o.store.Messages(conversationID, limit, before)
}

// LogReady reports whether the replicated log path is usable.
func (o *Orchestrator) LogReady() bool {
	return o.log != nil && o.log.IsReady()
}

func (o *Orchestrator) snapshot() Update {
	active, _ := o.active.Load().(string)
	u := Update{
		Conversations:        o.store.Conversations(),
		ActiveConversationID: active,
	}
	if active != "" {
		u.ActiveMessages = o.store.Messages(active, 0, 0)
	}
	return u
}

// StartSession opens handle's store, connects the relay, initializes the log
// (degrading to relay-only when it is unavailable) and attaches every known
// conversation to both paths.
func (o *Orchestrator) StartSession(ctx context.Context, handle string) error {
	handle = models.NormalizeHandle(handle)
	if handle == "" {
		return fmt.Errorf("start session: %w", ErrInvalidParticipants)
	}

	o.mu.Lock()
	if o.ready && o.self == handle {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()
	o.EndSession()

	o.mu.Lock()
	o.store.SwitchUser(handle)
	o.self = handle
	o.ready = true
	o.sessionCtx, o.sessionCancel = context.WithCancel(context.Background())
	o.active.Store("")
	o.publisher.Restart()
	sessionCtx := o.sessionCtx
	o.mu.Unlock()

	if err := o.relay.Connect(ctx, handle); err != nil {
		o.logger.Warn("relay connect failed, sends will wait for authentication", zap.Error(err))
	}
	if o.log != nil {
		if _, err := o.log.Initialize(ctx, handle); err != nil {
			if errors.Is(err, replog.ErrTransportUnavailable) || errors.Is(err, replog.ErrClientDisabled) {
				o.logger.Debug("log unavailable, session is relay-only", zap.Error(err))
			} else {
				o.logger.Warn("log initialize failed", zap.Error(err))
			}
		}
	}

	o.attachConversations(ctx)

	o.wg.Add(1)
	go o.relayLoop(sessionCtx)
	if o.log != nil {
		o.wg.Add(1)
		go o.logLoop(sessionCtx)
		if o.log.IsReady() {
			if err := o.log.SyncAll(); err != nil {
				o.logger.Debug("sync all failed", zap.Error(err))
			}
		}
	}

	o.logger.Info("session started",
		zap.String("handle", handle),
		zap.Bool("log", o.LogReady()),
		zap.Int("conversations", len(o.store.Conversations())),
	)
	o.publisher.Schedule()
	return nil
}

// attachConversations joins relay rooms and logs for every stored
// conversation, a few at a time.
func (o *Orchestrator) attachConversations(ctx context.Context) {
	conversations := o.store.Conversations()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(joinConcurrency)
	for _, conv := range conversations {
		g.Go(func() error {
			o.attach(gctx, conv)
			return nil
		})
	}
	_ = g.Wait()
}

// attach joins one conversation's relay room and log and starts its sync loop.
func (o *Orchestrator) attach(ctx context.Context, conv models.Conversation) {
	if err := o.relay.JoinRoom(ctx, conv.ID); err != nil {
		o.logger.Debug("join relay room failed", zap.String("conversation", conv.ID), zap.Error(err))
	}
	if !o.LogReady() {
		return
	}
	keys, err := o.log.JoinConversation(ctx, conv.ID, conv.LogKey)
	if err != nil {
		o.logger.Warn("join conversation log failed", zap.String("conversation", conv.ID), zap.Error(err))
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.ready || o.store.HasLeftConversation(conv.ID) {
		return
	}
	if keys.Key != "" && keys.Key != conv.LogKey {
		o.store.UpdateConversation(conv.ID, func(c *models.Conversation) { c.LogKey = keys.Key })
	}
	o.startSyncLoopLocked(conv.ID)
}

// attachInBackgroundLocked runs attach on a session goroutine so a slow log
// join does not hold up the event loops.
func (o *Orchestrator) attachInBackgroundLocked(conv models.Conversation) {
	if !o.ready || o.sessionCtx == nil {
		return
	}
	ctx := o.sessionCtx
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if ctx.Err() != nil {
			return
		}
		o.attach(ctx, conv)
	}()
}

// EndSession stops every loop, shuts the transports down and drops the
// in-memory store. Disk state is kept.
func (o *Orchestrator) EndSession() {
	o.mu.Lock()
	if !o.ready {
		o.mu.Unlock()
		return
	}
	o.ready = false
	o.sessionCancel()
	for id, cancel := range o.syncLoops {
		cancel()
		delete(o.syncLoops, id)
	}
	o.typingLimiters = make(map[string]*rate.Limiter)
	handle := o.self
	o.mu.Unlock()

	o.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if o.log != nil {
		if err := o.log.Shutdown(ctx); err != nil {
			o.logger.Debug("log shutdown", zap.Error(err))
		}
	}
	if err := o.relay.Close(); err != nil {
		o.logger.Debug("relay close", zap.Error(err))
	}

	o.mu.Lock()
	o.publisher.Stop()
	o.store.ClearCurrentUser()
	o.self = ""
	o.active.Store("")
	o.mu.Unlock()

	o.logger.Info("session ended", zap.String("handle", handle))
}

// requireSessionLocked returns the session handle or ErrNotConnected.
func (o *Orchestrator) requireSessionLocked() (string, error) {
	if !o.ready || o.self == "" {
		return "", ErrNotConnected
	}
	return o.self, nil
}

func (o *Orchestrator) startSyncLoopLocked(conversationID string) {
	if !o.ready || o.log == nil || o.interval <= 0 || o.sessionCtx == nil {
		return
	}
	if _, ok := o.syncLoops[conversationID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(o.sessionCtx)
	o.syncLoops[conversationID] = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !o.log.IsReady() {
					continue
				}
				if err := o.log.Sync(conversationID); err != nil {
					o.logger.Debug("periodic sync failed", zap.String("conversation", conversationID), zap.Error(err))
				}
			}
		}
	}()
}

func (o *Orchestrator) stopSyncLoopLocked(conversationID string) {
	if cancel, ok := o.syncLoops[conversationID]; ok {
		cancel()
		delete(o.syncLoops, conversationID)
	}
}

func (o *Orchestrator) relayLoop(ctx context.Context) {
	defer o.wg.Done()
	events := o.relay.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			o.handleRelayEvent(ctx, event)
		}
	}
}

func (o *Orchestrator) logLoop(ctx context.Context) {
	defer o.wg.Done()
	events := o.log.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			o.handleLogEvent(ctx, event)
		}
	}
}
