package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pigeon/models"
	"pigeon/relay"
	"pigeon/replog"
	"pigeon/storage"
)

var errFake = errors.New("fake failure")

type fakeRelay struct {
	mu            sync.Mutex
	events        chan relay.Event
	authenticated bool
	failFor       map[string]bool
	sent          []relay.OutgoingMessage
	calls         []string
	rooms         map[string]bool
	typing        int
	receipts      []string
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		events:        make(chan relay.Event, 64),
		authenticated: true,
		failFor:       make(map[string]bool),
		rooms:         make(map[string]bool),
	}
}

func (f *fakeRelay) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRelay) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRelay) Sent() []relay.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relay.OutgoingMessage(nil), f.sent...)
}

func (f *fakeRelay) InRoom(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[id]
}

func (f *fakeRelay) Connect(context.Context, string) error { f.record("connect"); return nil }
func (f *fakeRelay) Close() error                          { f.record("close"); return nil }

func (f *fakeRelay) WaitAuthenticated(ctx context.Context) error {
	f.mu.Lock()
	ok := f.authenticated
	f.mu.Unlock()
	if ok {
		return nil
	}
	<-ctx.Done()
	return fmt.Errorf("%w: %w", relay.ErrNotConnected, ctx.Err())
}

func (f *fakeRelay) Send(_ context.Context, msg relay.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "send:"+msg.Recipient)
	if f.failFor[msg.Recipient] {
		return errFake
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeRelay) JoinRoom(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[id] = true
	return nil
}

func (f *fakeRelay) LeaveRoom(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "leave-room")
	delete(f.rooms, id)
	return nil
}

func (f *fakeRelay) CreateGroup(context.Context, relay.Group) error { f.record("create-group"); return nil }
func (f *fakeRelay) LeaveGroup(context.Context, string) error       { f.record("leave-group"); return nil }

func (f *fakeRelay) AddGroupMember(_ context.Context, _ relay.Group, handle string) error {
	f.record("add-member:" + handle)
	return nil
}

func (f *fakeRelay) RemoveGroupMember(_ context.Context, _ string, handle string) error {
	f.record("remove-member:" + handle)
	return nil
}

func (f *fakeRelay) UpdateGroupName(_ context.Context, _ string, name string, _ int64) error {
	f.record("rename:" + name)
	return nil
}

func (f *fakeRelay) SendReadReceipt(_ context.Context, _ string, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, messageID)
	return nil
}

func (f *fakeRelay) SendTyping(context.Context, string, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeRelay) Events() <-chan relay.Event { return f.events }

type fakeLog struct {
	mu        sync.Mutex
	ready     bool
	failInit  bool
	appendErr error
	appended  []models.Entry
	calls     []string
	entries   map[string][]models.Entry
	recovered []string
	events    chan replog.Event
	// joinGate, when set, holds JoinConversation until it is closed.
	joinGate chan struct{}
}

func newFakeLog() *fakeLog {
	return &fakeLog{
		entries: make(map[string][]models.Entry),
		events:  make(chan replog.Event, 64),
	}
}

func (f *fakeLog) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeLog) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeLog) Appended() []models.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Entry(nil), f.appended...)
}

func (f *fakeLog) Initialize(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInit {
		return "", replog.ErrTransportUnavailable
	}
	f.ready = true
	return "identity", nil
}

func (f *fakeLog) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeLog) CreateConversation(_ context.Context, config replog.CreateConfig) (replog.LogKeys, error) {
	f.record("create:" + config.ConversationID)
	return replog.LogKeys{Key: "key-" + config.ConversationID}, nil
}

func (f *fakeLog) JoinConversation(ctx context.Context, id, key string) (replog.LogKeys, error) {
	f.record("join:" + id)
	f.mu.Lock()
	gate := f.joinGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return replog.LogKeys{}, ctx.Err()
		}
	}
	if key == "" {
		key = "key-" + id
	}
	return replog.LogKeys{Key: key}, nil
}

func (f *fakeLog) LeaveConversation(_ context.Context, id string) error {
	f.record("leave:" + id)
	return nil
}

func (f *fakeLog) AppendEntry(_ context.Context, id string, entry models.Entry) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "append:"+string(entry.Type))
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	f.appended = append(f.appended, entry)
	f.entries[id] = append(f.entries[id], entry)
	return int64(len(f.entries[id])), nil
}

func (f *fakeLog) GetEntries(_ context.Context, id string, start, end int64) ([]models.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.entries[id]
	if end <= 0 || end > int64(len(all)) {
		end = int64(len(all))
	}
	if start >= end {
		return nil, nil
	}
	return append([]models.Entry(nil), all[start:end]...), nil
}

// appendRemote adds an entry written by another member.
func (f *fakeLog) appendRemote(id string, entry models.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[id] = append(f.entries[id], entry)
}

func (f *fakeLog) length(id string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.entries[id]))
}

func (f *fakeLog) Sync(string) error { return nil }
func (f *fakeLog) SyncAll() error    { return nil }

func (f *fakeLog) RecoverFromKeys(_ context.Context, _ string, keys map[string]string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(keys))
	for id := range keys {
		ids = append(ids, id)
	}
	f.recovered = ids
	return ids, nil
}

func (f *fakeLog) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = false
	return nil
}

func (f *fakeLog) Events() <-chan replog.Event { return f.events }

type fakeCrypto struct{}

func (fakeCrypto) Sign(data []byte) ([]byte, error) { return []byte("sig"), nil }

func (fakeCrypto) EncryptForCore(data, _ []byte) (models.EncryptedBody, error) {
	return models.EncryptedBody{Ciphertext: append([]byte(nil), data...), Nonce: []byte("n")}, nil
}

func (fakeCrypto) CorePublicKey(logKey string) ([]byte, error) { return []byte(logKey), nil }

func (fakeCrypto) DecryptFromCore(body models.EncryptedBody, _ string) ([]byte, error) {
	return body.Ciphertext, nil
}

type harness struct {
	o     *Orchestrator
	store *storage.Store
	relay *fakeRelay
	log   *fakeLog
	clock *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type harnessOption func(*Options)

func newHarness(t *testing.T, self string, opts ...harnessOption) *harness {
	t.Helper()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	store := storage.New(storage.Options{DataDir: t.TempDir(), Now: clock.Now})
	t.Cleanup(store.Close)

	h := &harness{store: store, relay: newFakeRelay(), log: newFakeLog(), clock: clock}
	var seq int
	var seqMu sync.Mutex
	options := Options{
		Store:            store,
		Log:              h.log,
		Relay:            h.relay,
		Crypto:           fakeCrypto{},
		Logger:           zap.NewNop(),
		RelayAuthTimeout: 20 * time.Millisecond,
		SyncInterval:     -1,
		Debounce:         5 * time.Millisecond,
		Now:              clock.Now,
		NewID: func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("id%d", seq)
		},
	}
	for _, opt := range opts {
		opt(&options)
	}
	o, err := New(options)
	require.NoError(t, err)
	h.o = o
	if self != "" {
		require.NoError(t, o.StartSession(context.Background(), self))
		t.Cleanup(o.EndSession)
	}
	return h
}

func withoutLog() harnessOption {
	return func(o *Options) { o.Log = nil }
}

// seedConversation stores conv directly, bypassing the network.
func (h *harness) seedConversation(conv models.Conversation) {
	h.store.SaveConversation(conv)
}

func (h *harness) conversationIDs() []string {
	var ids []string
	for _, conv := range h.o.Conversations() {
		ids = append(ids, conv.ID)
	}
	return ids
}
