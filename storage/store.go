package storage

import (
	"encoding/hex"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"pigeon/models"
)

var safeUserDir = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// Options configures a Store.
type Options struct {
	// DataDir is the root under which each user gets users/<handle>/.
	DataDir  string
	Logger   *zap.Logger
	Resolver models.MetadataResolver
	Now      func() time.Time
}

// Store is the per-user conversation cache. Memory is authoritative for
// readers; every mutation is written through to the user's database.
//
// Persistence failures are logged and swallowed: a failed load starts the
// user from empty state and a failed write leaves memory ahead of disk.
type Store struct {
	dataDir  string
	logger   *zap.Logger
	resolver models.MetadataResolver
	now      func() time.Time

	mu            sync.RWMutex
	user          string
	db            *database
	conversations map[string]models.Conversation
	messages      map[string][]models.Message
	left          map[string]int64
	syncStates    map[string]models.SyncState
}

// New creates a store with no active user.
func New(options Options) *Store {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver := options.Resolver
	if resolver.Policy == "" {
		resolver = models.DefaultMetadataResolver()
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		dataDir:  options.DataDir,
		logger:   logger.Named("store"),
		resolver: resolver,
		now:      now,
	}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.conversations = make(map[string]models.Conversation)
	s.messages = make(map[string][]models.Message)
	s.left = make(map[string]int64)
	s.syncStates = make(map[string]models.SyncState)
}

// SwitchUser makes handle the active user. The previous user's data stays on
// disk. Switching to the active user is a no-op.
func (s *Store) SwitchUser(handle string) {
	handle = models.NormalizeHandle(handle)

	s.mu.Lock()
	defer s.mu.Unlock()

	if handle == s.user && s.db != nil {
		return
	}
	s.closeLocked()
	s.user = handle
	if handle == "" {
		return
	}

	db, err := openDatabase(s.userDir(handle))
	if err != nil {
		s.logger.Error("open user database failed, starting empty", zap.String("user", handle), zap.Error(err))
		return
	}
	s.db = db
	s.loadLocked()
}

// ClearCurrentUser drops in-memory state on logout. Disk state is kept.
func (s *Store) ClearCurrentUser() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	s.user = ""
}

// Close releases the active user's database.
func (s *Store) Close() {
	s.ClearCurrentUser()
}

// CurrentUser returns the active handle, or "" when logged out.
func (s *Store) CurrentUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Store) closeLocked() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("close user database failed", zap.String("user", s.user), zap.Error(err))
		}
		s.db = nil
	}
	s.resetLocked()
}

func (s *Store) loadLocked() {
	conversations, err := s.db.loadConversations()
	if err != nil {
		s.logger.Error("load conversations failed", zap.Error(err))
	}
	for _, conv := range conversations {
		s.conversations[conv.ID] = conv
	}

	left, err := s.db.loadLeft()
	if err != nil {
		s.logger.Error("load left conversations failed", zap.Error(err))
	} else {
		s.left = left
	}

	states, err := s.db.loadSyncStates()
	if err != nil {
		s.logger.Error("load sync states failed", zap.Error(err))
	} else {
		s.syncStates = states
	}

	s.logger.Debug("loaded user snapshot",
		zap.String("user", s.user),
		zap.Int("conversations", len(s.conversations)),
		zap.Int("left", len(s.left)),
	)
}

func (s *Store) userDir(handle string) string {
	name := handle
	if !safeUserDir.MatchString(name) {
		name = "u_" + hex.EncodeToString([]byte(handle))
	}
	return filepath.Join(s.dataDir, "users", name)
}

// Conversations returns all active conversations, pinned first then newest.
func (s *Store) Conversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]models.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		list = append(list, conv.Clone())
	}
	models.SortConversations(list)
	return list
}

// Conversation returns one conversation by ID.
func (s *Store) Conversation(id string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	return conv.Clone(), ok
}

// SaveConversation inserts or replaces a conversation record.
func (s *Store) SaveConversation(conv models.Conversation) {
	if conv.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.CreatedAt == 0 {
		conv.CreatedAt = s.now().UnixMilli()
	}
	s.conversations[conv.ID] = conv.Clone()
	s.persistConversationLocked(conv)
}

// UpdateConversation applies fn to a stored conversation and persists it.
func (s *Store) UpdateConversation(id string, fn func(*models.Conversation)) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, false
	}
	conv = conv.Clone()
	fn(&conv)
	conv.ID = id
	s.conversations[id] = conv
	s.persistConversationLocked(conv)
	return conv.Clone(), true
}

// RemoveConversation drops a conversation and its messages.
func (s *Store) RemoveConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	delete(s.messages, id)
	delete(s.syncStates, id)
	if s.db == nil {
		return
	}
	if err := s.db.deleteConversation(id); err != nil {
		s.logger.Error("remove conversation failed", zap.String("conversation", id), zap.Error(err))
	}
}

// MarkConversationAsLeft tombstones id. Tombstones persist independently of
// the conversation index.
func (s *Store) MarkConversationAsLeft(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markLeftLocked(id)
}

func (s *Store) markLeftLocked(id string) {
	at := s.now().UnixMilli()
	s.left[id] = at
	if s.db == nil {
		return
	}
	if err := s.db.insertLeft(id, at); err != nil {
		s.logger.Error("persist tombstone failed", zap.String("conversation", id), zap.Error(err))
	}
}

// HasLeftConversation reports whether id is tombstoned.
func (s *Store) HasLeftConversation(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.left[id]
	return ok
}

// ClearLeftStatus removes the tombstone for id. It reports whether one existed.
func (s *Store) ClearLeftStatus(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLeftLocked(id)
}

func (s *Store) clearLeftLocked(id string) bool {
	if _, ok := s.left[id]; !ok {
		return false
	}
	delete(s.left, id)
	if s.db != nil {
		if err := s.db.deleteLeft(id); err != nil {
			s.logger.Error("clear tombstone failed", zap.String("conversation", id), zap.Error(err))
		}
	}
	return true
}

// LeftConversations returns every tombstoned conversation ID.
func (s *Store) LeftConversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.left))
	for id := range s.left {
		ids = append(ids, id)
	}
	return ids
}

// SyncState returns the replication cursors for a conversation.
func (s *Store) SyncState(id string) models.SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.syncStates[id]
	if !ok {
		state.Status = models.SyncOffline
	}
	return state
}

// SaveSyncState stores cursors and mirrors them onto the conversation record.
func (s *Store) SaveSyncState(id string, state models.SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, left := s.left[id]; left {
		return
	}
	s.syncStates[id] = state
	if s.db != nil {
		if err := s.db.upsertSyncState(id, state); err != nil {
			s.logger.Error("persist sync state failed", zap.String("conversation", id), zap.Error(err))
		}
	}

	conv, ok := s.conversations[id]
	if !ok {
		return
	}
	conv.LocalLength = state.LocalLength
	conv.RemoteLength = state.RemoteLength
	if state.LastSyncTimestamp > 0 {
		conv.LastSyncedAt = state.LastSyncTimestamp
	}
	s.conversations[id] = conv
	s.persistConversationLocked(conv)
}

func (s *Store) persistConversationLocked(conv models.Conversation) {
	if s.db == nil {
		return
	}
	if err := s.db.upsertConversation(conv, s.now().UnixMilli()); err != nil {
		s.logger.Error("persist conversation failed", zap.String("conversation", conv.ID), zap.Error(err))
	}
}
