package storage

import (
	"testing"
	"time"

	"pigeon/models"
)

func newTestStore(t *testing.T, user string) (*Store, string) {
	t.Helper()

	dataDir := t.TempDir()
	store := New(Options{DataDir: dataDir, Now: fixedClock()})
	store.SwitchUser(user)
	t.Cleanup(store.Close)

	return store, dataDir
}

func fixedClock() func() time.Time {
	at := time.UnixMilli(1_700_000_000_000)
	return func() time.Time { return at }
}

func textMessage(conversationID, id, sender string, timestamp int64, text string) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       sender,
		Content:        models.Text(text),
		Timestamp:      timestamp,
		SyncStatus:     models.StatusPending,
	}
}
