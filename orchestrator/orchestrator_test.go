package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pigeon/models"
	"pigeon/relay"
	"pigeon/replog"
)

func directWithBob() models.Conversation {
	return models.Conversation{
		ID:           "dm_alice_bob",
		Participants: []models.Participant{{Handle: "bob"}},
	}
}

func groupWithBobAndCharlie() models.Conversation {
	return models.Conversation{
		ID:           "group_alice_bob_charlie",
		IsGroup:      true,
		GroupName:    "Trip",
		Participants: []models.Participant{{Handle: "bob"}, {Handle: "charlie"}},
	}
}

func TestNewRequiresStoreAndRelay(t *testing.T) {
	_, err := New(Options{Relay: newFakeRelay()})
	assert.Error(t, err)

	h := newHarness(t, "")
	_, err = New(Options{Store: h.store})
	assert.Error(t, err)
}

func TestSendBeforeSessionFails(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.o.SendMessage(context.Background(), "dm_alice_bob", models.Text("hi"), "")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = h.o.CreateConversation(context.Background(), []string{"bob"}, "")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendUnknownConversation(t *testing.T) {
	h := newHarness(t, "alice")
	_, err := h.o.SendMessage(context.Background(), "dm_alice_zed", models.Text("hi"), "")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestSendDualWritesDirectMessage(t *testing.T) {
	h := newHarness(t, "alice")
	h.seedConversation(directWithBob())

	msg, err := h.o.SendMessage(context.Background(), "dm_alice_bob", models.Text("hi"), "")
	require.NoError(t, err)

	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, models.Text("hi"), msg.Content)
	assert.Equal(t, models.StatusSynced, msg.SyncStatus)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("sig")), msg.Signature)

	stored, ok := h.store.Message("dm_alice_bob", msg.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusSynced, stored.SyncStatus)
	assert.Equal(t, msg.Signature, stored.Signature)
	assert.True(t, stored.IsOutgoing)

	appended := h.log.Appended()
	require.Len(t, appended, 1)
	assert.Equal(t, models.EntryMessage, appended[0].Type)
	assert.Equal(t, models.Text("hi"), appended[0].Content)

	sent := h.relay.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "bob", sent[0].Recipient)
	assert.Equal(t, msg.ID, sent[0].ID)
}

func TestSendEncryptsLogContentForCore(t *testing.T) {
	h := newHarness(t, "alice")
	conv := directWithBob()
	conv.LogKey = "core"
	h.seedConversation(conv)

	_, err := h.o.SendMessage(context.Background(), conv.ID, models.Text("secret"), "")
	require.NoError(t, err)

	appended := h.log.Appended()
	require.Len(t, appended, 1)
	sealed, ok := appended[0].Content.Body.(models.EncryptedBody)
	require.True(t, ok)
	var content models.Content
	require.NoError(t, json.Unmarshal(sealed.Ciphertext, &content))
	assert.Equal(t, models.Text("secret"), content)

	sent := h.relay.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, models.Text("secret"), sent[0].Content)
}

func TestSendSurvivesLogAppendFailure(t *testing.T) {
	h := newHarness(t, "alice")
	h.seedConversation(directWithBob())
	h.log.appendErr = errFake

	msg, err := h.o.SendMessage(context.Background(), "dm_alice_bob", models.Text("hi"), "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, msg.SyncStatus)
	assert.Empty(t, msg.Signature)
}

func TestSendStaysSyncedWhenRelayFails(t *testing.T) {
	h := newHarness(t, "alice")
	h.seedConversation(directWithBob())
	h.relay.failFor["bob"] = true

	msg, err := h.o.SendMessage(context.Background(), "dm_alice_bob", models.Text("hi"), "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, msg.SyncStatus)
}

func TestSendTotalFailureKeepsLocalRecord(t *testing.T) {
	h := newHarness(t, "alice", withoutLog())
	h.seedConversation(directWithBob())
	h.relay.failFor["bob"] = true

	msg, err := h.o.SendMessage(context.Background(), "dm_alice_bob", models.Text("hi"), "")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, models.StatusFailed, msg.SyncStatus)

	stored, ok := h.store.Message("dm_alice_bob", msg.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusFailed, stored.SyncStatus)
	assert.Equal(t, models.Text("hi"), stored.Content)
}

func TestSendPartialDeliveryCountsAsSent(t *testing.T) {
	h := newHarness(t, "alice", withoutLog())
	h.seedConversation(groupWithBobAndCharlie())
	h.relay.failFor["charlie"] = true

	msg, err := h.o.SendMessage(context.Background(), "group_alice_bob_charlie", models.Text("hi"), "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, msg.SyncStatus)

	sent := h.relay.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "bob", sent[0].Recipient)
	assert.True(t, sent[0].IsGroup)
	assert.ElementsMatch(t, []string{"alice", "bob", "charlie"}, sent[0].Participants)
}

func TestSendFailsWhenRelayNeverAuthenticates(t *testing.T) {
	h := newHarness(t, "alice", withoutLog())
	h.seedConversation(directWithBob())
	h.relay.authenticated = false

	msg, err := h.o.SendMessage(context.Background(), "dm_alice_bob", models.Text("hi"), "")
	assert.ErrorIs(t, err, ErrDeliveryFailed)

	stored, ok := h.store.Message("dm_alice_bob", msg.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusFailed, stored.SyncStatus)
	assert.Empty(t, h.relay.Sent())
}

func TestRetryMessage(t *testing.T) {
	h := newHarness(t, "alice", withoutLog())
	h.seedConversation(directWithBob())
	h.relay.failFor["bob"] = true

	msg, err := h.o.SendMessage(context.Background(), "dm_alice_bob", models.Text("hi"), "")
	require.ErrorIs(t, err, ErrDeliveryFailed)

	h.relay.mu.Lock()
	h.relay.failFor["bob"] = false
	h.relay.mu.Unlock()

	retried, err := h.o.RetryMessage(context.Background(), "dm_alice_bob", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, retried.SyncStatus)
	assert.Equal(t, msg.ID, retried.ID)
	assert.Len(t, h.store.Messages("dm_alice_bob", 0, 0), 1)

	again, err := h.o.RetryMessage(context.Background(), "dm_alice_bob", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, again.SyncStatus)
	assert.Len(t, h.relay.Sent(), 1)

	_, err = h.o.RetryMessage(context.Background(), "dm_alice_bob", "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestSendDirectMessageCreatesConversation(t *testing.T) {
	h := newHarness(t, "alice")

	msg, err := h.o.SendDirectMessage(context.Background(), "@Bob", models.Text("hi"))
	require.NoError(t, err)
	assert.Equal(t, "dm_alice_bob", msg.ConversationID)

	conv, ok := h.store.Conversation("dm_alice_bob")
	require.True(t, ok)
	assert.Equal(t, "key-dm_alice_bob", conv.LogKey)
	assert.True(t, h.relay.InRoom("dm_alice_bob"))

	_, err = h.o.SendDirectMessage(context.Background(), "alice", models.Text("me"))
	assert.ErrorIs(t, err, ErrInvalidParticipants)
}

func TestLeaveConversation(t *testing.T) {
	h := newHarness(t, "alice")
	h.seedConversation(groupWithBobAndCharlie())
	require.NoError(t, h.o.SetActiveConversation("group_alice_bob_charlie"))

	require.NoError(t, h.o.LeaveConversation(context.Background(), "group_alice_bob_charlie"))

	assert.True(t, h.store.HasLeftConversation("group_alice_bob_charlie"))
	assert.NotContains(t, h.conversationIDs(), "group_alice_bob_charlie")
	assert.Empty(t, h.o.ActiveConversation())
	assert.Contains(t, h.log.Calls(), "leave:group_alice_bob_charlie")

	calls := h.relay.Calls()
	leaveNotice := slices.Index(calls, "leave-group")
	roomLeave := slices.Index(calls, "leave-room")
	require.GreaterOrEqual(t, leaveNotice, 0)
	require.GreaterOrEqual(t, roomLeave, 0)
	assert.Less(t, leaveNotice, roomLeave)
	assert.Less(t, leaveNotice, slices.Index(calls, "send:bob"))

	sent := h.relay.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, models.System("@alice left the group"), sent[0].Content)

	// A late message for the group must not bring it back.
	h.o.handleRelayEvent(context.Background(), relay.Event{
		Type:           relay.EventMessage,
		ConversationID: "group_alice_bob_charlie",
		Sender:         "bob",
		MessageID:      "late",
		Content:        models.Text("still there?"),
		Timestamp:      10,
		IsGroup:        true,
	})
	assert.NotContains(t, h.conversationIDs(), "group_alice_bob_charlie")

	err := h.o.LeaveConversation(context.Background(), "group_alice_bob_charlie")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestReAddNoticeClearsTombstone(t *testing.T) {
	h := newHarness(t, "alice")
	h.store.MarkConversationAsLeft("group_alice_bob_charlie")

	h.o.handleRelayEvent(context.Background(), relay.Event{
		Type:           relay.EventMessage,
		ConversationID: "group_alice_bob_charlie",
		Sender:         "bob",
		MessageID:      "notice",
		Content:        models.System("@bob added @alice to the group"),
		Timestamp:      10,
		IsGroup:        true,
	})
	assert.False(t, h.store.HasLeftConversation("group_alice_bob_charlie"))

	h.o.handleRelayEvent(context.Background(), relay.Event{
		Type:           relay.EventMessage,
		ConversationID: "group_alice_bob_charlie",
		Sender:         "bob",
		MessageID:      "m1",
		Content:        models.Text("welcome back"),
		Timestamp:      11,
		IsGroup:        true,
		Participants:   []string{"alice", "bob", "charlie"},
	})

	conv, ok := h.store.Conversation("group_alice_bob_charlie")
	require.True(t, ok)
	assert.True(t, conv.IsGroup)
	assert.True(t, conv.HasParticipant("bob"))
	messages := h.store.Messages("group_alice_bob_charlie", 0, 0)
	require.Len(t, messages, 2)
	assert.Equal(t, "m1", messages[1].ID)
	require.Eventually(t, func() bool { return h.relay.InRoom("group_alice_bob_charlie") }, time.Second, 5*time.Millisecond)
}

func TestOrdinaryMessageNeverClearsTombstone(t *testing.T) {
	h := newHarness(t, "alice")
	h.store.MarkConversationAsLeft("group_x")

	for _, event := range []relay.Event{
		{Type: relay.EventMessage, ConversationID: "group_x", Sender: "bob", MessageID: "m1", Content: models.Text("added @alice to the group"), IsGroup: true},
		{Type: relay.EventMessage, ConversationID: "group_x", Sender: "bob", MessageID: "m2", Content: models.System("@bob added @carol to the group"), IsGroup: true},
		{Type: relay.EventGroupNameUpdated, ConversationID: "group_x", Sender: "bob", GroupName: "New"},
		{Type: relay.EventGroupMemberAdded, ConversationID: "group_x", Sender: "bob", Handle: "carol"},
	} {
		h.o.handleRelayEvent(context.Background(), event)
	}
	assert.True(t, h.store.HasLeftConversation("group_x"))
	assert.Empty(t, h.conversationIDs())
}

func TestGroupAddedInviteClearsTombstone(t *testing.T) {
	h := newHarness(t, "alice")
	h.store.MarkConversationAsLeft("group_x")

	h.o.handleRelayEvent(context.Background(), relay.Event{
		Type:           relay.EventGroupAdded,
		ConversationID: "group_x",
		Sender:         "bob",
		Handle:         "alice",
		IsGroup:        true,
		GroupName:      "Climbing",
		Participants:   []string{"alice", "bob", "carol"},
		LogKey:         "key-x",
		Timestamp:      5,
	})

	conv, ok := h.store.Conversation("group_x")
	require.True(t, ok)
	assert.Equal(t, "Climbing", conv.GroupName)
	assert.Equal(t, "key-x", conv.LogKey)
	assert.ElementsMatch(t, []string{"bob", "carol"}, conv.ParticipantHandles())
	require.Eventually(t, func() bool { return slices.Contains(h.log.Calls(), "join:group_x") }, time.Second, 5*time.Millisecond)
}

func TestLeaveThenReAddSurvivesFullLogReplay(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()
	const id = "group_alice_bob_charlie"
	h.seedConversation(groupWithBobAndCharlie())
	h.log.appendRemote(id, models.Entry{
		Type:         models.EntryInit,
		Sender:       "bob",
		IsGroup:      true,
		GroupName:    "Trip",
		Timestamp:    1,
		Participants: []models.Participant{{Handle: "alice"}, {Handle: "bob"}, {Handle: "charlie"}},
	})

	require.NoError(t, h.o.LeaveConversation(ctx, id))
	require.True(t, h.store.HasLeftConversation(id))
	require.Equal(t, int64(2), h.log.length(id))

	// Late traffic on either channel stays dropped.
	h.o.handleRelayEvent(ctx, relay.Event{
		Type:           relay.EventMessage,
		ConversationID: id,
		Sender:         "bob",
		MessageID:      "late",
		Content:        models.Text("still there?"),
		IsGroup:        true,
		Timestamp:      10,
	})
	h.o.handleLogEvent(ctx, replog.Event{Type: replog.TypeSyncCompleted, ConversationID: id, Length: h.log.length(id)})
	assert.True(t, h.store.HasLeftConversation(id))
	assert.NotContains(t, h.conversationIDs(), id)

	// Bob adds alice back. The member-add lands in the log and the invite on the relay.
	h.log.appendRemote(id, models.Entry{Type: models.EntryMemberAdd, Sender: "bob", Handle: "alice", Timestamp: 20})
	h.o.handleRelayEvent(ctx, relay.Event{
		Type:           relay.EventGroupAdded,
		ConversationID: id,
		Sender:         "bob",
		Handle:         "alice",
		IsGroup:        true,
		GroupName:      "Trip",
		Participants:   []string{"alice", "bob", "charlie"},
		LogKey:         "key-" + id,
		Timestamp:      20,
	})
	require.False(t, h.store.HasLeftConversation(id))
	require.Contains(t, h.conversationIDs(), id)
	assert.Zero(t, h.store.SyncState(id).LocalLength)

	// The next sync replays the whole log, the old leave included.
	h.o.handleLogEvent(ctx, replog.Event{Type: replog.TypeSyncCompleted, ConversationID: id, Length: h.log.length(id)})
	assert.False(t, h.store.HasLeftConversation(id))
	require.Contains(t, h.conversationIDs(), id)
	assert.Equal(t, h.log.length(id), h.store.SyncState(id).LocalLength)

	// Both channels deliver again.
	h.log.appendRemote(id, models.Entry{Type: models.EntryMessage, Sender: "charlie", ID: "from-log", Content: models.Text("hey again"), Timestamp: 30})
	h.o.handleLogEvent(ctx, replog.Event{Type: replog.TypeSyncCompleted, ConversationID: id, Length: h.log.length(id)})
	h.o.handleRelayEvent(ctx, relay.Event{
		Type:           relay.EventMessage,
		ConversationID: id,
		Sender:         "bob",
		MessageID:      "from-relay",
		Content:        models.Text("welcome back"),
		IsGroup:        true,
		Timestamp:      31,
	})

	var ids []string
	for _, msg := range h.store.Messages(id, 0, 0) {
		ids = append(ids, msg.ID)
	}
	assert.Equal(t, []string{"from-log", "from-relay"}, ids)
	require.Eventually(t, func() bool { return h.relay.InRoom(id) }, time.Second, 5*time.Millisecond)
}

func TestInboundDirectMessageResolvesSharedID(t *testing.T) {
	h := newHarness(t, "alice")

	h.o.handleRelayEvent(context.Background(), relay.Event{
		Type:      relay.EventMessage,
		Sender:    "bob",
		MessageID: "m1",
		Content:   models.Text("hi"),
		Timestamp: 10,
	})

	conv, ok := h.store.Conversation(models.DirectConversationID("bob", "alice"))
	require.True(t, ok)
	assert.False(t, conv.IsGroup)
	assert.Equal(t, []string{"bob"}, conv.ParticipantHandles())
	assert.Equal(t, 1, conv.UnreadCount)

	msg, ok := h.store.Message(conv.ID, "m1")
	require.True(t, ok)
	assert.Equal(t, models.StatusDelivered, msg.SyncStatus)
	assert.False(t, msg.IsOutgoing)
}

func TestInboundReplayUpdatesInPlace(t *testing.T) {
	h := newHarness(t, "alice")
	event := relay.Event{
		Type:      relay.EventMessage,
		Sender:    "bob",
		MessageID: "m1",
		Content:   models.Text("hi"),
		Timestamp: 10,
	}
	h.o.handleRelayEvent(context.Background(), event)
	event.Content = models.Text("hi (edited)")
	h.o.handleRelayEvent(context.Background(), event)

	messages := h.store.Messages("dm_alice_bob", 0, 0)
	require.Len(t, messages, 1)
	assert.Equal(t, models.Text("hi (edited)"), messages[0].Content)

	conv, _ := h.store.Conversation("dm_alice_bob")
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestLogAndRelayCopiesMerge(t *testing.T) {
	h := newHarness(t, "alice")

	h.o.handleLogEvent(context.Background(), replog.Event{
		Type:           replog.TypeEntries,
		ConversationID: "group_x",
		Entries: []models.Entry{
			{Type: models.EntryInit, Sender: "bob", Timestamp: 1, IsGroup: true, GroupName: "X",
				Participants: []models.Participant{{Handle: "alice"}, {Handle: "bob"}}},
			{Type: models.EntryMessage, Sender: "bob", Timestamp: 2, ID: "m1", Content: models.Text("hi")},
		},
	})
	h.o.handleRelayEvent(context.Background(), relay.Event{
		Type:           relay.EventMessage,
		ConversationID: "group_x",
		Sender:         "bob",
		MessageID:      "m1",
		Content:        models.Text("hi"),
		Timestamp:      2,
		IsGroup:        true,
	})

	messages := h.store.Messages("group_x", 0, 0)
	require.Len(t, messages, 1)
	assert.Equal(t, models.StatusSynced, messages[0].SyncStatus)
	conv, ok := h.store.Conversation("group_x")
	require.True(t, ok)
	assert.Equal(t, "X", conv.GroupName)
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Equal(t, int64(2), h.store.SyncState("group_x").LocalLength)
}

func TestLogEntriesAreDecrypted(t *testing.T) {
	h := newHarness(t, "alice")
	conv := directWithBob()
	conv.LogKey = "core"
	h.seedConversation(conv)

	plaintext, err := json.Marshal(models.Text("sealed hi"))
	require.NoError(t, err)
	h.o.handleLogEvent(context.Background(), replog.Event{
		Type:           replog.TypeEntries,
		ConversationID: conv.ID,
		Entries: []models.Entry{{
			Type: models.EntryMessage, Sender: "bob", Timestamp: 3, ID: "m1",
			Content: models.Content{Body: models.EncryptedBody{Ciphertext: plaintext}},
		}},
	})

	msg, ok := h.store.Message(conv.ID, "m1")
	require.True(t, ok)
	assert.Equal(t, models.Text("sealed hi"), msg.Content)
}

func TestLogSelfRemovalTombstones(t *testing.T) {
	h := newHarness(t, "alice")
	h.seedConversation(groupWithBobAndCharlie())

	h.o.handleLogEvent(context.Background(), replog.Event{
		Type:           replog.TypeEntries,
		ConversationID: "group_alice_bob_charlie",
		Entries:        []models.Entry{{Type: models.EntryMemberRemove, Sender: "bob", Handle: "alice", Timestamp: 5}},
	})

	assert.True(t, h.store.HasLeftConversation("group_alice_bob_charlie"))
	assert.Empty(t, h.conversationIDs())
}

func TestSyncCompletedPullsNewEntries(t *testing.T) {
	h := newHarness(t, "alice")
	h.seedConversation(groupWithBobAndCharlie())
	h.log.entries["group_alice_bob_charlie"] = []models.Entry{
		{Type: models.EntryMessage, Sender: "bob", Timestamp: 1, ID: "m1", Content: models.Text("one")},
		{Type: models.EntryMessage, Sender: "charlie", Timestamp: 2, ID: "m2", Content: models.Text("two")},
	}

	h.o.handleLogEvent(context.Background(), replog.Event{Type: replog.TypeSyncStarted, ConversationID: "group_alice_bob_charlie"})
	assert.Equal(t, models.SyncSyncing, h.store.SyncState("group_alice_bob_charlie").Status)

	h.o.handleLogEvent(context.Background(), replog.Event{
		Type:           replog.TypeSyncCompleted,
		ConversationID: "group_alice_bob_charlie",
		Length:         2,
		RemoteLength:   2,
	})

	assert.Len(t, h.store.Messages("group_alice_bob_charlie", 0, 0), 2)
	state := h.store.SyncState("group_alice_bob_charlie")
	assert.Equal(t, models.SyncSynced, state.Status)
	assert.Equal(t, int64(2), state.LocalLength)
	conv, _ := h.store.Conversation("group_alice_bob_charlie")
	assert.Equal(t, int64(2), conv.LocalLength)
}

func TestConversationDeletedRemovesWithoutTombstone(t *testing.T) {
	h := newHarness(t, "alice")
	h.seedConversation(groupWithBobAndCharlie())

	h.o.handleRelayEvent(context.Background(), relay.Event{
		Type:           relay.EventConversationDeleted,
		ConversationID: "group_alice_bob_charlie",
		Sender:         "bob",
	})
	assert.Empty(t, h.conversationIDs())
	assert.False(t, h.store.HasLeftConversation("group_alice_bob_charlie"))
}

func TestParticipantLeftAndMemberAdded(t *testing.T) {
	h := newHarness(t, "alice")
	h.seedConversation(groupWithBobAndCharlie())
	ctx := context.Background()

	h.o.handleRelayEvent(ctx, relay.Event{Type: relay.EventParticipantLeft, ConversationID: "group_alice_bob_charlie", Sender: "charlie", Handle: "charlie"})
	h.o.handleRelayEvent(ctx, relay.Event{Type: relay.EventGroupMemberAdded, ConversationID: "group_alice_bob_charlie", Sender: "bob", Handle: "dave", Timestamp: 7})
	h.o.handleRelayEvent(ctx, relay.Event{Type: relay.EventParticipantLeft, ConversationID: "group_alice_bob_charlie", Sender: "bob", Handle: "alice"})

	conv, ok := h.store.Conversation("group_alice_bob_charlie")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"bob", "dave"}, conv.ParticipantHandles())
}

func TestReadReceiptAdvancesOutgoingMessage(t *testing.T) {
	h := newHarness(t, "alice", withoutLog())
	h.seedConversation(directWithBob())
	msg, err := h.o.SendMessage(context.Background(), "dm_alice_bob", models.Text("hi"), "")
	require.NoError(t, err)

	receipt := relay.Event{Type: relay.EventReadReceipt, ConversationID: "dm_alice_bob", Sender: "bob", MessageID: msg.ID}
	h.o.handleRelayEvent(context.Background(), receipt)
	h.o.handleRelayEvent(context.Background(), receipt)

	stored, ok := h.store.Message("dm_alice_bob", msg.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusRead, stored.SyncStatus)
	assert.Equal(t, []string{"bob"}, stored.ReadBy)
}

func TestCreateConversation(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()

	_, err := h.o.CreateConversation(ctx, []string{"alice", " "}, "")
	assert.ErrorIs(t, err, ErrInvalidParticipants)

	h.store.MarkConversationAsLeft("dm_alice_bob")
	dm, err := h.o.CreateConversation(ctx, []string{"@Bob"}, "")
	require.NoError(t, err)
	assert.Equal(t, "dm_alice_bob", dm.ID)
	assert.False(t, dm.IsGroup)
	assert.False(t, h.store.HasLeftConversation("dm_alice_bob"))
	assert.Equal(t, "key-dm_alice_bob", dm.LogKey)

	again, err := h.o.CreateConversation(ctx, []string{"bob"}, "")
	require.NoError(t, err)
	assert.Equal(t, dm.ID, again.ID)

	group, err := h.o.CreateConversation(ctx, []string{"bob", "carol", "bob"}, "Trip")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(group.ID, models.GroupConversationPrefix))
	assert.True(t, group.IsGroup)
	assert.Equal(t, "Trip", group.GroupName)
	assert.Equal(t, models.ChannelLocal, group.NameSource)
	assert.ElementsMatch(t, []string{"bob", "carol"}, group.ParticipantHandles())
	assert.Contains(t, h.relay.Calls(), "create-group")
	assert.Contains(t, h.log.Calls(), "create:"+group.ID)
	assert.True(t, h.relay.InRoom(group.ID))
}

func TestMembershipChanges(t *testing.T) {
	h := newHarness(t, "alice")
	h.seedConversation(groupWithBobAndCharlie())
	h.seedConversation(directWithBob())
	ctx := context.Background()

	_, err := h.o.AddParticipant(ctx, "dm_alice_bob", "carol")
	assert.ErrorIs(t, err, ErrNotGroup)

	conv, err := h.o.AddParticipant(ctx, "group_alice_bob_charlie", "Dave")
	require.NoError(t, err)
	assert.True(t, conv.HasParticipant("dave"))
	assert.Contains(t, h.relay.Calls(), "add-member:dave")

	conv, err = h.o.RemoveParticipant(ctx, "group_alice_bob_charlie", "charlie")
	require.NoError(t, err)
	assert.False(t, conv.HasParticipant("charlie"))
	assert.Contains(t, h.relay.Calls(), "remove-member:charlie")

	var texts []string
	for _, msg := range h.store.Messages("group_alice_bob_charlie", 0, 0) {
		texts = append(texts, msg.Content.Preview())
	}
	assert.Equal(t, []string{"@alice added @dave to the group", "@alice removed @charlie from the group"}, texts)

	var types []models.EntryType
	for _, entry := range h.log.Appended() {
		types = append(types, entry.Type)
	}
	assert.Contains(t, types, models.EntryMemberAdd)
	assert.Contains(t, types, models.EntryMemberRemove)

	// The removed member still hears about it.
	var recipients []string
	for _, msg := range h.relay.Sent() {
		if msg.Content == models.System("@alice removed @charlie from the group") {
			recipients = append(recipients, msg.Recipient)
		}
	}
	assert.Contains(t, recipients, "charlie")
}

func TestRenameGroupPrecedence(t *testing.T) {
	h := newHarness(t, "alice")
	h.seedConversation(groupWithBobAndCharlie())
	ctx := context.Background()

	conv, err := h.o.RenameGroup(ctx, "group_alice_bob_charlie", "Summit")
	require.NoError(t, err)
	assert.Equal(t, "Summit", conv.GroupName)
	assert.Contains(t, h.relay.Calls(), "rename:Summit")

	h.o.handleRelayEvent(ctx, relay.Event{
		Type: relay.EventGroupNameUpdated, ConversationID: conv.ID, Sender: "bob", GroupName: "Stale", Timestamp: 1,
	})
	conv, _ = h.store.Conversation(conv.ID)
	assert.Equal(t, "Summit", conv.GroupName)

	future := int64(1_800_000_000_000)
	h.o.handleRelayEvent(ctx, relay.Event{
		Type: relay.EventGroupNameUpdated, ConversationID: conv.ID, Sender: "bob", GroupName: "Fresh", Timestamp: future,
	})
	conv, _ = h.store.Conversation(conv.ID)
	assert.Equal(t, "Fresh", conv.GroupName)
	assert.Equal(t, models.ChannelRelay, conv.NameSource)

	_, err = h.o.RenameGroup(ctx, "dm_missing", "x")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestMarkConversationRead(t *testing.T) {
	h := newHarness(t, "alice")
	ctx := context.Background()
	for i, id := range []string{"m1", "m2"} {
		h.o.handleRelayEvent(ctx, relay.Event{
			Type: relay.EventMessage, Sender: "bob", MessageID: id, Content: models.Text(id), Timestamp: int64(10 + i),
		})
	}
	conv, _ := h.store.Conversation("dm_alice_bob")
	require.Equal(t, 2, conv.UnreadCount)

	require.NoError(t, h.o.MarkConversationRead(ctx, "dm_alice_bob"))
	require.NoError(t, h.o.MarkConversationRead(ctx, "dm_alice_bob"))

	conv, _ = h.store.Conversation("dm_alice_bob")
	assert.Zero(t, conv.UnreadCount)
	assert.Equal(t, []string{"m1", "m2"}, h.relay.receipts)

	var receipts int
	for _, entry := range h.log.Appended() {
		if entry.Type == models.EntryReadReceipt {
			receipts++
		}
	}
	assert.Equal(t, 2, receipts)
	assert.ErrorIs(t, h.o.MarkConversationRead(ctx, "dm_missing"), ErrConversationNotFound)
}

func TestSendTypingIsRateLimited(t *testing.T) {
	h := newHarness(t, "alice")
	h.seedConversation(directWithBob())
	ctx := context.Background()

	require.NoError(t, h.o.SendTyping(ctx, "dm_alice_bob", true))
	require.NoError(t, h.o.SendTyping(ctx, "dm_alice_bob", true))
	require.NoError(t, h.o.SendTyping(ctx, "dm_alice_bob", false))

	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	assert.Equal(t, 2, h.relay.typing)
	assert.NotContains(t, h.log.Calls(), "append:typing")
}

func TestPinMuteAndActive(t *testing.T) {
	h := newHarness(t, "alice")
	h.seedConversation(directWithBob())

	require.NoError(t, h.o.SetPinned("dm_alice_bob", true))
	require.NoError(t, h.o.SetMuted("dm_alice_bob", true))
	conv, _ := h.store.Conversation("dm_alice_bob")
	assert.True(t, conv.Pinned)
	assert.True(t, conv.Muted)

	assert.ErrorIs(t, h.o.SetPinned("dm_missing", true), ErrConversationNotFound)
	assert.ErrorIs(t, h.o.SetActiveConversation("dm_missing"), ErrConversationNotFound)
	require.NoError(t, h.o.SetActiveConversation(""))
}

func TestSubscribersSeeActiveMessagesAndTyping(t *testing.T) {
	h := newHarness(t, "alice")
	h.seedConversation(directWithBob())
	require.NoError(t, h.o.SetActiveConversation("dm_alice_bob"))

	updates := make(chan Update, 16)
	unsubscribe := h.o.Subscribe(func(u Update) { updates <- u })
	defer unsubscribe()

	h.o.handleRelayEvent(context.Background(), relay.Event{
		Type: relay.EventMessage, Sender: "bob", MessageID: "m1", Content: models.Text("hi"), Timestamp: 10,
	})
	h.o.handleRelayEvent(context.Background(), relay.Event{
		Type: relay.EventTyping, ConversationID: "dm_alice_bob", Sender: "bob", IsTyping: true,
	})
	h.o.Flush()

	var sawTyping, sawMessage bool
	deadline := time.After(time.Second)
	for !sawTyping || !sawMessage {
		select {
		case u := <-updates:
			if u.Typing != nil {
				assert.Equal(t, "bob", u.Typing.Handle)
				sawTyping = true
				continue
			}
			if len(u.ActiveMessages) == 1 {
				assert.Equal(t, "dm_alice_bob", u.ActiveConversationID)
				sawMessage = true
			}
		case <-deadline:
			t.Fatalf("typing=%v message=%v", sawTyping, sawMessage)
		}
	}
}

func TestSessionLoopsConsumeEvents(t *testing.T) {
	h := newHarness(t, "alice")

	h.relay.events <- relay.Event{Type: relay.EventMessage, Sender: "bob", MessageID: "m1", Content: models.Text("hi"), Timestamp: 1}
	h.log.events <- replog.Event{
		Type:           replog.TypeEntries,
		ConversationID: "group_y",
		Entries:        []models.Entry{{Type: models.EntryInit, Sender: "carol", IsGroup: true, Timestamp: 1}},
	}

	require.Eventually(t, func() bool {
		ids := h.conversationIDs()
		return slices.Contains(ids, "dm_alice_bob") && slices.Contains(ids, "group_y")
	}, time.Second, 5*time.Millisecond)
}

func TestSlowLogJoinDoesNotStallRelayEvents(t *testing.T) {
	h := newHarness(t, "alice")
	gate := make(chan struct{})
	h.log.mu.Lock()
	h.log.joinGate = gate
	h.log.mu.Unlock()

	h.relay.events <- relay.Event{
		Type:           relay.EventGroupAdded,
		ConversationID: "group_slow",
		Sender:         "bob",
		Handle:         "alice",
		IsGroup:        true,
		Participants:   []string{"alice", "bob"},
	}
	h.relay.events <- relay.Event{Type: relay.EventMessage, Sender: "carol", MessageID: "m1", Content: models.Text("hi"), Timestamp: 1}

	require.Eventually(t, func() bool {
		return slices.Contains(h.conversationIDs(), "dm_alice_carol")
	}, time.Second, 5*time.Millisecond)
	conv, ok := h.store.Conversation("group_slow")
	require.True(t, ok)
	assert.Empty(t, conv.LogKey)

	close(gate)
	require.Eventually(t, func() bool {
		conv, _ := h.store.Conversation("group_slow")
		return conv.LogKey == "key-group_slow"
	}, time.Second, 5*time.Millisecond)
}

func TestSessionRestartReloadsFromDisk(t *testing.T) {
	h := newHarness(t, "alice")
	h.seedConversation(directWithBob())
	h.store.MarkConversationAsLeft("group_gone")

	h.o.EndSession()
	assert.Empty(t, h.o.Conversations())
	_, err := h.o.SendMessage(context.Background(), "dm_alice_bob", models.Text("hi"), "")
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, h.o.StartSession(context.Background(), "bob"))
	assert.Empty(t, h.o.Conversations())

	require.NoError(t, h.o.StartSession(context.Background(), "Alice"))
	assert.Equal(t, []string{"dm_alice_bob"}, h.conversationIDs())
	assert.True(t, h.store.HasLeftConversation("group_gone"))
	assert.True(t, h.relay.InRoom("dm_alice_bob"))
	assert.Contains(t, h.log.Calls(), "join:dm_alice_bob")
}

func TestStartSessionWithoutLogWorker(t *testing.T) {
	h := newHarness(t, "")
	h.log.failInit = true
	require.NoError(t, h.o.StartSession(context.Background(), "alice"))
	t.Cleanup(h.o.EndSession)
	assert.False(t, h.o.LogReady())

	h.seedConversation(directWithBob())
	msg, err := h.o.SendMessage(context.Background(), "dm_alice_bob", models.Text("hi"), "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, msg.SyncStatus)
	assert.Empty(t, h.log.Appended())
}

func TestRecoverFromKeys(t *testing.T) {
	h := newHarness(t, "alice")
	h.store.MarkConversationAsLeft("group_left")
	h.log.entries["group_r"] = []models.Entry{
		{Type: models.EntryInit, Sender: "bob", IsGroup: true, GroupName: "Recovered", Timestamp: 1},
		{Type: models.EntryMessage, Sender: "bob", ID: "m1", Content: models.Text("old"), Timestamp: 2},
	}

	ids, err := h.o.RecoverFromKeys(context.Background(), "identity", map[string]string{
		"group_r":    "key-r",
		"group_left": "key-l",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"group_r"}, ids)

	conv, ok := h.store.Conversation("group_r")
	require.True(t, ok)
	assert.Equal(t, "Recovered", conv.GroupName)
	assert.Equal(t, "key-r", conv.LogKey)
	assert.Len(t, h.store.Messages("group_r", 0, 0), 1)
	assert.NotContains(t, h.conversationIDs(), "group_left")
}
