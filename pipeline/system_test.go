package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sysData(t *testing.T, payload *SystemConversationPayload) string {
	data, err := encodeBase64JSON(payload)
	require.NoError(t, err)
	return data
}

func (f *fixture) participant(t *testing.T, conversationID, userID string) *participant {
	var p *participant
	require.NoError(t, f.m.db.RunReadOnly("testing", func() error {
		rows := make([]*participant, 0, 1)
		if err := f.m.db.Tx.Select(&rows, "SELECT conversation_id, user_id, role, status, created_at FROM participants WHERE conversation_id = ? AND user_id = ?", conversationID, userID); err != nil {
			return err
		}
		if len(rows) == 1 {
			p = rows[0]
		}
		return nil
	}))
	return p
}

func (f *fixture) stageSystem(t *testing.T, messageID string, payload *SystemConversationPayload) {
	f.stage(t, &stagedMessage{
		MessageID:      messageID,
		ConversationID: testConvID,
		UserID:         SystemUserID,
		Category:       "SYSTEM_CONVERSATION",
		Data:           sysData(t, payload),
	})
}

func TestSystemAddAnnouncesSenderKey(t *testing.T) {
	f := newFixture(t)
	f.createConversation(t, testConvID)
	f.crypto.senderKeys[pairKey(testConvID, selfID)] = true
	f.api.users["new-member"] = &UserResponse{UserID: "new-member", FullName: "Newcomer"}

	f.stageSystem(t, "msg-1", &SystemConversationPayload{Action: SystemActionAdd, UserID: peerID, ParticipantID: "new-member"})
	f.drain()

	p := f.participant(t, testConvID, "new-member")
	require.NotNil(t, p)
	require.Equal(t, ParticipantStatusSuccess, p.Status)
	require.Equal(t, 1, f.sender.controlCount(PlainActionSendKey))
	var sent bool
	require.NoError(t, f.m.db.RunReadOnly("testing", func() error {
		var err error
		sent, err = f.m.db.sentSenderKeyExists(testConvID, "new-member")
		return err
	}))
	require.True(t, sent)
	require.NotNil(t, f.message(t, "msg-1"))
	require.Equal(t, 1, f.sender.ackCount("msg-1", MessageStatusRead))
	require.Contains(t, f.jobs.groupIcons, testConvID)

	// The key travels once per member even if the announce is replayed
	// with a fresh message id.
	f.stageSystem(t, "msg-2", &SystemConversationPayload{Action: SystemActionAdd, UserID: peerID, ParticipantID: "new-member"})
	f.drain()
	require.Equal(t, 1, f.sender.controlCount(PlainActionSendKey))
}

func TestSystemRemoveRetiresKeys(t *testing.T) {
	f := newFixture(t)
	f.createConversation(t, testConvID)
	f.crypto.senderKeys[pairKey(testConvID, selfID)] = true
	f.run(t, func() error {
		for _, id := range []string{"departing", "remaining"} {
			if err := f.m.db.upsertParticipant(&participant{ConversationID: testConvID, UserID: id, Status: ParticipantStatusSuccess, CreatedAt: currentTime}); err != nil {
				return err
			}
			if err := f.m.db.insertSentSenderKey(testConvID, id); err != nil {
				return err
			}
		}
		return nil
	})

	f.stageSystem(t, "msg-1", &SystemConversationPayload{Action: SystemActionRemove, UserID: peerID, ParticipantID: "departing"})
	f.drain()

	// Our own group key is retired, and every distribution record goes
	// with it, so the next send redistributes a key the removed member
	// never sees.
	require.Contains(t, f.crypto.cleared, pairKey(testConvID, selfID))
	require.Nil(t, f.participant(t, testConvID, "departing"))
	for _, id := range []string{"departing", "remaining"} {
		var sent bool
		require.NoError(t, f.m.db.RunReadOnly("testing", func() error {
			var err error
			sent, err = f.m.db.sentSenderKeyExists(testConvID, id)
			return err
		}))
		require.False(t, sent, id)
	}
	require.Equal(t, [][]string{{"departing"}}, f.jobs.users)
	require.NotNil(t, f.message(t, "msg-1"))
}

func TestSystemExitBySelfQuitsConversation(t *testing.T) {
	f := newFixture(t)
	f.createConversation(t, testConvID)
	f.crypto.senderKeys[pairKey(testConvID, selfID)] = true
	f.run(t, func() error {
		if err := f.m.db.upsertParticipant(&participant{ConversationID: testConvID, UserID: selfID, Status: ParticipantStatusSuccess, CreatedAt: currentTime}); err != nil {
			return err
		}
		return f.m.db.insertSentSenderKey(testConvID, peerID)
	})

	f.stageSystem(t, "msg-1", &SystemConversationPayload{Action: SystemActionExit, UserID: selfID, ParticipantID: selfID})
	f.drain()

	var conv *conversation
	require.NoError(t, f.m.db.RunReadOnly("testing", func() error {
		var err error
		conv, err = f.m.db.conversation(testConvID)
		return err
	}))
	require.Equal(t, ConversationStatusQuit, conv.Status)
	require.Nil(t, f.participant(t, testConvID, selfID))
	require.Nil(t, f.message(t, "msg-1"))
	require.Equal(t, 0, f.sender.ackCount("msg-1", MessageStatusRead))
	require.Equal(t, 0, f.stagedCount(t))
	// Leaving still retires the group key, so nothing sent after the
	// exit can ride the old chain.
	require.Contains(t, f.crypto.cleared, pairKey(testConvID, selfID))
	var sent bool
	require.NoError(t, f.m.db.RunReadOnly("testing", func() error {
		var err error
		sent, err = f.m.db.sentSenderKeyExists(testConvID, peerID)
		return err
	}))
	require.False(t, sent)
}

func TestSystemRoleUpdatesParticipant(t *testing.T) {
	f := newFixture(t)
	f.createConversation(t, testConvID)
	f.run(t, func() error {
		return f.m.db.upsertParticipant(&participant{ConversationID: testConvID, UserID: peerID, Status: ParticipantStatusSuccess, CreatedAt: currentTime})
	})

	f.stageSystem(t, "msg-1", &SystemConversationPayload{Action: SystemActionRole, UserID: peerID, ParticipantID: peerID, Role: "ADMIN"})
	f.drain()

	p := f.participant(t, testConvID, peerID)
	require.Equal(t, "ADMIN", p.Role)
	require.NotContains(t, f.jobs.groupIcons, testConvID)
	require.Equal(t, 1, f.sender.ackCount("msg-1", MessageStatusRead))
}

func TestSystemMalformedPayloadReported(t *testing.T) {
	f := newFixture(t)
	f.createConversation(t, testConvID)

	f.stage(t, &stagedMessage{
		MessageID:      "msg-1",
		ConversationID: testConvID,
		UserID:         SystemUserID,
		Category:       "SYSTEM_CONVERSATION",
		Data:           "not base64 json at all",
	})
	f.drain()

	require.Equal(t, 1, f.reporter.count("system_decode"))
	require.Nil(t, f.message(t, "msg-1"))
	require.Equal(t, 0, f.sender.ackCount("msg-1", MessageStatusRead))
	require.Equal(t, 0, f.stagedCount(t))
}

func TestSystemMessageResolvesUnknownConversation(t *testing.T) {
	f := newFixture(t)
	f.api.conversations[testConvID] = &ConversationResponse{
		ConversationID: testConvID,
		OwnerID:        peerID,
		Category:       ConversationCategoryGroup,
		Name:           "chess club",
		Participants:   []*ParticipantResponse{{UserID: peerID, CreatedAt: currentTime}},
	}
	f.api.users[peerID] = &UserResponse{UserID: peerID, FullName: "Peer"}
	f.api.users["new-member"] = &UserResponse{UserID: "new-member", FullName: "Newcomer"}

	// A roster announce arriving before anything else still pulls the
	// full conversation, not just a placeholder.
	f.stageSystem(t, "msg-1", &SystemConversationPayload{Action: SystemActionAdd, UserID: peerID, ParticipantID: "new-member"})
	f.drain()

	var conv *conversation
	require.NoError(t, f.m.db.RunReadOnly("testing", func() error {
		var err error
		conv, err = f.m.db.conversation(testConvID)
		return err
	}))
	require.NotNil(t, conv)
	require.Equal(t, ConversationStatusSuccess, conv.Status)
	require.Equal(t, "chess club", conv.Name)
	require.NotNil(t, f.participant(t, testConvID, peerID))
	require.NotNil(t, f.participant(t, testConvID, "new-member"))
}

func TestSystemParticipantCannotBeSystemUser(t *testing.T) {
	f := newFixture(t)
	f.createConversation(t, testConvID)

	f.stageSystem(t, "msg-1", &SystemConversationPayload{Action: SystemActionAdd, UserID: peerID, ParticipantID: SystemUserID})
	f.drain()

	require.Equal(t, 1, f.reporter.count("system_participant"))
	require.Nil(t, f.participant(t, testConvID, SystemUserID))
	require.Equal(t, 0, f.sender.ackCount("msg-1", MessageStatusRead))
	require.Equal(t, 0, f.stagedCount(t))
}

func TestSystemRoleWithoutRoleRejected(t *testing.T) {
	f := newFixture(t)
	f.createConversation(t, testConvID)
	f.run(t, func() error {
		return f.m.db.upsertParticipant(&participant{ConversationID: testConvID, UserID: peerID, Role: "ADMIN", Status: ParticipantStatusSuccess, CreatedAt: currentTime})
	})

	f.stageSystem(t, "msg-1", &SystemConversationPayload{Action: SystemActionRole, UserID: peerID, ParticipantID: peerID})
	f.drain()

	require.Equal(t, 1, f.reporter.count("system_participant"))
	require.Equal(t, "ADMIN", f.participant(t, testConvID, peerID).Role)
	require.Equal(t, 0, f.sender.ackCount("msg-1", MessageStatusRead))
}

func TestSystemSnapshotStored(t *testing.T) {
	f := newFixture(t)
	f.createConversation(t, testConvID)
	f.api.users[peerID] = &UserResponse{UserID: peerID, FullName: "Peer"}
	f.api.assets["asset-1"] = &AssetResponse{AssetID: "asset-1", Symbol: "BTC", Name: "Bitcoin"}

	data, err := encodeBase64JSON(&SnapshotPayload{
		SnapshotID:    "snap-1",
		AssetID:       "asset-1",
		CounterUserID: peerID,
		Amount:        "0.5",
		Type:          "transfer",
	})
	require.NoError(t, err)
	f.stage(t, &stagedMessage{
		MessageID:      "msg-1",
		ConversationID: testConvID,
		UserID:         SystemUserID,
		Category:       "SYSTEM_ACCOUNT_SNAPSHOT",
		Data:           data,
	})
	f.drain()

	m := f.message(t, "msg-1")
	require.NotNil(t, m)
	require.Equal(t, "snap-1", m.SnapshotID)
	require.Equal(t, 1, f.sender.ackCount("msg-1", MessageStatusRead))
	var count int
	require.NoError(t, f.m.db.RunReadOnly("testing", func() error {
		return f.m.db.Tx.Get(&count, "SELECT COUNT(*) FROM snapshots WHERE snapshot_id = ?", "snap-1")
	}))
	require.Equal(t, 1, count)
}

func TestSystemSnapshotAssetMissSchedulesRefresh(t *testing.T) {
	f := newFixture(t)
	f.createConversation(t, testConvID)

	data, err := encodeBase64JSON(&SnapshotPayload{
		SnapshotID: "snap-1",
		AssetID:    "asset-unknown",
		Amount:     "1",
		Type:       "transfer",
	})
	require.NoError(t, err)
	f.stage(t, &stagedMessage{
		MessageID:      "msg-1",
		ConversationID: testConvID,
		UserID:         SystemUserID,
		Category:       "SYSTEM_ACCOUNT_SNAPSHOT",
		Data:           data,
	})
	f.drain()

	require.Contains(t, f.jobs.assets, "asset-unknown")
	require.NotNil(t, f.message(t, "msg-1"))
}
