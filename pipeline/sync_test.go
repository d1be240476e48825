package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSyncConversationFetchesRemote(t *testing.T) {
	f := newFixture(t)
	f.api.conversations[testConvID] = &ConversationResponse{
		ConversationID: testConvID,
		OwnerID:        peerID,
		Category:       ConversationCategoryGroup,
		Name:           "chess club",
		Participants: []*ParticipantResponse{
			{UserID: selfID, CreatedAt: currentTime},
			{UserID: peerID, Role: "ADMIN", CreatedAt: currentTime},
		},
	}
	f.api.users[peerID] = &UserResponse{UserID: peerID, FullName: "Peer"}

	f.stage(t, &stagedMessage{
		MessageID:      "msg-1",
		ConversationID: testConvID,
		UserID:         peerID,
		Category:       "PLAIN_TEXT",
		Data:           b64("hello"),
	})
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
	require.NotNil(t, f.participant(t, testConvID, selfID))
	var exists bool
	require.NoError(t, f.m.db.RunReadOnly("testing", func() error {
		var err error
		exists, err = f.m.db.userExists(peerID)
		return err
	}))
	require.True(t, exists)
	require.NotNil(t, f.message(t, "msg-1"))
}

func TestSyncConversationPlaceholderOnFailure(t *testing.T) {
	f := newFixture(t)
	f.api.convErr = errors.New("remote unreachable")

	f.stage(t, &stagedMessage{
		MessageID:      "msg-1",
		ConversationID: testConvID,
		UserID:         peerID,
		Category:       "PLAIN_TEXT",
		Data:           b64("hello"),
	})
	f.drain()

	var conv *conversation
	require.NoError(t, f.m.db.RunReadOnly("testing", func() error {
		var err error
		conv, err = f.m.db.conversation(testConvID)
		return err
	}))
	require.NotNil(t, conv)
	require.Equal(t, ConversationStatusStart, conv.Status)
	require.Equal(t, peerID, conv.OwnerID)
	require.Contains(t, f.jobs.conversations, testConvID)
	// The message still lands so it is not lost while the conversation
	// reconciles.
	require.NotNil(t, f.message(t, "msg-1"))
}

func TestSyncConversationSkipsKnown(t *testing.T) {
	f := newFixture(t)
	f.createConversation(t, testConvID)
	f.api.convErr = errors.New("remote unreachable")

	f.stage(t, &stagedMessage{
		MessageID:      "msg-1",
		ConversationID: testConvID,
		UserID:         peerID,
		Category:       "PLAIN_TEXT",
		Data:           b64("hello"),
	})
	f.drain()

	require.Empty(t, f.jobs.conversations)
	require.NotNil(t, f.message(t, "msg-1"))
}

func TestCheckUserCachesRemote(t *testing.T) {
	f := newFixture(t)
	f.api.users[peerID] = &UserResponse{UserID: peerID, FullName: "Peer"}

	var status int
	f.run(t, func() error {
		status = f.m.checkUser(peerID, true)
		return nil
	})
	require.Equal(t, ParticipantStatusSuccess, status)

	// A second check hits the local row, not the remote.
	f.api.userErr = errors.New("remote unreachable")
	f.run(t, func() error {
		status = f.m.checkUser(peerID, true)
		return nil
	})
	require.Equal(t, ParticipantStatusSuccess, status)
}

func TestCheckUserUnknownRemotely(t *testing.T) {
	f := newFixture(t)

	var status int
	f.run(t, func() error {
		status = f.m.checkUser("ghost", true)
		return nil
	})
	require.Equal(t, ParticipantStatusError, status)
}

func TestCheckUserBlankIDIsError(t *testing.T) {
	f := newFixture(t)

	var status int
	f.run(t, func() error {
		status = f.m.checkUser("", true)
		return nil
	})
	require.Equal(t, ParticipantStatusError, status)
	require.Empty(t, f.jobs.users)
}

func TestSyncUserFailureSchedulesRefresh(t *testing.T) {
	f := newFixture(t)
	f.api.userErr = errors.New("remote unreachable")

	// A transient fetch failure resolves immediately instead of holding
	// the handling transaction open while retrying.
	var found bool
	f.run(t, func() error {
		var err error
		found, err = f.m.syncUser(peerID)
		return err
	})
	require.False(t, found)
	require.Equal(t, [][]string{{peerID}}, f.jobs.users)
}

func TestCheckUserRemoteFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	f.api.userErr = errors.New("remote unreachable")

	var status int
	f.run(t, func() error {
		status = f.m.checkUser(peerID, true)
		return nil
	})
	require.Equal(t, ParticipantStatusStart, status)
	require.Equal(t, [][]string{{peerID}}, f.jobs.users)
}

func TestCheckPrekeysTopsUpBelowLowWater(t *testing.T) {
	f := newFixture(t)
	f.api.keyCount = 5

	f.run(t, func() error {
		return f.m.checkPrekeys()
	})

	require.Len(t, f.sender.raws, 1)
	require.Equal(t, ActionSyncSignalKeys, f.sender.raws[0].Action)
	require.Equal(t, f.m.config.PrekeyLowWater, f.crypto.generated)
}

func TestCheckPrekeysQuietWhenStocked(t *testing.T) {
	f := newFixture(t)
	f.api.keyCount = 10000

	f.run(t, func() error {
		return f.m.checkPrekeys()
	})

	require.Empty(t, f.sender.raws)
	require.Equal(t, 0, f.crypto.generated)
}
