package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func stagePlainControl(t *testing.T, f *fixture, messageID string, payload *PlainPayload) {
	data, err := encodeBase64JSON(payload)
	require.NoError(t, err)
	f.stage(t, &stagedMessage{
		MessageID:      messageID,
		ConversationID: testConvID,
		UserID:         peerID,
		Category:       "PLAIN_JSON",
		Data:           data,
	})
}

func TestPlainResendKeyAnswersWithKey(t *testing.T) {
	f := newFixture(t)
	f.createConversation(t, testConvID)
	f.crypto.sessions[peerID] = true

	stagePlainControl(t, f, "msg-1", &PlainPayload{Action: PlainActionResendKey})
	f.drain()

	require.Equal(t, 1, f.sender.controlCount(PlainActionSendKey))
	require.Equal(t, 1, f.sender.ackCount("msg-1", MessageStatusRead))
	require.Equal(t, 0, f.stagedCount(t))
}

func TestPlainResendKeyWithoutSessionIgnored(t *testing.T) {
	f := newFixture(t)
	f.createConversation(t, testConvID)

	stagePlainControl(t, f, "msg-1", &PlainPayload{Action: PlainActionResendKey})
	f.drain()

	require.Equal(t, 0, f.sender.controlCount(PlainActionSendKey))
	require.Equal(t, 1, f.sender.ackCount("msg-1", MessageStatusRead))
}

func TestPlainResendMessagesForwarded(t *testing.T) {
	f := newFixture(t)
	f.createConversation(t, testConvID)

	stagePlainControl(t, f, "msg-1", &PlainPayload{Action: PlainActionResendMessages, Messages: []string{"msg-a", "msg-b"}})
	f.drain()

	require.Len(t, f.sender.resends, 1)
	require.Equal(t, []string{"msg-a", "msg-b"}, f.sender.resends[0].messageIDs)
	require.Equal(t, peerID, f.sender.resends[0].recipientID)
}

func TestPlainNoKeyDropsRequestingStatus(t *testing.T) {
	f := newFixture(t)
	f.createConversation(t, testConvID)
	require.NoError(t, f.crypto.SetRatchetStatus(testConvID, peerID, "REQUESTING"))

	stagePlainControl(t, f, "msg-1", &PlainPayload{Action: PlainActionNoKey})
	f.drain()

	status, err := f.crypto.RatchetStatus(testConvID, peerID)
	require.NoError(t, err)
	require.Equal(t, "", status)
}

func TestPlainControlNotReplayed(t *testing.T) {
	f := newFixture(t)
	f.createConversation(t, testConvID)
	f.crypto.sessions[peerID] = true

	stagePlainControl(t, f, "msg-1", &PlainPayload{Action: PlainActionResendKey})
	f.drain()
	// Redelivery of a handled control message is dropped outright.
	stagePlainControl(t, f, "msg-1", &PlainPayload{Action: PlainActionResendKey})
	f.drain()

	require.Equal(t, 1, f.sender.controlCount(PlainActionSendKey))
	require.Equal(t, 1, f.sender.ackCount("msg-1", MessageStatusRead))
	require.Equal(t, 0, f.sender.ackCount("msg-1", MessageStatusDelivered))
	require.Equal(t, 0, f.stagedCount(t))
}
