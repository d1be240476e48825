package kestrel

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kestrel-im/go-kestrel/config"
	"github.com/kestrel-im/go-kestrel/pipeline"
	"github.com/kestrel-im/go-kestrel/ratchet"
	"github.com/stretchr/testify/require"
)

var key = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

type stubAPI struct{}

func (a *stubAPI) Conversation(conversationID string) (*pipeline.ConversationResponse, error) {
	return &pipeline.ConversationResponse{ConversationID: conversationID, Category: "GROUP"}, nil
}

func (a *stubAPI) User(userID string) (*pipeline.UserResponse, error) {
	return &pipeline.UserResponse{UserID: userID}, nil
}

func (a *stubAPI) Users(userIDs []string) ([]*pipeline.UserResponse, error) {
	out := make([]*pipeline.UserResponse, len(userIDs))
	for i, id := range userIDs {
		out[i] = &pipeline.UserResponse{UserID: id}
	}
	return out, nil
}

func (a *stubAPI) Asset(assetID string) (*pipeline.AssetResponse, error) {
	return &pipeline.AssetResponse{AssetID: assetID}, nil
}

func (a *stubAPI) StickerAlbum(albumID string) ([]*pipeline.StickerResponse, error) {
	return nil, nil
}

func (a *stubAPI) SignalKeyCount() (int, error) {
	return 10000, nil
}

type stubSender struct {
	mu   sync.Mutex
	acks map[string]string
}

func (s *stubSender) SendAck(messageID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acks == nil {
		s.acks = make(map[string]string)
	}
	s.acks[messageID] = status
	return nil
}

func (s *stubSender) ackFor(messageID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acks[messageID]
}

func (s *stubSender) SendControl(conversationID, recipientID string, payload *pipeline.PlainPayload) error {
	return nil
}

func (s *stubSender) ResendMessages(conversationID, recipientID string, messageIDs []string) error {
	return nil
}

func (s *stubSender) SendRaw(envelope *pipeline.Envelope) error {
	return nil
}

type stubJobs struct{}

func (j *stubJobs) RefreshConversation(conversationID string) {}
func (j *stubJobs) RefreshUsers(userIDs []string)             {}
func (j *stubJobs) RefreshStickers(albumID string)            {}
func (j *stubJobs) RefreshGroupIcon(conversationID string)    {}
func (j *stubJobs) RefreshAssets(assetID string)              {}

type stubSession struct{}

func (s *stubSession) LoggedIn() bool {
	return true
}

func (s *stubSession) SelfID() string {
	return "5d4d2c1c-f4e2-4735-9b4c-5146188e0a0b"
}

func newKestrel(t *testing.T) (*Kestrel, *stubSender) {
	c := config.NewConfig(config.WithRootDir(t.TempDir()), config.WithLoggingPrefix("test"))
	sender := &stubSender{}
	k, err := New(c, &stubAPI{}, sender, &stubJobs{}, nil, &stubSession{})
	require.NoError(t, err)
	return k, sender
}

func TestLifecycle(t *testing.T) {
	require := require.New(t)
	k, _ := newKestrel(t)

	require.True(k.New())
	require.NoError(k.Initialize(key))
	require.True(k.Running())
	require.NoError(k.Shutdown())
	require.True(k.Initialized())

	require.NoError(k.Open(key))
	require.True(k.Running())
	require.NoError(k.Shutdown())
}

func TestEnvelopeFlowsThroughPipeline(t *testing.T) {
	require := require.New(t)
	k, sender := newKestrel(t)
	require.NoError(k.Initialize(key))
	defer func() {
		require.NoError(k.Shutdown())
	}()

	data, err := json.Marshal(map[string]interface{}{
		"conversation_id": "09115a59-cb8f-4e29-b1a9-82efe412eb7d",
		"message_id":      "ffa2bc02-05a7-4957-b5d3-b9c4c0649bf1",
		"user_id":         "a5b237fe-b277-4a04-bb26-7715ab9c13e0",
		"category":        "PLAIN_TEXT",
		"data":            base64.StdEncoding.EncodeToString([]byte("hello there")),
		"status":          "SENT",
		"created_at":      uint64(1351700038),
	})
	require.NoError(err)
	require.NoError(k.OnEnvelopeReceived(&pipeline.Envelope{
		ID:     "envelope-1",
		Action: "CREATE_MESSAGE",
		Data:   data,
	}))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if sender.ackFor("ffa2bc02-05a7-4957-b5d3-b9c4c0649bf1") == "DELIVERED" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("message never acknowledged")
}

func TestEncryptRequiresSession(t *testing.T) {
	require := require.New(t)
	k, _ := newKestrel(t)
	require.NoError(k.Initialize(key))
	defer func() {
		require.NoError(k.Shutdown())
	}()

	_, err := k.Encrypt("conv", "peer", []byte("hello"))
	require.ErrorIs(err, ratchet.ErrNoSession)
}
