package pipeline

import (
	"errors"
	"fmt"

	"github.com/kestrel-im/go-kestrel/ratchet"
)

// Crypto is the ratchet session collaborator. The concrete implementation
// lives in the ratchet package, tests substitute fakes. All methods are
// called from the drain lane inside an open transaction.
type Crypto interface {
	Decrypt(conversationID, senderID string, keyType uint8, cipher []byte) ([]byte, error)
	RatchetStatus(conversationID, senderID string) (string, error)
	SetRatchetStatus(conversationID, senderID, status string) error
	DeleteRatchetStatus(conversationID, senderID string) error
	DeleteSession(conversationID, senderID string) error
	HasSession(userID string) (bool, error)
	HasSenderKey(conversationID, senderID string) (bool, error)
	ClearSenderKey(conversationID, senderID string) error
	GeneratePrekeys(n int) ([]*ratchet.Prekey, error)
}

// APIError carries a remote status code. 404-class errors are terminal, the
// rest are retryable.
type APIError struct {
	Status      int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Description)
}

func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 404
}

type ParticipantResponse struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	CreatedAt uint64 `json:"created_at"`
}

type ConversationResponse struct {
	ConversationID string                 `json:"conversation_id"`
	OwnerID        string                 `json:"owner_id"`
	Category       string                 `json:"category"`
	Name           string                 `json:"name"`
	Participants   []*ParticipantResponse `json:"participants"`
}

type UserResponse struct {
	UserID         string `json:"user_id"`
	IdentityNumber string `json:"identity_number"`
	FullName       string `json:"full_name"`
	AvatarURL      string `json:"avatar_url"`
}

type AssetResponse struct {
	AssetID string `json:"asset_id"`
	Symbol  string `json:"symbol"`
	Name    string `json:"name"`
	IconURL string `json:"icon_url"`
}

type StickerResponse struct {
	StickerID string `json:"sticker_id"`
	AlbumID   string `json:"album_id"`
	Name      string `json:"name"`
	AssetURL  string `json:"asset_url"`
}

// RemoteAPI is the black-box HTTP collaborator.
type RemoteAPI interface {
	Conversation(conversationID string) (*ConversationResponse, error)
	User(userID string) (*UserResponse, error)
	Users(userIDs []string) ([]*UserResponse, error)
	Asset(assetID string) (*AssetResponse, error)
	StickerAlbum(albumID string) ([]*StickerResponse, error)
	SignalKeyCount() (int, error)
}

// Sender is the outbound send collaborator. The pipeline only acknowledges,
// issues repair control messages and uploads key batches through it.
type Sender interface {
	SendAck(messageID, status string) error
	SendControl(conversationID, recipientID string, payload *PlainPayload) error
	ResendMessages(conversationID, recipientID string, messageIDs []string) error
	SendRaw(envelope *Envelope) error
}

// JobScheduler enqueues fire-and-forget reconciliation jobs by identifier.
type JobScheduler interface {
	RefreshConversation(conversationID string)
	RefreshUsers(userIDs []string)
	RefreshStickers(albumID string)
	RefreshGroupIcon(conversationID string)
	RefreshAssets(assetID string)
}

// Reporter is the telemetry sink. It never affects control flow.
type Reporter interface {
	ReportError(action string, fields map[string]string)
}

// SessionState exposes the authentication state of the local account.
type SessionState interface {
	LoggedIn() bool
	SelfID() string
}
