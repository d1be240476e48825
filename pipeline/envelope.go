package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Envelope actions delivered by the realtime transport.
const (
	ActionAcknowledgeMessageReceipt = "ACKNOWLEDGE_MESSAGE_RECEIPT"
	ActionCreateMessage             = "CREATE_MESSAGE"
	ActionSyncSignalKeys            = "SYNC_SIGNAL_KEYS"
)

// Control actions carried inside PLAIN_JSON payloads.
const (
	PlainActionResendKey      = "RESEND_KEY"
	PlainActionResendMessages = "RESEND_MESSAGES"
	PlainActionNoKey          = "NO_KEY"
	PlainActionSendKey        = "SEND_KEY"
)

// System conversation actions.
const (
	SystemActionAdd    = "ADD"
	SystemActionJoin   = "JOIN"
	SystemActionRemove = "REMOVE"
	SystemActionExit   = "EXIT"
	SystemActionCreate = "CREATE"
	SystemActionRole   = "ROLE"
	SystemActionUpdate = "UPDATE"
)

// An opaque envelope as delivered by the transport. The transport owns the
// connection lifecycle, the pipeline only consumes these.
type Envelope struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// The normalized message shape carried in a CREATE_MESSAGE or
// ACKNOWLEDGE_MESSAGE_RECEIPT envelope.
type EnvelopeData struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         string `json:"user_id"`
	Category       string `json:"category"`
	Data           string `json:"data"`
	Status         string `json:"status"`
	Source         string `json:"source"`
	CreatedAt      uint64 `json:"created_at"`
	UpdatedAt      uint64 `json:"updated_at"`
}

func (e *Envelope) DecodeData() (*EnvelopeData, error) {
	d := &EnvelopeData{}
	if err := json.Unmarshal(e.Data, d); err != nil {
		return nil, fmt.Errorf("pipeline: error decoding envelope data: %w", err)
	}
	return d, nil
}

// The header prefixed to every encrypted payload.
type SignalHeader struct {
	KeyType         uint8  `json:"key_type"`
	Cipher          []byte `json:"cipher"`
	ResendMessageID string `json:"resend_message_id,omitempty"`
}

func decodeSignalHeader(data string) (*SignalHeader, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline: error decoding signal header: %w", err)
	}
	h := &SignalHeader{}
	if err := json.Unmarshal(raw, h); err != nil {
		return nil, fmt.Errorf("pipeline: error decoding signal header: %w", err)
	}
	return h, nil
}

func encodeSignalHeader(h *SignalHeader) (string, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// An attachment descriptor shared inside image and data payloads.
type AttachmentPayload struct {
	AttachmentID string `json:"attachment_id"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	Key          []byte `json:"key,omitempty"`
	Digest       []byte `json:"digest,omitempty"`
	Name         string `json:"name,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
}

type StickerPayload struct {
	StickerID string `json:"sticker_id"`
	AlbumID   string `json:"album_id"`
	Name      string `json:"name"`
}

type ContactPayload struct {
	UserID string `json:"user_id"`
}

// A control payload carried in PLAIN_JSON messages and outbound control
// sends.
type PlainPayload struct {
	Action    string   `json:"action"`
	MessageID string   `json:"message_id,omitempty"`
	Messages  []string `json:"messages,omitempty"`
}

type SystemConversationPayload struct {
	Action        string `json:"action"`
	UserID        string `json:"user_id,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	Role          string `json:"role,omitempty"`
}

type SnapshotPayload struct {
	SnapshotID    string `json:"snapshot_id"`
	AssetID       string `json:"asset_id"`
	CounterUserID string `json:"counter_user_id,omitempty"`
	Amount        string `json:"amount"`
	Type          string `json:"type"`
}

func decodeBase64JSON(data string, out interface{}) error {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("pipeline: error decoding payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("pipeline: error decoding payload: %w", err)
	}
	return nil
}

func encodeBase64JSON(in interface{}) (string, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
