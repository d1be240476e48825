package pipeline

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/kestrel-im/go-kestrel/internal/db"
	"github.com/kestrel-im/go-kestrel/migration"
)

const (
	MessageStatusSending   = "SENDING"
	MessageStatusSent      = "SENT"
	MessageStatusDelivered = "DELIVERED"
	MessageStatusRead      = "READ"
	MessageStatusFailed    = "FAILED"
)

const (
	ConversationStatusStart   = 0
	ConversationStatusSuccess = 1
	ConversationStatusQuit    = 2

	ConversationCategoryDirect = "DIRECT"
	ConversationCategoryGroup  = "GROUP"
)

const (
	ParticipantStatusStart   = 0
	ParticipantStatusSuccess = 1
	ParticipantStatusError   = 2
)

// SystemUserID is the reserved sender for network-originated conversation
// and snapshot messages.
const SystemUserID = "00000000-0000-0000-0000-000000000000"

const statusOffsetKey = "last_ack_offset"

type stagedMessage struct {
	MessageID      string `db:"message_id"`
	ConversationID string `db:"conversation_id"`
	UserID         string `db:"user_id"`
	Category       string `db:"category"`
	Data           string `db:"data"`
	Status         string `db:"status"`
	Source         string `db:"source"`
	CreatedAt      uint64 `db:"created_at"`
}

type message struct {
	MessageID      string `db:"message_id"`
	ConversationID string `db:"conversation_id"`
	UserID         string `db:"user_id"`
	Category       string `db:"category"`
	Content        string `db:"content"`
	MediaURL       string `db:"media_url"`
	MediaMimeType  string `db:"media_mime_type"`
	MediaSize      int64  `db:"media_size"`
	MediaKey       []byte `db:"media_key"`
	MediaDigest    []byte `db:"media_digest"`
	StickerID      string `db:"sticker_id"`
	SharedUserID   string `db:"shared_user_id"`
	SnapshotID     string `db:"snapshot_id"`
	Status         string `db:"status"`
	CreatedAt      uint64 `db:"created_at"`
}

type conversation struct {
	ConversationID string `db:"conversation_id"`
	OwnerID        string `db:"owner_id"`
	Category       string `db:"category"`
	Name           string `db:"name"`
	Status         int    `db:"status"`
	CreatedAt      uint64 `db:"created_at"`
}

type participant struct {
	ConversationID string `db:"conversation_id"`
	UserID         string `db:"user_id"`
	Role           string `db:"role"`
	Status         int    `db:"status"`
	CreatedAt      uint64 `db:"created_at"`
}

type user struct {
	UserID         string `db:"user_id"`
	IdentityNumber string `db:"identity_number"`
	FullName       string `db:"full_name"`
	AvatarURL      string `db:"avatar_url"`
}

type sticker struct {
	StickerID string `db:"sticker_id"`
	AlbumID   string `db:"album_id"`
	Name      string `db:"name"`
	AssetURL  string `db:"asset_url"`
}

type snapshot struct {
	SnapshotID string `db:"snapshot_id"`
	Type       string `db:"type"`
	AssetID    string `db:"asset_id"`
	Amount     string `db:"amount"`
	OpponentID string `db:"opponent_id"`
	CreatedAt  uint64 `db:"created_at"`
}

type asset struct {
	AssetID string `db:"asset_id"`
	Symbol  string `db:"symbol"`
	Name    string `db:"name"`
	IconURL string `db:"icon_url"`
}

type database struct {
	*db.Database
}

var migrations = []*migration.Migration{
	{
		Name: "create initial tables",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE _staged_messages (
	message_id text primary key,
	conversation_id text not null,
	user_id text not null,
	category text not null,
	data text not null,
	status text not null,
	source text not null,
	created_at integer not null
);
CREATE INDEX staged_messages_order ON _staged_messages (created_at, message_id);
CREATE TABLE messages (
	message_id text primary key,
	conversation_id text not null,
	user_id text not null,
	category text not null,
	content text not null default '',
	media_url text not null default '',
	media_mime_type text not null default '',
	media_size integer not null default 0,
	media_key blob,
	media_digest blob,
	sticker_id text not null default '',
	shared_user_id text not null default '',
	snapshot_id text not null default '',
	status text not null,
	created_at integer not null
);
CREATE INDEX messages_conversation ON messages (conversation_id, created_at);
CREATE TABLE messages_history (
	message_id text primary key
);
CREATE TABLE conversations (
	conversation_id text primary key,
	owner_id text not null default '',
	category text not null default '',
	name text not null default '',
	status integer not null,
	created_at integer not null
);
CREATE TABLE participants (
	conversation_id text not null,
	user_id text not null,
	role text not null default '',
	status integer not null,
	created_at integer not null
);
CREATE UNIQUE INDEX participants_pair ON participants (conversation_id, user_id);
CREATE TABLE users (
	user_id text primary key,
	identity_number text not null default '',
	full_name text not null default '',
	avatar_url text not null default ''
);
CREATE TABLE stickers (
	sticker_id text primary key,
	album_id text not null default '',
	name text not null default '',
	asset_url text not null default ''
);
CREATE TABLE snapshots (
	snapshot_id text primary key,
	type text not null default '',
	asset_id text not null default '',
	amount text not null default '',
	opponent_id text not null default '',
	created_at integer not null
);
CREATE TABLE assets (
	asset_id text primary key,
	symbol text not null default '',
	name text not null default '',
	icon_url text not null default ''
);
CREATE TABLE sent_sender_keys (
	conversation_id text not null,
	user_id text not null
);
CREATE UNIQUE INDEX sent_sender_keys_pair ON sent_sender_keys (conversation_id, user_id);
CREATE TABLE _properties (
	key text primary key,
	value text not null
);
			`)
			return err
		},
	},
}

func (d *database) migrate() error {
	return d.MigrateNoLock("_pipeline", migrations)
}

func (d *database) insertStagedMessage(sm *stagedMessage) error {
	_, err := d.Tx.Exec("INSERT OR REPLACE INTO _staged_messages (message_id, conversation_id, user_id, category, data, status, source, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", sm.MessageID, sm.ConversationID, sm.UserID, sm.Category, sm.Data, sm.Status, sm.Source, sm.CreatedAt)
	if err != nil {
		return fmt.Errorf("pipeline: inserting staged message: %w", err)
	}
	return nil
}

func (d *database) stagedMessages(limit int) ([]*stagedMessage, error) {
	rows := make([]*stagedMessage, 0, limit)
	if err := d.Tx.Select(&rows, "SELECT message_id, conversation_id, user_id, category, data, status, source, created_at FROM _staged_messages ORDER BY created_at, message_id LIMIT ?", limit); err != nil {
		return nil, fmt.Errorf("pipeline: selecting staged messages: %w", err)
	}
	return rows, nil
}

func (d *database) deleteStagedMessage(messageID string) error {
	if _, err := d.Tx.Exec("DELETE FROM _staged_messages WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("pipeline: deleting staged message: %w", err)
	}
	return nil
}

func (d *database) countStagedMessages() (int, error) {
	var count int
	if err := d.Tx.Get(&count, "SELECT COUNT(*) FROM _staged_messages"); err != nil {
		return 0, fmt.Errorf("pipeline: counting staged messages: %w", err)
	}
	return count, nil
}

func (d *database) isMessageHandled(messageID string) (bool, error) {
	var count int
	if err := d.Tx.Get(&count, "SELECT COUNT(*) FROM (SELECT message_id FROM messages WHERE message_id = ? UNION SELECT message_id FROM messages_history WHERE message_id = ?)", messageID, messageID); err != nil {
		return false, fmt.Errorf("pipeline: checking message: %w", err)
	}
	return count != 0, nil
}

func (d *database) insertMessage(m *message) error {
	_, err := d.Tx.Exec(`INSERT OR REPLACE INTO messages
	(message_id, conversation_id, user_id, category, content, media_url, media_mime_type, media_size, media_key, media_digest, sticker_id, shared_user_id, snapshot_id, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.ConversationID, m.UserID, m.Category, m.Content, m.MediaURL, m.MediaMimeType, m.MediaSize, m.MediaKey, m.MediaDigest, m.StickerID, m.SharedUserID, m.SnapshotID, m.Status, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("pipeline: inserting message: %w", err)
	}
	return nil
}

func (d *database) replaceMessageHistory(messageID string) error {
	if _, err := d.Tx.Exec("INSERT OR REPLACE INTO messages_history (message_id) VALUES (?)", messageID); err != nil {
		return fmt.Errorf("pipeline: recording message history: %w", err)
	}
	return nil
}

func (d *database) updateMessageStatus(messageID, status string) error {
	if _, err := d.Tx.Exec("UPDATE messages SET status = ? WHERE message_id = ?", status, messageID); err != nil {
		return fmt.Errorf("pipeline: updating message status: %w", err)
	}
	return nil
}

func (d *database) updateMessageContentAndStatus(messageID, content, status string) error {
	if _, err := d.Tx.Exec("UPDATE messages SET content = ?, status = ? WHERE message_id = ?", content, status, messageID); err != nil {
		return fmt.Errorf("pipeline: updating message content: %w", err)
	}
	return nil
}

func (d *database) updateMediaMessage(messageID string, a *AttachmentPayload, status string) error {
	if _, err := d.Tx.Exec("UPDATE messages SET content = ?, media_url = ?, media_mime_type = ?, media_size = ?, media_key = ?, media_digest = ?, status = ? WHERE message_id = ?", a.AttachmentID, a.AttachmentID, a.MimeType, a.Size, a.Key, a.Digest, status, messageID); err != nil {
		return fmt.Errorf("pipeline: updating media message: %w", err)
	}
	return nil
}

func (d *database) updateStickerMessage(messageID, stickerID, status string) error {
	if _, err := d.Tx.Exec("UPDATE messages SET sticker_id = ?, status = ? WHERE message_id = ?", stickerID, status, messageID); err != nil {
		return fmt.Errorf("pipeline: updating sticker message: %w", err)
	}
	return nil
}

func (d *database) updateContactMessage(messageID, sharedUserID, status string) error {
	if _, err := d.Tx.Exec("UPDATE messages SET shared_user_id = ?, status = ? WHERE message_id = ?", sharedUserID, status, messageID); err != nil {
		return fmt.Errorf("pipeline: updating contact message: %w", err)
	}
	return nil
}

func (d *database) message(messageID string) (*message, error) {
	var m message
	err := d.Tx.Get(&m, "SELECT message_id, conversation_id, user_id, category, content, media_url, media_mime_type, media_size, media_key, media_digest, sticker_id, shared_user_id, snapshot_id, status, created_at FROM messages WHERE message_id = ?", messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("pipeline: selecting message: %w", err)
	}
	return &m, nil
}

func (d *database) failedMessageIDs(conversationID, userID string) ([]string, error) {
	ids := make([]string, 0)
	if err := d.Tx.Select(&ids, "SELECT message_id FROM messages WHERE conversation_id = ? AND user_id = ? AND status = ? ORDER BY created_at DESC", conversationID, userID, MessageStatusFailed); err != nil {
		return nil, fmt.Errorf("pipeline: selecting failed messages: %w", err)
	}
	return ids, nil
}

func (d *database) conversation(conversationID string) (*conversation, error) {
	var c conversation
	err := d.Tx.Get(&c, "SELECT conversation_id, owner_id, category, name, status, created_at FROM conversations WHERE conversation_id = ?", conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("pipeline: selecting conversation: %w", err)
	}
	return &c, nil
}

func (d *database) insertConversation(c *conversation) error {
	if _, err := d.Tx.Exec("INSERT OR REPLACE INTO conversations (conversation_id, owner_id, category, name, status, created_at) VALUES (?, ?, ?, ?, ?, ?)", c.ConversationID, c.OwnerID, c.Category, c.Name, c.Status, c.CreatedAt); err != nil {
		return fmt.Errorf("pipeline: inserting conversation: %w", err)
	}
	return nil
}

func (d *database) updateConversationOwner(conversationID, ownerID string) error {
	if _, err := d.Tx.Exec("UPDATE conversations SET owner_id = ? WHERE conversation_id = ?", ownerID, conversationID); err != nil {
		return fmt.Errorf("pipeline: updating conversation owner: %w", err)
	}
	return nil
}

func (d *database) quitConversation(conversationID string) error {
	if _, err := d.Tx.Exec("UPDATE conversations SET status = ? WHERE conversation_id = ?", ConversationStatusQuit, conversationID); err != nil {
		return fmt.Errorf("pipeline: quitting conversation: %w", err)
	}
	if _, err := d.Tx.Exec("DELETE FROM participants WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("pipeline: deleting participants: %w", err)
	}
	return nil
}

func (d *database) upsertParticipant(p *participant) error {
	if _, err := d.Tx.Exec("INSERT OR REPLACE INTO participants (conversation_id, user_id, role, status, created_at) VALUES (?, ?, ?, ?, ?)", p.ConversationID, p.UserID, p.Role, p.Status, p.CreatedAt); err != nil {
		return fmt.Errorf("pipeline: upserting participant: %w", err)
	}
	return nil
}

func (d *database) removeParticipant(conversationID, userID string) error {
	if _, err := d.Tx.Exec("DELETE FROM participants WHERE conversation_id = ? AND user_id = ?", conversationID, userID); err != nil {
		return fmt.Errorf("pipeline: removing participant: %w", err)
	}
	return nil
}

func (d *database) updateParticipantRole(conversationID, userID, role string) error {
	if _, err := d.Tx.Exec("UPDATE participants SET role = ? WHERE conversation_id = ? AND user_id = ?", role, conversationID, userID); err != nil {
		return fmt.Errorf("pipeline: updating participant role: %w", err)
	}
	return nil
}

func (d *database) userExists(userID string) (bool, error) {
	var count int
	if err := d.Tx.Get(&count, "SELECT COUNT(*) FROM users WHERE user_id = ?", userID); err != nil {
		return false, fmt.Errorf("pipeline: checking user: %w", err)
	}
	return count != 0, nil
}

func (d *database) upsertUser(u *user) error {
	if _, err := d.Tx.Exec("INSERT OR REPLACE INTO users (user_id, identity_number, full_name, avatar_url) VALUES (?, ?, ?, ?)", u.UserID, u.IdentityNumber, u.FullName, u.AvatarURL); err != nil {
		return fmt.Errorf("pipeline: upserting user: %w", err)
	}
	return nil
}

func (d *database) stickerExists(stickerID string) (bool, error) {
	var count int
	if err := d.Tx.Get(&count, "SELECT COUNT(*) FROM stickers WHERE sticker_id = ?", stickerID); err != nil {
		return false, fmt.Errorf("pipeline: checking sticker: %w", err)
	}
	return count != 0, nil
}

func (d *database) upsertSticker(s *sticker) error {
	if _, err := d.Tx.Exec("INSERT OR REPLACE INTO stickers (sticker_id, album_id, name, asset_url) VALUES (?, ?, ?, ?)", s.StickerID, s.AlbumID, s.Name, s.AssetURL); err != nil {
		return fmt.Errorf("pipeline: upserting sticker: %w", err)
	}
	return nil
}

func (d *database) replaceSnapshot(s *snapshot) error {
	if _, err := d.Tx.Exec("INSERT OR REPLACE INTO snapshots (snapshot_id, type, asset_id, amount, opponent_id, created_at) VALUES (?, ?, ?, ?, ?, ?)", s.SnapshotID, s.Type, s.AssetID, s.Amount, s.OpponentID, s.CreatedAt); err != nil {
		return fmt.Errorf("pipeline: replacing snapshot: %w", err)
	}
	return nil
}

func (d *database) upsertAsset(a *asset) error {
	if _, err := d.Tx.Exec("INSERT OR REPLACE INTO assets (asset_id, symbol, name, icon_url) VALUES (?, ?, ?, ?)", a.AssetID, a.Symbol, a.Name, a.IconURL); err != nil {
		return fmt.Errorf("pipeline: upserting asset: %w", err)
	}
	return nil
}

func (d *database) sentSenderKeyExists(conversationID, userID string) (bool, error) {
	var count int
	if err := d.Tx.Get(&count, "SELECT COUNT(*) FROM sent_sender_keys WHERE conversation_id = ? AND user_id = ?", conversationID, userID); err != nil {
		return false, fmt.Errorf("pipeline: checking sent sender key: %w", err)
	}
	return count != 0, nil
}

func (d *database) insertSentSenderKey(conversationID, userID string) error {
	if _, err := d.Tx.Exec("INSERT OR REPLACE INTO sent_sender_keys (conversation_id, user_id) VALUES (?, ?)", conversationID, userID); err != nil {
		return fmt.Errorf("pipeline: inserting sent sender key: %w", err)
	}
	return nil
}

// deleteSentSenderKeys forgets every distribution record for a conversation.
// The next outbound message then re-announces a fresh key to every member.
func (d *database) deleteSentSenderKeys(conversationID string) error {
	if _, err := d.Tx.Exec("DELETE FROM sent_sender_keys WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("pipeline: deleting sent sender keys: %w", err)
	}
	return nil
}

func (d *database) statusOffset() (string, error) {
	var value string
	err := d.Tx.Get(&value, "SELECT value FROM _properties WHERE key = ?", statusOffsetKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("pipeline: selecting status offset: %w", err)
	}
	return value, nil
}

func (d *database) setStatusOffset(value string) error {
	if _, err := d.Tx.Exec("INSERT OR REPLACE INTO _properties (key, value) VALUES (?, ?)", statusOffsetKey, value); err != nil {
		return fmt.Errorf("pipeline: setting status offset: %w", err)
	}
	return nil
}
