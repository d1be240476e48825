package pipeline

import (
	"encoding/json"
	"errors"

	"github.com/kestrel-im/go-kestrel/ratchet"
	"golang.org/x/exp/slices"
)

// processSignalMessage decrypts an encrypted message through the ratchet and
// stores the plaintext. Delivery receipts are sent before decryption is
// attempted; a failed decrypt leaves a FAILED placeholder and kicks off the
// repair protocol instead of surfacing an error to the drain loop.
func (m *Manager) processSignalMessage(sm *stagedMessage, category Category) error {
	header, err := decodeSignalHeader(sm.Data)
	if err != nil {
		m.log.Warnf("error decoding signal header for %s: %v", sm.MessageID, err)
		m.reporter.ReportError("decrypt_header", map[string]string{"message_id": sm.MessageID, "error": err.Error()})
		return nil
	}

	if category == CategorySignalKey {
		if err := m.updateRemoteMessageStatus(sm.MessageID, MessageStatusRead); err != nil {
			return err
		}
		if err := m.db.replaceMessageHistory(sm.MessageID); err != nil {
			return err
		}
	} else {
		if err := m.updateRemoteMessageStatus(sm.MessageID, MessageStatusDelivered); err != nil {
			return err
		}
	}

	plaintext, err := m.crypto.Decrypt(sm.ConversationID, sm.UserID, header.KeyType, header.Cipher)
	if err != nil {
		return m.trackDecryptFailed(sm, category, header, err)
	}

	if header.ResendMessageID != "" {
		if err := m.processRedecryptMessage(sm, header.ResendMessageID, category, plaintext); err != nil {
			return err
		}
		if err := m.updateRemoteMessageStatus(sm.MessageID, MessageStatusRead); err != nil {
			return err
		}
		if err := m.db.replaceMessageHistory(sm.MessageID); err != nil {
			return err
		}
	} else if category != CategorySignalKey {
		if err := m.processDecryptSuccess(sm, category, plaintext); err != nil {
			return err
		}
	}

	status, err := m.crypto.RatchetStatus(sm.ConversationID, sm.UserID)
	if err != nil {
		return err
	}
	if status == ratchet.StatusRequesting {
		if err := m.crypto.DeleteRatchetStatus(sm.ConversationID, sm.UserID); err != nil {
			return err
		}
		return m.requestResendMessages(sm.ConversationID, sm.UserID)
	}
	return nil
}

func (m *Manager) trackDecryptFailed(sm *stagedMessage, category Category, header *SignalHeader, decryptErr error) error {
	// A missing session on a key announce is the normal first-contact
	// race, not worth reporting.
	if !(category == CategorySignalKey && errors.Is(decryptErr, ratchet.ErrNoSession)) {
		m.log.Warnf("error decrypting message %s category %s: %v", sm.MessageID, sm.Category, decryptErr)
		m.reporter.ReportError("decrypt", map[string]string{"message_id": sm.MessageID, "category": sm.Category, "error": decryptErr.Error()})
	}

	if header.ResendMessageID != "" {
		return nil
	}
	if category == CategorySignalKey {
		// A key announce we cannot read means the pairwise session is
		// beyond repair. Drop it so the peer's next announce starts fresh.
		if err := m.crypto.DeleteSession(sm.ConversationID, sm.UserID); err != nil {
			return err
		}
		if err := m.crypto.DeleteRatchetStatus(sm.ConversationID, sm.UserID); err != nil {
			return err
		}
		m.refreshKeys(sm.ConversationID)
		return nil
	}

	if err := m.insertFailedMessage(sm); err != nil {
		return err
	}
	m.refreshKeys(sm.ConversationID)

	status, err := m.crypto.RatchetStatus(sm.ConversationID, sm.UserID)
	if err != nil {
		return err
	}
	if status != ratchet.StatusRequesting {
		if err := m.sender.SendControl(sm.ConversationID, sm.UserID, &PlainPayload{Action: PlainActionResendKey, MessageID: sm.MessageID}); err != nil {
			m.log.Warnf("error requesting key resend for %s: %v", sm.MessageID, err)
			return nil
		}
		return m.crypto.SetRatchetStatus(sm.ConversationID, sm.UserID, ratchet.StatusRequesting)
	}
	return nil
}

// insertFailedMessage records a placeholder that keeps the message's place
// in the conversation until a resent copy decrypts over it.
func (m *Manager) insertFailedMessage(sm *stagedMessage) error {
	return m.db.insertMessage(&message{
		MessageID:      sm.MessageID,
		ConversationID: sm.ConversationID,
		UserID:         sm.UserID,
		Category:       sm.Category,
		Content:        sm.Data,
		Status:         MessageStatusFailed,
		CreatedAt:      sm.CreatedAt,
	})
}

// processDecryptSuccess stores the decrypted content according to the
// category's content kind.
func (m *Manager) processDecryptSuccess(sm *stagedMessage, category Category, plaintext []byte) error {
	base := &message{
		MessageID:      sm.MessageID,
		ConversationID: sm.ConversationID,
		UserID:         sm.UserID,
		Category:       sm.Category,
		Status:         MessageStatusDelivered,
		CreatedAt:      sm.CreatedAt,
	}
	switch category.Kind() {
	case KindText:
		base.Content = string(plaintext)
		return m.db.insertMessage(base)
	case KindImage, KindData:
		var a AttachmentPayload
		if err := json.Unmarshal(plaintext, &a); err != nil {
			m.reporter.ReportError("attachment_decode", map[string]string{"message_id": sm.MessageID, "error": err.Error()})
			return nil
		}
		base.Content = a.AttachmentID
		base.MediaURL = a.AttachmentID
		base.MediaMimeType = a.MimeType
		base.MediaSize = a.Size
		base.MediaKey = a.Key
		base.MediaDigest = a.Digest
		return m.db.insertMessage(base)
	case KindSticker:
		var s StickerPayload
		if err := json.Unmarshal(plaintext, &s); err != nil {
			m.reporter.ReportError("sticker_decode", map[string]string{"message_id": sm.MessageID, "error": err.Error()})
			return nil
		}
		if err := m.syncSticker(&s); err != nil {
			return err
		}
		base.StickerID = s.StickerID
		return m.db.insertMessage(base)
	case KindContact:
		var c ContactPayload
		if err := json.Unmarshal(plaintext, &c); err != nil {
			m.reporter.ReportError("contact_decode", map[string]string{"message_id": sm.MessageID, "error": err.Error()})
			return nil
		}
		found, err := m.syncUser(c.UserID)
		if err != nil {
			return err
		}
		if !found {
			m.reporter.ReportError("contact_unresolved", map[string]string{"message_id": sm.MessageID, "user_id": c.UserID})
			return nil
		}
		base.SharedUserID = c.UserID
		return m.db.insertMessage(base)
	}
	m.log.Warnf("dropping decrypted message %s with unhandled category %s", sm.MessageID, sm.Category)
	return nil
}

// syncSticker fills the sticker cache synchronously when the album is
// fetchable, otherwise leaves reconciliation to a refresh job.
func (m *Manager) syncSticker(s *StickerPayload) error {
	exists, err := m.db.stickerExists(s.StickerID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	stickers, err := m.api.StickerAlbum(s.AlbumID)
	if err != nil {
		m.log.Warnf("error fetching sticker album %s: %v", s.AlbumID, err)
		m.jobs.RefreshStickers(s.AlbumID)
		return nil
	}
	found := false
	for _, remote := range stickers {
		if err := m.db.upsertSticker(&sticker{StickerID: remote.StickerID, AlbumID: remote.AlbumID, Name: remote.Name, AssetURL: remote.AssetURL}); err != nil {
			return err
		}
		if remote.StickerID == s.StickerID {
			found = true
		}
	}
	if !found {
		m.jobs.RefreshStickers(s.AlbumID)
	}
	return nil
}

// processRedecryptMessage updates an existing FAILED placeholder in place
// with the resent plaintext.
func (m *Manager) processRedecryptMessage(sm *stagedMessage, messageID string, category Category, plaintext []byte) error {
	existing, err := m.db.message(messageID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	switch category.Kind() {
	case KindText:
		return m.db.updateMessageContentAndStatus(messageID, string(plaintext), MessageStatusDelivered)
	case KindImage, KindData:
		var a AttachmentPayload
		if err := json.Unmarshal(plaintext, &a); err != nil {
			return nil
		}
		return m.db.updateMediaMessage(messageID, &a, MessageStatusDelivered)
	case KindSticker:
		var s StickerPayload
		if err := json.Unmarshal(plaintext, &s); err != nil {
			return nil
		}
		if err := m.syncSticker(&s); err != nil {
			return err
		}
		return m.db.updateStickerMessage(messageID, s.StickerID, MessageStatusDelivered)
	case KindContact:
		var c ContactPayload
		if err := json.Unmarshal(plaintext, &c); err != nil {
			return nil
		}
		found, err := m.syncUser(c.UserID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		return m.db.updateContactMessage(messageID, c.UserID, MessageStatusDelivered)
	}
	return nil
}

// requestResendMessages asks a peer to resend every message of theirs that
// failed to decrypt, oldest first.
func (m *Manager) requestResendMessages(conversationID, userID string) error {
	ids, err := m.db.failedMessageIDs(conversationID, userID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	// Oldest first, so the peer replays them in original order.
	slices.Reverse(ids)
	if err := m.sender.ResendMessages(conversationID, userID, ids); err != nil {
		m.log.Warnf("error requesting message resend in %s: %v", conversationID, err)
	}
	return nil
}
