package pipeline

import "encoding/base64"

// processPlainMessage handles unencrypted messages. PLAIN_JSON carries the
// session repair protocol; the rest are content messages stored the same way
// as their decrypted counterparts.
func (m *Manager) processPlainMessage(sm *stagedMessage, category Category) error {
	if category == CategoryPlainJSON {
		return m.processPlainControl(sm)
	}

	plaintext, err := base64.StdEncoding.DecodeString(sm.Data)
	if err != nil {
		plaintext = []byte(sm.Data)
	}
	if err := m.processDecryptSuccess(sm, category, plaintext); err != nil {
		return err
	}
	return m.updateRemoteMessageStatus(sm.MessageID, MessageStatusDelivered)
}

func (m *Manager) processPlainControl(sm *stagedMessage) error {
	var payload PlainPayload
	if err := decodeBase64JSON(sm.Data, &payload); err != nil {
		m.log.Warnf("error decoding control payload for %s: %v", sm.MessageID, err)
		m.reporter.ReportError("plain_decode", map[string]string{"message_id": sm.MessageID, "error": err.Error()})
		return nil
	}

	switch payload.Action {
	case PlainActionResendKey:
		has, err := m.crypto.HasSession(sm.UserID)
		if err != nil {
			return err
		}
		if has {
			if err := m.sender.SendControl(sm.ConversationID, sm.UserID, &PlainPayload{Action: PlainActionSendKey}); err != nil {
				m.log.Warnf("error sending key to %s: %v", sm.UserID, err)
			}
		}
	case PlainActionResendMessages:
		if len(payload.Messages) > 0 {
			if err := m.sender.ResendMessages(sm.ConversationID, sm.UserID, payload.Messages); err != nil {
				m.log.Warnf("error resending messages to %s: %v", sm.UserID, err)
			}
		}
	case PlainActionNoKey:
		if err := m.crypto.DeleteRatchetStatus(sm.ConversationID, sm.UserID); err != nil {
			return err
		}
	default:
		m.log.Debugf("ignoring control action %q in %s", payload.Action, sm.MessageID)
	}

	if err := m.updateRemoteMessageStatus(sm.MessageID, MessageStatusRead); err != nil {
		return err
	}
	return m.db.replaceMessageHistory(sm.MessageID)
}
