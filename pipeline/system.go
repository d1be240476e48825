package pipeline

func (m *Manager) processSystemMessage(sm *stagedMessage, category Category) error {
	switch category {
	case CategorySystemConversation:
		return m.processSystemConversation(sm)
	case CategorySystemAccountSnapshot:
		return m.processSystemSnapshot(sm)
	}
	return nil
}

// processSystemConversation applies a roster mutation announced by the
// network. The caller holds the roster lock, so mutations for a conversation
// apply strictly in arrival order.
func (m *Manager) processSystemConversation(sm *stagedMessage) error {
	var payload SystemConversationPayload
	if err := decodeBase64JSON(sm.Data, &payload); err != nil {
		m.log.Warnf("error decoding system payload for %s: %v", sm.MessageID, err)
		m.reporter.ReportError("system_decode", map[string]string{"message_id": sm.MessageID, "error": err.Error()})
		return nil
	}

	if err := m.db.upsertUser(&user{UserID: SystemUserID, FullName: "System"}); err != nil {
		return err
	}

	selfID := m.session.SelfID()
	switch payload.Action {
	case SystemActionAdd, SystemActionJoin:
		if payload.ParticipantID == "" || payload.ParticipantID == SystemUserID {
			m.reporter.ReportError("system_participant", map[string]string{"message_id": sm.MessageID, "action": payload.Action})
			return nil
		}
		status := m.checkUser(payload.ParticipantID, true)
		if err := m.db.upsertParticipant(&participant{
			ConversationID: sm.ConversationID,
			UserID:         payload.ParticipantID,
			Status:         status,
			CreatedAt:      sm.CreatedAt,
		}); err != nil {
			return err
		}
		if err := m.insertSystemEvent(sm, &payload); err != nil {
			return err
		}
		if payload.ParticipantID == selfID {
			// Re-added after an exit. Resync the whole roster.
			m.jobs.RefreshConversation(sm.ConversationID)
		} else {
			if err := m.announceSenderKey(sm.ConversationID, payload.ParticipantID); err != nil {
				return err
			}
		}
	case SystemActionRemove:
		if payload.ParticipantID == "" || payload.ParticipantID == SystemUserID {
			m.reporter.ReportError("system_participant", map[string]string{"message_id": sm.MessageID, "action": payload.Action})
			return nil
		}
		// The departing member must stop being able to read new
		// messages: retire our group key before touching the roster.
		if err := m.retireConversationKeys(sm.ConversationID, payload.ParticipantID); err != nil {
			return err
		}
		if err := m.db.removeParticipant(sm.ConversationID, payload.ParticipantID); err != nil {
			return err
		}
		if err := m.insertSystemEvent(sm, &payload); err != nil {
			return err
		}
		m.jobs.RefreshUsers([]string{payload.ParticipantID})
	case SystemActionExit:
		// Key retirement happens even when we are the one leaving, so a
		// lingering send after the exit cannot reuse the old chain.
		if err := m.retireConversationKeys(sm.ConversationID, payload.ParticipantID); err != nil {
			return err
		}
		if payload.ParticipantID == selfID {
			if err := m.db.quitConversation(sm.ConversationID); err != nil {
				return err
			}
			return nil
		}
		if err := m.db.removeParticipant(sm.ConversationID, payload.ParticipantID); err != nil {
			return err
		}
		if err := m.insertSystemEvent(sm, &payload); err != nil {
			return err
		}
	case SystemActionCreate:
		m.checkUser(payload.UserID, true)
		if err := m.db.updateConversationOwner(sm.ConversationID, payload.UserID); err != nil {
			return err
		}
		if err := m.insertSystemEvent(sm, &payload); err != nil {
			return err
		}
	case SystemActionRole:
		if payload.ParticipantID == "" || payload.ParticipantID == SystemUserID || payload.Role == "" {
			m.reporter.ReportError("system_participant", map[string]string{"message_id": sm.MessageID, "action": payload.Action})
			return nil
		}
		if err := m.db.updateParticipantRole(sm.ConversationID, payload.ParticipantID, payload.Role); err != nil {
			return err
		}
		if err := m.insertSystemEvent(sm, &payload); err != nil {
			return err
		}
	case SystemActionUpdate:
		m.jobs.RefreshConversation(sm.ConversationID)
	default:
		m.log.Warnf("ignoring system action %q in %s", payload.Action, sm.MessageID)
	}

	switch payload.Action {
	case SystemActionUpdate, SystemActionRole:
	default:
		m.jobs.RefreshGroupIcon(sm.ConversationID)
	}
	if err := m.updateRemoteMessageStatus(sm.MessageID, MessageStatusRead); err != nil {
		return err
	}
	return m.db.replaceMessageHistory(sm.MessageID)
}

// announceSenderKey shares our group key with a newly added member, at most
// once per member.
func (m *Manager) announceSenderKey(conversationID, userID string) error {
	has, err := m.crypto.HasSenderKey(conversationID, m.session.SelfID())
	if err != nil {
		return err
	}
	if !has {
		return nil
	}
	sent, err := m.db.sentSenderKeyExists(conversationID, userID)
	if err != nil {
		return err
	}
	if sent {
		return nil
	}
	if err := m.sender.SendControl(conversationID, userID, &PlainPayload{Action: PlainActionSendKey}); err != nil {
		m.log.Warnf("error sending key to %s in %s: %v", userID, conversationID, err)
		return nil
	}
	return m.db.insertSentSenderKey(conversationID, userID)
}

// retireConversationKeys invalidates our own group sender key and forgets
// every distribution record for the conversation. Whatever roster change
// triggered it, the old chain is dead; the next outbound message announces a
// fresh key that the departed member never receives.
func (m *Manager) retireConversationKeys(conversationID, departedID string) error {
	if err := m.crypto.ClearSenderKey(conversationID, m.session.SelfID()); err != nil {
		return err
	}
	if err := m.crypto.DeleteRatchetStatus(conversationID, departedID); err != nil {
		return err
	}
	return m.db.deleteSentSenderKeys(conversationID)
}

func (m *Manager) insertSystemEvent(sm *stagedMessage, payload *SystemConversationPayload) error {
	userID := payload.UserID
	if userID == "" {
		userID = SystemUserID
	}
	return m.db.insertMessage(&message{
		MessageID:      sm.MessageID,
		ConversationID: sm.ConversationID,
		UserID:         userID,
		Category:       sm.Category,
		Content:        sm.Data,
		Status:         MessageStatusRead,
		CreatedAt:      sm.CreatedAt,
	})
}

// processSystemSnapshot records a transfer notification and its snapshot
// row.
func (m *Manager) processSystemSnapshot(sm *stagedMessage) error {
	var payload SnapshotPayload
	if err := decodeBase64JSON(sm.Data, &payload); err != nil {
		m.log.Warnf("error decoding snapshot payload for %s: %v", sm.MessageID, err)
		m.reporter.ReportError("snapshot_decode", map[string]string{"message_id": sm.MessageID, "error": err.Error()})
		return nil
	}

	m.checkUser(payload.CounterUserID, true)

	if a, err := m.api.Asset(payload.AssetID); err != nil {
		m.log.Warnf("error fetching asset %s: %v", payload.AssetID, err)
		m.jobs.RefreshAssets(payload.AssetID)
	} else if err := m.db.upsertAsset(&asset{AssetID: a.AssetID, Symbol: a.Symbol, Name: a.Name, IconURL: a.IconURL}); err != nil {
		return err
	}

	if err := m.db.replaceSnapshot(&snapshot{
		SnapshotID: payload.SnapshotID,
		Type:       payload.Type,
		AssetID:    payload.AssetID,
		Amount:     payload.Amount,
		OpponentID: payload.CounterUserID,
		CreatedAt:  sm.CreatedAt,
	}); err != nil {
		return err
	}
	if err := m.db.insertMessage(&message{
		MessageID:      sm.MessageID,
		ConversationID: sm.ConversationID,
		UserID:         sm.UserID,
		Category:       sm.Category,
		Content:        sm.Data,
		SnapshotID:     payload.SnapshotID,
		Status:         MessageStatusDelivered,
		CreatedAt:      sm.CreatedAt,
	}); err != nil {
		return err
	}
	return m.updateRemoteMessageStatus(sm.MessageID, MessageStatusRead)
}
