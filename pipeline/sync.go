package pipeline

// syncConversation makes sure a local conversation row exists before a
// message is handled. Known-good and quit conversations short-circuit; an
// unknown conversation is fetched from the remote, with a placeholder row
// written when the fetch fails so the message still lands somewhere and a
// refresh job reconciles later.
//
// Runs on the drain lane outside the handling transaction. The remote
// fetches here never hold the database lock, so the ingest lane keeps
// staging while a slow fetch is in flight.
func (m *Manager) syncConversation(sm *stagedMessage) error {
	var conv *conversation
	if err := m.db.RunReadOnly("checking conversation", func() error {
		var err error
		conv, err = m.db.conversation(sm.ConversationID)
		return err
	}); err != nil {
		return err
	}
	if conv != nil {
		switch conv.Status {
		case ConversationStatusSuccess, ConversationStatusQuit:
			return nil
		}
		if conv.Category == ConversationCategoryGroup {
			return nil
		}
		// Locally created direct conversation still awaiting its
		// remote announce. Reconcile out of band.
		m.jobs.RefreshConversation(sm.ConversationID)
		return nil
	}

	resp, err := m.api.Conversation(sm.ConversationID)
	if err != nil {
		m.log.Warnf("error fetching conversation %s: %v", sm.ConversationID, err)
		if err := m.db.Run("creating placeholder conversation", func() error {
			return m.db.insertConversation(&conversation{
				ConversationID: sm.ConversationID,
				OwnerID:        sm.UserID,
				Status:         ConversationStatusStart,
				CreatedAt:      sm.CreatedAt,
			})
		}); err != nil {
			return err
		}
		m.jobs.RefreshConversation(sm.ConversationID)
		return nil
	}

	userIDs := make([]string, 0, len(resp.Participants))
	for _, p := range resp.Participants {
		if p.UserID == m.session.SelfID() {
			continue
		}
		userIDs = append(userIDs, p.UserID)
	}
	partial := false
	var users []*UserResponse
	if len(userIDs) > 0 {
		users, err = m.api.Users(userIDs)
		if err != nil {
			m.log.Warnf("error fetching participants for %s: %v", sm.ConversationID, err)
			partial = true
		}
	}
	if err := m.db.Run("storing conversation", func() error {
		for _, u := range users {
			if err := m.db.upsertUser(&user{UserID: u.UserID, IdentityNumber: u.IdentityNumber, FullName: u.FullName, AvatarURL: u.AvatarURL}); err != nil {
				return err
			}
		}
		if err := m.db.insertConversation(&conversation{
			ConversationID: resp.ConversationID,
			OwnerID:        resp.OwnerID,
			Category:       resp.Category,
			Name:           resp.Name,
			Status:         ConversationStatusSuccess,
			CreatedAt:      sm.CreatedAt,
		}); err != nil {
			return err
		}
		for _, p := range resp.Participants {
			if err := m.db.upsertParticipant(&participant{
				ConversationID: resp.ConversationID,
				UserID:         p.UserID,
				Role:           p.Role,
				Status:         ParticipantStatusSuccess,
				CreatedAt:      p.CreatedAt,
			}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if partial {
		m.jobs.RefreshConversation(sm.ConversationID)
	}
	return nil
}

// checkUser makes sure a user row exists, fetching it once from the remote
// when missing. Returns the participant status to record for the user.
func (m *Manager) checkUser(userID string, tryAgain bool) int {
	if userID == SystemUserID {
		return ParticipantStatusSuccess
	}
	if userID == "" {
		return ParticipantStatusError
	}
	exists, err := m.db.userExists(userID)
	if err != nil {
		m.log.Warnf("error checking user %s: %v", userID, err)
		return ParticipantStatusError
	}
	if exists {
		return ParticipantStatusSuccess
	}
	u, err := m.api.User(userID)
	if err != nil {
		if IsNotFound(err) {
			return ParticipantStatusError
		}
		if tryAgain {
			m.jobs.RefreshUsers([]string{userID})
		}
		return ParticipantStatusStart
	}
	if err := m.db.upsertUser(&user{UserID: u.UserID, IdentityNumber: u.IdentityNumber, FullName: u.FullName, AvatarURL: u.AvatarURL}); err != nil {
		m.log.Warnf("error storing user %s: %v", userID, err)
		return ParticipantStatusError
	}
	return ParticipantStatusSuccess
}

// syncUser fetches a user missing locally, once. Returns false when the user
// does not exist remotely or the fetch fails; a transient failure schedules
// an async refresh so a later replay can resolve it.
func (m *Manager) syncUser(userID string) (bool, error) {
	exists, err := m.db.userExists(userID)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}
	u, err := m.api.User(userID)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		m.log.Warnf("error fetching user %s: %v", userID, err)
		m.jobs.RefreshUsers([]string{userID})
		return false, nil
	}
	if err := m.db.upsertUser(&user{UserID: u.UserID, IdentityNumber: u.IdentityNumber, FullName: u.FullName, AvatarURL: u.AvatarURL}); err != nil {
		return false, err
	}
	return true, nil
}
