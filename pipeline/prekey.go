package pipeline

import "encoding/json"

// checkPrekeys tops up the server-side prekey pool at startup when it has
// dropped below the low-water mark.
func (m *Manager) checkPrekeys() error {
	count, err := m.api.SignalKeyCount()
	if err != nil {
		m.log.Warnf("error fetching prekey count: %v", err)
		m.reporter.ReportError("prekey_count", map[string]string{"error": err.Error()})
		return nil
	}
	if count >= m.config.PrekeyLowWater {
		return nil
	}
	return m.generateAndPushPrekeys()
}

// refreshKeys replenishes the prekey pool in response to a decrypt failure,
// at most once per conversation per refresh window.
func (m *Manager) refreshKeys(conversationID string) {
	now := m.clock.CurrentTimeSec()
	m.refreshLock.Lock()
	last, ok := m.refreshedAt[conversationID]
	if ok && now-last < m.config.KeyRefreshWindowSec {
		m.refreshLock.Unlock()
		return
	}
	m.refreshedAt[conversationID] = now
	m.refreshLock.Unlock()

	count, err := m.api.SignalKeyCount()
	if err != nil {
		m.log.Warnf("error fetching prekey count: %v", err)
		return
	}
	if count >= m.config.PrekeyLowWater {
		return
	}
	if err := m.generateAndPushPrekeys(); err != nil {
		m.log.Warnf("error refreshing prekeys: %v", err)
	}
}

func (m *Manager) generateAndPushPrekeys() error {
	prekeys, err := m.crypto.GeneratePrekeys(m.config.PrekeyLowWater)
	if err != nil {
		return err
	}
	data, err := json.Marshal(prekeys)
	if err != nil {
		return err
	}
	m.log.Infof("pushing %d fresh prekeys", len(prekeys))
	return m.sender.SendRaw(&Envelope{Action: ActionSyncSignalKeys, Data: data})
}
