package pipeline

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/kestrel-im/go-kestrel/clock"
	"github.com/kestrel-im/go-kestrel/config"
	"github.com/kestrel-im/go-kestrel/internal/db"
	"go.uber.org/zap"
)

// MessageUpdate is emitted on the updates channel whenever a staged message
// finishes processing.
type MessageUpdate struct {
	MessageID      string
	ConversationID string
}

// Manager owns the inbound message pipeline: envelopes are staged durably,
// then a single drain worker replays the backlog in order, routing each
// staged message to its category handler. Processing is crash-safe; a staged
// row is deleted only after its handling transaction commits, and handlers
// are idempotent so replays after a crash are harmless.
type Manager struct {
	config   *config.Config
	db       *database
	log      *zap.SugaredLogger
	clock    clock.Clock
	crypto   Crypto
	api      RemoteAPI
	sender   Sender
	jobs     JobScheduler
	reporter Reporter
	session  SessionState

	draining    atomic.Bool
	drainSignal chan struct{}
	envelopes   chan *Envelope
	updates     chan interface{}

	rosterLock  sync.Mutex
	refreshLock sync.Mutex
	refreshedAt map[string]uint64

	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewManager(c *config.Config, internalDB *db.Database, cl clock.Clock, crypto Crypto, api RemoteAPI, sender Sender, jobs JobScheduler, reporter Reporter, session SessionState) (*Manager, error) {
	d := &database{internalDB}
	if err := d.migrate(); err != nil {
		return nil, err
	}
	return &Manager{
		config:      c,
		db:          d,
		log:         c.Logger("pipeline"),
		clock:       cl,
		crypto:      crypto,
		api:         api,
		sender:      sender,
		jobs:        jobs,
		reporter:    reporter,
		session:     session,
		drainSignal: make(chan struct{}, 1),
		envelopes:   make(chan *Envelope, c.EnvelopeQueueDepth),
		updates:     make(chan interface{}, 100),
		refreshedAt: make(map[string]uint64),
	}, nil
}

// Start launches the ingest and drain workers and kicks off a drain of any
// backlog left over from the previous run.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelFunc = cancel

	m.finished.Add(2)
	go m.ingestWorker(ctx)
	go m.drainWorker(ctx)

	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		if err := m.db.Run("checking prekeys", func() error {
			return m.checkPrekeys()
		}); err != nil {
			m.log.Warnf("prekey check failed: %v", err)
		}
	}()

	m.TriggerDrain()
}

// Shutdown stops the workers and waits for in-flight processing to finish.
func (m *Manager) Shutdown() {
	if m.cancelFunc != nil {
		m.cancelFunc()
	}
	m.finished.Wait()
	close(m.updates)
}

// Updates returns the channel of pipeline events. Events are dropped rather
// than blocking the drain lane when the consumer falls behind.
func (m *Manager) Updates() chan interface{} {
	return m.updates
}

// OnEnvelopeReceived hands a received envelope to the ingest lane. It blocks
// while the ingest queue is full, applying backpressure to the transport.
func (m *Manager) OnEnvelopeReceived(e *Envelope) {
	m.envelopes <- e
}

// TriggerDrain nudges the drain worker. Safe to call from any goroutine;
// signals coalesce while a drain is running.
func (m *Manager) TriggerDrain() {
	select {
	case m.drainSignal <- struct{}{}:
	default:
	}
}

func (m *Manager) ingestWorker(ctx context.Context) {
	defer m.finished.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-m.envelopes:
			if err := m.ingest(e); err != nil {
				m.log.Warnf("error ingesting envelope %s: %v", e.ID, err)
				m.reporter.ReportError("ingest", map[string]string{"envelope_id": e.ID, "error": err.Error()})
			}
		}
	}
}

// ingest stages a CREATE_MESSAGE envelope durably and applies receipt
// envelopes directly. Staging is INSERT OR REPLACE keyed on message id, so
// redelivered envelopes collapse to one row.
func (m *Manager) ingest(e *Envelope) error {
	switch e.Action {
	case ActionAcknowledgeMessageReceipt:
		d, err := e.DecodeData()
		if err != nil {
			return err
		}
		return m.db.Run("applying receipt", func() error {
			if err := m.db.updateMessageStatus(d.MessageID, d.Status); err != nil {
				return err
			}
			// The cursor is the receipt's update timestamp, so resuming
			// from it replays strictly newer receipts.
			return m.db.setStatusOffset(strconv.FormatUint(d.UpdatedAt, 10))
		})
	case ActionCreateMessage:
		d, err := e.DecodeData()
		if err != nil {
			return err
		}
		// Empty-category echoes of our own sends only advance the
		// delivery state.
		if d.UserID == m.session.SelfID() && d.Category == "" {
			return m.db.Run("applying echo", func() error {
				return m.db.updateMessageStatus(d.MessageID, d.Status)
			})
		}
		if err := m.db.Run("staging message", func() error {
			return m.db.insertStagedMessage(&stagedMessage{
				MessageID:      d.MessageID,
				ConversationID: d.ConversationID,
				UserID:         d.UserID,
				Category:       d.Category,
				Data:           d.Data,
				Status:         d.Status,
				Source:         d.Source,
				CreatedAt:      d.CreatedAt,
			})
		}); err != nil {
			return err
		}
		m.log.Debugf("[Receive] staged message %s category %s conversation %s created at %d", d.MessageID, d.Category, d.ConversationID, d.CreatedAt)
		m.TriggerDrain()
		return nil
	default:
		m.log.Debugf("ignoring envelope action %s", e.Action)
		return nil
	}
}

func (m *Manager) drainWorker(ctx context.Context) {
	defer m.finished.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.drainSignal:
			m.drain(ctx)
		}
	}
}

// drain replays the staged backlog in batches until it is empty. The CAS on
// draining guarantees a single flight; triggers arriving mid-drain coalesce
// into the buffered signal and cause a fresh drain once this one returns.
func (m *Manager) drain(ctx context.Context) {
	if !m.draining.CompareAndSwap(false, true) {
		return
	}
	defer m.draining.Store(false)

	for {
		if ctx.Err() != nil {
			return
		}
		var batch []*stagedMessage
		if err := m.db.RunReadOnly("fetching staged batch", func() error {
			var err error
			batch, err = m.db.stagedMessages(m.config.DrainBatchSize)
			return err
		}); err != nil {
			m.log.Errorf("error fetching staged batch: %v", err)
			return
		}
		if len(batch) == 0 {
			return
		}
		for _, sm := range batch {
			if ctx.Err() != nil {
				return
			}
			if !m.session.LoggedIn() {
				return
			}
			m.processStaged(sm)
		}
	}
}

// processStaged handles one staged message, then deletes the staged row in
// its own transaction. The delete is unconditional; a handler failure is
// logged and reconciled by a conversation refresh rather than blocking the
// backlog.
func (m *Manager) processStaged(sm *stagedMessage) {
	if err := m.handleStaged(sm); err != nil {
		m.log.Errorf("error handling message %s category %s: %v", sm.MessageID, sm.Category, err)
		m.reporter.ReportError("process", map[string]string{"message_id": sm.MessageID, "category": sm.Category, "error": err.Error()})
		m.jobs.RefreshConversation(sm.ConversationID)
	}
	if err := m.db.Run("deleting staged message", func() error {
		return m.db.deleteStagedMessage(sm.MessageID)
	}); err != nil {
		m.log.Errorf("error deleting staged message %s: %v", sm.MessageID, err)
	}
	select {
	case m.updates <- &MessageUpdate{MessageID: sm.MessageID, ConversationID: sm.ConversationID}:
	default:
	}
}

// handleStaged resolves the conversation context first, with any remote
// fetches outside a transaction so the ingest lane is never blocked behind
// them, then hands the message to its category handler inside one
// transaction.
func (m *Manager) handleStaged(sm *stagedMessage) error {
	var handled bool
	if err := m.db.RunReadOnly("checking message history", func() error {
		var err error
		handled, err = m.db.isMessageHandled(sm.MessageID)
		return err
	}); err != nil {
		return err
	}
	if handled {
		return nil
	}
	if err := m.syncConversation(sm); err != nil {
		return err
	}
	return m.db.Run("handling staged message", func() error {
		return m.route(sm)
	})
}

func (m *Manager) route(sm *stagedMessage) error {
	switch category := ParseCategory(sm.Category); {
	case category.IsSignal():
		return m.processSignalMessage(sm, category)
	case category.IsPlain():
		return m.processPlainMessage(sm, category)
	case category.IsSystem():
		m.rosterLock.Lock()
		defer m.rosterLock.Unlock()
		return m.processSystemMessage(sm, category)
	case category.IsApp():
		return m.processAppMessage(sm)
	default:
		m.log.Warnf("dropping message %s with unknown category %q", sm.MessageID, sm.Category)
		return m.updateRemoteMessageStatus(sm.MessageID, MessageStatusDelivered)
	}
}

// processAppMessage stores bot-originated card and button-group messages
// verbatim.
func (m *Manager) processAppMessage(sm *stagedMessage) error {
	if err := m.db.insertMessage(&message{
		MessageID:      sm.MessageID,
		ConversationID: sm.ConversationID,
		UserID:         sm.UserID,
		Category:       sm.Category,
		Content:        sm.Data,
		Status:         MessageStatusDelivered,
		CreatedAt:      sm.CreatedAt,
	}); err != nil {
		return err
	}
	return m.updateRemoteMessageStatus(sm.MessageID, MessageStatusRead)
}

// updateRemoteMessageStatus sends a delivery receipt. Send failures are
// logged only; the transport retries receipts on its own schedule.
func (m *Manager) updateRemoteMessageStatus(messageID, status string) error {
	if err := m.sender.SendAck(messageID, status); err != nil {
		m.log.Warnf("error sending ack for %s: %v", messageID, err)
	}
	return nil
}
