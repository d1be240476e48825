// Package kestrel provides a high-level interface to the Kestrel messaging
// client. It owns the encrypted local database, the ratchet session store
// and the inbound message pipeline, and exposes the entry points a transport
// layer and UI need: envelope delivery, drain triggering and the update
// stream.
package kestrel

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/kestrel-im/go-kestrel/clock"
	"github.com/kestrel-im/go-kestrel/config"
	"github.com/kestrel-im/go-kestrel/internal/db"
	"github.com/kestrel-im/go-kestrel/pipeline"
	"github.com/kestrel-im/go-kestrel/ratchet"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
)

// An event indicating a change in the state of Kestrel.
type AppState struct {
	State int
}

type Kestrel struct {
	DB *db.Database

	config     *config.Config
	log        *zap.SugaredLogger
	state      int
	clock      clock.Clock
	ratchet    *ratchet.Protocol
	pipeline   *pipeline.Manager
	api        pipeline.RemoteAPI
	sender     pipeline.Sender
	jobs       pipeline.JobScheduler
	reporter   pipeline.Reporter
	session    pipeline.SessionState
	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// Create a kestrel instance. The remote API, sender, job scheduler and
// session collaborators are supplied by the embedding application; a nil
// reporter falls back to log-based telemetry.
func New(c *config.Config, api pipeline.RemoteAPI, sender pipeline.Sender, jobs pipeline.JobScheduler, reporter pipeline.Reporter, session pipeline.SessionState) (*Kestrel, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making kestrel, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}
	if reporter == nil {
		reporter = pipeline.NewLogReporter(c)
	}

	return &Kestrel{
		DB:       database,
		config:   c,
		log:      log,
		state:    state,
		clock:    clock.NewSystemClock(),
		api:      api,
		sender:   sender,
		jobs:     jobs,
		reporter: reporter,
		session:  session,
		updates:  make(chan interface{}, 100),
	}, nil
}

// Gets various updates which must be dealt with. This will produce
// *AppState and *pipeline.MessageUpdate values.
func (k *Kestrel) Updates() chan interface{} {
	return k.updates
}

// Returns true if kestrel is in NEW state.
func (k *Kestrel) New() bool {
	return k.state == StateNew
}

// Returns true if kestrel is in INITIALIZED state.
func (k *Kestrel) Initialized() bool {
	return k.state == StateInitialized
}

// Returns true if kestrel is in RUNNING state.
func (k *Kestrel) Running() bool {
	return k.state == StateRunning
}

// Initialize kestrel with a given key.
func (k *Kestrel) Initialize(key []byte) error {
	if k.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := k.DB.Initialize(key); err != nil {
		return err
	}
	k.setState(StateInitialized)
	return k.Open(key)
}

// Open an existing kestrel with a given key.
func (k *Kestrel) Open(key []byte) error {
	if k.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}

	if err := k.DB.Open(key); err != nil {
		return err
	}

	if err := k.DB.Lock("initializing subsystems", func() error {
		protocol, err := ratchet.NewProtocol(k.config, k.DB)
		if err != nil {
			return err
		}
		k.ratchet = protocol
		manager, err := pipeline.NewManager(k.config, k.DB, k.clock, protocol, k.api, k.sender, k.jobs, k.reporter, k.session)
		if err != nil {
			return err
		}
		k.pipeline = manager
		return nil
	}); err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	k.cancelFunc = cancelFunc
	k.pipeline.Start()
	k.setState(StateRunning)
	k.startUpdatePassing(ctx)
	return nil
}

// Shutdown kestrel, stopping the pipeline workers and closing the database.
func (k *Kestrel) Shutdown() error {
	if k.state != StateRunning {
		return nil
	}
	k.cancelFunc()
	k.pipeline.Shutdown()
	k.finished.Wait()
	if err := k.DB.Shutdown(); err != nil {
		return err
	}
	k.setState(StateInitialized)
	return nil
}

// OnEnvelopeReceived hands an envelope from the transport to the pipeline.
func (k *Kestrel) OnEnvelopeReceived(e *pipeline.Envelope) error {
	if k.state != StateRunning {
		return errors.New("cannot receive envelopes unless in state running")
	}
	k.pipeline.OnEnvelopeReceived(e)
	return nil
}

// TriggerDrain nudges the pipeline to replay its staged backlog.
func (k *Kestrel) TriggerDrain() {
	if k.state != StateRunning {
		return
	}
	k.pipeline.TriggerDrain()
}

// CreateReceiverSession establishes a ratchet session for messages arriving
// from a peer who consumed one of our prekeys.
func (k *Kestrel) CreateReceiverSession(conversationID, senderID string, secret, privKey []byte) error {
	return k.DB.Run("creating receiver session", func() error {
		return k.ratchet.CreateReceiverSession(conversationID, senderID, secret, privKey)
	})
}

// CreateSenderSession establishes a ratchet session towards a peer using one
// of their published prekeys.
func (k *Kestrel) CreateSenderSession(conversationID, senderID string, secret, remotePub []byte) error {
	return k.DB.Run("creating sender session", func() error {
		return k.ratchet.CreateSenderSession(conversationID, senderID, secret, remotePub)
	})
}

// Encrypt produces ciphertext for an outbound message to a peer.
func (k *Kestrel) Encrypt(conversationID, senderID string, plaintext []byte) ([]byte, error) {
	var cipher []byte
	return cipher, k.DB.Run("encrypting message", func() error {
		var err error
		cipher, err = k.ratchet.Encrypt(conversationID, senderID, plaintext)
		return err
	})
}

func (k *Kestrel) setState(state int) {
	k.state = state
	select {
	case k.updates <- &AppState{State: state}:
	default:
	}
}

func (k *Kestrel) startUpdatePassing(ctx context.Context) {
	k.finished.Add(1)
	go func() {
		defer k.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-k.pipeline.Updates():
				if !ok {
					return
				}
				select {
				case k.updates <- u:
				default:
				}
			}
		}
	}()
}
