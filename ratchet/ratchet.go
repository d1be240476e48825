// Package ratchet maintains per-(conversation, sender) double-ratchet decrypt
// sessions, the requesting-resend status registry, group sender keys and the
// local one-time prekey pool.
package ratchet

import (
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"github.com/kestrel-im/go-kestrel/config"
	"github.com/kestrel-im/go-kestrel/crypto"
	"github.com/kestrel-im/go-kestrel/internal/db"
	"github.com/status-im/doubleratchet"
	"go.uber.org/zap"
)

const (
	StatusNone       = ""
	StatusRequesting = "REQUESTING"
)

// Returned by Decrypt when no session exists for the pair yet. Common on
// key-exchange messages, callers suppress telemetry for it.
var ErrNoSession = errors.New("ratchet: no session")

// A one-time prekey as uploaded to the key server.
type Prekey struct {
	ID        string `json:"key_id"`
	PublicKey []byte `json:"public_key"`
}

type ratchetMessage struct {
	Dh   []byte `json:"dh"`
	N    uint32 `json:"n"`
	Pn   uint32 `json:"pn"`
	Body []byte `json:"body"`
}

type Protocol struct {
	config *config.Config
	db     *database
	log    *zap.SugaredLogger
}

func NewProtocol(c *config.Config, internalDB *db.Database) (*Protocol, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, fmt.Errorf("ratchet: error making protocol: %w", err)
	}
	return &Protocol{
		config: c,
		db:     d,
		log:    c.Logger("ratchet"),
	}, nil
}

func sessionID(conversationID, senderID string) []byte {
	digest := sha256.Sum256([]byte(conversationID + "\x00" + senderID))
	return digest[:]
}

// CreateReceiverSession installs the receiving half of a session. privKey is
// the consumed one-time prekey, secret the agreed root key.
func (p *Protocol) CreateReceiverSession(conversationID, senderID string, secret, privKey []byte) error {
	id := sessionID(conversationID, senderID)
	k := crypto.SliceToKey(privKey)
	publicKey := scalarmult.Base(k)
	dhPair := dhPairImpl{privateKey: [32]byte(*k), publicKey: *publicKey}
	if err := p.db.insertSession(&session{ID: id, ConversationID: conversationID, SenderID: senderID}); err != nil {
		return err
	}
	if _, err := doubleratchet.New(id, secret, dhPair, p.db.sessionStorage(), doubleratchet.WithCrypto(p.db.sessionCrypto()), doubleratchet.WithKeysStorage(p.db.keysStorage(id))); err != nil {
		return fmt.Errorf("ratchet: error initializing doubleratchet: %w", err)
	}
	return nil
}

// CreateSenderSession installs the sending half of a session against the
// peer's published prekey.
func (p *Protocol) CreateSenderSession(conversationID, senderID string, secret, remotePub []byte) error {
	id := sessionID(conversationID, senderID)
	if err := p.db.insertSession(&session{ID: id, ConversationID: conversationID, SenderID: senderID}); err != nil {
		return err
	}
	if _, err := doubleratchet.NewWithRemoteKey(id, secret, remotePub, p.db.sessionStorage(), doubleratchet.WithCrypto(p.db.sessionCrypto()), doubleratchet.WithKeysStorage(p.db.keysStorage(id))); err != nil {
		return fmt.Errorf("ratchet: error initializing doubleratchet: %w", err)
	}
	return nil
}

func (p *Protocol) Encrypt(conversationID, senderID string, plaintext []byte) ([]byte, error) {
	id := sessionID(conversationID, senderID)
	ok, err := p.db.hasSessionID(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSession
	}
	drSession, err := doubleratchet.Load(id, p.db.sessionStorage(), doubleratchet.WithCrypto(p.db.sessionCrypto()), doubleratchet.WithKeysStorage(p.db.keysStorage(id)))
	if err != nil {
		return nil, fmt.Errorf("ratchet encrypt: %w", err)
	}
	msg, err := drSession.RatchetEncrypt(plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("ratchet encrypt: %w", err)
	}
	rm := &ratchetMessage{
		Dh:   msg.Header.DH,
		N:    msg.Header.N,
		Pn:   msg.Header.PN,
		Body: msg.Ciphertext,
	}
	return json.Marshal(rm)
}

func (p *Protocol) Decrypt(conversationID, senderID string, keyType uint8, cipher []byte) ([]byte, error) {
	id := sessionID(conversationID, senderID)
	ok, err := p.db.hasSessionID(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSession
	}

	rm := &ratchetMessage{}
	if err := json.Unmarshal(cipher, rm); err != nil {
		return nil, fmt.Errorf("ratchet decrypt: %w", err)
	}
	message := doubleratchet.Message{
		Header: doubleratchet.MessageHeader{
			DH: rm.Dh,
			N:  rm.N,
			PN: rm.Pn,
		},
		Ciphertext: rm.Body,
	}

	drSession, err := doubleratchet.Load(id, p.db.sessionStorage(), doubleratchet.WithCrypto(p.db.sessionCrypto()), doubleratchet.WithKeysStorage(p.db.keysStorage(id)))
	if err != nil {
		return nil, fmt.Errorf("ratchet decrypt: %w", err)
	}
	plaintext, err := drSession.RatchetDecrypt(message, nil)
	if err != nil {
		return nil, fmt.Errorf("ratchet decrypt: %w", err)
	}
	return plaintext, nil
}

// HasSession reports whether any session exists with the given peer,
// regardless of conversation.
func (p *Protocol) HasSession(userID string) (bool, error) {
	return p.db.hasSessionWith(userID)
}

func (p *Protocol) DeleteSession(conversationID, senderID string) error {
	return p.db.deleteSession(sessionID(conversationID, senderID))
}

func (p *Protocol) RatchetStatus(conversationID, senderID string) (string, error) {
	return p.db.ratchetStatus(conversationID, senderID)
}

func (p *Protocol) SetRatchetStatus(conversationID, senderID, status string) error {
	return p.db.upsertRatchetStatus(conversationID, senderID, status)
}

func (p *Protocol) DeleteRatchetStatus(conversationID, senderID string) error {
	return p.db.deleteRatchetStatus(conversationID, senderID)
}

func (p *Protocol) HasSenderKey(conversationID, senderID string) (bool, error) {
	return p.db.hasSenderKey(conversationID, senderID)
}

func (p *Protocol) ClearSenderKey(conversationID, senderID string) error {
	p.log.Debugf("clearing sender key for %s:%s", conversationID, senderID)
	return p.db.deleteSenderKey(conversationID, senderID)
}

// GeneratePrekeys mints a fresh batch of one-time prekeys, persisting the
// private halves and returning the public halves for upload.
func (p *Protocol) GeneratePrekeys(n int) ([]*Prekey, error) {
	out := make([]*Prekey, n)
	for i := 0; i < n; i++ {
		pub, priv, err := box.GenerateKey(crypto_rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("ratchet: error generating prekey: %w", err)
		}
		pk := &prekey{
			ID:         uuid.New().String(),
			PublicKey:  pub[:],
			PrivateKey: priv[:],
		}
		if err := p.db.insertPrekey(pk); err != nil {
			return nil, err
		}
		out[i] = &Prekey{ID: pk.ID, PublicKey: pk.PublicKey}
	}
	return out, nil
}

// ConsumePrekey removes and returns the private half of a one-time prekey.
func (p *Protocol) ConsumePrekey(keyID string) ([]byte, error) {
	pk, err := p.db.prekey(keyID)
	if err != nil {
		return nil, err
	}
	if err := p.db.deletePrekey(keyID); err != nil {
		return nil, err
	}
	return pk.PrivateKey, nil
}
