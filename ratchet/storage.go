package ratchet

import (
	"bytes"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/kevinburke/nacl/box"
	"github.com/kestrel-im/go-kestrel/crypto"
	"github.com/kestrel-im/go-kestrel/internal/db"
	"github.com/kestrel-im/go-kestrel/migration"
	"github.com/status-im/doubleratchet"
	"golang.org/x/crypto/hkdf"
)

type session struct {
	ID             []byte `db:"id"`
	ConversationID string `db:"conversation_id"`
	SenderID       string `db:"sender_id"`
}

type ratchetState struct {
	ID                       []byte `db:"id"`
	Dhr                      []byte `db:"dhr"`
	DhsPub                   []byte `db:"dhs_pub"`
	DhsPriv                  []byte `db:"dhs_priv"`
	RootChKey                []byte `db:"root_ch_key"`
	SendChKey                []byte `db:"send_ch_key"`
	SendChCount              uint32 `db:"send_ch_count"`
	RecvChKey                []byte `db:"recv_ch_key"`
	RecvChCount              uint32 `db:"recv_ch_count"`
	PN                       uint32 `db:"pn"`
	MaxSkip                  uint   `db:"max_skip"`
	HKr                      []byte `db:"hkr"`
	NHKr                     []byte `db:"nhkr"`
	HKs                      []byte `db:"hks"`
	NHKs                     []byte `db:"nhks"`
	MaxKeep                  uint   `db:"max_keep"`
	MaxMessageKeysPerSession int    `db:"mmk_per_session"`
	Step                     uint   `db:"step"`
	KeysCount                uint   `db:"keys_count"`
}

type skippedKey struct {
	PublicKey      []byte `db:"pub_key"`
	MessageKey     []byte `db:"message_key"`
	MessageNumber  uint   `db:"msg_num"`
	SessionID      []byte `db:"session_id"`
	SequenceNumber uint   `db:"seq_num"`
}

type ratchetStatus struct {
	ConversationID string `db:"conversation_id"`
	SenderID       string `db:"sender_id"`
	Status         string `db:"status"`
}

type senderKey struct {
	ConversationID string `db:"conversation_id"`
	SenderID       string `db:"sender_id"`
	Record         []byte `db:"record"`
}

type prekey struct {
	ID         string `db:"id"`
	PublicKey  []byte `db:"public_key"`
	PrivateKey []byte `db:"private_key"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_ratchet", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _ratchet_sessions (
						id BLOB PRIMARY KEY,
						conversation_id TEXT NOT NULL,
						sender_id TEXT NOT NULL
					);
					CREATE UNIQUE INDEX ratchet_sessions_pair_idx on _ratchet_sessions (conversation_id, sender_id);
					CREATE INDEX ratchet_sessions_sender_idx on _ratchet_sessions (sender_id);

					CREATE TABLE _ratchet_states (
						id BLOB NOT NULL PRIMARY KEY,
						dhr BLOB,
						dhs_pub BLOB NOT NULL,
						dhs_priv BLOB NOT NULL,
						root_ch_key BLOB NOT NULL,
						send_ch_key BLOB NOT NULL,
						send_ch_count BLOB NOT NULL,
						recv_ch_key BLOB NOT NULL,
						recv_ch_count BLOB NOT NULL,
						pn INTEGER NOT NULL,
						max_skip INTEGER NOT NULL,
						hkr BLOB,
						nhkr BLOB,
						hks BLOB,
						nhks BLOB,
						max_keep INTEGER NOT NULL,
						mmk_per_session INTEGER NOT NULL,
						step INTEGER NOT NULL,
						keys_count INTEGER NOT NULL
					);

					CREATE TABLE _ratchet_keys (
						pub_key BLOB NOT NULL,
						message_key BLOB NOT NULL,
						msg_num INTEGER NOT NULL,
						session_id BLOB NOT NULL,
						seq_num INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX ratchet_keys_pubkey_msg_num on _ratchet_keys (pub_key, msg_num);
					CREATE UNIQUE INDEX ratchet_keys_session_id_seq_num on _ratchet_keys (session_id, seq_num);

					CREATE TABLE _ratchet_statuses (
						conversation_id TEXT NOT NULL,
						sender_id TEXT NOT NULL,
						status TEXT NOT NULL,
						PRIMARY KEY (conversation_id, sender_id)
					);

					CREATE TABLE _ratchet_sender_keys (
						conversation_id TEXT NOT NULL,
						sender_id TEXT NOT NULL,
						record BLOB NOT NULL,
						PRIMARY KEY (conversation_id, sender_id)
					);

					CREATE TABLE _ratchet_prekeys (
						id TEXT PRIMARY KEY,
						public_key BLOB NOT NULL,
						private_key BLOB NOT NULL
					);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *database) insertSession(s *session) error {
	if _, err := d.Tx.NamedExec("INSERT OR REPLACE INTO _ratchet_sessions (id, conversation_id, sender_id) VALUES (:id, :conversation_id, :sender_id)", s); err != nil {
		return fmt.Errorf("ratchet: error inserting session: %w", err)
	}
	return nil
}

func (d *database) hasSessionID(id []byte) (bool, error) {
	var count int
	if err := d.Tx.Get(&count, "SELECT COUNT(*) FROM _ratchet_sessions WHERE id = $1", id); err != nil {
		return false, fmt.Errorf("ratchet: error counting sessions: %w", err)
	}
	return count != 0, nil
}

func (d *database) hasSessionWith(senderID string) (bool, error) {
	var count int
	if err := d.Tx.Get(&count, "SELECT COUNT(*) FROM _ratchet_sessions WHERE sender_id = $1", senderID); err != nil {
		return false, fmt.Errorf("ratchet: error counting sessions: %w", err)
	}
	return count != 0, nil
}

func (d *database) deleteSession(id []byte) error {
	if _, err := d.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = $1", id); err != nil {
		return fmt.Errorf("ratchet: error deleting session keys: %w", err)
	}
	if _, err := d.Tx.Exec("DELETE FROM _ratchet_states WHERE id = $1", id); err != nil {
		return fmt.Errorf("ratchet: error deleting session state: %w", err)
	}
	if _, err := d.Tx.Exec("DELETE FROM _ratchet_sessions WHERE id = $1", id); err != nil {
		return fmt.Errorf("ratchet: error deleting session: %w", err)
	}
	return nil
}

func (d *database) ratchetStatus(conversationID, senderID string) (string, error) {
	var s ratchetStatus
	if err := d.Tx.Get(&s, "SELECT * FROM _ratchet_statuses WHERE conversation_id = $1 AND sender_id = $2", conversationID, senderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StatusNone, nil
		}
		return StatusNone, fmt.Errorf("ratchet: error getting status: %w", err)
	}
	return s.Status, nil
}

func (d *database) upsertRatchetStatus(conversationID, senderID, status string) error {
	if _, err := d.Tx.Exec("INSERT OR REPLACE INTO _ratchet_statuses (conversation_id, sender_id, status) VALUES ($1, $2, $3)", conversationID, senderID, status); err != nil {
		return fmt.Errorf("ratchet: error upserting status: %w", err)
	}
	return nil
}

func (d *database) deleteRatchetStatus(conversationID, senderID string) error {
	if _, err := d.Tx.Exec("DELETE FROM _ratchet_statuses WHERE conversation_id = $1 AND sender_id = $2", conversationID, senderID); err != nil {
		return fmt.Errorf("ratchet: error deleting status: %w", err)
	}
	return nil
}

func (d *database) hasSenderKey(conversationID, senderID string) (bool, error) {
	var count int
	if err := d.Tx.Get(&count, "SELECT COUNT(*) FROM _ratchet_sender_keys WHERE conversation_id = $1 AND sender_id = $2", conversationID, senderID); err != nil {
		return false, fmt.Errorf("ratchet: error counting sender keys: %w", err)
	}
	return count != 0, nil
}

func (d *database) deleteSenderKey(conversationID, senderID string) error {
	if _, err := d.Tx.Exec("DELETE FROM _ratchet_sender_keys WHERE conversation_id = $1 AND sender_id = $2", conversationID, senderID); err != nil {
		return fmt.Errorf("ratchet: error deleting sender key: %w", err)
	}
	return nil
}

func (d *database) insertSenderKey(sk *senderKey) error {
	if _, err := d.Tx.NamedExec("INSERT OR REPLACE INTO _ratchet_sender_keys (conversation_id, sender_id, record) VALUES (:conversation_id, :sender_id, :record)", sk); err != nil {
		return fmt.Errorf("ratchet: error inserting sender key: %w", err)
	}
	return nil
}

func (d *database) insertPrekey(pk *prekey) error {
	if _, err := d.Tx.NamedExec("INSERT INTO _ratchet_prekeys (id, public_key, private_key) VALUES (:id, :public_key, :private_key)", pk); err != nil {
		return fmt.Errorf("ratchet: error inserting prekey: %w", err)
	}
	return nil
}

func (d *database) prekey(id string) (*prekey, error) {
	var pk prekey
	if err := d.Tx.Get(&pk, "SELECT * FROM _ratchet_prekeys WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("ratchet: error getting prekey: %w", err)
	}
	return &pk, nil
}

func (d *database) deletePrekey(id string) error {
	if _, err := d.Tx.Exec("DELETE FROM _ratchet_prekeys WHERE id = $1", id); err != nil {
		return fmt.Errorf("ratchet: error deleting prekey: %w", err)
	}
	return nil
}

func (d *database) ratchetState(id []byte) (*ratchetState, error) {
	var s ratchetState
	if err := d.Tx.Get(&s, "SELECT * FROM _ratchet_states WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("ratchet: error getting state: %w", err)
	}
	return &s, nil
}

func (d *database) upsertRatchetState(s *ratchetState) error {
	if _, err := d.Tx.NamedExec(`INSERT OR REPLACE INTO _ratchet_states
		(id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count)
		VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count)`, s); err != nil {
		return fmt.Errorf("ratchet: error upserting state: %w", err)
	}
	return nil
}

func (d *database) keyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) (*skippedKey, bool, error) {
	var sk skippedKey
	if err := d.Tx.Get(&sk, "SELECT * FROM _ratchet_keys WHERE session_id = $1 AND pub_key = $2 AND msg_num = $3", sessionID, []byte(k), msgNum); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("ratchet: error getting skipped key: %w", err)
	}
	return &sk, true, nil
}

func (d *database) upsertKeyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if _, err := d.Tx.Exec("INSERT OR REPLACE INTO _ratchet_keys (session_id, pub_key, msg_num, message_key, seq_num) VALUES ($1, $2, $3, $4, $5)", sessionID, []byte(k), msgNum, []byte(mk), keySeqNum); err != nil {
		return fmt.Errorf("ratchet: error upserting skipped key: %w", err)
	}
	return nil
}

func (d *database) deleteKeyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) error {
	if _, err := d.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = $1 AND pub_key = $2 AND msg_num = $3", sessionID, []byte(k), msgNum); err != nil {
		return fmt.Errorf("ratchet: error deleting skipped key: %w", err)
	}
	return nil
}

func (d *database) deleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if _, err := d.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = $1 AND seq_num <= $2", sessionID, deleteUntilSeqKey); err != nil {
		return fmt.Errorf("ratchet: error deleting old keys: %w", err)
	}
	return nil
}

func (d *database) truncateMks(sessionID []byte, maxKeys int) error {
	if _, err := d.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = $1 AND seq_num NOT IN (SELECT seq_num FROM _ratchet_keys WHERE session_id = $1 ORDER BY seq_num DESC LIMIT $2)", sessionID, maxKeys); err != nil {
		return fmt.Errorf("ratchet: error truncating keys: %w", err)
	}
	return nil
}

func (d *database) countKeys(k doubleratchet.Key) (uint, error) {
	var count uint
	if err := d.Tx.Get(&count, "SELECT COUNT(*) FROM _ratchet_keys WHERE pub_key = $1", []byte(k)); err != nil {
		return 0, fmt.Errorf("ratchet: error counting keys: %w", err)
	}
	return count, nil
}

func (d *database) sessionStorage() doubleratchet.SessionStorage {
	return &sessionStorageImpl{d}
}

func (d *database) sessionCrypto() doubleratchet.Crypto {
	return &cryptoImpl{}
}

func (d *database) keysStorage(sessionID []byte) doubleratchet.KeysStorage {
	return keysStorageImpl{sessionID: sessionID, db: d}
}

type dhPairImpl struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPairImpl) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPairImpl) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

type sessionStorageImpl struct {
	db *database
}

func (ss *sessionStorageImpl) Load(id []byte) (*doubleratchet.State, error) {
	s, err := ss.db.ratchetState(id)
	if err != nil {
		return nil, err
	}

	drc := ss.db.sessionCrypto()

	return &doubleratchet.State{
		Crypto: drc,
		DHr:    s.Dhr,
		DHs:    dhPairImpl{privateKey: *crypto.SliceToKey(s.DhsPriv), publicKey: *crypto.SliceToKey(s.DhsPub)},
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: drc, CK: s.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.SendChKey, N: s.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.RecvChKey, N: s.RecvChCount},
		PN:                       s.PN,
		MkSkipped:                keysStorageImpl{sessionID: id, db: ss.db},
		MaxSkip:                  s.MaxSkip,
		HKr:                      s.HKr,
		NHKr:                     s.NHKr,
		HKs:                      s.HKs,
		NHKs:                     s.NHKs,
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessageKeysPerSession,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}, nil
}

func (ss *sessionStorageImpl) Save(id []byte, state *doubleratchet.State) error {
	s := &ratchetState{
		ID:                       id,
		Dhr:                      state.DHr,
		DhsPub:                   state.DHs.PublicKey(),
		DhsPriv:                  state.DHs.PrivateKey(),
		RootChKey:                state.RootCh.CK,
		SendChKey:                state.SendCh.CK,
		SendChCount:              state.SendCh.N,
		RecvChKey:                state.RecvCh.CK,
		RecvChCount:              state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  state.MaxSkip,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		MaxKeep:                  state.MaxKeep,
		MaxMessageKeysPerSession: state.MaxMessageKeysPerSession,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
	}
	return ss.db.upsertRatchetState(s)
}

type cryptoImpl struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

func (c *cryptoImpl) GenerateDH() (doubleratchet.DHPair, error) {
	pubk, privk, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}

	return dhPairImpl{privateKey: *privk, publicKey: *pubk}, nil
}

func (c *cryptoImpl) DH(dhPair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	dhPairKey := crypto.SliceToKey(dhPair.PrivateKey())
	dhPubKey := crypto.SliceToKey(dhPub)
	out := box.Precompute(dhPubKey, dhPairKey)
	return out[:], nil
}

func (c *cryptoImpl) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *cryptoImpl) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *cryptoImpl) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *cryptoImpl) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

type keysStorageImpl struct {
	sessionID []byte
	db        *database
}

func (ks keysStorageImpl) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	kr, ok, err := ks.db.keyByMsgNum(ks.sessionID, k, msgNum)
	if !ok || err != nil {
		return doubleratchet.Key{}, ok, err
	}
	return kr.MessageKey, ok, err
}

func (ks keysStorageImpl) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.db.upsertKeyByMsgNum(sessionID, k, msgNum, mk, keySeqNum)
}

func (ks keysStorageImpl) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	return ks.db.deleteKeyByMsgNum(ks.sessionID, k, msgNum)
}

func (ks keysStorageImpl) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.db.deleteOldMks(sessionID, deleteUntilSeqKey)
}

func (ks keysStorageImpl) TruncateMks(sessionID []byte, maxKeys int) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.db.truncateMks(sessionID, maxKeys)
}

func (ks keysStorageImpl) Count(k doubleratchet.Key) (uint, error) {
	return ks.db.countKeys(k)
}

func (ks keysStorageImpl) All() (map[string]map[uint]doubleratchet.Key, error) {
	return nil, errors.New("not implemented")
}

// StoreSenderKey derives and stores group sender key material for a
// (conversation, sender) pair from the given seed.
func (p *Protocol) StoreSenderKey(conversationID, senderID string, seed []byte) error {
	record := make([]byte, 32)
	r := hkdf.New(sha256.New, seed, nil, []byte(conversationID+"\x00"+senderID))
	if _, err := io.ReadFull(r, record); err != nil {
		return fmt.Errorf("ratchet: error deriving sender key: %w", err)
	}
	return p.db.insertSenderKey(&senderKey{ConversationID: conversationID, SenderID: senderID, Record: record})
}
