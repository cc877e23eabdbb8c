package session

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/migration"
	"github.com/status-im/doubleratchet"
)

type localIdentity struct {
	ID                 int    `db:"id"`
	PublicKey          []byte `db:"public_key"`
	SealedSeed         []byte `db:"sealed_seed"`
	RegistrationID     uint32 `db:"registration_id"`
	NextPreKeyID       uint32 `db:"next_prekey_id"`
	NextSignedPreKeyID uint32 `db:"next_signed_prekey_id"`
	CtimeMs            uint64 `db:"ctime_ms"`
}

type signedPreKey struct {
	ID            uint32 `db:"id"`
	PublicKey     []byte `db:"public_key"`
	SealedPrivate []byte `db:"sealed_private"`
	Signature     []byte `db:"signature"`
	Current       bool   `db:"current"`
	CtimeMs       uint64 `db:"ctime_ms"`
}

type preKey struct {
	ID            uint32 `db:"id"`
	PublicKey     []byte `db:"public_key"`
	SealedPrivate []byte `db:"sealed_private"`
}

type identity struct {
	Name        string `db:"name"`
	DeviceID    uint32 `db:"device_id"`
	IdentityKey []byte `db:"identity_key"`
	MtimeMs     uint64 `db:"mtime_ms"`
}

// session is the bookkeeping around one doubleratchet state. PendingBaseKey is set on the initiating side
// until the peer answers, RemoteBaseKey on the responding side.
type session struct {
	Name                  string `db:"name"`
	DeviceID              uint32 `db:"device_id"`
	RatchetID             []byte `db:"ratchet_id"`
	RemoteIdentity        []byte `db:"remote_identity"`
	RemoteRegistrationID  uint32 `db:"remote_registration_id"`
	RemoteBaseKey         []byte `db:"remote_base_key"`
	AssociatedData        []byte `db:"associated_data"`
	PendingPreKeyID       uint32 `db:"pending_prekey_id"`
	PendingSignedPreKeyID uint32 `db:"pending_signed_prekey_id"`
	PendingBaseKey        []byte `db:"pending_base_key"`
	CtimeMs               uint64 `db:"ctime_ms"`
}

func (s *session) pending() bool {
	return len(s.PendingBaseKey) != 0
}

type doubleratchetKey struct {
	PublicKey      []byte `db:"pub_key"`
	MessageKey     []byte `db:"message_key"`
	MessageNumber  uint   `db:"msg_num"`
	SessionID      []byte `db:"session_id"`
	SequenceNumber uint   `db:"seq_num"`
}

type doubleratchetState struct {
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

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.Migrate("_session", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _local_identity (
						id INTEGER PRIMARY KEY CHECK (id = 1),
						public_key BLOB NOT NULL,
						sealed_seed BLOB NOT NULL,
						registration_id INTEGER NOT NULL,
						next_prekey_id INTEGER NOT NULL,
						next_signed_prekey_id INTEGER NOT NULL,
						ctime_ms INTEGER NOT NULL
					);

					CREATE TABLE _signed_prekeys (
						id INTEGER PRIMARY KEY,
						public_key BLOB NOT NULL,
						sealed_private BLOB NOT NULL,
						signature BLOB NOT NULL,
						current BOOLEAN NOT NULL,
						ctime_ms INTEGER NOT NULL
					);

					CREATE TABLE _prekeys (
						id INTEGER PRIMARY KEY,
						public_key BLOB NOT NULL,
						sealed_private BLOB NOT NULL
					);

					CREATE TABLE _identities (
						name STRING NOT NULL,
						device_id INTEGER NOT NULL,
						identity_key BLOB NOT NULL,
						mtime_ms INTEGER NOT NULL,
						PRIMARY KEY(name, device_id)
					);

					CREATE TABLE _sessions (
						name STRING NOT NULL,
						device_id INTEGER NOT NULL,
						ratchet_id BLOB NOT NULL UNIQUE,
						remote_identity BLOB NOT NULL,
						remote_registration_id INTEGER NOT NULL,
						remote_base_key BLOB,
						associated_data BLOB NOT NULL,
						pending_prekey_id INTEGER NOT NULL,
						pending_signed_prekey_id INTEGER NOT NULL,
						pending_base_key BLOB,
						ctime_ms INTEGER NOT NULL,
						PRIMARY KEY(name, device_id)
					);

					CREATE TABLE _seen_envelopes (
						digest BLOB PRIMARY KEY,
						ctime_ms INTEGER NOT NULL
					);

					CREATE TABLE _doubleratchet_keys (
						pub_key BLOB NOT NULL,
						message_key BLOB NOT NULL,
						msg_num INTEGER NOT NULL,
						session_id BLOB NOT NULL,
						seq_num INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX doubleratchet_keys_pubkey_msg_num on _doubleratchet_keys (pub_key, msg_num);
					CREATE UNIQUE INDEX doubleratchet_keys_session_id_seq_num on _doubleratchet_keys (session_id, seq_num);

					CREATE TABLE _doubleratchet_states (
						id BLOB NOT NULL PRIMARY KEY,
						dhr BLOB,
						dhs_pub BLOB NOT NULL,
						dhs_priv BLOB NOT NULL,
						root_ch_key BLOB NOT NULL,
						send_ch_key BLOB,
						send_ch_count INTEGER NOT NULL,
						recv_ch_key BLOB,
						recv_ch_count INTEGER NOT NULL,
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
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

func (db *database) localIdentity() (*localIdentity, error) {
	li := &localIdentity{}
	if err := db.Tx.Get(li, "SELECT * FROM _local_identity WHERE id = 1"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoLocalIdentity
		}
		return nil, fmt.Errorf("session: error getting local identity: %w", err)
	}
	return li, nil
}

func (db *database) upsertLocalIdentity(li *localIdentity) error {
	li.ID = 1
	if _, err := db.Tx.NamedExec("INSERT INTO _local_identity (id, public_key, sealed_seed, registration_id, next_prekey_id, next_signed_prekey_id, ctime_ms) VALUES (:id, :public_key, :sealed_seed, :registration_id, :next_prekey_id, :next_signed_prekey_id, :ctime_ms) ON CONFLICT(id) DO UPDATE SET next_prekey_id = :next_prekey_id, next_signed_prekey_id = :next_signed_prekey_id", li); err != nil {
		return fmt.Errorf("session: error upserting local identity: %w", err)
	}
	return nil
}

func (db *database) insertSignedPreKey(spk *signedPreKey) error {
	if spk.Current {
		if _, err := db.Tx.Exec("UPDATE _signed_prekeys SET current = false"); err != nil {
			return fmt.Errorf("session: error clearing current signed prekey: %w", err)
		}
	}
	if _, err := db.Tx.NamedExec("INSERT INTO _signed_prekeys (id, public_key, sealed_private, signature, current, ctime_ms) VALUES (:id, :public_key, :sealed_private, :signature, :current, :ctime_ms)", spk); err != nil {
		return fmt.Errorf("session: error inserting signed prekey: %w", err)
	}
	return nil
}

func (db *database) currentSignedPreKey() (*signedPreKey, error) {
	spk := &signedPreKey{}
	if err := db.Tx.Get(spk, "SELECT * FROM _signed_prekeys WHERE current = true"); err != nil {
		return nil, fmt.Errorf("session: error getting current signed prekey: %w", err)
	}
	return spk, nil
}

func (db *database) signedPreKey(id uint32) (*signedPreKey, bool, error) {
	spk := &signedPreKey{}
	if err := db.Tx.Get(spk, "SELECT * FROM _signed_prekeys WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("session: error getting signed prekey: %w", err)
	}
	return spk, true, nil
}

// deleteSignedPreKeysBefore drops retired signed prekeys created before ms.
func (db *database) deleteSignedPreKeysBefore(ms uint64) error {
	if _, err := db.Tx.Exec("DELETE FROM _signed_prekeys WHERE current = false AND ctime_ms < ?", ms); err != nil {
		return fmt.Errorf("session: error deleting signed prekeys: %w", err)
	}
	return nil
}

func (db *database) insertPreKey(pk *preKey) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _prekeys (id, public_key, sealed_private) VALUES (:id, :public_key, :sealed_private) ON CONFLICT(id) DO UPDATE SET public_key = :public_key, sealed_private = :sealed_private", pk); err != nil {
		return fmt.Errorf("session: error inserting prekey: %w", err)
	}
	return nil
}

func (db *database) preKey(id uint32) (*preKey, bool, error) {
	pk := &preKey{}
	if err := db.Tx.Get(pk, "SELECT * FROM _prekeys WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("session: error getting prekey: %w", err)
	}
	return pk, true, nil
}

func (db *database) preKeys() ([]*preKey, error) {
	var pks []*preKey
	if err := db.Tx.Select(&pks, "SELECT * FROM _prekeys ORDER BY id"); err != nil {
		return nil, fmt.Errorf("session: error getting prekeys: %w", err)
	}
	return pks, nil
}

func (db *database) countPreKeys() (int, error) {
	var count int
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _prekeys"); err != nil {
		return 0, fmt.Errorf("session: error counting prekeys: %w", err)
	}
	return count, nil
}

func (db *database) deletePreKey(id uint32) error {
	if _, err := db.Tx.Exec("DELETE FROM _prekeys WHERE id = ?", id); err != nil {
		return fmt.Errorf("session: error deleting prekey: %w", err)
	}
	return nil
}

func (db *database) identity(name string, deviceID uint32) (*identity, bool, error) {
	i := &identity{}
	if err := db.Tx.Get(i, "SELECT * FROM _identities WHERE name = ? AND device_id = ?", name, deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("session: error getting identity: %w", err)
	}
	return i, true, nil
}

func (db *database) upsertIdentity(i *identity) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _identities (name, device_id, identity_key, mtime_ms) VALUES (:name, :device_id, :identity_key, :mtime_ms) ON CONFLICT(name, device_id) DO UPDATE SET identity_key = :identity_key, mtime_ms = :mtime_ms", i); err != nil {
		return fmt.Errorf("session: error upserting identity: %w", err)
	}
	return nil
}

func (db *database) session(name string, deviceID uint32) (*session, bool, error) {
	s := &session{}
	if err := db.Tx.Get(s, "SELECT * FROM _sessions WHERE name = ? AND device_id = ?", name, deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("session: error getting session: %w", err)
	}
	return s, true, nil
}

func (db *database) sessions(name string) ([]*session, error) {
	var sessions []*session
	if err := db.Tx.Select(&sessions, "SELECT * FROM _sessions WHERE name = ? ORDER BY device_id", name); err != nil {
		return nil, fmt.Errorf("session: error getting sessions: %w", err)
	}
	return sessions, nil
}

func (db *database) insertSession(s *session) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _sessions (name, device_id, ratchet_id, remote_identity, remote_registration_id, remote_base_key, associated_data, pending_prekey_id, pending_signed_prekey_id, pending_base_key, ctime_ms) VALUES (:name, :device_id, :ratchet_id, :remote_identity, :remote_registration_id, :remote_base_key, :associated_data, :pending_prekey_id, :pending_signed_prekey_id, :pending_base_key, :ctime_ms)", s); err != nil {
		return fmt.Errorf("session: error inserting session: %w", err)
	}
	return nil
}

func (db *database) clearPending(s *session) error {
	if _, err := db.Tx.Exec("UPDATE _sessions SET pending_prekey_id = 0, pending_signed_prekey_id = 0, pending_base_key = NULL WHERE ratchet_id = ?", s.RatchetID); err != nil {
		return fmt.Errorf("session: error clearing pending prekey: %w", err)
	}
	s.PendingBaseKey = nil
	s.PendingPreKeyID = 0
	s.PendingSignedPreKeyID = 0
	return nil
}

func (db *database) deleteSession(s *session) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = ?", s.RatchetID); err != nil {
		return fmt.Errorf("session: error deleting doubleratchet keys: %w", err)
	}
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_states WHERE id = ?", s.RatchetID); err != nil {
		return fmt.Errorf("session: error deleting doubleratchet state: %w", err)
	}
	if _, err := db.Tx.Exec("DELETE FROM _sessions WHERE ratchet_id = ?", s.RatchetID); err != nil {
		return fmt.Errorf("session: error deleting session: %w", err)
	}
	return nil
}

func (db *database) seenEnvelope(digest []byte) (bool, error) {
	var count int
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _seen_envelopes WHERE digest = ?", digest); err != nil {
		return false, fmt.Errorf("session: error checking seen envelope: %w", err)
	}
	return count != 0, nil
}

func (db *database) insertSeenEnvelope(digest []byte, ms uint64) error {
	if _, err := db.Tx.Exec("INSERT INTO _seen_envelopes (digest, ctime_ms) VALUES (?, ?) ON CONFLICT(digest) DO NOTHING", digest, ms); err != nil {
		return fmt.Errorf("session: error inserting seen envelope: %w", err)
	}
	return nil
}

func (db *database) deleteSeenEnvelope(digest []byte) error {
	if _, err := db.Tx.Exec("DELETE FROM _seen_envelopes WHERE digest = ?", digest); err != nil {
		return fmt.Errorf("session: error deleting seen envelope: %w", err)
	}
	return nil
}

func (db *database) doubleratchetState(id []byte) (*doubleratchetState, error) {
	s := &doubleratchetState{}
	if err := db.Tx.Get(s, "SELECT * FROM _doubleratchet_states WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("session: error getting doubleratchet state: %w", err)
	}
	return s, nil
}

func (db *database) upsertDoubleratchetState(s *doubleratchetState) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _doubleratchet_states (id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count) VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count) ON CONFLICT(id) DO UPDATE SET dhr = :dhr, dhs_pub = :dhs_pub, dhs_priv = :dhs_priv, root_ch_key = :root_ch_key, send_ch_key = :send_ch_key, send_ch_count = :send_ch_count, recv_ch_key = :recv_ch_key, recv_ch_count = :recv_ch_count, pn = :pn, max_skip = :max_skip, hkr = :hkr, nhkr = :nhkr, hks = :hks, nhks = :nhks, max_keep = :max_keep, mmk_per_session = :mmk_per_session, step = :step, keys_count = :keys_count", s); err != nil {
		return fmt.Errorf("session: error upserting doubleratchet state: %w", err)
	}
	return nil
}

func (db *database) keysStorage(id []byte) doubleratchet.KeysStorage {
	return &keysStorageImpl{sessionID: id, db: db}
}

func (db *database) keyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) (*doubleratchetKey, bool, error) {
	kr := &doubleratchetKey{}
	if err := db.Tx.Get(kr, "SELECT * FROM _doubleratchet_keys WHERE pub_key = ? AND msg_num = ? AND session_id = ?", []byte(k), msgNum, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("session: error getting key by msgnum: %w", err)
	}
	return kr, true, nil
}

func (db *database) insertKey(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, seqNum uint) error {
	if _, err := db.Tx.Exec("INSERT INTO _doubleratchet_keys (pub_key, message_key, msg_num, session_id, seq_num) VALUES (?, ?, ?, ?, ?)", []byte(k), []byte(mk), msgNum, sessionID, seqNum); err != nil {
		return fmt.Errorf("session: error inserting key: %w", err)
	}
	return nil
}

func (db *database) deleteKey(sessionID []byte, k doubleratchet.Key, msgNum uint) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE pub_key = ? AND msg_num = ? AND session_id = ?", []byte(k), msgNum, sessionID); err != nil {
		return fmt.Errorf("session: error deleting key: %w", err)
	}
	return nil
}

func (db *database) deleteOldKeys(sessionID []byte, untilSeqNum uint) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = ? AND seq_num < ?", sessionID, untilSeqNum); err != nil {
		return fmt.Errorf("session: error deleting old keys: %w", err)
	}
	return nil
}

func (db *database) truncateKeys(sessionID []byte, maxKeys int) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = ? AND seq_num NOT IN (SELECT seq_num FROM _doubleratchet_keys WHERE session_id = ? ORDER BY seq_num DESC LIMIT ?)", sessionID, sessionID, maxKeys); err != nil {
		return fmt.Errorf("session: error truncating keys: %w", err)
	}
	return nil
}

func (db *database) countKeys(k doubleratchet.Key) (uint, error) {
	var count uint
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _doubleratchet_keys WHERE pub_key = ?", []byte(k)); err != nil {
		return 0, fmt.Errorf("session: error counting keys: %w", err)
	}
	return count, nil
}
