package session

import (
	"bytes"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-courier/crypto"
	"github.com/status-im/doubleratchet"
)

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

// sessionStorageImpl keeps ratchet state in the current transaction.
type sessionStorageImpl struct {
	db *database
}

func (ss *sessionStorageImpl) Load(id []byte) (*doubleratchet.State, error) {
	s, err := ss.db.doubleratchetState(id)
	if err != nil {
		return nil, err
	}

	drc := &cryptoImpl{}
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
		MkSkipped:                ss.db.keysStorage(id),
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
	return ss.db.upsertDoubleratchetState(&doubleratchetState{
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
	})
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
	if len(dhPub) != 32 {
		return nil, fmt.Errorf("session: expected 32 byte ratchet key, got %d", len(dhPub))
	}
	out := box.Precompute(crypto.SliceToKey(dhPub), crypto.SliceToKey(dhPair.PrivateKey()))
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

// keysStorageImpl holds skipped message keys for a single ratchet.
type keysStorageImpl struct {
	sessionID []byte
	db        *database
}

func (ks *keysStorageImpl) check(sessionID []byte) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("session: expected ratchet %x, got %x", ks.sessionID, sessionID)
	}
	return nil
}

func (ks *keysStorageImpl) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	kr, ok, err := ks.db.keyByMsgNum(ks.sessionID, k, msgNum)
	if !ok || err != nil {
		return doubleratchet.Key{}, ok, err
	}
	return kr.MessageKey, true, nil
}

func (ks *keysStorageImpl) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if err := ks.check(sessionID); err != nil {
		return err
	}
	return ks.db.insertKey(sessionID, k, msgNum, mk, keySeqNum)
}

func (ks *keysStorageImpl) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	return ks.db.deleteKey(ks.sessionID, k, msgNum)
}

func (ks *keysStorageImpl) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if err := ks.check(sessionID); err != nil {
		return err
	}
	return ks.db.deleteOldKeys(sessionID, deleteUntilSeqKey)
}

func (ks *keysStorageImpl) TruncateMks(sessionID []byte, maxKeys int) error {
	if err := ks.check(sessionID); err != nil {
		return err
	}
	return ks.db.truncateKeys(sessionID, maxKeys)
}

func (ks *keysStorageImpl) Count(k doubleratchet.Key) (uint, error) {
	return ks.db.countKeys(k)
}

func (ks *keysStorageImpl) All() (map[string]map[uint]doubleratchet.Key, error) {
	return nil, errors.New("session: listing all skipped keys is not supported")
}

// ratchet wraps one loaded doubleratchet session together with its associated data.
type ratchet struct {
	session doubleratchet.Session
	ad      []byte
}

func (db *database) loadRatchet(s *session) (*ratchet, error) {
	drs, err := doubleratchet.Load(s.RatchetID, &sessionStorageImpl{db: db}, doubleratchet.WithCrypto(&cryptoImpl{}), doubleratchet.WithKeysStorage(db.keysStorage(s.RatchetID)))
	if err != nil {
		return nil, fmt.Errorf("session: error loading ratchet: %w", err)
	}
	return &ratchet{session: drs, ad: s.AssociatedData}, nil
}

// newInitiatorRatchet starts the side that sends first, keyed to the peer's signed prekey.
func (db *database) newInitiatorRatchet(id, sk []byte, remoteSignedPreKey []byte) error {
	if _, err := doubleratchet.NewWithRemoteKey(id, sk, remoteSignedPreKey, &sessionStorageImpl{db: db}, doubleratchet.WithCrypto(&cryptoImpl{}), doubleratchet.WithKeysStorage(db.keysStorage(id))); err != nil {
		return fmt.Errorf("session: error initializing ratchet: %w", err)
	}
	return nil
}

// newResponderRatchet starts the side that owns the signed prekey.
func (db *database) newResponderRatchet(id, sk []byte, signedPreKey *crypto.DHPair) error {
	pair := dhPairImpl{privateKey: signedPreKey.Private, publicKey: signedPreKey.Public}
	if _, err := doubleratchet.New(id, sk, pair, &sessionStorageImpl{db: db}, doubleratchet.WithCrypto(&cryptoImpl{}), doubleratchet.WithKeysStorage(db.keysStorage(id))); err != nil {
		return fmt.Errorf("session: error initializing ratchet: %w", err)
	}
	return nil
}

func (r *ratchet) encrypt(plaintext []byte) (*ratchetMessage, error) {
	msg, err := r.session.RatchetEncrypt(plaintext, r.ad)
	if err != nil {
		return nil, fmt.Errorf("session: error encrypting: %w", err)
	}
	return &ratchetMessage{
		Dh:   msg.Header.DH,
		N:    msg.Header.N,
		Pn:   msg.Header.PN,
		Body: msg.Ciphertext,
	}, nil
}

// decrypt opens rm and drops its message key, so the same ciphertext cannot be opened twice.
func (r *ratchet) decrypt(rm *ratchetMessage) ([]byte, error) {
	pt, err := r.session.RatchetDecrypt(doubleratchet.Message{
		Header: doubleratchet.MessageHeader{
			DH: rm.Dh,
			N:  rm.N,
			PN: rm.Pn,
		},
		Ciphertext: rm.Body,
	}, r.ad)
	if err != nil {
		return nil, err
	}
	if err := r.session.DeleteMk(rm.Dh, rm.N); err != nil {
		return nil, fmt.Errorf("session: error deleting used message key: %w", err)
	}
	return pt, nil
}
