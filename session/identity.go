package session

import (
	"bytes"
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/wire"
)

const (
	maxPreKeyID          = 0xFFFFFF
	maxRegistrationID    = 16380
	signedPreKeyMaxAgeMs = 30 * 24 * 60 * 60 * 1000
)

// Setup creates the local identity, a signed prekey and the first batch of one-time prekeys. It is a no-op
// when an identity already exists.
func (t *Transport) Setup(secret *crypto.MasterSecret) error {
	return t.db.Run("setup local identity", func() error {
		if _, err := t.db.localIdentity(); err == nil {
			return nil
		} else if err != ErrNoLocalIdentity {
			return err
		}

		pub, priv, err := ed25519.GenerateKey(crypto_rand.Reader)
		if err != nil {
			return err
		}
		sealed, err := secret.Seal(priv.Seed())
		if err != nil {
			return err
		}
		regID, err := randomRegistrationID()
		if err != nil {
			return err
		}
		li := &localIdentity{
			PublicKey:          pub,
			SealedSeed:         sealed,
			RegistrationID:     regID,
			NextPreKeyID:       1,
			NextSignedPreKeyID: 1,
			CtimeMs:            t.clock.CurrentTimeMs(),
		}
		if err := t.rotateSignedPreKey(secret, li, priv); err != nil {
			return err
		}
		if err := t.generatePreKeys(secret, li, t.config.PreKeyBatchSize); err != nil {
			return err
		}
		t.log.Infof("created local identity with registration id %d", regID)
		return t.db.upsertLocalIdentity(li)
	})
}

func randomRegistrationID() (uint32, error) {
	var b [4]byte
	if _, err := crypto_rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:])%maxRegistrationID + 1, nil
}

func (t *Transport) localPrivateKey(secret *crypto.MasterSecret, li *localIdentity) (ed25519.PrivateKey, error) {
	seed, err := secret.Open(li.SealedSeed)
	if err != nil {
		return nil, fmt.Errorf("session: error opening identity: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("session: malformed identity seed")
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func (t *Transport) openPair(secret *crypto.MasterSecret, pub, sealedPrivate []byte) (*crypto.DHPair, error) {
	priv, err := secret.Open(sealedPrivate)
	if err != nil {
		return nil, err
	}
	if len(priv) != 32 || len(pub) != 32 {
		return nil, fmt.Errorf("session: malformed prekey")
	}
	return &crypto.DHPair{Private: [32]byte(priv), Public: [32]byte(pub)}, nil
}

func (t *Transport) rotateSignedPreKey(secret *crypto.MasterSecret, li *localIdentity, priv ed25519.PrivateKey) error {
	pair, err := crypto.GenerateDHPair()
	if err != nil {
		return err
	}
	sealed, err := secret.Seal(pair.Private[:])
	if err != nil {
		return err
	}
	now := t.clock.CurrentTimeMs()
	spk := &signedPreKey{
		ID:            li.NextSignedPreKeyID,
		PublicKey:     pair.Public[:],
		SealedPrivate: sealed,
		Signature:     signPreKey(priv, pair.Public[:]),
		Current:       true,
		CtimeMs:       now,
	}
	li.NextSignedPreKeyID = li.NextSignedPreKeyID%maxPreKeyID + 1
	if err := t.db.insertSignedPreKey(spk); err != nil {
		return err
	}
	if now > signedPreKeyMaxAgeMs {
		return t.db.deleteSignedPreKeysBefore(now - signedPreKeyMaxAgeMs)
	}
	return nil
}

func (t *Transport) generatePreKeys(secret *crypto.MasterSecret, li *localIdentity, n int) error {
	for i := 0; i < n; i++ {
		pair, err := crypto.GenerateDHPair()
		if err != nil {
			return err
		}
		sealed, err := secret.Seal(pair.Private[:])
		if err != nil {
			return err
		}
		if err := t.db.insertPreKey(&preKey{ID: li.NextPreKeyID, PublicKey: pair.Public[:], SealedPrivate: sealed}); err != nil {
			return err
		}
		li.NextPreKeyID = li.NextPreKeyID%maxPreKeyID + 1
	}
	return nil
}

// GeneratePreKeys adds n one-time prekeys.
func (t *Transport) GeneratePreKeys(secret *crypto.MasterSecret, n int) error {
	return t.db.Run("generate prekeys", func() error {
		li, err := t.db.localIdentity()
		if err != nil {
			return err
		}
		if err := t.generatePreKeys(secret, li, n); err != nil {
			return err
		}
		return t.db.upsertLocalIdentity(li)
	})
}

// RotateSignedPreKey replaces the current signed prekey. Older ones stay usable for a while.
func (t *Transport) RotateSignedPreKey(secret *crypto.MasterSecret) error {
	return t.db.Run("rotate signed prekey", func() error {
		li, err := t.db.localIdentity()
		if err != nil {
			return err
		}
		priv, err := t.localPrivateKey(secret, li)
		if err != nil {
			return err
		}
		if err := t.rotateSignedPreKey(secret, li, priv); err != nil {
			return err
		}
		return t.db.upsertLocalIdentity(li)
	})
}

// RemainingPreKeys counts unused one-time prekeys.
func (t *Transport) RemainingPreKeys() (int, error) {
	var count int
	err := t.db.RunReadOnly("count prekeys", func() error {
		var err error
		count, err = t.db.countPreKeys()
		return err
	})
	return count, err
}

// PreKeyState is the public half of everything needed to upload to the relay.
func (t *Transport) PreKeyState() (*wire.PreKeyState, error) {
	state := &wire.PreKeyState{}
	err := t.db.RunReadOnly("prekey state", func() error {
		li, err := t.db.localIdentity()
		if err != nil {
			return err
		}
		spk, err := t.db.currentSignedPreKey()
		if err != nil {
			return err
		}
		pks, err := t.db.preKeys()
		if err != nil {
			return err
		}
		state.IdentityKey = li.PublicKey
		state.RegistrationID = li.RegistrationID
		state.SignedPreKey = wire.SignedPreKeyEntry{ID: spk.ID, PublicKey: spk.PublicKey, Signature: spk.Signature}
		for _, pk := range pks {
			state.PreKeys = append(state.PreKeys, wire.PreKeyEntry{ID: pk.ID, PublicKey: pk.PublicKey})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// LocalIdentityKey returns the public identity key of this device.
func (t *Transport) LocalIdentityKey() ([]byte, error) {
	var key []byte
	err := t.db.RunReadOnly("local identity key", func() error {
		li, err := t.db.localIdentity()
		if err != nil {
			return err
		}
		key = li.PublicKey
		return nil
	})
	return key, err
}

// LocalRegistrationID returns the registration id announced to the relay.
func (t *Transport) LocalRegistrationID() (uint32, error) {
	var id uint32
	err := t.db.RunReadOnly("local registration id", func() error {
		li, err := t.db.localIdentity()
		if err != nil {
			return err
		}
		id = li.RegistrationID
		return nil
	})
	return id, err
}

func (t *Transport) isTrusted(addr wire.Address, key []byte) (bool, error) {
	i, ok, err := t.db.identity(addr.Name, addr.DeviceID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return bytes.Equal(i.IdentityKey, key), nil
}

// recordFirstContact stores key when nothing is pinned for addr yet.
func (t *Transport) recordFirstContact(addr wire.Address, key []byte) error {
	_, ok, err := t.db.identity(addr.Name, addr.DeviceID)
	if err != nil || ok {
		return err
	}
	return t.db.upsertIdentity(&identity{Name: addr.Name, DeviceID: addr.DeviceID, IdentityKey: key, MtimeMs: t.clock.CurrentTimeMs()})
}

// IsTrusted is true when key matches the pinned key for addr, or nothing is pinned yet.
func (t *Transport) IsTrusted(addr wire.Address, key []byte) (bool, error) {
	var trusted bool
	err := t.db.RunReadOnly("is trusted", func() error {
		var err error
		trusted, err = t.isTrusted(addr, key)
		return err
	})
	return trusted, err
}

// Pin replaces the trusted key for addr. Sessions built on another key are dropped.
func (t *Transport) Pin(addr wire.Address, key []byte) error {
	return t.db.Run(fmt.Sprintf("pin %s", addr), func() error {
		s, ok, err := t.db.session(addr.Name, addr.DeviceID)
		if err != nil {
			return err
		}
		if ok && !bytes.Equal(s.RemoteIdentity, key) {
			if err := t.db.deleteSession(s); err != nil {
				return err
			}
		}
		t.log.Infof("pinning new identity for %s", addr)
		return t.db.upsertIdentity(&identity{Name: addr.Name, DeviceID: addr.DeviceID, IdentityKey: key, MtimeMs: t.clock.CurrentTimeMs()})
	})
}

// Identity returns the pinned key for addr, or nil.
func (t *Transport) Identity(addr wire.Address) ([]byte, error) {
	var key []byte
	err := t.db.RunReadOnly("identity", func() error {
		i, ok, err := t.db.identity(addr.Name, addr.DeviceID)
		if err != nil || !ok {
			return err
		}
		key = i.IdentityKey
		return nil
	})
	return key, err
}
