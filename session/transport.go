// Package session owns the per-device encrypted sessions: establishing them from prekey bundles, encrypting
// for one device, and decrypting and classifying inbound envelopes. It also keeps the local identity,
// the local prekeys and the trusted identity keys of peers.
package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/wire"
	"go.uber.org/zap"
)

// PreKeyService fetches published prekey bundles. A deviceID of 0 asks for every device of name.
type PreKeyService interface {
	PreKeys(ctx context.Context, name string, deviceID uint32) ([]*wire.PreKeyBundle, error)
}

// Plaintext is a decrypted envelope body.
type Plaintext struct {
	Address wire.Address
	Body    []byte
	// PreKey is set when the envelope was a prekey message, so one of our one-time prekeys may be gone.
	PreKey bool
}

type Transport struct {
	config  *config.Config
	db      *database
	log     *zap.SugaredLogger
	service PreKeyService
	clock   clock.Clock
}

func NewTransport(c *config.Config, d *db.Database, service PreKeyService, cl clock.Clock) (*Transport, error) {
	sdb, err := newDatabase(d)
	if err != nil {
		return nil, err
	}
	return &Transport{
		config:  c,
		db:      sdb,
		log:     c.Logger("session"),
		service: service,
		clock:   cl,
	}, nil
}

func (t *Transport) LocalAddress() wire.Address {
	return wire.NewAddress(t.config.LocalName, t.config.LocalDeviceID)
}

func (t *Transport) HasSession(addr wire.Address) (bool, error) {
	var ok bool
	err := t.db.RunReadOnly(fmt.Sprintf("has session %s", addr), func() error {
		var err error
		_, ok, err = t.db.session(addr.Name, addr.DeviceID)
		return err
	})
	return ok, err
}

// DeviceIDs lists devices of name that have a session.
func (t *Transport) DeviceIDs(name string) ([]uint32, error) {
	var out []uint32
	err := t.db.RunReadOnly(fmt.Sprintf("device ids %s", name), func() error {
		sessions, err := t.db.sessions(name)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			out = append(out, s.DeviceID)
		}
		return nil
	})
	return out, err
}

func (t *Transport) DeleteSession(addr wire.Address) error {
	return t.db.Run(fmt.Sprintf("delete session %s", addr), func() error {
		s, ok, err := t.db.session(addr.Name, addr.DeviceID)
		if err != nil || !ok {
			return err
		}
		t.log.Debugf("deleting session for %s", addr)
		return t.db.deleteSession(s)
	})
}

func (t *Transport) DeleteAllSessions(name string) error {
	return t.db.Run(fmt.Sprintf("delete sessions %s", name), func() error {
		sessions, err := t.db.sessions(name)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			if err := t.db.deleteSession(s); err != nil {
				return err
			}
		}
		return nil
	})
}

// EnsureSession builds a session for addr from its published bundle unless one exists.
func (t *Transport) EnsureSession(ctx context.Context, secret *crypto.MasterSecret, addr wire.Address) error {
	ok, err := t.HasSession(addr)
	if err != nil || ok {
		return err
	}
	bundles, err := t.service.PreKeys(ctx, addr.Name, addr.DeviceID)
	if err != nil {
		return err
	}
	for _, b := range bundles {
		if b.DeviceID == addr.DeviceID {
			return t.ProcessBundle(secret, addr, b)
		}
	}
	return &KeyAgreementError{Address: addr, Reason: "no bundle for device"}
}

// ProcessBundle runs the handshake against b and stores the resulting session, replacing any previous one.
func (t *Transport) ProcessBundle(secret *crypto.MasterSecret, addr wire.Address, b *wire.PreKeyBundle) error {
	if err := validateBundle(addr, b); err != nil {
		return err
	}
	return unwrapTyped(t.db.Run(fmt.Sprintf("process bundle %s", addr), func() error {
		trusted, err := t.isTrusted(addr, b.IdentityKey)
		if err != nil {
			return err
		}
		if !trusted {
			return &UntrustedIdentityError{Address: addr, IdentityKey: b.IdentityKey}
		}
		li, err := t.db.localIdentity()
		if err != nil {
			return err
		}
		priv, err := t.localPrivateKey(secret, li)
		if err != nil {
			return err
		}
		base, err := crypto.GenerateDHPair()
		if err != nil {
			return err
		}
		sk, err := agreeAsInitiator(priv, base, b)
		if err != nil {
			return &KeyAgreementError{Address: addr, Reason: "agreement", Err: err}
		}
		if err := t.recordFirstContact(addr, b.IdentityKey); err != nil {
			return err
		}
		if err := t.replaceSession(addr); err != nil {
			return err
		}
		id := ids.NewID()
		if err := t.db.newInitiatorRatchet(id[:], sk, b.SignedPreKey); err != nil {
			return err
		}
		t.log.Debugf("started session with %s", addr)
		return t.db.insertSession(&session{
			Name:                  addr.Name,
			DeviceID:              addr.DeviceID,
			RatchetID:             id[:],
			RemoteIdentity:        b.IdentityKey,
			RemoteRegistrationID:  b.RegistrationID,
			AssociatedData:        associatedData(li.PublicKey, b.IdentityKey),
			PendingPreKeyID:       b.PreKeyID,
			PendingSignedPreKeyID: b.SignedPreKeyID,
			PendingBaseKey:        base.Public[:],
			CtimeMs:               t.clock.CurrentTimeMs(),
		})
	}))
}

func (t *Transport) replaceSession(addr wire.Address) error {
	s, ok, err := t.db.session(addr.Name, addr.DeviceID)
	if err != nil || !ok {
		return err
	}
	return t.db.deleteSession(s)
}

// EncryptFor encrypts plaintext for exactly one device.
func (t *Transport) EncryptFor(secret *crypto.MasterSecret, addr wire.Address, plaintext []byte) (*wire.OutgoingMessage, error) {
	var out *wire.OutgoingMessage
	err := t.db.Run(fmt.Sprintf("encrypt for %s", addr), func() error {
		s, ok, err := t.db.session(addr.Name, addr.DeviceID)
		if err != nil {
			return err
		}
		if !ok {
			return &NoSessionError{Address: addr}
		}
		trusted, err := t.isTrusted(addr, s.RemoteIdentity)
		if err != nil {
			return err
		}
		if !trusted {
			return &UntrustedIdentityError{Address: addr, IdentityKey: s.RemoteIdentity}
		}
		r, err := t.db.loadRatchet(s)
		if err != nil {
			return err
		}
		rm, err := r.encrypt(plaintext)
		if err != nil {
			return err
		}
		body, err := versioned(rm)
		if err != nil {
			return err
		}
		out = &wire.OutgoingMessage{
			Type:                      wire.TypeCiphertext,
			DestinationDeviceID:       addr.DeviceID,
			DestinationRegistrationID: s.RemoteRegistrationID,
		}
		if !s.pending() {
			out.Body = body
			return nil
		}
		li, err := t.db.localIdentity()
		if err != nil {
			return err
		}
		out.Type = wire.TypePreKeyBundle
		out.Body, err = versioned(&preKeyMessage{
			RegistrationID: li.RegistrationID,
			PreKeyID:       s.PendingPreKeyID,
			SignedPreKeyID: s.PendingSignedPreKeyID,
			BaseKey:        s.PendingBaseKey,
			IdentityKey:    li.PublicKey,
			Message:        body,
		})
		return err
	})
	if err != nil {
		return nil, unwrapTyped(err)
	}
	return out, nil
}

func envelopeDigest(env *wire.Envelope) []byte {
	var device [4]byte
	binary.BigEndian.PutUint32(device[:], env.SourceDevice)
	d := crypto.Digest([]byte(env.Source), device[:], []byte{env.Type}, env.Ciphertext())
	return d[:]
}

// ForgetEnvelope drops the replay record of env so it can be decrypted again.
func (t *Transport) ForgetEnvelope(env *wire.Envelope) error {
	return t.db.Run("forget envelope", func() error {
		return t.db.deleteSeenEnvelope(envelopeDigest(env))
	})
}

// Decrypt runs DecryptTx in its own transaction. Errors from decryption itself are always *DecryptError.
func (t *Transport) Decrypt(secret *crypto.MasterSecret, env *wire.Envelope) (*Plaintext, error) {
	var p *Plaintext
	var derr *DecryptError
	err := t.db.Run(fmt.Sprintf("decrypt from %s", env.SourceAddress()), func() error {
		var err error
		p, err = t.DecryptTx(secret, env)
		if errors.As(err, &derr) && derr.recorded() {
			return nil
		}
		return err
	})
	if derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DecryptTx must run inside a transaction. Callers commit on success and on the UntrustedIdentity and
// Duplicate kinds so the replay record is kept. Any other *DecryptError should roll back.
func (t *Transport) DecryptTx(secret *crypto.MasterSecret, env *wire.Envelope) (*Plaintext, error) {
	addr := env.SourceAddress()
	digest := envelopeDigest(env)
	seen, err := t.db.seenEnvelope(digest)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, newDecryptError(Duplicate, addr, nil)
	}

	var p *Plaintext
	switch env.Type {
	case wire.TypePreKeyBundle:
		p, err = t.decryptPreKeyMessage(secret, addr, env.Ciphertext())
	case wire.TypeCiphertext:
		p, err = t.decryptMessage(addr, env.Ciphertext())
	default:
		return nil, newDecryptError(InvalidVersion, addr, fmt.Errorf("unknown envelope type %d", env.Type))
	}

	var derr *DecryptError
	if errors.As(err, &derr) && derr.Kind == UntrustedIdentity {
		if err := t.db.insertSeenEnvelope(digest, t.clock.CurrentTimeMs()); err != nil {
			return nil, err
		}
		return nil, derr
	}
	if err != nil {
		return nil, err
	}
	if err := t.db.insertSeenEnvelope(digest, t.clock.CurrentTimeMs()); err != nil {
		return nil, err
	}
	return p, nil
}

func (t *Transport) decryptMessage(addr wire.Address, body []byte) (*Plaintext, error) {
	rm := &ratchetMessage{}
	if kind, err := unversioned(body, rm); err != nil {
		return nil, newDecryptError(kind, addr, err)
	}
	s, ok, err := t.db.session(addr.Name, addr.DeviceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newDecryptError(NoSession, addr, nil)
	}
	return t.decryptWithSession(addr, s, rm)
}

func (t *Transport) decryptWithSession(addr wire.Address, s *session, rm *ratchetMessage) (*Plaintext, error) {
	trusted, err := t.isTrusted(addr, s.RemoteIdentity)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, &DecryptError{Kind: UntrustedIdentity, Address: addr, IdentityKey: s.RemoteIdentity}
	}
	r, err := t.db.loadRatchet(s)
	if err != nil {
		return nil, err
	}
	pt, err := r.decrypt(rm)
	if err != nil {
		return nil, newDecryptError(Corrupt, addr, err)
	}
	if s.pending() {
		if err := t.db.clearPending(s); err != nil {
			return nil, err
		}
	}
	return &Plaintext{Address: addr, Body: pt}, nil
}

func (t *Transport) decryptPreKeyMessage(secret *crypto.MasterSecret, addr wire.Address, body []byte) (*Plaintext, error) {
	pkm := &preKeyMessage{}
	if kind, err := unversioned(body, pkm); err != nil {
		return nil, newDecryptError(kind, addr, err)
	}
	rm := &ratchetMessage{}
	if kind, err := unversioned(pkm.Message, rm); err != nil {
		return nil, newDecryptError(kind, addr, err)
	}
	if len(pkm.IdentityKey) != 32 || len(pkm.BaseKey) != 32 {
		return nil, newDecryptError(Corrupt, addr, errors.New("malformed prekey message"))
	}

	trusted, err := t.isTrusted(addr, pkm.IdentityKey)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, &DecryptError{Kind: UntrustedIdentity, Address: addr, IdentityKey: pkm.IdentityKey}
	}

	s, ok, err := t.db.session(addr.Name, addr.DeviceID)
	if err != nil {
		return nil, err
	}
	if !ok || !bytes.Equal(s.RemoteBaseKey, pkm.BaseKey) {
		s, err = t.respond(secret, addr, pkm)
		if err != nil {
			return nil, err
		}
	}
	p, err := t.decryptWithSession(addr, s, rm)
	if err != nil {
		return nil, err
	}
	p.PreKey = true
	return p, nil
}

// respond builds the responding side of a session from a prekey message, consuming the one-time prekey.
func (t *Transport) respond(secret *crypto.MasterSecret, addr wire.Address, pkm *preKeyMessage) (*session, error) {
	li, err := t.db.localIdentity()
	if err != nil {
		return nil, err
	}
	priv, err := t.localPrivateKey(secret, li)
	if err != nil {
		return nil, err
	}
	spkRow, ok, err := t.db.signedPreKey(pkm.SignedPreKeyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newDecryptError(Corrupt, addr, fmt.Errorf("unknown signed prekey %d", pkm.SignedPreKeyID))
	}
	spk, err := t.openPair(secret, spkRow.PublicKey, spkRow.SealedPrivate)
	if err != nil {
		return nil, err
	}
	var opk *crypto.DHPair
	if pkm.PreKeyID != 0 {
		pkRow, ok, err := t.db.preKey(pkm.PreKeyID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, newDecryptError(Corrupt, addr, fmt.Errorf("unknown prekey %d", pkm.PreKeyID))
		}
		if opk, err = t.openPair(secret, pkRow.PublicKey, pkRow.SealedPrivate); err != nil {
			return nil, err
		}
	}
	sk, err := agreeAsResponder(priv, spk, opk, pkm.IdentityKey, pkm.BaseKey)
	if err != nil {
		return nil, newDecryptError(Corrupt, addr, err)
	}

	if err := t.recordFirstContact(addr, pkm.IdentityKey); err != nil {
		return nil, err
	}
	if err := t.replaceSession(addr); err != nil {
		return nil, err
	}
	id := ids.NewID()
	if err := t.db.newResponderRatchet(id[:], sk, spk); err != nil {
		return nil, err
	}
	s := &session{
		Name:                 addr.Name,
		DeviceID:             addr.DeviceID,
		RatchetID:            id[:],
		RemoteIdentity:       pkm.IdentityKey,
		RemoteRegistrationID: pkm.RegistrationID,
		RemoteBaseKey:        pkm.BaseKey,
		AssociatedData:       associatedData(pkm.IdentityKey, li.PublicKey),
		CtimeMs:              t.clock.CurrentTimeMs(),
	}
	if err := t.db.insertSession(s); err != nil {
		return nil, err
	}
	if pkm.PreKeyID != 0 {
		if err := t.db.deletePreKey(pkm.PreKeyID); err != nil {
			return nil, err
		}
	}
	t.log.Debugf("accepted session from %s", addr)
	return s, nil
}

// unwrapTyped strips the transaction label from errors callers match on.
func unwrapTyped(err error) error {
	var untrusted *UntrustedIdentityError
	if errors.As(err, &untrusted) {
		return untrusted
	}
	var agreement *KeyAgreementError
	if errors.As(err, &agreement) {
		return agreement
	}
	var noSession *NoSessionError
	if errors.As(err, &noSession) {
		return noSession
	}
	return err
}
