package session

import (
	"crypto/ed25519"
	"fmt"

	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/wire"
)

const (
	sessionInfo      = "CourierSession"
	signedPreKeyInfo = "CourierSignedPreKey"
)

var discontinuity = [32]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

func signPreKey(priv ed25519.PrivateKey, pub []byte) []byte {
	return ed25519.Sign(priv, crypto.Concat([]byte(signedPreKeyInfo), pub))
}

func verifyPreKey(identityKey, pub, sig []byte) bool {
	return ed25519.Verify(identityKey, crypto.Concat([]byte(signedPreKeyInfo), pub), sig)
}

// validateBundle checks shapes and the signed prekey signature.
func validateBundle(addr wire.Address, b *wire.PreKeyBundle) error {
	fail := func(reason string) error {
		return &KeyAgreementError{Address: addr, Reason: reason}
	}
	if len(b.IdentityKey) != ed25519.PublicKeySize {
		return fail("malformed identity key")
	}
	if len(b.SignedPreKey) != 32 {
		return fail("malformed signed prekey")
	}
	if b.PreKeyID != 0 && len(b.PreKey) != 32 {
		return fail("malformed one-time prekey")
	}
	if !verifyPreKey(b.IdentityKey, b.SignedPreKey, b.SignedPreKeySignature) {
		return fail("bad signed prekey signature")
	}
	return nil
}

func associatedData(initiatorIdentity, responderIdentity []byte) []byte {
	return crypto.Concat(initiatorIdentity, responderIdentity)
}

func rootKey(dhs ...[]byte) ([]byte, error) {
	ikm := append([]byte{}, discontinuity[:]...)
	for _, dh := range dhs {
		ikm = append(ikm, dh...)
	}
	return crypto.DeriveKey(ikm, nil, sessionInfo, 32)
}

// agreeAsInitiator derives the root key for the side that fetched the bundle. base is the fresh
// ephemeral key that travels in the first messages.
func agreeAsInitiator(local ed25519.PrivateKey, base *crypto.DHPair, b *wire.PreKeyBundle) ([]byte, error) {
	remoteIdentity, err := crypto.IdentityDHPublic(b.IdentityKey)
	if err != nil {
		return nil, err
	}
	spk := *crypto.SliceToKey(b.SignedPreKey)
	localIdentity := crypto.IdentityDHPrivate(local)

	dh1, err := crypto.DH(localIdentity, spk)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(base.Private, remoteIdentity)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(base.Private, spk)
	if err != nil {
		return nil, err
	}
	if b.PreKeyID == 0 {
		return rootKey(dh1, dh2, dh3)
	}
	dh4, err := crypto.DH(base.Private, *crypto.SliceToKey(b.PreKey))
	if err != nil {
		return nil, err
	}
	return rootKey(dh1, dh2, dh3, dh4)
}

// agreeAsResponder mirrors agreeAsInitiator from the side that published the prekeys.
func agreeAsResponder(local ed25519.PrivateKey, spk *crypto.DHPair, opk *crypto.DHPair, remoteIdentityKey, baseKey []byte) ([]byte, error) {
	remoteIdentity, err := crypto.IdentityDHPublic(remoteIdentityKey)
	if err != nil {
		return nil, err
	}
	if len(baseKey) != 32 {
		return nil, fmt.Errorf("session: malformed base key")
	}
	base := *crypto.SliceToKey(baseKey)
	localIdentity := crypto.IdentityDHPrivate(local)

	dh1, err := crypto.DH(spk.Private, remoteIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(localIdentity, base)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(spk.Private, base)
	if err != nil {
		return nil, err
	}
	if opk == nil {
		return rootKey(dh1, dh2, dh3)
	}
	dh4, err := crypto.DH(opk.Private, base)
	if err != nil {
		return nil, err
	}
	return rootKey(dh1, dh2, dh3, dh4)
}
