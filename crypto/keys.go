package crypto

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"github.com/kevinburke/nacl/box"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

type DHPair struct {
	Private [32]byte
	Public  [32]byte
}

func GenerateDHPair() (*DHPair, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return &DHPair{Private: *priv, Public: *pub}, nil
}

// DH is plain X25519, used by the session handshake.
func DH(priv, pub [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

func DeriveKey(secret, salt []byte, info string, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out); err != nil {
		return nil, err
	}
	return out, nil
}

// IdentityDHPublic maps an ed25519 identity key onto the x25519 curve.
func IdentityDHPublic(pub ed25519.PublicKey) ([32]byte, error) {
	var out [32]byte
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return out, fmt.Errorf("crypto: invalid identity key: %w", err)
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}

func IdentityDHPrivate(priv ed25519.PrivateKey) [32]byte {
	var out [32]byte
	h := sha512.Sum512(priv.Seed())
	copy(out[:], h[:curve25519.ScalarSize])
	return out
}

// Concat length-prefixes every part so distinct part lists never collide.
func Concat(parts ...[]byte) []byte {
	msg := []byte{}
	for _, m := range parts {
		msg = binary.BigEndian.AppendUint64(msg, uint64(len(m)))
		msg = append(msg, m...)
	}
	return msg
}

func Digest(parts ...[]byte) [32]byte {
	return blake3.Sum256(Concat(parts...))
}
