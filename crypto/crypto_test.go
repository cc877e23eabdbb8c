package crypto

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	require := require.New(t)
	dbKey, secret, err := DeriveSecrets(make([]byte, 32))
	require.Nil(err)
	require.Len(dbKey, 32)

	sealed, err := secret.Seal([]byte("hello"))
	require.Nil(err)
	out, err := secret.Open(sealed)
	require.Nil(err)
	require.Equal([]byte("hello"), out)

	sealed[len(sealed)-1] ^= 1
	_, err = secret.Open(sealed)
	require.NotNil(err)

	other, err := NewMasterSecret(make([]byte, 32))
	require.Nil(err)
	sealed, err = other.Seal([]byte("hello"))
	require.Nil(err)
	_, err = secret.Open(sealed)
	require.NotNil(err)
}

func TestIdentityDHAgreement(t *testing.T) {
	require := require.New(t)
	pubA, privA, err := ed25519.GenerateKey(crypto_rand.Reader)
	require.Nil(err)
	pubB, privB, err := ed25519.GenerateKey(crypto_rand.Reader)
	require.Nil(err)

	dhPubA, err := IdentityDHPublic(pubA)
	require.Nil(err)
	dhPubB, err := IdentityDHPublic(pubB)
	require.Nil(err)

	ab, err := DH(IdentityDHPrivate(privA), dhPubB)
	require.Nil(err)
	ba, err := DH(IdentityDHPrivate(privB), dhPubA)
	require.Nil(err)
	require.Equal(ab, ba)
}

func TestConcatIsUnambiguous(t *testing.T) {
	require := require.New(t)
	require.NotEqual(Concat([]byte("ab"), []byte("c")), Concat([]byte("a"), []byte("bc")))
	require.NotEqual(Digest([]byte("ab"), []byte("c")), Digest([]byte("a"), []byte("bc")))
}

func TestAttachmentRoundTrip(t *testing.T) {
	require := require.New(t)
	data := []byte("an attachment an attachment an attachment an attachment")
	sealed, err := SealAttachment(data)
	require.Nil(err)
	require.Equal(uint64(len(data)), sealed.Size)

	out, err := OpenAttachment(sealed.Body, sealed.Key, sealed.Digest)
	require.Nil(err)
	require.Equal(data, out)

	sealed.Body[0] ^= 1
	_, err = OpenAttachment(sealed.Body, sealed.Key, sealed.Digest)
	require.True(errors.Is(err, ErrDigestMismatch))
}
