package crypto

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
)

const sealSaltSize = 16

// MasterSecret seals data at rest. It is handed explicitly to every entry point that needs it.
type MasterSecret struct {
	key [32]byte
}

func NewMasterSecret(key []byte) (*MasterSecret, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: expected master secret of length 32, got %d", len(key))
	}
	return &MasterSecret{key: [32]byte(key)}, nil
}

// DeriveSecrets splits the passphrase key into the database key and the master secret.
func DeriveSecrets(passphraseKey []byte) (dbKey []byte, secret *MasterSecret, err error) {
	dbKey, err = DeriveKey(passphraseKey, nil, "courier database", 32)
	if err != nil {
		return nil, nil, err
	}
	secretKey, err := DeriveKey(passphraseKey, nil, "courier master secret", 32)
	if err != nil {
		return nil, nil, err
	}
	secret, err = NewMasterSecret(secretKey)
	return dbKey, secret, err
}

func (ms *MasterSecret) recordKey(salt []byte) ([]byte, error) {
	return DeriveKey(ms.key[:], salt, "courier record", 32)
}

func (ms *MasterSecret) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, sealSaltSize)
	if _, err := crypto_rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := ms.recordKey(salt)
	if err != nil {
		return nil, err
	}
	enc, err := EncryptWithKey(key, plaintext, salt)
	if err != nil {
		return nil, err
	}
	return append(salt, enc...), nil
}

func (ms *MasterSecret) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < sealSaltSize {
		return nil, errors.New("crypto: sealed value too short")
	}
	salt := sealed[:sealSaltSize]
	key, err := ms.recordKey(salt)
	if err != nil {
		return nil, err
	}
	out, err := DecryptWithKey(key, sealed[sealSaltSize:], salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: error opening sealed value: %w", err)
	}
	return out, nil
}
