package courier

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const saltLength = 16

// newKey stretches password with argon2id. The salt is created on first use and kept beside the database.
func newKey(password, root, saltName string) ([]byte, error) {
	salt, err := readSalt(filepath.Join(root, saltName))
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32), nil
}

func readSalt(saltPath string) ([]byte, error) {
	salt, err := os.ReadFile(saltPath) // #nosec G304
	if errors.Is(err, os.ErrNotExist) {
		salt = make([]byte, saltLength)
		if _, err := crypto_rand.Read(salt); err != nil {
			return nil, err
		}
		return salt, os.WriteFile(saltPath, salt, 0o400)
	}
	if err != nil {
		return nil, err
	}
	if len(salt) != saltLength {
		return nil, fmt.Errorf("expected %d bytes of salt, got %d", saltLength, len(salt))
	}
	return salt, nil
}
