package courier

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMakePassword(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	key1, err := newKey("some password", tmp, "salt")
	require.Nil(err)
	key2, err := newKey("some password", tmp, "salt")
	require.Nil(err)
	require.Equal(key1, key2)
	require.Equal(32, len(key1))

	key3, err := newKey("other password", tmp, "salt")
	require.Nil(err)
	require.NotEqual(key1, key3)
}

func TestMakePasswordDifferentSalt(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	key1, err := newKey("some password", tmp, "salt1")
	require.Nil(err)
	key2, err := newKey("some password", tmp, "salt2")
	require.Nil(err)
	require.NotEqual(key1, key2)
}

func TestTruncatedSalt(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	require.Nil(os.WriteFile(filepath.Join(tmp, "salt"), []byte("short"), 0o600))
	_, err := newKey("some password", tmp, "salt")
	require.NotNil(err)
}
