package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require := require.New(t)
	c := NewConfig(WithRootDir(t.TempDir()))
	require.Equal(int64(5000), c.RequestTimeoutMs)
	require.Equal(uint32(1), c.LocalDeviceID)
	require.Equal(5, c.JobRetryCount)
	require.Nil(c.Err())
	require.NotNil(c.Logger("test"))
}

func TestWithFile(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "courier.yaml")
	require.Nil(os.WriteFile(path, []byte("service_url: https://relay.example\nlocal_name: \"+15550001\"\nlocal_device_id: 2\nauto_accept_keys: true\njob_workers: 8\n"), 0o600))

	c := NewConfig(WithRootDir(dir), WithFile(path), WithJobWorkers(2))
	require.Nil(c.Err())
	require.Equal("https://relay.example", c.ServiceURL)
	require.Equal("+15550001", c.LocalName)
	require.Equal(uint32(2), c.LocalDeviceID)
	require.True(c.AutoAcceptKeys)
	require.Equal(2, c.JobWorkers)

	c = NewConfig(WithRootDir(dir), WithFile(filepath.Join(dir, "missing.yaml")))
	require.NotNil(c.Err())
}
