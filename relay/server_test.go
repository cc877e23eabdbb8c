package relay

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/push"
	"github.com/meow-io/go-courier/wire"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestRelay(t *testing.T) (*Server, *httptest.Server) {
	s := NewServer(test.NewTestConfig("relay"), []byte("0123456789abcdef0123456789abcdef"), NewMemoryQueue(), clock.NewSystemClock())
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return s, hs
}

func newTestClient(t *testing.T, hs *httptest.Server, name string, deviceID, registrationID uint32) *push.Client {
	c := push.NewClient(test.NewTestConfig(name, config.WithServiceURL(hs.URL)))
	token, err := c.Register(context.Background(), name, deviceID, registrationID)
	require.Nil(t, err)
	require.NotEmpty(t, token)
	return c
}

func testKeys(registrationID uint32, preKeys ...uint32) *wire.PreKeyState {
	state := &wire.PreKeyState{
		IdentityKey:    make([]byte, 32),
		RegistrationID: registrationID,
		SignedPreKey:   wire.SignedPreKeyEntry{ID: 7, PublicKey: make([]byte, 32), Signature: make([]byte, 64)},
	}
	for _, id := range preKeys {
		state.PreKeys = append(state.PreKeys, wire.PreKeyEntry{ID: id, PublicKey: make([]byte, 32)})
	}
	return state
}

func message(deviceID, registrationID uint32) wire.OutgoingMessage {
	return wire.OutgoingMessage{Type: wire.TypeCiphertext, DestinationDeviceID: deviceID, DestinationRegistrationID: registrationID, Body: []byte("sealed")}
}

func TestPreKeys(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	_, hs := newTestRelay(t)

	alice := newTestClient(t, hs, "alice", 1, 100)
	require.Nil(alice.SetPreKeys(ctx, testKeys(100, 1, 2)))
	count, err := alice.PreKeyCount(ctx)
	require.Nil(err)
	require.Equal(2, count)

	bob := newTestClient(t, hs, "bob", 1, 200)
	bundles, err := bob.PreKeys(ctx, "alice", push.AllDevices)
	require.Nil(err)
	require.Len(bundles, 1)
	require.Equal(uint32(1), bundles[0].DeviceID)
	require.Equal(uint32(100), bundles[0].RegistrationID)
	require.Equal(uint32(1), bundles[0].PreKeyID)
	require.Equal(uint32(7), bundles[0].SignedPreKeyID)

	count, err = alice.PreKeyCount(ctx)
	require.Nil(err)
	require.Equal(1, count)

	bundles, err = bob.PreKeys(ctx, "alice", 1)
	require.Nil(err)
	require.Equal(uint32(2), bundles[0].PreKeyID)
	bundles, err = bob.PreKeys(ctx, "alice", 1)
	require.Nil(err)
	require.Equal(uint32(0), bundles[0].PreKeyID)

	_, err = bob.PreKeys(ctx, "carol", push.AllDevices)
	var unregistered *push.UnregisteredUserError
	require.True(errors.As(err, &unregistered))
}

func TestUnauthorized(t *testing.T) {
	require := require.New(t)
	_, hs := newTestRelay(t)

	c := push.NewClient(test.NewTestConfig("anon", config.WithServiceURL(hs.URL)))
	_, err := c.PreKeyCount(context.Background())
	var netErr *push.NetworkError
	require.True(errors.As(err, &netErr))
	require.Equal(http.StatusUnauthorized, netErr.StatusCode)

	c.SetToken("garbage")
	_, err = c.PreKeyCount(context.Background())
	require.True(errors.As(err, &netErr))
	require.Equal(http.StatusUnauthorized, netErr.StatusCode)
}

func TestSubmitChecksDevices(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	_, hs := newTestRelay(t)

	alice := newTestClient(t, hs, "alice", 1, 100)
	newTestClient(t, hs, "alice", 2, 101)
	newTestClient(t, hs, "bob", 1, 200)
	newTestClient(t, hs, "bob", 2, 201)

	submit := func(to string, messages ...wire.OutgoingMessage) error {
		return alice.SubmitMessages(ctx, &wire.OutgoingMessageList{Destination: to, Timestamp: 1, Messages: messages})
	}

	var mismatch *push.MismatchedDevicesError
	require.True(errors.As(submit("bob", message(1, 200)), &mismatch))
	require.Equal([]uint32{2}, mismatch.Missing)
	require.Empty(mismatch.Extra)

	require.True(errors.As(submit("bob", message(1, 200), message(2, 201), message(3, 300)), &mismatch))
	require.Equal([]uint32{3}, mismatch.Extra)

	var stale *push.StaleDevicesError
	require.True(errors.As(submit("bob", message(1, 200), message(2, 999)), &stale))
	require.Equal([]uint32{2}, stale.Stale)

	var unregistered *push.UnregisteredUserError
	require.True(errors.As(submit("carol", message(1, 1)), &unregistered))

	// own device is never a destination
	require.True(errors.As(submit("alice", message(1, 100), message(2, 101)), &mismatch))
	require.Equal([]uint32{1}, mismatch.Extra)
	require.Nil(submit("alice", message(2, 101)))

	require.Nil(submit("bob", message(1, 200), message(2, 201)))
}

func TestPipeDeliversUntilAcked(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, hs := newTestRelay(t)

	alice := newTestClient(t, hs, "alice", 1, 100)
	bob := newTestClient(t, hs, "bob", 1, 200)

	require.Nil(alice.SubmitMessages(ctx, &wire.OutgoingMessageList{Destination: "bob", Timestamp: 42, Messages: []wire.OutgoingMessage{message(1, 200)}}))

	pipe, err := bob.OpenPipe(ctx)
	require.Nil(err)
	env, err := pipe.Read()
	require.Nil(err)
	require.Equal("alice", env.Source)
	require.Equal(uint32(1), env.SourceDevice)
	require.Equal(uint64(42), env.Timestamp)
	require.Equal([]byte("sealed"), env.Content)
	require.NotEmpty(env.ServerGUID)
	require.Nil(pipe.Close())

	// unacked envelopes come back on the next connection
	pipe, err = bob.OpenPipe(ctx)
	require.Nil(err)
	again, err := pipe.Read()
	require.Nil(err)
	require.Equal(env.ServerGUID, again.ServerGUID)
	require.Nil(pipe.Ack(again.ServerGUID))

	require.Eventually(func() bool {
		pending, err := s.queue.Pending(ctx, "bob.1")
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// live delivery while connected
	legacy := message(1, 200)
	legacy.Legacy = true
	require.Nil(alice.SubmitMessages(ctx, &wire.OutgoingMessageList{Destination: "bob", Timestamp: 43, Messages: []wire.OutgoingMessage{legacy}}))
	env, err = pipe.Read()
	require.Nil(err)
	require.Equal(uint64(43), env.Timestamp)
	require.Equal([]byte("sealed"), env.LegacyMessage)
	require.Empty(env.Content)
	require.Nil(pipe.Close())
}

func TestAttachments(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	_, hs := newTestRelay(t)

	alice := newTestClient(t, hs, "alice", 1, 100)
	id, err := alice.UploadAttachment(ctx, []byte("attachment body"))
	require.Nil(err)
	data, err := alice.DownloadAttachment(ctx, id)
	require.Nil(err)
	require.Equal([]byte("attachment body"), data)

	sealed := make([]byte, 4096)
	_, err = rand.Read(sealed)
	require.Nil(err)
	id, err = alice.UploadAttachment(ctx, sealed)
	require.Nil(err)
	data, err = alice.DownloadAttachment(ctx, id)
	require.Nil(err)
	require.Equal(sealed, data)

	_, err = alice.DownloadAttachment(ctx, "missing")
	var netErr *push.NetworkError
	require.True(errors.As(err, &netErr))
	require.Equal(http.StatusNotFound, netErr.StatusCode)
}

func TestReceiptsSkipDeviceCheck(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, hs := newTestRelay(t)

	alice := newTestClient(t, hs, "alice", 1, 100)
	newTestClient(t, hs, "bob", 1, 200)
	newTestClient(t, hs, "bob", 2, 201)

	receipt := wire.OutgoingMessage{Type: wire.TypeReceipt, DestinationDeviceID: 2}
	require.Nil(alice.SubmitMessages(ctx, &wire.OutgoingMessageList{Destination: "bob", Timestamp: 9, Messages: []wire.OutgoingMessage{receipt}}))
	pending, err := s.queue.Pending(ctx, "bob.2")
	require.Nil(err)
	require.Len(pending, 1)
	require.Equal(wire.TypeReceipt, pending[0].Type)
	require.Equal(uint64(9), pending[0].Timestamp)

	receipt.DestinationDeviceID = 3
	err = alice.SubmitMessages(ctx, &wire.OutgoingMessageList{Destination: "bob", Timestamp: 9, Messages: []wire.OutgoingMessage{receipt}})
	var unregistered *push.UnregisteredUserError
	require.True(errors.As(err, &unregistered))
}
