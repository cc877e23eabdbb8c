package dispatch

import (
	"context"
	crypto_rand "crypto/rand"
	"errors"
	"os"
	"testing"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/internal/testnet"
	"github.com/meow-io/go-courier/push"
	"github.com/meow-io/go-courier/session"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/wire"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type device struct {
	*testnet.Device
	dispatcher *Dispatcher
}

func newDevice(n *testnet.Network, name string, deviceID uint32) *device {
	d := n.NewDevice(name, deviceID)
	return &device{
		Device:     d,
		dispatcher: NewDispatcher(d.Config, d.Transport, d.Client, d.Store, d.Scheduler, clock.NewSystemClock()),
	}
}

func randomKey(t *testing.T) []byte {
	key := make([]byte, 32)
	_, err := crypto_rand.Read(key)
	require.Nil(t, err)
	return key
}

// scriptedService answers submits from replies in order, then hands them to the relay.
type scriptedService struct {
	Service
	replies   []error
	uploadErr error
	lists     []*wire.OutgoingMessageList
}

func (s *scriptedService) SubmitMessages(ctx context.Context, list *wire.OutgoingMessageList) error {
	s.lists = append(s.lists, list)
	if len(s.replies) != 0 {
		err := s.replies[0]
		s.replies = s.replies[1:]
		return err
	}
	return s.Service.SubmitMessages(ctx, list)
}

func (s *scriptedService) UploadAttachment(ctx context.Context, data []byte) (string, error) {
	if s.uploadErr != nil {
		return "", s.uploadErr
	}
	return s.Service.UploadAttachment(ctx, data)
}

// devices lists the destination devices of every submitted list.
func (s *scriptedService) devices() [][]uint32 {
	out := make([][]uint32, 0, len(s.lists))
	for _, l := range s.lists {
		ids := make([]uint32, 0, len(l.Messages))
		for _, m := range l.Messages {
			ids = append(ids, m.DestinationDeviceID)
		}
		out = append(out, ids)
	}
	return out
}

func TestFoldOutcome(t *testing.T) {
	require := require.New(t)

	bob := wire.NewAddress("bob", 1)
	carol := wire.NewAddress("carol", 1)
	dave := wire.NewAddress("dave", 1)
	erin := wire.NewAddress("erin", 1)
	frank := wire.NewAddress("frank", 1)

	o := foldOutcome([]result{
		{address: bob},
		{address: carol, err: &push.UnregisteredUserError{Name: "carol"}},
		{address: dave, err: &session.UntrustedIdentityError{Address: wire.NewAddress("dave", 2), IdentityKey: []byte("k")}},
		{address: erin, err: &session.KeyAgreementError{Address: wire.NewAddress("erin", 3), Reason: "no bundle for device"}},
		{address: frank, err: &push.NetworkError{Op: "submit", Err: errors.New("boom")}},
	})
	require.False(o.Success())
	require.Equal(4, o.Failures())
	require.Equal([]string{"bob"}, o.Succeeded)
	require.Equal([]wire.Address{carol}, o.Unregistered)
	require.Len(o.Untrusted, 1)
	require.Equal(wire.NewAddress("dave", 2), o.Untrusted[0].Address)
	require.Equal([]byte("k"), o.Untrusted[0].IdentityKey)
	require.Len(o.Network, 2)
	require.Equal(wire.NewAddress("erin", 3), o.Network[0].Address)
	require.Equal(frank, o.Network[1].Address)
	require.Equal([]string{"dave", "carol", "erin", "frank"}, o.Failed())
	require.False(o.onlyNetwork())

	o = foldOutcome([]result{{address: frank, err: &push.NetworkError{Op: "submit"}}})
	require.True(o.onlyNetwork())

	o = foldOutcome([]result{{address: bob}})
	require.True(o.Success())
	require.Equal(0, o.Failures())
}

func TestPartialFailure(t *testing.T) {
	require := require.New(t)
	net := testnet.New(t)
	alice := newDevice(net, "alice", 1)
	bob := newDevice(net, "bob", 1)
	dave := newDevice(net, "dave", 1)

	require.Nil(alice.Transport.Pin(dave.Address(), randomKey(t)))

	outcome, err := alice.dispatcher.Send(context.Background(), alice.Secret, &OutgoingMessage{
		Body:       "hi",
		Recipients: []string{"bob", "carol", "dave", "alice"},
		Secure:     true,
		Timestamp:  1000,
	})
	require.Nil(err)
	require.Equal(2, outcome.Failures())
	require.Equal([]string{"bob"}, outcome.Succeeded)
	require.Equal([]wire.Address{wire.NewAddress("carol", 1)}, outcome.Unregistered)
	require.Len(outcome.Untrusted, 1)
	require.Equal(dave.Address(), outcome.Untrusted[0].Address)
	require.False(outcome.NeedsSync)

	require.Len(net.Pending(bob.Address()), 1)
	require.Len(net.Pending(dave.Address()), 0)
	require.Len(net.Pending(alice.Address()), 0)

	// the relayed ciphertext opens on bob's side
	env := net.Pending(bob.Address())[0]
	pt, err := bob.Transport.Decrypt(bob.Secret, env)
	require.Nil(err)
	content, err := wire.UnmarshalContent(pt.Body)
	require.Nil(err)
	require.Equal("hi", content.DataMessage.Body)
}

func TestStaleDeviceRetry(t *testing.T) {
	require := require.New(t)
	net := testnet.New(t)
	alice := newDevice(net, "alice", 1)
	newDevice(net, "bob", 1)
	bob2 := newDevice(net, "bob", 2)

	ctx := context.Background()
	msg := &OutgoingMessage{Body: "one", Recipients: []string{"bob"}, Timestamp: 1000}
	outcome, err := alice.dispatcher.Send(ctx, alice.Secret, msg)
	require.Nil(err)
	require.True(outcome.Success())
	require.Len(net.Take(wire.NewAddress("bob", 1)), 1)
	require.Len(net.Take(bob2.Address()), 1)

	regID, err := bob2.Transport.LocalRegistrationID()
	require.Nil(err)
	bob2.Publish(regID + 1)

	msg = &OutgoingMessage{Body: "two", Recipients: []string{"bob"}, Timestamp: 2000}
	outcome, err = alice.dispatcher.Send(ctx, alice.Secret, msg)
	require.Nil(err)
	require.Equal(0, outcome.Failures())
	require.Len(net.Pending(wire.NewAddress("bob", 1)), 1)
	require.Len(net.Pending(bob2.Address()), 1)
}

func TestKickStillReachesKicked(t *testing.T) {
	require := require.New(t)
	net := testnet.New(t)
	alice := newDevice(net, "alice", 1)
	bob := newDevice(net, "bob", 1)
	carol := newDevice(net, "carol", 1)

	g := &store.Group{ID: ids.NewID(), Admin: "alice", Title: "cats", Active: true, Members: []string{"alice", "bob", "carol"}}
	require.Nil(alice.Store.Run("group", func() error {
		return alice.Store.UpsertGroup(g)
	}))

	outcome, err := alice.dispatcher.Send(context.Background(), alice.Secret, &OutgoingMessage{
		Group:     &wire.GroupContext{ID: g.ID, Type: wire.GroupKick, Kicked: []string{"carol"}},
		Timestamp: 1000,
	})
	require.Nil(err)
	require.True(outcome.Success())
	require.ElementsMatch([]string{"bob", "carol"}, outcome.Succeeded)
	require.Len(net.Pending(bob.Address()), 1)
	require.Len(net.Pending(carol.Address()), 1)

	require.Nil(alice.Store.RunReadOnly("group", func() error {
		members, err := alice.Store.GroupMembers(g.ID)
		require.Nil(err)
		require.ElementsMatch([]string{"alice", "bob"}, members)
		return nil
	}))

	pt, err := carol.Transport.Decrypt(carol.Secret, net.Pending(carol.Address())[0])
	require.Nil(err)
	content, err := wire.UnmarshalContent(pt.Body)
	require.Nil(err)
	require.Equal(wire.GroupKick, content.DataMessage.Group.Type)
	require.Equal([]string{"carol"}, content.DataMessage.Group.Kicked)
	require.Equal("alice", content.DataMessage.Group.Admin)
	require.ElementsMatch([]string{"alice", "bob"}, content.DataMessage.Group.Members)
}

func TestKickRetryReachesKicked(t *testing.T) {
	require := require.New(t)
	net := testnet.New(t)
	alice := newDevice(net, "alice", 1)
	bob := newDevice(net, "bob", 1)
	carol := newDevice(net, "carol", 1)

	g := &store.Group{ID: ids.NewID(), Admin: "alice", Title: "cats", Active: true, Members: []string{"alice", "bob", "carol"}}
	require.Nil(alice.Store.Run("group", func() error {
		return alice.Store.UpsertGroup(g)
	}))
	msg := &OutgoingMessage{
		Group:     &wire.GroupContext{ID: g.ID, Type: wire.GroupKick, Kicked: []string{"carol"}},
		Timestamp: 1000,
	}

	down := &push.NetworkError{Op: "submit", Err: errors.New("connection reset")}
	alice.dispatcher.service = &scriptedService{Service: alice.Client, replies: []error{down, down}}
	outcome, err := alice.dispatcher.Send(context.Background(), alice.Secret, msg)
	require.Nil(err)
	require.Empty(outcome.Succeeded)
	require.Len(outcome.Network, 2)

	alice.dispatcher.service = alice.Client
	outcome, err = alice.dispatcher.Send(context.Background(), alice.Secret, msg)
	require.Nil(err)
	require.True(outcome.Success())
	require.ElementsMatch([]string{"bob", "carol"}, outcome.Succeeded)
	require.Len(net.Pending(bob.Address()), 1)
	require.Len(net.Pending(carol.Address()), 1)

	pt, err := carol.Transport.Decrypt(carol.Secret, net.Pending(carol.Address())[0])
	require.Nil(err)
	content, err := wire.UnmarshalContent(pt.Body)
	require.Nil(err)
	require.Equal(wire.GroupKick, content.DataMessage.Group.Type)
	require.ElementsMatch([]string{"alice", "bob"}, content.DataMessage.Group.Members)
}

func TestMismatchedMissingDevice(t *testing.T) {
	require := require.New(t)
	net := testnet.New(t)
	alice := newDevice(net, "alice", 1)
	newDevice(net, "bob", 1)
	bob2 := newDevice(net, "bob", 2)

	svc := &scriptedService{Service: alice.Client}
	alice.dispatcher.service = svc
	outcome, err := alice.dispatcher.Send(context.Background(), alice.Secret, &OutgoingMessage{Body: "hi", Recipients: []string{"bob"}, Timestamp: 1000})
	require.Nil(err)
	require.True(outcome.Success())
	require.Equal([][]uint32{{1}, {1, 2}}, svc.devices())
	require.Len(net.Pending(bob2.Address()), 1)

	devices, err := alice.Transport.DeviceIDs("bob")
	require.Nil(err)
	require.Equal([]uint32{1, 2}, devices)
}

func TestMismatchedExtraDevice(t *testing.T) {
	require := require.New(t)
	net := testnet.New(t)
	alice := newDevice(net, "alice", 1)
	newDevice(net, "bob", 1)
	newDevice(net, "bob", 2)

	ctx := context.Background()
	outcome, err := alice.dispatcher.Send(ctx, alice.Secret, &OutgoingMessage{Body: "one", Recipients: []string{"bob"}, Timestamp: 1000})
	require.Nil(err)
	require.True(outcome.Success())

	// the relay forgets device 2 for one round, then asks for it again
	svc := &scriptedService{Service: alice.Client, replies: []error{&push.MismatchedDevicesError{Name: "bob", Extra: []uint32{2}}}}
	alice.dispatcher.service = svc
	outcome, err = alice.dispatcher.Send(ctx, alice.Secret, &OutgoingMessage{Body: "two", Recipients: []string{"bob"}, Timestamp: 2000})
	require.Nil(err)
	require.True(outcome.Success())
	require.Equal([][]uint32{{1, 2}, {1}, {1, 2}}, svc.devices())
}

func TestDeviceListNeverSettles(t *testing.T) {
	require := require.New(t)
	net := testnet.New(t)
	alice := newDevice(net, "alice", 1)
	bob := newDevice(net, "bob", 1)

	mismatch := &push.MismatchedDevicesError{Name: "bob"}
	svc := &scriptedService{Service: alice.Client, replies: []error{mismatch, mismatch, mismatch, mismatch}}
	alice.dispatcher.service = svc
	outcome, err := alice.dispatcher.Send(context.Background(), alice.Secret, &OutgoingMessage{Body: "hi", Recipients: []string{"bob"}, Timestamp: 1000})
	require.Nil(err)
	require.Len(svc.lists, 3)
	require.Empty(outcome.Succeeded)
	require.Len(outcome.Network, 1)
	require.Equal(bob.Address(), outcome.Network[0].Address)
	require.ErrorIs(outcome.Network[0].Err, errTooManyAttempts)
	require.Empty(net.Pending(bob.Address()))
}

func TestTranscriptToOwnDevices(t *testing.T) {
	require := require.New(t)
	net := testnet.New(t)
	alice := newDevice(net, "alice", 1)
	alice2 := newDevice(net, "alice", 2)
	bob := newDevice(net, "bob", 1)

	ctx := context.Background()
	require.Nil(alice.Transport.EnsureSession(ctx, alice.Secret, alice2.Address()))

	outcome, err := alice.dispatcher.Send(ctx, alice.Secret, &OutgoingMessage{Body: "hi", Recipients: []string{"bob"}, Timestamp: 1000})
	require.Nil(err)
	require.True(outcome.Success())
	require.False(outcome.NeedsSync)
	require.Len(net.Pending(bob.Address()), 1)

	envs := net.Pending(alice2.Address())
	require.Len(envs, 1)
	pt, err := alice2.Transport.Decrypt(alice2.Secret, envs[0])
	require.Nil(err)
	content, err := wire.UnmarshalContent(pt.Body)
	require.Nil(err)
	require.NotNil(content.SyncMessage)
	require.Equal("bob", content.SyncMessage.Sent.Destination)
	require.Equal("hi", content.SyncMessage.Sent.Message.Body)
}

func TestReceiptSkipsSessions(t *testing.T) {
	require := require.New(t)
	net := testnet.New(t)
	alice := newDevice(net, "alice", 1)
	bob := newDevice(net, "bob", 1)

	require.Nil(alice.dispatcher.SendReceipt(context.Background(), bob.Address(), 1234, true))
	envs := net.Pending(bob.Address())
	require.Len(envs, 1)
	require.Equal(wire.TypeRead, envs[0].Type)
	require.Equal(uint64(1234), envs[0].Timestamp)
	require.Equal("alice", envs[0].Source)

	has, err := alice.Transport.HasSession(bob.Address())
	require.Nil(err)
	require.False(has)
}

func insertOutgoing(t *testing.T, d *device, names []string, body string) (int64, int64) {
	var threadID, msgID int64
	require.Nil(t, d.Store.Run("insert outgoing", func() error {
		var err error
		if threadID, err = d.Store.ThreadFor(names); err != nil {
			return err
		}
		msgID, err = d.Store.InsertMessage(&store.Message{ThreadID: threadID, Type: store.TypeOutgoing | store.TypeSecure, Body: body, SentMs: 5000})
		if err != nil {
			return err
		}
		_, err = d.Scheduler.EnqueueTx(SendSpec(threadID, &SendPayload{MessageID: msgID}))
		return err
	}))
	return threadID, msgID
}

func TestSendJobMarksSent(t *testing.T) {
	require := require.New(t)
	net := testnet.New(t)
	alice := newDevice(net, "alice", 1)
	bob := newDevice(net, "bob", 1)

	_, msgID := insertOutgoing(t, alice, []string{"bob"}, "stored")
	require.Nil(alice.Scheduler.RunUntilIdle(context.Background(), alice.Secret))

	require.Nil(alice.Store.RunReadOnly("check", func() error {
		m, err := alice.Store.Message(msgID)
		require.Nil(err)
		require.True(m.Is(store.TypeSent | store.TypePush | store.TypeSecure))
		require.False(m.Is(store.TypeSending))
		require.False(m.Is(store.TypeFailed))
		receipts, err := alice.Store.Receipts(msgID)
		require.Nil(err)
		require.Len(receipts, 1)
		require.Equal("bob", receipts[0].Name)
		return nil
	}))
	envs := net.Pending(bob.Address())
	require.Len(envs, 1)
	require.Equal(uint64(5000), envs[0].Timestamp)
}

func TestSendJobRecordsFailures(t *testing.T) {
	require := require.New(t)
	net := testnet.New(t)
	alice := newDevice(net, "alice", 1)
	newDevice(net, "bob", 1)
	dave := newDevice(net, "dave", 1)

	pinned := randomKey(t)
	require.Nil(alice.Transport.Pin(dave.Address(), pinned))
	_, msgID := insertOutgoing(t, alice, []string{"bob", "carol", "dave"}, "group-ish")
	require.Nil(alice.Scheduler.RunUntilIdle(context.Background(), alice.Secret))

	davesKey, err := dave.Transport.LocalIdentityKey()
	require.Nil(err)
	require.Nil(alice.Store.RunReadOnly("check", func() error {
		m, err := alice.Store.Message(msgID)
		require.Nil(err)
		require.True(m.Is(store.TypeFailed))
		require.False(m.Is(store.TypeSent))
		mismatches, err := alice.Store.Mismatches(msgID)
		require.Nil(err)
		require.Len(mismatches, 1)
		require.Equal("dave", mismatches[0].Name)
		require.Equal(davesKey, mismatches[0].IdentityKey)
		receipts, err := alice.Store.Receipts(msgID)
		require.Nil(err)
		require.Len(receipts, 1)
		require.Equal("bob", receipts[0].Name)
		return nil
	}))
}

func TestSendJobAttachments(t *testing.T) {
	require := require.New(t)
	net := testnet.New(t)
	alice := newDevice(net, "alice", 1)
	bob := newDevice(net, "bob", 1)

	var attID int64
	var msgID int64
	require.Nil(alice.Store.Run("insert", func() error {
		threadID, err := alice.Store.ThreadFor([]string{"bob"})
		require.Nil(err)
		msgID, err = alice.Store.InsertMessage(&store.Message{ThreadID: threadID, Type: store.TypeOutgoing | store.TypeSecure | store.TypeMedia, SentMs: 7000})
		require.Nil(err)
		attID, err = alice.Store.InsertAttachment(&store.Attachment{MessageID: msgID, ContentType: "image/png", FileName: "cat.png", Data: []byte("not really a png"), State: store.AttachmentPendingUpload})
		require.Nil(err)
		_, err = alice.Scheduler.EnqueueTx(SendSpec(threadID, &SendPayload{MessageID: msgID}))
		return err
	}))
	require.Nil(alice.Scheduler.RunUntilIdle(context.Background(), alice.Secret))

	var p *wire.AttachmentPointer
	require.Nil(alice.Store.RunReadOnly("check", func() error {
		a, err := alice.Store.Attachment(attID)
		require.Nil(err)
		require.Equal(store.AttachmentUploaded, a.State)
		p, err = a.AttachmentPointer()
		require.Nil(err)
		return nil
	}))
	require.NotNil(p)
	require.NotEmpty(p.ID)

	pt, err := bob.Transport.Decrypt(bob.Secret, net.Pending(bob.Address())[0])
	require.Nil(err)
	content, err := wire.UnmarshalContent(pt.Body)
	require.Nil(err)
	require.Len(content.DataMessage.Attachments, 1)
	got := content.DataMessage.Attachments[0]
	require.Equal(p.ID, got.ID)
	require.Equal(p.Key, got.Key)
	require.Equal(p.Digest, got.Digest)
	require.Equal("cat.png", got.FileName)
}

func insertMedia(t *testing.T, d *device, names []string) int64 {
	var msgID int64
	require.Nil(t, d.Store.Run("insert media", func() error {
		threadID, err := d.Store.ThreadFor(names)
		if err != nil {
			return err
		}
		msgID, err = d.Store.InsertMessage(&store.Message{ThreadID: threadID, Type: store.TypeOutgoing | store.TypeSecure | store.TypeMedia, SentMs: 7000})
		if err != nil {
			return err
		}
		if _, err = d.Store.InsertAttachment(&store.Attachment{MessageID: msgID, ContentType: "text/plain", FileName: "a.txt", Data: []byte("body"), State: store.AttachmentPendingUpload}); err != nil {
			return err
		}
		_, err = d.Scheduler.EnqueueTx(SendSpec(threadID, &SendPayload{MessageID: msgID}))
		return err
	}))
	return msgID
}

func requireFailed(t *testing.T, d *device, msgID int64) {
	require.Nil(t, d.Store.RunReadOnly("check", func() error {
		m, err := d.Store.Message(msgID)
		require.Nil(t, err)
		require.True(t, m.Is(store.TypeFailed))
		require.False(t, m.Is(store.TypeSending))
		require.False(t, m.Is(store.TypeSent))
		return nil
	}))
}

func TestSendJobFailsOnLocalError(t *testing.T) {
	require := require.New(t)
	net := testnet.New(t)
	alice := newDevice(net, "alice", 1)
	bob := newDevice(net, "bob", 1)

	alice.dispatcher.service = &scriptedService{Service: alice.Client, uploadErr: errors.New("attachment store unavailable")}
	msgID := insertMedia(t, alice, []string{"bob"})
	require.Nil(alice.Scheduler.RunUntilIdle(context.Background(), alice.Secret))

	requireFailed(t, alice, msgID)
	n, err := alice.Scheduler.Pending(SendJobKind)
	require.Nil(err)
	require.Zero(n)
	require.Empty(net.Pending(bob.Address()))
}

func TestSendJobFailsOnLastAttempt(t *testing.T) {
	require := require.New(t)
	net := testnet.New(t)
	d := net.NewDevice("alice", 1, config.WithJobRetryCount(1))
	alice := &device{Device: d, dispatcher: NewDispatcher(d.Config, d.Transport, d.Client, d.Store, d.Scheduler, clock.NewSystemClock())}
	newDevice(net, "bob", 1)

	alice.dispatcher.service = &scriptedService{Service: alice.Client, uploadErr: &push.NetworkError{Op: "upload attachment", StatusCode: 503}}
	msgID := insertMedia(t, alice, []string{"bob"})
	require.Nil(alice.Scheduler.RunUntilIdle(context.Background(), alice.Secret))

	requireFailed(t, alice, msgID)
}
