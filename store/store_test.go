package store

import (
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/wire"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestStore(t *testing.T) *Store {
	c := test.NewTestConfig("store")
	s, err := New(c, test.NewTestDatabase(c), clock.NewManualClock(time.UnixMilli(1_000_000)))
	require.Nil(t, err)
	return s
}

func TestThreads(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	require.Equal("alice,bob", RecipientsKey([]string{"bob", "alice", "bob"}))

	require.Nil(s.Run("threads", func() error {
		a, err := s.ThreadFor([]string{"bob", "alice"})
		require.Nil(err)
		b, err := s.ThreadFor([]string{"alice", "bob"})
		require.Nil(err)
		require.Equal(a, b)

		g := ids.NewID()
		gt, err := s.ThreadForGroup(g)
		require.Nil(err)
		require.NotEqual(a, gt)

		th, err := s.Thread(gt)
		require.Nil(err)
		require.True(th.IsGroup())
		require.Equal(g, th.Group())

		th, err = s.Thread(a)
		require.Nil(err)
		require.False(th.IsGroup())
		require.Equal([]string{"alice", "bob"}, th.Names())
		return nil
	}))
}

func TestUnreadCounts(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	require.Nil(s.Run("unread", func() error {
		threadID, err := s.ThreadFor([]string{"bob"})
		require.Nil(err)
		_, err = s.InsertMessage(&Message{ThreadID: threadID, Address: "bob", DeviceID: 1, Type: TypeIncoming, Body: "hi", SentMs: 10})
		require.Nil(err)
		_, err = s.InsertMessage(&Message{ThreadID: threadID, Address: "me", DeviceID: 1, Type: TypeOutgoing, Body: "yo", SentMs: 11})
		require.Nil(err)

		th, err := s.Thread(threadID)
		require.Nil(err)
		require.Equal(1, th.UnreadCount)

		threads, err := s.MarkReadByTimestamp("bob", 10)
		require.Nil(err)
		require.Equal([]int64{threadID}, threads)
		th, err = s.Thread(threadID)
		require.Nil(err)
		require.Equal(0, th.UnreadCount)
		return nil
	}))
}

func TestPlaceholderFailures(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	env := &wire.Envelope{Type: wire.TypeCiphertext, Source: "bob", SourceDevice: 2, Timestamp: 42}
	require.Nil(s.Run("placeholder", func() error {
		m, err := s.InsertPlaceholder(env)
		require.Nil(err)
		require.True(m.Is(TypeIncoming | TypePlaceholder))
		require.Equal(wire.NewAddress("bob", 2), m.Source())

		require.Nil(s.MarkFailure(m.ID, TypeNoSession))
		m, err = s.Message(m.ID)
		require.Nil(err)
		require.True(m.Is(TypeNoSession))

		require.Nil(s.UpdateBody(m.ID, "recovered"))
		m, err = s.Message(m.ID)
		require.Nil(err)
		require.Equal("recovered", m.Body)
		require.False(m.Is(TypePlaceholder))
		require.Zero(m.Type & FailureTypes)
		return nil
	}))
}

func TestMismatches(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	key := []byte("key-one")

	require.Nil(s.Run("mismatches", func() error {
		t1, err := s.ThreadFor([]string{"bob"})
		require.Nil(err)
		t2, err := s.ThreadFor([]string{"bob", "carol"})
		require.Nil(err)
		var msgs []int64
		for i, threadID := range []int64{t1, t2, t1} {
			id, err := s.InsertMessage(&Message{ThreadID: threadID, Address: "me", DeviceID: 1, Type: TypeOutgoing, SentMs: uint64(i + 1)})
			require.Nil(err)
			msgs = append(msgs, id)
			require.Nil(s.InsertMismatch(&IdentityMismatch{MessageID: id, Name: "bob", DeviceID: 1, IdentityKey: key}))
		}
		require.Nil(s.InsertMismatch(&IdentityMismatch{MessageID: msgs[0], Name: "bob", DeviceID: 2, IdentityKey: []byte("other")}))

		matching, err := s.MismatchesMatching(wire.NewAddress("bob", 1), key)
		require.Nil(err)
		require.Len(matching, 3)
		require.Equal(msgs[0], matching[0].MessageID)

		inThread, err := s.MismatchesForThread(t1)
		require.Nil(err)
		require.Len(inThread, 3)

		require.Nil(s.RemoveMismatch(matching[0]))
		left, err := s.Mismatches(msgs[0])
		require.Nil(err)
		require.Len(left, 1)
		require.Equal(uint32(2), left[0].DeviceID)
		return nil
	}))
}

func TestGroups(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	id := ids.NewID()

	require.Nil(s.Run("groups", func() error {
		_, ok, err := s.Group(id)
		require.Nil(err)
		require.False(ok)

		g := &Group{ID: id, Title: "friends", Active: true, Members: []string{"carol", "bob"}, Avatar: &wire.AttachmentPointer{ID: "a1", ContentType: "image/png", Key: []byte("k")}}
		require.Nil(s.UpsertGroup(g))
		g.Members = []string{"bob"}
		g.Title = "fewer friends"
		require.Nil(s.UpsertGroup(g))

		got, ok, err := s.Group(id)
		require.Nil(err)
		require.True(ok)
		require.Equal("fewer friends", got.Title)
		require.Equal([]string{"bob"}, got.Members)
		require.Equal("a1", got.Avatar.ID)
		require.True(got.IsMember("bob"))
		require.False(got.IsMember("carol"))

		require.Nil(s.SetGroupAvatarData(id, []byte("png")))
		groups, err := s.Groups()
		require.Nil(err)
		require.Len(groups, 1)
		require.Equal([]byte("png"), groups[0].AvatarData)
		return nil
	}))
}

func TestReceipts(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)

	require.Nil(s.Run("receipts", func() error {
		threadID, err := s.ThreadFor([]string{"bob"})
		require.Nil(err)
		id, err := s.InsertMessage(&Message{ThreadID: threadID, Address: "me", DeviceID: 1, Type: TypeOutgoing | TypeSent, SentMs: 500})
		require.Nil(err)
		require.Nil(s.CreateReceipts(id, []string{"bob"}))

		ok, err := s.MarkDelivered("bob", 500, 600)
		require.Nil(err)
		require.True(ok)
		ok, err = s.MarkRemoteRead("bob", 500, 700)
		require.Nil(err)
		require.True(ok)
		ok, err = s.MarkDelivered("bob", 999, 600)
		require.Nil(err)
		require.False(ok)

		m, err := s.Message(id)
		require.Nil(err)
		require.Equal(1, m.DeliveryReceipts)
		require.Equal(1, m.ReadReceipts)

		rs, err := s.Receipts(id)
		require.Nil(err)
		require.Len(rs, 1)
		require.Equal(uint64(600), rs[0].DeliveredMs)
		require.Equal(uint64(700), rs[0].ReadMs)
		return nil
	}))
}

func TestPendingEnvelopes(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	env := &wire.Envelope{Type: wire.TypePreKeyBundle, Source: "bob", SourceDevice: 1, Timestamp: 7, Content: []byte("ct")}

	var id int64
	require.Nil(s.Run("insert", func() error {
		var err error
		id, err = s.InsertPendingEnvelope(env)
		return err
	}))
	require.Nil(s.RunReadOnly("read", func() error {
		got, ok, err := s.PendingEnvelope(id)
		require.Nil(err)
		require.True(ok)
		require.Equal(env, got)
		return nil
	}))
	require.Nil(s.Run("delete", func() error {
		require.Nil(s.DeletePendingEnvelope(id))
		_, ok, err := s.PendingEnvelope(id)
		require.Nil(err)
		require.False(ok)
		n, err := s.CountPendingEnvelopes()
		require.Nil(err)
		require.Zero(n)
		return nil
	}))
}
