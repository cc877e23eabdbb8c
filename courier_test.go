package courier

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/internal/testnet"
	"github.com/meow-io/go-courier/store"
	"github.com/stretchr/testify/require"
)

var password1 = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newCourier(t *testing.T, net *testnet.Network, name string) *Courier {
	c := config.NewConfig(
		config.WithRootDir(t.TempDir()),
		config.WithLoggingPrefix(name),
		config.WithServiceURL(net.URL),
		config.WithLocalAddress(name, 1),
	)
	r, err := NewCourier(c)
	require.Nil(t, err)
	require.True(t, r.New())
	require.Nil(t, r.Initialize(password1))
	require.True(t, r.Running())
	t.Cleanup(func() {
		if err := r.Shutdown(); err != nil {
			t.Log(err)
		}
	})
	return r
}

// waitThread returns the first thread reported on the updates channel.
func waitThread(t *testing.T, c *Courier) int64 {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case u := <-c.Updates():
			if tu, ok := u.(*ThreadUpdate); ok {
				return tu.ThreadIDs[0]
			}
		case <-timeout:
			require.FailNow(t, "no thread update")
		}
	}
}

func TestSendReceiveAndReceipts(t *testing.T) {
	require := require.New(t)
	net := testnet.New(t)
	alice := newCourier(t, net, "alice")
	bob := newCourier(t, net, "bob")

	ctx := context.Background()
	require.Nil(alice.Register(ctx))
	require.Nil(bob.Register(ctx))

	id, err := alice.Send(&Outgoing{Recipients: []string{"bob"}, Body: "hello"})
	require.Nil(err)

	threadID := waitThread(t, bob)
	msgs, err := bob.Messages(threadID)
	require.Nil(err)
	require.Len(msgs, 1)
	require.Equal("hello", msgs[0].Body)
	require.Equal("alice", msgs[0].Address)

	require.Eventually(func() bool {
		m, err := alice.Message(id)
		return err == nil && m.Is(store.TypeSent) && m.DeliveryReceipts == 1
	}, 10*time.Second, 50*time.Millisecond)

	require.Nil(bob.MarkRead(threadID))
	th, err := bob.Thread(threadID)
	require.Nil(err)
	require.Equal(0, th.UnreadCount)
	require.Eventually(func() bool {
		m, err := alice.Message(id)
		return err == nil && m.ReadReceipts == 1
	}, 10*time.Second, 50*time.Millisecond)
}

func TestGroupCreateReachesMembers(t *testing.T) {
	require := require.New(t)
	net := testnet.New(t)
	alice := newCourier(t, net, "alice")
	bob := newCourier(t, net, "bob")

	ctx := context.Background()
	require.Nil(alice.Register(ctx))
	require.Nil(bob.Register(ctx))

	gid, err := alice.CreateGroup("lunch", []string{"bob"})
	require.Nil(err)
	groups, err := alice.Groups()
	require.Nil(err)
	require.Len(groups, 1)
	require.Equal([]string{"alice", "bob"}, groups[0].Members)

	waitThread(t, bob)
	groups, err = bob.Groups()
	require.Nil(err)
	require.Len(groups, 1)
	require.Equal(gid, groups[0].ID)
	require.Equal("lunch", groups[0].Title)
	require.Equal("alice", groups[0].Admin)

	require.Nil(alice.Quit(gid))
	groups, err = alice.Groups()
	require.Nil(err)
	require.False(groups[0].Active)
}

func TestReopen(t *testing.T) {
	require := require.New(t)
	net := testnet.New(t)
	alice := newCourier(t, net, "alice")

	_, err := alice.Send(&Outgoing{Body: "nowhere"})
	require.NotNil(err)

	require.Nil(alice.Shutdown())
	require.True(alice.Initialized())
	require.Nil(alice.Open(password1))
	require.True(alice.Running())
	groups, err := alice.Groups()
	require.Nil(err)
	require.Empty(groups)
}
