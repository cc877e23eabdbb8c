// Package testnet runs a relay on an httptest server and builds registered devices against it.
package testnet

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/jobs"
	"github.com/meow-io/go-courier/push"
	"github.com/meow-io/go-courier/relay"
	"github.com/meow-io/go-courier/session"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/wire"
	"github.com/stretchr/testify/require"
)

type Network struct {
	t      *testing.T
	Queue  *relay.MemoryQueue
	Server *relay.Server
	URL    string
}

func New(t *testing.T) *Network {
	q := relay.NewMemoryQueue()
	s := relay.NewServer(test.NewTestConfig("relay"), []byte("0123456789abcdef0123456789abcdef"), q, clock.NewSystemClock())
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return &Network{t: t, Queue: q, Server: s, URL: hs.URL}
}

// Device is one registered device with its own database.
type Device struct {
	Config    *config.Config
	DB        *db.Database
	Secret    *crypto.MasterSecret
	Client    *push.Client
	Transport *session.Transport
	Store     *store.Store
	Scheduler *jobs.Scheduler
}

func (n *Network) NewDevice(name string, deviceID uint32, opts ...config.Option) *Device {
	t := n.t
	c := test.NewTestConfig(name, append([]config.Option{config.WithLocalAddress(name, deviceID), config.WithServiceURL(n.URL), config.WithPreKeyBatchSize(5)}, opts...)...)
	d := test.NewTestDatabase(c)
	client := push.NewClient(c)
	cl := clock.NewSystemClock()
	tr, err := session.NewTransport(c, d, client, cl)
	require.Nil(t, err)
	secret := test.NewTestSecret()
	require.Nil(t, tr.Setup(secret))
	s, err := store.New(c, d, cl)
	require.Nil(t, err)
	scheduler, err := jobs.NewScheduler(c, d, cl)
	require.Nil(t, err)

	dev := &Device{Config: c, DB: d, Secret: secret, Client: client, Transport: tr, Store: s, Scheduler: scheduler}
	regID, err := tr.LocalRegistrationID()
	require.Nil(t, err)
	dev.Publish(regID)
	return dev
}

func (d *Device) Address() wire.Address {
	return d.Transport.LocalAddress()
}

// Publish registers the device under registrationID and uploads its prekeys.
func (d *Device) Publish(registrationID uint32) {
	ctx := context.Background()
	addr := d.Address()
	_, err := d.Client.Register(ctx, addr.Name, addr.DeviceID, registrationID)
	if err != nil {
		panic(err)
	}
	state, err := d.Transport.PreKeyState()
	if err != nil {
		panic(err)
	}
	state.RegistrationID = registrationID
	if err := d.Client.SetPreKeys(ctx, state); err != nil {
		panic(err)
	}
}

// Pending lists what the relay holds for addr.
func (n *Network) Pending(addr wire.Address) []*wire.Envelope {
	envs, err := n.Queue.Pending(context.Background(), addr.String())
	require.Nil(n.t, err)
	return envs
}

// Take returns and removes everything the relay holds for addr.
func (n *Network) Take(addr wire.Address) []*wire.Envelope {
	envs := n.Pending(addr)
	for _, env := range envs {
		require.Nil(n.t, n.Queue.Remove(context.Background(), addr.String(), env.ServerGUID))
	}
	return envs
}
