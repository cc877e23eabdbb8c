// Package courier is the high-level interface to the delivery core. It opens the encrypted database, runs the
// job workers and the envelope pipe, and offers sending, identity acceptance and read tracking for threads and
// groups. Changes are reported on the Updates channel.
package courier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/meow-io/go-courier/bencode"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/dispatch"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/intake"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/jobs"
	"github.com/meow-io/go-courier/push"
	"github.com/meow-io/go-courier/reconcile"
	"github.com/meow-io/go-courier/session"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/wire"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
)

// An event indicating a change in the state of the courier.
type AppState struct {
	State int
}

// An event indicating threads whose messages or unread counts changed.
type ThreadUpdate struct {
	ThreadIDs []int64
}

// An event indicating the envelope pipe connected or dropped.
type PipeState struct {
	Connected bool
}

// Attachment is a file to send. Data is uploaded when the message is sent.
type Attachment struct {
	ContentType string
	FileName    string
	Data        []byte
}

// Outgoing is a message to store and send. Exactly one of Recipients and GroupID is set.
type Outgoing struct {
	Recipients  []string
	GroupID     *ids.ID
	Body        string
	Attachments []Attachment
	EndSession  bool
	ExpiresIn   time.Duration
}

type Courier struct {
	DB         *db.Database
	config     *config.Config
	log        *zap.SugaredLogger
	state      int
	clock      clock.Clock
	secret     *crypto.MasterSecret
	client     *push.Client
	sessions   *session.Transport
	store      *store.Store
	scheduler  *jobs.Scheduler
	dispatcher *dispatch.Dispatcher
	reconciler *reconcile.Reconciler
	intake     *intake.Intake
	updates    chan interface{}
	ctx        context.Context
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// Create a courier instance. Nothing is decrypted until Initialize or Open is called.
func NewCourier(c *config.Config) (*Courier, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making courier, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}
	return &Courier{
		DB:      d,
		config:  c,
		log:     log,
		state:   state,
		clock:   clock.NewSystemClock(),
		client:  push.NewClient(c),
		updates: make(chan interface{}, 100),
	}, nil
}

// Makes a key from a password.
func (s *Courier) NewKey(password string) ([]byte, error) {
	return newKey(password, s.config.RootDir, "salt")
}

// Gets updates: *AppState, *ThreadUpdate or *PipeState.
func (s *Courier) Updates() chan interface{} {
	return s.updates
}

func (s *Courier) New() bool {
	return s.state == StateNew
}

func (s *Courier) Initialized() bool {
	return s.state == StateInitialized
}

func (s *Courier) Running() bool {
	return s.state == StateRunning
}

// Initialize creates the database and the local identity, then opens the courier.
func (s *Courier) Initialize(key []byte) error {
	if s.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	dbKey, _, err := crypto.DeriveSecrets(key)
	if err != nil {
		return err
	}
	if err := s.DB.Initialize(dbKey); err != nil {
		return err
	}
	s.setState(StateInitialized)
	return s.Open(key)
}

// Open an existing courier with a given key and start the job workers.
func (s *Courier) Open(key []byte) error {
	if s.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}
	dbKey, secret, err := crypto.DeriveSecrets(key)
	if err != nil {
		return err
	}
	if err := s.DB.Open(dbKey); err != nil {
		return err
	}
	s.secret = secret

	if s.sessions, err = session.NewTransport(s.config, s.DB, s.client, s.clock); err != nil {
		return err
	}
	if err := s.sessions.Setup(secret); err != nil {
		return err
	}
	if s.store, err = store.New(s.config, s.DB, s.clock); err != nil {
		return err
	}
	if s.scheduler, err = jobs.NewScheduler(s.config, s.DB, s.clock); err != nil {
		return err
	}
	s.dispatcher = dispatch.NewDispatcher(s.config, s.sessions, s.client, s.store, s.scheduler, s.clock)
	s.reconciler = reconcile.New(s.config, s.sessions, s.client, s.store, s.scheduler, s.clock)
	s.dispatcher.SetAcceptor(s.reconciler)
	s.intake = intake.New(s.config, s.sessions, s.client, s.store, s.scheduler, s.reconciler, s.clock)
	s.intake.SetNotifier(s)

	if err := s.scheduler.Start(secret); err != nil {
		return err
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	s.cancelFunc = cancelFunc
	s.ctx = ctx
	s.setState(StateRunning)
	return nil
}

// Register publishes this device and its prekeys to the relay and starts receiving envelopes.
func (s *Courier) Register(ctx context.Context) error {
	if s.state != StateRunning {
		return fmt.Errorf("expected state %d, was %d", StateRunning, s.state)
	}
	regID, err := s.sessions.LocalRegistrationID()
	if err != nil {
		return err
	}
	if _, err := s.client.Register(ctx, s.config.LocalName, s.config.LocalDeviceID, regID); err != nil {
		return err
	}
	state, err := s.sessions.PreKeyState()
	if err != nil {
		return err
	}
	if err := s.client.SetPreKeys(ctx, state); err != nil {
		return err
	}
	s.finished.Add(1)
	go s.receive(s.ctx)
	return nil
}

// receive keeps the envelope pipe open until ctx is done. Envelopes are acked once stored.
func (s *Courier) receive(ctx context.Context) {
	defer s.finished.Done()
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	for ctx.Err() == nil {
		err := s.readPipe(ctx, b)
		s.publish(&PipeState{Connected: false})
		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		s.log.Infof("envelope pipe closed (%v), reconnecting in %s", err, wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Courier) readPipe(ctx context.Context, b backoff.BackOff) error {
	pipe, err := s.client.OpenPipe(ctx)
	if err != nil {
		return err
	}
	b.Reset()
	s.publish(&PipeState{Connected: true})
	closed := make(chan struct{})
	defer close(closed)
	go func() {
		select {
		case <-ctx.Done():
		case <-closed:
		}
		if err := pipe.Close(); err != nil {
			s.log.Debugf("error closing pipe: %v", err)
		}
	}()
	for {
		env, err := pipe.Read()
		if err != nil {
			return err
		}
		if err := s.intake.Receive(env); err != nil {
			s.log.Warnf("error storing envelope from %s: %v", env.SourceAddress(), err)
			continue
		}
		if err := pipe.Ack(env.ServerGUID); err != nil {
			return err
		}
	}
}

// ThreadsChanged reports threads changed by intake on the updates channel.
func (s *Courier) ThreadsChanged(threadIDs []int64) {
	s.publish(&ThreadUpdate{ThreadIDs: threadIDs})
}

func (s *Courier) publish(u interface{}) {
	select {
	case s.updates <- u:
	default:
		s.log.Warnf("updates channel full, dropping %T", u)
	}
}

func (s *Courier) setState(state int) {
	s.state = state
	s.publish(&AppState{State: state})
}

// Send stores msg as an outgoing message and queues it for delivery. It returns the message id.
func (s *Courier) Send(msg *Outgoing) (int64, error) {
	if s.state != StateRunning {
		return 0, fmt.Errorf("expected state %d, was %d", StateRunning, s.state)
	}
	if (msg.GroupID == nil) == (len(msg.Recipients) == 0) {
		return 0, errors.New("message needs either recipients or a group")
	}
	var id int64
	err := s.store.Run("send message", func() error {
		var threadID int64
		var err error
		if msg.GroupID != nil {
			threadID, err = s.store.ThreadForGroup(*msg.GroupID)
		} else {
			threadID, err = s.store.ThreadFor(msg.Recipients)
		}
		if err != nil {
			return err
		}
		m := &store.Message{
			ThreadID:     threadID,
			Address:      s.config.LocalName,
			DeviceID:     s.config.LocalDeviceID,
			Type:         store.TypeOutgoing | store.TypePush | store.TypeSecure,
			Body:         msg.Body,
			SentMs:       s.clock.CurrentTimeMs(),
			ExpiresInSec: uint32(msg.ExpiresIn / time.Second),
		}
		if msg.EndSession {
			m.Type |= store.TypeEndSession
		}
		if len(msg.Attachments) != 0 {
			m.Type |= store.TypeMedia
		}
		if id, err = s.store.InsertMessage(m); err != nil {
			return err
		}
		for _, a := range msg.Attachments {
			if _, err := s.store.InsertAttachment(&store.Attachment{MessageID: id, ContentType: a.ContentType, FileName: a.FileName, Data: a.Data, State: store.AttachmentPendingUpload}); err != nil {
				return err
			}
		}
		_, err = s.scheduler.EnqueueTx(dispatch.SendSpec(threadID, &dispatch.SendPayload{MessageID: id}))
		return err
	})
	return id, err
}

// CreateGroup stores a new group with the local account as admin and announces it to members.
func (s *Courier) CreateGroup(title string, members []string) (ids.ID, error) {
	id := ids.NewID()
	all := append([]string{s.config.LocalName}, members...)
	return id, s.sendGroupEvent("create group", &wire.GroupContext{
		ID:      id,
		Type:    wire.GroupUpdate,
		Name:    title,
		Members: all,
		Admin:   s.config.LocalName,
		Version: 1,
	})
}

// Kick removes names from a group. They still receive the kick.
func (s *Courier) Kick(groupID ids.ID, names []string) error {
	return s.sendGroupEvent("kick members", &wire.GroupContext{ID: groupID, Type: wire.GroupKick, Kicked: names})
}

// Quit leaves a group.
func (s *Courier) Quit(groupID ids.ID) error {
	return s.sendGroupEvent("quit group", &wire.GroupContext{ID: groupID, Type: wire.GroupQuit})
}

func (s *Courier) sendGroupEvent(label string, gc *wire.GroupContext) error {
	if s.state != StateRunning {
		return fmt.Errorf("expected state %d, was %d", StateRunning, s.state)
	}
	return s.store.Run(label, func() error {
		// a kick reaches the stored group when the dispatcher sends it
		if gc.Type != wire.GroupKick {
			if _, err := s.reconciler.ApplyGroupEvent(s.config.LocalName, gc, gc.Type == wire.GroupQuit); err != nil {
				return err
			}
		}
		threadID, err := s.store.ThreadForGroup(gc.ID)
		if err != nil {
			return err
		}
		b, err := bencode.Serialize(gc)
		if err != nil {
			return err
		}
		bits := map[uint8]uint64{wire.GroupUpdate: store.TypeGroupUpdate, wire.GroupKick: store.TypeGroupKick, wire.GroupQuit: store.TypeGroupQuit}[gc.Type]
		id, err := s.store.InsertMessage(&store.Message{
			ThreadID:     threadID,
			Address:      s.config.LocalName,
			DeviceID:     s.config.LocalDeviceID,
			Type:         store.TypeOutgoing | store.TypePush | store.TypeSecure | bits,
			GroupContext: b,
			SentMs:       s.clock.CurrentTimeMs(),
		})
		if err != nil {
			return err
		}
		_, err = s.scheduler.EnqueueTx(dispatch.SendSpec(threadID, &dispatch.SendPayload{MessageID: id}))
		return err
	})
}

// Accept trusts the changed identity keys blocking messages in a thread and retries those messages.
func (s *Courier) Accept(ctx context.Context, threadID int64) error {
	if s.state != StateRunning {
		return fmt.Errorf("expected state %d, was %d", StateRunning, s.state)
	}
	return s.reconciler.AcceptMismatch(ctx, s.secret, threadID)
}

// MarkRead marks a thread read, sends read receipts to the senders and tells our other devices.
func (s *Courier) MarkRead(threadID int64) error {
	if s.state != StateRunning {
		return fmt.Errorf("expected state %d, was %d", StateRunning, s.state)
	}
	return s.store.Run("mark thread read", func() error {
		msgs, err := s.store.Messages(threadID)
		if err != nil {
			return err
		}
		var read []wire.ReadMessage
		for _, m := range msgs {
			if m.Read || m.IsOutgoing() || m.Is(store.TypePlaceholder) {
				continue
			}
			read = append(read, wire.ReadMessage{Sender: m.Address, Timestamp: m.SentMs})
			if !s.config.SendReceipts {
				continue
			}
			if _, err := s.scheduler.EnqueueTx(dispatch.ReceiptSpec(&dispatch.ReceiptPayload{To: m.Source(), Timestamp: m.SentMs, Read: true})); err != nil {
				return err
			}
		}
		if err := s.store.MarkThreadRead(threadID); err != nil {
			return err
		}
		if len(read) == 0 {
			return nil
		}
		_, err = s.scheduler.EnqueueTx(dispatch.SyncSpec(&dispatch.SyncPayload{Read: read}))
		return err
	})
}

func (s *Courier) Thread(id int64) (*store.Thread, error) {
	var th *store.Thread
	return th, s.store.RunReadOnly("get thread", func() error {
		var err error
		th, err = s.store.Thread(id)
		return err
	})
}

func (s *Courier) Message(id int64) (*store.Message, error) {
	var m *store.Message
	return m, s.store.RunReadOnly("get message", func() error {
		var err error
		m, err = s.store.Message(id)
		return err
	})
}

func (s *Courier) Messages(threadID int64) ([]*store.Message, error) {
	var out []*store.Message
	return out, s.store.RunReadOnly("get messages", func() error {
		var err error
		out, err = s.store.Messages(threadID)
		return err
	})
}

func (s *Courier) Groups() ([]*store.Group, error) {
	var out []*store.Group
	return out, s.store.RunReadOnly("get groups", func() error {
		var err error
		out, err = s.store.Groups()
		return err
	})
}

// Gracefully stop a running courier.
func (s *Courier) Shutdown() error {
	if s.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	errs := make([]string, 0)
	s.cancelFunc()
	s.finished.Wait()

	if err := s.scheduler.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := s.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	s.cancelFunc = nil
	s.ctx = nil
	s.secret = nil
	s.sessions = nil
	s.store = nil
	s.scheduler = nil
	s.dispatcher = nil
	s.reconciler = nil
	s.intake = nil
	s.setState(StateInitialized)

	close(s.updates)
	s.updates = make(chan interface{}, 100)
	return nil
}
